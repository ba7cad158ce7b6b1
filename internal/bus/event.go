package bus

import (
	"strings"
	"time"
)

// Namespaces published by the sync core. An event kind is its namespace
// followed by a name, e.g. "threads.snapshot".
const (
	FeedNamespace    = "feed."
	QueueNamespace   = "queue."
	ThreadsNamespace = "threads."
)

// Namespaces lists every namespace in the order status output shows them.
var Namespaces = []string{FeedNamespace, QueueNamespace, ThreadsNamespace}

// Event is a state change published by one sync core component.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Namespace returns the kind prefix up to and including the first dot, or
// "" for a kind without one.
func (e Event) Namespace() string {
	i := strings.IndexByte(e.Kind, '.')
	if i < 0 {
		return ""
	}
	return e.Kind[:i+1]
}

// ValidNamespace reports whether a subscription filter can match anything
// the sync core publishes. The empty filter matches every event.
func ValidNamespace(filter string) bool {
	if filter == "" {
		return true
	}
	for _, ns := range Namespaces {
		if strings.HasPrefix(filter, ns) || strings.HasPrefix(ns, filter) {
			return true
		}
	}
	return false
}
