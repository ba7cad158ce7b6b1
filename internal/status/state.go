package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/CoteTommy/Weft-App-sub000/internal/bus"
)

// ChangedKind is the bus event kind published on every transition.
const ChangedKind = bus.FeedNamespace + "status_changed"

// State represents the live event feed state.
type State string

const (
	Booting    State = "BOOTING"
	Connecting State = "CONNECTING"
	Live       State = "LIVE"
	Stale      State = "STALE"
	Resyncing  State = "RESYNCING"
	Offline    State = "OFFLINE"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:    {Connecting, Offline},
	Connecting: {Live, Resyncing, Offline},
	Live:       {Stale, Resyncing, Offline},
	Stale:      {Resyncing, Live, Offline},
	Resyncing:  {Live, Stale, Offline},
	Offline:    {Connecting},
}

// Machine tracks and enforces feed state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition attempts to move to a new state. Moving to the current state
// is a no-op. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to {
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      ChangedKind,
			Timestamp: m.since,
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
