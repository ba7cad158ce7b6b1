// Package reducer holds the pure thread/message transforms. Functions never
// mutate their input and return the input slice itself when nothing changed,
// so callers can compare slices to skip redundant snapshots.
package reducer

import (
	"cmp"
	"slices"

	"github.com/CoteTommy/Weft-App-sub000/internal/model"
)

func compareThreads(a, b model.Thread) int {
	if a.Pinned != b.Pinned {
		if a.Pinned {
			return -1
		}
		return 1
	}
	if c := cmp.Compare(b.LastActivityAtMs, a.LastActivityAtMs); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// OrderThreads sorts pinned threads first, then by descending activity,
// then by ascending id.
func OrderThreads(threads []model.Thread) []model.Thread {
	if slices.IsSortedFunc(threads, compareThreads) {
		return threads
	}
	out := slices.Clone(threads)
	slices.SortFunc(out, compareThreads)
	return out
}

// HydrateThreads merges an authoritative page with local draft threads.
// A draft whose id the authoritative set already holds is dropped.
func HydrateThreads(authoritative, drafts []model.Thread) []model.Thread {
	known := make(map[string]struct{}, len(authoritative))
	out := make([]model.Thread, 0, len(authoritative)+len(drafts))
	for _, t := range authoritative {
		known[t.ID] = struct{}{}
		out = append(out, t)
	}
	for _, d := range drafts {
		if _, ok := known[d.ID]; ok {
			continue
		}
		known[d.ID] = struct{}{}
		out = append(out, d)
	}
	return OrderThreads(out)
}

func indexOf(threads []model.Thread, id string) int {
	return slices.IndexFunc(threads, func(t model.Thread) bool { return t.ID == id })
}

// UpsertRuntimeMessage merges msg into the thread identified by derived.ID.
// A missing thread is created from derived. Re-applying the same message is
// a merge by id, and unread is only incremented when the id is new.
func UpsertRuntimeMessage(threads []model.Thread, derived model.Thread, msg model.Message, unread bool) []model.Thread {
	msg.ThreadID = derived.ID
	i := indexOf(threads, derived.ID)
	if i < 0 {
		t := derived
		t.Messages = []model.Message{msg}
		t.LastActivityAtMs = max(derived.LastActivityAtMs, msg.SentAtMs)
		t.Preview = ThreadPreview(t.Messages)
		t.Unread = derived.Unread
		if unread {
			t.Unread++
		}
		out := make([]model.Thread, 0, len(threads)+1)
		out = append(out, t)
		out = append(out, threads...)
		return OrderThreads(out)
	}

	t := threads[i]
	inserted := false
	if j := slices.IndexFunc(t.Messages, func(m model.Message) bool { return m.ID == msg.ID }); j >= 0 {
		t.Messages = slices.Clone(t.Messages)
		t.Messages[j] = mergeMessage(t.Messages[j], msg)
	} else {
		t.Messages = append(slices.Clone(t.Messages), msg)
		inserted = true
	}
	slices.SortStableFunc(t.Messages, func(a, b model.Message) int {
		return cmp.Compare(a.SentAtMs, b.SentAtMs)
	})
	if inserted && unread {
		t.Unread++
	}
	if derived.Name != "" && derived.Name != derived.ID {
		t.Name = derived.Name
	}
	// An event older than the thread's activity must not replace a newer
	// preview the thread only knows from its summary.
	newest := t.Messages[len(t.Messages)-1]
	if newest.SentAtMs >= t.LastActivityAtMs || t.Preview == "" {
		t.Preview = ThreadPreview(t.Messages)
	}
	t.LastActivityAtMs = max(t.LastActivityAtMs, derived.LastActivityAtMs, msg.SentAtMs)

	out := slices.Clone(threads)
	out[i] = t
	return OrderThreads(out)
}

var statusRank = map[model.DeliveryStatus]int{
	model.StatusSending:   1,
	model.StatusSent:      2,
	model.StatusDelivered: 3,
}

// mergeMessage applies incoming over existing field by field. Empty
// incoming fields keep the existing value, and a late "sending" echo never
// regresses a message the backend already confirmed.
func mergeMessage(existing, incoming model.Message) model.Message {
	out := existing.Clone()
	if incoming.Role != "" {
		out.Role = incoming.Role
	}
	if incoming.Author != "" {
		out.Author = incoming.Author
	}
	if incoming.Body != "" {
		out.Body = incoming.Body
	}
	if len(incoming.Attachments) > 0 {
		out.Attachments = slices.Clone(incoming.Attachments)
	}
	if incoming.Paper != nil {
		p := *incoming.Paper
		out.Paper = &p
	}
	if incoming.Kind != "" {
		out.Kind = incoming.Kind
	}
	if incoming.SentAtMs != 0 {
		out.SentAtMs = incoming.SentAtMs
	}
	if incoming.Status != "" && !(statusRank[incoming.Status] > 0 && statusRank[incoming.Status] < statusRank[out.Status]) {
		out.Status = incoming.Status
		if incoming.StatusDetail != "" {
			out.StatusDetail = incoming.StatusDetail
		}
		out.ReasonCode = incoming.ReasonCode
	}
	if len(incoming.DeliveryTrace) > 0 {
		out.DeliveryTrace = capTrace(slices.Clone(incoming.DeliveryTrace))
	}
	return out
}

func capTrace(trace []model.DeliveryTraceEntry) []model.DeliveryTraceEntry {
	if n := len(trace); n > model.MaxDeliveryTrace {
		return trace[n-model.MaxDeliveryTrace:]
	}
	return trace
}

// ReceiptUpdate is a delivery status change for one message.
type ReceiptUpdate struct {
	MessageID    string
	Status       model.DeliveryStatus
	StatusDetail string
	ReasonCode   model.ReasonCode
	AtMs         int64
}

// ApplyReceiptUpdate sets the status of the message with the given id,
// wherever it lives, and appends one entry to its delivery trace. found is
// false when no thread holds the message. A receipt identical to the
// message's current state is a no-op.
func ApplyReceiptUpdate(threads []model.Thread, u ReceiptUpdate) (out []model.Thread, found bool) {
	reason := u.ReasonCode
	if u.Status != model.StatusFailed {
		reason = model.ReasonNone
	}
	for i, t := range threads {
		j := slices.IndexFunc(t.Messages, func(m model.Message) bool { return m.ID == u.MessageID })
		if j < 0 {
			continue
		}
		m := t.Messages[j]
		if m.Status == u.Status && m.ReasonCode == reason && (u.StatusDetail == "" || m.StatusDetail == u.StatusDetail) {
			if n := len(m.DeliveryTrace); n > 0 && m.DeliveryTrace[n-1].Status == u.Status {
				return threads, true
			}
		}
		m = m.Clone()
		m.Status = u.Status
		if u.StatusDetail != "" {
			m.StatusDetail = u.StatusDetail
		}
		m.ReasonCode = reason
		m.DeliveryTrace = capTrace(append(m.DeliveryTrace, model.DeliveryTraceEntry{
			Status:     u.Status,
			AtMs:       u.AtMs,
			ReasonCode: reason,
		}))

		t.Messages = slices.Clone(t.Messages)
		t.Messages[j] = m
		out = slices.Clone(threads)
		out[i] = t
		return out, true
	}
	return threads, false
}

// MarkRead clears the unread counter of one thread.
func MarkRead(threads []model.Thread, id string) []model.Thread {
	i := indexOf(threads, id)
	if i < 0 || threads[i].Unread == 0 {
		return threads
	}
	out := slices.Clone(threads)
	out[i].Unread = 0
	return out
}

// MarkAllRead clears every unread counter.
func MarkAllRead(threads []model.Thread) []model.Thread {
	if !slices.ContainsFunc(threads, func(t model.Thread) bool { return t.Unread != 0 }) {
		return threads
	}
	out := slices.Clone(threads)
	for i := range out {
		out[i].Unread = 0
	}
	return out
}

// SetPinned changes the pinned flag of one thread and reorders.
func SetPinned(threads []model.Thread, id string, pinned bool) []model.Thread {
	i := indexOf(threads, id)
	if i < 0 || threads[i].Pinned == pinned {
		return threads
	}
	out := slices.Clone(threads)
	out[i].Pinned = pinned
	return OrderThreads(out)
}

// SetMuted changes the muted flag of one thread.
func SetMuted(threads []model.Thread, id string, muted bool) []model.Thread {
	i := indexOf(threads, id)
	if i < 0 || threads[i].Muted == muted {
		return threads
	}
	out := slices.Clone(threads)
	out[i].Muted = muted
	return out
}

// RewriteSelfAuthor sets the author of every self-sent message to name.
func RewriteSelfAuthor(threads []model.Thread, name string) []model.Thread {
	var out []model.Thread
	for i, t := range threads {
		msgs, changed := rewriteAuthor(t.Messages, name)
		if !changed {
			continue
		}
		if out == nil {
			out = slices.Clone(threads)
		}
		out[i].Messages = msgs
	}
	if out == nil {
		return threads
	}
	return out
}

// RewriteSelfAuthorMessages is RewriteSelfAuthor over a single message set.
func RewriteSelfAuthorMessages(msgs []model.Message, name string) []model.Message {
	out, _ := rewriteAuthor(msgs, name)
	return out
}

func rewriteAuthor(msgs []model.Message, name string) ([]model.Message, bool) {
	var out []model.Message
	for i, m := range msgs {
		if m.Role != model.RoleSelf || m.Author == name {
			continue
		}
		if out == nil {
			out = slices.Clone(msgs)
		}
		out[i].Author = name
	}
	if out == nil {
		return msgs, false
	}
	return out, true
}

// ApplyPreferences overlays stored pin/mute choices. Threads without a
// stored preference take the defaults.
func ApplyPreferences(threads []model.Thread, prefs map[string]model.ThreadPreference) []model.Thread {
	var out []model.Thread
	for i, t := range threads {
		p := prefs[t.ID]
		if t.Pinned == p.Pinned && t.Muted == p.Muted {
			continue
		}
		if out == nil {
			out = slices.Clone(threads)
		}
		out[i].Pinned = p.Pinned
		out[i].Muted = p.Muted
	}
	if out == nil {
		return threads
	}
	return OrderThreads(out)
}
