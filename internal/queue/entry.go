// Package queue keeps unsent and failed outbound messages retryable across
// restarts. Entry transforms are pure; Manager owns the live set and
// persists it after every mutation.
package queue

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/CoteTommy/Weft-App-sub000/internal/model"
	"github.com/google/uuid"
)

// Source records how an entry came to exist.
type Source string

const (
	SourceSendError     Source = "send_error"
	SourceFailedMessage Source = "failed_message"
)

// Status is the entry lifecycle state.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusSending Status = "sending"
	StatusPaused  Status = "paused"
)

// MaxAutoRetryAttempts is the number of failed attempts after which an
// entry is paused and never retried automatically again.
const MaxAutoRetryAttempts = 4

// AutoPauseMarker prefixes LastError of an entry paused by the retry budget.
const AutoPauseMarker = "auto-retry paused"

var retryTiers = []time.Duration{
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
	600 * time.Second,
}

// RetryDelay returns the backoff for the given attempt count, clamped to
// the last tier.
func RetryDelay(attempt int) time.Duration {
	switch {
	case attempt < 0:
		return retryTiers[0]
	case attempt >= len(retryTiers):
		return retryTiers[len(retryTiers)-1]
	}
	return retryTiers[attempt]
}

// Draft is the serializable content of a message waiting to be sent.
type Draft struct {
	Text        string             `json:"text"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
	Paper       *model.Paper       `json:"paper,omitempty"`
}

// Entry is one retryable outbound message.
type Entry struct {
	ID            string           `json:"id"`
	Source        Source           `json:"source"`
	ThreadID      string           `json:"thread_id"`
	MessageID     string           `json:"message_id,omitempty"`
	Draft         Draft            `json:"draft"`
	Attempts      int              `json:"attempts"`
	NextRetryAtMs int64            `json:"next_retry_at_ms"`
	Status        Status           `json:"status"`
	LastError     string           `json:"last_error,omitempty"`
	ReasonCode    model.ReasonCode `json:"reason_code,omitempty"`
	CreatedAtMs   int64            `json:"created_at_ms"`
	UpdatedAtMs   int64            `json:"updated_at_ms"`
}

// FailedKey is the stable id of an entry reconciled from a failed message.
func FailedKey(messageID string) string {
	return "failed:" + messageID
}

// NewSendErrorEntry builds the entry for a send that failed synchronously.
func NewSendErrorEntry(threadID, messageID string, draft Draft, detail string, nowMs int64) Entry {
	return Entry{
		ID:            uuid.NewString(),
		Source:        SourceSendError,
		ThreadID:      threadID,
		MessageID:     messageID,
		Draft:         draft,
		NextRetryAtMs: nowMs + RetryDelay(0).Milliseconds(),
		Status:        StatusQueued,
		LastError:     detail,
		ReasonCode:    model.ReasonCodeFromDetail(detail),
		CreatedAtMs:   nowMs,
		UpdatedAtMs:   nowMs,
	}
}

// draftFromMessage rebuilds a draft, failing when an attachment no longer
// carries its payload.
func draftFromMessage(m model.Message) (Draft, bool) {
	d := Draft{Text: m.Body}
	for _, a := range m.Attachments {
		if a.DataBase64 == "" {
			return Draft{}, false
		}
		d.Attachments = append(d.Attachments, a)
	}
	if m.Paper != nil {
		p := *m.Paper
		d.Paper = &p
	}
	return d, true
}

// SyncFromThreads adds an entry for every failed self-sent message that is
// neither represented in entries nor ignored. changed is false when
// nothing was added, in which case entries is returned as is.
func SyncFromThreads(entries []Entry, threads []model.Thread, ignored map[string]struct{}, nowMs int64) (out []Entry, changed bool) {
	represented := make(map[string]struct{}, len(entries)*2)
	for _, e := range entries {
		represented[e.ID] = struct{}{}
		if e.MessageID != "" {
			represented[FailedKey(e.MessageID)] = struct{}{}
		}
	}
	out = entries
	for _, t := range threads {
		for _, m := range t.Messages {
			if m.Role != model.RoleSelf || m.Status != model.StatusFailed {
				continue
			}
			key := FailedKey(m.ID)
			if _, ok := represented[key]; ok {
				continue
			}
			if _, ok := ignored[m.ID]; ok {
				continue
			}
			draft, ok := draftFromMessage(m)
			if !ok {
				continue
			}
			reason := m.ReasonCode
			if reason == model.ReasonNone {
				reason = model.ReasonCodeFromDetail(m.StatusDetail)
			}
			if !changed {
				out = slices.Clone(entries)
				changed = true
			}
			out = append(out, Entry{
				ID:            key,
				Source:        SourceFailedMessage,
				ThreadID:      t.ID,
				MessageID:     m.ID,
				Draft:         draft,
				NextRetryAtMs: nowMs + RetryDelay(0).Milliseconds(),
				Status:        StatusQueued,
				LastError:     m.StatusDetail,
				ReasonCode:    reason,
				CreatedAtMs:   nowMs,
				UpdatedAtMs:   nowMs,
			})
			represented[key] = struct{}{}
		}
	}
	return out, changed
}

// MarkSending moves a queued entry into flight.
func MarkSending(e Entry, nowMs int64) Entry {
	e.Status = StatusSending
	e.UpdatedAtMs = nowMs
	return e
}

// MarkAttemptFailed records a failed attempt. The entry is requeued with
// the next backoff tier, or paused once the retry budget is spent. An
// entry paused while its attempt was in flight stays paused.
func MarkAttemptFailed(e Entry, detail string, nowMs int64) Entry {
	userPaused := e.Status == StatusPaused
	e.Attempts++
	e.UpdatedAtMs = nowMs
	e.NextRetryAtMs = nowMs + RetryDelay(e.Attempts).Milliseconds()
	e.LastError = detail
	e.ReasonCode = model.ReasonCodeFromDetail(detail)
	e.Status = StatusQueued
	if userPaused {
		e.Status = StatusPaused
	}
	if e.Attempts >= MaxAutoRetryAttempts {
		e.Status = StatusPaused
		e.ReasonCode = model.ReasonRetryBudgetExhausted
		e.LastError = fmt.Sprintf("%s after %d attempts: %s", AutoPauseMarker, e.Attempts, detail)
	}
	return e
}

// MarkPaused stops automatic retries of an entry.
func MarkPaused(e Entry, nowMs int64) Entry {
	e.Status = StatusPaused
	e.UpdatedAtMs = nowMs
	return e
}

// Resume requeues a paused entry on the first backoff tier with a fresh
// retry budget. Other entries are returned unchanged.
func Resume(e Entry, nowMs int64) Entry {
	if e.Status != StatusPaused {
		return e
	}
	e.Status = StatusQueued
	e.Attempts = 0
	if e.ReasonCode == model.ReasonRetryBudgetExhausted {
		e.ReasonCode = model.ReasonNone
	}
	e.NextRetryAtMs = nowMs + RetryDelay(0).Milliseconds()
	e.UpdatedAtMs = nowMs
	return e
}

// RetryNow makes a queued or paused entry due immediately. A paused entry
// also gets a fresh retry budget.
func RetryNow(e Entry, nowMs int64) Entry {
	switch e.Status {
	case StatusPaused:
		e = Resume(e, nowMs)
	case StatusQueued:
	default:
		return e
	}
	e.NextRetryAtMs = nowMs
	e.UpdatedAtMs = nowMs
	return e
}

// NextDue returns the queued entry with the earliest NextRetryAtMs that is
// due at nowMs.
func NextDue(entries []Entry, nowMs int64) (Entry, bool) {
	var best Entry
	found := false
	for _, e := range entries {
		if e.Status != StatusQueued || e.NextRetryAtMs > nowMs {
			continue
		}
		if !found || cmp.Or(cmp.Compare(e.NextRetryAtMs, best.NextRetryAtMs), cmp.Compare(e.ID, best.ID)) < 0 {
			best, found = e, true
		}
	}
	return best, found
}
