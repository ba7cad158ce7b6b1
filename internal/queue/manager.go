package queue

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/CoteTommy/Weft-App-sub000/internal/model"
	"go.uber.org/zap"
)

// ErrEntryNotFound is returned for an unknown entry id.
var ErrEntryNotFound = errors.New("queue entry not found")

// maxIgnored bounds the remembered ignored message ids; the oldest are
// forgotten first.
const maxIgnored = 1000

// Manager owns the live queue and persists it after every mutation.
type Manager struct {
	mu        sync.Mutex
	entries   []Entry
	ignored   []string
	ignoreSet map[string]struct{}
	persister *Persister
	logger    *zap.Logger
	now       func() time.Time
}

// NewManager creates an empty manager backed by p.
func NewManager(p *Persister, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		persister: p,
		ignoreSet: make(map[string]struct{}),
		logger:    logger,
		now:       time.Now,
	}
}

func (m *Manager) nowMs() int64 { return m.now().UnixMilli() }

// Load replaces the in-memory queue with the persisted one.
func (m *Manager) Load() error {
	entries, ignored, err := m.persister.Load(m.nowMs())
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = entries
	m.ignored = nil
	m.ignoreSet = make(map[string]struct{}, len(ignored))
	for _, id := range ignored {
		m.ignoreLocked(id)
	}
	m.logger.Info("queue loaded", zap.Int("entries", len(entries)), zap.Int("ignored", len(ignored)))
	return nil
}

// Entries returns a copy of the queue.
func (m *Manager) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.entries)
}

// Get returns the entry with the given id.
func (m *Manager) Get(id string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.indexLocked(id); i >= 0 {
		return m.entries[i], true
	}
	return Entry{}, false
}

// NextDue returns the earliest due queued entry.
func (m *Manager) NextDue() (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return NextDue(m.entries, m.nowMs())
}

func (m *Manager) indexLocked(id string) int {
	return slices.IndexFunc(m.entries, func(e Entry) bool { return e.ID == id })
}

func (m *Manager) ignoreLocked(messageID string) {
	if messageID == "" {
		return
	}
	if _, ok := m.ignoreSet[messageID]; ok {
		return
	}
	m.ignoreSet[messageID] = struct{}{}
	m.ignored = append(m.ignored, messageID)
	if n := len(m.ignored); n > maxIgnored {
		for _, old := range m.ignored[:n-maxIgnored] {
			delete(m.ignoreSet, old)
		}
		m.ignored = slices.Clone(m.ignored[n-maxIgnored:])
	}
}

func (m *Manager) persistLocked() PersistResult {
	res := m.persister.Persist(m.entries, m.ignored)
	if !res.OK {
		m.logger.Warn("persist queue", zap.String("code", res.Code), zap.String("error", res.Message))
	}
	return res
}

// Enqueue adds e, replacing an entry with the same id or for the same
// message.
func (m *Manager) Enqueue(e Entry) PersistResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexLocked(e.ID)
	if i < 0 && e.MessageID != "" {
		i = slices.IndexFunc(m.entries, func(x Entry) bool { return x.MessageID == e.MessageID })
	}
	if i >= 0 {
		m.entries[i] = e
	} else {
		m.entries = append(m.entries, e)
	}
	m.logger.Info("queue entry added",
		zap.String("entry_id", e.ID),
		zap.String("thread_id", e.ThreadID),
		zap.String("reason", string(e.ReasonCode)))
	return m.persistLocked()
}

// Sync reconciles the queue with failed messages in threads. Nothing is
// persisted when no entry was added.
func (m *Manager) Sync(threads []model.Thread) PersistResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, changed := SyncFromThreads(m.entries, threads, m.ignoreSet, m.nowMs())
	if !changed {
		return persisted()
	}
	m.logger.Debug("queue reconciled from threads", zap.Int("added", len(out)-len(m.entries)))
	m.entries = out
	return m.persistLocked()
}

func (m *Manager) update(id string, fn func(Entry, int64) (Entry, error)) (Entry, PersistResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexLocked(id)
	if i < 0 {
		return Entry{}, PersistResult{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	e, err := fn(m.entries[i], m.nowMs())
	if err != nil {
		return m.entries[i], PersistResult{}, err
	}
	m.entries[i] = e
	return e, m.persistLocked(), nil
}

// ErrNotQueued is returned by BeginAttempt for an entry that is not queued.
var ErrNotQueued = errors.New("queue entry is not queued")

// BeginAttempt marks a queued entry as sending.
func (m *Manager) BeginAttempt(id string) (Entry, PersistResult, error) {
	return m.update(id, func(e Entry, now int64) (Entry, error) {
		if e.Status != StatusQueued {
			return e, fmt.Errorf("%w: %s is %s", ErrNotQueued, id, e.Status)
		}
		return MarkSending(e, now), nil
	})
}

// AttemptFailed records a failed attempt with the backend detail.
func (m *Manager) AttemptFailed(id, detail string) (Entry, PersistResult, error) {
	e, res, err := m.update(id, func(e Entry, now int64) (Entry, error) {
		return MarkAttemptFailed(e, detail, now), nil
	})
	if err == nil && e.ReasonCode == model.ReasonRetryBudgetExhausted {
		m.logger.Warn("queue entry paused", zap.String("entry_id", id), zap.Int("attempts", e.Attempts))
	}
	return e, res, err
}

// Pause stops automatic retries of an entry.
func (m *Manager) Pause(id string) (Entry, PersistResult, error) {
	return m.update(id, func(e Entry, now int64) (Entry, error) {
		return MarkPaused(e, now), nil
	})
}

// Resume requeues a paused entry.
func (m *Manager) Resume(id string) (Entry, PersistResult, error) {
	return m.update(id, func(e Entry, now int64) (Entry, error) {
		return Resume(e, now), nil
	})
}

// RetryNow makes an entry due immediately.
func (m *Manager) RetryNow(id string) (Entry, PersistResult, error) {
	return m.update(id, func(e Entry, now int64) (Entry, error) {
		return RetryNow(e, now), nil
	})
}

// Delivered drops an entry whose message the backend accepted.
func (m *Manager) Delivered(id string) (PersistResult, error) {
	return m.remove(id)
}

// Remove drops an entry. Its message id is remembered so the same failed
// message never requeues it.
func (m *Manager) Remove(id string) (PersistResult, error) {
	return m.remove(id)
}

func (m *Manager) remove(id string) (PersistResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexLocked(id)
	if i < 0 {
		return PersistResult{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	m.ignoreLocked(m.entries[i].MessageID)
	m.entries = slices.Delete(m.entries, i, i+1)
	return m.persistLocked(), nil
}

// Clear drops every entry.
func (m *Manager) Clear() PersistResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		m.ignoreLocked(e.MessageID)
	}
	m.entries = nil
	return m.persistLocked()
}
