// Package threadstore holds the client's view of threads and messages:
// paged authoritative summaries, a bounded per-thread message cache, local
// drafts, unread overrides and pin/mute preferences. Every change is
// published on the bus as one "threads.snapshot" event.
package threadstore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/CoteTommy/Weft-App-sub000/internal/bus"
	"github.com/CoteTommy/Weft-App-sub000/internal/contract"
	"github.com/CoteTommy/Weft-App-sub000/internal/model"
	"github.com/CoteTommy/Weft-App-sub000/internal/reducer"
	"go.uber.org/zap"
)

// SnapshotKind is the bus event kind carrying a Snapshot.
const SnapshotKind = bus.ThreadsNamespace + "snapshot"

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("thread store closed")

// Backend is the paged read side of the mesh daemon.
type Backend interface {
	FetchThreadPage(ctx context.Context, cursor string, limit int) ([]byte, error)
	FetchMessagesPage(ctx context.Context, threadID, cursor string, limit int) ([]byte, error)
}

// Storage persists thread preferences.
type Storage interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// Options bounds paging and caching.
type Options struct {
	PageSize      int
	MaxThreadSets int
	MaxMessages   int
	DisplayName   string
}

// Snapshot is the published view. Threads carry messages only for threads
// whose message set is cached.
type Snapshot struct {
	Threads []model.Thread
	Active  string
}

// Store is the thread view. It is safe for concurrent use; network calls
// run outside the lock and their results are dropped if the store closed
// or was refreshed meanwhile.
type Store struct {
	mu      sync.Mutex
	backend Backend
	kv      Storage
	bus     *bus.Bus
	logger  *zap.Logger
	opts    Options
	now     func() time.Time

	summaries    []model.Thread
	drafts       []model.Thread
	threadCursor *string
	headLoaded   bool
	cache        *messageCache
	seen         *seenMessages
	active       string
	unread       map[string]int
	prefs        map[string]model.ThreadPreference
	displayName  string
	inflight     map[string]struct{}
	generation   uint64
	closed       bool
}

// New creates a store. Preferences are loaded from kv.
func New(backend Backend, kv Storage, b *bus.Bus, opts Options, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.MaxThreadSets <= 0 {
		opts.MaxThreadSets = 2
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 500
	}
	s := &Store{
		backend:     backend,
		kv:          kv,
		bus:         b,
		logger:      logger,
		opts:        opts,
		now:         time.Now,
		cache:       newMessageCache(opts.MaxThreadSets, opts.MaxMessages),
		seen:        newSeenMessages(maxSeenMessages),
		unread:      make(map[string]int),
		inflight:    make(map[string]struct{}),
		displayName: opts.DisplayName,
	}
	prefs, err := loadPreferences(kv)
	if err != nil {
		return nil, err
	}
	s.prefs = prefs
	return s, nil
}

// Close stops the store from applying further results.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.generation++
}

// begin claims an in-flight key. A key already in flight makes the call a
// no-op.
func (s *Store) begin(key string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false, ErrClosed
	}
	if _, busy := s.inflight[key]; busy {
		return 0, false, nil
	}
	s.inflight[key] = struct{}{}
	return s.generation, true, nil
}

func (s *Store) end(key string) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}

// liveLocked reports whether a result started at gen may still be applied.
func (s *Store) liveLocked(gen uint64) bool {
	return !s.closed && s.generation == gen
}

// viewLocked composes summaries, drafts, cached messages, unread overrides
// and preferences into the ordered thread list.
func (s *Store) viewLocked() []model.Thread {
	threads := slices.Clone(reducer.HydrateThreads(s.summaries, s.drafts))
	for i := range threads {
		t := &threads[i]
		if set, ok := s.cache.peek(t.ID); ok {
			t.Messages = set.msgs
		}
		if n, ok := s.unread[t.ID]; ok {
			t.Unread = n
		}
	}
	return reducer.ApplyPreferences(threads, s.prefs)
}

// absorbLocked writes a reducer result derived from prev back into
// summaries, drafts and the cache. Local unread changes become overrides.
// Messages of threads without a cached set are not retained.
func (s *Store) absorbLocked(prev, threads []model.Thread) {
	before := make(map[string]int, len(prev))
	for _, t := range prev {
		before[t.ID] = t.Unread
	}
	summaries := make([]model.Thread, 0, len(threads))
	drafts := make([]model.Thread, 0, len(s.drafts))
	for _, t := range threads {
		if _, ok := s.cache.peek(t.ID); ok {
			s.logEvicted(s.cache.replace(t.ID, t.Messages, s.active))
		}
		if n, ok := before[t.ID]; !ok || n != t.Unread {
			s.unread[t.ID] = t.Unread
		}
		t = t.Summary()
		if t.Draft {
			drafts = append(drafts, t)
		} else {
			summaries = append(summaries, t)
		}
	}
	s.summaries = summaries
	s.drafts = drafts
}

func (s *Store) emitLocked() {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      SnapshotKind,
		Timestamp: s.now(),
		Payload:   Snapshot{Threads: s.viewLocked(), Active: s.active},
	})
}

// Snapshot returns the current ordered thread list.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Threads: s.viewLocked(), Active: s.active}
}

// Thread returns one thread, with its messages when cached.
func (s *Store) Thread(id string) (model.Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.viewLocked() {
		if t.ID == id {
			return t, true
		}
	}
	return model.Thread{}, false
}

// Refresh reloads the first thread page and the active thread's newest
// messages. Pages loaded earlier are discarded; cached message sets of
// other threads are dropped and refetched on selection.
func (s *Store) Refresh(ctx context.Context) error {
	const key = "threads:head"
	_, ok, err := s.begin(key)
	if err != nil || !ok {
		return err
	}
	defer s.end(key)

	s.mu.Lock()
	s.generation++
	gen := s.generation
	active := s.active
	s.mu.Unlock()

	raw, err := s.backend.FetchThreadPage(ctx, "", s.opts.PageSize)
	if err != nil {
		return fmt.Errorf("fetch threads: %w", err)
	}
	page, err := contract.ParseThreadPage(raw)
	if err != nil {
		s.logger.Error("invalid thread page", zap.Error(err))
		return fmt.Errorf("parse threads: %w", err)
	}

	var msgs *contract.MessagePage
	if active != "" && !s.isDraft(active) {
		mp, err := s.fetchMessages(ctx, active, "")
		if err != nil {
			s.logger.Warn("refresh active thread", zap.String("thread_id", active), zap.Error(err))
		} else {
			msgs = &mp
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.liveLocked(gen) {
		return nil
	}
	s.hydrateLocked(page.Items)
	s.threadCursor = page.NextCursor
	s.headLoaded = true
	for _, id := range s.cache.keys() {
		if id != active && !s.isDraftLocked(id) {
			s.cache.remove(id)
		}
	}
	if msgs != nil {
		s.mergeHeadLocked(active, *msgs)
	}
	s.logger.Debug("threads refreshed", zap.Int("threads", len(page.Items)), zap.Bool("more", page.NextCursor != nil))
	s.emitLocked()
	return nil
}

// hydrateLocked replaces the authoritative summaries. Unread overrides
// survive unless the server agrees or the thread is gone.
func (s *Store) hydrateLocked(items []model.Thread) {
	seen := make(map[string]struct{}, len(items))
	for _, t := range items {
		seen[t.ID] = struct{}{}
		if n, ok := s.unread[t.ID]; ok && n == t.Unread {
			delete(s.unread, t.ID)
		}
	}
	for id := range s.unread {
		if _, ok := seen[id]; !ok && !s.isDraftLocked(id) {
			delete(s.unread, id)
		}
	}
	s.summaries = items
	s.drafts = slices.DeleteFunc(slices.Clone(s.drafts), func(d model.Thread) bool {
		_, ok := seen[d.ID]
		return ok
	})
}

// LoadMoreThreads appends the next thread page. It is a no-op once the
// listing is exhausted.
func (s *Store) LoadMoreThreads(ctx context.Context) error {
	s.mu.Lock()
	loaded, cursor := s.headLoaded, s.threadCursor
	s.mu.Unlock()
	if !loaded {
		return s.Refresh(ctx)
	}
	if cursor == nil {
		return nil
	}

	const key = "threads:more"
	gen, ok, err := s.begin(key)
	if err != nil || !ok {
		return err
	}
	defer s.end(key)

	raw, err := s.backend.FetchThreadPage(ctx, *cursor, s.opts.PageSize)
	if err != nil {
		return fmt.Errorf("fetch threads: %w", err)
	}
	page, err := contract.ParseThreadPage(raw)
	if err != nil {
		s.logger.Error("invalid thread page", zap.Error(err))
		return fmt.Errorf("parse threads: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.liveLocked(gen) {
		return nil
	}
	items := slices.Clone(s.summaries)
	for _, t := range page.Items {
		if i := slices.IndexFunc(items, func(x model.Thread) bool { return x.ID == t.ID }); i >= 0 {
			items[i] = t
		} else {
			items = append(items, t)
		}
	}
	seen := make(map[string]struct{}, len(page.Items))
	for _, t := range page.Items {
		seen[t.ID] = struct{}{}
	}
	s.summaries = items
	s.drafts = slices.DeleteFunc(slices.Clone(s.drafts), func(d model.Thread) bool {
		_, ok := seen[d.ID]
		return ok
	})
	s.threadCursor = page.NextCursor
	s.emitLocked()
	return nil
}

// HasMoreThreads reports whether LoadMoreThreads can fetch another page.
func (s *Store) HasMoreThreads() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.headLoaded || s.threadCursor != nil
}

func (s *Store) isDraft(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isDraftLocked(id)
}

func (s *Store) isDraftLocked(id string) bool {
	return slices.ContainsFunc(s.drafts, func(d model.Thread) bool { return d.ID == id })
}

func (s *Store) fetchMessages(ctx context.Context, threadID, cursor string) (contract.MessagePage, error) {
	raw, err := s.backend.FetchMessagesPage(ctx, threadID, cursor, s.opts.PageSize)
	if err != nil {
		return contract.MessagePage{}, fmt.Errorf("fetch messages: %w", err)
	}
	page, err := contract.ParseMessagePage(raw, threadID)
	if err != nil {
		s.logger.Error("invalid message page", zap.String("thread_id", threadID), zap.Error(err))
		return contract.MessagePage{}, fmt.Errorf("parse messages: %w", err)
	}
	return page, nil
}

// mergeMessages unions page into existing by id, oldest first.
func mergeMessages(existing, page []model.Message) []model.Message {
	out := slices.Clone(existing)
	for _, m := range page {
		if i := slices.IndexFunc(out, func(x model.Message) bool { return x.ID == m.ID }); i >= 0 {
			out[i] = m
		} else {
			out = append(out, m)
		}
	}
	slices.SortStableFunc(out, func(a, b model.Message) int {
		return cmp.Compare(a.SentAtMs, b.SentAtMs)
	})
	return out
}

func (s *Store) mergeHeadLocked(threadID string, page contract.MessagePage) {
	msgs := reducer.RewriteSelfAuthorMessages(page.Items, s.displayName)
	set := &messageSet{msgs: msgs, olderCursor: page.NextCursor}
	if old, ok := s.cache.peek(threadID); ok {
		set.msgs = mergeMessages(old.msgs, msgs)
		set.olderCursor = old.olderCursor
	}
	s.putLocked(threadID, set)
}

func (s *Store) putLocked(threadID string, set *messageSet) {
	for _, m := range set.msgs {
		s.seen.add(threadID, m.ID)
	}
	s.logEvicted(s.cache.put(threadID, set, s.active))
}

func (s *Store) logEvicted(ids []string) {
	for _, id := range ids {
		s.logger.Debug("evicted cached messages", zap.String("thread_id", id))
	}
}

// SelectThread makes threadID the active thread and loads its newest
// messages unless they are cached.
func (s *Store) SelectThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.active = threadID
	if _, ok := s.cache.touch(threadID); ok || s.isDraftLocked(threadID) {
		if !ok {
			s.putLocked(threadID, &messageSet{})
		}
		s.emitLocked()
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	key := threadID + ":head"
	_, ok, err := s.begin(key)
	if err != nil || !ok {
		return err
	}
	defer s.end(key)

	page, err := s.fetchMessages(ctx, threadID, "")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.mergeHeadLocked(threadID, page)
	s.emitLocked()
	return nil
}

// LoadOlderMessages prepends the next older page of a cached thread. It is
// a no-op when the thread is not cached or its history is exhausted.
func (s *Store) LoadOlderMessages(ctx context.Context, threadID string) error {
	s.mu.Lock()
	set, ok := s.cache.touch(threadID)
	var cursor *string
	if ok {
		cursor = set.olderCursor
	}
	s.mu.Unlock()
	if cursor == nil {
		return nil
	}

	key := threadID + ":older"
	_, ok, err := s.begin(key)
	if err != nil || !ok {
		return err
	}
	defer s.end(key)

	page, err := s.fetchMessages(ctx, threadID, *cursor)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	cur, ok := s.cache.peek(threadID)
	if !ok || cur.olderCursor == nil || *cur.olderCursor != *cursor {
		// Evicted or paged by someone else meanwhile.
		return nil
	}
	older := reducer.RewriteSelfAuthorMessages(page.Items, s.displayName)
	s.putLocked(threadID, &messageSet{msgs: mergeMessages(older, cur.msgs), olderCursor: page.NextCursor})
	s.emitLocked()
	return nil
}

// CreateDraftThread adds a local thread for a destination without history.
// It is a no-op if the thread already exists.
func (s *Store) CreateDraftThread(threadID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.hasThreadLocked(threadID) {
		return
	}
	if name == "" {
		name = threadID
	}
	s.drafts = append(slices.Clone(s.drafts), model.Thread{
		ID:               threadID,
		Name:             name,
		LastActivityAtMs: s.now().UnixMilli(),
		Preview:          reducer.NoMessagesPreview,
		Draft:            true,
	})
	s.putLocked(threadID, &messageSet{})
	s.emitLocked()
}

func (s *Store) hasThreadLocked(id string) bool {
	match := func(t model.Thread) bool { return t.ID == id }
	return slices.ContainsFunc(s.summaries, match) || slices.ContainsFunc(s.drafts, match)
}

// transform applies fn to the composed view, stores the result and emits
// one snapshot when anything changed.
func (s *Store) transform(fn func([]model.Thread) []model.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	view := s.viewLocked()
	out := fn(view)
	if len(out) == len(view) && (len(out) == 0 || &out[0] == &view[0]) {
		return
	}
	s.absorbLocked(view, out)
	s.emitLocked()
}

// MarkRead clears a thread's unread counter locally.
func (s *Store) MarkRead(threadID string) {
	s.transform(func(ts []model.Thread) []model.Thread { return reducer.MarkRead(ts, threadID) })
}

// MarkAllRead clears every unread counter locally.
func (s *Store) MarkAllRead() {
	s.transform(reducer.MarkAllRead)
}

// SetPinned records the pin preference of a thread.
func (s *Store) SetPinned(threadID string, pinned bool) error {
	return s.setPreference(threadID, func(p *model.ThreadPreference) { p.Pinned = pinned })
}

// SetMuted records the mute preference of a thread.
func (s *Store) SetMuted(threadID string, muted bool) error {
	return s.setPreference(threadID, func(p *model.ThreadPreference) { p.Muted = muted })
}

func (s *Store) setPreference(threadID string, fn func(*model.ThreadPreference)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	p := s.prefs[threadID]
	before := p
	fn(&p)
	if p == before {
		return nil
	}
	prefs := make(map[string]model.ThreadPreference, len(s.prefs)+1)
	for k, v := range s.prefs {
		prefs[k] = v
	}
	if p.IsDefault() {
		delete(prefs, threadID)
	} else {
		prefs[threadID] = p
	}
	if err := savePreferences(s.kv, prefs); err != nil {
		return err
	}
	s.prefs = prefs
	s.emitLocked()
	return nil
}

// SetDisplayName rewrites the author of every cached self-sent message.
// Pages arriving later are rewritten as they are applied.
func (s *Store) SetDisplayName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || name == s.displayName {
		return
	}
	s.displayName = name
	changed := false
	for _, id := range s.cache.keys() {
		set, ok := s.cache.peek(id)
		if !ok {
			continue
		}
		msgs := reducer.RewriteSelfAuthorMessages(set.msgs, name)
		if len(msgs) > 0 && &msgs[0] != &set.msgs[0] {
			s.logEvicted(s.cache.replace(id, msgs, s.active))
			changed = true
		}
	}
	if changed {
		s.emitLocked()
	}
}

// DisplayName returns the local display name.
func (s *Store) DisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayName
}

// AppendLocalMessage inserts an optimistic self-sent message, creating a
// draft thread when the destination has none.
func (s *Store) AppendLocalMessage(threadID string, msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if !s.hasThreadLocked(threadID) {
		s.drafts = append(slices.Clone(s.drafts), model.Thread{ID: threadID, Name: threadID, Draft: true})
		s.putLocked(threadID, &messageSet{})
	}
	msg.Role = model.RoleSelf
	msg.ThreadID = threadID
	if msg.Author == "" {
		msg.Author = s.displayName
	}
	view := s.viewLocked()
	derived := model.Thread{ID: threadID, LastActivityAtMs: msg.SentAtMs}
	s.absorbLocked(view, reducer.UpsertRuntimeMessage(view, derived, msg, false))
	s.emitLocked()
}

// ApplyBatch merges a batch of runtime messages and receipts and emits one
// snapshot. It returns the ids of receipts whose message is not loaded.
func (s *Store) ApplyBatch(msgs []contract.RuntimeMessage, receipts []contract.Receipt) (missing []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(msgs)+len(receipts) == 0 {
		return nil
	}
	view := s.viewLocked()
	threads := view
	for _, rm := range msgs {
		m := rm.Message
		if m.Role == model.RoleSelf && s.displayName != "" {
			m.Author = s.displayName
		}
		// Counted once per id even when the thread's messages are not
		// cached and the reducer cannot see the earlier copy.
		replay := s.seen.add(rm.Thread.ID, m.ID)
		unread := m.Role == model.RolePeer && rm.Thread.ID != s.active && !replay
		threads = reducer.UpsertRuntimeMessage(threads, rm.Thread, m, unread)
	}
	for _, rc := range receipts {
		var found bool
		threads, found = reducer.ApplyReceiptUpdate(threads, receiptUpdate(rc))
		if !found {
			missing = append(missing, rc.MessageID)
		}
	}
	if len(threads) == len(view) && (len(threads) == 0 || &threads[0] == &view[0]) {
		return missing
	}
	s.absorbLocked(view, threads)
	s.emitLocked()
	return missing
}

// ApplyReceipt applies a single receipt and reports whether its message
// was found.
func (s *Store) ApplyReceipt(rc contract.Receipt) bool {
	return len(s.ApplyBatch(nil, []contract.Receipt{rc})) == 0
}

func receiptUpdate(rc contract.Receipt) reducer.ReceiptUpdate {
	return reducer.ReceiptUpdate{
		MessageID:    rc.MessageID,
		Status:       rc.Status,
		StatusDetail: rc.StatusDetail,
		ReasonCode:   rc.ReasonCode,
		AtMs:         rc.AtMs,
	}
}
