package threadstore

import (
	"github.com/CoteTommy/Weft-App-sub000/internal/model"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// messageSet is the cached message list of one thread, oldest first.
// olderCursor is nil once the history is exhausted.
type messageSet struct {
	msgs        []model.Message
	olderCursor *string
}

// messageCache bounds cached message sets by count and by total messages.
// Eviction is least recently touched first, except that the active thread
// is rotated to the back instead of evicted.
type messageCache struct {
	lru     *simplelru.LRU[string, *messageSet]
	maxSets int
	maxMsgs int
	total   int
}

func newMessageCache(maxSets, maxMsgs int) *messageCache {
	if maxSets < 1 {
		maxSets = 1
	}
	c := &messageCache{maxSets: maxSets, maxMsgs: maxMsgs}
	// One spare slot: put enforces the bound itself so the library never
	// evicts the active thread on its own.
	lru, _ := simplelru.NewLRU[string, *messageSet](maxSets+1, func(id string, set *messageSet) {
		c.total -= len(set.msgs)
	})
	c.lru = lru
	return c
}

// peek returns a set without touching it.
func (c *messageCache) peek(id string) (*messageSet, bool) {
	return c.lru.Peek(id)
}

// touch marks a set as most recently used.
func (c *messageCache) touch(id string) (*messageSet, bool) {
	return c.lru.Get(id)
}

// replace swaps the messages of an existing set without touching it and
// enforces the bounds. It returns the evicted thread ids.
func (c *messageCache) replace(id string, msgs []model.Message, active string) []string {
	set, ok := c.lru.Peek(id)
	if !ok {
		return nil
	}
	c.total += len(msgs) - len(set.msgs)
	set.msgs = msgs
	return c.enforce(active)
}

// put stores a set as most recently used and enforces the bounds. It
// returns the evicted thread ids.
func (c *messageCache) put(id string, set *messageSet, active string) []string {
	if old, ok := c.lru.Peek(id); ok {
		c.total -= len(old.msgs)
	}
	c.lru.Add(id, set)
	c.total += len(set.msgs)
	return c.enforce(active)
}

func (c *messageCache) enforce(active string) []string {
	var evicted []string
	for c.lru.Len() > c.maxSets || (c.maxMsgs > 0 && c.total > c.maxMsgs) {
		oldest, _, ok := c.lru.GetOldest()
		if !ok {
			break
		}
		if oldest == active {
			if c.lru.Len() == 1 {
				break
			}
			c.lru.Get(active)
			continue
		}
		c.lru.RemoveOldest()
		evicted = append(evicted, oldest)
	}
	return evicted
}

func (c *messageCache) remove(id string) {
	c.lru.Remove(id)
}

func (c *messageCache) keys() []string {
	return c.lru.Keys()
}

func (c *messageCache) len() int { return c.lru.Len() }

// maxSeenMessages bounds the ids remembered for threads whose messages are
// not cached.
const maxSeenMessages = 4096

// seenMessages remembers recently applied message ids per thread so a
// replayed message is not counted as unread twice once its thread's
// messages are no longer cached.
type seenMessages struct {
	lru *simplelru.LRU[string, struct{}]
}

func newSeenMessages(size int) *seenMessages {
	lru, _ := simplelru.NewLRU[string, struct{}](size, nil)
	return &seenMessages{lru: lru}
}

func seenKey(threadID, messageID string) string {
	return threadID + "\x00" + messageID
}

// add records a message and reports whether it was already known.
func (s *seenMessages) add(threadID, messageID string) bool {
	key := seenKey(threadID, messageID)
	if s.lru.Contains(key) {
		s.lru.Get(key)
		return true
	}
	s.lru.Add(key, struct{}{})
	return false
}
