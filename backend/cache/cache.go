// Package cache memoizes materialized commit values so that repeated
// branch-value computations over a deep history only ever walk each commit
// once. It is append-only and safe for concurrent readers and writers: every
// entry is a pure function of its key, so a racing double-write just writes
// the same value twice.
package cache

import (
	"bytes"
	"sync"

	"rsc.io/ordered"

	"stage/backend/model"
	"stage/backend/util/btree"
)

// Key identifies a materialized value: which evaluator produced it, which
// causal order it was computed against, and which commit it is the value of.
// Evaluator identity matters because two evaluators yield different values
// for the same commit; causal-order identity matters because a commit-value
// cache is otherwise only valid for ancestors that existed when it was
// written.
type Key struct {
	EvalID string
	Causal string
	Commit model.CommitID
}

func encodeKey(k Key) []byte {
	return ordered.Encode(k.EvalID, k.Causal, k.Commit.Bytes())
}

// Cache is a CommitValueCache: an evaluator-scoped memo table from Key to a
// materialized value. Each stage owns its own Cache (CreateStage builds one). Since commit-ids are content-addresses,
// the same key always denotes the same computation, so the table never needs
// invalidation, only eviction if it grows too large.
type Cache struct {
	mu      sync.RWMutex
	entries *btree.Map[string, any]
	maxSize int
	order   []string // insertion order, for a simple FIFO bound
}

// New creates a cache. maxSize <= 0 means unbounded.
func New(maxSize int) *Cache {
	return &Cache{
		entries: btree.New[string, any](32, func(a, b string) int { return bytes.Compare([]byte(a), []byte(b)) }),
		maxSize: maxSize,
	}
}

// Get returns the memoized value for key, if any.
func (c *Cache) Get(key Key) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries.Get(string(encodeKey(key)))
}

// Put memoizes value under key. If the cache already holds a value for key,
// it is left untouched: per the monotonicity invariant, a second write would
// be writing the same value anyway.
func (c *Cache) Put(key Key, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := string(encodeKey(key))
	if _, ok := c.entries.Get(k); ok {
		return
	}

	c.entries.Set(k, value)
	c.order = append(c.order, k)

	if c.maxSize > 0 && len(c.order) > c.maxSize {
		evict := c.order[0]
		c.order = c.order[1:]
		c.entries.Delete(evict)
	}
}

// Len reports the number of memoized entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries.Len()
}
