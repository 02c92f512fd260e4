package scheduler

import (
	"sync"

	"github.com/hpp-io/noosphere-agent/internal/model"
)

// committedSet tracks which (sub, interval) pairs the agent believes have
// an on-chain commitment. It is single-writer (Scheduler or Handler via
// MarkCommitted) with concurrent readers, protected by a small internal
// lock (spec.md §5 shared-resource policy).
type committedSet struct {
	mu   sync.RWMutex
	keys map[model.CommittedKey]struct{}
}

func newCommittedSet(seed map[model.CommittedKey]struct{}) *committedSet {
	cs := &committedSet{keys: make(map[model.CommittedKey]struct{}, len(seed))}
	for k := range seed {
		cs.keys[k] = struct{}{}
	}
	return cs
}

func (c *committedSet) Has(key model.CommittedKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.keys[key]
	return ok
}

func (c *committedSet) Add(key model.CommittedKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[key] = struct{}{}
}

// RemoveSubscription removes every committed-set key for subID, bounding
// memory on untrack (spec.md §4.4 "Untrack cleanup").
func (c *committedSet) RemoveSubscription(subID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.keys {
		if k.SubscriptionID == subID {
			delete(c.keys, k)
		}
	}
}
