package monitor

import (
	"sort"
	"sync"
)

// Blacklist decides whether a resource may never be monitored
type Blacklist interface {
	Contains(resourceID string) bool
}

// StaticBlacklist is a set of resource ids that can be replaced at runtime
type StaticBlacklist struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewStaticBlacklist creates a blacklist holding ids
func NewStaticBlacklist(ids ...string) *StaticBlacklist {
	b := &StaticBlacklist{}
	b.Replace(ids)
	return b
}

// Contains reports whether resourceID is blacklisted
func (b *StaticBlacklist) Contains(resourceID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.ids[resourceID]
	return ok
}

// Replace swaps the whole set
func (b *StaticBlacklist) Replace(ids []string) {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.ids = set
}

// List returns the blacklisted ids sorted
func (b *StaticBlacklist) List() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.ids))
	for id := range b.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
