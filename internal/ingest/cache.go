package ingest

import (
	"sort"
	"sync"
	"time"

	"github.com/bissquit/jobwatch/internal/domain"
)

// CacheEntry is the last successful fetch of one source.
type CacheEntry struct {
	SourceID       string
	Snapshots      []domain.JobStatusSnapshot
	UnparsedJobIDs []string
	FetchedAt      time.Time
}

// StatusCache keeps the last successful snapshot set per source.
// A failed fetch never replaces an entry.
type StatusCache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
}

// NewStatusCache creates an empty cache.
func NewStatusCache() *StatusCache {
	return &StatusCache{entries: make(map[string]CacheEntry)}
}

// Put replaces the entry of a source.
func (c *StatusCache) Put(sourceID string, snaps []domain.JobStatusSnapshot, unparsed []string, fetchedAt time.Time) {
	e := CacheEntry{
		SourceID:       sourceID,
		Snapshots:      append([]domain.JobStatusSnapshot(nil), snaps...),
		UnparsedJobIDs: append([]string(nil), unparsed...),
		FetchedAt:      fetchedAt,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[sourceID] = e
}

// Get returns a copy of the entry of a source.
func (c *StatusCache) Get(sourceID string) (CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[sourceID]
	if !ok {
		return CacheEntry{}, false
	}
	cp := make([]domain.JobStatusSnapshot, len(e.Snapshots))
	copy(cp, e.Snapshots)
	e.Snapshots = cp
	e.UnparsedJobIDs = append([]string(nil), e.UnparsedJobIDs...)
	return e, true
}

// Staleness returns how old the entry of a source is at now.
func (c *StatusCache) Staleness(sourceID string, now time.Time) (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[sourceID]
	if !ok {
		return 0, false
	}
	return now.Sub(e.FetchedAt), true
}

// Entries returns copies of all entries ordered by source.
func (c *StatusCache) Entries() []CacheEntry {
	c.mu.RLock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	sort.Strings(ids)
	out := make([]CacheEntry, 0, len(ids))
	for _, id := range ids {
		if e, ok := c.Get(id); ok {
			out = append(out, e)
		}
	}
	return out
}
