package access

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// ErrStaleAccess marks a lookup that fell back to the last-known-good entry
// because the system-of-record refresh failed. Callers may keep using the
// returned set but must surface the warning.
var ErrStaleAccess = errors.New("stale access entry")

// Source is the system of record for manager property assignments.
type Source interface {
	GetManagerProperties(ctx context.Context, managerID string) ([]string, error)
}

const shardCount = 16

type entry struct {
	properties map[string]struct{}
	fetchedAt  time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Cache answers manager→properties authorization queries from memory,
// refreshing entries older than the TTL. Entries are sharded by manager id
// so a refresh for one manager never blocks reads for another.
type Cache struct {
	source Source
	ttl    time.Duration
	now    func() time.Time
	shards [shardCount]*shard
}

func New(source Source, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c := &Cache{source: source, ttl: ttl, now: time.Now}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return c
}

func (c *Cache) shardFor(managerID string) *shard {
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(managerID))
	return c.shards[int(hash.Sum32())%shardCount]
}

// Get returns the manager's authorized property set. The returned map is
// shared and must not be mutated. On refresh failure with a previous entry
// present, the previous set is returned together with ErrStaleAccess; with
// no previous entry the error is returned as-is (no access granted).
func (c *Cache) Get(ctx context.Context, managerID string) (map[string]struct{}, error) {
	sh := c.shardFor(managerID)
	sh.mu.RLock()
	cached := sh.entries[managerID]
	sh.mu.RUnlock()

	if cached != nil && c.now().Sub(cached.fetchedAt) < c.ttl {
		return cached.properties, nil
	}

	properties, err := c.source.GetManagerProperties(ctx, managerID)
	if err != nil {
		if cached != nil {
			return cached.properties, fmt.Errorf("%w: %v", ErrStaleAccess, err)
		}
		return nil, err
	}

	set := make(map[string]struct{}, len(properties))
	for _, propertyID := range properties {
		set[propertyID] = struct{}{}
	}
	sh.mu.Lock()
	sh.entries[managerID] = &entry{properties: set, fetchedAt: c.now()}
	sh.mu.Unlock()
	return set, nil
}

// Invalidate forces the next Get for the manager to refresh. Called when
// property assignments change; existing room subscriptions are not revoked.
func (c *Cache) Invalidate(managerID string) {
	sh := c.shardFor(managerID)
	sh.mu.Lock()
	delete(sh.entries, managerID)
	sh.mu.Unlock()
}
