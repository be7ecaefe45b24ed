// Package caching wraps the service's two cache pools: a cost-based
// ristretto cache for hot room lookups (grounded on the teacher's
// internal/caching/cache_ristretto_test.go), and a simple expiring map from
// patrickmn/go-cache for per-process presence session lookups, which need
// TTL expiry but not cost-based eviction.
package caching

import (
	"time"

	"github.com/dgraph-io/ristretto"
	gocache "github.com/patrickmn/go-cache"
)

// RoomCache holds hot room-by-id lookups. Safe for concurrent use; a nil
// *RoomCache behaves as an always-miss cache so callers can run with caching
// disabled (config.CacheEnabled=false) without branching.
type RoomCache struct {
	c *ristretto.Cache
}

// NewRoomCache builds a ristretto-backed cache sized for roughly maxItems
// hot rooms. Returns a disabled cache if maxItems <= 0.
func NewRoomCache(maxItems int64) (*RoomCache, error) {
	if maxItems <= 0 {
		return &RoomCache{}, nil
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &RoomCache{c: c}, nil
}

func (rc *RoomCache) Get(key string) (any, bool) {
	if rc == nil || rc.c == nil {
		return nil, false
	}
	return rc.c.Get(key)
}

func (rc *RoomCache) Set(key string, value any, cost int64) {
	if rc == nil || rc.c == nil {
		return
	}
	rc.c.Set(key, value, cost)
}

func (rc *RoomCache) Del(key string) {
	if rc == nil || rc.c == nil {
		return
	}
	rc.c.Del(key)
}

// SessionCache holds short-lived (agent, room) presence lookups.
type SessionCache struct {
	c *gocache.Cache
}

// NewSessionCache builds a TTL-expiring session cache.
func NewSessionCache(ttl, cleanupInterval time.Duration) *SessionCache {
	return &SessionCache{c: gocache.New(ttl, cleanupInterval)}
}

func (sc *SessionCache) Get(key string) (any, bool) {
	return sc.c.Get(key)
}

func (sc *SessionCache) Set(key string, value any) {
	sc.c.SetDefault(key, value)
}

func (sc *SessionCache) Delete(key string) {
	sc.c.Delete(key)
}
