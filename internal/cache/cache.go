// Package cache provides the response cache the orchestrator consults
// before touching any backend.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

// ResponseCache is the collaborator contract: TTL is supplied by the
// orchestrator and fixed at call time.
type ResponseCache interface {
	Get(key string) (*types.ProviderResponse, bool)
	Set(key string, resp *types.ProviderResponse, ttl time.Duration)
}

// Key derives the default cache key for a prompt.
func Key(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

const sweepInterval = time.Minute

type entry struct {
	resp     *types.ProviderResponse
	expireAt time.Time
}

// MemoryCache is a thread-safe in-process ResponseCache with per-entry TTL
// and a background sweeper for expired entries.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	logger  *logrus.Logger

	hits   int64
	misses int64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryCache creates a cache and starts its sweeper goroutine. Call
// Stop to release it.
func NewMemoryCache(logger *logrus.Logger) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]entry),
		logger:  logger,
		stop:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Get returns the cached response for key if present and unexpired.
func (c *MemoryCache) Get(key string) (*types.ProviderResponse, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(e.expireAt) {
		c.mu.Lock()
		if !ok {
			c.misses++
		} else {
			// Expired entry observed before the sweeper got to it.
			delete(c.entries, key)
			c.misses++
		}
		c.mu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return e.resp, true
}

// Set stores resp under key for ttl.
func (c *MemoryCache) Set(key string, resp *types.ProviderResponse, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry{
		resp:     resp,
		expireAt: time.Now().Add(ttl),
	}
}

// Stats returns hit/miss counters and the current entry count.
func (c *MemoryCache) Stats() (hits, misses int64, size int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses, len(c.entries)
}

// Stop terminates the sweeper goroutine.
func (c *MemoryCache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *MemoryCache) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

func (c *MemoryCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, e := range c.entries {
		if now.After(e.expireAt) {
			delete(c.entries, key)
			removed++
		}
	}

	if removed > 0 && c.logger != nil {
		c.logger.WithFields(logrus.Fields{
			"expired_entries":   removed,
			"remaining_entries": len(c.entries),
		}).Debug("Cache sweep completed")
	}
}
