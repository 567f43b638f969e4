package kms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// KeyCache memoizes unwrapped file keys so repeated downloads of a popular
// share do not hammer the master-key provider. Entries carry a TTL with
// per-entry jitter, and every cached key is wiped on shutdown.
type KeyCache struct {
	cache    sync.Map
	ttl      time.Duration
	adapter  *Adapter
	group    singleflight.Group
	stopChan chan struct{}
	stopped  bool
	mu       sync.Mutex
}

type cachedKey struct {
	key       []byte
	expiresAt time.Time
	mu        sync.RWMutex
}

func NewKeyCache(adapter *Adapter, ttl time.Duration) *KeyCache {
	c := &KeyCache{
		ttl:      ttl,
		adapter:  adapter,
		stopChan: make(chan struct{}),
	}
	go c.evictionLoop()
	return c
}

// UnwrapFileKey returns the file key, from cache when fresh, otherwise via
// one singleflighted provider call per wrapped key. Callers receive their
// own copy and should wipe it after use.
func (c *KeyCache) UnwrapFileKey(ctx context.Context, fileID string, wrapped []byte) ([]byte, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrProviderUnavailable
	}
	c.mu.Unlock()

	cacheKey := c.cacheKeyFor(fileID, wrapped)

	result, err, _ := c.group.Do(cacheKey, func() (interface{}, error) {
		if cached, ok := c.cache.Load(cacheKey); ok {
			entry := cached.(*cachedKey)
			entry.mu.RLock()
			expired := time.Now().After(entry.expiresAt)
			entry.mu.RUnlock()
			if !expired {
				entry.mu.RLock()
				defer entry.mu.RUnlock()
				key := make([]byte, len(entry.key))
				copy(key, entry.key)
				return key, nil
			}
			c.cache.Delete(cacheKey)
		}

		key, err := c.adapter.UnwrapFileKey(ctx, fileID, wrapped)
		if err != nil {
			return nil, err
		}

		jitter := time.Duration(hashToJitter(cacheKey, int64(c.ttl/10)))
		entry := &cachedKey{
			key:       make([]byte, len(key)),
			expiresAt: time.Now().Add(c.ttl).Add(jitter),
		}
		copy(entry.key, key)
		c.cache.Store(cacheKey, entry)

		out := make([]byte, len(key))
		copy(out, key)
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func (c *KeyCache) cacheKeyFor(fileID string, wrapped []byte) string {
	h := sha256.New()
	h.Write([]byte(fileID))
	h.Write([]byte{0})
	h.Write(wrapped)
	return hex.EncodeToString(h.Sum(nil))
}

func hashToJitter(hashStr string, maxJitter int64) time.Duration {
	if maxJitter <= 0 {
		return 0
	}
	var sum int64
	for i := 0; i < len(hashStr) && i < 16; i++ {
		sum += int64(hashStr[i])
	}
	return time.Duration((sum % maxJitter) * int64(time.Millisecond))
}

func (c *KeyCache) evictionLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *KeyCache) evictExpired() {
	now := time.Now()
	c.cache.Range(func(key, value interface{}) bool {
		entry := value.(*cachedKey)
		entry.mu.RLock()
		expired := now.After(entry.expiresAt)
		entry.mu.RUnlock()
		if expired {
			c.cache.Delete(key)
		}
		return true
	})
}

func (c *KeyCache) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopChan)
	c.mu.Unlock()

	c.cache.Range(func(key, value interface{}) bool {
		entry := value.(*cachedKey)
		entry.mu.Lock()
		wipeBytes(entry.key)
		entry.key = nil
		entry.mu.Unlock()
		c.cache.Delete(key)
		return true
	})
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

type CacheStats struct {
	Entries int
	Expired int
}

func (c *KeyCache) Stats() CacheStats {
	var stats CacheStats
	now := time.Now()
	c.cache.Range(func(key, value interface{}) bool {
		stats.Entries++
		entry := value.(*cachedKey)
		entry.mu.RLock()
		if now.After(entry.expiresAt) {
			stats.Expired++
		}
		entry.mu.RUnlock()
		return true
	})
	return stats
}
