package cache

import (
	"context"
	"errors"
	"sharezone/pkg/domain"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU is the in-process layer in front of Redis, keyed by share id. Entries
// carry their own TTL so a revoked or re-shared link falls out quickly.
type LRU struct {
	c  *lru.Cache[string, item]
	mu sync.Mutex
}
type item struct {
	file *domain.File
	exp  time.Time
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, item](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c}, nil
}
func (l *LRU) Get(ctx context.Context, shareID string) *domain.File {
	select {
	case <-ctx.Done():
		return nil
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.c.Get(shareID)
	if !ok {
		return nil
	}
	if time.Now().After(it.exp) {
		l.c.Remove(shareID)
		return nil
	}
	return it.file
}
func (l *LRU) Set(ctx context.Context, f *domain.File, ttl time.Duration) {
	if f.Share == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(f.Share.ShareID, item{
		file: f,
		exp:  time.Now().Add(ttl),
	})
}
func (l *LRU) Delete(shareID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(shareID)
}
