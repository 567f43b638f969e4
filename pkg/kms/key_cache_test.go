package kms

import (
	"context"
	"sync"
	"testing"
	"time"
)

type mockProvider struct {
	wrapFunc   func(ctx context.Context, plaintext, aad []byte) ([]byte, error)
	unwrapFunc func(ctx context.Context, wrapped, aad []byte) ([]byte, error)
}

func (m *mockProvider) Wrap(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	return m.wrapFunc(ctx, plaintext, aad)
}

func (m *mockProvider) Unwrap(ctx context.Context, wrapped, aad []byte) ([]byte, error) {
	return m.unwrapFunc(ctx, wrapped, aad)
}

func (m *mockProvider) GetSecret(ctx context.Context, key string) (string, error) {
	return "", nil
}

func TestKeyCache_HitMiss(t *testing.T) {
	callCount := 0
	var mu sync.Mutex

	mockAdapter := &Adapter{
		primary: &mockProvider{
			unwrapFunc: func(ctx context.Context, wrapped, aad []byte) ([]byte, error) {
				mu.Lock()
				callCount++
				mu.Unlock()
				return append([]byte("key-"), wrapped...), nil
			},
		},
	}

	cache := NewKeyCache(mockAdapter, 1*time.Hour)
	defer cache.Stop()

	ctx := context.Background()
	wrapped := []byte("wrapped-file-key")

	result1, err := cache.UnwrapFileKey(ctx, "file-1", wrapped)
	if err != nil {
		t.Fatalf("UnwrapFileKey failed: %v", err)
	}

	mu.Lock()
	if callCount != 1 {
		t.Errorf("Expected 1 provider call on cache miss, got %d", callCount)
	}
	mu.Unlock()

	result2, err := cache.UnwrapFileKey(ctx, "file-1", wrapped)
	if err != nil {
		t.Fatalf("UnwrapFileKey failed: %v", err)
	}

	mu.Lock()
	if callCount != 1 {
		t.Errorf("Expected still 1 provider call on cache hit, got %d", callCount)
	}
	mu.Unlock()

	if string(result1) != string(result2) {
		t.Errorf("Cache hit returned different result")
	}
}

func TestKeyCache_DistinctFilesDistinctEntries(t *testing.T) {
	callCount := 0
	var mu sync.Mutex

	mockAdapter := &Adapter{
		primary: &mockProvider{
			unwrapFunc: func(ctx context.Context, wrapped, aad []byte) ([]byte, error) {
				mu.Lock()
				callCount++
				mu.Unlock()
				return []byte("key"), nil
			},
		},
	}

	cache := NewKeyCache(mockAdapter, 1*time.Hour)
	defer cache.Stop()

	ctx := context.Background()
	wrapped := []byte("same-blob")

	if _, err := cache.UnwrapFileKey(ctx, "file-a", wrapped); err != nil {
		t.Fatalf("UnwrapFileKey failed: %v", err)
	}
	if _, err := cache.UnwrapFileKey(ctx, "file-b", wrapped); err != nil {
		t.Fatalf("UnwrapFileKey failed: %v", err)
	}

	mu.Lock()
	if callCount != 2 {
		t.Errorf("Expected 2 provider calls for distinct file ids, got %d", callCount)
	}
	mu.Unlock()
}

func TestKeyCache_Expiration(t *testing.T) {
	callCount := 0
	var mu sync.Mutex

	mockAdapter := &Adapter{
		primary: &mockProvider{
			unwrapFunc: func(ctx context.Context, wrapped, aad []byte) ([]byte, error) {
				mu.Lock()
				callCount++
				mu.Unlock()
				return []byte("key"), nil
			},
		},
	}

	cache := NewKeyCache(mockAdapter, 100*time.Millisecond)
	defer cache.Stop()

	ctx := context.Background()
	wrapped := []byte("wrapped")

	if _, err := cache.UnwrapFileKey(ctx, "file-1", wrapped); err != nil {
		t.Fatalf("UnwrapFileKey failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	if _, err := cache.UnwrapFileKey(ctx, "file-1", wrapped); err != nil {
		t.Fatalf("UnwrapFileKey failed: %v", err)
	}

	mu.Lock()
	if callCount < 1 || callCount > 2 {
		t.Errorf("Expected 1-2 provider calls, got %d", callCount)
	}
	mu.Unlock()
}

func TestKeyCache_StoppedReturnsUnavailable(t *testing.T) {
	mockAdapter := &Adapter{
		primary: &mockProvider{
			unwrapFunc: func(ctx context.Context, wrapped, aad []byte) ([]byte, error) {
				return []byte("key"), nil
			},
		},
	}
	cache := NewKeyCache(mockAdapter, 1*time.Hour)
	cache.Stop()

	if _, err := cache.UnwrapFileKey(context.Background(), "file-1", []byte("w")); err != ErrProviderUnavailable {
		t.Errorf("expected ErrProviderUnavailable after Stop, got %v", err)
	}
}

func TestEnvProvider_WrapUnwrapRoundTrip(t *testing.T) {
	p, err := newEnvProvider("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	if err != nil {
		t.Fatalf("newEnvProvider failed: %v", err)
	}
	ctx := context.Background()
	key := []byte("0123456789abcdef0123456789abcdef")
	aad := fileKeyContext("file-1")

	wrapped, err := p.Wrap(ctx, key, aad)
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	got, err := p.Unwrap(ctx, wrapped, aad)
	if err != nil {
		t.Fatalf("unwrap failed: %v", err)
	}
	if string(got) != string(key) {
		t.Errorf("round trip mismatch")
	}

	// wrong file id must fail authentication
	if _, err := p.Unwrap(ctx, wrapped, fileKeyContext("file-2")); err == nil {
		t.Errorf("unwrap with wrong file context should fail")
	}
}
