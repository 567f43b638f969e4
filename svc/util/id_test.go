package util

import (
	"testing"
)

func TestGenShareID_LengthAndCharset(t *testing.T) {
	id, err := GenShareID(func(string) (bool, error) { return false, nil })
	if err != nil {
		t.Fatalf("GenShareID failed: %v", err)
	}
	if len(id) != shareIDLen {
		t.Errorf("id length = %d, want %d", len(id), shareIDLen)
	}
	for _, c := range id {
		ok := (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
		if !ok {
			t.Errorf("id contains non-base62 char %q", c)
		}
	}
}

func TestGenShareID_Unique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id, err := GenShareID(func(string) (bool, error) { return false, nil })
		if err != nil {
			t.Fatalf("GenShareID failed: %v", err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate share id after %d samples", i)
		}
		seen[id] = struct{}{}
	}
}

func TestGenShareID_CollisionRetry(t *testing.T) {
	calls := 0
	id, err := GenShareID(func(string) (bool, error) {
		calls++
		return calls < 3, nil // first two ids "exist"
	})
	if err != nil {
		t.Fatalf("GenShareID failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 existence checks, got %d", calls)
	}
	if id == "" {
		t.Errorf("expected non-empty id after retries")
	}
}

func TestGenShareID_GivesUpAfterRetries(t *testing.T) {
	if _, err := GenShareID(func(string) (bool, error) { return true, nil }); err == nil {
		t.Errorf("expected error when every id collides")
	}
}
