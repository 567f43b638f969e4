package test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"sharezone/pkg/domain"
	"sharezone/pkg/gate"

	"github.com/pkg/errors"
)

func TestEncryptedShareLifecycle(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	content := []byte("quarterly report: do not leak")

	file := uploadTestFile(t, s, "owner-1", "report.pdf", content, true)
	if !file.IsEncrypted {
		t.Fatal("file should be marked encrypted")
	}
	if len(file.WrappedKey) == 0 {
		t.Fatal("encrypted file must carry a wrapped key")
	}

	stored, err := s.store.Get(ctx, file.StoragePath)
	if err != nil {
		t.Fatalf("stored object missing: %v", err)
	}
	if bytes.Contains(stored, content) {
		t.Fatal("stored object contains plaintext")
	}

	expires := time.Now().Add(1 * time.Hour)
	link, err := s.shares.Create(ctx, "owner-1", file.ID, domain.ShareRequest{
		Password:  "hunter2-but-stronger",
		ExpiresAt: &expires,
	})
	if err != nil {
		t.Fatalf("create share: %v", err)
	}
	if link.ShareID == "" || link.URL == "" {
		t.Fatal("share link incomplete")
	}

	// no password yet: the gate must hold at password_required
	session, err := s.shares.Access(ctx, link.ShareID, "")
	if err != nil {
		t.Fatalf("access: %v", err)
	}
	if session.State() != gate.PasswordRequired {
		t.Fatalf("state = %v, want password_required", session.State())
	}

	session, err = s.shares.Access(ctx, link.ShareID, "wrong-password")
	if err != nil {
		t.Fatalf("access: %v", err)
	}
	if session.State() != gate.PasswordRequired {
		t.Fatalf("state after wrong password = %v, want password_required", session.State())
	}
	if session.Err() == nil {
		t.Fatal("wrong password should surface an error on the session")
	}

	session, err = s.shares.Access(ctx, link.ShareID, "hunter2-but-stronger")
	if err != nil {
		t.Fatalf("access: %v", err)
	}
	if session.State() != gate.Ready {
		t.Fatalf("state after correct password = %v, want ready", session.State())
	}

	got, err := s.downloads.Fetch(ctx, session.File())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("downloaded bytes differ from original upload")
	}
	waitForDownloadCount(t, s, file.ID, 1)
}

func TestShareWithoutPasswordIsImmediatelyReady(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	content := []byte("open file")

	file := uploadTestFile(t, s, "owner-1", "notes.txt", content, true)
	link, err := s.shares.Create(ctx, "owner-1", file.ID, domain.ShareRequest{IsPublic: true})
	if err != nil {
		t.Fatalf("create share: %v", err)
	}

	session, err := s.shares.Access(ctx, link.ShareID, "")
	if err != nil {
		t.Fatalf("access: %v", err)
	}
	if session.State() != gate.Ready {
		t.Fatalf("state = %v, want ready", session.State())
	}
	got, err := s.downloads.Fetch(ctx, session.File())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("downloaded bytes differ from original upload")
	}
}

func TestExpiredShareIsRefused(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	file := uploadTestFile(t, s, "owner-1", "old.txt", []byte("stale"), false)
	expires := time.Now().Add(60 * time.Millisecond)
	link, err := s.shares.Create(ctx, "owner-1", file.ID, domain.ShareRequest{ExpiresAt: &expires})
	if err != nil {
		t.Fatalf("create share: %v", err)
	}

	time.Sleep(120 * time.Millisecond)

	session, err := s.shares.Access(ctx, link.ShareID, "")
	if err != nil {
		t.Fatalf("access: %v", err)
	}
	if session.State() != gate.Error {
		t.Fatalf("state = %v, want error", session.State())
	}
	if !errors.Is(session.Err(), domain.ErrShareExpired) {
		t.Fatalf("err = %v, want ErrShareExpired", session.Err())
	}
}

func TestUnknownShareID(t *testing.T) {
	s := newTestStack(t)

	session, err := s.shares.Access(context.Background(), "0000000000000000000000", "")
	if err != nil {
		t.Fatalf("access: %v", err)
	}
	if session.State() != gate.Error {
		t.Fatalf("state = %v, want error", session.State())
	}
	if !errors.Is(session.Err(), domain.ErrShareNotFound) {
		t.Fatalf("err = %v, want ErrShareNotFound", session.Err())
	}
}

func TestRevokedShareStopsResolving(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	file := uploadTestFile(t, s, "owner-1", "tmp.txt", []byte("short lived"), false)
	link, err := s.shares.Create(ctx, "owner-1", file.ID, domain.ShareRequest{})
	if err != nil {
		t.Fatalf("create share: %v", err)
	}
	if err := s.shares.Revoke(ctx, "owner-1", file.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	session, err := s.shares.Access(ctx, link.ShareID, "")
	if err != nil {
		t.Fatalf("access: %v", err)
	}
	if session.State() != gate.Error {
		t.Fatalf("state = %v, want error after revoke", session.State())
	}
	if !errors.Is(session.Err(), domain.ErrShareNotFound) {
		t.Fatalf("err = %v, want ErrShareNotFound", session.Err())
	}
}

func TestReShareInvalidatesOldLink(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	file := uploadTestFile(t, s, "owner-1", "doc.txt", []byte("v1"), false)
	first, err := s.shares.Create(ctx, "owner-1", file.ID, domain.ShareRequest{})
	if err != nil {
		t.Fatalf("first share: %v", err)
	}
	second, err := s.shares.Create(ctx, "owner-1", file.ID, domain.ShareRequest{})
	if err != nil {
		t.Fatalf("second share: %v", err)
	}
	if first.ShareID == second.ShareID {
		t.Fatal("re-sharing must mint a fresh share id")
	}

	old, err := s.shares.Access(ctx, first.ShareID, "")
	if err != nil {
		t.Fatalf("access old: %v", err)
	}
	if old.State() != gate.Error {
		t.Fatalf("old link state = %v, want error", old.State())
	}
	fresh, err := s.shares.Access(ctx, second.ShareID, "")
	if err != nil {
		t.Fatalf("access new: %v", err)
	}
	if fresh.State() != gate.Ready {
		t.Fatalf("new link state = %v, want ready", fresh.State())
	}
}

func TestShareOwnershipEnforced(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	file := uploadTestFile(t, s, "owner-1", "secret.txt", []byte("mine"), false)
	_, err := s.shares.Create(ctx, "owner-2", file.ID, domain.ShareRequest{})
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if err := s.files.Delete(ctx, "owner-2", file.ID); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("delete err = %v, want ErrUnauthorized", err)
	}
}

func TestExpiryMustBeInFuture(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	file := uploadTestFile(t, s, "owner-1", "a.txt", []byte("x"), false)
	past := time.Now().Add(-time.Minute)
	_, err := s.shares.Create(ctx, "owner-1", file.ID, domain.ShareRequest{ExpiresAt: &past})
	if !errors.Is(err, domain.ErrInvalidExpiry) {
		t.Fatalf("err = %v, want ErrInvalidExpiry", err)
	}
}

func TestRetrievalFailureIsDistinctFromDecryptionFailure(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	file := uploadTestFile(t, s, "owner-1", "payload.bin", []byte("sealed bytes"), true)

	s.store.failGet = true
	_, err := s.downloads.Fetch(ctx, file)
	if !errors.Is(err, domain.ErrRetrievalFailed) {
		t.Fatalf("err = %v, want ErrRetrievalFailed", err)
	}
	s.store.failGet = false

	// flip a ciphertext byte: authentication must fail with no partial output
	s.store.mu.Lock()
	obj := s.store.objects[file.StoragePath]
	obj[len(obj)-1] ^= 0xFF
	s.store.mu.Unlock()

	got, err := s.downloads.Fetch(ctx, file)
	if !errors.Is(err, domain.ErrDecryptionFailed) {
		t.Fatalf("err = %v, want ErrDecryptionFailed", err)
	}
	if got != nil {
		t.Fatal("tampered download must not yield bytes")
	}
}

func TestDeleteFileReleasesEverything(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	content := []byte("soon gone")

	file := uploadTestFile(t, s, "owner-1", "gone.txt", content, true)
	used, err := s.db.StorageUsed(ctx, "owner-1")
	if err != nil {
		t.Fatalf("storage used: %v", err)
	}
	if used != int64(len(content)) {
		t.Fatalf("storage used = %d, want %d", used, len(content))
	}

	if err := s.files.Delete(ctx, "owner-1", file.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if s.store.has(file.StoragePath) {
		t.Fatal("stored object should be removed")
	}
	if _, err := s.db.GetByID(ctx, file.ID); !errors.Is(err, domain.ErrFileNotFound) {
		t.Fatalf("err = %v, want ErrFileNotFound", err)
	}
	used, err = s.db.StorageUsed(ctx, "owner-1")
	if err != nil {
		t.Fatalf("storage used: %v", err)
	}
	if used != 0 {
		t.Fatalf("storage used after delete = %d, want 0", used)
	}
}

func TestUploadRejectsOversizedContent(t *testing.T) {
	s := newTestStack(t)
	s.cfg.MaxFileSize = 8

	_, err := s.files.Upload(context.Background(), domain.UploadParams{
		OwnerID: "owner-1",
		Name:    "big.bin",
		Content: []byte("way past the configured limit"),
	})
	if !errors.Is(err, domain.ErrFileTooLarge) {
		t.Fatalf("err = %v, want ErrFileTooLarge", err)
	}
}

func TestDownloadCounterSurvivesBurst(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	file := uploadTestFile(t, s, "owner-1", "hot.txt", []byte("popular"), false)
	const n = 25
	for i := 0; i < n; i++ {
		if _, err := s.downloads.Fetch(ctx, file); err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
	}
	waitForDownloadCount(t, s, file.ID, n)
}
