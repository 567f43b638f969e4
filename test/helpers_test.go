package test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sharezone/cfg"
	"sharezone/pkg/domain"
	"sharezone/pkg/kms"
	"sharezone/svc/auth"
	"sharezone/svc/cache"
	"sharezone/svc/db"
	"sharezone/svc/svc"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

var (
	envLoadOnce sync.Once
	envLoadErr  error
)

func loadTestEnv() error {
	envLoadOnce.Do(func() {
		paths := []string{
			".env.test",
			"../.env.test",
			"../../.env.test",
		}
		for _, p := range paths {
			if absPath, err := filepath.Abs(p); err == nil {
				if _, err := os.Stat(absPath); err == nil {
					if err := godotenv.Load(absPath); err == nil {
						return
					}
				}
			}
		}
		if os.Getenv("KMS_LOCAL_KEY") == "" {
			os.Setenv("KMS_LOCAL_KEY", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
		}
		if os.Getenv("PEPPER") == "" {
			os.Setenv("PEPPER", "0123456789ABCDEF0123456789ABCDEF")
		}
	})
	return envLoadErr
}

func createTestConfig() *cfg.Cfg {
	_ = loadTestEnv()

	c, err := cfg.Load()
	if err != nil {
		return &cfg.Cfg{
			Port:              "0",
			Environment:       "test",
			LogLevel:          "error",
			DatabasePath:      ":memory:",
			LRUCacheSize:      1000,
			Argon2Time:        4,
			Argon2Memory:      128 * 1024,
			Argon2Parallelism: 2,
			Argon2KeyLen:      32,
			HasherWorkerCount: 4,
			MaxFileSize:       10 * 1024 * 1024,
			MaxWorkerLoad:     1000,
			WorkerPoolSize:    100,
			ShareBaseURL:      "http://localhost:8080/share",
			Pepper:            cfg.NewSecret("0123456789ABCDEF0123456789ABCDEF"),
			ContextTimeout:    30 * time.Second,
			RateLimit: cfg.RateLimitCfg{
				RPM:               100000,
				Burst:             10000,
				ConservativeLimit: 50000,
			},
			IPHashRotationInterval: 1 * time.Hour,
			KeyCacheTTL:            10 * time.Minute,
			ShareCacheTTL:          5 * time.Minute,
		}
	}

	c.Port = "0"
	c.Environment = "test"
	c.LogLevel = "error"
	c.DatabasePath = ":memory:"
	return c
}

func createTestDB(t *testing.T, c *cfg.Cfg) *db.SQLite {
	dsn := fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", time.Now().UnixNano())

	maxOpenConns := c.DBMaxOpenConns
	if maxOpenConns == 0 {
		maxOpenConns = 250
	}
	maxIdleConns := c.DBMaxIdleConns
	if maxIdleConns == 0 {
		maxIdleConns = 25
	}
	queryTimeout := c.DBQueryTimeout
	if queryTimeout == 0 {
		queryTimeout = 10 * time.Second
	}

	sqlDB, err := db.NewSQLiteWithConfig(dsn, maxOpenConns, maxIdleConns, queryTimeout)
	if err != nil {
		t.Fatal(err)
	}
	return sqlDB
}

func createTestLRU(t *testing.T, size int) *cache.LRU {
	lru, err := cache.NewLRU(size)
	if err != nil {
		t.Fatal(err)
	}
	return lru
}

func createTestHasher(t *testing.T, c *cfg.Cfg) *auth.Hasher {
	hasher, err := auth.NewHasher(c.Argon2Time, c.Argon2Memory, c.Argon2Parallelism, []byte(c.Pepper.Value()))
	if err != nil {
		t.Fatal(err)
	}
	if err := hasher.Start(c.HasherWorkerCount); err != nil {
		t.Fatal(err)
	}
	return hasher
}

func createTestKMS(t *testing.T) *kms.Adapter {
	if os.Getenv("KMS_LOCAL_KEY") == "" && os.Getenv("VAULT_ADDR") == "" && os.Getenv("AWS_REGION") == "" {
		t.Setenv("KMS_LOCAL_KEY", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	}
	kmsAdapter, err := kms.NewAdapter(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return kmsAdapter
}

// memStore is an in-process svc.ObjectStore for tests that must not need a
// running object store.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	failGet bool
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[key] = cp
	return nil
}

func (m *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet {
		return nil, errors.New("backend unavailable")
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.New("object not found")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStore) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

type testStack struct {
	cfg       *cfg.Cfg
	db        *db.SQLite
	store     *memStore
	files     *svc.Files
	shares    *svc.Shares
	downloads *svc.Downloads
	hasher    *auth.Hasher
}

func newTestStack(t *testing.T) *testStack {
	c := createTestConfig()
	sqlDB := createTestDB(t, c)
	objects := newMemStore()
	lru := createTestLRU(t, c.LRUCacheSize)
	hasher := createTestHasher(t, c)
	kmsAdapter := createTestKMS(t)

	files := svc.NewFiles(sqlDB, objects, lru, nil, kmsAdapter, c)
	shares := svc.NewShares(sqlDB, lru, nil, hasher, c)
	downloads := svc.NewDownloads(sqlDB, objects, kmsAdapter, c)

	t.Cleanup(func() {
		downloads.Shutdown()
		hasher.Stop()
		sqlDB.Close()
	})
	return &testStack{
		cfg:       c,
		db:        sqlDB,
		store:     objects,
		files:     files,
		shares:    shares,
		downloads: downloads,
		hasher:    hasher,
	}
}

func uploadTestFile(t *testing.T, s *testStack, owner, name string, content []byte, encrypt bool) *domain.File {
	t.Helper()
	file, err := s.files.Upload(context.Background(), domain.UploadParams{
		OwnerID:  owner,
		Name:     name,
		MimeType: "application/octet-stream",
		Content:  content,
		Encrypt:  encrypt,
	})
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	return file
}

func waitForDownloadCount(t *testing.T, s *testStack, fileID string, want int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f, err := s.db.GetByID(context.Background(), fileID)
		if err != nil {
			t.Fatalf("get file: %v", err)
		}
		if f.DownloadCount >= want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("download count never reached %d for %s", want, fileID)
}
