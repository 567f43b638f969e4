package svc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"sharezone/cfg"
	"sharezone/metrics"
	"sharezone/pkg/crypt"
	"sharezone/pkg/domain"
	"sharezone/pkg/kms"
	"sharezone/svc/db"
	"sharezone/svc/util"

	"github.com/pkg/errors"
)

// Downloads fetches payloads back out of the object store and unseals them.
// The download counter is fire and forget: a slow database write never
// blocks a byte stream, and a dropped increment is an acceptable loss.
type Downloads struct {
	db            *db.SQLite
	objects       ObjectStore
	keyCache      *kms.KeyCache
	cfg           *cfg.Cfg
	downloadQueue chan string
	workerWg      sync.WaitGroup
	shutdownCtx   context.Context
	shutdownFn    context.CancelFunc
	shutdown      atomic.Bool
}

func NewDownloads(sqlDB *db.SQLite, objects ObjectStore, kmsAdapter *kms.Adapter, c *cfg.Cfg) *Downloads {
	if sqlDB == nil || objects == nil || kmsAdapter == nil || c == nil {
		panic("downloads service: nil dependency (sqlDB, objects, kmsAdapter, or cfg)")
	}
	shutdownCtx, shutdownFn := context.WithCancel(context.Background())
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = 20
	}
	d := &Downloads{
		db:            sqlDB,
		objects:       objects,
		keyCache:      kms.NewKeyCache(kmsAdapter, c.KeyCacheTTL),
		cfg:           c,
		downloadQueue: make(chan string, c.WorkerPoolSize*100),
		shutdownCtx:   shutdownCtx,
		shutdownFn:    shutdownFn,
	}
	d.startWorkers(c.WorkerPoolSize)
	return d
}

func (d *Downloads) startWorkers(n int) {
	for i := 0; i < n; i++ {
		d.workerWg.Add(1)
		go d.counterWorker()
	}
}

func (d *Downloads) counterWorker() {
	defer d.workerWg.Done()
	defer func() {
		if r := recover(); r != nil {
			util.Error().Interface("panic", r).Msg("counterWorker panicked")
		}
	}()
	for id := range d.downloadQueue {
		ctx, cancel := context.WithTimeout(d.shutdownCtx, 5*time.Second)
		if err := d.db.IncrDownloads(ctx, id); err != nil {
			if errors.Is(err, context.Canceled) {
				cancel()
				return
			}
			util.Warn().Err(err).Str("id", id).Msg("failed to incr downloads")
		}
		cancel()
	}
}

func (d *Downloads) Shutdown() {
	d.shutdown.Store(true)
	close(d.downloadQueue)
	d.shutdownFn()
	done := make(chan struct{})
	go func() {
		d.workerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		util.Warn().Msg("download counter workers didn't stop in time")
	}
	d.keyCache.Stop()
	util.Debug().Msg("downloads service shutdown complete")
}

// Fetch returns the file's plaintext bytes. For encrypted files the wrapped
// key is unwrapped through the key cache and the plaintext is recovered in
// memory; a tampered envelope or wrong key yields no partial output.
func (d *Downloads) Fetch(ctx context.Context, file *domain.File) ([]byte, error) {
	if d.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	payload, err := d.objects.Get(ctx, file.StoragePath)
	if err != nil {
		util.Warn().Err(err).Str("id", file.ID).Msg("object retrieval failed")
		return nil, domain.ErrRetrievalFailed
	}
	if file.IsEncrypted {
		key, err := d.keyCache.UnwrapFileKey(ctx, file.ID, file.WrappedKey)
		if err != nil {
			util.Warn().Err(err).Str("id", file.ID).Msg("file key unwrap failed")
			return nil, domain.ErrDecryptionFailed
		}
		plaintext, err := crypt.Decrypt(payload, crypt.Key(key))
		util.Wipe(key)
		if err != nil {
			return nil, err
		}
		payload = plaintext
		metrics.EncryptionOps.WithLabelValues("decrypt").Inc()
	}

	select {
	case d.downloadQueue <- file.ID:
	default:
		util.Warn().Str("id", file.ID).Msg("download queue full, dropping increment")
	}
	metrics.FileDownloaded.Inc()
	return payload, nil
}
