package svc

import (
	"context"
	"fmt"
	"sharezone/cfg"
	"sharezone/metrics"
	"sharezone/pkg/crypt"
	"sharezone/pkg/domain"
	"sharezone/pkg/kms"
	"sharezone/svc/cache"
	"sharezone/svc/db"
	"sharezone/svc/util"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ObjectStore is the payload backend. Production wires store.Minio here.
type ObjectStore interface {
	Put(ctx context.Context, objectKey string, data []byte, contentType string) error
	Get(ctx context.Context, objectKey string) ([]byte, error)
	Delete(ctx context.Context, objectKey string) error
}

// Files owns the upload and delete paths. Payloads are sealed before they
// leave this process: the object store only ever sees ciphertext for
// encrypted files, and the file key goes to the database KMS-wrapped.
type Files struct {
	db              *db.SQLite
	objects         ObjectStore
	lru             *cache.LRU
	rdb             *db.Redis
	kmsAdapter      *kms.Adapter
	cfg             *cfg.Cfg
	activeUploadOps int32
}

func NewFiles(sqlDB *db.SQLite, objects ObjectStore, lru *cache.LRU, rdb *db.Redis, kmsAdapter *kms.Adapter, c *cfg.Cfg) *Files {
	if sqlDB == nil || objects == nil || lru == nil || kmsAdapter == nil || c == nil {
		panic("files service: nil dependency (sqlDB, objects, lru, kmsAdapter, or cfg)")
	}
	return &Files{
		db:         sqlDB,
		objects:    objects,
		lru:        lru,
		rdb:        rdb,
		kmsAdapter: kmsAdapter,
		cfg:        c,
	}
}

func (f *Files) Upload(ctx context.Context, params domain.UploadParams) (*domain.File, error) {
	currentLoad := atomic.AddInt32(&f.activeUploadOps, 1)
	defer atomic.AddInt32(&f.activeUploadOps, -1)
	if currentLoad > int32(f.cfg.MaxWorkerLoad) {
		return nil, errors.New("upload pool overloaded")
	}
	if params.Name == "" {
		return nil, domain.ErrNameRequired
	}
	if int64(len(params.Content)) > f.cfg.MaxFileSize {
		return nil, domain.ErrFileTooLarge
	}

	id := uuid.New().String()
	now := time.Now()
	storagePath := fmt.Sprintf("%s/%d_%s", params.OwnerID, now.UnixNano(), params.Name)

	payload := params.Content
	var wrappedKey []byte
	if params.Encrypt {
		ciphertext, key, err := crypt.Encrypt(params.Content)
		if err != nil {
			return nil, errors.Wrap(err, "encrypt payload")
		}
		wrappedKey, err = f.kmsAdapter.WrapFileKey(ctx, id, key)
		util.Wipe(key)
		if err != nil {
			return nil, errors.Wrap(err, "wrap file key")
		}
		payload = ciphertext
		metrics.EncryptionOps.WithLabelValues("encrypt").Inc()
	}

	contentType := params.MimeType
	if params.Encrypt {
		// stored bytes are an opaque envelope, the real type lives in metadata
		contentType = "application/octet-stream"
	}
	if err := f.objects.Put(ctx, storagePath, payload, contentType); err != nil {
		return nil, errors.Wrap(err, "store payload")
	}

	file := &domain.File{
		ID:          id,
		OwnerID:     params.OwnerID,
		Name:        params.Name,
		Size:        int64(len(params.Content)),
		MimeType:    params.MimeType,
		StoragePath: storagePath,
		IsEncrypted: params.Encrypt,
		WrappedKey:  wrappedKey,
		UploadedAt:  now,
	}
	if err := f.db.Insert(ctx, file); err != nil {
		// orphaned objects are worse than a failed upload
		if delErr := f.objects.Delete(ctx, storagePath); delErr != nil {
			util.Warn().Err(delErr).Str("path", storagePath).Msg("rollback of stored object failed")
		}
		return nil, errors.Wrap(err, "insert file record")
	}
	if err := f.db.AddStorageUsed(ctx, params.OwnerID, file.Size); err != nil {
		util.Warn().Err(err).Str("owner", params.OwnerID).Msg("failed to bump storage usage")
	}
	metrics.FileUploaded.Inc()
	util.Info().Str("id", id).Bool("encrypted", params.Encrypt).Int64("size", file.Size).Msg("file uploaded")
	return file, nil
}

func (f *Files) Get(ctx context.Context, ownerID, fileID string) (*domain.File, error) {
	file, err := f.db.GetByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file.OwnerID != ownerID {
		return nil, domain.ErrUnauthorized
	}
	return file, nil
}

func (f *Files) ListByOwner(ctx context.Context, ownerID string) ([]*domain.File, error) {
	return f.db.ListByOwner(ctx, ownerID)
}

// Delete removes the record first, then the stored object best effort. A
// leftover object without a row is unreachable garbage, not a data leak.
func (f *Files) Delete(ctx context.Context, ownerID, fileID string) error {
	file, err := f.db.GetByID(ctx, fileID)
	if err != nil {
		return err
	}
	if file.OwnerID != ownerID {
		return domain.ErrUnauthorized
	}
	if err := f.db.Delete(ctx, fileID); err != nil {
		return err
	}
	if file.Share != nil {
		f.lru.Delete(file.Share.ShareID)
		if f.rdb != nil {
			if err := f.rdb.DeleteShare(ctx, file.Share.ShareID); err != nil {
				util.Warn().Err(err).Str("id", fileID).Msg("failed to drop share from redis")
			}
		}
	}
	if err := f.objects.Delete(ctx, file.StoragePath); err != nil {
		util.Warn().Err(err).Str("path", file.StoragePath).Msg("failed to remove stored object")
	}
	if err := f.db.AddStorageUsed(ctx, ownerID, -file.Size); err != nil {
		util.Warn().Err(err).Str("owner", ownerID).Msg("failed to release storage usage")
	}
	util.Info().Str("id", fileID).Msg("file deleted")
	return nil
}
