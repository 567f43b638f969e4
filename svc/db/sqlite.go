package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"sharezone/pkg/domain"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed      = 0
	circuitOpen        = 1
	circuitHalfOpen    = 2
	maxFailures        = 5
	cooldownSeconds    = 30
	minResponseTime    = 50 * time.Millisecond
	responseTimeJitter = 20 * time.Millisecond
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}
func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}
func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	case circuitHalfOpen:
		return nil
	default:
		return nil
	}
}
func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}
func (s *SQLite) migrate() error {
	_, err := s.db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	_, err = s.db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	_, err = s.db.Exec("PRAGMA synchronous=FULL")
	if err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	query := `
	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		size INTEGER NOT NULL,
		mime_type TEXT,
		storage_path TEXT NOT NULL,
		is_encrypted INTEGER DEFAULT 0,
		wrapped_key BLOB,
		share_id TEXT,
		is_public INTEGER DEFAULT 0,
		share_password_hash TEXT,
		share_expires_at DATETIME,
		download_count INTEGER DEFAULT 0,
		uploaded_at DATETIME NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_files_share_id ON files(share_id) WHERE share_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_files_owner_id ON files(owner_id);
	CREATE TABLE IF NOT EXISTS users_usage (
		owner_id TEXT PRIMARY KEY,
		storage_used INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err = s.db.Exec(query)
	return err
}
func normalizeResponseTime(start time.Time) {
	elapsed := time.Since(start)
	var jitterNanos int64
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		jitterNanos = int64(responseTimeJitter)
	} else {
		jitterNanos = int64(binary.BigEndian.Uint64(b[:]) % uint64(responseTimeJitter))
	}
	target := minResponseTime + time.Duration(jitterNanos)
	if elapsed < target {
		time.Sleep(target - elapsed)
	}
}
func (s *SQLite) Insert(ctx context.Context, f *domain.File) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO files (id, owner_id, name, size, mime_type, storage_path, is_encrypted, wrapped_key, download_count, uploaded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`
	_, err := s.db.ExecContext(queryCtx, q,
		f.ID, f.OwnerID, f.Name, f.Size, f.MimeType, f.StoragePath, f.IsEncrypted, f.WrappedKey, f.UploadedAt,
	)
	s.recordError(err)
	return errors.Wrap(err, "db insert file")
}

func scanFile(row *sql.Row) (*domain.File, error) {
	var f domain.File
	var shareID, passwordHash sql.NullString
	var isPublic sql.NullBool
	var expiresAt sql.NullTime
	err := row.Scan(
		&f.ID, &f.OwnerID, &f.Name, &f.Size, &f.MimeType, &f.StoragePath,
		&f.IsEncrypted, &f.WrappedKey,
		&shareID, &isPublic, &passwordHash, &expiresAt,
		&f.DownloadCount, &f.UploadedAt,
	)
	if err != nil {
		return nil, err
	}
	if shareID.Valid && shareID.String != "" {
		policy := &domain.SharePolicy{
			ShareID:      shareID.String,
			IsPublic:     isPublic.Bool,
			PasswordHash: passwordHash.String,
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			policy.ExpiresAt = &t
		}
		f.Share = policy
	}
	return &f, nil
}

const fileColumns = `id, owner_id, name, size, mime_type, storage_path, is_encrypted, wrapped_key, share_id, is_public, share_password_hash, share_expires_at, download_count, uploaded_at`

func (s *SQLite) GetByID(ctx context.Context, id string) (*domain.File, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	row := s.db.QueryRowContext(queryCtx, `SELECT `+fileColumns+` FROM files WHERE id = ?`, id)
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrFileNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get file")
	}
	return f, nil
}

// GetByShareID keeps a flat response-time profile so a caller cannot
// distinguish a missing share from a present one by latency.
func (s *SQLite) GetByShareID(ctx context.Context, shareID string) (*domain.File, error) {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	row := s.db.QueryRowContext(queryCtx, `SELECT `+fileColumns+` FROM files WHERE share_id = ?`, shareID)
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrShareNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get by share id")
	}
	return f, nil
}

func (s *SQLite) ListByOwner(ctx context.Context, ownerID string) ([]*domain.File, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx,
		`SELECT `+fileColumns+` FROM files WHERE owner_id = ? ORDER BY uploaded_at DESC`, ownerID)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db list by owner")
	}
	defer rows.Close()
	var files []*domain.File
	for rows.Next() {
		var f domain.File
		var shareID, passwordHash sql.NullString
		var isPublic sql.NullBool
		var expiresAt sql.NullTime
		err := rows.Scan(
			&f.ID, &f.OwnerID, &f.Name, &f.Size, &f.MimeType, &f.StoragePath,
			&f.IsEncrypted, &f.WrappedKey,
			&shareID, &isPublic, &passwordHash, &expiresAt,
			&f.DownloadCount, &f.UploadedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "db scan file row")
		}
		if shareID.Valid && shareID.String != "" {
			policy := &domain.SharePolicy{
				ShareID:      shareID.String,
				IsPublic:     isPublic.Bool,
				PasswordHash: passwordHash.String,
			}
			if expiresAt.Valid {
				t := expiresAt.Time
				policy.ExpiresAt = &t
			}
			f.Share = policy
		}
		files = append(files, &f)
	}
	return files, errors.Wrap(rows.Err(), "db list by owner")
}

// SetSharePolicy replaces whatever policy the file carried before. Passing a
// nil policy revokes sharing entirely.
func (s *SQLite) SetSharePolicy(ctx context.Context, fileID string, policy *domain.SharePolicy) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var (
		shareID, passwordHash sql.NullString
		isPublic              bool
		expiresAt             sql.NullTime
	)
	if policy != nil {
		shareID = sql.NullString{String: policy.ShareID, Valid: true}
		isPublic = policy.IsPublic
		if policy.PasswordHash != "" {
			passwordHash = sql.NullString{String: policy.PasswordHash, Valid: true}
		}
		if policy.ExpiresAt != nil {
			expiresAt = sql.NullTime{Time: *policy.ExpiresAt, Valid: true}
		}
	}
	q := `UPDATE files SET share_id = ?, is_public = ?, share_password_hash = ?, share_expires_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(queryCtx, q, shareID, isPublic, passwordHash, expiresAt, fileID)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "db set share policy")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrFileNotFound
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `DELETE FROM files WHERE id = ?`
	res, err := s.db.ExecContext(queryCtx, q, id)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "db delete file")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrFileNotFound
	}
	return nil
}

func (s *SQLite) IncrDownloads(ctx context.Context, id string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `UPDATE files SET download_count = download_count + 1 WHERE id = ?`
	_, err := s.db.ExecContext(queryCtx, q, id)
	s.recordError(err)
	return errors.Wrap(err, "incr downloads")
}

func (s *SQLite) ShareIDExists(ctx context.Context, shareID string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var exists int
	q := `SELECT 1 FROM files WHERE share_id = ? LIMIT 1`
	err := s.db.QueryRowContext(queryCtx, q, shareID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "share id exists check failed")
	}
	return exists == 1, nil
}

// AddStorageUsed adjusts the owner's byte counter. Negative deltas floor at
// zero so a double delete cannot drive the aggregate below reality.
func (s *SQLite) AddStorageUsed(ctx context.Context, ownerID string, delta int64) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO users_usage (owner_id, storage_used) VALUES (?, MAX(0, ?))
	ON CONFLICT(owner_id) DO UPDATE SET storage_used = MAX(0, storage_used + ?)
	`
	_, err := s.db.ExecContext(queryCtx, q, ownerID, delta, delta)
	s.recordError(err)
	return errors.Wrap(err, "update storage used")
}

func (s *SQLite) StorageUsed(ctx context.Context, ownerID string) (int64, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var used int64
	err := s.db.QueryRowContext(queryCtx, `SELECT storage_used FROM users_usage WHERE owner_id = ?`, ownerID).Scan(&used)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	s.recordError(err)
	if err != nil {
		return 0, errors.Wrap(err, "read storage used")
	}
	return used, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
