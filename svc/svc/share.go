package svc

import (
	"context"
	"strings"
	"time"

	"sharezone/cfg"
	"sharezone/metrics"
	"sharezone/pkg/domain"
	"sharezone/pkg/gate"
	"sharezone/svc/auth"
	"sharezone/svc/cache"
	"sharezone/svc/db"
	"sharezone/svc/util"

	"github.com/pkg/errors"
)

// Shares issues and revokes share links and resolves them for recipients.
// Resolution layers LRU over Redis over SQLite, same order as every other
// hot read path here.
type Shares struct {
	db     *db.SQLite
	lru    *cache.LRU
	rdb    *db.Redis
	hasher *auth.Hasher
	cfg    *cfg.Cfg
}

func NewShares(sqlDB *db.SQLite, lru *cache.LRU, rdb *db.Redis, h *auth.Hasher, c *cfg.Cfg) *Shares {
	if sqlDB == nil || lru == nil || h == nil || c == nil {
		panic("shares service: nil dependency (sqlDB, lru, hasher, or cfg)")
	}
	return &Shares{
		db:     sqlDB,
		lru:    lru,
		rdb:    rdb,
		hasher: h,
		cfg:    c,
	}
}

// Create mints a share link for the file, replacing any previous policy.
// The returned URL carries only the opaque id; the password, when set,
// must reach the recipient some other way.
func (s *Shares) Create(ctx context.Context, ownerID, fileID string, req domain.ShareRequest) (*domain.ShareLink, error) {
	file, err := s.db.GetByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file.OwnerID != ownerID {
		return nil, domain.ErrUnauthorized
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		return nil, domain.ErrInvalidExpiry
	}

	shareID, err := util.GenShareID(func(id string) (bool, error) {
		return s.db.ShareIDExists(ctx, id)
	})
	if err != nil {
		return nil, errors.Wrap(err, "gen share id")
	}

	var pwHash string
	if req.Password != "" {
		pwHash, err = s.hasher.Hash(req.Password)
		if err != nil {
			return nil, errors.Wrap(err, "hash share password")
		}
	}

	policy := &domain.SharePolicy{
		ShareID:      shareID,
		IsPublic:     req.IsPublic,
		PasswordHash: pwHash,
		ExpiresAt:    req.ExpiresAt,
	}
	if err := s.db.SetSharePolicy(ctx, fileID, policy); err != nil {
		return nil, err
	}

	// the old link dies the moment the new policy lands
	if file.Share != nil {
		s.invalidate(ctx, file.Share.ShareID)
	}

	file.Share = policy
	s.lru.Set(ctx, file, s.cfg.ShareCacheTTL)
	if s.rdb != nil {
		if err := s.rdb.CacheShare(ctx, file, s.cfg.ShareCacheTTL); err != nil {
			util.Warn().Err(err).Str("id", fileID).Msg("failed to cache share in redis")
		}
	}

	metrics.ShareCreated.Inc()
	util.Info().Str("file_id", fileID).Str("share_id", util.RedactShareID(shareID)).
		Bool("password", pwHash != "").Bool("expires", req.ExpiresAt != nil).
		Msg("share link created")
	return &domain.ShareLink{
		ShareID:   shareID,
		URL:       strings.TrimRight(s.cfg.ShareBaseURL, "/") + "/" + shareID,
		ExpiresAt: req.ExpiresAt,
	}, nil
}

func (s *Shares) Revoke(ctx context.Context, ownerID, fileID string) error {
	file, err := s.db.GetByID(ctx, fileID)
	if err != nil {
		return err
	}
	if file.OwnerID != ownerID {
		return domain.ErrUnauthorized
	}
	if file.Share == nil {
		return domain.ErrShareNotFound
	}
	if err := s.db.SetSharePolicy(ctx, fileID, nil); err != nil {
		return err
	}
	s.invalidate(ctx, file.Share.ShareID)
	util.Info().Str("file_id", fileID).Msg("share link revoked")
	return nil
}

func (s *Shares) invalidate(ctx context.Context, shareID string) {
	s.lru.Delete(shareID)
	if s.rdb != nil {
		if err := s.rdb.DeleteShare(ctx, shareID); err != nil {
			util.Warn().Err(err).Msg("failed to drop share from redis")
		}
	}
}

// GetByShareID satisfies gate.Resolver. Cache layers never mask an infra
// failure as a missing share; only the database gets to say not-found.
func (s *Shares) GetByShareID(ctx context.Context, shareID string) (*domain.File, error) {
	if file := s.lru.Get(ctx, shareID); file != nil {
		metrics.CacheHits.Inc()
		return file, nil
	}
	metrics.CacheMisses.Inc()
	if s.rdb != nil {
		if file, err := s.rdb.GetShare(ctx, shareID); err == nil && file != nil {
			s.lru.Set(ctx, file, s.cfg.ShareCacheTTL)
			return file, nil
		}
	}
	file, err := s.db.GetByShareID(ctx, shareID)
	if err != nil {
		return nil, err
	}
	s.lru.Set(ctx, file, s.cfg.ShareCacheTTL)
	if s.rdb != nil {
		if err := s.rdb.CacheShare(ctx, file, s.cfg.ShareCacheTTL); err != nil {
			util.Warn().Err(err).Msg("failed to cache share in redis")
		}
	}
	return file, nil
}

// Access runs one step of the recipient-side state machine: resolve the
// link, then submit the password if one was supplied.
func (s *Shares) Access(ctx context.Context, shareID, password string) (*gate.Session, error) {
	session := gate.NewSession(shareID, &hasherVerifier{s.hasher})
	session.Resolve(ctx, s)
	if session.State() == gate.PasswordRequired && password != "" {
		session.SubmitPassword(password)
	}
	switch session.State() {
	case gate.Ready:
		metrics.ShareAccess.WithLabelValues("granted").Inc()
	case gate.PasswordRequired:
		metrics.ShareAccess.WithLabelValues("password_required").Inc()
	case gate.Error:
		metrics.ShareAccess.WithLabelValues("denied").Inc()
	}
	return session, nil
}

// hasherVerifier narrows the argon2 hasher to the yes/no answer the access
// gate needs. Rehash bookkeeping has no meaning for share passwords.
type hasherVerifier struct {
	h *auth.Hasher
}

func (v *hasherVerifier) Verify(password, encoded string) (bool, error) {
	match, _, err := v.h.Verify(password, encoded)
	return match, err
}
