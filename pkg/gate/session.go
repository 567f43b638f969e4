// Package gate implements the share-link access control state machine. A
// Session is created per visit to a share identifier, evaluates the persisted
// SharePolicy against the clock, and gates retrieval behind the share
// password. It never mutates the policy; a fresh visit starts over at
// Loading.
package gate

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"sharezone/pkg/domain"
)

type State int

const (
	Loading State = iota
	Error
	PasswordRequired
	Ready
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Error:
		return "error"
	case PasswordRequired:
		return "password_required"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// Resolver looks a share identifier up in the metadata store. It returns
// domain.ErrShareNotFound when no file carries the identifier.
type Resolver interface {
	GetByShareID(ctx context.Context, shareID string) (*domain.File, error)
}

// Verifier checks a submitted password against the stored hash.
type Verifier interface {
	Verify(password, encoded string) (bool, error)
}

// Session is the per-visit state of one anonymous access attempt. Terminal
// states are Error and Ready; PasswordRequired allows unlimited retries with
// no lockout (abuse throttling lives at the transport layer, not here).
type Session struct {
	shareID  string
	state    State
	file     *domain.File
	verify   Verifier
	now      func() time.Time
	attempts int
	lastErr  error
}

type Option func(*Session)

// WithClock fixes the session's time source. Tests use this to pin the
// expiry comparison.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

func NewSession(shareID string, verify Verifier, opts ...Option) *Session {
	s := &Session{
		shareID: shareID,
		state:   Loading,
		verify:  verify,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve runs the entry evaluation: share lookup, then expiry, then
// password. It is the only transition out of Loading and is a no-op in any
// other state.
func (s *Session) Resolve(ctx context.Context, r Resolver) State {
	if s.state != Loading {
		return s.state
	}
	file, err := r.GetByShareID(ctx, s.shareID)
	if err != nil {
		if errors.Is(err, domain.ErrShareNotFound) || errors.Is(err, domain.ErrFileNotFound) {
			return s.fail(domain.ErrShareNotFound)
		}
		return s.fail(errors.Wrap(err, "resolve share"))
	}
	if file.Share == nil || file.Share.ShareID != s.shareID {
		return s.fail(domain.ErrShareNotFound)
	}
	if file.Share.Expired(s.now()) {
		return s.fail(domain.ErrShareExpired)
	}
	s.file = file
	if file.Share.HasPassword() {
		s.state = PasswordRequired
		return s.state
	}
	s.state = Ready
	return s.state
}

// SubmitPassword attempts the PasswordRequired -> Ready transition. A
// mismatch leaves the session in PasswordRequired with the error attached;
// a later correct submission still succeeds.
func (s *Session) SubmitPassword(password string) (State, error) {
	if s.state != PasswordRequired {
		return s.state, errors.Errorf("no password expected in state %s", s.state)
	}
	s.attempts++
	match, err := s.verify.Verify(password, s.file.Share.PasswordHash)
	if err != nil {
		s.lastErr = errors.Wrap(err, "verify password")
		return s.state, s.lastErr
	}
	if !match {
		s.lastErr = domain.ErrPasswordIncorrect
		return s.state, domain.ErrPasswordIncorrect
	}
	s.lastErr = nil
	s.state = Ready
	return s.state, nil
}

func (s *Session) fail(err error) State {
	s.state = Error
	s.lastErr = err
	return s.state
}

func (s *Session) State() State { return s.state }

// Attempts is the number of password submissions made during this visit.
// Not persisted and not capped.
func (s *Session) Attempts() int { return s.attempts }

// Err returns the error attached to the current state: the terminal reason
// in Error, or the last mismatch in PasswordRequired.
func (s *Session) Err() error { return s.lastErr }

// File exposes the resolved record once the gate has passed the lookup. It
// is nil in Loading and Error.
func (s *Session) File() *domain.File { return s.file }
