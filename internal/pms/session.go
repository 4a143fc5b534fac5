package pms

import (
	"context"
	"errors"
	"sync"

	"github.com/wolfman30/medspa-pms-sync/internal/practice"
	"github.com/wolfman30/medspa-pms-sync/pkg/logging"
)

// Authenticator issues credentials for an integration.
type Authenticator interface {
	Authenticate(ctx context.Context, integration practice.Integration) (Credential, error)
}

// Session holds one invocation's credential. It is safe for concurrent use.
//
// A 401 triggers exactly one re-authentication, shared by every caller holding the
// same credential generation. A 401 on a credential that has not yet served a
// successful call is fatal and poisons the session.
type Session struct {
	auth        Authenticator
	integration practice.Integration
	logger      *logging.Logger

	mu          sync.Mutex
	cred        Credential
	generation  uint64
	unconfirmed bool
	poisoned    error
}

// NewSession binds an authenticator to one integration. No call is made until first use.
func NewSession(auth Authenticator, integration practice.Integration, logger *logging.Logger) *Session {
	if logger == nil {
		logger = logging.Default()
	}
	return &Session{
		auth:        auth,
		integration: integration,
		logger:      logger.With("integration_id", integration.Key()),
	}
}

// Integration returns the integration this session authenticates for.
func (s *Session) Integration() practice.Integration {
	return s.integration
}

// Start authenticates eagerly so an unusable configuration fails before any work begins.
// Transport failures and retryable statuses come back unwrapped; wrap Start in Retry.
func (s *Session) Start(ctx context.Context) error {
	_, _, err := s.current(ctx)
	return err
}

// Do runs fn with the current credential, re-authenticating once on a 401.
func (s *Session) Do(ctx context.Context, fn func(ctx context.Context, cred Credential) error) error {
	cred, gen, err := s.current(ctx)
	if err != nil {
		return err
	}
	err = fn(ctx, cred)
	if err == nil {
		s.confirm(gen)
		return nil
	}
	if !IsUnauthorized(err) {
		return err
	}

	cred, gen, err = s.refresh(ctx, gen, err)
	if err != nil {
		return err
	}
	err = fn(ctx, cred)
	if err == nil {
		s.confirm(gen)
		return nil
	}
	if IsUnauthorized(err) {
		return s.poison(gen, err)
	}
	return err
}

// Call is Do for functions that return a value.
func Call[T any](ctx context.Context, s *Session, fn func(ctx context.Context, cred Credential) (T, error)) (T, error) {
	var out T
	err := s.Do(ctx, func(ctx context.Context, cred Credential) error {
		v, err := fn(ctx, cred)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (s *Session) current(ctx context.Context) (Credential, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poisoned != nil {
		return Credential{}, 0, s.poisoned
	}
	if s.generation > 0 {
		return s.cred, s.generation, nil
	}
	if err := s.authenticateLocked(ctx); err != nil {
		return Credential{}, 0, err
	}
	return s.cred, s.generation, nil
}

// refresh re-authenticates unless another caller already replaced the stale generation.
func (s *Session) refresh(ctx context.Context, stale uint64, cause error) (Credential, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poisoned != nil {
		return Credential{}, 0, s.poisoned
	}
	if s.generation != stale {
		return s.cred, s.generation, nil
	}
	if s.unconfirmed {
		return Credential{}, 0, s.poisonLocked(cause)
	}
	s.logger.Info("pms credential rejected; re-authenticating", "generation", stale)
	if err := s.authenticateLocked(ctx); err != nil {
		return Credential{}, 0, err
	}
	s.unconfirmed = true
	return s.cred, s.generation, nil
}

func (s *Session) authenticateLocked(ctx context.Context) error {
	cred, err := s.auth.Authenticate(ctx, s.integration)
	if err != nil {
		if isTransient(err) {
			return err
		}
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			err = &AuthError{Op: "authenticate", Err: err}
		}
		if IsUnauthorized(err) {
			s.poisoned = err
		}
		return err
	}
	s.cred = cred
	s.generation++
	return nil
}

func (s *Session) confirm(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == s.generation {
		s.unconfirmed = false
	}
}

func (s *Session) poison(gen uint64, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poisoned != nil {
		return s.poisoned
	}
	if gen != s.generation {
		return cause
	}
	return s.poisonLocked(cause)
}

func (s *Session) poisonLocked(cause error) error {
	s.logger.Error("pms credential rejected after re-authentication", "error", cause)
	s.poisoned = &AuthError{Op: "reauthenticate", Err: errors.Join(ErrSessionExpired, cause)}
	return s.poisoned
}
