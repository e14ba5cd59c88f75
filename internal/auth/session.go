// Package auth holds the shared authentication session consumed by the request pipeline.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoSession = errors.New("no active session")

type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

func (s Session) Valid() bool { return s.AccessToken != "" }

// ExpiresWithin reports whether the session expires within d of now.
// Sessions without a known expiry never do.
func (s Session) ExpiresWithin(now time.Time, d time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(d).Before(s.ExpiresAt)
}

// Source is the read-only view of the session plus the callbacks the
// request pipeline may trigger. Implementations serialize their own writes.
type Source interface {
	Current() (Session, bool)
	Refresh(ctx context.Context) (Session, error)
	Clear()
}

// RefreshFunc exchanges a refresh token for a new session.
type RefreshFunc func(ctx context.Context, refreshToken string) (Session, error)

// Store is the in-memory owner of the session.
type Store struct {
	mu      sync.RWMutex
	sess    Session
	ok      bool
	refresh RefreshFunc
	onClear []func()
}

func NewStore(refresh RefreshFunc) *Store {
	return &Store{refresh: refresh}
}

// SetRefresher wires the refresh callback after construction; the refresher
// usually needs the executor, which needs the store.
func (s *Store) SetRefresher(f RefreshFunc) {
	s.mu.Lock()
	s.refresh = f
	s.mu.Unlock()
}

// Set installs a session after login. A missing expiry is taken from the
// access token's exp claim when it is a JWT.
func (s *Store) Set(sess Session) {
	if sess.ExpiresAt.IsZero() {
		if exp, ok := ExpiryFromToken(sess.AccessToken); ok {
			sess.ExpiresAt = exp
		}
	}
	s.mu.Lock()
	s.sess, s.ok = sess, sess.Valid()
	s.mu.Unlock()
}

func (s *Store) Current() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sess, s.ok
}

func (s *Store) Refresh(ctx context.Context) (Session, error) {
	s.mu.RLock()
	cur, ok, fn := s.sess, s.ok, s.refresh
	s.mu.RUnlock()

	if !ok || cur.RefreshToken == "" {
		return Session{}, ErrNoSession
	}
	if fn == nil {
		return Session{}, errors.New("auth: no refresher configured")
	}
	next, err := fn(ctx, cur.RefreshToken)
	if err != nil {
		return Session{}, err
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	s.Set(next)
	return next, nil
}

// Clear drops the session (logout or failed refresh) and notifies listeners.
func (s *Store) Clear() {
	s.mu.Lock()
	wasSet := s.ok
	s.sess, s.ok = Session{}, false
	hooks := append([]func(){}, s.onClear...)
	s.mu.Unlock()
	if !wasSet {
		return
	}
	for _, h := range hooks {
		h()
	}
}

// OnClear registers f to run after the session is cleared. The UI layer uses
// it to force a logout.
func (s *Store) OnClear(f func()) {
	s.mu.Lock()
	s.onClear = append(s.onClear, f)
	s.mu.Unlock()
}

// ExpiryFromToken reads the exp claim of a JWT without verifying it; the
// server remains the authority, this only schedules proactive refreshes.
func ExpiryFromToken(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
