// Package auth holds the explicit credential session shared by remote
// operations in one execution context.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/shavsss/wordstream/internal/localstore"
	"github.com/shavsss/wordstream/internal/syncerr"
)

// StoreKey is where a session persists its token in the local store so other
// execution contexts can pick it up.
const StoreKey = "auth_token"

const defaultExpirySkew = 30 * time.Second

var ErrNoRefresher = errors.New("no credential refresher configured")

type State int

const (
	StateUnknown State = iota
	StateValid
	StateRefreshing
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateRefreshing:
		return "refreshing"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Refresher exchanges the current token for a fresh one.
type Refresher interface {
	Refresh(ctx context.Context, current *oauth2.Token) (*oauth2.Token, error)
}

type RefresherFunc func(ctx context.Context, current *oauth2.Token) (*oauth2.Token, error)

func (f RefresherFunc) Refresh(ctx context.Context, current *oauth2.Token) (*oauth2.Token, error) {
	return f(ctx, current)
}

type Logger interface {
	Printf(format string, args ...any)
}

type SessionOptions struct {
	Refresher Refresher
	// Store, when set, receives every refreshed token under StoreKey.
	Store  localstore.Store
	Logger Logger
	// OnChange is called after each state transition with the new state.
	OnChange func(State)
	// ExpirySkew treats tokens as expired this long before they are.
	ExpirySkew time.Duration
	Now        func() time.Time
}

// Session tracks one credential. Concurrent refreshes collapse into a single
// call to the refresher.
type Session struct {
	refresher Refresher
	store     localstore.Store
	logger    Logger
	onChange  func(State)
	skew      time.Duration
	now       func() time.Time

	group singleflight.Group

	mu    sync.RWMutex
	state State
	token *oauth2.Token
}

func NewSession(options SessionOptions) *Session {
	skew := options.ExpirySkew
	if skew <= 0 {
		skew = defaultExpirySkew
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Session{
		refresher: options.Refresher,
		store:     options.Store,
		logger:    options.Logger,
		onChange:  options.OnChange,
		skew:      skew,
		now:       now,
	}
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Token returns a copy of the current token, or nil.
func (s *Session) Token() *oauth2.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return nil
	}
	copied := *s.token
	return &copied
}

// AccessToken returns the current access token even when it may be stale;
// the remote side decides, and an auth error drives a refresh.
func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return ""
	}
	return s.token.AccessToken
}

// SetToken installs token without calling the refresher.
func (s *Session) SetToken(token *oauth2.Token) {
	s.mu.Lock()
	s.token = normalizeToken(token)
	next := StateExpired
	if s.validLocked() {
		next = StateValid
	}
	changed := s.setStateLocked(next)
	s.mu.Unlock()
	if changed {
		s.notify(next)
	}
}

func (s *Session) IsValid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.validLocked()
}

func (s *Session) validLocked() bool {
	if s.token == nil || strings.TrimSpace(s.token.AccessToken) == "" {
		return false
	}
	if s.token.Expiry.IsZero() {
		return true
	}
	return s.now().Add(s.skew).Before(s.token.Expiry)
}

// Refresh makes sure a usable credential is available. Without force a valid
// token is kept. The boolean reports whether the session is valid afterwards.
func (s *Session) Refresh(ctx context.Context, force bool) (bool, error) {
	if !force && s.IsValid() {
		return true, nil
	}
	if s.refresher == nil {
		s.transition(StateExpired)
		return false, syncerr.Auth("refresh", "unauthenticated", ErrNoRefresher)
	}

	// The shared refresh outlives any one caller; each caller stops waiting
	// when its own ctx is done.
	shared := context.WithoutCancel(ctx)
	results := s.group.DoChan("refresh", func() (any, error) {
		s.transition(StateRefreshing)
		current := s.Token()
		token, err := s.refresher.Refresh(shared, current)
		if err != nil {
			s.transition(StateExpired)
			return false, syncerr.Auth("refresh", "unauthenticated", err)
		}
		token = normalizeToken(token)
		if token == nil || token.AccessToken == "" {
			s.transition(StateExpired)
			return false, syncerr.Auth("refresh", "unauthenticated", errors.New("refresher returned no access token"))
		}
		if token.RefreshToken == "" && current != nil {
			token.RefreshToken = current.RefreshToken
		}
		s.mu.Lock()
		s.token = token
		s.mu.Unlock()
		s.persist(shared, token)
		s.transition(StateValid)
		return true, nil
	})
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case result := <-results:
		if result.Err != nil {
			return false, result.Err
		}
		return result.Val.(bool), nil
	}
}

// Restore loads a token persisted by any execution context.
func (s *Session) Restore(ctx context.Context) (bool, error) {
	if s.store == nil {
		return false, nil
	}
	var token oauth2.Token
	found, err := localstore.GetJSON(ctx, s.store, StoreKey, &token)
	if err != nil || !found {
		return false, err
	}
	s.SetToken(&token)
	return s.IsValid(), nil
}

func (s *Session) persist(ctx context.Context, token *oauth2.Token) {
	if s.store == nil {
		return
	}
	if err := localstore.SetJSON(ctx, s.store, StoreKey, token); err != nil {
		s.logf("auth: failed to persist refreshed token: %v", err)
	}
}

func (s *Session) transition(next State) {
	s.mu.Lock()
	changed := s.setStateLocked(next)
	s.mu.Unlock()
	if changed {
		s.notify(next)
	}
}

func (s *Session) setStateLocked(next State) bool {
	if s.state == next {
		return false
	}
	s.state = next
	return true
}

func (s *Session) notify(state State) {
	if s.onChange != nil {
		s.onChange(state)
	}
}

func (s *Session) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

// normalizeToken copies token and fills a missing expiry from the access
// token's exp claim when it is a JWT.
func normalizeToken(token *oauth2.Token) *oauth2.Token {
	if token == nil {
		return nil
	}
	copied := *token
	if copied.Expiry.IsZero() {
		if exp, ok := ExpiryFromJWT(copied.AccessToken); ok {
			copied.Expiry = exp
		}
	}
	return &copied
}

// ExpiryFromJWT reads the exp claim of a JWT without verifying its signature.
// Verification is the issuer's job; the claim is only used to schedule
// refreshes.
func ExpiryFromJWT(raw string) (time.Time, bool) {
	if strings.Count(raw, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// OAuth2Refresher refreshes through an OAuth2 token endpoint using the
// session's refresh token.
type OAuth2Refresher struct {
	Config *oauth2.Config
}

func (r OAuth2Refresher) Refresh(ctx context.Context, current *oauth2.Token) (*oauth2.Token, error) {
	if r.Config == nil {
		return nil, ErrNoRefresher
	}
	if current == nil || current.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token available")
	}
	// An access-token-less token forces the source to hit the endpoint.
	source := r.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken})
	return source.Token()
}
