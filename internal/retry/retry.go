// Package retry runs authenticated remote operations under one of two
// contracts.
//
// The strict contract (WithRetry, Do) retries transient failures with
// exponential back-off and returns the last error once attempts run out. The
// lenient contract (ExecuteWithAuth) never returns an error: it refreshes the
// credential on auth failures a bounded number of times and otherwise hands
// back the caller's fallback value.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/shavsss/wordstream/internal/syncerr"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 10 * time.Second

	// MaxJitter bounds the random component added to every strict delay.
	MaxJitter = time.Second

	// lenientAuthRetries is how many forced refreshes ExecuteWithAuth makes
	// before giving up on an operation that keeps failing auth.
	lenientAuthRetries = 2
)

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	return p
}

// Delay returns the wait after the given zero-based failed attempt:
// base*2^attempt plus jitter, capped at MaxDelay.
func (p Policy) Delay(attempt int, jitter time.Duration) time.Duration {
	p = p.normalized()
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	delay += jitter
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// CredentialProvider supplies the credential used by remote operations.
// Refresh reports whether a usable credential is available afterwards; force
// bypasses any cached validity.
type CredentialProvider interface {
	IsValid() bool
	Refresh(ctx context.Context, force bool) (bool, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type ExecutorOptions struct {
	Policy Policy
	Logger Logger
}

type Executor struct {
	credentials CredentialProvider
	policy      Policy
	logger      Logger

	sleep  func(ctx context.Context, delay time.Duration) error
	jitter func() time.Duration
}

// NewExecutor builds an executor. credentials may be nil, in which case auth
// failures are never refreshed.
func NewExecutor(credentials CredentialProvider, options ExecutorOptions) *Executor {
	return &Executor{
		credentials: credentials,
		policy:      options.Policy.normalized(),
		logger:      options.Logger,
		sleep:       waitWithContext,
		jitter:      randomJitter,
	}
}

func (e *Executor) Policy() Policy {
	return e.policy
}

// WithRetry runs op under the strict contract using policy, or the executor's
// policy when policy is the zero value.
func (e *Executor) WithRetry(ctx context.Context, policy Policy, op func(ctx context.Context) error) error {
	_, err := Do(ctx, e, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do is the strict contract. Only transient errors are retried. An auth error
// gets exactly one forced refresh and one extra invocation, outside the
// attempt budget; a second auth error or a failed refresh is returned.
func Do[T any](ctx context.Context, e *Executor, policy Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if policy == (Policy{}) {
		policy = e.policy
	}
	policy = policy.normalized()

	refreshed := false
	attempt := 0
	for {
		value, err := op(ctx)
		if err == nil {
			observeAttempt(contractStrict, outcomeSuccess)
			return value, nil
		}
		kind := syncerr.KindOf(err)
		observeAttempt(contractStrict, outcomeFor(kind))

		switch kind {
		case syncerr.KindAuth:
			if refreshed || e.credentials == nil {
				return zero, err
			}
			refreshed = true
			ok, refreshErr := e.credentials.Refresh(ctx, true)
			if refreshErr != nil {
				e.logf("retry: credential refresh failed: %v", refreshErr)
				return zero, err
			}
			if !ok {
				return zero, err
			}
			continue
		case syncerr.KindTransient:
		default:
			return zero, err
		}

		attempt++
		if attempt >= policy.MaxAttempts {
			return zero, err
		}
		delay := policy.Delay(attempt-1, e.jitter())
		if hint := syncerr.RetryAfterOf(err); hint > delay {
			delay = min(hint, policy.MaxDelay)
		}
		e.logf("retry: attempt %d/%d failed, retrying in %s: %v", attempt, policy.MaxAttempts, delay, err)
		if waitErr := e.sleep(ctx, delay); waitErr != nil {
			return zero, err
		}
	}
}

// ExecuteWithAuth is the lenient contract; it returns fallback instead of an
// error.
func ExecuteWithAuth[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error), fallback T) T {
	value, _ := ExecuteWithAuthStatus(ctx, e, op, fallback)
	return value
}

// ExecuteWithAuthStatus is ExecuteWithAuth that also reports whether the
// fallback was returned, so callers can mark their data as stale.
func ExecuteWithAuthStatus[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error), fallback T) (T, bool) {
	if e.credentials != nil {
		if _, err := e.credentials.Refresh(ctx, false); err != nil {
			e.logf("retry: proactive credential refresh failed: %v", err)
		}
	}

	authRetries := 0
	for {
		value, err := op(ctx)
		if err == nil {
			observeAttempt(contractLenient, outcomeSuccess)
			return value, false
		}
		kind := syncerr.KindOf(err)
		observeAttempt(contractLenient, outcomeFor(kind))

		if kind != syncerr.KindAuth {
			e.logf("retry: falling back after %s error: %v", kind, err)
			observeFallback(reasonError)
			return fallback, true
		}
		if authRetries >= lenientAuthRetries || e.credentials == nil {
			e.logf("retry: falling back after repeated auth failures: %v", err)
			observeFallback(reasonAuthExhausted)
			return fallback, true
		}
		authRetries++
		ok, refreshErr := e.credentials.Refresh(ctx, true)
		if refreshErr != nil || !ok {
			e.logf("retry: falling back, credential refresh failed: %v", refreshErr)
			observeFallback(reasonRefreshFailed)
			return fallback, true
		}
	}
}

func (e *Executor) logf(format string, args ...any) {
	if e == nil || e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}

func randomJitter() time.Duration {
	return time.Duration(rand.Int63n(int64(MaxJitter)))
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
