package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/shavsss/wordstream/internal/syncerr"
)

type fakeCredentials struct {
	mu         sync.Mutex
	valid      bool
	refreshOK  bool
	refreshErr error
	calls      []bool
}

func (f *fakeCredentials) IsValid() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.valid
}

func (f *fakeCredentials) Refresh(_ context.Context, force bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, force)
	if f.refreshErr != nil {
		return false, f.refreshErr
	}
	return f.refreshOK, nil
}

func (f *fakeCredentials) forcedRefreshes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, force := range f.calls {
		if force {
			n++
		}
	}
	return n
}

func newTestExecutor(creds CredentialProvider) (*Executor, *[]time.Duration) {
	e := NewExecutor(creds, ExecutorOptions{Policy: Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}})
	var delays []time.Duration
	e.sleep = func(_ context.Context, delay time.Duration) error {
		delays = append(delays, delay)
		return nil
	}
	e.jitter = func() time.Duration { return 0 }
	return e, &delays
}

func TestStrictRetryExhaustsExactlyMaxAttempts(t *testing.T) {
	e, delays := newTestExecutor(&fakeCredentials{refreshOK: true})
	calls := 0
	wantErr := syncerr.Transient("put", "unavailable", errors.New("503"))
	err := e.WithRetry(context.Background(), Policy{}, func(context.Context) error {
		calls++
		return wantErr
	})
	if calls != 4 {
		t.Fatalf("expected exactly 4 invocations, got %d", calls)
	}
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected last error to be returned, got %v", err)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	if len(*delays) != len(want) {
		t.Fatalf("expected %d waits, got %v", len(want), *delays)
	}
	for i := range want {
		if (*delays)[i] != want[i] {
			t.Fatalf("unexpected back-off %v, want %v", *delays, want)
		}
	}
}

func TestStrictRetrySucceedsAfterTransientFailures(t *testing.T) {
	e, _ := newTestExecutor(nil)
	calls := 0
	value, err := Do(context.Background(), e, Policy{}, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", syncerr.Transient("get", "", errors.New("reset"))
		}
		return "ok", nil
	})
	if err != nil || value != "ok" || calls != 3 {
		t.Fatalf("unexpected result value=%q err=%v calls=%d", value, err, calls)
	}
}

func TestStrictRetryNonTransientReturnsImmediately(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
	}{
		{name: "fatal", err: syncerr.Fatal("put", "invalid-argument", errors.New("bad"))},
		{name: "store", err: syncerr.Store("set", syncerr.CodeUnavailable, errors.New("disk"))},
		{name: "unclassified", err: errors.New("plain")},
		{name: "canceled", err: context.Canceled},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e, delays := newTestExecutor(nil)
			calls := 0
			err := e.WithRetry(context.Background(), Policy{}, func(context.Context) error {
				calls++
				return tc.err
			})
			if calls != 1 || len(*delays) != 0 {
				t.Fatalf("expected a single attempt without waiting, got calls=%d waits=%v", calls, *delays)
			}
			if !errors.Is(err, tc.err) {
				t.Fatalf("expected original error, got %v", err)
			}
		})
	}
}

func TestStrictRetryRefreshesOnceOnAuthError(t *testing.T) {
	creds := &fakeCredentials{refreshOK: true}
	e, _ := newTestExecutor(creds)
	calls := 0
	err := e.WithRetry(context.Background(), Policy{}, func(context.Context) error {
		calls++
		return syncerr.Auth("put", "unauthenticated", errors.New("expired"))
	})
	if !errors.Is(err, syncerr.ErrAuth) {
		t.Fatalf("expected auth error to propagate, got %v", err)
	}
	if calls != 2 || creds.forcedRefreshes() != 1 {
		t.Fatalf("expected one refresh and one retry, got calls=%d refreshes=%d", calls, creds.forcedRefreshes())
	}
}

func TestStrictRetryAuthRecovers(t *testing.T) {
	creds := &fakeCredentials{refreshOK: true}
	e, _ := newTestExecutor(creds)
	calls := 0
	err := e.WithRetry(context.Background(), Policy{}, func(context.Context) error {
		calls++
		if calls == 1 {
			return syncerr.Auth("put", "unauthenticated", errors.New("expired"))
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("expected recovery after refresh, got err=%v calls=%d", err, calls)
	}
}

func TestStrictRetryRefreshFailurePropagatesAuthError(t *testing.T) {
	creds := &fakeCredentials{refreshErr: errors.New("refresh token revoked")}
	e, _ := newTestExecutor(creds)
	calls := 0
	err := e.WithRetry(context.Background(), Policy{}, func(context.Context) error {
		calls++
		return syncerr.Auth("put", "permission-denied", errors.New("denied"))
	})
	if !errors.Is(err, syncerr.ErrAuth) || calls != 1 {
		t.Fatalf("expected auth error after failed refresh, got err=%v calls=%d", err, calls)
	}
}

func TestStrictRetryHonoursRetryAfterUpToMaxDelay(t *testing.T) {
	e, delays := newTestExecutor(nil)
	calls := 0
	_ = e.WithRetry(context.Background(), Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}, func(context.Context) error {
		calls++
		hint := time.Second
		if calls == 2 {
			hint = time.Minute
		}
		return &syncerr.Error{Kind: syncerr.KindTransient, Op: "put", StatusCode: 429, RetryAfter: hint}
	})
	if len(*delays) != 2 || (*delays)[0] != time.Second || (*delays)[1] != 2*time.Second {
		t.Fatalf("unexpected delays %v", *delays)
	}
}

func TestStrictRetryStopsWhenContextCanceledDuringWait(t *testing.T) {
	e := NewExecutor(nil, ExecutorOptions{Policy: Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}})
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := e.WithRetry(ctx, Policy{}, func(context.Context) error {
		calls++
		cancel()
		return syncerr.Transient("put", "", errors.New("timeout"))
	})
	if calls != 1 || !syncerr.IsTransient(err) {
		t.Fatalf("expected the last error after cancellation, got err=%v calls=%d", err, calls)
	}
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	if got := p.Delay(0, 300*time.Millisecond); got != 1300*time.Millisecond {
		t.Fatalf("unexpected first delay %s", got)
	}
	if got := p.Delay(2, 999*time.Millisecond); got != 4999*time.Millisecond {
		t.Fatalf("unexpected third delay %s", got)
	}
	if got := p.Delay(3, 0); got != 5*time.Second {
		t.Fatalf("expected cap at max delay, got %s", got)
	}
	if got := p.Delay(2, time.Second); got != 5*time.Second {
		t.Fatalf("expected jitter to respect the cap, got %s", got)
	}
}

func TestRandomJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		if j := randomJitter(); j < 0 || j >= MaxJitter {
			t.Fatalf("jitter %s out of range", j)
		}
	}
}

func TestLenientDegradesAfterBoundedAuthRetries(t *testing.T) {
	creds := &fakeCredentials{refreshOK: true}
	e, _ := newTestExecutor(creds)
	before := testutil.ToFloat64(fallbacksTotal.WithLabelValues(reasonAuthExhausted))
	calls := 0
	value, stale := ExecuteWithAuthStatus(context.Background(), e, func(context.Context) ([]string, error) {
		calls++
		return nil, syncerr.Auth("list", "unauthenticated", errors.New("expired"))
	}, []string{"fallback"})
	if calls > 3 {
		t.Fatalf("expected at most 3 invocations, got %d", calls)
	}
	if !stale || len(value) != 1 || value[0] != "fallback" {
		t.Fatalf("expected fallback value, got %v stale=%v", value, stale)
	}
	if creds.forcedRefreshes() != 2 {
		t.Fatalf("expected two forced refreshes, got %d", creds.forcedRefreshes())
	}
	if len(creds.calls) == 0 || creds.calls[0] {
		t.Fatalf("expected a proactive non-forced refresh first, got %v", creds.calls)
	}
	if after := testutil.ToFloat64(fallbacksTotal.WithLabelValues(reasonAuthExhausted)); after != before+1 {
		t.Fatalf("expected fallback counter to increase by one, got %v -> %v", before, after)
	}
}

func TestLenientRefreshFailureReturnsFallback(t *testing.T) {
	creds := &fakeCredentials{refreshErr: errors.New("offline")}
	e, _ := newTestExecutor(creds)
	calls := 0
	value := ExecuteWithAuth(context.Background(), e, func(context.Context) (int, error) {
		calls++
		return 0, syncerr.Auth("get", "unauthenticated", errors.New("expired"))
	}, -1)
	if value != -1 || calls != 1 {
		t.Fatalf("expected fallback after failed refresh, got value=%d calls=%d", value, calls)
	}
}

func TestLenientNonAuthErrorReturnsFallbackWithoutRetry(t *testing.T) {
	e, delays := newTestExecutor(&fakeCredentials{refreshOK: true})
	calls := 0
	value := ExecuteWithAuth(context.Background(), e, func(context.Context) (string, error) {
		calls++
		return "", syncerr.Transient("get", "unavailable", errors.New("503"))
	}, "cached")
	if value != "cached" || calls != 1 || len(*delays) != 0 {
		t.Fatalf("unexpected lenient result value=%q calls=%d waits=%v", value, calls, *delays)
	}
}

func TestLenientProactiveRefreshFailureStillAttempts(t *testing.T) {
	creds := &fakeCredentials{refreshErr: errors.New("offline")}
	e, _ := newTestExecutor(creds)
	value, stale := ExecuteWithAuthStatus(context.Background(), e, func(context.Context) (string, error) {
		return "fresh", nil
	}, "cached")
	if value != "fresh" || stale {
		t.Fatalf("expected operation result despite failed proactive refresh, got %q stale=%v", value, stale)
	}
}
