package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/shavsss/wordstream/internal/localstore"
	"github.com/shavsss/wordstream/internal/syncerr"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *httptest.Server) {
	t.Helper()
	cfg.JWTSecret = testSecret
	server := NewServer(NewStoreDocuments(localstore.NewMemoryStore()), cfg)
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)
	return server, ts
}

func accessToken(t *testing.T, user string, ttl time.Duration) StaticToken {
	t.Helper()
	token, err := IssueToken(testSecret, user, TokenKindAccess, ttl, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return StaticToken(token)
}

func TestHTTPClientDocumentRoundTrip(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})
	client := NewHTTPClient(ts.URL, accessToken(t, "user-1", time.Hour), nil)
	ctx := context.Background()

	docs, err := client.ListDocuments(ctx, "user-1", "words")
	if err != nil || len(docs) != 0 {
		t.Fatalf("expected empty collection, got %v (%v)", docs, err)
	}

	saved, err := client.PutDocument(ctx, "user-1", "words", Document{ID: "doc 1", Data: json.RawMessage(`{"word":"hello"}`)})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if saved.UpdateTime == 0 || saved.ID != "doc 1" {
		t.Fatalf("unexpected saved document %+v", saved)
	}

	got, err := client.GetDocument(ctx, "user-1", "words", "doc 1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Data) != `{"word":"hello"}` {
		t.Fatalf("unexpected document data %s", got.Data)
	}

	docs, err = client.ListDocuments(ctx, "user-1", "words")
	if err != nil || len(docs) != 1 {
		t.Fatalf("expected one document, got %v (%v)", docs, err)
	}

	if err := client.DeleteDocument(ctx, "user-1", "words", "doc 1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := client.DeleteDocument(ctx, "user-1", "words", "doc 1"); err != nil {
		t.Fatalf("delete should be idempotent: %v", err)
	}
	_, err = client.GetDocument(ctx, "user-1", "words", "doc 1")
	if !IsNotFound(err) || syncerr.KindOf(err) != syncerr.KindFatal {
		t.Fatalf("expected fatal not-found, got %v", err)
	}
}

func TestHTTPClientAuthFailures(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})
	ctx := context.Background()

	cases := []struct {
		name   string
		tokens TokenSource
		status int
	}{
		{name: "missing", tokens: StaticToken(""), status: http.StatusUnauthorized},
		{name: "expired", tokens: accessToken(t, "user-1", -time.Minute), status: http.StatusUnauthorized},
		{name: "other user", tokens: accessToken(t, "user-2", time.Hour), status: http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := NewHTTPClient(ts.URL, tc.tokens, nil)
			_, err := client.ListDocuments(ctx, "user-1", "words")
			if !errors.Is(err, syncerr.ErrAuth) {
				t.Fatalf("expected auth error, got %v", err)
			}
			var se *syncerr.Error
			if !errors.As(err, &se) || se.StatusCode != tc.status {
				t.Fatalf("expected status %d, got %+v", tc.status, se)
			}
		})
	}
}

func TestHTTPClientRateLimitIsTransientWithRetryAfter(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{RateLimitMax: 1, RateLimitWindow: 3 * time.Second})
	client := NewHTTPClient(ts.URL, accessToken(t, "user-1", time.Hour), nil)
	ctx := context.Background()
	if _, err := client.ListDocuments(ctx, "user-1", "words"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	_, err := client.ListDocuments(ctx, "user-1", "words")
	if !syncerr.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if got := syncerr.RetryAfterOf(err); got != 3*time.Second {
		t.Fatalf("expected Retry-After of 3s, got %s", got)
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		code   string
		want   syncerr.Kind
	}{
		{http.StatusUnauthorized, "", syncerr.KindAuth},
		{http.StatusForbidden, "", syncerr.KindAuth},
		{http.StatusBadRequest, CodePermissionDenied, syncerr.KindAuth},
		{http.StatusBadRequest, CodeUnauthenticated, syncerr.KindAuth},
		{http.StatusRequestTimeout, "", syncerr.KindTransient},
		{http.StatusTooManyRequests, "", syncerr.KindTransient},
		{http.StatusBadGateway, "", syncerr.KindTransient},
		{http.StatusServiceUnavailable, CodeUnavailable, syncerr.KindTransient},
		{http.StatusBadRequest, CodeResourceExhausted, syncerr.KindTransient},
		{http.StatusBadRequest, CodeDeadlineExceeded, syncerr.KindTransient},
		{http.StatusConflict, CodeAborted, syncerr.KindTransient},
		{http.StatusBadRequest, CodeInvalidArgument, syncerr.KindFatal},
		{http.StatusNotFound, CodeNotFound, syncerr.KindFatal},
	}
	for _, tc := range cases {
		err := classifyStatus("op", tc.status, tc.code, "msg", 0)
		if got := syncerr.KindOf(err); got != tc.want {
			t.Fatalf("status %d code %q: expected %s, got %s", tc.status, tc.code, tc.want, got)
		}
	}
}

func TestHTTPClientNetworkErrorIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := ts.URL
	ts.Close()
	client := NewHTTPClient(url, nil, &http.Client{Timeout: time.Second})
	_, err := client.ListDocuments(context.Background(), "user-1", "words")
	if !syncerr.IsTransient(err) {
		t.Fatalf("expected transient network error, got %v", err)
	}
}

func TestHTTPClientCanceledContextIsNotRetryable(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})
	client := NewHTTPClient(ts.URL, accessToken(t, "user-1", time.Hour), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.ListDocuments(ctx, "user-1", "words")
	if syncerr.KindOf(err) != syncerr.KindFatal {
		t.Fatalf("expected canceled request to be fatal, got %v", err)
	}
}

func TestTokenEndpointRefreshGrant(t *testing.T) {
	server, ts := newTestServer(t, ServerConfig{AccessTokenTTL: 10 * time.Minute})
	refresh, err := server.IssueRefreshToken("user-1")
	if err != nil {
		t.Fatalf("issue refresh token: %v", err)
	}
	cfg := &oauth2.Config{
		ClientID: "cli",
		Endpoint: oauth2.Endpoint{TokenURL: ts.URL + "/v1/token", AuthStyle: oauth2.AuthStyleInParams},
	}
	token, err := cfg.TokenSource(context.Background(), &oauth2.Token{RefreshToken: refresh}).Token()
	if err != nil {
		t.Fatalf("refresh grant: %v", err)
	}
	client := NewHTTPClient(ts.URL, StaticToken(token.AccessToken), nil)
	if _, err := client.ListDocuments(context.Background(), "user-1", "words"); err != nil {
		t.Fatalf("refreshed access token rejected: %v", err)
	}

	// Access tokens are not accepted as refresh tokens.
	_, err = cfg.TokenSource(context.Background(), &oauth2.Token{RefreshToken: token.AccessToken}).Token()
	if err == nil {
		t.Fatalf("expected invalid_grant for an access token")
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("7"); got != 7*time.Second {
		t.Fatalf("expected 7s, got %s", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Fatalf("expected zero for empty header, got %s", got)
	}
	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(future); got <= 0 || got > time.Minute {
		t.Fatalf("unexpected http-date delay %s", got)
	}
}
