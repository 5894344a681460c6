package remote

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shavsss/wordstream/internal/localstore"
)

type request struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func newRecorderServer(cfg ServerConfig) *Server {
	cfg.JWTSecret = testSecret
	return NewServer(NewStoreDocuments(localstore.NewMemoryStore()), cfg)
}

func TestServerAuthRequired(t *testing.T) {
	server := newRecorderServer(ServerConfig{})
	rec := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/users/user-1/collections/vocabulary/documents",
		headers: map[string]string{"X-Correlation-Id": "corr_1"},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	body := decodeErrorBody(t, rec)
	if body["code"] != CodeUnauthenticated || body["correlationId"] != "corr_1" {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestServerRejectsRefreshTokenAsBearer(t *testing.T) {
	server := newRecorderServer(ServerConfig{})
	refresh, err := IssueToken(testSecret, "user-1", TokenKindRefresh, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	rec := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/users/user-1/collections/vocabulary/documents",
		headers: map[string]string{"Authorization": "Bearer " + refresh},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for refresh token, got %d", rec.Code)
	}
}

func TestServerEnforcesUserAndBodyLimit(t *testing.T) {
	server := newRecorderServer(ServerConfig{MaxBodyBytes: 64})
	token := string(accessToken(t, "user-1", time.Hour))

	other := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/users/user-2/collections/vocabulary/documents",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if other.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another user, got %d", other.Code)
	}

	big := doRequest(t, server, request{
		method:  http.MethodPut,
		path:    "/v1/users/user-1/collections/vocabulary/documents/doc-1",
		headers: map[string]string{"Authorization": "Bearer " + token},
		body:    []byte(`{"data":{"word":"` + strings.Repeat("a", 128) + `"}}`),
	})
	if big.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d (%s)", big.Code, big.Body.String())
	}

	missing := doRequest(t, server, request{method: http.MethodGet, path: "/v1/users/user-1/words"})
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown route, got %d", missing.Code)
	}
}

func TestServerRateLimitsPerUser(t *testing.T) {
	server := newRecorderServer(ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	token := string(accessToken(t, "user-1", time.Hour))
	list := request{
		method:  http.MethodGet,
		path:    "/v1/users/user-1/collections/vocabulary/documents",
		headers: map[string]string{"Authorization": "Bearer " + token},
	}
	for i := 0; i < 2; i++ {
		if rec := doRequest(t, server, list); rec.Code != http.StatusOK {
			t.Fatalf("expected request %d to be allowed, got %d (%s)", i, rec.Code, rec.Body.String())
		}
	}
	denied := doRequest(t, server, list)
	if denied.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after rate limit exceeded, got %d", denied.Code)
	}
	if denied.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", denied.Header().Get("Retry-After"))
	}
}
