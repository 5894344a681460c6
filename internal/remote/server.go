package remote

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shavsss/wordstream/internal/syncerr"
)

type ServerConfig struct {
	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          Logger
}

type Logger interface {
	Printf(format string, args ...any)
}

// Server exposes a DocumentStore over the HTTP routes HTTPClient speaks, plus
// an OAuth2 refresh-token endpoint at /v1/token.
type Server struct {
	docs        DocumentStore
	cfg         ServerConfig
	rateLimiter *rateLimiter
	now         func() time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(docs DocumentStore, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = time.Hour
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		docs:        docs,
		cfg:         cfg,
		rateLimiter: limiter,
		now:         time.Now,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/token" && r.Method == http.MethodPost {
		s.handleToken(w, r)
		return
	}

	parts, ok := splitEscapedPath(r.URL.EscapedPath())
	if !ok || len(parts) < 6 || parts[0] != "v1" || parts[1] != "users" || parts[3] != "collections" || parts[5] != "documents" {
		writeError(w, http.StatusNotFound, CodeNotFound, "route not found", getCorrelationID(r))
		return
	}
	user, collection := parts[2], parts[4]

	var route string
	switch {
	case len(parts) == 6 && r.Method == http.MethodGet:
		route = "list"
	case len(parts) == 7 && r.Method == http.MethodGet:
		route = "get"
	case len(parts) == 7 && r.Method == http.MethodPut:
		route = "put"
	case len(parts) == 7 && r.Method == http.MethodDelete:
		route = "delete"
	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "route not found", getCorrelationID(r))
		return
	}

	correlationID := getCorrelationID(r)
	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, user, s.now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(user, s.now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, CodeResourceExhausted, "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "list":
		docs, err := s.docs.ListDocuments(r.Context(), user, collection)
		if err != nil {
			s.writeStoreError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, DocumentList{Documents: docs})
	case "get":
		doc, err := s.docs.GetDocument(r.Context(), user, collection, parts[6])
		if err != nil {
			s.writeStoreError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	case "put":
		var doc Document
		if !s.decodeJSONBody(w, r, correlationID, &doc) {
			return
		}
		doc.ID = parts[6]
		saved, err := s.docs.PutDocument(r.Context(), user, collection, doc)
		if err != nil {
			s.writeStoreError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	case "delete":
		if err := s.docs.DeleteDocument(r.Context(), user, collection, parts[6]); err != nil {
			s.writeStoreError(w, err, correlationID)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleToken implements the OAuth2 refresh_token grant. Initial refresh
// tokens are minted out of band with IssueRefreshToken.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if r.PostForm.Get("grant_type") != "refresh_token" {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}
	now := s.now().UTC()
	user, authErr := parseToken(r.PostForm.Get("refresh_token"), s.cfg.JWTSecret, TokenKindRefresh, now)
	if authErr != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}
	access, err := IssueToken(s.cfg.JWTSecret, user, TokenKindAccess, s.cfg.AccessTokenTTL, now)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   int(s.cfg.AccessTokenTTL.Seconds()),
	})
}

// IssueRefreshToken signs a refresh token for user with the server's secret.
func (s *Server) IssueRefreshToken(user string) (string, error) {
	return IssueToken(s.cfg.JWTSecret, user, TokenKindRefresh, s.cfg.RefreshTokenTTL, s.now().UTC())
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case syncerr.CodeOf(err) == CodeNotFound:
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error(), correlationID)
	case syncerr.CodeOf(err) == CodeInvalidArgument:
		writeError(w, http.StatusBadRequest, CodeInvalidArgument, err.Error(), correlationID)
	case errors.Is(err, syncerr.ErrStore):
		s.logf("remote: store failure: %v", err)
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "document store unavailable", correlationID)
	default:
		s.logf("remote: request failed: %v", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", correlationID)
	}
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, CodeInvalidArgument, "request body exceeds configured limit", correlationID)
			return false
		}
		writeError(w, http.StatusBadRequest, CodeInvalidArgument, "failed to read request body", correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidArgument, "invalid json body", correlationID)
		return false
	}
	return true
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}

func splitEscapedPath(escaped string) ([]string, bool) {
	raw := strings.Split(strings.Trim(escaped, "/"), "/")
	parts := make([]string, len(raw))
	for i, part := range raw {
		unescaped, err := url.PathUnescape(part)
		if err != nil || unescaped == "" {
			return nil, false
		}
		parts[i] = unescaped
	}
	return parts, true
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func writeOAuthError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
