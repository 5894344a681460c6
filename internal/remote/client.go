// Package remote talks to the per-user document store that backs cloud sync.
//
// Errors leave this package already classified as syncerr auth, transient or
// fatal errors. The client itself never retries; that is the retry
// executor's job.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shavsss/wordstream/internal/syncerr"
)

// Remote error codes carried in {code, message} error bodies.
const (
	CodeUnauthenticated   = "unauthenticated"
	CodePermissionDenied  = "permission-denied"
	CodeUnavailable       = "unavailable"
	CodeResourceExhausted = "resource-exhausted"
	CodeDeadlineExceeded  = "deadline-exceeded"
	CodeAborted           = "aborted"
	CodeNotFound          = "not-found"
	CodeInvalidArgument   = "invalid-argument"
	CodeInternal          = "internal"
)

type Document struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
	// UpdateTime is the server write time in milliseconds.
	UpdateTime int64 `json:"updateTime,omitempty"`
}

type DocumentList struct {
	Documents []Document `json:"documents"`
}

type DocumentStore interface {
	ListDocuments(ctx context.Context, user, collection string) ([]Document, error)
	GetDocument(ctx context.Context, user, collection, id string) (Document, error)
	PutDocument(ctx context.Context, user, collection string, doc Document) (Document, error)
	DeleteDocument(ctx context.Context, user, collection, id string) error
}

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	AccessToken() string
}

type StaticToken string

func (t StaticToken) AccessToken() string {
	return string(t)
}

type HTTPClient struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
}

func NewHTTPClient(baseURL string, tokens TokenSource, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8787"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	return &HTTPClient{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: httpClient,
	}
}

func (c *HTTPClient) ListDocuments(ctx context.Context, user, collection string) ([]Document, error) {
	var out DocumentList
	if err := c.doJSON(ctx, "list", http.MethodGet, collectionPath(user, collection), nil, &out); err != nil {
		return nil, err
	}
	if out.Documents == nil {
		out.Documents = []Document{}
	}
	return out.Documents, nil
}

func (c *HTTPClient) GetDocument(ctx context.Context, user, collection, id string) (Document, error) {
	var out Document
	err := c.doJSON(ctx, "get", http.MethodGet, documentPath(user, collection, id), nil, &out)
	return out, err
}

func (c *HTTPClient) PutDocument(ctx context.Context, user, collection string, doc Document) (Document, error) {
	var out Document
	err := c.doJSON(ctx, "put", http.MethodPut, documentPath(user, collection, doc.ID), doc, &out)
	return out, err
}

func (c *HTTPClient) DeleteDocument(ctx context.Context, user, collection, id string) error {
	return c.doJSON(ctx, "delete", http.MethodDelete, documentPath(user, collection, id), nil, nil)
}

func collectionPath(user, collection string) string {
	return fmt.Sprintf("/v1/users/%s/collections/%s/documents", url.PathEscape(user), url.PathEscape(collection))
}

func documentPath(user, collection, id string) string {
	return collectionPath(user, collection) + "/" + url.PathEscape(id)
}

func (c *HTTPClient) doJSON(ctx context.Context, op, method, requestPath string, body any, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return syncerr.Fatal(op, CodeInvalidArgument, err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return syncerr.Fatal(op, CodeInvalidArgument, err)
	}
	if token := c.tokens.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Correlation-Id", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(op, err)
	}
	payloadBytes, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return classifyTransportError(op, readErr)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payloadBytes) == 0 {
			return nil
		}
		if err := json.Unmarshal(payloadBytes, out); err != nil {
			return syncerr.Fatal(op, CodeInternal, fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payloadBytes, &errPayload)
	return classifyStatus(op, resp.StatusCode, errPayload.Code, errPayload.Message, parseRetryAfter(resp.Header.Get("Retry-After")))
}

// HTTPError is the server's description of a failed request.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func classifyStatus(op string, status int, code, message string, retryAfter time.Duration) error {
	cause := &HTTPError{StatusCode: status, Code: code, Message: message}
	kind := syncerr.KindFatal
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden,
		code == CodeUnauthenticated || code == CodePermissionDenied:
		kind = syncerr.KindAuth
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500,
		code == CodeUnavailable || code == CodeResourceExhausted || code == CodeDeadlineExceeded || code == CodeAborted:
		kind = syncerr.KindTransient
	}
	return &syncerr.Error{
		Kind:       kind,
		Op:         op,
		Code:       code,
		StatusCode: status,
		RetryAfter: retryAfter,
		Err:        cause,
	}
}

func classifyTransportError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return syncerr.Fatal(op, "", err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return syncerr.Transient(op, CodeDeadlineExceeded, err)
	}
	return syncerr.Transient(op, CodeUnavailable, err)
}

// IsNotFound reports whether err is the remote's not-found answer.
func IsNotFound(err error) bool {
	var se *syncerr.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == CodeNotFound || se.StatusCode == http.StatusNotFound
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}
