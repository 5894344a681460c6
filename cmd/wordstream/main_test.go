package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shavsss/wordstream/internal/localstore"
	"github.com/shavsss/wordstream/internal/remote"
	"github.com/shavsss/wordstream/internal/syncerr"
	"github.com/shavsss/wordstream/internal/vocab"
	"github.com/shavsss/wordstream/internal/wordbank"
)

func isolateCLI(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(base, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(base, "data"))
	for _, name := range []string{
		"WORDSTREAM_CONFIG", "WORDSTREAM_STORE_DSN", "WORDSTREAM_REMOTE_URL", "WORDSTREAM_USER",
		"WORDSTREAM_ACCESS_TOKEN", "WORDSTREAM_REFRESH_TOKEN", "WORDSTREAM_TOKEN_URL",
		"WORDSTREAM_BUS_TRANSPORT", "WORDSTREAM_BUS_ORIGIN", "WORDSTREAM_LOG_LEVEL",
	} {
		t.Setenv(name, "")
	}
	return base
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func requireContains(t *testing.T, haystack, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("expected output to contain %q, got:\n%s", needle, haystack)
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
	if got := jitteredIntervalWithSample(0, 0.2, 1); got != 0 {
		t.Fatalf("expected zero base to stay zero, got %s", got)
	}
}

func TestRenderTablePadsShortRows(t *testing.T) {
	out := renderTable([]string{"Word", "Count"}, [][]string{{"hello"}}, []columnAlignment{alignLeft, alignRight})
	requireContains(t, out, "Word")
	requireContains(t, out, "hello")
	if renderTable(nil, nil, nil) != "" {
		t.Fatalf("expected empty table without headers")
	}
}

func TestParseSinceAcceptsDateAndTimestamp(t *testing.T) {
	day, err := parseSince("2024-03-05", time.UTC)
	if err != nil || !day.Equal(time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected date %s (%v)", day, err)
	}
	if _, err := parseSince("2024-03-05T10:00:00+02:00", time.UTC); err != nil {
		t.Fatalf("rfc3339: %v", err)
	}
	if _, err := parseSince("", time.UTC); err == nil {
		t.Fatalf("expected empty --since to be rejected")
	}
	if _, err := (listOptions{date: "week", weekStart: "friday"}).dateFilter(time.Now()); err == nil {
		t.Fatalf("expected unsupported week start to be rejected")
	}
}

func TestCaptureListStatsAndDelete(t *testing.T) {
	base := isolateCLI(t)
	store := "--store=file://" + filepath.Join(base, "words.json")

	out, err := runCLI(t, store, "capture", "hello", "שלום", "--from", "en", "--to", "he", "--context", "hello there")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	requireContains(t, out, "Captured hello|en|he")

	if _, err := runCLI(t, store, "capture", "Bonjour", "hello", "--from", "fr", "--to", "en"); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if _, err := runCLI(t, store, "capture", "hello", "היי", "--from", "en", "--to", "he"); err != nil {
		t.Fatalf("recapture: %v", err)
	}

	out, err = runCLI(t, store, "list", "--lang", "en")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	requireContains(t, out, "היי")
	if strings.Contains(out, "Bonjour") {
		t.Fatalf("language filter leaked fr entry:\n%s", out)
	}

	out, err = runCLI(t, store, "list", "--group")
	if err != nil {
		t.Fatalf("list --group: %v", err)
	}
	requireContains(t, out, "en (1)")
	requireContains(t, out, "fr (1)")

	out, err = runCLI(t, store, "stats", "--json")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	requireContains(t, out, `"totalWords": 2`)
	requireContains(t, out, `"todayWords": 2`)

	out, err = runCLI(t, store, "delete", "bonjour", "--from", "fr", "--to", "en")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	requireContains(t, out, "Deleted 1 of 1")

	out, err = runCLI(t, store, "snapshot", "vocabulary.changed")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	requireContains(t, out, `"action": "delete"`)
}

func TestCaptureRequiresLanguages(t *testing.T) {
	base := isolateCLI(t)
	_, err := runCLI(t, "--store=file://"+filepath.Join(base, "words.json"), "capture", "hello", "שלום")
	if err == nil {
		t.Fatalf("expected missing --from/--to to fail")
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	base := isolateCLI(t)
	target := filepath.Join(base, "wordstream.toml")

	out, err := runCLI(t, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")

	if _, err := runCLI(t, "config", "init", "--path", target); err == nil {
		t.Fatalf("expected init to refuse to overwrite")
	}

	out, err = runCLI(t, "--config", target, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")

	t.Setenv("WORDSTREAM_ACCESS_TOKEN", "secret-value")
	out, err = runCLI(t, "--config", target, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	requireContains(t, out, "[store]")
	if strings.Contains(out, "secret-value") {
		t.Fatalf("config show leaked a token:\n%s", out)
	}
}

func TestServeIssuesRefreshToken(t *testing.T) {
	isolateCLI(t)
	out, err := runCLI(t, "serve", "--issue-token", "user-1")
	if err != nil {
		t.Fatalf("serve --issue-token: %v", err)
	}
	if parts := strings.Split(strings.TrimSpace(out), "."); len(parts) != 3 {
		t.Fatalf("expected a JWT, got %q", out)
	}
}

func TestCaptureAndSyncAgainstRemote(t *testing.T) {
	base := isolateCLI(t)
	const secret = "cli-secret"
	server := remote.NewServer(remote.NewStoreDocuments(localstore.NewMemoryStore()), remote.ServerConfig{JWTSecret: secret})
	ts := httptest.NewServer(server)
	defer ts.Close()

	token, err := remote.IssueToken(secret, "user-1", remote.TokenKindAccess, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	t.Setenv("WORDSTREAM_REMOTE_URL", ts.URL)
	t.Setenv("WORDSTREAM_USER", "user-1")
	t.Setenv("WORDSTREAM_ACCESS_TOKEN", token)

	laptop := "--store=file://" + filepath.Join(base, "laptop.json")
	if _, err := runCLI(t, laptop, "capture", "hello", "שלום", "--from", "en", "--to", "he"); err != nil {
		t.Fatalf("capture: %v", err)
	}

	phone := "--store=file://" + filepath.Join(base, "phone.json")
	out, err := runCLI(t, phone, "sync")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	requireContains(t, out, "in sync: pulled 1, pushed 0, 0 failed, 1 words")

	out, err = runCLI(t, phone, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	requireContains(t, out, "שלום")
}

// readOnlyStore serves reads from a seeded store and rejects every write.
type readOnlyStore struct {
	inner *localstore.MemoryStore
}

func (s readOnlyStore) Get(ctx context.Context, keys ...string) (localstore.Record, error) {
	return s.inner.Get(ctx, keys...)
}

func (s readOnlyStore) Set(context.Context, localstore.Record) error {
	return syncerr.Store("set", syncerr.CodeUnavailable, errors.New("disk is read-only"))
}

func (s readOnlyStore) Remove(context.Context, ...string) error {
	return syncerr.Store("remove", syncerr.CodeUnavailable, errors.New("disk is read-only"))
}

func (s readOnlyStore) Close() error {
	return nil
}

func TestDeleteWithRemoteReportsLocalStoreFailure(t *testing.T) {
	isolateCLI(t)
	seeded := localstore.NewMemoryStore()
	bank, err := wordbank.New(wordbank.Options{Store: seeded})
	if err != nil {
		t.Fatalf("bank: %v", err)
	}
	if _, err := bank.Capture(context.Background(), vocab.Entry{Word: "hello", Translation: "שלום", SourceLanguage: "en", TargetLanguage: "he"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	localstore.RegisterFactory("readonly-test", func(string) (localstore.Store, error) {
		return readOnlyStore{inner: seeded}, nil
	})

	const secret = "cli-secret"
	server := remote.NewServer(remote.NewStoreDocuments(localstore.NewMemoryStore()), remote.ServerConfig{JWTSecret: secret})
	ts := httptest.NewServer(server)
	defer ts.Close()
	token, err := remote.IssueToken(secret, "user-1", remote.TokenKindAccess, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	t.Setenv("WORDSTREAM_REMOTE_URL", ts.URL)
	t.Setenv("WORDSTREAM_USER", "user-1")
	t.Setenv("WORDSTREAM_ACCESS_TOKEN", token)

	_, err = runCLI(t, "--store=readonly-test://words", "delete", "hello", "--from", "en", "--to", "he")
	if !errors.Is(err, syncerr.ErrStore) {
		t.Fatalf("expected the local store error, got %v", err)
	}
	if err := bank.Load(context.Background()); err != nil || len(bank.Entries()) != 1 {
		t.Fatalf("seeded entry should be untouched: %+v (%v)", bank.Entries(), err)
	}
}
