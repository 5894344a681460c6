package cloudsync

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shavsss/wordstream/internal/bus"
	"github.com/shavsss/wordstream/internal/localstore"
	"github.com/shavsss/wordstream/internal/remote"
	"github.com/shavsss/wordstream/internal/retry"
	"github.com/shavsss/wordstream/internal/syncerr"
	"github.com/shavsss/wordstream/internal/vocab"
	"github.com/shavsss/wordstream/internal/wordbank"
)

// flakyDocuments fails the next n calls of each kind with the configured
// errors before delegating.
type flakyDocuments struct {
	remote.DocumentStore

	mu       sync.Mutex
	putErrs  []error
	listErrs []error
	puts     int
	lists    int
}

func (f *flakyDocuments) ListDocuments(ctx context.Context, user, collection string) ([]remote.Document, error) {
	f.mu.Lock()
	f.lists++
	if len(f.listErrs) > 0 {
		err := f.listErrs[0]
		f.listErrs = f.listErrs[1:]
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()
	return f.DocumentStore.ListDocuments(ctx, user, collection)
}

func (f *flakyDocuments) PutDocument(ctx context.Context, user, collection string, doc remote.Document) (remote.Document, error) {
	f.mu.Lock()
	f.puts++
	if len(f.putErrs) > 0 {
		err := f.putErrs[0]
		f.putErrs = f.putErrs[1:]
		f.mu.Unlock()
		return remote.Document{}, err
	}
	f.mu.Unlock()
	return f.DocumentStore.PutDocument(ctx, user, collection, doc)
}

type fakeCredentials struct {
	mu        sync.Mutex
	valid     bool
	refreshes int
	fail      bool
}

func (c *fakeCredentials) IsValid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valid
}

func (c *fakeCredentials) Refresh(_ context.Context, force bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !force && c.valid {
		return true, nil
	}
	c.refreshes++
	if c.fail {
		c.valid = false
		return false, syncerr.Auth("refresh", "", errors.New("refresh rejected"))
	}
	c.valid = true
	return true, nil
}

var fastPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

type harness struct {
	syncer *Syncer
	bank   *wordbank.Bank
	docs   *flakyDocuments
	creds  *fakeCredentials
	local  localstore.Store
}

func newHarness(t *testing.T, b *bus.Bus) *harness {
	t.Helper()
	local := localstore.NewMemoryStore()
	bank, err := wordbank.New(wordbank.Options{Store: local})
	if err != nil {
		t.Fatalf("bank: %v", err)
	}
	if err := bank.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	docs := &flakyDocuments{DocumentStore: remote.NewStoreDocuments(localstore.NewMemoryStore())}
	creds := &fakeCredentials{valid: true}
	syncer, err := New(Options{
		Documents: docs,
		Executor:  retry.NewExecutor(creds, retry.ExecutorOptions{Policy: fastPolicy}),
		Bank:      bank,
		Bus:       b,
		User:      "user-1",
	})
	if err != nil {
		t.Fatalf("syncer: %v", err)
	}
	return &harness{syncer: syncer, bank: bank, docs: docs, creds: creds, local: local}
}

func entry(word string, ts int64) vocab.Entry {
	return vocab.Entry{Word: word, Translation: word + "-t", SourceLanguage: "en", TargetLanguage: "he", Timestamp: ts}
}

func TestDocumentIDIsStablePerKey(t *testing.T) {
	a := DocumentID(vocab.MakeKey("Hello", "en", "he"))
	b := DocumentID(vocab.MakeKey(" hello ", "en", "he"))
	c := DocumentID(vocab.MakeKey("hello", "en", "fr"))
	if a != b {
		t.Fatalf("same key produced different ids %s and %s", a, b)
	}
	if a == c {
		t.Fatalf("different keys share id %s", a)
	}
}

func TestSaveEntryRetriesTransientFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.docs.putErrs = []error{
		syncerr.Transient("put", remote.CodeUnavailable, errors.New("503")),
		syncerr.Transient("put", remote.CodeUnavailable, errors.New("503")),
	}
	if err := h.syncer.SaveEntry(context.Background(), entry("hello", 1)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if h.docs.puts != 3 {
		t.Fatalf("expected 3 put attempts, got %d", h.docs.puts)
	}
}

func TestSaveEntrySurfacesExhaustion(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 5; i++ {
		h.docs.putErrs = append(h.docs.putErrs, syncerr.Transient("put", remote.CodeUnavailable, errors.New("503")))
	}
	err := h.syncer.SaveEntry(context.Background(), entry("hello", 1))
	if !syncerr.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if h.docs.puts != fastPolicy.MaxAttempts {
		t.Fatalf("expected exactly %d attempts, got %d", fastPolicy.MaxAttempts, h.docs.puts)
	}
}

func TestCaptureKeepsLocalWriteWhenRemoteFails(t *testing.T) {
	h := newHarness(t, nil)
	h.docs.putErrs = []error{syncerr.Fatal("put", remote.CodeInvalidArgument, errors.New("bad"))}
	stored, err := h.syncer.Capture(context.Background(), entry("hello", 10))
	if !errors.Is(err, ErrRemotePending) {
		t.Fatalf("expected ErrRemotePending, got %v", err)
	}
	if stored.Word != "hello" || len(h.bank.Entries()) != 1 {
		t.Fatalf("local capture lost: %+v", h.bank.Entries())
	}
}

func TestDeleteRemovesBothCopies(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	stored, err := h.syncer.Capture(ctx, entry("hello", 10))
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	removed, err := h.syncer.Delete(ctx, stored.Key())
	if err != nil || removed != 1 {
		t.Fatalf("delete: %d %v", removed, err)
	}
	docs, err := h.docs.ListDocuments(ctx, "user-1", DefaultCollection)
	if err != nil || len(docs) != 0 {
		t.Fatalf("remote copy remains: %+v (%v)", docs, err)
	}
	if err := h.syncer.DeleteEntry(ctx, stored.Key()); err != nil {
		t.Fatalf("deleting a missing document should succeed, got %v", err)
	}
}

func TestReconcilePullsAndPushes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	remoteOnly := entry("remote", 100)
	newerRemote := entry("shared", 300)
	for _, e := range []vocab.Entry{remoteOnly, newerRemote} {
		doc, _ := encodeEntry(e)
		if _, err := h.docs.DocumentStore.PutDocument(ctx, "user-1", DefaultCollection, doc); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if _, err := h.bank.Capture(ctx, entry("local", 200)); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if _, err := h.bank.Capture(ctx, entry("shared", 100)); err != nil {
		t.Fatalf("capture: %v", err)
	}

	result, err := h.syncer.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.Stale || result.Pulled != 2 || result.Pushed != 1 || result.TotalWords != 3 {
		t.Fatalf("unexpected result %+v", result)
	}
	shared, ok := vocab.Find(h.bank.Entries(), newerRemote.Key())
	if !ok || shared.Timestamp != 300 {
		t.Fatalf("newer remote copy did not win: %+v", shared)
	}
	docs, _ := h.docs.ListDocuments(ctx, "user-1", DefaultCollection)
	if len(docs) != 3 {
		t.Fatalf("expected 3 remote documents, got %d", len(docs))
	}

	again, err := h.syncer.Reconcile(ctx)
	if err != nil || again.Pulled != 0 || again.Pushed != 0 {
		t.Fatalf("second pass should be a no-op, got %+v (%v)", again, err)
	}
}

func TestReconcileDegradesToStaleOnAuthFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	if _, err := h.bank.Capture(ctx, entry("local", 1)); err != nil {
		t.Fatalf("capture: %v", err)
	}
	h.creds.fail = true
	for i := 0; i < 5; i++ {
		h.docs.listErrs = append(h.docs.listErrs, syncerr.Auth("list", remote.CodeUnauthenticated, errors.New("expired")))
	}

	result, err := h.syncer.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile must not fail on remote errors: %v", err)
	}
	if !result.Stale || result.TotalWords != 1 {
		t.Fatalf("expected stale result with local data, got %+v", result)
	}
	if h.docs.lists > 3 {
		t.Fatalf("lenient contract made %d attempts", h.docs.lists)
	}
}

func TestReconcilePublishesSyncCompleted(t *testing.T) {
	ctx := context.Background()
	store := localstore.NewMemoryStore()
	hub := bus.NewHub(4)
	listener := hub.Join("panel")
	events, _ := listener.Subscribe(ctx)
	h := newHarness(t, bus.New(bus.Options{Origin: "background", Transport: hub.Join("background"), Store: store}))

	if _, err := h.syncer.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	select {
	case event := <-events:
		var result Result
		if err := event.Decode(&result); err != nil || event.Type != bus.EventSyncCompleted {
			t.Fatalf("unexpected event %+v (%v)", event, err)
		}
		if result.Stale || result.FinishedAt == 0 {
			t.Fatalf("unexpected payload %+v", result)
		}
	case <-time.After(time.Second):
		t.Fatalf("no sync.completed event")
	}
}

func TestSyncOverHTTPServer(t *testing.T) {
	const secret = "sync-secret"
	server := remote.NewServer(remote.NewStoreDocuments(localstore.NewMemoryStore()), remote.ServerConfig{JWTSecret: secret})
	ts := httptest.NewServer(server)
	defer ts.Close()

	token, err := remote.IssueToken(secret, "user-1", remote.TokenKindAccess, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	client := remote.NewHTTPClient(ts.URL, remote.StaticToken(token), nil)

	ctx := context.Background()
	newSide := func() (*Syncer, *wordbank.Bank) {
		bank, err := wordbank.New(wordbank.Options{Store: localstore.NewMemoryStore()})
		if err != nil {
			t.Fatalf("bank: %v", err)
		}
		syncer, err := New(Options{
			Documents: client,
			Executor:  retry.NewExecutor(nil, retry.ExecutorOptions{Policy: fastPolicy}),
			Bank:      bank,
			User:      "user-1",
		})
		if err != nil {
			t.Fatalf("syncer: %v", err)
		}
		return syncer, bank
	}

	laptop, _ := newSide()
	if _, err := laptop.Capture(ctx, entry("hello", 5)); err != nil {
		t.Fatalf("capture: %v", err)
	}
	phone, phoneBank := newSide()
	result, err := phone.Reconcile(ctx)
	if err != nil || result.Stale || result.Pulled != 1 {
		t.Fatalf("unexpected reconcile %+v (%v)", result, err)
	}
	got := phoneBank.Entries()
	if len(got) != 1 || got[0].Word != "hello" {
		t.Fatalf("phone did not receive entry: %+v", got)
	}
}
