package remote

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shavsss/wordstream/internal/localstore"
	"github.com/shavsss/wordstream/internal/syncerr"
)

var ErrDocumentNotFound = errors.New("document not found")

// StoreDocuments is a DocumentStore kept in a local key/value store. It backs
// the development server and stands in for the remote in tests.
type StoreDocuments struct {
	store localstore.Store
	now   func() time.Time

	// mu serializes index updates; one process owns a StoreDocuments.
	mu sync.Mutex
}

func NewStoreDocuments(store localstore.Store) *StoreDocuments {
	return &StoreDocuments{store: store, now: time.Now}
}

func documentKey(user, collection, id string) string {
	return "doc/" + user + "/" + collection + "/" + id
}

func indexKey(user, collection string) string {
	return "doc_index/" + user + "/" + collection
}

func (d *StoreDocuments) ListDocuments(ctx context.Context, user, collection string) ([]Document, error) {
	d.mu.Lock()
	ids, err := d.readIndex(ctx, user, collection)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	docs := []Document{}
	if len(ids) == 0 {
		return docs, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = documentKey(user, collection, id)
	}
	rec, err := d.store.Get(ctx, keys...)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		raw, ok := rec[key]
		if !ok {
			continue
		}
		var doc Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, syncerr.Store("decode "+key, syncerr.CodeCorrupt, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (d *StoreDocuments) GetDocument(ctx context.Context, user, collection, id string) (Document, error) {
	var doc Document
	found, err := localstore.GetJSON(ctx, d.store, documentKey(user, collection, id), &doc)
	if err != nil {
		return Document{}, err
	}
	if !found {
		return Document{}, syncerr.Fatal("get", CodeNotFound, ErrDocumentNotFound)
	}
	return doc, nil
}

func (d *StoreDocuments) PutDocument(ctx context.Context, user, collection string, doc Document) (Document, error) {
	if strings.TrimSpace(doc.ID) == "" {
		return Document{}, syncerr.Fatal("put", CodeInvalidArgument, errors.New("document id is required"))
	}
	if len(doc.Data) == 0 || !json.Valid(doc.Data) {
		return Document{}, syncerr.Fatal("put", CodeInvalidArgument, errors.New("document data must be JSON"))
	}
	doc.UpdateTime = d.now().UnixMilli()
	raw, err := json.Marshal(doc)
	if err != nil {
		return Document{}, syncerr.Fatal("put", CodeInvalidArgument, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	ids, err := d.readIndex(ctx, user, collection)
	if err != nil {
		return Document{}, err
	}
	rec := localstore.Record{documentKey(user, collection, doc.ID): raw}
	if !containsString(ids, doc.ID) {
		rawIDs, err := json.Marshal(append(ids, doc.ID))
		if err != nil {
			return Document{}, syncerr.Fatal("put", CodeInternal, err)
		}
		rec[indexKey(user, collection)] = rawIDs
	}
	if err := d.store.Set(ctx, rec); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// DeleteDocument is idempotent: deleting a missing document succeeds.
func (d *StoreDocuments) DeleteDocument(ctx context.Context, user, collection, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids, err := d.readIndex(ctx, user, collection)
	if err != nil {
		return err
	}
	kept := make([]string, 0, len(ids))
	for _, existing := range ids {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	if len(kept) != len(ids) {
		if err := localstore.SetJSON(ctx, d.store, indexKey(user, collection), kept); err != nil {
			return err
		}
	}
	return d.store.Remove(ctx, documentKey(user, collection, id))
}

func (d *StoreDocuments) readIndex(ctx context.Context, user, collection string) ([]string, error) {
	var ids []string
	if _, err := localstore.GetJSON(ctx, d.store, indexKey(user, collection), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
