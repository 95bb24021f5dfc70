package docstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store backend. It backs tests and ephemeral dev
// runs; data does not survive the process.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]Document
	bc          *broadcaster
	now         func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	m := &Memory{
		collections: make(map[string]map[string]Document),
		now:         time.Now,
	}
	m.bc = newBroadcaster(m.queryLocked)
	return m
}

func (m *Memory) Create(ctx context.Context, collection string, doc Document) (string, error) {
	stored := Document{}
	applyFields(stored, doc, m.now())
	stored, err := normalize(stored)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()

	m.mu.Lock()
	coll := m.collections[collection]
	if coll == nil {
		coll = make(map[string]Document)
		m.collections[collection] = coll
	}
	coll[id] = stored
	m.mu.Unlock()

	m.bc.notify(collection)
	return id, nil
}

func (m *Memory) Put(ctx context.Context, collection, id string, doc Document) error {
	stored := Document{}
	applyFields(stored, doc, m.now())
	stored, err := normalize(stored)
	if err != nil {
		return err
	}

	m.mu.Lock()
	coll := m.collections[collection]
	if coll == nil {
		coll = make(map[string]Document)
		m.collections[collection] = coll
	}
	coll[id] = stored
	m.mu.Unlock()

	m.bc.notify(collection)
	return nil
}

func (m *Memory) Update(ctx context.Context, collection, id string, fields Document) error {
	m.mu.Lock()
	existing, ok := m.collections[collection][id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("update %s/%s: %w", collection, id, ErrNotFound)
	}
	merged := cloneDoc(existing)
	applyFields(merged, fields, m.now())
	merged, err := normalize(merged)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.collections[collection][id] = merged
	m.mu.Unlock()

	m.bc.notify(collection)
	return nil
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	delete(m.collections[collection], id)
	m.mu.Unlock()

	m.bc.notify(collection)
	return nil
}

func (m *Memory) BatchDelete(ctx context.Context, collection string, ids []string) error {
	m.mu.Lock()
	for _, id := range ids {
		delete(m.collections[collection], id)
	}
	m.mu.Unlock()

	m.bc.notify(collection)
	return nil
}

func (m *Memory) Query(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	return m.queryLocked(collection, filter)
}

func (m *Memory) Subscribe(ctx context.Context, collection string, filter Filter, onSnapshot SnapshotFunc, onError ErrorFunc) (func(), error) {
	return m.bc.subscribe(ctx, collection, filter, onSnapshot, onError), nil
}

func (m *Memory) queryLocked(collection string, filter Filter) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var docs []Document
	for id, doc := range m.collections[collection] {
		if !filter.matches(doc) {
			continue
		}
		out := cloneDoc(doc)
		out["id"] = id
		docs = append(docs, out)
	}
	return docs, nil
}

func cloneDoc(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
