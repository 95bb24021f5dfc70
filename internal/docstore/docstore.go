// Package docstore defines the document store contract the aggregate stores
// are written against: schemaless collections of JSON documents with partial
// updates and filtered live subscriptions. Snapshots pushed to subscribers
// are whole result-set replacements, never deltas, coalesced to the latest
// state. Two in-process backends implement the contract: Memory and SQLite.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Document is a stored record. Documents returned from Query or a snapshot
// carry their identity under the "id" key.
type Document map[string]any

// ErrNotFound is returned when an update targets a missing document.
var ErrNotFound = errors.New("document not found")

type serverTimestamp struct{}

type deleteField struct{}

// ServerTimestamp is a write sentinel resolved to the store's clock at write
// time.
var ServerTimestamp = serverTimestamp{}

// DeleteField is a write sentinel that removes the named field on merge.
var DeleteField = deleteField{}

// Filter is a single equality predicate. The zero Filter matches every
// document in the collection.
type Filter struct {
	Field string
	Value any
}

// Where builds an equality filter.
func Where(field string, value any) Filter {
	return Filter{Field: field, Value: value}
}

func (f Filter) matches(doc Document) bool {
	if f.Field == "" {
		return true
	}
	v, ok := doc[f.Field]
	return ok && v == f.Value
}

// SnapshotFunc receives the full matching document set after every change.
type SnapshotFunc func(docs []Document)

// ErrorFunc receives subscription read errors.
type ErrorFunc func(err error)

// Store is the document store contract.
//
// Put writes a full document under a caller-chosen id, replacing whatever
// was there; restore paths use it to keep cross-document references intact.
// BatchDelete removes all named documents as one atomic batch; deleting ids
// that no longer exist is not an error. Subscribe delivers an initial
// snapshot and then one per change to the collection; the returned cancel
// function is idempotent and guarantees no further callbacks once it returns.
type Store interface {
	Create(ctx context.Context, collection string, doc Document) (string, error)
	Put(ctx context.Context, collection, id string, doc Document) error
	Update(ctx context.Context, collection, id string, fields Document) error
	Delete(ctx context.Context, collection, id string) error
	BatchDelete(ctx context.Context, collection string, ids []string) error
	Query(ctx context.Context, collection string, filter Filter) ([]Document, error)
	Subscribe(ctx context.Context, collection string, filter Filter, onSnapshot SnapshotFunc, onError ErrorFunc) (func(), error)
}

// applyFields merges fields into doc, resolving the write sentinels.
func applyFields(doc, fields Document, now time.Time) {
	for k, v := range fields {
		switch v.(type) {
		case deleteField:
			delete(doc, k)
		case serverTimestamp:
			doc[k] = now.UTC()
		default:
			doc[k] = v
		}
	}
}

// normalize round-trips a document through JSON so every backend hands out
// the same value types (float64 numbers, RFC 3339 time strings).
func normalize(doc Document) (Document, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var out Document
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return out, nil
}
