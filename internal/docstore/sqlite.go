package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLite is a Store backend persisting documents as JSON rows in the
// documents table (see internal/database migrations). Change notification is
// in-process; every writer is expected to go through the same SQLite value.
type SQLite struct {
	db *sql.DB
	bc *broadcaster
}

// NewSQLite wraps an open database handle.
func NewSQLite(db *sql.DB) *SQLite {
	s := &SQLite{db: db}
	s.bc = newBroadcaster(s.queryAll)
	return s
}

func (s *SQLite) Create(ctx context.Context, collection string, doc Document) (string, error) {
	stored := Document{}
	applyFields(stored, doc, time.Now())
	data, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data) VALUES (?, ?, ?)`,
		collection, id, string(data),
	)
	if err != nil {
		return "", fmt.Errorf("insert document: %w", err)
	}

	s.bc.notify(collection)
	return id, nil
}

func (s *SQLite) Put(ctx context.Context, collection, id string, doc Document) error {
	stored := Document{}
	applyFields(stored, doc, time.Now())
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data) VALUES (?, ?, ?)
		 ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP`,
		collection, id, string(data),
	)
	if err != nil {
		return fmt.Errorf("put document: %w", err)
	}

	s.bc.notify(collection)
	return nil
}

func (s *SQLite) Update(ctx context.Context, collection, id string, fields Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	var data string
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return fmt.Errorf("update %s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}

	var doc Document
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	applyFields(doc, fields, time.Now())

	merged, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE documents SET data = ?, updated_at = CURRENT_TIMESTAMP WHERE collection = ? AND id = ?`,
		string(merged), collection, id,
	)
	if err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}

	s.bc.notify(collection)
	return nil
}

func (s *SQLite) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}

	s.bc.notify(collection)
	return nil
}

func (s *SQLite) BatchDelete(ctx context.Context, collection string, ids []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch delete: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM documents WHERE collection = ? AND id = ?`,
			collection, id,
		); err != nil {
			return fmt.Errorf("batch delete %s/%s: %w", collection, id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch delete: %w", err)
	}

	s.bc.notify(collection)
	return nil
}

func (s *SQLite) Query(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	return s.queryAll(collection, filter)
}

func (s *SQLite) Subscribe(ctx context.Context, collection string, filter Filter, onSnapshot SnapshotFunc, onError ErrorFunc) (func(), error) {
	return s.bc.subscribe(ctx, collection, filter, onSnapshot, onError), nil
}

func (s *SQLite) queryAll(collection string, filter Filter) ([]Document, error) {
	rows, err := s.db.Query(
		`SELECT id, data FROM documents WHERE collection = ?`,
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		var doc Document
		if err := json.Unmarshal([]byte(data), &doc); err != nil {
			return nil, fmt.Errorf("decode document %s/%s: %w", collection, id, err)
		}
		if !filter.matches(doc) {
			continue
		}
		doc["id"] = id
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}
