package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is the durable Store backed by a single sqlite file.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// Serialize writers; sqlite handles one writer at a time anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) (Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx,
		`SELECT value, version FROM documents WHERE key = ?`, key,
	).Scan(&doc.Value, &doc.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (s *SQLite) Put(ctx context.Context, key string, value []byte, version int64) (int64, error) {
	if version == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO documents (key, value, version) VALUES (?, ?, 1)`,
			key, value,
		)
		if err != nil {
			// A duplicate key means someone created it first.
			if _, getErr := s.Get(ctx, key); getErr == nil {
				return 0, ErrVersionConflict
			}
			return 0, err
		}
		return 1, nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE documents
		 SET value = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		 WHERE key = ? AND version = ?`,
		value, key, version,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrVersionConflict
	}
	return version + 1, nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE key = ?`, key)
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
