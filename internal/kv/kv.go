// Package kv provides a small durable key-value document store with
// per-document version stamps. Writes are compare-and-swap: a Put with a
// stale version fails with ErrVersionConflict instead of silently clobbering
// a concurrent writer's update.
package kv

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when the key has no document.
	ErrNotFound = errors.New("kv: key not found")
	// ErrVersionConflict is returned by Put when the supplied version does
	// not match the stored one (or the document already exists for version 0).
	ErrVersionConflict = errors.New("kv: version conflict")
)

// Document is a stored value plus its current version stamp.
type Document struct {
	Value   []byte
	Version int64
}

// Store is the durable key-value collaborator. There are no multi-key
// transactional guarantees; each Put is atomic for its own key only.
type Store interface {
	// Get returns the document for key, or ErrNotFound.
	Get(ctx context.Context, key string) (Document, error)

	// Put writes value under key. version 0 means "create, must not exist";
	// any other value must equal the stored version. Returns the new version.
	Put(ctx context.Context, key string, value []byte, version int64) (int64, error)

	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
