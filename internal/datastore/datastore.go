// Package datastore defines the narrow contract the backup engine has on the
// application's document store: enumerate collections, stream documents with
// an optional modification watermark, and bulk insert/delete. The engine never
// sees the store's query language.
package datastore

import (
	"context"
	"encoding/json"
	"time"
)

// Document is one application record as the backup engine sees it. Body holds
// the raw JSON document; CreatedAt/UpdatedAt drive incremental windows.
type Document struct {
	ID        string          `json:"id"`
	Body      json.RawMessage `json:"body"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store is the data-store collaborator contract.
type Store interface {
	// ListCollections returns the names of every collection currently present,
	// sorted for deterministic archive layout.
	ListCollections(ctx context.Context) ([]string, error)

	// ReadAll returns every document in the collection whose creation or
	// modification time is at or after since. A zero since returns everything.
	ReadAll(ctx context.Context, collection string, since time.Time) ([]Document, error)

	// Insert bulk-inserts documents into the collection, replacing documents
	// with the same id.
	Insert(ctx context.Context, collection string, docs []Document) error

	// Clear removes every document in the collection.
	Clear(ctx context.Context, collection string) error

	// Count returns the number of documents in the collection.
	Count(ctx context.Context, collection string) (int, error)
}
