package domain

import (
	"context"
	"time"
)

// StorageDriver identifies a persistence backend.
type StorageDriver string

const (
	// StorageMemory keeps documents and history in process memory.
	StorageMemory StorageDriver = "memory"
	// StorageSQLite persists to an embedded SQLite database file.
	StorageSQLite StorageDriver = "sqlite"
	// StoragePostgres persists to PostgreSQL.
	StoragePostgres StorageDriver = "postgres"
)

// EntityStore is the document half of a backend. Every mutation is a single
// atomic statement; there is no multi-document transaction.
type EntityStore interface {
	// InsertDocument stores a brand new document. It fails with
	// ErrAlreadyExists when the id is taken, tombstones included.
	InsertDocument(ctx context.Context, doc Document) (Document, error)
	// CompareAndSwap replaces fields and bumps the version by one, but only
	// when the stored document is live and still at expected. swapped is
	// false when no row matched.
	CompareAndSwap(ctx context.Context, id string, expected int64, fields map[string]any, at time.Time) (doc Document, swapped bool, err error)
	// CompareAndDelete tombstones a live document still at expected without
	// touching its version.
	CompareAndDelete(ctx context.Context, id string, expected int64, at time.Time) (doc Document, deleted bool, err error)
	// GetDocument returns the stored document, tombstones included, or
	// ErrNotFound.
	GetDocument(ctx context.Context, id string) (Document, error)
}

// HistoryStore is the append-only ledger half of a backend.
type HistoryStore interface {
	// AppendHistory stores a record. The stored date is clamped so it never
	// precedes the latest date already recorded for the same origin.
	AppendHistory(ctx context.Context, entry HistoryEntry) (HistoryRecord, error)
	// ListHistory returns a page of an origin's records ordered by date then
	// insertion order, together with the origin's total record count.
	ListHistory(ctx context.Context, originID string, page Page) ([]HistoryRecord, int, error)
	// GetHistory fetches a single record or returns ErrNotFound.
	GetHistory(ctx context.Context, recordID string) (HistoryRecord, error)
}

// AtomicLedgerStore is implemented by backends that commit a document write
// and its ledger record as one unit. The entry is bound to the committed
// document (see HistoryEntry.Bind) and appended under the same clamp rules as
// AppendHistory. If either half fails nothing is stored. The matched flag
// means the same as for CompareAndSwap and CompareAndDelete.
type AtomicLedgerStore interface {
	InsertDocumentWithHistory(ctx context.Context, doc Document, entry HistoryEntry) (Document, HistoryRecord, error)
	CompareAndSwapWithHistory(ctx context.Context, id string, expected int64, fields map[string]any, at time.Time, entry HistoryEntry) (doc Document, rec HistoryRecord, swapped bool, err error)
	CompareAndDeleteWithHistory(ctx context.Context, id string, expected int64, at time.Time, entry HistoryEntry) (doc Document, rec HistoryRecord, deleted bool, err error)
}

// PersistentStore combines both halves with lifecycle management.
type PersistentStore interface {
	EntityStore
	HistoryStore
	Driver() StorageDriver
	Close() error
}
