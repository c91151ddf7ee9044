// Package sqlite implements the document and history stores on an embedded
// SQLite database using the pure Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"docledger/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

var (
	_ domain.PersistentStore   = (*Store)(nil)
	_ domain.AtomicLedgerStore = (*Store)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	fields     BLOB NOT NULL,
	deleted    INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS history (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	id        TEXT NOT NULL UNIQUE,
	origin_id TEXT NOT NULL,
	action    TEXT NOT NULL,
	version   INTEGER NOT NULL,
	content   BLOB,
	author    TEXT,
	date      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS history_origin_date ON history (origin_id, date, seq);
`

// Store is a SQLite-backed domain.PersistentStore. Every mutating method is a
// single conditional statement so the database provides the atomicity; the
// *WithHistory variants run the statement and the ledger insert in one
// transaction.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// NewStore opens (or creates) the database at path and ensures the schema.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		path = "docledger.db"
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	logger.Debug("sqlite store opened", slog.String("path", path))
	return &Store{db: db, path: path, logger: logger.With(slog.String("component", "sqlite_store"))}, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// DB exposes the underlying handle for diagnostics and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Driver identifies the backend.
func (s *Store) Driver() domain.StorageDriver { return domain.StorageSQLite }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// InsertDocument stores a new document.
func (s *Store) InsertDocument(ctx context.Context, doc domain.Document) (domain.Document, error) {
	return insertDocument(ctx, s.db, doc)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertDocument(ctx context.Context, q querier, doc domain.Document) (domain.Document, error) {
	fields, err := encodeFields(doc.Fields)
	if err != nil {
		return domain.Document{}, err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO documents (id, version, fields, deleted, created_at, updated_at) VALUES (?, ?, ?, 0, ?, ?)`,
		doc.ID, doc.Version, fields, doc.CreatedAt.UnixNano(), doc.UpdatedAt.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Document{}, fmt.Errorf("document %s: %w", doc.ID, domain.ErrAlreadyExists)
		}
		return domain.Document{}, domain.NewStoreError(domain.StorageSQLite, "insert document", err)
	}
	out := doc.Clone()
	out.Deleted = false
	out.CreatedAt = fromNanos(doc.CreatedAt.UnixNano())
	out.UpdatedAt = fromNanos(doc.UpdatedAt.UnixNano())
	return out, nil
}

// CompareAndSwap replaces the fields of a live document still at expected.
func (s *Store) CompareAndSwap(ctx context.Context, id string, expected int64, fields map[string]any, at time.Time) (domain.Document, bool, error) {
	return compareAndSwap(ctx, s.db, id, expected, fields, at)
}

func compareAndSwap(ctx context.Context, q querier, id string, expected int64, fields map[string]any, at time.Time) (domain.Document, bool, error) {
	raw, err := encodeFields(fields)
	if err != nil {
		return domain.Document{}, false, err
	}
	row := q.QueryRowContext(ctx,
		`UPDATE documents SET fields = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ? AND deleted = 0
		 RETURNING id, version, fields, deleted, created_at, updated_at`,
		raw, at.UnixNano(), id, expected)
	return scanConditional(row, "compare and swap")
}

// CompareAndDelete tombstones a live document still at expected.
func (s *Store) CompareAndDelete(ctx context.Context, id string, expected int64, at time.Time) (domain.Document, bool, error) {
	return compareAndDelete(ctx, s.db, id, expected, at)
}

func compareAndDelete(ctx context.Context, q querier, id string, expected int64, at time.Time) (domain.Document, bool, error) {
	row := q.QueryRowContext(ctx,
		`UPDATE documents SET deleted = 1, updated_at = ?
		 WHERE id = ? AND version = ? AND deleted = 0
		 RETURNING id, version, fields, deleted, created_at, updated_at`,
		at.UnixNano(), id, expected)
	return scanConditional(row, "compare and delete")
}

// InsertDocumentWithHistory stores a new document and its CREATE record in
// one transaction.
func (s *Store) InsertDocumentWithHistory(ctx context.Context, doc domain.Document, entry domain.HistoryEntry) (domain.Document, domain.HistoryRecord, error) {
	var (
		created domain.Document
		rec     domain.HistoryRecord
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if created, err = insertDocument(ctx, tx, doc); err != nil {
			return err
		}
		rec, err = appendBound(ctx, tx, entry, created)
		return err
	})
	if err != nil {
		return domain.Document{}, domain.HistoryRecord{}, err
	}
	return created, rec, nil
}

// CompareAndSwapWithHistory runs CompareAndSwap and the matching ledger
// insert in one transaction.
func (s *Store) CompareAndSwapWithHistory(ctx context.Context, id string, expected int64, fields map[string]any, at time.Time, entry domain.HistoryEntry) (domain.Document, domain.HistoryRecord, bool, error) {
	return s.conditionalWithHistory(ctx, entry, func(tx *sql.Tx) (domain.Document, bool, error) {
		return compareAndSwap(ctx, tx, id, expected, fields, at)
	})
}

// CompareAndDeleteWithHistory runs CompareAndDelete and the DELETE ledger
// insert in one transaction.
func (s *Store) CompareAndDeleteWithHistory(ctx context.Context, id string, expected int64, at time.Time, entry domain.HistoryEntry) (domain.Document, domain.HistoryRecord, bool, error) {
	return s.conditionalWithHistory(ctx, entry, func(tx *sql.Tx) (domain.Document, bool, error) {
		return compareAndDelete(ctx, tx, id, expected, at)
	})
}

func (s *Store) conditionalWithHistory(ctx context.Context, entry domain.HistoryEntry, write func(*sql.Tx) (domain.Document, bool, error)) (domain.Document, domain.HistoryRecord, bool, error) {
	var (
		doc     domain.Document
		rec     domain.HistoryRecord
		matched bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		doc, matched, err = write(tx)
		if err != nil || !matched {
			return err
		}
		rec, err = appendBound(ctx, tx, entry, doc)
		return err
	})
	if err != nil {
		return domain.Document{}, domain.HistoryRecord{}, false, err
	}
	if !matched {
		return domain.Document{}, domain.HistoryRecord{}, false, nil
	}
	return doc, rec, true, nil
}

func appendBound(ctx context.Context, q querier, entry domain.HistoryEntry, doc domain.Document) (domain.HistoryRecord, error) {
	bound, err := entry.Bind(doc)
	if err != nil {
		return domain.HistoryRecord{}, fmt.Errorf("snapshot %s: %w", doc.ID, err)
	}
	return appendHistory(ctx, q, bound)
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewStoreError(domain.StorageSQLite, "begin transaction", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", slog.Any("error", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.NewStoreError(domain.StorageSQLite, "commit transaction", err)
	}
	return nil
}

func scanConditional(row *sql.Row, op string) (domain.Document, bool, error) {
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Document{}, false, nil
	}
	if err != nil {
		return domain.Document{}, false, domain.NewStoreError(domain.StorageSQLite, op, err)
	}
	return doc, true, nil
}

// GetDocument returns the stored document including tombstones.
func (s *Store) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, version, fields, deleted, created_at, updated_at FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Document{}, fmt.Errorf("document %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Document{}, domain.NewStoreError(domain.StorageSQLite, "get document", err)
	}
	return doc, nil
}

// AppendHistory inserts a ledger record. The clamp against the origin's
// latest date happens inside the INSERT so concurrent appends stay ordered.
func (s *Store) AppendHistory(ctx context.Context, entry domain.HistoryEntry) (domain.HistoryRecord, error) {
	return appendHistory(ctx, s.db, entry)
}

func appendHistory(ctx context.Context, q querier, entry domain.HistoryEntry) (domain.HistoryRecord, error) {
	var author sql.NullString
	if entry.Author != nil {
		author = sql.NullString{String: *entry.Author, Valid: true}
	}
	row := q.QueryRowContext(ctx,
		`INSERT INTO history (id, origin_id, action, version, content, author, date)
		 VALUES (?, ?, ?, ?, ?, ?, MAX(?, COALESCE((SELECT MAX(date) FROM history WHERE origin_id = ?), 0)))
		 RETURNING seq, id, origin_id, action, version, content, author, date`,
		entry.ID, entry.OriginID, string(entry.Action), entry.Version, []byte(entry.Content.Raw()), author,
		entry.Date.UnixNano(), entry.OriginID)
	rec, err := scanHistory(row)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.HistoryRecord{}, fmt.Errorf("history record %s: %w", entry.ID, domain.ErrAlreadyExists)
		}
		return domain.HistoryRecord{}, domain.NewStoreError(domain.StorageSQLite, "append history", err)
	}
	return rec, nil
}

// ListHistory returns one page of an origin's ledger.
func (s *Store) ListHistory(ctx context.Context, originID string, page domain.Page) ([]domain.HistoryRecord, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history WHERE origin_id = ?`, originID).Scan(&total); err != nil {
		return nil, 0, domain.NewStoreError(domain.StorageSQLite, "count history", err)
	}
	query := `SELECT seq, id, origin_id, action, version, content, author, date FROM history
		WHERE origin_id = ? ORDER BY date ASC, seq ASC`
	args := []any{originID}
	if page.Size > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, page.Size, page.Offset())
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, domain.NewStoreError(domain.StorageSQLite, "list history", err)
	}
	defer func() { _ = rows.Close() }()
	out := make([]domain.HistoryRecord, 0)
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, 0, domain.NewStoreError(domain.StorageSQLite, "scan history", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, domain.NewStoreError(domain.StorageSQLite, "list history", err)
	}
	return out, total, nil
}

// GetHistory fetches a ledger record by id.
func (s *Store) GetHistory(ctx context.Context, recordID string) (domain.HistoryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, id, origin_id, action, version, content, author, date FROM history WHERE id = ?`, recordID)
	rec, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.HistoryRecord{}, fmt.Errorf("history record %s: %w", recordID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.HistoryRecord{}, domain.NewStoreError(domain.StorageSQLite, "get history", err)
	}
	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (domain.Document, error) {
	var (
		doc              domain.Document
		raw              []byte
		deleted          int
		created, updated int64
	)
	if err := row.Scan(&doc.ID, &doc.Version, &raw, &deleted, &created, &updated); err != nil {
		return domain.Document{}, err
	}
	fields, err := domain.DecodeFields(raw)
	if err != nil {
		return domain.Document{}, fmt.Errorf("decode fields of %s: %w", doc.ID, err)
	}
	doc.Fields = fields
	doc.Deleted = deleted != 0
	doc.CreatedAt = fromNanos(created)
	doc.UpdatedAt = fromNanos(updated)
	return doc, nil
}

func scanHistory(row scanner) (domain.HistoryRecord, error) {
	var (
		rec     domain.HistoryRecord
		action  string
		content []byte
		author  sql.NullString
		date    int64
	)
	if err := row.Scan(&rec.Seq, &rec.ID, &rec.OriginID, &action, &rec.Version, &content, &author, &date); err != nil {
		return domain.HistoryRecord{}, err
	}
	a, err := domain.ParseAction(action)
	if err != nil {
		return domain.HistoryRecord{}, err
	}
	rec.Action = a
	rec.Content = domain.NewSnapshot(content)
	if author.Valid {
		v := author.String
		rec.Author = &v
	}
	rec.Date = fromNanos(date)
	return rec, nil
}

func encodeFields(fields map[string]any) ([]byte, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	return raw, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
