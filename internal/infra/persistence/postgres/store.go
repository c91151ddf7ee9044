// Package postgres provides a PostgreSQL-backed document and history store.
// The schema is managed with embedded golang-migrate migrations and runtime
// access goes through a pgx connection pool.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"docledger/pkg/domain"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver for migrations
)

var (
	_ domain.PersistentStore   = (*Store)(nil)
	_ domain.AtomicLedgerStore = (*Store)(nil)
)

const defaultDSN = "postgres://localhost/docledger?sslmode=disable"

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PoolConfig tunes the connection pool. Zero values keep the pgx defaults.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Store is a PostgreSQL domain.PersistentStore.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore migrates the database at dsn (falls back to a local default) and
// opens a connection pool.
func NewStore(ctx context.Context, dsn string, poolCfg PoolConfig, logger *slog.Logger) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "postgres_store"))
	if err := Migrate(dsn, logger); err != nil {
		return nil, err
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if poolCfg.MaxConns > 0 {
		cfg.MaxConns = poolCfg.MaxConns
	}
	if poolCfg.MinConns > 0 {
		cfg.MinConns = poolCfg.MinConns
	}
	if poolCfg.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = poolCfg.MaxConnLifetime
	}
	if poolCfg.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = poolCfg.MaxConnIdleTime
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Migrate applies every pending embedded migration.
func Migrate(dsn string, logger *slog.Logger) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open postgres for migrations: %w", err)
	}
	defer func() { _ = db.Close() }()
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if version, dirty, err := m.Version(); err == nil && logger != nil {
		logger.Info("postgres schema ready", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	}
	return nil
}

// Pool exposes the pgx pool for diagnostics and tests.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Driver identifies the backend.
func (s *Store) Driver() domain.StorageDriver { return domain.StoragePostgres }

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const documentColumns = `id, version, fields, deleted, created_at, updated_at`

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, query string, args ...any) pgx.Row
}

// InsertDocument stores a new document.
func (s *Store) InsertDocument(ctx context.Context, doc domain.Document) (domain.Document, error) {
	return insertDocument(ctx, s.pool, doc)
}

func insertDocument(ctx context.Context, q querier, doc domain.Document) (domain.Document, error) {
	raw, err := encodeFields(doc.Fields)
	if err != nil {
		return domain.Document{}, err
	}
	row := q.QueryRow(ctx,
		`INSERT INTO documents (id, version, fields, deleted, created_at, updated_at)
		 VALUES ($1, $2, $3, FALSE, $4, $5) RETURNING `+documentColumns,
		doc.ID, doc.Version, raw, doc.CreatedAt, doc.UpdatedAt)
	out, err := scanDocument(row)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Document{}, fmt.Errorf("document %s: %w", doc.ID, domain.ErrAlreadyExists)
		}
		return domain.Document{}, domain.NewStoreError(domain.StoragePostgres, "insert document", err)
	}
	return out, nil
}

// CompareAndSwap replaces the fields of a live document still at expected.
func (s *Store) CompareAndSwap(ctx context.Context, id string, expected int64, fields map[string]any, at time.Time) (domain.Document, bool, error) {
	return compareAndSwap(ctx, s.pool, id, expected, fields, at)
}

func compareAndSwap(ctx context.Context, q querier, id string, expected int64, fields map[string]any, at time.Time) (domain.Document, bool, error) {
	raw, err := encodeFields(fields)
	if err != nil {
		return domain.Document{}, false, err
	}
	row := q.QueryRow(ctx,
		`UPDATE documents SET fields = $1, version = version + 1, updated_at = $2
		 WHERE id = $3 AND version = $4 AND NOT deleted
		 RETURNING `+documentColumns,
		raw, at, id, expected)
	return conditional(row, "compare and swap")
}

// CompareAndDelete tombstones a live document still at expected.
func (s *Store) CompareAndDelete(ctx context.Context, id string, expected int64, at time.Time) (domain.Document, bool, error) {
	return compareAndDelete(ctx, s.pool, id, expected, at)
}

func compareAndDelete(ctx context.Context, q querier, id string, expected int64, at time.Time) (domain.Document, bool, error) {
	row := q.QueryRow(ctx,
		`UPDATE documents SET deleted = TRUE, updated_at = $1
		 WHERE id = $2 AND version = $3 AND NOT deleted
		 RETURNING `+documentColumns,
		at, id, expected)
	return conditional(row, "compare and delete")
}

func conditional(row pgx.Row, op string) (domain.Document, bool, error) {
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Document{}, false, nil
	}
	if err != nil {
		return domain.Document{}, false, domain.NewStoreError(domain.StoragePostgres, op, err)
	}
	return doc, true, nil
}

// InsertDocumentWithHistory stores a new document and its CREATE record in
// one transaction.
func (s *Store) InsertDocumentWithHistory(ctx context.Context, doc domain.Document, entry domain.HistoryEntry) (domain.Document, domain.HistoryRecord, error) {
	var (
		created domain.Document
		rec     domain.HistoryRecord
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := lockOrigin(ctx, tx, doc.ID); err != nil {
			return err
		}
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
	return s.conditionalWithHistory(ctx, id, entry, func(tx pgx.Tx) (domain.Document, bool, error) {
		return compareAndSwap(ctx, tx, id, expected, fields, at)
	})
}

// CompareAndDeleteWithHistory runs CompareAndDelete and the DELETE ledger
// insert in one transaction.
func (s *Store) CompareAndDeleteWithHistory(ctx context.Context, id string, expected int64, at time.Time, entry domain.HistoryEntry) (domain.Document, domain.HistoryRecord, bool, error) {
	return s.conditionalWithHistory(ctx, id, entry, func(tx pgx.Tx) (domain.Document, bool, error) {
		return compareAndDelete(ctx, tx, id, expected, at)
	})
}

// conditionalWithHistory takes the origin lock before the row update so every
// writer of one document acquires locks in the same order.
func (s *Store) conditionalWithHistory(ctx context.Context, id string, entry domain.HistoryEntry, write func(pgx.Tx) (domain.Document, bool, error)) (domain.Document, domain.HistoryRecord, bool, error) {
	var (
		doc     domain.Document
		rec     domain.HistoryRecord
		matched bool
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := lockOrigin(ctx, tx, id); err != nil {
			return err
		}
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

func appendBound(ctx context.Context, tx pgx.Tx, entry domain.HistoryEntry, doc domain.Document) (domain.HistoryRecord, error) {
	bound, err := entry.Bind(doc)
	if err != nil {
		return domain.HistoryRecord{}, fmt.Errorf("snapshot %s: %w", doc.ID, err)
	}
	return appendHistory(ctx, tx, bound)
}

// GetDocument returns the stored document including tombstones.
func (s *Store) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Document{}, fmt.Errorf("document %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Document{}, domain.NewStoreError(domain.StoragePostgres, "get document", err)
	}
	return doc, nil
}

const historyColumns = `seq, id, origin_id, action, version, content, author, date`

// AppendHistory inserts a ledger record. An advisory lock keyed on the origin
// serializes appends for one document so the date clamp and sequence agree.
func (s *Store) AppendHistory(ctx context.Context, entry domain.HistoryEntry) (domain.HistoryRecord, error) {
	var rec domain.HistoryRecord
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := lockOrigin(ctx, tx, entry.OriginID); err != nil {
			return err
		}
		var err error
		rec, err = appendHistory(ctx, tx, entry)
		return err
	})
	if err != nil {
		return domain.HistoryRecord{}, err
	}
	return rec, nil
}

func lockOrigin(ctx context.Context, tx pgx.Tx, originID string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, originID); err != nil {
		return domain.NewStoreError(domain.StoragePostgres, "lock origin", err)
	}
	return nil
}

// appendHistory must run inside a transaction holding the origin lock.
func appendHistory(ctx context.Context, tx pgx.Tx, entry domain.HistoryEntry) (domain.HistoryRecord, error) {
	row := tx.QueryRow(ctx,
		`INSERT INTO history (id, origin_id, action, version, content, author, date)
		 VALUES ($1, $2, $3, $4, $5, $6,
		         GREATEST($7::timestamptz, COALESCE((SELECT MAX(date) FROM history WHERE origin_id = $2), $7::timestamptz)))
		 RETURNING `+historyColumns,
		entry.ID, entry.OriginID, string(entry.Action), entry.Version, []byte(entry.Content.Raw()), entry.Author, entry.Date)
	rec, err := scanHistory(row)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.HistoryRecord{}, fmt.Errorf("history record %s: %w", entry.ID, domain.ErrAlreadyExists)
		}
		return domain.HistoryRecord{}, domain.NewStoreError(domain.StoragePostgres, "append history", err)
	}
	return rec, nil
}

// ListHistory returns one page of an origin's ledger.
func (s *Store) ListHistory(ctx context.Context, originID string, page domain.Page) ([]domain.HistoryRecord, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM history WHERE origin_id = $1`, originID).Scan(&total); err != nil {
		return nil, 0, domain.NewStoreError(domain.StoragePostgres, "count history", err)
	}
	query := `SELECT ` + historyColumns + ` FROM history WHERE origin_id = $1 ORDER BY date ASC, seq ASC`
	args := []any{originID}
	if page.Size > 0 {
		query += ` LIMIT $2 OFFSET $3`
		args = append(args, page.Size, page.Offset())
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, domain.NewStoreError(domain.StoragePostgres, "list history", err)
	}
	defer rows.Close()
	out := make([]domain.HistoryRecord, 0)
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, 0, domain.NewStoreError(domain.StoragePostgres, "scan history", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, domain.NewStoreError(domain.StoragePostgres, "list history", err)
	}
	return out, total, nil
}

// GetHistory fetches a ledger record by id.
func (s *Store) GetHistory(ctx context.Context, recordID string) (domain.HistoryRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+historyColumns+` FROM history WHERE id = $1`, recordID)
	rec, err := scanHistory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.HistoryRecord{}, fmt.Errorf("history record %s: %w", recordID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.HistoryRecord{}, domain.NewStoreError(domain.StoragePostgres, "get history", err)
	}
	return rec, nil
}

func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			s.logger.Warn("rollback failed", slog.Any("error", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func scanDocument(row pgx.Row) (domain.Document, error) {
	var (
		doc domain.Document
		raw []byte
	)
	if err := row.Scan(&doc.ID, &doc.Version, &raw, &doc.Deleted, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return domain.Document{}, err
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return domain.Document{}, fmt.Errorf("decode fields of %s: %w", doc.ID, err)
	}
	doc.Fields = fields
	doc.CreatedAt = doc.CreatedAt.UTC()
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return doc, nil
}

func scanHistory(row pgx.Row) (domain.HistoryRecord, error) {
	var (
		rec     domain.HistoryRecord
		action  string
		content []byte
	)
	if err := row.Scan(&rec.Seq, &rec.ID, &rec.OriginID, &action, &rec.Version, &content, &rec.Author, &rec.Date); err != nil {
		return domain.HistoryRecord{}, err
	}
	a, err := domain.ParseAction(action)
	if err != nil {
		return domain.HistoryRecord{}, err
	}
	rec.Action = a
	rec.Content = domain.NewSnapshot(content)
	rec.Date = rec.Date.UTC()
	return rec, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
