package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docledger/internal/auth"
	"docledger/pkg/domain"
)

// Operation labels reported to the metrics recorder.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
	OpGet    = "get"
)

type serviceOptions struct {
	logger  Logger
	metrics MetricsRecorder
	clock   Clock
	ids     IDGenerator
}

// Option configures a Service.
type Option func(*serviceOptions)

// WithLogger routes engine logs to logger.
func WithLogger(logger Logger) Option {
	return func(o *serviceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics installs a metrics recorder.
func WithMetrics(metrics MetricsRecorder) Option {
	return func(o *serviceOptions) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(clock Clock) Option {
	return func(o *serviceOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithIDGenerator overrides how document and history ids are minted.
func WithIDGenerator(ids IDGenerator) Option {
	return func(o *serviceOptions) {
		if ids != nil {
			o.ids = ids
		}
	}
}

// Service composes the version counter, concurrency guard and history
// ledger into the versioned entity operations. It holds no locks: the
// store's compare-and-swap is the only point of serialization. Stores that
// implement domain.AtomicLedgerStore commit each write with its ledger
// record; for any other store the record is a second write that may fail on
// its own.
type Service struct {
	store   domain.PersistentStore
	counter *VersionCounter
	guard   *ConcurrencyGuard
	ledger  *HistoryLedger
	logger  Logger
	metrics MetricsRecorder
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore, opts ...Option) *Service {
	o := serviceOptions{
		logger:  noopLogger{},
		metrics: noopMetrics{},
		clock:   ClockFunc(nil),
		ids:     defaultIDGenerator,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Service{
		store:   store,
		counter: NewVersionCounter(store, o.clock, o.ids),
		guard:   NewConcurrencyGuard(store),
		ledger:  NewHistoryLedger(store, o.clock, o.ids),
		logger:  o.logger,
		metrics: o.metrics,
	}
}

// Store returns the underlying persistence backend.
func (s *Service) Store() domain.PersistentStore { return s.store }

// History exposes the ledger for read access.
func (s *Service) History() *HistoryLedger { return s.ledger }

// Guard exposes the concurrency guard for edge adapters.
func (s *Service) Guard() *ConcurrencyGuard { return s.guard }

type writeOptions struct {
	expected *int64
	ifMatch  *string
}

// WriteOption tunes a single Save or Delete call.
type WriteOption func(*writeOptions)

// WithExpectedVersion makes the write conditional on v instead of the
// version carried by the document value.
func WithExpectedVersion(v int64) WriteOption {
	return func(o *writeOptions) { o.expected = &v }
}

// WithIfMatch checks a caller supplied version token against the stored
// version before writing. An empty token fails the precondition.
func WithIfMatch(token string) WriteOption {
	return func(o *writeOptions) { o.ifMatch = &token }
}

// Save persists doc and returns the stored result. A document that has never
// been saved is created at version 1; an active one is written conditionally
// and comes back one version higher. doc itself is never modified.
//
// On a store without atomic ledger writes, a write that commits but whose
// history record cannot be appended returns the saved document together
// with a *HistoryAppendFailure.
func (s *Service) Save(ctx context.Context, doc domain.Document, opts ...WriteOption) (domain.Document, error) {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}
	state := domain.StateOf(doc)
	switch caps := domain.BehaviorFor(state); {
	case caps.Create:
		return s.create(ctx, doc)
	case caps.Update:
		return s.update(ctx, doc, o)
	default:
		return domain.Document{}, s.refuse(doc, state, OpUpdate)
	}
}

// Delete tombstones doc. The version is not incremented and the DELETE
// history record carries the version held just before deletion.
func (s *Service) Delete(ctx context.Context, doc domain.Document, opts ...WriteOption) (domain.Document, error) {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}
	state := domain.StateOf(doc)
	if !domain.BehaviorFor(state).Delete {
		return domain.Document{}, s.refuse(doc, state, OpDelete)
	}
	start := time.Now()
	expected, err := s.expectedVersion(ctx, doc, o)
	if err != nil {
		s.finish(ctx, OpDelete, start, err)
		return domain.Document{}, err
	}
	deleted, err := s.commit(ctx, domain.ActionDelete,
		func(entry domain.HistoryEntry) (domain.Document, error) {
			return s.counter.DeleteRecorded(ctx, doc.ID, expected, entry)
		},
		func() (domain.Document, error) {
			return s.counter.Delete(ctx, doc.ID, expected)
		})
	err = s.resolve(ctx, err)
	s.finish(ctx, OpDelete, start, err)
	return deleted, err
}

// Reload returns the currently stored state of doc.
func (s *Service) Reload(ctx context.Context, doc domain.Document) (domain.Document, error) {
	if doc.ID == "" {
		return domain.Document{}, fmt.Errorf("reload unsaved document: %w", ErrNotFound)
	}
	return s.Get(ctx, doc.ID)
}

// Get fetches a live document. Tombstones are reported as ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (domain.Document, error) {
	start := time.Now()
	doc, err := s.store.GetDocument(ctx, id)
	if err == nil && doc.Deleted {
		err = fmt.Errorf("document %s is deleted: %w", id, ErrNotFound)
	}
	s.finish(ctx, OpGet, start, err)
	if err != nil {
		return domain.Document{}, err
	}
	return doc, nil
}

// Patch merges patch into the stored fields of id, provided ifMatch names
// the current version. A nil value in patch removes the key.
func (s *Service) Patch(ctx context.Context, id, ifMatch string, patch map[string]any) (domain.Document, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return domain.Document{}, err
	}
	next := current.Clone()
	next.Fields = domain.MergeFields(current.Fields, patch)
	return s.Save(ctx, next, WithIfMatch(ifMatch), WithExpectedVersion(current.Version))
}

// Remove deletes id provided ifMatch names the current version.
func (s *Service) Remove(ctx context.Context, id, ifMatch string) (domain.Document, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return domain.Document{}, err
	}
	return s.Delete(ctx, current, WithIfMatch(ifMatch), WithExpectedVersion(current.Version))
}

func (s *Service) create(ctx context.Context, doc domain.Document) (domain.Document, error) {
	start := time.Now()
	created, err := s.commit(ctx, domain.ActionCreate,
		func(entry domain.HistoryEntry) (domain.Document, error) {
			return s.counter.CreateRecorded(ctx, doc.ID, doc.Fields, entry)
		},
		func() (domain.Document, error) {
			return s.counter.Create(ctx, doc.ID, doc.Fields)
		})
	var haf *HistoryAppendFailure
	if err != nil && !errors.As(err, &haf) {
		err = fmt.Errorf("create document: %w", err)
	}
	s.finish(ctx, OpCreate, start, err)
	return created, err
}

func (s *Service) update(ctx context.Context, doc domain.Document, o writeOptions) (domain.Document, error) {
	start := time.Now()
	expected, err := s.expectedVersion(ctx, doc, o)
	if err != nil {
		s.finish(ctx, OpUpdate, start, err)
		return domain.Document{}, err
	}
	updated, err := s.commit(ctx, domain.ActionUpdate,
		func(entry domain.HistoryEntry) (domain.Document, error) {
			return s.counter.WriteRecorded(ctx, doc.ID, expected, doc.Fields, entry)
		},
		func() (domain.Document, error) {
			return s.counter.Write(ctx, doc.ID, expected, doc.Fields)
		})
	err = s.resolve(ctx, err)
	s.finish(ctx, OpUpdate, start, err)
	return updated, err
}

// expectedVersion picks the version a conditional write is pinned to and,
// when the caller supplied a token, validates it against the stored version.
func (s *Service) expectedVersion(ctx context.Context, doc domain.Document, o writeOptions) (int64, error) {
	expected := doc.Version
	if o.expected != nil {
		expected = *o.expected
	}
	if o.ifMatch == nil {
		return expected, nil
	}
	current, err := s.store.GetDocument(ctx, doc.ID)
	if err != nil {
		return 0, err
	}
	if current.Deleted {
		return 0, fmt.Errorf("document %s is deleted: %w", doc.ID, ErrNotFound)
	}
	if err := s.guard.CheckPrecondition(*o.ifMatch, current.Version); err != nil {
		return 0, err
	}
	return expected, nil
}

func (s *Service) resolve(ctx context.Context, err error) error {
	var conflict *VersionConflict
	if !errors.As(err, &conflict) {
		return err
	}
	return s.guard.ResolveWriteConflict(ctx, conflict)
}

// commit performs one write and its ledger record. recorded is used when the
// store can commit both together; otherwise write runs first and the record
// is appended after it. The returned document is non-zero only when the
// write committed.
func (s *Service) commit(ctx context.Context, action domain.Action, recorded func(domain.HistoryEntry) (domain.Document, error), write func() (domain.Document, error)) (domain.Document, error) {
	if s.counter.Atomic() {
		doc, err := recorded(s.ledger.Entry(action, auth.Author(ctx)))
		if err != nil {
			return domain.Document{}, err
		}
		s.logger.Debug("document written", "action", string(action), "document_id", doc.ID, "version", doc.Version)
		return doc, nil
	}
	doc, err := write()
	if err != nil {
		return domain.Document{}, err
	}
	return doc, s.record(ctx, action, doc)
}

// record appends the ledger entry for a committed write. The write is not
// rolled back on failure; the caller gets the committed document and a
// *HistoryAppendFailure instead.
func (s *Service) record(ctx context.Context, action domain.Action, doc domain.Document) error {
	author := auth.Author(ctx)
	if _, err := s.ledger.Append(ctx, doc.ID, action, doc.Version, doc.Fields, author); err != nil {
		s.logger.Error("history append failed after committed write",
			"action", string(action), "document_id", doc.ID, "version", doc.Version, "error", err)
		s.metrics.HistoryAppendFailed(string(action))
		return &HistoryAppendFailure{Action: action, Document: doc, Err: err}
	}
	s.logger.Debug("document written", "action", string(action), "document_id", doc.ID, "version", doc.Version)
	return nil
}

// refuse reports an operation the document's state forbids. Deleted is
// terminal and never-saved documents have nothing to delete, so both read as
// missing.
func (s *Service) refuse(doc domain.Document, state domain.State, op string) error {
	return fmt.Errorf("%s %s (%s): %w", op, doc.ID, state, ErrNotFound)
}

func (s *Service) finish(ctx context.Context, op string, start time.Time, err error) {
	if IsConflict(err) {
		s.metrics.Conflict(op)
		s.logger.Info("write rejected", "operation", op, "error", err)
	}
	s.metrics.Observe(ctx, op, err == nil, time.Since(start))
}
