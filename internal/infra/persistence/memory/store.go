// Package memory provides an in-memory implementation of the document and
// history stores used for tests and ephemeral environments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"docledger/pkg/domain"
)

var (
	_ domain.PersistentStore   = (*Store)(nil)
	_ domain.AtomicLedgerStore = (*Store)(nil)
)

// Store keeps documents and their ledger in maps guarded by a single RWMutex.
// The lock stands in for the row-level atomicity a database provides; each
// method holds it for exactly one compare-and-swap or append, or for a write
// together with its ledger record.
type Store struct {
	mu        sync.RWMutex
	documents map[string]domain.Document
	history   []domain.HistoryRecord
	byID      map[string]int
	lastDate  map[string]time.Time
	seq       int64
}

// NewStore constructs an empty memory store.
func NewStore() *Store {
	return &Store{
		documents: make(map[string]domain.Document),
		byID:      make(map[string]int),
		lastDate:  make(map[string]time.Time),
	}
}

// Driver identifies the backend.
func (s *Store) Driver() domain.StorageDriver { return domain.StorageMemory }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// InsertDocument stores a new document.
func (s *Store) InsertDocument(ctx context.Context, doc domain.Document) (domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return domain.Document{}, err
	}
	if doc.ID == "" {
		return domain.Document{}, fmt.Errorf("memory store: insert requires an id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(doc)
}

func (s *Store) insertLocked(doc domain.Document) (domain.Document, error) {
	if _, exists := s.documents[doc.ID]; exists {
		return domain.Document{}, fmt.Errorf("document %s: %w", doc.ID, domain.ErrAlreadyExists)
	}
	stored := doc.Clone()
	s.documents[doc.ID] = stored
	return stored.Clone(), nil
}

// CompareAndSwap replaces the fields of a live document still at expected.
func (s *Store) CompareAndSwap(ctx context.Context, id string, expected int64, fields map[string]any, at time.Time) (domain.Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Document{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.liveAt(id, expected)
	if !ok {
		return domain.Document{}, false, nil
	}
	return s.swapLocked(current, fields, at), true, nil
}

func (s *Store) swapLocked(current domain.Document, fields map[string]any, at time.Time) domain.Document {
	current.Fields = domain.CloneFields(fields)
	current.Version++
	current.UpdatedAt = at
	s.documents[current.ID] = current
	return current.Clone()
}

// CompareAndDelete tombstones a live document still at expected.
func (s *Store) CompareAndDelete(ctx context.Context, id string, expected int64, at time.Time) (domain.Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Document{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.liveAt(id, expected)
	if !ok {
		return domain.Document{}, false, nil
	}
	return s.deleteLocked(current, at), true, nil
}

func (s *Store) deleteLocked(current domain.Document, at time.Time) domain.Document {
	current.Deleted = true
	current.UpdatedAt = at
	s.documents[current.ID] = current
	return current.Clone()
}

// liveAt returns the stored document when it is live and still at expected.
func (s *Store) liveAt(id string, expected int64) (domain.Document, bool) {
	current, ok := s.documents[id]
	if !ok || current.Deleted || current.Version != expected {
		return domain.Document{}, false
	}
	return current, true
}

// InsertDocumentWithHistory stores a new document and its CREATE record.
func (s *Store) InsertDocumentWithHistory(ctx context.Context, doc domain.Document, entry domain.HistoryEntry) (domain.Document, domain.HistoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.Document{}, domain.HistoryRecord{}, err
	}
	if doc.ID == "" {
		return domain.Document{}, domain.HistoryRecord{}, fmt.Errorf("memory store: insert requires an id")
	}
	entry, err := entry.Bind(doc)
	if err != nil {
		return domain.Document{}, domain.HistoryRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkEntryLocked(entry); err != nil {
		return domain.Document{}, domain.HistoryRecord{}, err
	}
	created, err := s.insertLocked(doc)
	if err != nil {
		return domain.Document{}, domain.HistoryRecord{}, err
	}
	return created, s.appendLocked(entry), nil
}

// CompareAndSwapWithHistory swaps a live document still at expected and
// records the new version in the ledger.
func (s *Store) CompareAndSwapWithHistory(ctx context.Context, id string, expected int64, fields map[string]any, at time.Time, entry domain.HistoryEntry) (domain.Document, domain.HistoryRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Document{}, domain.HistoryRecord{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.liveAt(id, expected)
	if !ok {
		return domain.Document{}, domain.HistoryRecord{}, false, nil
	}
	next := current.Clone()
	next.Fields = domain.CloneFields(fields)
	next.Version++
	bound, err := entry.Bind(next)
	if err != nil {
		return domain.Document{}, domain.HistoryRecord{}, false, err
	}
	if err := s.checkEntryLocked(bound); err != nil {
		return domain.Document{}, domain.HistoryRecord{}, false, err
	}
	return s.swapLocked(current, fields, at), s.appendLocked(bound), true, nil
}

// CompareAndDeleteWithHistory tombstones a live document still at expected
// and records the DELETE in the ledger.
func (s *Store) CompareAndDeleteWithHistory(ctx context.Context, id string, expected int64, at time.Time, entry domain.HistoryEntry) (domain.Document, domain.HistoryRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Document{}, domain.HistoryRecord{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.liveAt(id, expected)
	if !ok {
		return domain.Document{}, domain.HistoryRecord{}, false, nil
	}
	bound, err := entry.Bind(current)
	if err != nil {
		return domain.Document{}, domain.HistoryRecord{}, false, err
	}
	if err := s.checkEntryLocked(bound); err != nil {
		return domain.Document{}, domain.HistoryRecord{}, false, err
	}
	return s.deleteLocked(current, at), s.appendLocked(bound), true, nil
}

// GetDocument returns the stored document including tombstones.
func (s *Store) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return domain.Document{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[id]
	if !ok {
		return domain.Document{}, fmt.Errorf("document %s: %w", id, domain.ErrNotFound)
	}
	return doc.Clone(), nil
}

// AppendHistory appends a ledger record, clamping its date to the latest
// date already recorded for the origin.
func (s *Store) AppendHistory(ctx context.Context, entry domain.HistoryEntry) (domain.HistoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.HistoryRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkEntryLocked(entry); err != nil {
		return domain.HistoryRecord{}, err
	}
	return s.appendLocked(entry), nil
}

func (s *Store) checkEntryLocked(entry domain.HistoryEntry) error {
	if entry.ID == "" || entry.OriginID == "" {
		return fmt.Errorf("memory store: history entry requires id and origin")
	}
	if _, exists := s.byID[entry.ID]; exists {
		return fmt.Errorf("history record %s: %w", entry.ID, domain.ErrAlreadyExists)
	}
	return nil
}

// appendLocked stores a checked entry, clamping its date to the origin's
// latest record.
func (s *Store) appendLocked(entry domain.HistoryEntry) domain.HistoryRecord {
	date := entry.Date
	if last, ok := s.lastDate[entry.OriginID]; ok && date.Before(last) {
		date = last
	}
	s.seq++
	rec := domain.HistoryRecord{
		ID:       entry.ID,
		OriginID: entry.OriginID,
		Action:   entry.Action,
		Version:  entry.Version,
		Content:  domain.NewSnapshot(entry.Content.Raw()),
		Author:   cloneAuthor(entry.Author),
		Date:     date,
		Seq:      s.seq,
	}
	s.byID[rec.ID] = len(s.history)
	s.history = append(s.history, rec)
	s.lastDate[entry.OriginID] = date
	return cloneRecord(rec)
}

// ListHistory returns one page of an origin's ledger.
func (s *Store) ListHistory(ctx context.Context, originID string, page domain.Page) ([]domain.HistoryRecord, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	matching := make([]domain.HistoryRecord, 0)
	for _, rec := range s.history {
		if rec.OriginID == originID {
			matching = append(matching, rec)
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(matching, func(i, j int) bool {
		if matching[i].Date.Equal(matching[j].Date) {
			return matching[i].Seq < matching[j].Seq
		}
		return matching[i].Date.Before(matching[j].Date)
	})
	start, end := page.Window(len(matching))
	out := make([]domain.HistoryRecord, 0, end-start)
	for _, rec := range matching[start:end] {
		out = append(out, cloneRecord(rec))
	}
	return out, len(matching), nil
}

// GetHistory fetches a ledger record by id.
func (s *Store) GetHistory(ctx context.Context, recordID string) (domain.HistoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.HistoryRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[recordID]
	if !ok {
		return domain.HistoryRecord{}, fmt.Errorf("history record %s: %w", recordID, domain.ErrNotFound)
	}
	return cloneRecord(s.history[idx]), nil
}

func cloneRecord(rec domain.HistoryRecord) domain.HistoryRecord {
	rec.Content = domain.NewSnapshot(rec.Content.Raw())
	rec.Author = cloneAuthor(rec.Author)
	return rec
}

func cloneAuthor(a *string) *string {
	if a == nil {
		return nil
	}
	v := *a
	return &v
}
