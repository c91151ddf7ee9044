package core

import (
	"context"
	"errors"
	"fmt"

	"docledger/pkg/domain"
)

// HistoryLedger is the append-only record of every write against every
// document. It never caches: each read goes back to the store.
type HistoryLedger struct {
	store domain.HistoryStore
	clock Clock
	newID IDGenerator
}

// NewHistoryLedger binds a ledger to its store.
func NewHistoryLedger(store domain.HistoryStore, clock Clock, ids IDGenerator) *HistoryLedger {
	if clock == nil {
		clock = ClockFunc(nil)
	}
	if ids == nil {
		ids = defaultIDGenerator
	}
	return &HistoryLedger{store: store, clock: clock, newID: ids}
}

// Entry starts the ledger entry for a write that is about to commit. The
// origin, version and content are bound from the committed document.
func (l *HistoryLedger) Entry(action domain.Action, author *string) domain.HistoryEntry {
	return domain.HistoryEntry{
		ID:     l.newID(),
		Action: action,
		Author: author,
		Date:   l.clock.Now(),
	}
}

// Append records one write. The append is unconditional.
func (l *HistoryLedger) Append(ctx context.Context, originID string, action domain.Action, version int64, fields map[string]any, author *string) (domain.HistoryRecord, error) {
	if !action.Valid() {
		return domain.HistoryRecord{}, fmt.Errorf("append history for %s: invalid action %q", originID, action)
	}
	entry, err := l.Entry(action, author).Bind(domain.Document{ID: originID, Version: version, Fields: fields})
	if err != nil {
		return domain.HistoryRecord{}, fmt.Errorf("snapshot %s: %w", originID, err)
	}
	return l.store.AppendHistory(ctx, entry)
}

// ListFor returns one page of the records that originate from originID,
// ordered by date and then insertion.
func (l *HistoryLedger) ListFor(ctx context.Context, originID string, page domain.Page) (domain.PageResult[domain.HistoryRecord], error) {
	if err := page.Validate(); err != nil {
		return domain.PageResult[domain.HistoryRecord]{}, err
	}
	items, total, err := l.store.ListHistory(ctx, originID, page)
	if err != nil {
		return domain.PageResult[domain.HistoryRecord]{}, fmt.Errorf("list history for %s: %w", originID, err)
	}
	return domain.PageResult[domain.HistoryRecord]{Items: items, Page: page, Total: total}, nil
}

// All returns every record of originID in ledger order.
func (l *HistoryLedger) All(ctx context.Context, originID string) ([]domain.HistoryRecord, error) {
	res, err := l.ListFor(ctx, originID, domain.Page{Number: 1})
	if err != nil {
		return nil, err
	}
	return res.Items, nil
}

// Get returns one record, but only if it belongs to originID.
func (l *HistoryLedger) Get(ctx context.Context, originID, recordID string) (domain.HistoryRecord, error) {
	rec, err := l.store.GetHistory(ctx, recordID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.HistoryRecord{}, fmt.Errorf("history record %s: %w", recordID, ErrNotFound)
	}
	if err != nil {
		return domain.HistoryRecord{}, fmt.Errorf("get history record %s: %w", recordID, err)
	}
	if rec.OriginID != originID {
		return domain.HistoryRecord{}, fmt.Errorf("history record %s of %s: %w", recordID, originID, ErrNotFound)
	}
	return rec, nil
}
