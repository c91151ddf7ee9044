package core

import (
	"context"
	"errors"

	"docledger/pkg/domain"

	"github.com/google/uuid"
)

// IDGenerator produces identifiers for new documents and history records.
type IDGenerator func() string

func defaultIDGenerator() string { return uuid.NewString() }

var errNotAtomic = errors.New("store cannot commit a write together with its history record")

// VersionCounter owns the version number of every document. All mutations
// are single conditional store calls; a call that matches nothing yields a
// *VersionConflict and leaves the store untouched.
type VersionCounter struct {
	store  domain.EntityStore
	atomic domain.AtomicLedgerStore
	clock  Clock
	newID  IDGenerator
}

// NewVersionCounter wires a counter to an entity store.
func NewVersionCounter(store domain.EntityStore, clock Clock, ids IDGenerator) *VersionCounter {
	if clock == nil {
		clock = ClockFunc(nil)
	}
	if ids == nil {
		ids = defaultIDGenerator
	}
	c := &VersionCounter{store: store, clock: clock, newID: ids}
	c.atomic, _ = store.(domain.AtomicLedgerStore)
	return c
}

// Atomic reports whether the store commits a write and its ledger record
// together, making the *Recorded methods available.
func (c *VersionCounter) Atomic() bool { return c.atomic != nil }

// Create inserts a document at version 1. An empty id is replaced with a
// freshly generated one.
func (c *VersionCounter) Create(ctx context.Context, id string, fields map[string]any) (domain.Document, error) {
	return c.store.InsertDocument(ctx, c.fresh(id, fields))
}

func (c *VersionCounter) fresh(id string, fields map[string]any) domain.Document {
	if id == "" {
		id = c.newID()
	}
	now := c.clock.Now()
	return domain.Document{
		ID:        id,
		Version:   1,
		Fields:    domain.CloneFields(fields),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Write replaces the fields of id if and only if it is still at expected,
// returning the document at its new version.
func (c *VersionCounter) Write(ctx context.Context, id string, expected int64, fields map[string]any) (domain.Document, error) {
	doc, ok, err := c.store.CompareAndSwap(ctx, id, expected, fields, c.clock.Now())
	if err != nil {
		return domain.Document{}, err
	}
	if !ok {
		return domain.Document{}, &VersionConflict{ID: id, Expected: expected}
	}
	return doc, nil
}

// Delete tombstones id if it is still at expected. The version is kept.
func (c *VersionCounter) Delete(ctx context.Context, id string, expected int64) (domain.Document, error) {
	doc, ok, err := c.store.CompareAndDelete(ctx, id, expected, c.clock.Now())
	if err != nil {
		return domain.Document{}, err
	}
	if !ok {
		return domain.Document{}, &VersionConflict{ID: id, Expected: expected}
	}
	return doc, nil
}

// CreateRecorded is Create with entry committed alongside the new document.
func (c *VersionCounter) CreateRecorded(ctx context.Context, id string, fields map[string]any, entry domain.HistoryEntry) (domain.Document, error) {
	if c.atomic == nil {
		return domain.Document{}, errNotAtomic
	}
	doc, _, err := c.atomic.InsertDocumentWithHistory(ctx, c.fresh(id, fields), entry)
	return doc, err
}

// WriteRecorded is Write with entry committed in the same step.
func (c *VersionCounter) WriteRecorded(ctx context.Context, id string, expected int64, fields map[string]any, entry domain.HistoryEntry) (domain.Document, error) {
	if c.atomic == nil {
		return domain.Document{}, errNotAtomic
	}
	doc, _, ok, err := c.atomic.CompareAndSwapWithHistory(ctx, id, expected, fields, c.clock.Now(), entry)
	if err != nil {
		return domain.Document{}, err
	}
	if !ok {
		return domain.Document{}, &VersionConflict{ID: id, Expected: expected}
	}
	return doc, nil
}

// DeleteRecorded is Delete with entry committed in the same step.
func (c *VersionCounter) DeleteRecorded(ctx context.Context, id string, expected int64, entry domain.HistoryEntry) (domain.Document, error) {
	if c.atomic == nil {
		return domain.Document{}, errNotAtomic
	}
	doc, _, ok, err := c.atomic.CompareAndDeleteWithHistory(ctx, id, expected, c.clock.Now(), entry)
	if err != nil {
		return domain.Document{}, err
	}
	if !ok {
		return domain.Document{}, &VersionConflict{ID: id, Expected: expected}
	}
	return doc, nil
}
