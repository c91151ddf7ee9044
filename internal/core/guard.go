package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"docledger/pkg/domain"
)

// ETag renders a version as a strong entity tag.
func ETag(version int64) string {
	return strconv.Quote(strconv.FormatInt(version, 10))
}

// ParseVersionToken accepts a bare decimal version or its strong entity tag
// form ("3"). If-Match compares strongly, so weak tags (W/"3") never match.
// Only ASCII digits are allowed and versions below one are rejected.
func ParseVersionToken(token string) (int64, bool) {
	t := strings.TrimSpace(token)
	if len(t) >= 2 && strings.HasPrefix(t, `"`) && strings.HasSuffix(t, `"`) {
		t = t[1 : len(t)-1]
	}
	if t == "" || strings.IndexFunc(t, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
		return 0, false
	}
	v, err := strconv.ParseInt(t, 10, 64)
	if err != nil || v < 1 {
		return 0, false
	}
	return v, true
}

// ConcurrencyGuard validates caller preconditions and turns raw version
// conflicts into errors callers can act on. It never retries and never
// prefers one writer over another.
type ConcurrencyGuard struct {
	store domain.EntityStore
}

// NewConcurrencyGuard binds a guard to the entity store it inspects after a
// failed conditional write.
func NewConcurrencyGuard(store domain.EntityStore) *ConcurrencyGuard {
	return &ConcurrencyGuard{store: store}
}

// CheckPrecondition compares a caller supplied token against the current
// version. A missing or malformed token fails the same way a stale one does.
func (g *ConcurrencyGuard) CheckPrecondition(supplied string, current int64) error {
	if strings.TrimSpace(supplied) == "" {
		return &PreconditionMismatch{Current: current, Reason: "missing version token"}
	}
	v, ok := ParseVersionToken(supplied)
	if !ok {
		return &PreconditionMismatch{Supplied: supplied, Current: current, Reason: "malformed version token"}
	}
	if v != current {
		return &PreconditionMismatch{Supplied: supplied, Current: current, Reason: "stale version token"}
	}
	return nil
}

// ResolveWriteConflict re-reads the document after a conditional write
// matched nothing. A vanished or tombstoned document resolves to
// ErrNotFound; anything else means another writer got there first.
func (g *ConcurrencyGuard) ResolveWriteConflict(ctx context.Context, conflict *VersionConflict) error {
	current, err := g.store.GetDocument(ctx, conflict.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("document %s: %w", conflict.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("resolve conflict on %s: %w", conflict.ID, err)
	}
	if current.Deleted {
		return fmt.Errorf("document %s is deleted: %w", conflict.ID, ErrNotFound)
	}
	return &ConcurrencyError{ID: conflict.ID, Expected: conflict.Expected, Current: current.Version}
}
