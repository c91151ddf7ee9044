package core

import (
	"errors"
	"fmt"

	"docledger/pkg/domain"
)

var (
	// ErrNotFound is re-exported so callers of the engine need not import domain.
	ErrNotFound = domain.ErrNotFound
	// ErrAlreadyExists reports a create against an id that is already taken.
	ErrAlreadyExists = domain.ErrAlreadyExists
)

// VersionConflict is raised by the version counter when a conditional write
// matched no row. It is internal to the engine: ConcurrencyGuard resolves it
// into ErrNotFound or a ConcurrencyError before it reaches callers.
type VersionConflict struct {
	ID       string
	Expected int64
}

func (e *VersionConflict) Error() string {
	return fmt.Sprintf("version conflict on %s at version %d", e.ID, e.Expected)
}

// ConcurrencyError is surfaced when another writer won the race for a
// document. Callers should reload and decide whether to retry.
type ConcurrencyError struct {
	ID       string
	Expected int64
	Current  int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("document %s was modified concurrently: expected version %d, found %d", e.ID, e.Expected, e.Current)
}

// PreconditionMismatch is returned when a caller supplied version token is
// missing, malformed or stale.
type PreconditionMismatch struct {
	Supplied string
	Current  int64
	Reason   string
}

func (e *PreconditionMismatch) Error() string {
	if e.Supplied == "" {
		return fmt.Sprintf("precondition failed: %s (current version %d)", e.Reason, e.Current)
	}
	return fmt.Sprintf("precondition failed: %s %q (current version %d)", e.Reason, e.Supplied, e.Current)
}

// HistoryAppendFailure reports that the document write committed but its
// ledger record could not be stored. Document holds the committed state.
type HistoryAppendFailure struct {
	Action   domain.Action
	Document domain.Document
	Err      error
}

func (e *HistoryAppendFailure) Error() string {
	return fmt.Sprintf("%s of %s committed at version %d but history append failed: %v",
		e.Action, e.Document.ID, e.Document.Version, e.Err)
}

func (e *HistoryAppendFailure) Unwrap() error { return e.Err }

// IsConflict reports whether err means the caller lost a race or supplied a
// stale version, both of which map to a failed precondition at the edge.
func IsConflict(err error) bool {
	var ce *ConcurrencyError
	var pm *PreconditionMismatch
	return errors.As(err, &ce) || errors.As(err, &pm)
}
