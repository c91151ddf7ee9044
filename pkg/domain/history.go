package domain

import (
	"fmt"
	"time"
)

// Action identifies the kind of write a history record documents.
type Action string

// Supported history actions.
const (
	// ActionCreate records the first persistence of a document.
	ActionCreate Action = "CREATE"
	// ActionUpdate records a successful conditional write.
	ActionUpdate Action = "UPDATE"
	// ActionDelete records a tombstoning delete.
	ActionDelete Action = "DELETE"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

// ParseAction converts a stored action label back into an Action.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown history action %q", s)
	}
	return a, nil
}

// HistoryRecord is an immutable ledger entry describing one write against a
// document. OriginID is a non-owning reference: records outlive tombstones.
type HistoryRecord struct {
	ID       string    `json:"id"`
	OriginID string    `json:"origin"`
	Action   Action    `json:"action"`
	Version  int64     `json:"version"`
	Content  Snapshot  `json:"content"`
	Author   *string   `json:"author"`
	Date     time.Time `json:"date"`
	Seq      int64     `json:"-"`
}

// HistoryEntry is the input to a history append. The store assigns ID, Seq and
// clamps Date so it never precedes an earlier record of the same origin.
type HistoryEntry struct {
	ID       string
	OriginID string
	Action   Action
	Version  int64
	Content  Snapshot
	Author   *string
	Date     time.Time
}

// Bind fills Version and Content from the document a write committed.
func (e HistoryEntry) Bind(doc Document) (HistoryEntry, error) {
	content, err := SnapshotOf(doc.Fields)
	if err != nil {
		return HistoryEntry{}, err
	}
	e.OriginID = doc.ID
	e.Version = doc.Version
	e.Content = content
	return e, nil
}

// DefaultPerPage is the page size used when a caller does not request one.
const DefaultPerPage = 20

// Page selects a window of an ordered listing. Number is 1-based; Size zero
// means "everything from the start of the listing".
type Page struct {
	Number int
	Size   int
}

// Validate rejects out of range page selectors.
func (p Page) Validate() error {
	if p.Number <= 0 {
		return fmt.Errorf("page must be a positive integer, got %d", p.Number)
	}
	if p.Size < 0 {
		return fmt.Errorf("per_page must not be negative, got %d", p.Size)
	}
	return nil
}

// Offset returns the number of items skipped before the page starts.
func (p Page) Offset() int {
	if p.Size == 0 {
		return 0
	}
	return (p.Number - 1) * p.Size
}

// Window applies the page to a slice of length total, returning bounds
// suitable for slicing.
func (p Page) Window(total int) (start, end int) {
	if p.Size == 0 {
		return 0, total
	}
	start = p.Offset()
	if start > total {
		start = total
	}
	end = start + p.Size
	if end > total {
		end = total
	}
	return start, end
}

// PageResult carries one page of items along with the total item count.
type PageResult[T any] struct {
	Items []T
	Page  Page
	Total int
}

// HasNext reports whether another page follows this one.
func (r PageResult[T]) HasNext() bool {
	if r.Page.Size == 0 {
		return false
	}
	return r.Page.Offset()+len(r.Items) < r.Total
}

// HasPrevious reports whether a page precedes this one.
func (r PageResult[T]) HasPrevious() bool {
	return r.Page.Size > 0 && r.Page.Number > 1
}
