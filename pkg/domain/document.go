// Package domain defines the versioned document model, its history records,
// the lifecycle state variant and the persistence contracts implemented by
// the storage backends.
package domain

import (
	"time"
)

// Document is a versioned entity. Version starts at 1 on creation and grows by
// exactly one for every successful mutating write. Deletion tombstones the
// document without allocating a new version.
type Document struct {
	ID        string         `json:"id"`
	Version   int64          `json:"version"`
	Fields    map[string]any `json:"fields"`
	Deleted   bool           `json:"deleted,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of the document so callers can never observe or
// cause mutation of shared field maps.
func (d Document) Clone() Document {
	d.Fields = CloneFields(d.Fields)
	return d
}

// Persisted reports whether the document has been assigned a version by a store.
func (d Document) Persisted() bool {
	return d.ID != "" && d.Version > 0
}

// CloneFields deep-copies a document field map. Nested maps and slices are
// copied; scalar values are shared.
func CloneFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return CloneFields(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		out := make([]string, len(typed))
		copy(out, typed)
		return out
	default:
		return v
	}
}

// MergeFields applies a top-level merge patch to base and returns the result.
// A nil value in patch removes the key. Neither input is modified.
func MergeFields(base, patch map[string]any) map[string]any {
	out := CloneFields(base)
	if out == nil {
		out = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}
