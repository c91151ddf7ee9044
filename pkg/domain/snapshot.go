package domain

import (
	"bytes"
	"encoding/json"
)

// Snapshot wraps the JSON image of a document's fields captured by a history
// record. The raw bytes are cloned on the way in and on the way out so a
// stored snapshot can never be altered after the fact.
type Snapshot struct {
	defined bool
	raw     json.RawMessage
}

// NewSnapshot builds a snapshot from raw JSON. Passing a nil slice yields a
// defined but empty snapshot.
func NewSnapshot(raw json.RawMessage) Snapshot {
	s := Snapshot{defined: true}
	if raw != nil {
		s.raw = cloneRaw(raw)
	}
	return s
}

// SnapshotOf marshals the given fields into a snapshot.
func SnapshotOf(fields map[string]any) (Snapshot, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return Snapshot{}, err
	}
	return NewSnapshot(raw), nil
}

// Defined reports whether the snapshot has been initialized.
func (s Snapshot) Defined() bool {
	return s.defined
}

// IsEmpty reports whether the snapshot holds no bytes.
func (s Snapshot) IsEmpty() bool {
	return !s.defined || len(s.raw) == 0
}

// Raw returns a copy of the underlying JSON bytes, or nil when empty.
func (s Snapshot) Raw() json.RawMessage {
	if s.IsEmpty() {
		return nil
	}
	return cloneRaw(s.raw)
}

// Fields decodes the snapshot back into a field map.
func (s Snapshot) Fields() (map[string]any, error) {
	if s.IsEmpty() {
		return map[string]any{}, nil
	}
	return DecodeFields(s.raw)
}

// DecodeFields parses a stored JSON object into a field map. Numbers come
// back as json.Number so integers beyond 2^53 survive a read-modify-write.
func DecodeFields(raw []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// MarshalJSON renders the snapshot inline; an empty snapshot renders as null.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	if s.IsEmpty() {
		return []byte("null"), nil
	}
	return cloneRaw(s.raw), nil
}

// UnmarshalJSON captures the raw JSON value.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = Snapshot{}
		return nil
	}
	*s = NewSnapshot(data)
	return nil
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	cloned := make(json.RawMessage, len(raw))
	copy(cloned, raw)
	return cloned
}
