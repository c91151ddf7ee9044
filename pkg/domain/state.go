package domain

// State is the lifecycle position of a document as seen by the engine.
type State int

// Lifecycle states. A document starts Nonexistent, becomes Active on its
// first save and Deleted once tombstoned. Deleted is terminal.
const (
	StateNonexistent State = iota
	StateActive
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateNonexistent:
		return "nonexistent"
	case StateActive:
		return "active"
	case StateDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Capabilities lists the operations permitted in a given state.
type Capabilities struct {
	Create bool
	Read   bool
	Update bool
	Delete bool
}

// StateOf derives the lifecycle state from a document value.
func StateOf(d Document) State {
	switch {
	case d.Deleted:
		return StateDeleted
	case d.Persisted():
		return StateActive
	default:
		return StateNonexistent
	}
}

// BehaviorFor returns the capability set for a state.
func BehaviorFor(s State) Capabilities {
	switch s {
	case StateNonexistent:
		return Capabilities{Create: true}
	case StateActive:
		return Capabilities{Read: true, Update: true, Delete: true}
	default:
		return Capabilities{}
	}
}
