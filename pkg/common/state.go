package common

// DocumentState is one step of the ingestion state machine. Transitions
// run strictly forward; StateFailed is terminal and reachable from any
// non-terminal state.
type DocumentState string

const (
	StatePending    DocumentState = "pending"
	StateParsing    DocumentState = "parsing"
	StateChunking   DocumentState = "chunking"
	StateExtracting DocumentState = "extracting"
	StateResolving  DocumentState = "resolving"
	StateMerging    DocumentState = "merging"
	StateReady      DocumentState = "ready"
	StateFailed     DocumentState = "failed"
)

var stateOrder = []DocumentState{
	StatePending,
	StateParsing,
	StateChunking,
	StateExtracting,
	StateResolving,
	StateMerging,
	StateReady,
}

// Terminal reports whether no further transitions are possible.
func (s DocumentState) Terminal() bool {
	return s == StateReady || s == StateFailed
}

// Active reports whether an ingestion job currently owns the document.
// A new ingestion trigger against an active document must be rejected.
func (s DocumentState) Active() bool {
	return !s.Terminal() && s != StatePending
}

// Valid reports whether s is a known state value.
func (s DocumentState) Valid() bool {
	switch s {
	case StatePending, StateParsing, StateChunking, StateExtracting,
		StateResolving, StateMerging, StateReady, StateFailed:
		return true
	}
	return false
}

// Next returns the state that follows s in a successful run. Calling
// Next on a terminal state returns s unchanged.
func (s DocumentState) Next() DocumentState {
	for i, state := range stateOrder {
		if state == s && i+1 < len(stateOrder) {
			return stateOrder[i+1]
		}
	}
	return s
}

// Progress maps the state onto a completion percentage for status
// endpoints. Both terminal states report 100.
func (s DocumentState) Progress() int {
	if s == StateFailed {
		return 100
	}
	for i, state := range stateOrder {
		if state == s {
			return i * 100 / (len(stateOrder) - 1)
		}
	}
	return 0
}

// ActiveStates lists every non-terminal state after pending. Used by
// stale-job recovery to find documents abandoned mid-run.
func ActiveStates() []DocumentState {
	return []DocumentState{
		StateParsing, StateChunking, StateExtracting, StateResolving, StateMerging,
	}
}
