// Package artifact owns the lifecycle records of uploaded packages.
//
// An Artifact moves along a fixed pipeline order, one step at a time:
//
//	Uploaded -> Decompiling -> Decompiled -> FeatureInjected -> Rebuilding -> Rebuilt
//
// Failed is reachable from every state except Failed itself and is terminal.
// The Store is the single owner of the live records; callers only ever see
// value snapshots.
package artifact

import "fmt"

// State is the lifecycle state of an artifact.
type State string

const (
	StateUploaded        State = "Uploaded"
	StateDecompiling     State = "Decompiling"
	StateDecompiled      State = "Decompiled"
	StateFeatureInjected State = "FeatureInjected"
	StateRebuilding      State = "Rebuilding"
	StateRebuilt         State = "Rebuilt"
	StateFailed          State = "Failed"
)

// pipelineOrder lists the non-failure states in the only order they may occur.
var pipelineOrder = []State{
	StateUploaded,
	StateDecompiling,
	StateDecompiled,
	StateFeatureInjected,
	StateRebuilding,
	StateRebuilt,
}

// AllStates returns every state, pipeline order first, Failed last.
func AllStates() []State {
	out := make([]State, 0, len(pipelineOrder)+1)
	out = append(out, pipelineOrder...)
	return append(out, StateFailed)
}

// Next returns the single legal successor of s. Rebuilt and Failed have none.
func (s State) Next() (State, bool) {
	for i, st := range pipelineOrder {
		if st == s && i+1 < len(pipelineOrder) {
			return pipelineOrder[i+1], true
		}
	}
	return "", false
}

// IsTerminal reports whether no transition of any kind leaves s.
func (s State) IsTerminal() bool {
	return s == StateFailed
}

// InFlight reports whether s is held while an external tool runs.
func (s State) InFlight() bool {
	return s == StateDecompiling || s == StateRebuilding
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	if s == StateFailed {
		return true
	}
	for _, st := range pipelineOrder {
		if st == s {
			return true
		}
	}
	return false
}

func (s State) String() string {
	return string(s)
}

// ParseState converts a persisted state name back into a State.
func ParseState(name string) (State, error) {
	s := State(name)
	if !s.Valid() {
		return "", fmt.Errorf("unknown artifact state %q", name)
	}
	return s, nil
}
