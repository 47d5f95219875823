package core

import (
	"fmt"
	"sync"
)

// RunState is the lifecycle state of an execution or judge run.
type RunState string

const (
	StateQueued    RunState = "queued"
	StateRunning   RunState = "running"
	StatePaused    RunState = "paused"
	StateCompleted RunState = "completed"
	StateFailed    RunState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s RunState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var transitions = map[RunState][]RunState{
	StateQueued:  {StateRunning, StateFailed},
	StateRunning: {StatePaused, StateCompleted, StateFailed},
	StatePaused:  {StateRunning, StateCompleted},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to RunState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateTracker serializes state transitions and dispatch accounting
// for one run. Snapshot never exposes torn state: a reader sees a
// (state, counts) pair that was valid at some instant.
type StateTracker struct {
	mu     sync.Mutex
	state  RunState
	counts Counts
}

// NewStateTracker starts a tracker in the queued state with the given
// number of dispatch units.
func NewStateTracker(total int) *StateTracker {
	return &StateTracker{state: StateQueued, counts: Counts{Total: total}}
}

// ResumeTracker rebuilds a tracker from persisted state, used when a
// paused run is picked back up.
func ResumeTracker(state RunState, counts Counts) *StateTracker {
	return &StateTracker{state: state, counts: counts}
}

// Snapshot returns the current state and counters atomically.
func (t *StateTracker) Snapshot() (RunState, Counts) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.counts
}

// State returns the current lifecycle state.
func (t *StateTracker) State() RunState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Transition moves the run to a new state, rejecting illegal edges.
func (t *StateTracker) Transition(to RunState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !CanTransition(t.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.state, to)
	}
	t.state = to
	return nil
}

// RecordCompleted accounts one successfully dispatched unit.
func (t *StateTracker) RecordCompleted() error { return t.record(true) }

// RecordFailed accounts one unit that reached a terminal failure.
func (t *StateTracker) RecordFailed() error { return t.record(false) }

func (t *StateTracker) record(ok bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts.Completed+t.counts.Failed >= t.counts.Total {
		return fmt.Errorf("%w: total=%d", ErrAccountingUnderflow, t.counts.Total)
	}
	if ok {
		t.counts.Completed++
	} else {
		t.counts.Failed++
	}
	return nil
}

// Drained reports whether every unit has a terminal outcome.
func (t *StateTracker) Drained() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts.Done()
}
