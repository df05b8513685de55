// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package planner

import (
	"fmt"
	"sync"
)

// PhaseStateMachine enforces valid phase status transitions.
//
// The transition graph:
//
//	pending → resolving              : Tactical resolution starts
//	pending → skipped                : Cancellation or upstream failure
//	resolving → executing            : Capability and arguments resolved
//	resolving → retrying             : Resolution produced incomplete arguments
//	resolving → failed               : Unresolvable phase
//	resolving → skipped              : Cancellation during resolution
//	executing → succeeded            : Capability call succeeded
//	executing → retrying             : Recoverable failure, correction pending
//	executing → failed               : Unrecoverable failure
//	executing → skipped              : Cancellation during execution
//	retrying → executing             : Corrected attempt issued
//	retrying → failed                : Retry budget exhausted
//	retrying → skipped               : Cancellation before the retry
//
// Thread Safety:
//
//	PhaseStateMachine is safe for concurrent use.
type PhaseStateMachine struct {
	mu sync.RWMutex

	transitions map[PhaseStatus]map[PhaseStatus]bool
}

// NewPhaseStateMachine creates a state machine with all valid transitions.
func NewPhaseStateMachine() *PhaseStateMachine {
	sm := &PhaseStateMachine{
		transitions: make(map[PhaseStatus]map[PhaseStatus]bool),
	}

	for _, s := range AllPhaseStatuses() {
		sm.transitions[s] = make(map[PhaseStatus]bool)
	}

	sm.addTransition(PhasePending, PhaseResolving)
	sm.addTransition(PhasePending, PhaseSkipped)

	sm.addTransition(PhaseResolving, PhaseExecuting)
	sm.addTransition(PhaseResolving, PhaseRetrying)
	sm.addTransition(PhaseResolving, PhaseFailed)
	sm.addTransition(PhaseResolving, PhaseSkipped)

	sm.addTransition(PhaseExecuting, PhaseSucceeded)
	sm.addTransition(PhaseExecuting, PhaseRetrying)
	sm.addTransition(PhaseExecuting, PhaseFailed)
	sm.addTransition(PhaseExecuting, PhaseSkipped)

	sm.addTransition(PhaseRetrying, PhaseExecuting)
	sm.addTransition(PhaseRetrying, PhaseFailed)
	sm.addTransition(PhaseRetrying, PhaseSkipped)

	return sm
}

func (sm *PhaseStateMachine) addTransition(from, to PhaseStatus) {
	sm.transitions[from][to] = true
}

// CanTransition checks if a transition is valid.
//
// Thread Safety: This method is safe for concurrent use.
func (sm *PhaseStateMachine) CanTransition(from, to PhaseStatus) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if toMap, ok := sm.transitions[from]; ok {
		return toMap[to]
	}
	return false
}

// Transition moves the phase to the target status, or returns
// ErrInvalidPhaseTransition.
//
// Inputs:
//
//	phase - The phase to transition.
//	to - The target status.
//
// Outputs:
//
//	error - Non-nil if the transition is not in the graph.
func (sm *PhaseStateMachine) Transition(phase *Phase, to PhaseStatus) error {
	if !sm.CanTransition(phase.Status, to) {
		return fmt.Errorf("%w: phase %d %s → %s",
			ErrInvalidPhaseTransition, phase.Ordinal, phase.Status, to)
	}
	phase.Status = to
	return nil
}

// DefaultPhaseStateMachine is the shared instance used by the engine.
var DefaultPhaseStateMachine = NewPhaseStateMachine()
