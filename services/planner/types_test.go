// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package planner

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhase_SetArgument_DropsNil(t *testing.T) {
	phase := &Phase{}

	phase.SetArgument("table", "products")
	phase.SetArgument("column", nil)

	assert.Equal(t, map[string]any{"table": "products"}, phase.Arguments)
	_, present := phase.Arguments["column"]
	assert.False(t, present, "unresolved arguments must be absent, not null")
}

func TestPhase_Flags(t *testing.T) {
	phase := &Phase{}
	assert.False(t, phase.HasFlag(FlagDateRange))

	phase.AddFlag(FlagDateRange)
	phase.AddFlag(FlagDateRange)

	assert.True(t, phase.HasFlag(FlagDateRange))
	assert.Len(t, phase.Flags, 1, "AddFlag must be idempotent")
}

func TestMetaPlan_CurrentPhase(t *testing.T) {
	plan := &MetaPlan{Phases: []*Phase{
		{Ordinal: 0, Status: PhaseSucceeded},
		{Ordinal: 1, Status: PhasePending},
		{Ordinal: 2, Status: PhasePending},
	}}

	current := plan.CurrentPhase()
	require.NotNil(t, current)
	assert.Equal(t, 1, current.Ordinal)
	assert.False(t, plan.Terminal())

	plan.Phases[1].Status = PhaseSucceeded
	plan.Phases[2].Status = PhaseSkipped
	assert.Nil(t, plan.CurrentPhase())
	assert.True(t, plan.Terminal())
}

func TestTurn_Lifecycle(t *testing.T) {
	turn := NewTurn("session-1", "list the tables")

	require.NotEmpty(t, turn.ID)
	assert.True(t, turn.Valid)
	assert.False(t, turn.Finalized())

	turn.Finalize()
	first := turn.FinalizedAt
	turn.Finalize()
	assert.Equal(t, first, turn.FinalizedAt, "Finalize must be idempotent")
}

func TestTurn_LastSucceededPhase(t *testing.T) {
	turn := NewTurn("session-1", "q")
	assert.Nil(t, turn.LastSucceededPhase())

	turn.Plan = &MetaPlan{Phases: []*Phase{
		{Ordinal: 0, Status: PhaseSucceeded, Result: &PhaseResult{Payload: "first"}},
		{Ordinal: 1, Status: PhaseSucceeded, Result: &PhaseResult{Payload: "second"}},
		{Ordinal: 2, Status: PhaseFailed},
	}}

	last := turn.LastSucceededPhase()
	require.NotNil(t, last)
	assert.Equal(t, "second", last.Result.Payload)
}

func TestTurn_JSONRoundTrip(t *testing.T) {
	turn := NewTurn("session-1", "how many rows")
	turn.Cost.AddModelUsage(100, 40, 0.002)
	turn.Cost.AddCapabilityCall()
	turn.Trace.Append(TraceEntry{Type: EntryCapabilityCall, PhaseOrdinal: 0, Capability: "count_rows"})
	turn.Plan = &MetaPlan{Phases: []*Phase{
		{Ordinal: 0, Goal: "count rows", Candidates: []string{"count_rows"}, Status: PhaseSucceeded},
	}}
	turn.Finalize()

	data, err := json.Marshal(turn)
	require.NoError(t, err)

	var restored Turn
	require.NoError(t, json.Unmarshal(data, &restored))

	assert.Equal(t, turn.ID, restored.ID)
	assert.Equal(t, 140, restored.Cost.TotalTokens())
	require.Equal(t, 1, restored.Trace.Len())
	assert.Equal(t, "count_rows", restored.Trace.Entries()[0].Capability)
	require.Len(t, restored.Plan.Phases, 1)
	assert.Equal(t, PhaseSucceeded, restored.Plan.Phases[0].Status)
}
