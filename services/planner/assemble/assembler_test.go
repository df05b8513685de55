// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package assemble

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rgeissen/uderia-sub006/services/planner"
	"github.com/rgeissen/uderia-sub006/services/planner/capability"
)

func testCatalog() *capability.Catalog {
	return capability.NewCatalog([]planner.CapabilityDescriptor{
		{
			Kind:        planner.KindTool,
			Name:        "describe_table",
			Description: "Describe the schema of a table.",
			Arguments: []planner.ArgumentSpec{
				{Name: "table", Type: "string", Required: true},
			},
		},
		{
			Kind:        planner.KindPrompt,
			Name:        "report_summary",
			Description: "Summarize a report.",
		},
	})
}

// finishedTurn builds a finalized valid turn with one succeeded phase.
func finishedTurn(query, answer string) *planner.Turn {
	turn := planner.NewTurn("session-1", query)
	turn.Plan = &planner.MetaPlan{Phases: []*planner.Phase{
		{
			Ordinal: 0,
			Goal:    "Answer the question",
			Status:  planner.PhaseSucceeded,
			Result:  &planner.PhaseResult{Payload: answer, Calls: 1},
		},
	}}
	turn.Finalize()
	return turn
}

func TestAssemble_CatalogRendering(t *testing.T) {
	a := NewAssembler(testCatalog(), DefaultConfig())
	turn := planner.NewTurn("session-1", "describe the orders table")

	first := a.Assemble(nil, turn, nil, true)
	assert.Contains(t, first.CatalogRendering, "table", "first call carries full schemas")
	assert.Contains(t, first.SystemPrompt, first.CatalogRendering)

	later := a.Assemble(nil, turn, nil, false)
	assert.Contains(t, later.CatalogRendering, "describe_table")
	assert.Less(t, len(later.CatalogRendering), len(first.CatalogRendering),
		"later calls carry the condensed catalog")
}

func TestAssemble_HistoryWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHistoryTurns = 2

	var history []*planner.Turn
	for i := 0; i < 5; i++ {
		history = append(history, finishedTurn(fmt.Sprintf("question %d", i), fmt.Sprintf("answer %d", i)))
	}

	a := NewAssembler(testCatalog(), cfg)
	turn := planner.NewTurn("session-1", "current question")
	out := a.Assemble(history, turn, nil, true)

	// Two history turns (user+assistant each) plus the current query.
	require.Len(t, out.Messages, 5)
	assert.Equal(t, "question 3", out.Messages[0].Content)
	assert.Equal(t, "answer 4", out.Messages[3].Content)
	assert.Equal(t, "current question", out.Messages[4].Content)
}

func TestAssemble_InvalidTurnsExcluded(t *testing.T) {
	valid := finishedTurn("good question", "good answer")
	invalid := finishedTurn("bad question", "bad answer")
	invalid.Valid = false

	a := NewAssembler(testCatalog(), DefaultConfig())
	turn := planner.NewTurn("session-1", "current question")
	out := a.Assemble([]*planner.Turn{invalid, valid}, turn, nil, true)

	var contents []string
	for _, m := range out.Messages {
		contents = append(contents, m.Content)
	}
	assert.Contains(t, contents, "good question")
	assert.NotContains(t, contents, "bad question")
}

func TestHydrate_PrefersSameTurnPhase(t *testing.T) {
	a := NewAssembler(testCatalog(), DefaultConfig())

	turn := planner.NewTurn("session-1", "profile the orders table")
	turn.Plan = &planner.MetaPlan{Phases: []*planner.Phase{
		{Ordinal: 0, Goal: "List tables", Status: planner.PhaseSucceeded,
			Result: &planner.PhaseResult{Payload: "orders\ncustomers", Calls: 1}},
		{Ordinal: 1, Goal: "Describe orders", Status: planner.PhaseFailed},
		{Ordinal: 2, Goal: "Profile orders"},
	}}
	history := []*planner.Turn{finishedTurn("earlier", "stale answer")}

	got := a.Hydrate(history, turn, turn.Plan.Phases[2])
	assert.Contains(t, got, "orders\ncustomers")
	assert.Contains(t, got, "phase 0")
	assert.NotContains(t, got, "stale answer")
}

func TestHydrate_FallsBackToPreviousTurn(t *testing.T) {
	a := NewAssembler(testCatalog(), DefaultConfig())

	turn := planner.NewTurn("session-1", "and the second table?")
	turn.Plan = &planner.MetaPlan{Phases: []*planner.Phase{
		{Ordinal: 0, Goal: "Describe the second table"},
	}}
	history := []*planner.Turn{
		finishedTurn("first question", "orders\ncustomers"),
	}

	got := a.Hydrate(history, turn, turn.Plan.Phases[0])
	assert.Contains(t, got, "orders\ncustomers")
	assert.Contains(t, got, "previous turn")
}

func TestHydrate_SkipsInvalidPreviousTurn(t *testing.T) {
	a := NewAssembler(testCatalog(), DefaultConfig())

	turn := planner.NewTurn("session-1", "and then?")
	turn.Plan = &planner.MetaPlan{Phases: []*planner.Phase{{Ordinal: 0, Goal: "continue"}}}

	invalid := finishedTurn("failed question", "poisoned answer")
	invalid.Valid = false
	older := finishedTurn("older question", "older answer")

	got := a.Hydrate([]*planner.Turn{older, invalid}, turn, turn.Plan.Phases[0])
	assert.Contains(t, got, "older answer", "invalid turns never hydrate")
}

func TestHydrate_Pure(t *testing.T) {
	a := NewAssembler(testCatalog(), DefaultConfig())

	turn := planner.NewTurn("session-1", "query")
	turn.Plan = &planner.MetaPlan{Phases: []*planner.Phase{
		{Ordinal: 0, Goal: "source", Status: planner.PhaseSucceeded,
			Result: &planner.PhaseResult{Payload: "payload", Calls: 1}},
		{Ordinal: 1, Goal: "sink"},
	}}

	first := a.Hydrate(nil, turn, turn.Plan.Phases[1])
	second := a.Hydrate(nil, turn, turn.Plan.Phases[1])
	assert.Equal(t, first, second)
}

func TestHydrate_DistillsOversizedPayload(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DistillThreshold = 256
	cfg.SampleSize = 128
	a := NewAssembler(testCatalog(), cfg)

	var b strings.Builder
	b.WriteString("id,total,status\n")
	for i := 0; i < 100; i++ {
		fmt.Fprintf(&b, "%d,%d.50,shipped\n", i, i*10)
	}
	payload := b.String()

	turn := planner.NewTurn("session-1", "query")
	turn.Plan = &planner.MetaPlan{Phases: []*planner.Phase{
		{Ordinal: 0, Goal: "Fetch orders", Status: planner.PhaseSucceeded,
			Result: &planner.PhaseResult{Payload: payload, Calls: 1}},
		{Ordinal: 1, Goal: "Summarize"},
	}}

	got := a.Hydrate(nil, turn, turn.Plan.Phases[1])
	assert.Contains(t, got, "distilled: 100 rows")
	assert.Contains(t, got, "id, total, status")
	assert.Less(t, len(got), len(payload))
}

func TestDistill(t *testing.T) {
	t.Run("tabular payload", func(t *testing.T) {
		payload := "name,rows\norders,10\ncustomers,20\n"
		meta := Distill(payload, 64)
		assert.Equal(t, []string{"name", "rows"}, meta.Columns)
		assert.Equal(t, 2, meta.RowCount)
		assert.NotEmpty(t, meta.Sample)
	})

	t.Run("free text payload", func(t *testing.T) {
		payload := strings.Repeat("a line of prose\n", 50)
		meta := Distill(payload, 64)
		assert.Empty(t, meta.Columns)
		assert.LessOrEqual(t, len(meta.Sample), 128, "sample stays near the requested size")
	})
}
