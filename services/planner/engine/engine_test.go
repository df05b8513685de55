// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rgeissen/uderia-sub006/services/llm"
	"github.com/rgeissen/uderia-sub006/services/planner"
	"github.com/rgeissen/uderia-sub006/services/planner/capability"
	"github.com/rgeissen/uderia-sub006/services/planner/events"
	"github.com/rgeissen/uderia-sub006/services/planner/execute"
	"github.com/rgeissen/uderia-sub006/services/planner/retrieval"
	"github.com/rgeissen/uderia-sub006/services/planner/session"
)

func testCatalog() *capability.Catalog {
	return capability.NewCatalog([]planner.CapabilityDescriptor{
		{
			Kind:        planner.KindTool,
			Name:        "list_tables",
			Description: "List all tables in the warehouse.",
		},
		{
			Kind:        planner.KindTool,
			Name:        "describe_table",
			Description: "Describe the schema of a table.",
			Arguments: []planner.ArgumentSpec{
				{Name: "table", Type: "string", Required: true},
			},
		},
		{
			Kind:        planner.KindTool,
			Name:        "list_columns",
			Description: "List the columns of a table.",
			Arguments: []planner.ArgumentSpec{
				{Name: "table", Type: "string", Required: true},
			},
		},
		{
			Kind:        planner.KindTool,
			Name:        "column_profile",
			Description: "Profile one column of a table.",
			Scope:       planner.ScopeColumn,
			Arguments: []planner.ArgumentSpec{
				{Name: "table", Type: "string", Required: true},
				{Name: "column", Type: "string"},
			},
		},
	})
}

func warehouseBackend() *capability.MockClient {
	return capability.NewMockClient(nil).
		HandleStatic("list_tables", "orders\ncustomers").
		Handle("describe_table", func(args map[string]any) (*capability.Result, error) {
			table, _ := args["table"].(string)
			if table != "orders" && table != "customers" {
				return nil, fmt.Errorf("Table '%v' doesn't exist", args["table"])
			}
			return &capability.Result{Output: fmt.Sprintf("schema of %s", table)}, nil
		}).
		Handle("list_columns", func(args map[string]any) (*capability.Result, error) {
			return &capability.Result{Columns: []string{"id", "total"}}, nil
		}).
		Handle("column_profile", func(args map[string]any) (*capability.Result, error) {
			return &capability.Result{Output: fmt.Sprintf("profile of %v", args["column"])}, nil
		})
}

// drain consumes the event stream to completion.
func drain(t *testing.T, ch <-chan *events.Event) []*events.Event {
	t.Helper()
	var out []*events.Event
	for ev := range ch {
		out = append(out, ev)
	}
	require.NotEmpty(t, out, "a turn always emits events")
	return out
}

func eventTypes(evs []*events.Event) []events.Type {
	var types []events.Type
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	return types
}

const describePlan = `{
  "phases": [
    {"goal": "List the tables in the warehouse", "candidates": ["list_tables"]},
    {"goal": "Describe the 'orders' table", "candidates": ["describe_table"]}
  ]
}`

func TestEngine_ExecuteQuery_SuccessfulTurn(t *testing.T) {
	model := llm.NewMockClient().EnqueueText(describePlan)
	backend := warehouseBackend()
	store := session.NewInMemoryStore()
	retriever := &retrieval.StaticRetriever{}

	eng := New(model, backend, testCatalog(),
		WithStore(store),
		WithRetriever(retriever),
	)

	ch, err := eng.ExecuteQuery(context.Background(), "s1", "describe the orders table")
	require.NoError(t, err)
	evs := drain(t, ch)

	types := eventTypes(evs)
	assert.Equal(t, []events.Type{
		events.TypePhaseStarted,
		events.TypeCapabilityInvoked,
		events.TypePhaseCompleted,
		events.TypePhaseStarted,
		events.TypeCapabilityInvoked,
		events.TypePhaseCompleted,
		events.TypeTurnCompleted,
	}, types)

	last := evs[len(evs)-1]
	data, ok := last.Data.(*events.TurnCompletedData)
	require.True(t, ok)
	assert.Equal(t, 2, data.Phases)
	assert.Equal(t, "schema of orders", data.Answer)

	// Both phases resolved on the fast path: the only model call is the
	// strategic planning call.
	assert.Equal(t, 1, model.CallCount())

	// The finished turn is in the session history and archived as a
	// champion case.
	history, err := store.LoadHistory(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Finalized())

	require.Len(t, retriever.Archived, 1)
	assert.Equal(t, "describe the orders table", retriever.Archived[0].Query)
	assert.True(t, retriever.Archived[0].Succeeded)
	assert.NotEmpty(t, retriever.Archived[0].PlanSnippet)
}

func TestEngine_ExecuteQuery_EmptyQuery(t *testing.T) {
	eng := New(llm.NewMockClient(), warehouseBackend(), testCatalog())
	_, err := eng.ExecuteQuery(context.Background(), "s1", "   ")
	assert.ErrorIs(t, err, planner.ErrEmptyQuery)
}

func TestEngine_ExecuteQuery_UnplannableQueryFailsTurn(t *testing.T) {
	// Neither response parses as a plan: structural failure after the
	// corrective retry.
	model := llm.NewMockClient().
		EnqueueText("I can't help with that.").
		EnqueueText("Still no plan.")
	store := session.NewInMemoryStore()

	eng := New(model, warehouseBackend(), testCatalog(), WithStore(store))

	ch, err := eng.ExecuteQuery(context.Background(), "s1", "do something impossible")
	require.NoError(t, err)
	evs := drain(t, ch)

	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeTurnFailed, evs[0].Type)
	data := evs[0].Data.(*events.TurnFailedData)
	assert.Contains(t, data.Reason, "workable plan")

	// The failed turn is retained for audit but never hydrates context.
	history, err := store.LoadHistory(context.Background(), "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestEngine_ExecuteQuery_UnrecoverablePhaseFailsTurn(t *testing.T) {
	model := llm.NewMockClient().EnqueueText(describePlan)
	backend := capability.NewMockClient(nil).
		HandleStatic("list_tables", "orders\ncustomers").
		Handle("describe_table", func(map[string]any) (*capability.Result, error) {
			return nil, &capability.Error{Code: capability.CodePermissionDenied, Message: "permission denied"}
		})

	eng := New(model, backend, testCatalog())

	ch, err := eng.ExecuteQuery(context.Background(), "s1", "describe the orders table")
	require.NoError(t, err)
	evs := drain(t, ch)

	last := evs[len(evs)-1]
	require.Equal(t, events.TypeTurnFailed, last.Type)
	data := last.Data.(*events.TurnFailedData)
	assert.Equal(t, 1, data.SucceededPhases, "the first phase succeeded before the failure")
	assert.Contains(t, data.Reason, "phase 1")
}

func TestEngine_ExecuteQuery_ChampionReplan(t *testing.T) {
	// The first plan targets a table that does not exist. With zero
	// corrections allowed the phase exhausts immediately, and the
	// available champion case triggers one replan.
	firstPlan := `{"phases": [{"goal": "Describe the 'produc' table", "candidates": ["describe_table"]}]}`
	secondPlan := `{"phases": [{"goal": "Describe the 'orders' table", "candidates": ["describe_table"]}]}`

	model := llm.NewMockClient().
		EnqueueText(firstPlan).
		EnqueueText(secondPlan)
	retriever := &retrieval.StaticRetriever{Cases: []planner.ChampionCase{
		{Query: "describe the orders table", PlanSnippet: secondPlan, TokenCost: 800, Succeeded: true, Score: 0.9},
	}}

	eng := New(model, warehouseBackend(), testCatalog(),
		WithRetriever(retriever),
		WithMaxCorrections(0),
	)

	ch, err := eng.ExecuteQuery(context.Background(), "s1", "describe the orders table")
	require.NoError(t, err)
	evs := drain(t, ch)

	last := evs[len(evs)-1]
	require.Equal(t, events.TypeTurnCompleted, last.Type)
	assert.Equal(t, "schema of orders", last.Data.(*events.TurnCompletedData).Answer)

	assert.Equal(t, 2, model.CallCount(), "initial plan plus one champion-seeded replan")
}

func TestEngine_ExecuteQuery_ReplanKeepsSucceededResults(t *testing.T) {
	// Phase 0 succeeds before phase 1 exhausts its corrections. After the
	// champion-seeded replan the fresh phase must still hydrate phase 0's
	// result.
	firstPlan := `{"phases": [
	  {"goal": "List the tables in the warehouse", "candidates": ["list_tables"]},
	  {"goal": "Describe the 'produc' table", "candidates": ["describe_table"]}
	]}`
	secondPlan := `{"phases": [{"goal": "Describe the main table", "candidates": ["describe_table", "list_columns"]}]}`
	tacticalPick := `{"capability": "describe_table", "arguments": {"table": "orders"}}`

	model := llm.NewMockClient().
		EnqueueText(firstPlan).
		EnqueueText(secondPlan).
		EnqueueText(tacticalPick)
	retriever := &retrieval.StaticRetriever{Cases: []planner.ChampionCase{
		{Query: "describe the main table", PlanSnippet: secondPlan, TokenCost: 600, Succeeded: true, Score: 0.9},
	}}

	eng := New(model, warehouseBackend(), testCatalog(),
		WithRetriever(retriever),
		WithMaxCorrections(0),
	)

	ch, err := eng.ExecuteQuery(context.Background(), "s1", "describe the main table")
	require.NoError(t, err)
	evs := drain(t, ch)

	last := evs[len(evs)-1]
	require.Equal(t, events.TypeTurnCompleted, last.Type)
	assert.Equal(t, "schema of orders", last.Data.(*events.TurnCompletedData).Answer)

	// The tactical call after the replan saw the carried phase's output.
	require.Equal(t, 3, model.CallCount(), "two plans plus one tactical resolution")
	prompt := model.Requests()[2].Messages[0].Content
	assert.Contains(t, prompt, "orders\ncustomers")
}

func TestEngine_ExecuteQuery_ReplanUnavailableWithoutChampions(t *testing.T) {
	firstPlan := `{"phases": [{"goal": "Describe the 'produc' table", "candidates": ["describe_table"]}]}`
	model := llm.NewMockClient().EnqueueText(firstPlan)

	eng := New(model, warehouseBackend(), testCatalog(), WithMaxCorrections(0))

	ch, err := eng.ExecuteQuery(context.Background(), "s1", "describe the produc table")
	require.NoError(t, err)
	evs := drain(t, ch)

	last := evs[len(evs)-1]
	assert.Equal(t, events.TypeTurnFailed, last.Type)
	assert.Equal(t, 1, model.CallCount(), "no replan without a champion case")
}

func TestEngine_ExecuteQuery_UnboundRequiredArgumentCorrected(t *testing.T) {
	// The tactical pick omits the required table argument. The call must
	// route to correction instead of reaching the backend incomplete.
	plan := `{"phases": [{"goal": "Describe the main fact table", "candidates": ["describe_table", "list_columns"]}]}`
	pick := `{"capability": "describe_table", "arguments": {}}`
	fix := `{"arguments": {"table": "orders"}}`

	model := llm.NewMockClient().
		EnqueueText(plan).
		EnqueueText(pick).
		EnqueueText(fix)
	backend := warehouseBackend()

	eng := New(model, backend, testCatalog())

	ch, err := eng.ExecuteQuery(context.Background(), "s1", "describe the main fact table")
	require.NoError(t, err)
	evs := drain(t, ch)

	last := evs[len(evs)-1]
	require.Equal(t, events.TypeTurnCompleted, last.Type)
	assert.Equal(t, "schema of orders", last.Data.(*events.TurnCompletedData).Answer)

	records := backend.InvocationsOf("describe_table")
	require.Len(t, records, 1, "only the corrected call reaches the backend")
	assert.Equal(t, "orders", records[0].Arguments["table"])
	assert.Equal(t, 3, model.CallCount(), "plan, tactical pick, one correction")
}

func TestEngine_ExecuteQuery_ColumnIterationBothPaths(t *testing.T) {
	// Fast path: one candidate, the table derivable from the goal text.
	fastPlan := `{"phases": [{"goal": "Profile every column of table: orders", "candidates": ["column_profile"]}]}`
	// Tactical path: two candidates force a model resolution that picks
	// the same capability with the same arguments.
	tacticalPlan := `{"phases": [{"goal": "Profile every column of the orders table", "candidates": ["column_profile", "describe_table"]}]}`
	tacticalPick := `{"capability": "column_profile", "arguments": {"table": "orders"}}`

	run := func(t *testing.T, model *llm.MockClient) *events.CapabilityInvokedData {
		eng := New(model, warehouseBackend(), testCatalog())
		ch, err := eng.ExecuteQuery(context.Background(), "s1", "profile the orders table")
		require.NoError(t, err)
		evs := drain(t, ch)

		require.Equal(t, events.TypeTurnCompleted, evs[len(evs)-1].Type)
		for _, ev := range evs {
			if ev.Type == events.TypeCapabilityInvoked {
				return ev.Data.(*events.CapabilityInvokedData)
			}
		}
		t.Fatal("no capability_invoked event")
		return nil
	}

	fast := run(t, llm.NewMockClient().EnqueueText(fastPlan))
	tactical := run(t, llm.NewMockClient().EnqueueText(tacticalPlan).EnqueueText(tacticalPick))

	// Identical expansion regardless of how the phase was resolved: one
	// enumeration call plus one call per column.
	assert.Equal(t, "column_iteration", fast.Orchestrator)
	assert.Equal(t, fast.Orchestrator, tactical.Orchestrator)
	assert.Equal(t, 3, fast.Expanded)
	assert.Equal(t, fast.Expanded, tactical.Expanded)
}

func TestEngine_ClassifierAndCorrectionBoundCompose(t *testing.T) {
	// Both options must survive regardless of order: the custom pattern
	// table classifies the failure and the zero bound still applies.
	dir := t.TempDir()
	path := filepath.Join(dir, "patterns.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"pattern": "flux", "class": "recoverable"}]`), 0o644))
	classifier, err := execute.NewClassifierFromFile(path)
	require.NoError(t, err)
	defer classifier.Close()

	plan := `{"phases": [{"goal": "Describe the 'orders' table", "candidates": ["describe_table"]}]}`
	model := llm.NewMockClient().EnqueueText(plan)
	backend := capability.NewMockClient(nil).
		Handle("describe_table", func(map[string]any) (*capability.Result, error) {
			return nil, errors.New("flux capacitor drained")
		})

	eng := New(model, backend, testCatalog(),
		WithMaxCorrections(0),
		WithClassifier(classifier),
	)

	ch, err := eng.ExecuteQuery(context.Background(), "s1", "describe the orders table")
	require.NoError(t, err)
	evs := drain(t, ch)

	assert.Equal(t, events.TypeTurnFailed, evs[len(evs)-1].Type)
	assert.Len(t, backend.InvocationsOf("describe_table"), 1,
		"a recoverable failure with a zero correction bound exhausts on the first call")
	assert.Equal(t, 1, model.CallCount(), "no correction calls were made")
}

func TestEngine_ExecuteQuery_CancelledBetweenPhases(t *testing.T) {
	model := llm.NewMockClient().EnqueueText(describePlan)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	eng := New(model, warehouseBackend(), testCatalog())

	ch, err := eng.ExecuteQuery(ctx, "s1", "describe the orders table")
	require.NoError(t, err)
	evs := drain(t, ch)

	last := evs[len(evs)-1]
	assert.Equal(t, events.TypeTurnFailed, last.Type)
	assert.Contains(t, last.Data.(*events.TurnFailedData).Reason, "cancelled")
}

func TestEngine_ExecuteQuery_RetrievalOutageDegrades(t *testing.T) {
	model := llm.NewMockClient().EnqueueText(describePlan)
	retriever := &retrieval.StaticRetriever{
		Cases: []planner.ChampionCase{{Query: "x", PlanSnippet: "{}", Succeeded: true}},
		Fail:  true,
	}

	eng := New(model, warehouseBackend(), testCatalog(), WithRetriever(retriever))

	ch, err := eng.ExecuteQuery(context.Background(), "s1", "describe the orders table")
	require.NoError(t, err)
	evs := drain(t, ch)

	assert.Equal(t, events.TypeTurnCompleted, evs[len(evs)-1].Type)

	// Planning proceeded without a champion hint.
	prompt := model.Requests()[0].Messages[0].Content
	assert.NotContains(t, prompt, "Previous request")
}
