// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package execute

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rgeissen/uderia-sub006/services/llm"
	"github.com/rgeissen/uderia-sub006/services/planner"
	"github.com/rgeissen/uderia-sub006/services/planner/capability"
	"github.com/rgeissen/uderia-sub006/services/planner/events"
	"github.com/rgeissen/uderia-sub006/services/planner/orchestrate"
)

func describeTableTarget(args map[string]any) orchestrate.Target {
	return orchestrate.Target{
		Capability: planner.CapabilityDescriptor{
			Kind: planner.KindTool,
			Name: "describe_table",
			Arguments: []planner.ArgumentSpec{
				{Name: "table", Type: "string", Required: true},
			},
		},
		Arguments: args,
	}
}

// resolvedPhase builds a phase in the state Execute expects: resolved,
// with its capability and arguments bound.
func resolvedPhase(args map[string]any) (*planner.Turn, *planner.Phase) {
	turn := planner.NewTurn("session-1", "describe the product table")
	phase := &planner.Phase{
		Ordinal:            0,
		Goal:               "Describe the product table",
		Status:             planner.PhaseResolving,
		ResolvedCapability: "describe_table",
		Arguments:          args,
	}
	turn.Plan = &planner.MetaPlan{Phases: []*planner.Phase{phase}}
	return turn, phase
}

func testEmitter() *events.Emitter {
	return events.NewEmitter(context.Background(), "turn-1", "session-1", nil)
}

func TestExecutor_Execute_Success(t *testing.T) {
	client := capability.NewMockClient(nil).
		HandleStatic("describe_table", "id INT, name TEXT")
	model := llm.NewMockClient()

	turn, phase := resolvedPhase(map[string]any{"table": "products"})
	exec := NewExecutor(client, model, NewClassifier())

	err := exec.Execute(context.Background(), turn, phase, describeTableTarget(phase.Arguments), planner.NewCostAccumulator(), testEmitter())
	require.NoError(t, err)

	assert.Equal(t, planner.PhaseSucceeded, phase.Status)
	require.NotNil(t, phase.Result)
	assert.Equal(t, "id INT, name TEXT", phase.Result.Payload)
	assert.Zero(t, phase.RetryCount)
	assert.Zero(t, model.CallCount())
}

func TestExecutor_Execute_RecoverableFailureCorrected(t *testing.T) {
	client := capability.NewMockClient(nil).
		Handle("describe_table", func(args map[string]any) (*capability.Result, error) {
			if args["table"] == "product" {
				return nil, fmt.Errorf("Table 'product' doesn't exist")
			}
			return &capability.Result{Output: "id INT, name TEXT"}, nil
		})
	model := llm.NewMockClient().
		EnqueueText(`{"arguments": {"table": "products"}}`)

	turn, phase := resolvedPhase(map[string]any{"table": "product"})
	var corrections []*events.Event
	emitter := testEmitter()
	emitter.Register(func(ev *events.Event) {
		if ev.Type == events.TypeCorrectionAttempted {
			corrections = append(corrections, ev)
		}
	})

	exec := NewExecutor(client, model, NewClassifier())
	err := exec.Execute(context.Background(), turn, phase, describeTableTarget(phase.Arguments), planner.NewCostAccumulator(), emitter)
	require.NoError(t, err)

	assert.Equal(t, planner.PhaseSucceeded, phase.Status)
	assert.Equal(t, 1, phase.RetryCount)
	assert.Equal(t, "products", phase.Arguments["table"], "the corrected argument replaces the failing one")
	assert.Equal(t, 1, model.CallCount(), "one targeted correction call")
	require.Len(t, corrections, 1)
	assert.Equal(t, 1, turn.Trace.CorrectionCount(0))

	// The correction prompt carries the exact failure text and the hint.
	prompt := model.Requests()[0].Messages[0].Content
	assert.Contains(t, prompt, "Table 'product' doesn't exist")
	assert.Contains(t, prompt, "misspelled")
}

func TestExecutor_Execute_UnrecoverableFailsImmediately(t *testing.T) {
	client := capability.NewMockClient(nil).
		Handle("describe_table", func(map[string]any) (*capability.Result, error) {
			return nil, &capability.Error{Code: capability.CodePermissionDenied, Message: "permission denied"}
		})
	model := llm.NewMockClient()

	turn, phase := resolvedPhase(map[string]any{"table": "products"})
	exec := NewExecutor(client, model, NewClassifier())

	err := exec.Execute(context.Background(), turn, phase, describeTableTarget(phase.Arguments), planner.NewCostAccumulator(), testEmitter())
	require.Error(t, err)

	assert.Equal(t, planner.PhaseFailed, phase.Status)
	assert.Zero(t, phase.RetryCount, "no correction for an unrecoverable failure")
	assert.Zero(t, model.CallCount())
	assert.Len(t, client.Invocations(), 1)
	assert.NotEmpty(t, phase.ErrorDetail)
}

func TestExecutor_Execute_CorrectionBoundExhausted(t *testing.T) {
	client := capability.NewMockClient(nil).
		Handle("describe_table", func(map[string]any) (*capability.Result, error) {
			return nil, fmt.Errorf("Table 'produc' doesn't exist")
		})
	model := llm.NewMockClient()
	model.Fallback = &llm.Response{Text: `{"arguments": {"table": "produc"}}`, InputTokens: 10, OutputTokens: 10}

	turn, phase := resolvedPhase(map[string]any{"table": "produc"})
	exec := NewExecutor(client, model, NewClassifier(), WithMaxCorrections(2))

	err := exec.Execute(context.Background(), turn, phase, describeTableTarget(phase.Arguments), planner.NewCostAccumulator(), testEmitter())
	require.Error(t, err)

	assert.ErrorIs(t, err, planner.ErrMaxRetriesExceeded)
	assert.Equal(t, planner.PhaseFailed, phase.Status)
	assert.Equal(t, 2, phase.RetryCount)
	assert.Equal(t, 2, model.CallCount())
	assert.Len(t, client.Invocations(), 3, "initial call plus one per correction")
}

func TestExecutor_Execute_MissingRequiredArgumentCorrected(t *testing.T) {
	client := capability.NewMockClient(nil).
		HandleStatic("describe_table", "id INT, name TEXT")
	model := llm.NewMockClient().
		EnqueueText(`{"arguments": {"table": "products"}}`)

	turn, phase := resolvedPhase(map[string]any{})
	exec := NewExecutor(client, model, NewClassifier())

	err := exec.Execute(context.Background(), turn, phase, describeTableTarget(phase.Arguments), planner.NewCostAccumulator(), testEmitter())
	require.NoError(t, err)

	assert.Equal(t, planner.PhaseSucceeded, phase.Status)
	assert.Equal(t, 1, phase.RetryCount)

	// The backend saw only the corrected call, never the incomplete one.
	records := client.Invocations()
	require.Len(t, records, 1)
	assert.Equal(t, "products", records[0].Arguments["table"])

	prompt := model.Requests()[0].Messages[0].Content
	assert.Contains(t, prompt, "required arguments unresolved: table")
}

func TestExecutor_Execute_MissingRequiredExhausted(t *testing.T) {
	client := capability.NewMockClient(nil).
		HandleStatic("describe_table", "id INT, name TEXT")
	model := llm.NewMockClient()
	model.Fallback = &llm.Response{Text: `{"arguments": {}}`, InputTokens: 10, OutputTokens: 10}

	turn, phase := resolvedPhase(map[string]any{})
	exec := NewExecutor(client, model, NewClassifier(), WithMaxCorrections(2))

	err := exec.Execute(context.Background(), turn, phase, describeTableTarget(phase.Arguments), planner.NewCostAccumulator(), testEmitter())
	require.Error(t, err)

	assert.ErrorIs(t, err, planner.ErrMaxRetriesExceeded)
	assert.Equal(t, planner.PhaseFailed, phase.Status)
	assert.Empty(t, client.Invocations(), "an incomplete argument set never reaches the backend")
	assert.Equal(t, 2, model.CallCount())
}

func TestExecutor_Execute_UnknownFailureRetriedOnce(t *testing.T) {
	client := capability.NewMockClient(nil).
		Handle("describe_table", func(map[string]any) (*capability.Result, error) {
			return nil, errors.New("gremlins in the backend")
		})
	model := llm.NewMockClient()

	turn, phase := resolvedPhase(map[string]any{"table": "products"})
	exec := NewExecutor(client, model, NewClassifier())

	err := exec.Execute(context.Background(), turn, phase, describeTableTarget(phase.Arguments), planner.NewCostAccumulator(), testEmitter())
	require.Error(t, err)
	assert.NotErrorIs(t, err, planner.ErrMaxRetriesExceeded)

	assert.Equal(t, planner.PhaseFailed, phase.Status)
	assert.Equal(t, 1, phase.RetryCount)
	assert.Zero(t, model.CallCount(), "blind retries never consult the model")
	assert.Len(t, client.Invocations(), 2)
}

func TestExecutor_Execute_UnknownFailureThenSuccess(t *testing.T) {
	calls := 0
	client := capability.NewMockClient(nil).
		Handle("describe_table", func(map[string]any) (*capability.Result, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("transient gremlins")
			}
			return &capability.Result{Output: "fine now"}, nil
		})
	model := llm.NewMockClient()

	turn, phase := resolvedPhase(map[string]any{"table": "products"})
	exec := NewExecutor(client, model, NewClassifier())

	err := exec.Execute(context.Background(), turn, phase, describeTableTarget(phase.Arguments), planner.NewCostAccumulator(), testEmitter())
	require.NoError(t, err)
	assert.Equal(t, planner.PhaseSucceeded, phase.Status)
	assert.Equal(t, "fine now", phase.Result.Payload)
}

func TestExecutor_Execute_TabularMetadataCarried(t *testing.T) {
	client := capability.NewMockClient(nil).
		Handle("describe_table", func(map[string]any) (*capability.Result, error) {
			return &capability.Result{Output: "3 rows", RowCount: 3, Columns: []string{"id", "name"}}, nil
		})

	turn, phase := resolvedPhase(map[string]any{"table": "products"})
	exec := NewExecutor(client, llm.NewMockClient(), NewClassifier())

	require.NoError(t, exec.Execute(context.Background(), turn, phase, describeTableTarget(phase.Arguments), planner.NewCostAccumulator(), testEmitter()))
	require.NotNil(t, phase.Result.Tabular)
	assert.Equal(t, 3, phase.Result.Tabular.RowCount)
	assert.Equal(t, []string{"id", "name"}, phase.Result.Tabular.Columns)
}

func TestExecutor_Execute_PromptCapabilityUsesModel(t *testing.T) {
	client := capability.NewMockClient(nil)
	model := llm.NewMockClient().
		EnqueueText("Revenue grew 12% week over week.")

	target := orchestrate.Target{
		Capability: planner.CapabilityDescriptor{
			Kind:        planner.KindPrompt,
			Name:        "summarize_findings",
			Description: "Summarize the supplied findings in two sentences.",
			Arguments: []planner.ArgumentSpec{
				{Name: "findings", Type: "string", Required: true},
			},
		},
		Arguments: map[string]any{"findings": "weekly revenue table"},
	}
	turn, phase := resolvedPhase(target.Arguments)
	phase.ResolvedCapability = "summarize_findings"
	cost := planner.NewCostAccumulator()

	exec := NewExecutor(client, model, NewClassifier())
	require.NoError(t, exec.Execute(context.Background(), turn, phase, target, cost, testEmitter()))

	assert.Equal(t, planner.PhaseSucceeded, phase.Status)
	assert.Equal(t, "Revenue grew 12% week over week.", phase.Result.Payload)
	assert.Empty(t, client.Invocations(), "prompt capabilities never reach the backend")

	require.Equal(t, 1, model.CallCount())
	req := model.Requests()[0]
	assert.Equal(t, "Summarize the supplied findings in two sentences.", req.SystemPrompt)
	assert.Contains(t, req.Messages[0].Content, phase.Goal)
	assert.Contains(t, req.Messages[0].Content, "findings: weekly revenue table")

	snap := cost.Snapshot()
	assert.Equal(t, 1, snap.ModelCalls)
	assert.Zero(t, snap.CapabilityCalls)
}

func TestExecutor_RecordExpansion(t *testing.T) {
	turn, phase := resolvedPhase(map[string]any{})
	exec := NewExecutor(capability.NewMockClient(nil), llm.NewMockClient(), NewClassifier())

	exp := &orchestrate.Expansion{
		Orchestrator: orchestrate.KindDateRange,
		Result:       &planner.PhaseResult{Payload: "[2026-02-07]\nreport", Calls: 3},
		Calls: []planner.CallRecord{
			{Capability: "get_current_date"},
			{Capability: "daily_report"},
			{Capability: "daily_report"},
		},
	}

	require.NoError(t, exec.RecordExpansion(turn, phase, exp, testEmitter()))
	assert.Equal(t, planner.PhaseSucceeded, phase.Status)
	assert.Equal(t, exp.Result, phase.Result)

	// The whole expansion is one logical trace entry.
	logical := turn.Trace.LogicalCalls()
	require.Len(t, logical, 1)
	assert.Equal(t, planner.EntryExpansion, logical[0].Type)
	assert.Len(t, logical[0].Expanded, 3)
}

func TestExecutor_FailExpansion(t *testing.T) {
	turn, phase := resolvedPhase(map[string]any{})
	exec := NewExecutor(capability.NewMockClient(nil), llm.NewMockClient(), NewClassifier())

	failure := errors.New("column enumeration returned no columns")
	err := exec.FailExpansion(turn, phase, orchestrate.KindColumnIteration, failure)

	assert.ErrorIs(t, err, failure)
	assert.Equal(t, planner.PhaseFailed, phase.Status)
	assert.Equal(t, failure.Error(), phase.ErrorDetail)
}
