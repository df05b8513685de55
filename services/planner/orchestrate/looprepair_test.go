// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrate

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rgeissen/uderia-sub006/services/planner"
	"github.com/rgeissen/uderia-sub006/services/planner/capability"
)

func describeTarget() Target {
	return Target{
		Capability: planner.CapabilityDescriptor{
			Kind: planner.KindTool,
			Name: "describe_table",
			Arguments: []planner.ArgumentSpec{
				{Name: "table", Type: "string", Required: true},
			},
		},
		Arguments: map[string]any{},
	}
}

// repairTurn builds a turn whose phase 0 succeeded with the given payload
// and whose phase 1 carries the loop-repair flag.
func repairTurn(payload string) (*planner.Turn, *planner.Phase) {
	turn := planner.NewTurn("session-1", "describe every table")
	flagged := &planner.Phase{Ordinal: 1, Goal: "Describe each listed table"}
	flagged.AddFlag(planner.FlagLoopRepair)
	turn.Plan = &planner.MetaPlan{Phases: []*planner.Phase{
		{
			Ordinal: 0,
			Goal:    "List the tables",
			Status:  planner.PhaseSucceeded,
			Result:  &planner.PhaseResult{Payload: payload, Calls: 1},
		},
		flagged,
	}}
	return turn, flagged
}

func TestLoopRepair_Run(t *testing.T) {
	client := capability.NewMockClient(nil).
		Handle("describe_table", func(args map[string]any) (*capability.Result, error) {
			return &capability.Result{Output: fmt.Sprintf("schema of %v", args["table"])}, nil
		})

	turn, phase := repairTurn("orders\ncustomers\nproducts")
	cost := planner.NewCostAccumulator()

	exp, err := NewLoopRepair(client, DefaultConfig()).Run(context.Background(), turn, phase, describeTarget(), cost)
	require.NoError(t, err)

	require.Len(t, exp.Calls, 3)
	assert.Equal(t, "orders", exp.Calls[0].Arguments["table"])
	assert.Equal(t, "customers", exp.Calls[1].Arguments["table"])
	assert.Equal(t, "products", exp.Calls[2].Arguments["table"])

	require.NotNil(t, exp.Result)
	assert.Equal(t, 3, exp.Result.Calls)
	assert.Contains(t, exp.Result.Payload, "[customers]\nschema of customers")
	assert.Equal(t, KindLoopRepair, exp.Orchestrator)
	assert.Equal(t, 3, cost.Snapshot().CapabilityCalls)
}

func TestLoopRepair_Run_SkipsTabularHeader(t *testing.T) {
	client := capability.NewMockClient(nil).
		HandleStatic("describe_table", "ok")

	turn, phase := repairTurn("name,row_count\norders\ncustomers")

	exp, err := NewLoopRepair(client, DefaultConfig()).Run(context.Background(), turn, phase, describeTarget(), planner.NewCostAccumulator())
	require.NoError(t, err)

	require.Len(t, exp.Calls, 2, "the header line is not iterated")
	assert.Equal(t, "orders", exp.Calls[0].Arguments["table"])
	assert.Equal(t, "customers", exp.Calls[1].Arguments["table"])
}

func TestLoopRepair_Run_NoDataSource(t *testing.T) {
	client := capability.NewMockClient(nil)

	turn := planner.NewTurn("session-1", "describe every table")
	phase := &planner.Phase{Ordinal: 0, Goal: "Describe each listed table"}
	turn.Plan = &planner.MetaPlan{Phases: []*planner.Phase{phase}}

	_, err := NewLoopRepair(client, DefaultConfig()).Run(context.Background(), turn, phase, describeTarget(), planner.NewCostAccumulator())
	assert.ErrorContains(t, err, "no earlier data source")
	assert.Empty(t, client.Invocations())
}

func TestLoopRepair_Run_NoUnboundArgument(t *testing.T) {
	client := capability.NewMockClient(nil)

	turn, phase := repairTurn("orders\ncustomers")
	target := describeTarget()
	target.Arguments["table"] = "orders"

	_, err := NewLoopRepair(client, DefaultConfig()).Run(context.Background(), turn, phase, target, planner.NewCostAccumulator())
	assert.ErrorContains(t, err, "no unbound string argument")
}

func TestLoopRepair_Run_ItemCountExceedsCap(t *testing.T) {
	client := capability.NewMockClient(nil)
	cfg := DefaultConfig()
	cfg.MaxIterations = 1

	turn, phase := repairTurn("orders\ncustomers")

	_, err := NewLoopRepair(client, cfg).Run(context.Background(), turn, phase, describeTarget(), planner.NewCostAccumulator())
	assert.ErrorIs(t, err, planner.ErrIterationLimitExceeded)
}
