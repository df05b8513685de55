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
	"log/slog"
	"strings"

	"github.com/rgeissen/uderia-sub006/services/planner"
	"github.com/rgeissen/uderia-sub006/services/planner/capability"
)

// ColumnIteration expands a call to a column-scoped capability whose
// column argument is absent: one enumeration call lists the columns, then
// the target capability runs once per column.
//
// The expansion fires identically whether the phase was resolved on the
// fast path or the tactical path; NeedsColumnIteration is the single
// gate for both.
//
// Thread Safety: ColumnIteration is safe for concurrent use.
type ColumnIteration struct {
	client capability.Client
	cfg    Config
}

// NewColumnIteration creates the column-iteration orchestrator.
func NewColumnIteration(client capability.Client, cfg Config) *ColumnIteration {
	return &ColumnIteration{client: client, cfg: cfg}
}

// Run executes the expansion for a phase.
//
// Inputs:
//
//	ctx - Context for cancellation and timeout.
//	phase - The phase being executed.
//	target - The resolved column-scoped call missing its column.
//
// Outputs:
//
//	*Expansion - One logical result with per-column calls nested.
//	error - Non-nil when enumeration fails or exceeds the iteration cap.
func (c *ColumnIteration) Run(ctx context.Context, phase *planner.Phase, target Target, cost *planner.CostAccumulator) (*Expansion, error) {
	argName, ok := columnArgName(target.Capability)
	if !ok {
		return nil, fmt.Errorf("capability %q has no column argument", target.Capability.Name)
	}

	exp := &Expansion{Orchestrator: KindColumnIteration}

	// Enumerate the columns. Non-column arguments of the target (e.g.
	// the table name) are forwarded so the enumeration is scoped to the
	// same source.
	enumResult, record := invoke(ctx, c.client, cost, c.cfg.ColumnEnumCapability, cloneArgs(target.Arguments))
	exp.Calls = append(exp.Calls, record)
	if enumResult == nil {
		return exp, fmt.Errorf("column enumeration failed: %s", record.Err)
	}

	columns := ParseColumnList(enumResult)
	if len(columns) == 0 {
		return exp, fmt.Errorf("column enumeration returned no columns")
	}
	if len(columns) > c.cfg.MaxIterations {
		return exp, fmt.Errorf("%w: %d columns exceed cap %d",
			planner.ErrIterationLimitExceeded, len(columns), c.cfg.MaxIterations)
	}

	slog.Debug("Column iteration expanding",
		slog.Int("phase", phase.Ordinal),
		slog.String("capability", target.Capability.Name),
		slog.Int("columns", len(columns)),
	)

	var labels, outputs []string
	for _, column := range columns {
		if err := ctx.Err(); err != nil {
			return exp, err
		}
		args := cloneArgs(target.Arguments)
		args[argName] = column

		result, record := invoke(ctx, c.client, cost, target.Capability.Name, args)
		exp.Calls = append(exp.Calls, record)
		if result == nil {
			return exp, fmt.Errorf("call for column %q failed: %s", column, record.Err)
		}
		labels = append(labels, column)
		outputs = append(outputs, result.Output)
	}

	exp.Result = &planner.PhaseResult{
		Payload: consolidate(labels, outputs),
		Calls:   len(exp.Calls),
	}
	return exp, nil
}

// ParseColumnList extracts column names from an enumeration result.
// Backend-reported column metadata wins; otherwise the output is split on
// newlines or commas.
func ParseColumnList(result *capability.Result) []string {
	if len(result.Columns) > 0 {
		return result.Columns
	}

	sep := "\n"
	if !strings.Contains(result.Output, "\n") {
		sep = ","
	}
	var columns []string
	for _, part := range strings.Split(result.Output, sep) {
		col := strings.TrimSpace(part)
		if col != "" {
			columns = append(columns, col)
		}
	}
	return columns
}
