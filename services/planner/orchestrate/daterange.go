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
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rgeissen/uderia-sub006/services/planner"
	"github.com/rgeissen/uderia-sub006/services/planner/capability"
)

// DateRange expands a phase whose goal implies a relative multi-day span:
// one anchor call resolves the current date, the concrete date list is
// computed deterministically, and the selected single-day capability runs
// once per date.
//
// Thread Safety: DateRange is safe for concurrent use.
type DateRange struct {
	client capability.Client
	cfg    Config
}

// NewDateRange creates the date-range orchestrator.
func NewDateRange(client capability.Client, cfg Config) *DateRange {
	return &DateRange{client: client, cfg: cfg}
}

var relativeSpanPattern = regexp.MustCompile(`(?i)\b(?:past|last)\s+(\d+|two|three|four|five|six|seven)\s+(day|week|month)s?\b`)

// bareSpanPattern covers numberless spans ("last week", "last month")
// that the plan validator also flags for expansion.
var bareSpanPattern = regexp.MustCompile(`(?i)\blast\s+(week|month)\b`)

var wordNumbers = map[string]int{
	"two": 2, "three": 3, "four": 4, "five": 5, "six": 6, "seven": 7,
}

// SpanDays extracts the relative span implied by a goal, in days.
//
// Outputs:
//
//	int - The span length in days.
//	bool - False when the goal implies no multi-day span.
func SpanDays(goal string) (int, bool) {
	if m := relativeSpanPattern.FindStringSubmatch(goal); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			n = wordNumbers[strings.ToLower(m[1])]
		}
		if n <= 0 {
			return 0, false
		}
		switch strings.ToLower(m[2]) {
		case "day":
			return n, true
		case "week":
			return n * 7, true
		case "month":
			return n * 30, true
		}
	}
	if m := bareSpanPattern.FindStringSubmatch(goal); m != nil {
		if strings.EqualFold(m[1], "week") {
			return 7, true
		}
		return 30, true
	}
	return 0, false
}

// Run executes the expansion for a phase.
//
// The date list is the N days immediately before the anchor date,
// ascending. With anchor 2026-02-09 and a two-day span the underlying
// calls target 2026-02-07 and 2026-02-08.
//
// Inputs:
//
//	ctx - Context for cancellation and timeout.
//	phase - The flagged phase.
//	target - The resolved single-day capability call.
//
// Outputs:
//
//	*Expansion - One logical result with the per-day calls nested.
//	error - Non-nil when the anchor is unresolvable or the span exceeds
//	        the iteration cap.
func (d *DateRange) Run(ctx context.Context, phase *planner.Phase, target Target, cost *planner.CostAccumulator) (*Expansion, error) {
	days, ok := SpanDays(phase.Goal)
	if !ok {
		return nil, fmt.Errorf("phase %d goal implies no date span", phase.Ordinal)
	}
	if days > d.cfg.MaxIterations {
		return nil, fmt.Errorf("%w: span of %d days exceeds cap %d",
			planner.ErrIterationLimitExceeded, days, d.cfg.MaxIterations)
	}

	argName, ok := dateArgName(target.Capability)
	if !ok {
		return nil, fmt.Errorf("capability %q has no date argument", target.Capability.Name)
	}

	exp := &Expansion{Orchestrator: KindDateRange}

	// Resolve the anchor date with a dedicated capability call.
	anchorResult, record := invoke(ctx, d.client, cost, d.cfg.AnchorCapability, map[string]any{})
	exp.Calls = append(exp.Calls, record)
	if anchorResult == nil {
		return exp, fmt.Errorf("anchor date call failed: %s", record.Err)
	}
	anchor, err := parseAnchorDate(anchorResult.Output)
	if err != nil {
		return exp, fmt.Errorf("parse anchor date: %w", err)
	}

	slog.Debug("Date range resolved",
		slog.Int("phase", phase.Ordinal),
		slog.String("anchor", anchor.Format(time.DateOnly)),
		slog.Int("days", days),
	)

	var labels, outputs []string
	for offset := days; offset >= 1; offset-- {
		if err := ctx.Err(); err != nil {
			return exp, err
		}
		date := anchor.AddDate(0, 0, -offset).Format(time.DateOnly)

		args := cloneArgs(target.Arguments)
		args[argName] = date

		result, record := invoke(ctx, d.client, cost, target.Capability.Name, args)
		exp.Calls = append(exp.Calls, record)
		if result == nil {
			return exp, fmt.Errorf("call for %s failed: %s", date, record.Err)
		}
		labels = append(labels, date)
		outputs = append(outputs, result.Output)
	}

	exp.Result = &planner.PhaseResult{
		Payload: consolidate(labels, outputs),
		Calls:   len(exp.Calls),
	}
	return exp, nil
}

// parseAnchorDate extracts the first ISO date from the anchor output.
func parseAnchorDate(output string) (time.Time, error) {
	m := regexp.MustCompile(`\d{4}-\d{2}-\d{2}`).FindString(output)
	if m == "" {
		return time.Time{}, fmt.Errorf("no ISO date in %q", output)
	}
	return time.Parse(time.DateOnly, m)
}
