// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rgeissen/uderia-sub006/services/llm"
	"github.com/rgeissen/uderia-sub006/services/planner"
)

// Comparative executes a fixed prompt sequence against multiple model
// providers and produces a structured comparison. Used for phases asking
// how providers differ on the same task.
//
// Thread Safety: Comparative is safe for concurrent use.
type Comparative struct {
	providers []llm.Client
	cfg       Config
}

// NewComparative creates the comparative orchestrator.
//
// Inputs:
//
//	providers - The providers to compare, at least two.
func NewComparative(providers []llm.Client, cfg Config) *Comparative {
	return &Comparative{providers: providers, cfg: cfg}
}

// ProviderAnswer is one provider's response within a comparison.
type ProviderAnswer struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Answer       string `json:"answer"`
	OutputTokens int    `json:"output_tokens"`
	DurationMs   int64  `json:"duration_ms"`
	Err          string `json:"err,omitempty"`
}

// Comparison is the structured result of a comparative run.
type Comparison struct {
	Prompt  string           `json:"prompt"`
	Answers []ProviderAnswer `json:"answers"`
}

// Run executes the comparison for a phase.
//
// Each provider receives the same prompt sequence built from the phase
// goal. A single provider failure degrades that answer, not the whole
// expansion; the expansion fails only when every provider fails.
//
// Outputs:
//
//	*Expansion - One logical result holding the serialized comparison.
//	error - Non-nil when no provider produced an answer.
func (c *Comparative) Run(ctx context.Context, phase *planner.Phase, cost *planner.CostAccumulator) (*Expansion, error) {
	if len(c.providers) < 2 {
		return nil, fmt.Errorf("comparative run needs at least two providers, have %d", len(c.providers))
	}

	prompt := buildComparativePrompt(phase.Goal)
	comparison := Comparison{Prompt: prompt}
	exp := &Expansion{Orchestrator: KindComparative}
	succeeded := 0

	for _, provider := range c.providers {
		if err := ctx.Err(); err != nil {
			return exp, err
		}
		start := time.Now()
		resp, err := provider.Invoke(ctx, &llm.Request{
			Messages: []llm.Message{{Role: "user", Content: prompt}},
		})

		answer := ProviderAnswer{
			Provider:   provider.Name(),
			Model:      provider.Model(),
			DurationMs: time.Since(start).Milliseconds(),
		}
		record := planner.CallRecord{
			Capability: "model:" + provider.Name(),
			Duration:   time.Since(start),
		}
		if err != nil {
			answer.Err = err.Error()
			record.Err = err.Error()
			slog.Warn("Comparative provider failed",
				slog.String("provider", provider.Name()),
				slog.String("error", err.Error()),
			)
		} else {
			cost.AddModelUsage(resp.InputTokens, resp.OutputTokens, resp.CostUSD)
			answer.Answer = resp.Text
			answer.OutputTokens = resp.OutputTokens
			record.Output = resp.Text
			succeeded++
		}
		comparison.Answers = append(comparison.Answers, answer)
		exp.Calls = append(exp.Calls, record)
	}

	if succeeded == 0 {
		return exp, fmt.Errorf("all %d providers failed", len(c.providers))
	}

	payload, err := json.MarshalIndent(comparison, "", "  ")
	if err != nil {
		return exp, fmt.Errorf("marshal comparison: %w", err)
	}
	exp.Result = &planner.PhaseResult{
		Payload: string(payload),
		Calls:   len(exp.Calls),
	}
	return exp, nil
}

func buildComparativePrompt(goal string) string {
	goal = strings.TrimSpace(goal)
	return fmt.Sprintf("Answer the following as precisely as you can.\n\n%s", goal)
}
