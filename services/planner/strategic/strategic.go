// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package strategic produces the multi-phase meta-plan for a turn.
//
// The planner makes one model call with the query, the capability catalog,
// and (when available) the top champion case as a worked example. A
// response that does not parse into the expected phase structure gets one
// bounded corrective retry before the failure surfaces as a
// PlanStructuralError.
package strategic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/rgeissen/uderia-sub006/services/llm"
	"github.com/rgeissen/uderia-sub006/services/planner"
	"github.com/rgeissen/uderia-sub006/services/planner/assemble"
)

// planValidate validates parsed plan structures.
var planValidate = validator.New()

// planResponse is the JSON shape the model must return.
type planResponse struct {
	Phases []phaseResponse `json:"phases" validate:"required,min=1,dive"`
}

type phaseResponse struct {
	Goal       string   `json:"goal" validate:"required"`
	Candidates []string `json:"candidates" validate:"required,min=1"`
}

// Planner is the strategic planner.
//
// Thread Safety: Planner is safe for concurrent use.
type Planner struct {
	client llm.Client

	// maxAttempts bounds planning model calls (initial + corrective).
	maxAttempts int
}

// Option configures a Planner.
type Option func(*Planner)

// WithMaxAttempts sets the total attempt budget (minimum 1).
func WithMaxAttempts(n int) Option {
	return func(p *Planner) {
		if n >= 1 {
			p.maxAttempts = n
		}
	}
}

// NewPlanner creates a strategic planner.
//
// Inputs:
//
//	client - The model provider client.
//	opts - Configuration options.
func NewPlanner(client llm.Client, opts ...Option) *Planner {
	p := &Planner{
		client:      client,
		maxAttempts: 2, // initial call plus one corrective retry
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan produces a meta-plan for the query.
//
// Inputs:
//
//	ctx - Context for cancellation and timeout.
//	query - The user query.
//	assembled - The assembled prompt context.
//	champions - Ranked champion cases; the top case seeds the prompt.
//	cost - The turn's cost accumulator.
//
// Outputs:
//
//	*planner.MetaPlan - The meta-plan with 1..N pending phases.
//	error - *planner.PlanStructuralError after the retry budget, or the
//	        provider error for transport failures.
func (p *Planner) Plan(ctx context.Context, query string, assembled *assemble.Assembled, champions []planner.ChampionCase, cost *planner.CostAccumulator) (*planner.MetaPlan, error) {
	if strings.TrimSpace(query) == "" {
		return nil, planner.ErrEmptyQuery
	}

	var champion *planner.ChampionCase
	if len(champions) > 0 {
		champion = &champions[0]
	}

	prompt := buildPlanningPrompt(query, assembled.CatalogRendering, champion)
	var lastDetail string

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		messages := []llm.Message{{Role: "user", Content: prompt}}
		if attempt > 1 {
			messages = append(messages, llm.Message{
				Role:    "user",
				Content: correctivePrompt(lastDetail),
			})
		}

		resp, err := p.client.Invoke(ctx, &llm.Request{
			SystemPrompt: planningSystemPrompt,
			Messages:     messages,
		})
		if err != nil {
			return nil, fmt.Errorf("strategic planning call: %w", err)
		}
		cost.AddModelUsage(resp.InputTokens, resp.OutputTokens, resp.CostUSD)

		plan, err := ParsePlan(resp.Text)
		if err == nil {
			plan.ChampionSeeded = champion != nil
			slog.Info("Strategic plan produced",
				slog.Int("phases", len(plan.Phases)),
				slog.Bool("champion_seeded", plan.ChampionSeeded),
				slog.Int("attempt", attempt),
			)
			return plan, nil
		}

		lastDetail = err.Error()
		slog.Warn("Strategic plan parse failed",
			slog.Int("attempt", attempt),
			slog.String("detail", lastDetail),
		)
	}

	return nil, &planner.PlanStructuralError{
		Detail:   lastDetail,
		Attempts: p.maxAttempts,
	}
}

// ParsePlan parses a model response into a meta-plan.
//
// The response may wrap the JSON object in a fenced code block; anything
// outside the outermost braces is ignored.
//
// Inputs:
//
//	text - The raw model response.
//
// Outputs:
//
//	*planner.MetaPlan - The parsed plan with phases in pending status.
//	error - Non-nil when the text does not contain a valid structure.
func ParsePlan(text string) (*planner.MetaPlan, error) {
	raw := extractJSONObject(text)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var parsed planResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal phases: %w", err)
	}
	if err := planValidate.Struct(parsed); err != nil {
		return nil, fmt.Errorf("validate phases: %w", err)
	}

	plan := &planner.MetaPlan{}
	for i, ph := range parsed.Phases {
		candidates := make([]string, 0, len(ph.Candidates))
		for _, c := range ph.Candidates {
			c = strings.TrimSpace(c)
			if c != "" {
				candidates = append(candidates, c)
			}
		}
		if len(candidates) == 0 {
			return nil, fmt.Errorf("phase %d has no usable candidates", i)
		}
		plan.Phases = append(plan.Phases, &planner.Phase{
			Ordinal:    i,
			Goal:       strings.TrimSpace(ph.Goal),
			Candidates: candidates,
			Status:     planner.PhasePending,
		})
	}
	return plan, nil
}

// extractJSONObject returns the outermost JSON object in the text.
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// SerializePlan renders a meta-plan as the snippet format archived with
// champion cases and replayed as a worked example.
func SerializePlan(plan *planner.MetaPlan) string {
	out := planResponse{}
	for _, p := range plan.Phases {
		out.Phases = append(out.Phases, phaseResponse{
			Goal:       p.Goal,
			Candidates: p.Candidates,
		})
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return ""
	}
	return string(b)
}
