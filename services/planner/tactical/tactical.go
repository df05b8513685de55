// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tactical resolves one phase into a concrete capability call.
//
// Resolution takes the fast path whenever a phase has exactly one
// candidate capability and every required argument is derivable from the
// phase goal or hydrated context without ambiguity; in that case no model
// call is made. All other phases go through one tactical model call.
//
// Arguments that cannot be resolved by either path are omitted from the
// result, never stored as null placeholders.
package tactical

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rgeissen/uderia-sub006/services/llm"
	"github.com/rgeissen/uderia-sub006/services/planner"
	"github.com/rgeissen/uderia-sub006/services/planner/assemble"
	"github.com/rgeissen/uderia-sub006/services/planner/capability"
)

// Resolution is the outcome of tactical planning for one phase.
type Resolution struct {
	// Capability is the selected capability descriptor.
	Capability planner.CapabilityDescriptor

	// Arguments are the resolved arguments. Unresolved arguments are
	// absent; no value is ever nil.
	Arguments map[string]any

	// FastPath records whether the tactical model call was skipped.
	FastPath bool

	// MissingRequired lists required arguments neither path could
	// resolve. A non-empty list routes the phase to the correction path
	// instead of executing with an invalid argument set.
	MissingRequired []string
}

// Planner is the tactical planner.
//
// Thread Safety: Planner is safe for concurrent use.
type Planner struct {
	client llm.Client
}

// NewPlanner creates a tactical planner.
func NewPlanner(client llm.Client) *Planner {
	return &Planner{client: client}
}

// Resolve resolves a phase to a capability call.
//
// Inputs:
//
//	ctx - Context for cancellation and timeout.
//	phase - The phase to resolve.
//	assembled - The assembled context (catalog rendering + hydration).
//	catalog - The capability catalog.
//	cost - The turn's cost accumulator.
//
// Outputs:
//
//	*Resolution - The resolution; check MissingRequired before executing.
//	error - Non-nil for provider failures or unknown capabilities.
func (p *Planner) Resolve(ctx context.Context, phase *planner.Phase, assembled *assemble.Assembled, catalog *capability.Catalog, cost *planner.CostAccumulator) (*Resolution, error) {
	if res, ok := p.tryFastPath(phase, assembled, catalog); ok {
		slog.Debug("Fast path taken",
			slog.Int("phase", phase.Ordinal),
			slog.String("capability", res.Capability.Name),
		)
		return res, nil
	}
	return p.resolveWithModel(ctx, phase, assembled, catalog, cost)
}

// tryFastPath attempts resolution without a model call.
//
// The fast path is taken if and only if the phase has exactly one
// candidate capability and every required argument is derivable without
// ambiguity. A fast-path resolution therefore never omits a required
// argument.
func (p *Planner) tryFastPath(phase *planner.Phase, assembled *assemble.Assembled, catalog *capability.Catalog) (*Resolution, bool) {
	if len(phase.Candidates) != 1 {
		return nil, false
	}
	desc, ok := catalog.Lookup(phase.Candidates[0])
	if !ok {
		return nil, false
	}

	args := make(map[string]any)
	for _, spec := range desc.Arguments {
		value, ok := deriveArgument(spec, phase.Goal, assembled.Hydrated)
		if ok {
			args[spec.Name] = value
			continue
		}
		if spec.Required {
			// Not derivable without ambiguity; take the tactical path.
			return nil, false
		}
	}

	return &Resolution{
		Capability: desc,
		Arguments:  args,
		FastPath:   true,
	}, true
}

// tacticalResponse is the JSON shape the tactical model call must return.
type tacticalResponse struct {
	Capability string         `json:"capability"`
	Arguments  map[string]any `json:"arguments"`
}

// resolveWithModel makes the tactical model call and parses its response.
func (p *Planner) resolveWithModel(ctx context.Context, phase *planner.Phase, assembled *assemble.Assembled, catalog *capability.Catalog, cost *planner.CostAccumulator) (*Resolution, error) {
	prompt := buildTacticalPrompt(phase, assembled, catalog)

	resp, err := p.client.Invoke(ctx, &llm.Request{
		SystemPrompt: tacticalSystemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("tactical call: %w", err)
	}
	cost.AddModelUsage(resp.InputTokens, resp.OutputTokens, resp.CostUSD)

	parsed, err := parseTacticalResponse(resp.Text)
	if err != nil {
		return nil, err
	}

	desc, ok := catalog.Lookup(parsed.Capability)
	if !ok {
		return nil, fmt.Errorf("%w: %q", planner.ErrCapabilityNotFound, parsed.Capability)
	}

	args := PruneNulls(parsed.Arguments)

	res := &Resolution{
		Capability: desc,
		Arguments:  args,
	}
	for _, name := range desc.RequiredArguments() {
		if _, ok := args[name]; !ok {
			res.MissingRequired = append(res.MissingRequired, name)
		}
	}
	if len(res.MissingRequired) > 0 {
		slog.Warn("Tactical resolution left required arguments unresolved",
			slog.Int("phase", phase.Ordinal),
			slog.String("capability", desc.Name),
			slog.String("missing", strings.Join(res.MissingRequired, ", ")),
		)
	}
	return res, nil
}

// parseTacticalResponse parses the model response, tolerating fenced
// wrappers around the JSON object.
func parseTacticalResponse(text string) (*tacticalResponse, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in tactical response")
	}
	var parsed tacticalResponse
	if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal tactical response: %w", err)
	}
	if parsed.Capability == "" {
		return nil, fmt.Errorf("tactical response names no capability")
	}
	return &parsed, nil
}

// PruneNulls removes nil-valued entries recursively. The resolved-argument
// invariant requires unresolved fields to be absent, never null.
func PruneNulls(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if v == nil {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = PruneNulls(nested)
			continue
		}
		out[k] = v
	}
	return out
}

const tacticalSystemPrompt = `You select the single capability call that accomplishes a phase goal.

Respond with a single JSON object:
{"capability": "<name>", "arguments": {<argument name>: <value>, ...}}

Rules:
- Choose only from the listed candidates.
- Include an argument only when you can resolve its value; never use null.
- Use values from the provided context verbatim where applicable.`

// buildTacticalPrompt renders the phase goal, candidate schemas, and
// hydrated context.
func buildTacticalPrompt(phase *planner.Phase, assembled *assemble.Assembled, catalog *capability.Catalog) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Phase goal: %s\n\nCandidates:\n", phase.Goal)
	for _, name := range phase.Candidates {
		desc, ok := catalog.Lookup(name)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", desc.Name, desc.Kind, desc.Description)
		for _, a := range desc.Arguments {
			req := "optional"
			if a.Required {
				req = "required"
			}
			fmt.Fprintf(&b, "    %s (%s, %s)\n", a.Name, a.Type, req)
		}
	}
	if assembled.Hydrated != "" {
		fmt.Fprintf(&b, "\nContext:\n%s\n", assembled.Hydrated)
	}
	return b.String()
}
