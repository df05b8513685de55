// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package execute

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rgeissen/uderia-sub006/services/planner"
)

const correctionSystemPrompt = `You are correcting a failed tool call.
You will see the tool's schema, the exact arguments that were sent, and the
exact error the tool returned. Produce a corrected call.

Rules:
- Respond with a single JSON object: {"arguments": {...}}.
- Change only what the error implicates. Keep working arguments as they were.
- Never invent values. If a required value cannot be determined, omit its key.
- Never use null as an argument value.`

// buildCorrectionPrompt assembles the targeted correction request. The
// prompt carries the exact failure and the previous arguments so the
// model fixes the call instead of re-deriving it from scratch.
func buildCorrectionPrompt(phase *planner.Phase, desc planner.CapabilityDescriptor, failure error, hint string) string {
	var b strings.Builder

	b.WriteString("Goal: ")
	b.WriteString(phase.Goal)
	b.WriteString("\n\nTool: ")
	b.WriteString(desc.Name)
	b.WriteString("\n")
	b.WriteString(desc.Description)
	b.WriteString("\n\nSchema:\n")
	for _, arg := range desc.Arguments {
		required := ""
		if arg.Required {
			required = " (required)"
		}
		fmt.Fprintf(&b, "- %s: %s%s — %s\n", arg.Name, arg.Type, required, arg.Description)
	}

	b.WriteString("\nArguments sent:\n")
	sent, err := json.MarshalIndent(phase.Arguments, "", "  ")
	if err != nil {
		sent = []byte("{}")
	}
	b.Write(sent)

	b.WriteString("\n\nError returned:\n")
	b.WriteString(failure.Error())
	if hint != "" {
		b.WriteString("\n\nHint: ")
		b.WriteString(hint)
	}
	b.WriteString("\n\nRespond with the corrected call.")
	return b.String()
}

// parseCorrectionResponse extracts the corrected argument map. Null
// values are pruned so an unresolved argument is omitted rather than
// sent as null.
func parseCorrectionResponse(text string) (map[string]any, error) {
	raw := extractJSONObject(text)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in correction response")
	}
	var parsed struct {
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("parse correction response: %w", err)
	}
	if parsed.Arguments == nil {
		return nil, fmt.Errorf("correction response has no arguments object")
	}
	return pruneNulls(parsed.Arguments), nil
}

// extractJSONObject returns the outermost {...} in text, tolerating
// code fences and prose around it.
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func pruneNulls(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if v == nil {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = pruneNulls(nested)
			continue
		}
		out[k] = v
	}
	return out
}
