// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package strategic

import (
	"fmt"
	"strings"

	"github.com/rgeissen/uderia-sub006/services/planner"
)

const planningSystemPrompt = `You are a strategic planner. Break the user's request into an ordered list of phases.

Respond with a single JSON object of the form:
{"phases": [{"goal": "<what this phase accomplishes>", "candidates": ["<capability name>", ...]}]}

Rules:
- Each phase has one concrete goal and lists only capabilities from the catalog that could serve it.
- Use as few phases as the request allows.
- Do not invent capability names.
- Do not plan loops over lists you made up; if iteration over real data is needed, plan one phase that produces the data and one phase that consumes it.`

// buildPlanningPrompt builds the user prompt for the planning call. When a
// champion case is available its plan is included as a worked example,
// biasing the model toward the proven structure without hard-overriding
// its judgment.
func buildPlanningPrompt(query, catalogRendering string, champion *planner.ChampionCase) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Capability catalog:\n%s\n", catalogRendering)

	if champion != nil {
		fmt.Fprintf(&b, "\nA previous request was answered successfully with the plan below (%d tokens). "+
			"If the current request has the same shape, preserve this structure and substitute the "+
			"request-specific details; otherwise plan freely.\n\nPrevious request: %s\nPlan:\n%s\n",
			champion.TokenCost, champion.Query, champion.PlanSnippet)
	}

	fmt.Fprintf(&b, "\nRequest: %s\n", query)
	return b.String()
}

// correctivePrompt asks for a reformatted plan after a parse failure.
func correctivePrompt(detail string) string {
	return fmt.Sprintf("Your previous response could not be parsed (%s). "+
		"Respond again with ONLY the JSON object described in the instructions, no prose.", detail)
}
