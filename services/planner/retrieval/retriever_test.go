// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/rgeissen/uderia-sub006/services/planner"
)

func TestRank(t *testing.T) {
	cases := []planner.ChampionCase{
		{Query: "cheap but weak", Score: 0.70, TokenCost: 100},
		{Query: "strong and pricey", Score: 0.95, TokenCost: 5000},
		{Query: "strong and cheap", Score: 0.95, TokenCost: 900},
	}

	Rank(cases)

	assert.Equal(t, "strong and cheap", cases[0].Query, "ties break on lower token cost")
	assert.Equal(t, "strong and pricey", cases[1].Query)
	assert.Equal(t, "cheap but weak", cases[2].Query)
}

func TestStaticRetriever(t *testing.T) {
	r := &StaticRetriever{Cases: []planner.ChampionCase{
		{Query: "a", Score: 0.5, PlanSnippet: "{}", Succeeded: true},
		{Query: "b", Score: 0.9, PlanSnippet: "{}", Succeeded: true},
		{Query: "c", Score: 0.7, PlanSnippet: "{}", Succeeded: true},
	}}

	got := r.Retrieve(context.Background(), "anything", "ChampionCase", 2)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Query)
	assert.Equal(t, "c", got[1].Query)

	require.NoError(t, r.Archive(context.Background(), "ChampionCase", planner.ChampionCase{Query: "new"}))
	require.Len(t, r.Archived, 1)
	assert.Equal(t, "new", r.Archived[0].Query)
}

func TestStaticRetriever_Outage(t *testing.T) {
	r := &StaticRetriever{
		Cases: []planner.ChampionCase{{Query: "a", PlanSnippet: "{}", Succeeded: true}},
		Fail:  true,
	}
	assert.Nil(t, r.Retrieve(context.Background(), "anything", "ChampionCase", 3))
}

func TestParseChampionCases(t *testing.T) {
	response := &models.GraphQLResponse{
		Data: map[string]models.JSONObject{
			"Get": map[string]any{
				"ChampionCase": []any{
					map[string]any{
						"query":        "describe the orders table",
						"plan_snippet": `{"phases": []}`,
						"token_cost":   float64(1200),
						"succeeded":    true,
						"_additional":  map[string]any{"certainty": 0.93},
					},
					map[string]any{
						// Failed runs never count as champions.
						"query":        "broken attempt",
						"plan_snippet": `{"phases": []}`,
						"succeeded":    false,
					},
					map[string]any{
						// A case without a plan is unusable as a worked example.
						"query":     "no plan recorded",
						"succeeded": true,
					},
				},
			},
		},
	}

	cases := parseChampionCases(response, "ChampionCase")
	require.Len(t, cases, 1)
	assert.Equal(t, "describe the orders table", cases[0].Query)
	assert.Equal(t, 1200, cases[0].TokenCost)
	assert.InDelta(t, 0.93, cases[0].Score, 1e-9)
}

func TestParseChampionCases_MalformedResponse(t *testing.T) {
	assert.Nil(t, parseChampionCases(&models.GraphQLResponse{}, "ChampionCase"))
	assert.Nil(t, parseChampionCases(&models.GraphQLResponse{
		Data: map[string]models.JSONObject{"Get": "not an object"},
	}, "ChampionCase"))
}
