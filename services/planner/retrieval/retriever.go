// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval queries the similarity store for champion cases:
// previously successful plans matching the current request.
//
// # Degradation
//
// Retrieval failure must never abort planning. Every failure path logs and
// returns an empty result; the strategic planner simply plans without a
// champion hint.
package retrieval

import (
	"context"
	"log/slog"
	"sort"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"

	"github.com/rgeissen/uderia-sub006/services/planner"
)

var tracer = otel.Tracer("uderia.planner.retrieval")

// EmbeddingProvider computes text embeddings for similarity search.
type EmbeddingProvider interface {
	// Embed returns the embedding vector for a text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever retrieves and archives champion cases.
type Retriever interface {
	// Retrieve returns champion cases ranked by similarity score with a
	// secondary tie-break on lower token cost. Returns an empty slice on
	// any store failure.
	//
	// Inputs:
	//   ctx - Context for cancellation and timeout.
	//   queryText - The current user query.
	//   collectionID - The champion-case collection to search.
	//   topK - Maximum number of cases to return.
	//
	// Outputs:
	//   []planner.ChampionCase - Ranked cases, possibly empty.
	Retrieve(ctx context.Context, queryText, collectionID string, topK int) []planner.ChampionCase

	// Archive stores a champion case captured from a completed turn.
	//
	// Outputs:
	//   error - Non-nil if the store rejects the case. Archive failures
	//           are advisory; callers log and continue.
	Archive(ctx context.Context, collectionID string, championCase planner.ChampionCase) error
}

// WeaviateRetriever implements Retriever on a Weaviate class per
// collection.
//
// Thread Safety: WeaviateRetriever is safe for concurrent use. The
// underlying Weaviate client handles connection pooling.
type WeaviateRetriever struct {
	client   *weaviate.Client
	embedder EmbeddingProvider
}

// NewWeaviateRetriever creates a retriever.
//
// Inputs:
//
//	client - Connected Weaviate client.
//	embedder - Provider for computing query embeddings.
func NewWeaviateRetriever(client *weaviate.Client, embedder EmbeddingProvider) *WeaviateRetriever {
	return &WeaviateRetriever{client: client, embedder: embedder}
}

// Retrieve implements Retriever.
func (r *WeaviateRetriever) Retrieve(ctx context.Context, queryText, collectionID string, topK int) []planner.ChampionCase {
	ctx, span := tracer.Start(ctx, "Retrieve")
	defer span.End()

	if topK <= 0 {
		topK = 3
	}

	vector, err := r.embedder.Embed(ctx, queryText)
	if err != nil {
		slog.Warn("Champion case retrieval degraded: embedding failed", "error", err)
		return nil
	}

	nearVector := r.client.GraphQL().NearVectorArgBuilder().WithVector(vector)

	fields := []graphql.Field{
		{Name: "query"},
		{Name: "plan_snippet"},
		{Name: "token_cost"},
		{Name: "succeeded"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
		}},
	}

	result, err := r.client.GraphQL().Get().
		WithClassName(collectionID).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(topK).
		Do(ctx)

	if err != nil {
		slog.Warn("Champion case retrieval degraded: store unavailable", "error", err)
		return nil
	}
	if len(result.Errors) > 0 {
		slog.Warn("Champion case retrieval degraded: query errors",
			"first_error", result.Errors[0].Message)
		return nil
	}

	cases := parseChampionCases(result, collectionID)
	Rank(cases)

	slog.Debug("Retrieved champion cases",
		slog.String("collection", collectionID),
		slog.Int("count", len(cases)),
	)
	return cases
}

// Archive implements Retriever.
func (r *WeaviateRetriever) Archive(ctx context.Context, collectionID string, championCase planner.ChampionCase) error {
	ctx, span := tracer.Start(ctx, "Archive")
	defer span.End()

	vector, err := r.embedder.Embed(ctx, championCase.Query)
	if err != nil {
		return err
	}

	_, err = r.client.Data().Creator().
		WithClassName(collectionID).
		WithProperties(map[string]any{
			"query":        championCase.Query,
			"plan_snippet": championCase.PlanSnippet,
			"token_cost":   championCase.TokenCost,
			"succeeded":    championCase.Succeeded,
		}).
		WithVector(vector).
		Do(ctx)
	return err
}

// Rank sorts cases by similarity score descending, breaking ties on lower
// recorded token cost (prefer cheaper proven strategies).
func Rank(cases []planner.ChampionCase) {
	sort.SliceStable(cases, func(i, j int) bool {
		if cases[i].Score != cases[j].Score {
			return cases[i].Score > cases[j].Score
		}
		return cases[i].TokenCost < cases[j].TokenCost
	})
}

// parseChampionCases extracts cases from a GraphQL response.
func parseChampionCases(result *models.GraphQLResponse, collectionID string) []planner.ChampionCase {
	get, ok := result.Data["Get"].(map[string]any)
	if !ok {
		return nil
	}
	objects, ok := get[collectionID].([]any)
	if !ok {
		return nil
	}

	var cases []planner.ChampionCase
	for _, obj := range objects {
		fields, ok := obj.(map[string]any)
		if !ok {
			continue
		}
		c := planner.ChampionCase{}
		if v, ok := fields["query"].(string); ok {
			c.Query = v
		}
		if v, ok := fields["plan_snippet"].(string); ok {
			c.PlanSnippet = v
		}
		if v, ok := fields["token_cost"].(float64); ok {
			c.TokenCost = int(v)
		}
		if v, ok := fields["succeeded"].(bool); ok {
			c.Succeeded = v
		}
		if additional, ok := fields["_additional"].(map[string]any); ok {
			if v, ok := additional["certainty"].(float64); ok {
				c.Score = v
			}
		}
		if c.PlanSnippet == "" || !c.Succeeded {
			// Only successful archived plans count as champions.
			continue
		}
		cases = append(cases, c)
	}
	return cases
}
