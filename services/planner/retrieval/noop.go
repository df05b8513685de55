// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"

	"github.com/rgeissen/uderia-sub006/services/planner"
)

// NoopRetriever is used when no similarity store is configured. Planning
// proceeds without champion-case guidance.
type NoopRetriever struct{}

// Retrieve implements Retriever. Always returns nil.
func (NoopRetriever) Retrieve(context.Context, string, string, int) []planner.ChampionCase {
	return nil
}

// Archive implements Retriever. Always succeeds without storing.
func (NoopRetriever) Archive(context.Context, string, planner.ChampionCase) error {
	return nil
}

// StaticRetriever serves a fixed case list. Used in tests and offline
// evaluation runs.
type StaticRetriever struct {
	// Cases are returned (ranked) by every Retrieve call.
	Cases []planner.ChampionCase

	// Archived collects every archived case.
	Archived []planner.ChampionCase

	// Fail simulates a store outage: Retrieve returns nil.
	Fail bool
}

// Retrieve implements Retriever.
func (s *StaticRetriever) Retrieve(_ context.Context, _, _ string, topK int) []planner.ChampionCase {
	if s.Fail {
		return nil
	}
	cases := make([]planner.ChampionCase, len(s.Cases))
	copy(cases, s.Cases)
	Rank(cases)
	if topK > 0 && len(cases) > topK {
		cases = cases[:topK]
	}
	return cases
}

// Archive implements Retriever.
func (s *StaticRetriever) Archive(_ context.Context, _ string, championCase planner.ChampionCase) error {
	s.Archived = append(s.Archived, championCase)
	return nil
}
