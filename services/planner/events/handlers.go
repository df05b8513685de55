// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package events

import (
	"context"
	"log/slog"
)

// LoggingHandler creates a handler that logs events.
//
// Inputs:
//
//	logger - The slog logger to use.
//	level - The log level for events.
//
// Outputs:
//
//	Handler - A handler function that logs events.
func LoggingHandler(logger *slog.Logger, level slog.Level) Handler {
	return func(event *Event) {
		attrs := []any{
			slog.String("event_id", event.ID),
			slog.String("event_type", string(event.Type)),
			slog.String("turn_id", event.TurnID),
			slog.String("session_id", event.SessionID),
			slog.Int("phase", event.PhaseOrdinal),
			slog.Time("timestamp", event.Timestamp),
		}

		// Add type-specific attributes
		switch data := event.Data.(type) {
		case *PhaseStartedData:
			attrs = append(attrs, slog.String("goal", data.Goal))

		case *CapabilityInvokedData:
			attrs = append(attrs, slog.String("capability", data.Capability))
			if data.Orchestrator != "" {
				attrs = append(attrs,
					slog.String("orchestrator", data.Orchestrator),
					slog.Int("expanded", data.Expanded),
				)
			}

		case *CorrectionAttemptedData:
			attrs = append(attrs,
				slog.Int("attempt", data.Attempt),
				slog.String("failure", data.FailureText),
			)

		case *PhaseCompletedData:
			attrs = append(attrs,
				slog.String("status", data.Status),
				slog.Int("retry_count", data.RetryCount),
			)
			if data.Err != "" {
				attrs = append(attrs, slog.String("error", data.Err))
			}

		case *TurnCompletedData:
			attrs = append(attrs,
				slog.Int("phases", data.Phases),
				slog.Int("total_tokens", data.TotalTokens),
			)

		case *TurnFailedData:
			attrs = append(attrs,
				slog.String("reason", data.Reason),
				slog.Int("succeeded_phases", data.SucceededPhases),
			)
		}

		logger.Log(context.Background(), level, "planner event", attrs...)
	}
}
