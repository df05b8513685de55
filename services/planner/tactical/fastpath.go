// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tactical

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rgeissen/uderia-sub006/services/planner"
)

// Deterministic argument derivation for the fast path. A derivation
// succeeds only when exactly one candidate value exists; any ambiguity
// fails the derivation (and with it the fast path for required
// arguments).

var (
	isoDatePattern = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	quotedPattern  = regexp.MustCompile(`"([^"]+)"|'([^']+)'`)
	numberPattern  = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
)

// deriveArgument extracts a single unambiguous value for one argument
// from the phase goal or hydrated context.
//
// Inputs:
//
//	spec - The argument spec.
//	goal - The phase goal text.
//	hydrated - The hydrated context text.
//
// Outputs:
//
//	any - The derived value.
//	bool - False when no value, or more than one candidate value, exists.
func deriveArgument(spec planner.ArgumentSpec, goal, hydrated string) (any, bool) {
	// A literal "name: value" or "name=value" assignment wins outright.
	if v, ok := explicitAssignment(spec.Name, goal); ok {
		return convert(v, spec.Type)
	}
	if v, ok := explicitAssignment(spec.Name, hydrated); ok {
		return convert(v, spec.Type)
	}

	if isDateArgument(spec) {
		return singleMatch(isoDatePattern.FindAllString(goal+"\n"+hydrated, -1), spec.Type)
	}

	switch spec.Type {
	case "string":
		return singleQuoted(goal)
	case "number", "integer":
		return singleMatch(numberPattern.FindAllString(goal, -1), spec.Type)
	case "boolean":
		// Booleans are never safely derivable from prose.
		return nil, false
	default:
		return nil, false
	}
}

// explicitAssignment finds "name: value" or "name=value" in text.
func explicitAssignment(name, text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, sep := range []string{":", "="} {
		needle := strings.ToLower(name) + sep
		idx := strings.Index(lower, needle)
		if idx < 0 {
			continue
		}
		rest := text[idx+len(needle):]
		rest = strings.TrimLeft(rest, " ")
		end := strings.IndexAny(rest, ",\n;")
		if end < 0 {
			end = len(rest)
		}
		value := strings.Trim(strings.TrimSpace(rest[:end]), `"'`)
		if value != "" {
			return value, true
		}
	}
	return "", false
}

// isDateArgument reports whether the argument expects a calendar date.
func isDateArgument(spec planner.ArgumentSpec) bool {
	name := strings.ToLower(spec.Name)
	return strings.Contains(name, "date") || strings.Contains(name, "day")
}

// singleQuoted returns the one quoted string in the goal, if exactly one
// exists.
func singleQuoted(goal string) (any, bool) {
	matches := quotedPattern.FindAllStringSubmatch(goal, -1)
	if len(matches) != 1 {
		return nil, false
	}
	if matches[0][1] != "" {
		return matches[0][1], true
	}
	return matches[0][2], true
}

// singleMatch converts a single-element match list, rejecting ambiguity.
func singleMatch(matches []string, typ string) (any, bool) {
	unique := dedupe(matches)
	if len(unique) != 1 {
		return nil, false
	}
	return convert(unique[0], typ)
}

// convert coerces a string value to the declared argument type.
func convert(value, typ string) (any, bool) {
	switch typ {
	case "number":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, false
		}
		return f, true
	case "integer":
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, false
		}
		return n, true
	case "boolean":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, false
		}
		return b, true
	default:
		return value, true
	}
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
