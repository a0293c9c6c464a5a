// Copyright 2025 QueryGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqltext inspects SQL statements with lightweight tokenisation.
// It classifies statements, extracts referenced tables and selected columns,
// and produces the normalised form used for cache fingerprints and audit
// hashes. It is deliberately heuristic: the proxy routes, caches, and
// applies policy from these signals but never rewrites SQL.
package sqltext

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"querygate/proxy/shared/types"
)

// All inspection patterns are compiled once at package load; none are
// compiled per statement.
var (
	lineCommentRe  = regexp.MustCompile(`--[^\n]*`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
	stringLitRe    = regexp.MustCompile(`'(?:[^']|'')*'`)
	placeholderRe  = regexp.MustCompile(`(?::[a-zA-Z_][a-zA-Z0-9_]*|\$\d+|%\(\w+\)s|\?)`)
	tableRe        = regexp.MustCompile(`(?i)\b(?:from|join|into|update|table)\s+([a-zA-Z_][a-zA-Z0-9_.]*)`)
	limitRe        = regexp.MustCompile(`(?i)\blimit\s+(\d+)`)
	whereRe        = regexp.MustCompile(`(?i)\bwhere\b`)
	selectListRe   = regexp.MustCompile(`(?is)^\s*select\s+(?:distinct\s+)?(.*?)\s+from\s`)
	identifierRe   = regexp.MustCompile(`[a-zA-Z_][a-zA-Z0-9_.]*$`)
)

var ddlKeywords = map[string]bool{
	"create": true, "alter": true, "drop": true, "truncate": true,
	"grant": true, "revoke": true, "comment": true, "rename": true,
}

// Analysis is the result of inspecting one statement.
type Analysis struct {
	Type       types.QueryType
	Tables     []string
	Columns    []string
	HasWhere   bool
	Limit      int // -1 when the statement carries no LIMIT clause
	Normalized string
}

// Analyze inspects a statement. It is safe for concurrent use.
func Analyze(query string) Analysis {
	normalized := Normalize(query)
	bare := stringLitRe.ReplaceAllString(normalized, "''")

	a := Analysis{
		Type:       QueryTypeOf(bare),
		Tables:     extractTables(bare),
		HasWhere:   whereRe.MatchString(bare),
		Limit:      -1,
		Normalized: normalized,
	}
	if a.Type == types.QuerySelect {
		a.Columns = extractColumns(bare)
	}
	if m := limitRe.FindStringSubmatch(bare); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			a.Limit = n
		}
	}
	return a
}

// Normalize strips comments, collapses whitespace, lowercases everything
// outside string literals, and replaces bind placeholders (:name, $1, ?,
// %(name)s) with a uniform marker. Two statements that differ only in
// formatting or placeholder style normalise identically.
func Normalize(query string) string {
	s := blockCommentRe.ReplaceAllString(query, " ")
	s = lineCommentRe.ReplaceAllString(s, " ")

	// Lowercase outside string literals so data values keep their case.
	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, loc := range stringLitRe.FindAllStringIndex(s, -1) {
		b.WriteString(strings.ToLower(s[last:loc[0]]))
		b.WriteString(s[loc[0]:loc[1]])
		last = loc[1]
	}
	b.WriteString(strings.ToLower(s[last:]))

	out := placeholderRe.ReplaceAllString(b.String(), "?")
	out = whitespaceRe.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

// HashQuery returns the md5 hex digest of the normalised statement. Audit
// rows carry this hash so identical queries aggregate regardless of
// formatting.
func HashQuery(query string) string {
	sum := md5.Sum([]byte(Normalize(query)))
	return hex.EncodeToString(sum[:])
}

// QueryTypeOf classifies a statement by its leading keyword. WITH is
// treated as SELECT since CTEs in this plane are read-only.
func QueryTypeOf(query string) types.QueryType {
	trimmed := strings.TrimSpace(strings.ToLower(query))
	if trimmed == "" {
		return types.QueryOther
	}
	first := trimmed
	if i := strings.IndexAny(trimmed, " \t\n("); i > 0 {
		first = trimmed[:i]
	}

	switch first {
	case "select", "with", "show", "explain":
		return types.QuerySelect
	case "insert":
		return types.QueryInsert
	case "update":
		return types.QueryUpdate
	case "delete":
		return types.QueryDelete
	}
	if ddlKeywords[first] {
		return types.QueryDDL
	}
	return types.QueryOther
}

// Idempotent reports whether a statement of the given type may be retried
// on another backend without risking duplicate effects.
func Idempotent(t types.QueryType, opts types.QueryOptions) bool {
	return t == types.QuerySelect || opts.Idempotent
}

func extractTables(query string) []string {
	matches := tableRe.FindAllStringSubmatch(query, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		name := strings.ToLower(m[1])
		if !seen[name] {
			seen[name] = true
			tables = append(tables, name)
		}
	}
	return tables
}

// extractColumns pulls the select-list identifiers from a SELECT statement.
// Function calls and expressions are reduced to their trailing identifier;
// a bare * is reported as "*".
func extractColumns(query string) []string {
	m := selectListRe.FindStringSubmatch(query)
	if m == nil {
		return nil
	}

	var cols []string
	for _, part := range splitTopLevel(m[1]) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if part == "*" || strings.HasSuffix(part, ".*") {
			cols = append(cols, "*")
			continue
		}
		// Drop an alias if present; the expression itself is what policy
		// rules reason about.
		if fields := strings.Fields(part); len(fields) >= 2 {
			if len(fields) >= 3 && strings.EqualFold(fields[len(fields)-2], "as") {
				part = strings.Join(fields[:len(fields)-2], " ")
			} else {
				part = fields[0]
			}
		}
		if id := identifierRe.FindString(strings.TrimRight(part, ")")); id != "" {
			cols = append(cols, strings.ToLower(id))
		}
	}
	return cols
}

// splitTopLevel splits on commas that are not nested inside parentheses.
func splitTopLevel(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}
