// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sandbox

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// =============================================================================
// TEST OUTPUT PARSERS
// =============================================================================

// OutputParser extracts per-test results from raw runner output.
type OutputParser func(stdout, stderr string) []TestResult

// parserRegistry maps languages to their output parsers.
// Protected by parserMu for concurrent access.
var (
	parserRegistry = map[string]OutputParser{
		"python":     parsePytestOutput,
		"go":         parseGoTestOutput,
		"javascript": parseJestOutput,
		"typescript": parseJestOutput,
	}
	parserMu sync.RWMutex
)

// ParserFor returns the parser for a language, or nil.
//
// Thread Safety: Safe for concurrent use.
func ParserFor(language string) OutputParser {
	parserMu.RLock()
	defer parserMu.RUnlock()
	return parserRegistry[strings.ToLower(language)]
}

// RegisterParser registers a custom parser for a language.
//
// Thread Safety: Safe for concurrent use.
func RegisterParser(language string, parser OutputParser) {
	parserMu.Lock()
	defer parserMu.Unlock()
	parserRegistry[strings.ToLower(language)] = parser
}

// maxFailureExcerpt bounds the per-test failure message size.
const maxFailureExcerpt = 500

// =============================================================================
// PYTEST
// =============================================================================

// Matches verbose result lines in both "tests/test_auth.py::test_login
// FAILED" and bare "test_login FAILED" forms.
var pytestResultPattern = regexp.MustCompile(`(?m)(?:^|::)(test_\w+)(?:\[[^\]]*\])?\s+(PASSED|FAILED|ERROR|SKIPPED)`)

// parsePytestOutput parses `pytest -v` output.
//
// Description:
//
//	Matches verbose result lines like
//	"tests/test_auth.py::test_login FAILED" and extracts a bounded
//	failure excerpt per failing test from the FAILURES section.
func parsePytestOutput(stdout, stderr string) []TestResult {
	var out []TestResult
	seen := map[string]bool{}

	add := func(name, status string) {
		if seen[name] {
			return
		}
		seen[name] = true
		tr := TestResult{Name: name}
		switch status {
		case "PASSED":
			tr.Outcome = OutcomePassed
		case "SKIPPED":
			tr.Outcome = OutcomeSkipped
		default:
			tr.Outcome = OutcomeFailed
			tr.FailureMessage = extractPytestFailure(stdout, name)
		}
		out = append(out, tr)
	}

	for _, m := range pytestResultPattern.FindAllStringSubmatch(stdout, -1) {
		add(m[1], m[2])
	}
	return out
}

// extractPytestFailure pulls the failure block for one test out of the
// pytest FAILURES section.
func extractPytestFailure(stdout, testName string) string {
	re := regexp.MustCompile(`(?s)_{2,}\s*` + regexp.QuoteMeta(testName) + `\s*_{2,}\n(.*?)(?:\n_{2,}|\n={2,}|$)`)
	if m := re.FindStringSubmatch(stdout); m != nil {
		return truncate(strings.TrimSpace(m[1]), maxFailureExcerpt)
	}
	// Fall back to any E-prefixed lines near the test name.
	re = regexp.MustCompile(`(?m)^E\s+.+$`)
	if lines := re.FindAllString(stdout, 4); len(lines) > 0 {
		return truncate(strings.Join(lines, "\n"), maxFailureExcerpt)
	}
	return ""
}

// =============================================================================
// GO TEST
// =============================================================================

var (
	goPassPattern = regexp.MustCompile(`(?m)^--- PASS: (\S+)`)
	goFailPattern = regexp.MustCompile(`(?m)^--- FAIL: (\S+)`)
	goSkipPattern = regexp.MustCompile(`(?m)^--- SKIP: (\S+)`)
)

// parseGoTestOutput parses `go test -v` output.
func parseGoTestOutput(stdout, stderr string) []TestResult {
	var out []TestResult

	for _, m := range goPassPattern.FindAllStringSubmatch(stdout, -1) {
		out = append(out, TestResult{Name: m[1], Outcome: OutcomePassed})
	}
	for _, m := range goSkipPattern.FindAllStringSubmatch(stdout, -1) {
		out = append(out, TestResult{Name: m[1], Outcome: OutcomeSkipped})
	}
	for _, m := range goFailPattern.FindAllStringSubmatch(stdout, -1) {
		out = append(out, TestResult{
			Name:           m[1],
			Outcome:        OutcomeFailed,
			FailureMessage: extractGoFailure(stdout, m[1]),
		})
	}

	// Compile errors produce no result lines; surface stderr so the
	// classifier still sees the real failure.
	if len(out) == 0 && stderr != "" {
		out = append(out, TestResult{
			Outcome:        OutcomeFailed,
			FailureMessage: truncate(stderr, maxFailureExcerpt),
		})
	}
	return out
}

// extractGoFailure pulls the t.Log/t.Error lines for one test. In
// verbose output those sit between the test's "=== RUN" line and its
// "--- FAIL:" line.
func extractGoFailure(stdout, testName string) string {
	re := regexp.MustCompile(`(?s)=== RUN\s+` + regexp.QuoteMeta(testName) + `\n(.*?)--- FAIL: ` + regexp.QuoteMeta(testName))
	if m := re.FindStringSubmatch(stdout); m != nil {
		if msg := strings.TrimSpace(m[1]); msg != "" {
			return truncate(msg, maxFailureExcerpt)
		}
	}
	// Panics and subtests print after the FAIL line instead.
	re = regexp.MustCompile(`(?s)--- FAIL: ` + regexp.QuoteMeta(testName) + `.*?\n(.*?)(?:\n--- |\n=== |\nFAIL|\nPASS|$)`)
	if m := re.FindStringSubmatch(stdout); m != nil {
		return truncate(strings.TrimSpace(m[1]), maxFailureExcerpt)
	}
	return ""
}

// =============================================================================
// JEST
// =============================================================================

var (
	jestPassPattern = regexp.MustCompile(`(?m)^\s*(?:✓|√|PASS(?:ED)?)\s+(.+?)(?:\s+\(\d+\s*m?s\))?$`)
	jestFailPattern = regexp.MustCompile(`(?m)^\s*(?:✕|×|FAIL(?:ED)?)\s+(.+?)(?:\s+\(\d+\s*m?s\))?$`)
	jestSkipPattern = regexp.MustCompile(`(?m)^\s*(?:○|skipped)\s+(.+?)$`)
)

// parseJestOutput parses jest verbose output. Jest writes results to
// stderr, so both streams are scanned.
func parseJestOutput(stdout, stderr string) []TestResult {
	text := stdout + "\n" + stderr
	var out []TestResult

	for _, m := range jestPassPattern.FindAllStringSubmatch(text, -1) {
		out = append(out, TestResult{Name: strings.TrimSpace(m[1]), Outcome: OutcomePassed})
	}
	for _, m := range jestSkipPattern.FindAllStringSubmatch(text, -1) {
		out = append(out, TestResult{Name: strings.TrimSpace(m[1]), Outcome: OutcomeSkipped})
	}
	for _, m := range jestFailPattern.FindAllStringSubmatch(text, -1) {
		out = append(out, TestResult{
			Name:           strings.TrimSpace(m[1]),
			Outcome:        OutcomeFailed,
			FailureMessage: truncate(text, maxFailureExcerpt),
		})
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes truncated)", s[:n], len(s)-n)
}
