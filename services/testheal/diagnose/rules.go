// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diagnose

import (
	"regexp"
	"strings"
	"sync"
)

// =============================================================================
// SIGNATURE TABLES
// =============================================================================

// signature is one known failure shape. The first matching signature
// wins, so tables are ordered by precision.
type signature struct {
	re          *regexp.Regexp
	category    Category
	confidence  float64
	explanation string
}

// extract returns the first capture group when the pattern matches,
// or "" when the pattern has no groups.
func (s signature) extract(text string) (string, bool) {
	m := s.re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	if len(m) > 1 {
		return m[1], true
	}
	return "", true
}

var pythonSignatures = []signature{
	{regexp.MustCompile(`ModuleNotFoundError: No module named '([^']+)'`),
		CategoryImportOrName, 0.95, "module missing from imports"},
	{regexp.MustCompile(`ImportError: cannot import name '([^']+)'`),
		CategoryImportOrName, 0.95, "imported name does not exist"},
	{regexp.MustCompile(`NameError: name '([^']+)' is not defined`),
		CategoryImportOrName, 0.9, "undefined name"},
	{regexp.MustCompile(`fixture '([^']+)' not found`),
		CategoryMockOrFixture, 0.9, "unknown pytest fixture"},
	{regexp.MustCompile(`AttributeError: <?(?:Magic)?Mock[^>]*>? (?:object )?has no attribute '([^']+)'`),
		CategoryMockOrFixture, 0.85, "mock missing configured attribute"},
	{regexp.MustCompile(`AttributeError: (?:module |type object )?'?[\w.]*'? ?(?:object |module )?has no attribute '([^']+)'`),
		CategoryImportOrName, 0.7, "attribute does not exist on target"},
	{regexp.MustCompile(`ConnectionRefusedError|ConnectionResetError|socket\.timeout`),
		CategoryEnvironment, 0.85, "network dependency unavailable"},
	{regexp.MustCompile(`PermissionError: \[Errno 13\]`),
		CategoryEnvironment, 0.85, "insufficient filesystem permissions"},
	{regexp.MustCompile(`KeyError: '([A-Z][A-Z0-9_]+)'`),
		CategoryEnvironment, 0.7, "missing environment variable"},
	{regexp.MustCompile(`(?m)^E?\s*AssertionError`),
		CategoryAssertionMismatch, 0.75, "assertion failed"},
	{regexp.MustCompile(`(?m)^E\s+assert `),
		CategoryAssertionMismatch, 0.75, "assertion failed"},
}

var goSignatures = []signature{
	{regexp.MustCompile(`undefined: ([\w.]+)`),
		CategoryImportOrName, 0.95, "undefined identifier"},
	{regexp.MustCompile(`cannot find package "([^"]+)"`),
		CategoryImportOrName, 0.95, "package not found"},
	{regexp.MustCompile(`no required module provides package ([\S]+)`),
		CategoryImportOrName, 0.95, "module not in go.mod"},
	{regexp.MustCompile(`imported and not used: "([^"]+)"`),
		CategoryImportOrName, 0.9, "unused import"},
	{regexp.MustCompile(`connection refused|dial tcp`),
		CategoryEnvironment, 0.85, "network dependency unavailable"},
	{regexp.MustCompile(`(?m)^\s*(?:Error Trace|Not equal):`),
		CategoryAssertionMismatch, 0.8, "testify assertion failed"},
	{regexp.MustCompile(`(?m)^\s+got:.+\n\s+want:`),
		CategoryAssertionMismatch, 0.75, "got/want mismatch"},
}

var jsSignatures = []signature{
	{regexp.MustCompile(`Cannot find module '([^']+)'`),
		CategoryImportOrName, 0.95, "module not found"},
	{regexp.MustCompile(`ReferenceError: (\w+) is not defined`),
		CategoryImportOrName, 0.9, "undefined reference"},
	{regexp.MustCompile(`jest\.mock|mockReturnValue|mockImplementation`),
		CategoryMockOrFixture, 0.7, "mock setup error"},
	{regexp.MustCompile(`ECONNREFUSED|ETIMEDOUT`),
		CategoryEnvironment, 0.85, "network dependency unavailable"},
	{regexp.MustCompile(`expect\(.*\)\.`),
		CategoryAssertionMismatch, 0.75, "jest expectation failed"},
}

// signatureTables maps languages to their ordered signature tables.
// Protected by tableMu for concurrent registration.
var (
	signatureTables = map[string][]signature{
		"python":     pythonSignatures,
		"go":         goSignatures,
		"javascript": jsSignatures,
		"typescript": jsSignatures,
	}
	tableMu sync.RWMutex
)

// signaturesFor returns the table for a language, or nil.
func signaturesFor(language string) []signature {
	tableMu.RLock()
	defer tableMu.RUnlock()
	return signatureTables[strings.ToLower(language)]
}

// =============================================================================
// ASSERTION VALUE EXTRACTION
// =============================================================================

// Patterns that expose expected/actual pairs in failure output.
var assertionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`assert\s+(.+?)\s*==\s*(.+)`),
	regexp.MustCompile(`(?i)Expected:\s*(.+?)[\n\r]+\s*(?:Got|Received):\s*(.+)`),
	regexp.MustCompile(`(?i)expected:\s*(.+?)[\n\r]+\s*actual\s*:\s*(.+)`),
}

// extractExpectedActual parses expected and actual values out of an
// assertion failure, when the output exposes them.
func extractExpectedActual(output string) (expected, actual string) {
	for _, re := range assertionPatterns {
		if m := re.FindStringSubmatch(output); m != nil {
			return strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
		}
	}
	return "", ""
}
