// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diagnose classifies test failures by root cause.
//
// A deterministic rule layer runs first: compiled signature tables per
// language match known error shapes (missing imports/names, fixture
// and mock errors, environment errors) with high precision. Failures
// the rules cannot place fall through to an optional semantic analyzer
// (an external collaborator, typically an LLM), whose output is
// treated as untrusted and sanitized.
//
// The recommended patch kind is a pure function of (category, scope,
// uniqueness of the failing signature), encoding a least-invasive-fix
// -first policy: cheaper, more auditable patches whenever precision
// can be guaranteed, escalating invasiveness only when it cannot.
package diagnose

import (
	"github.com/AleutianAI/testheal/services/testheal/patch"
)

// Category is the diagnosed root cause class of a failure.
type Category string

const (
	// CategoryImportOrName: missing import, undefined name, typo in an
	// identifier. Usually healable with a targeted replace.
	CategoryImportOrName Category = "import_or_name_error"

	// CategoryEnvironment: sandbox timeout, missing service,
	// permission problem. Recoverable by retry, not by patching.
	CategoryEnvironment Category = "environment_error"

	// CategoryAssertionMismatch: the test ran but an assertion failed.
	CategoryAssertionMismatch Category = "assertion_mismatch"

	// CategoryMockOrFixture: broken fixture wiring or mock setup.
	CategoryMockOrFixture Category = "mock_or_fixture_error"

	// CategoryAmbiguous: the rule layer could not place the failure
	// and the semantic analyzer was unavailable or unsure.
	CategoryAmbiguous Category = "ambiguous_or_complex"
)

// Scope describes how localized the required fix is.
type Scope string

const (
	// ScopeLocal: a single unique token or line.
	ScopeLocal Scope = "local"

	// ScopeMultiLine: contained in one function or block.
	ScopeMultiLine Scope = "multi_line"

	// ScopeFileWide: structural, or multiple locations.
	ScopeFileWide Scope = "file_wide"
)

// Diagnosis is the classified root cause of one failure.
type Diagnosis struct {
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
	Scope      Scope    `json:"scope"`

	// RecommendedKind is derived deterministically from
	// (Category, Scope, signature uniqueness); see RecommendKind.
	RecommendedKind patch.Kind `json:"recommended_patch_kind"`

	// Signature is the failing token or identifier extracted by the
	// rule layer, when one exists.
	Signature string `json:"signature,omitempty"`

	// Explanation is a short human-readable reason.
	Explanation string `json:"explanation,omitempty"`

	// Expected and Actual are parsed from assertion failures when the
	// output exposes them.
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// RetryOnly reports whether the failure should be retried as-is
// rather than patched (environment failures).
func (d Diagnosis) RetryOnly() bool {
	return d.Category == CategoryEnvironment
}

// TestMeta carries the context the classifier needs about the failing
// test.
type TestMeta struct {
	CaseID      string
	TestName    string
	File        string
	Language    string
	FileContent string
	TimedOut    bool
}

// RecommendKind maps (category, scope, uniqueness) to the least
// invasive patch kind that can be applied safely.
//
// Description:
//
//	Local scope with a provably unique signature earns a targeted
//	replace. Multi-line scope confined to one block earns a unified
//	diff. Everything else (file-wide scope, low uniqueness, or
//	structural ambiguity) falls through to a full rewrite, the
//	explicit last resort.
func RecommendKind(category Category, scope Scope, unique bool) patch.Kind {
	switch {
	case scope == ScopeLocal && unique:
		return patch.KindTargetedReplace
	case scope == ScopeMultiLine:
		return patch.KindUnifiedDiff
	default:
		return patch.KindFullRewrite
	}
}
