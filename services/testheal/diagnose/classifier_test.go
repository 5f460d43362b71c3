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
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/testheal/services/testheal/patch"
)

func TestRuleLayerPython(t *testing.T) {
	c := New(Config{}, nil, nil, nil)

	tests := []struct {
		name      string
		failure   string
		category  Category
		signature string
	}{
		{
			"missing module",
			"E   ModuleNotFoundError: No module named 'requets'",
			CategoryImportOrName, "requets",
		},
		{
			"bad import name",
			"ImportError: cannot import name 'lgin' from 'app.auth'",
			CategoryImportOrName, "lgin",
		},
		{
			"undefined name",
			"NameError: name 'respnse' is not defined",
			CategoryImportOrName, "respnse",
		},
		{
			"unknown fixture",
			"E       fixture 'db_sesion' not found",
			CategoryMockOrFixture, "db_sesion",
		},
		{
			"connection refused",
			"ConnectionRefusedError: [Errno 111] Connection refused",
			CategoryEnvironment, "",
		},
		{
			"assertion",
			"E   AssertionError: assert 4 == 5",
			CategoryAssertionMismatch, "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := c.Classify(context.Background(), tt.failure, TestMeta{Language: "python"})
			assert.Equal(t, tt.category, d.Category)
			assert.Equal(t, tt.signature, d.Signature)
			assert.GreaterOrEqual(t, d.Confidence, 0.7)
		})
	}
}

func TestRuleLayerGo(t *testing.T) {
	c := New(Config{}, nil, nil, nil)

	d := c.Classify(context.Background(), "./auth_test.go:12:2: undefined: Lgin", TestMeta{Language: "go"})
	assert.Equal(t, CategoryImportOrName, d.Category)
	assert.Equal(t, "Lgin", d.Signature)
}

func TestUnknownFailureIsAmbiguous(t *testing.T) {
	c := New(Config{}, nil, nil, nil)

	d := c.Classify(context.Background(), "something exploded in a novel way", TestMeta{Language: "python"})
	assert.Equal(t, CategoryAmbiguous, d.Category)
	assert.False(t, c.Confident(d), "ambiguous diagnoses must fall below the floor")
	assert.Equal(t, patch.KindFullRewrite, d.RecommendedKind)
}

func TestTimeoutIsEnvironment(t *testing.T) {
	c := New(Config{}, nil, nil, nil)

	d := c.Classify(context.Background(), "", TestMeta{TimedOut: true, Language: "python"})
	assert.Equal(t, CategoryEnvironment, d.Category)
	assert.True(t, d.RetryOnly())
	assert.Equal(t, 1.0, d.Confidence)
}

func TestScopeAndKindSelection(t *testing.T) {
	c := New(Config{}, nil, nil, nil)
	file := "import pytest\nfrom app import lgin\n\ndef test_login():\n    assert True\n"

	// Unique signature in the file: local scope, targeted replace.
	d := c.Classify(context.Background(),
		"ImportError: cannot import name 'lgin' from 'app'",
		TestMeta{Language: "python", FileContent: file})
	assert.Equal(t, ScopeLocal, d.Scope)
	assert.Equal(t, patch.KindTargetedReplace, d.RecommendedKind)

	// The same signature occurring twice: never silently pick one.
	dup := "lgin = None\nfrom app import lgin\n"
	d = c.Classify(context.Background(),
		"ImportError: cannot import name 'lgin' from 'app'",
		TestMeta{Language: "python", FileContent: dup})
	assert.Equal(t, ScopeFileWide, d.Scope)
	assert.Equal(t, patch.KindFullRewrite, d.RecommendedKind)

	// Assertion failures are block-scoped: unified diff.
	d = c.Classify(context.Background(),
		"E   AssertionError: assert 4 == 5",
		TestMeta{Language: "python", FileContent: file})
	assert.Equal(t, ScopeMultiLine, d.Scope)
	assert.Equal(t, patch.KindUnifiedDiff, d.RecommendedKind)
}

func TestExpectedActualExtraction(t *testing.T) {
	c := New(Config{}, nil, nil, nil)

	d := c.Classify(context.Background(),
		"E   AssertionError: assert 4 == 5", TestMeta{Language: "python"})
	assert.Equal(t, "4", d.Expected)
	assert.Equal(t, "5", d.Actual)

	d = c.Classify(context.Background(),
		"Expected: 200\nGot: 404\nexpect(status).toBe(200)", TestMeta{Language: "javascript"})
	assert.Equal(t, "200", d.Expected)
	assert.Equal(t, "404", d.Actual)
}

func TestRecommendKindTable(t *testing.T) {
	tests := []struct {
		scope  Scope
		unique bool
		want   patch.Kind
	}{
		{ScopeLocal, true, patch.KindTargetedReplace},
		{ScopeLocal, false, patch.KindFullRewrite},
		{ScopeMultiLine, true, patch.KindUnifiedDiff},
		{ScopeMultiLine, false, patch.KindUnifiedDiff},
		{ScopeFileWide, true, patch.KindFullRewrite},
		{ScopeFileWide, false, patch.KindFullRewrite},
	}
	for _, tt := range tests {
		got := RecommendKind(CategoryImportOrName, tt.scope, tt.unique)
		assert.Equal(t, tt.want, got, "scope=%s unique=%v", tt.scope, tt.unique)
	}
}

type fixedAnalyzer struct {
	d   *Diagnosis
	err error
}

func (f *fixedAnalyzer) Analyze(_ context.Context, _ string, _ TestMeta) (*Diagnosis, error) {
	return f.d, f.err
}

func TestSemanticFallbackForAmbiguous(t *testing.T) {
	analyzer := &fixedAnalyzer{d: &Diagnosis{
		Category:    CategoryAssertionMismatch,
		Confidence:  0.8,
		Explanation: "test asserts stale behavior",
	}}
	c := New(Config{}, analyzer, nil, nil)

	d := c.Classify(context.Background(), "novel failure text", TestMeta{Language: "python"})
	assert.Equal(t, CategoryAssertionMismatch, d.Category)
	assert.Equal(t, 0.8, d.Confidence)
}

func TestAnalyzerNotConsultedOnPreciseRuleHit(t *testing.T) {
	analyzer := &fixedAnalyzer{d: &Diagnosis{Category: CategoryAmbiguous, Confidence: 0.1}}
	c := New(Config{}, analyzer, nil, nil)

	d := c.Classify(context.Background(),
		"ModuleNotFoundError: No module named 'requets'", TestMeta{Language: "python"})
	assert.Equal(t, CategoryImportOrName, d.Category, "precise rule hits are never second-guessed")
}

func TestAnalyzerErrorKeepsRuleDiagnosis(t *testing.T) {
	analyzer := &fixedAnalyzer{err: errors.New("llm unavailable")}
	c := New(Config{}, analyzer, nil, nil)

	d := c.Classify(context.Background(), "novel failure text", TestMeta{Language: "python"})
	assert.Equal(t, CategoryAmbiguous, d.Category)
}

func TestAnalyzerOutputSanitized(t *testing.T) {
	analyzer := &fixedAnalyzer{d: &Diagnosis{Category: "made_up_category", Confidence: 7.0}}
	c := New(Config{}, analyzer, nil, nil)

	d := c.Classify(context.Background(), "novel failure text", TestMeta{Language: "python"})
	assert.Equal(t, CategoryAmbiguous, d.Category, "unknown categories fall back to the rule result")
}

type fixedPriors struct {
	rate float64
	n    int
}

func (f *fixedPriors) HealRate(_ context.Context, _ string, _ string) (float64, int, error) {
	return f.rate, f.n, nil
}

func TestPriorsRaiseButNeverFlip(t *testing.T) {
	base := New(Config{}, nil, nil, nil)
	boosted := New(Config{}, nil, &fixedPriors{rate: 1.0, n: 12}, nil)

	failure := "NameError: name 'respnse' is not defined"
	d0 := base.Classify(context.Background(), failure, TestMeta{Language: "python"})
	d1 := boosted.Classify(context.Background(), failure, TestMeta{Language: "python"})

	assert.Equal(t, d0.Category, d1.Category)
	assert.Greater(t, d1.Confidence, d0.Confidence)
	assert.LessOrEqual(t, d1.Confidence, 0.99)

	require.True(t, base.Confident(d0))
}
