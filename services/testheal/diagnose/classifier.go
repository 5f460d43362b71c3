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
	"strings"

	"github.com/AleutianAI/testheal/pkg/logging"
	"github.com/AleutianAI/testheal/services/testheal/patch"
)

// DefaultConfidenceFloor forces escalation for diagnoses below it,
// regardless of category.
const DefaultConfidenceFloor = 0.6

// Analyzer is the semantic fallback collaborator (typically an LLM).
//
// Implementations must be stateless or externally synchronized; the
// classifier may call Analyze from multiple workers concurrently. Its
// output is untrusted and is sanitized before use.
type Analyzer interface {
	Analyze(ctx context.Context, failureText string, meta TestMeta) (*Diagnosis, error)
}

// PriorSource supplies cross-run healing statistics for a failure
// signature. Consulted as a prior, never mutated from here.
type PriorSource interface {
	// HealRate returns the historical heal success rate for the
	// (category, signature) pair and the number of observations.
	HealRate(ctx context.Context, category string, sig string) (rate float64, n int, err error)
}

// Config configures the classifier.
type Config struct {
	// ConfidenceFloor forces escalation below this value.
	// Default: DefaultConfidenceFloor
	ConfidenceFloor float64
}

// Classifier maps raw failures to diagnoses.
//
// # Thread Safety
//
// Safe for concurrent use; the classifier holds no per-call state.
type Classifier struct {
	floor    float64
	analyzer Analyzer
	priors   PriorSource
	logger   *logging.Logger
}

// New creates a classifier. analyzer and priors may be nil; the rule
// layer then stands alone.
func New(cfg Config, analyzer Analyzer, priors PriorSource, logger *logging.Logger) *Classifier {
	if cfg.ConfidenceFloor == 0 {
		cfg.ConfidenceFloor = DefaultConfidenceFloor
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Classifier{
		floor:    cfg.ConfidenceFloor,
		analyzer: analyzer,
		priors:   priors,
		logger:   logger,
	}
}

// ConfidenceFloor returns the configured escalation floor.
func (c *Classifier) ConfidenceFloor() float64 {
	return c.floor
}

// Confident reports whether a diagnosis clears the floor.
func (c *Classifier) Confident(d Diagnosis) bool {
	return d.Confidence >= c.floor
}

// Classify maps a raw failure to a Diagnosis.
//
// Description:
//
//	The deterministic rule layer runs first. Only failures it cannot
//	place (or places as ambiguous assertion failures) reach the
//	semantic analyzer. Knowledge-base priors may raise confidence for
//	the rule-selected category but never flip it, keeping the
//	classifier deterministic given deterministic collaborators.
func (c *Classifier) Classify(ctx context.Context, failureText string, meta TestMeta) Diagnosis {
	if meta.TimedOut {
		d := Diagnosis{
			Category:    CategoryEnvironment,
			Confidence:  1.0,
			Scope:       ScopeFileWide,
			Explanation: "sandbox execution timed out",
		}
		d.RecommendedKind = RecommendKind(d.Category, d.Scope, false)
		return d
	}

	d := c.ruleLayer(failureText, meta)

	if c.analyzer != nil && c.needsSemantic(d) {
		if refined, err := c.analyzer.Analyze(ctx, failureText, meta); err != nil {
			c.logger.Warn("semantic analyzer failed, keeping rule diagnosis",
				"case_id", meta.CaseID, "error", err)
		} else if refined != nil {
			d = sanitize(*refined, d)
		}
	}

	if c.priors != nil {
		d = c.applyPrior(ctx, d, meta)
	}

	d.Scope, d.RecommendedKind = c.placeScope(d, meta)
	return d
}

// ruleLayer runs the signature tables for the failure's language.
func (c *Classifier) ruleLayer(failureText string, meta TestMeta) Diagnosis {
	expected, actual := extractExpectedActual(failureText)

	for _, sig := range signaturesFor(meta.Language) {
		token, ok := sig.extract(failureText)
		if !ok {
			continue
		}
		return Diagnosis{
			Category:    sig.category,
			Confidence:  sig.confidence,
			Signature:   token,
			Explanation: sig.explanation,
			Expected:    expected,
			Actual:      actual,
		}
	}

	return Diagnosis{
		Category:    CategoryAmbiguous,
		Confidence:  0.4,
		Explanation: "no known failure signature matched",
		Expected:    expected,
		Actual:      actual,
	}
}

// needsSemantic reports whether the semantic analyzer should refine
// the rule result. High-precision rule hits are never second-guessed.
func (c *Classifier) needsSemantic(d Diagnosis) bool {
	if d.Category == CategoryAmbiguous {
		return true
	}
	return d.Category == CategoryAssertionMismatch && d.Confidence < c.floor
}

// sanitize clamps untrusted analyzer output and falls back to the rule
// diagnosis on nonsense.
func sanitize(refined, ruled Diagnosis) Diagnosis {
	switch refined.Category {
	case CategoryImportOrName, CategoryEnvironment, CategoryAssertionMismatch,
		CategoryMockOrFixture, CategoryAmbiguous:
	default:
		return ruled
	}
	if refined.Confidence < 0 {
		refined.Confidence = 0
	}
	if refined.Confidence > 0.99 {
		refined.Confidence = 0.99
	}
	if refined.Signature == "" {
		refined.Signature = ruled.Signature
	}
	if refined.Expected == "" {
		refined.Expected = ruled.Expected
	}
	if refined.Actual == "" {
		refined.Actual = ruled.Actual
	}
	return refined
}

// applyPrior raises confidence toward the already-selected category
// when history shows the signature heals well. Priors never flip the
// category and never lower confidence.
func (c *Classifier) applyPrior(ctx context.Context, d Diagnosis, meta TestMeta) Diagnosis {
	if d.Signature == "" {
		return d
	}
	rate, n, err := c.priors.HealRate(ctx, string(d.Category), d.Signature)
	if err != nil {
		c.logger.Debug("prior lookup failed", "case_id", meta.CaseID, "error", err)
		return d
	}
	if n == 0 || rate <= 0 {
		return d
	}
	boost := 0.1 * rate
	if d.Confidence+boost > 0.99 {
		d.Confidence = 0.99
	} else {
		d.Confidence += boost
	}
	return d
}

// placeScope determines fix locality and the recommended patch kind.
func (c *Classifier) placeScope(d Diagnosis, meta TestMeta) (Scope, patch.Kind) {
	unique := false
	if d.Signature != "" && len(meta.FileContent) > 0 {
		unique = strings.Count(meta.FileContent, d.Signature) == 1
	}

	var scope Scope
	switch d.Category {
	case CategoryImportOrName:
		if unique {
			scope = ScopeLocal
		} else {
			scope = ScopeFileWide
		}
	case CategoryMockOrFixture, CategoryAssertionMismatch:
		scope = ScopeMultiLine
	default:
		scope = ScopeFileWide
	}

	return scope, RecommendKind(d.Category, scope, unique)
}
