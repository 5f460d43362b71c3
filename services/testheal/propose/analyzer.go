// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package propose

import (
	"context"
	"fmt"

	"github.com/AleutianAI/testheal/services/testheal/diagnose"
)

const analyzerSystemPrompt = `You are an expert debugger and test analyst.
Your task is to analyze test failures and determine the root cause.

Classify the failure into exactly one category:
1. import_or_name_error - A symbol, module, or import is missing or misspelled.
2. environment_error - The environment is at fault (network, permissions, missing binaries, timeouts). Not fixable by editing the test.
3. assertion_mismatch - The test ran but an assertion compared the wrong values.
4. mock_or_fixture_error - Test scaffolding (mocks, fixtures, setup) is broken.
5. ambiguous_or_complex - None of the above clearly applies.

Also judge the blast radius of a fix:
- local: one line or one small expression
- multi_line: a contiguous block of lines
- file_wide: the whole test file needs restructuring

Respond with a single JSON object:
{"category": "...", "confidence": 0.0-1.0, "scope": "local|multi_line|file_wide",
 "signature": "<the single most diagnostic line of output>",
 "explanation": "<why>", "expected": "<value or empty>", "actual": "<value or empty>"}`

const analyzerPromptTemplate = `Analyze this test failure:

**Test Name:** %s
**Test File:** %s (%s)

**Test Code:**
` + "```" + `
%s
` + "```" + `

**Failure Output:**
` + "```" + `
%s
` + "```" + `

Classify the root cause, estimate your confidence, and extract the
expected and actual values if an assertion is involved.`

// analyzerResponse is the wire shape of the model's diagnosis.
type analyzerResponse struct {
	Category    string  `json:"category"`
	Confidence  float64 `json:"confidence"`
	Scope       string  `json:"scope"`
	Signature   string  `json:"signature"`
	Explanation string  `json:"explanation"`
	Expected    string  `json:"expected"`
	Actual      string  `json:"actual"`
}

// SemanticAnalyzer diagnoses failures the rule layer could not.
//
// Implements the diagnosis layer's Analyzer interface. Its output is
// advisory; the classifier clamps confidence and rejects unknown
// categories.
type SemanticAnalyzer struct {
	client *Client
}

var _ diagnose.Analyzer = (*SemanticAnalyzer)(nil)

// NewSemanticAnalyzer wraps a completion client as an analyzer.
func NewSemanticAnalyzer(client *Client) *SemanticAnalyzer {
	return &SemanticAnalyzer{client: client}
}

// Analyze asks the model to classify one failure.
func (a *SemanticAnalyzer) Analyze(ctx context.Context, failureText string, meta diagnose.TestMeta) (*diagnose.Diagnosis, error) {
	prompt := fmt.Sprintf(analyzerPromptTemplate,
		meta.TestName, meta.File, meta.Language, meta.FileContent, failureText)

	var resp analyzerResponse
	if err := a.client.completeJSON(ctx, analyzerSystemPrompt, prompt, &resp); err != nil {
		return nil, fmt.Errorf("semantic analysis: %w", err)
	}

	return &diagnose.Diagnosis{
		Category:    diagnose.Category(resp.Category),
		Confidence:  resp.Confidence,
		Scope:       diagnose.Scope(resp.Scope),
		Signature:   resp.Signature,
		Explanation: resp.Explanation,
		Expected:    resp.Expected,
		Actual:      resp.Actual,
	}, nil
}
