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
)

// GenerateRequest asks for the body of one candidate test.
type GenerateRequest struct {
	CaseID   string
	TestName string
	File     string
	Language string

	// Intent is a plain-language statement of what the test should
	// verify.
	Intent string

	// SourceCode is the component under test, when available.
	SourceCode string
}

// Generator drafts candidate test code for cases submitted without a
// body. Optional; cases that already carry code never hit it.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (code string, err error)
}

const generatorSystemPrompt = `You are an expert test engineer specializing in writing
comprehensive, readable tests.

Guidelines:
- Write focused tests that verify one behavior each
- Use descriptive test names that explain what is being tested
- Keep setup minimal; add fixtures only when setup is genuinely complex
- Assert on observable behavior, not implementation details
- Match the conventions of the target language's standard test runner`

const generatorPromptTemplate = `Write the test %q in file %s (%s).

**Intent:** %s

**Component Under Test:**
` + "```" + `
%s
` + "```" + `

Respond with only the complete test code, no explanation.`

// TestGenerator drafts tests with a completion client.
type TestGenerator struct {
	client *Client
}

// NewTestGenerator wraps a completion client as a Generator.
func NewTestGenerator(client *Client) *TestGenerator {
	return &TestGenerator{client: client}
}

// Generate asks the model for the test body.
func (g *TestGenerator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	prompt := fmt.Sprintf(generatorPromptTemplate,
		req.TestName, req.File, req.Language, req.Intent, req.SourceCode)

	text, err := g.client.complete(ctx, generatorSystemPrompt, prompt)
	if err != nil {
		return "", fmt.Errorf("generate test %s: %w", req.TestName, err)
	}
	code := stripCodeFence(text)
	if code == "" {
		return "", fmt.Errorf("generate test %s: empty draft", req.TestName)
	}
	return code, nil
}
