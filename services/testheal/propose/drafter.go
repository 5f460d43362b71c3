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
	"github.com/AleutianAI/testheal/services/testheal/patch"
)

// DraftRequest carries everything the drafter needs to propose a fix.
type DraftRequest struct {
	CaseID      string
	TestName    string
	File        string
	Language    string
	FileContent string
	Diagnosis   diagnose.Diagnosis

	// Kind is the patch form to request. Starts at the diagnosis
	// recommendation; the engine escalates to broader kinds when a
	// draft fails validation.
	Kind patch.Kind
}

// Drafter proposes a candidate patch for a diagnosed failure.
//
// A returned patch is a proposal only. It must pass the patch
// engine's validation before it is applied, and the engine discards
// drafts below the confidence floor.
type Drafter interface {
	Draft(ctx context.Context, req DraftRequest) (*patch.Patch, error)
}

const drafterSystemPrompt = `You are an expert test engineer. You repair broken test files
with the smallest possible change. Never rewrite more than asked, never touch
code unrelated to the failure, and keep the original style of the file.

You will be asked for one of three patch forms:

targeted_replace - Respond with the exact text to find (it must appear exactly
once in the file) and its replacement:
{"old_text": "...", "new_text": "...", "confidence": 0.0-1.0}

unified_diff - Respond with a unified diff against the file (---/+++ headers,
@@ hunks, at least 2 context lines per hunk):
{"diff": "...", "confidence": 0.0-1.0}

full_rewrite - Respond with the complete corrected file:
{"content": "...", "confidence": 0.0-1.0}

Always respond with a single JSON object in the requested form.`

const drafterPromptTemplate = `Fix this failing test.

**Test Name:** %s
**File:** %s (%s)

**Current File Content:**
` + "```" + `
%s
` + "```" + `

**Diagnosis:** %s (%s)
%s
**Failure Signature:** %s

Produce a %s patch that makes the test pass without weakening what it
verifies. Change as little as possible.`

// draftResponse is the wire shape of a drafted patch.
type draftResponse struct {
	OldText    string  `json:"old_text"`
	NewText    string  `json:"new_text"`
	Diff       string  `json:"diff"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

// PatchDrafter drafts patches with a completion client.
type PatchDrafter struct {
	client *Client
}

// NewPatchDrafter wraps a completion client as a Drafter.
func NewPatchDrafter(client *Client) *PatchDrafter {
	return &PatchDrafter{client: client}
}

// Draft asks the model for a patch of the requested kind.
func (d *PatchDrafter) Draft(ctx context.Context, req DraftRequest) (*patch.Patch, error) {
	expectation := ""
	if req.Diagnosis.Expected != "" || req.Diagnosis.Actual != "" {
		expectation = fmt.Sprintf("**Expected:** %s\n**Actual:** %s\n",
			req.Diagnosis.Expected, req.Diagnosis.Actual)
	}
	prompt := fmt.Sprintf(drafterPromptTemplate,
		req.TestName, req.File, req.Language,
		req.FileContent,
		req.Diagnosis.Category, req.Diagnosis.Explanation,
		expectation,
		req.Diagnosis.Signature,
		req.Kind,
	)

	var resp draftResponse
	if err := d.client.completeJSON(ctx, drafterSystemPrompt, prompt, &resp); err != nil {
		return nil, fmt.Errorf("draft %s patch: %w", req.Kind, err)
	}

	p := &patch.Patch{
		CaseID:     req.CaseID,
		Kind:       req.Kind,
		TargetFile: req.File,
		Confidence: resp.Confidence,
	}
	switch req.Kind {
	case patch.KindTargetedReplace:
		p.OldText = resp.OldText
		p.NewText = resp.NewText
	case patch.KindUnifiedDiff:
		p.DiffBody = resp.Diff
	case patch.KindFullRewrite:
		p.Content = resp.Content
	default:
		return nil, fmt.Errorf("unknown patch kind %q", req.Kind)
	}
	return p, nil
}
