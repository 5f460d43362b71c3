// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/testheal/services/testheal/checklist"
	"github.com/AleutianAI/testheal/services/testheal/diagnose"
)

func sampleCases() []*checklist.TestCase {
	return []*checklist.TestCase{
		{ID: "c1", Name: "test_login", File: "tests/test_auth.py", Status: checklist.StatusPassed},
		{
			ID: "c2", Name: "test_logout", File: "tests/test_auth.py",
			Status:         checklist.StatusPassed,
			RetryCount:     1,
			PatchesApplied: []string{"patch-1"},
		},
		{
			ID: "c3", Name: "test_refresh", File: "tests/test_auth.py",
			Status:           checklist.StatusEscalated,
			RetryCount:       3,
			EscalationReason: "retry cap reached",
			LastFailure: &checklist.FailureRecord{
				Category: string(diagnose.CategoryAssertionMismatch),
			},
		},
		{ID: "c4", Name: "test_flaky", File: "tests/test_net.py", Status: checklist.StatusSkipped},
		{
			ID: "c5", Name: "test_rounding", File: "tests/test_math.py",
			Status: checklist.StatusFlaggedBug,
			LastFailure: &checklist.FailureRecord{
				Category: string(diagnose.CategoryAssertionMismatch),
			},
		},
	}
}

func TestBuildCounts(t *testing.T) {
	r := Build("run-9", sampleCases(), 90*time.Second)

	assert.Equal(t, 5, r.Summary.Total)
	assert.Equal(t, 2, r.Summary.Passed)
	assert.Equal(t, 1, r.Summary.Healed)
	assert.Equal(t, 1, r.Summary.Escalated)
	assert.Equal(t, 1, r.Summary.FlaggedBug)
	assert.Equal(t, 1, r.Summary.Skipped)

	// Skips leave the denominator: 2 passed of 4 accountable.
	assert.InDelta(t, 0.5, r.Summary.SuccessRate, 1e-9)

	assert.Equal(t, 2, r.Summary.ByCategory[string(diagnose.CategoryAssertionMismatch)])
}

// A flagged bug stays in the audit trail even though it never counts
// as passing.
func TestBuildAuditTrail(t *testing.T) {
	r := Build("run-9", sampleCases(), time.Second)

	require.Len(t, r.Cases, 5)
	// Sorted by ID for stable diffs.
	for i := 1; i < len(r.Cases); i++ {
		assert.Less(t, r.Cases[i-1].ID, r.Cases[i].ID)
	}

	var flagged *CaseEntry
	for i := range r.Cases {
		if r.Cases[i].ID == "c5" {
			flagged = &r.Cases[i]
		}
	}
	require.NotNil(t, flagged)
	assert.Equal(t, string(checklist.StatusFlaggedBug), flagged.Status)
	assert.Equal(t, string(diagnose.CategoryAssertionMismatch), flagged.LastCategory)
}

func TestWriteJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.json")

	r := Build("run-9", sampleCases(), 42*time.Second)
	require.NoError(t, r.WriteJSON(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got Report
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "run-9", got.Metadata.RunID)
	assert.Equal(t, "testheal", got.Metadata.Tool)
	assert.Equal(t, r.Summary, got.Summary)
}

func TestWriteTextSummary(t *testing.T) {
	var sb strings.Builder
	r := Build("run-9", sampleCases(), 3*time.Second)
	require.NoError(t, r.WriteText(&sb))

	out := sb.String()
	assert.Contains(t, out, "run run-9")
	assert.Contains(t, out, "passed:             2/5")
	assert.Contains(t, out, "healed:             1")
	assert.Contains(t, out, "test_refresh")
	assert.Contains(t, out, "retry cap reached")
}

func TestBuildEmptyRun(t *testing.T) {
	r := Build("run-0", nil, 0)
	assert.Zero(t, r.Summary.Total)
	assert.Zero(t, r.Summary.SuccessRate)
	assert.Empty(t, r.Cases)
}
