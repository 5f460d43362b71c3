// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package report renders run results for machines and operators.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/testheal/services/testheal/checklist"
)

// toolVersion is stamped into report metadata.
const toolVersion = "0.1.0"

// Report is the machine-readable summary of one run.
type Report struct {
	Metadata Metadata    `json:"metadata"`
	Summary  Summary     `json:"summary"`
	Cases    []CaseEntry `json:"cases"`
}

// Metadata identifies the producing run.
type Metadata struct {
	RunID     string    `json:"run_id"`
	Tool      string    `json:"tool"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Duration  string    `json:"duration"`
}

// Summary holds the aggregate counts.
type Summary struct {
	Total      int `json:"total"`
	Passed     int `json:"passed"`
	Healed     int `json:"healed"`
	Escalated  int `json:"escalated"`
	FlaggedBug int `json:"flagged_bugs"`
	Skipped    int `json:"skipped"`
	Expected   int `json:"expected_failures"`
	Fatal      int `json:"fatal"`

	// SuccessRate is passed over accountable cases. Skipped cases are
	// excluded from the denominator.
	SuccessRate float64 `json:"success_rate"`

	// ByCategory counts last-failure diagnosis categories for cases
	// that did not end Passed.
	ByCategory map[string]int `json:"by_category,omitempty"`
}

// CaseEntry is the per-case audit record.
type CaseEntry struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	File           string   `json:"file"`
	Status         string   `json:"status"`
	RetryCount     int      `json:"retry_count"`
	PatchesApplied []string `json:"patches_applied,omitempty"`
	LastCategory   string   `json:"last_category,omitempty"`
	Reason         string   `json:"escalation_reason,omitempty"`
}

// Build assembles a report from the final checklist state.
//
// Description:
//
//	Counts terminal statuses, computes the pass rate over accountable
//	cases (skips excluded), and records a per-case audit trail sorted
//	by case ID for stable output.
func Build(runID string, cases []*checklist.TestCase, duration time.Duration) Report {
	r := Report{
		Metadata: Metadata{
			RunID:     runID,
			Tool:      "testheal",
			Version:   toolVersion,
			Timestamp: time.Now().UTC(),
			Duration:  duration.Round(time.Millisecond).String(),
		},
		Summary: Summary{
			Total:      len(cases),
			ByCategory: map[string]int{},
		},
	}

	for _, c := range cases {
		entry := CaseEntry{
			ID:             c.ID,
			Name:           c.Name,
			File:           c.File,
			Status:         string(c.Status),
			RetryCount:     c.RetryCount,
			PatchesApplied: c.PatchesApplied,
			Reason:         c.EscalationReason,
		}
		if c.LastFailure != nil {
			entry.LastCategory = c.LastFailure.Category
		}
		r.Cases = append(r.Cases, entry)

		switch c.Status {
		case checklist.StatusPassed:
			r.Summary.Passed++
			if len(c.PatchesApplied) > 0 {
				r.Summary.Healed++
			}
		case checklist.StatusEscalated:
			r.Summary.Escalated++
		case checklist.StatusFlaggedBug:
			r.Summary.FlaggedBug++
		case checklist.StatusSkipped:
			r.Summary.Skipped++
		case checklist.StatusExpectedFailure:
			r.Summary.Expected++
		case checklist.StatusFatal:
			r.Summary.Fatal++
		}
		if c.Status != checklist.StatusPassed && entry.LastCategory != "" {
			r.Summary.ByCategory[entry.LastCategory]++
		}
	}

	accountable := r.Summary.Total - r.Summary.Skipped
	if accountable > 0 {
		r.Summary.SuccessRate = float64(r.Summary.Passed) / float64(accountable)
	}

	sort.Slice(r.Cases, func(i, j int) bool { return r.Cases[i].ID < r.Cases[j].ID })
	return r
}

// WriteJSON writes the report to path with stable indentation.
func (r Report) WriteJSON(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0640); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}

// WriteText renders the operator summary.
func (r Report) WriteText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s finished in %s\n", r.Metadata.RunID, r.Metadata.Duration)
	fmt.Fprintf(&b, "  passed:             %d/%d (%.0f%%)\n",
		r.Summary.Passed, r.Summary.Total, r.Summary.SuccessRate*100)
	if r.Summary.Healed > 0 {
		fmt.Fprintf(&b, "  healed:             %d\n", r.Summary.Healed)
	}
	if r.Summary.Escalated > 0 {
		fmt.Fprintf(&b, "  awaiting decision:  %d\n", r.Summary.Escalated)
	}
	if r.Summary.FlaggedBug > 0 {
		fmt.Fprintf(&b, "  flagged bugs:       %d\n", r.Summary.FlaggedBug)
	}
	if r.Summary.Skipped > 0 {
		fmt.Fprintf(&b, "  skipped:            %d\n", r.Summary.Skipped)
	}
	if r.Summary.Expected > 0 {
		fmt.Fprintf(&b, "  expected failures:  %d\n", r.Summary.Expected)
	}
	if r.Summary.Fatal > 0 {
		fmt.Fprintf(&b, "  fatal:              %d\n", r.Summary.Fatal)
	}

	for _, c := range r.Cases {
		if c.Status == string(checklist.StatusEscalated) {
			fmt.Fprintf(&b, "  ! %s (%s): %s\n", c.Name, c.File, c.Reason)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}
