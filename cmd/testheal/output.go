// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/testheal/services/testheal/checklist"
)

// Exit codes for CLI commands.
const (
	CLIExitSuccess  = 0 // Every case resolved cleanly
	CLIExitFindings = 1 // Strict mode and at least one case needs attention
	CLIExitError    = 2 // Operation failed
)

// printBanner writes a run header, suppressed when stdout is not a
// terminal so piped output stays machine-friendly.
func printBanner(runID string, caseCount int) {
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return
	}
	fmt.Printf("testheal run %s: %d case(s)\n", runID, caseCount)
}

// exitCode implements the strict exit contract: non-zero iff strict
// mode is on and any case ended failed, escalated, flagged, or fatal.
func exitCode(strict bool, cases []*checklist.TestCase) int {
	if !strict {
		return CLIExitSuccess
	}
	for _, c := range cases {
		switch c.Status {
		case checklist.StatusFailed, checklist.StatusEscalated,
			checklist.StatusFlaggedBug, checklist.StatusFatal:
			return CLIExitFindings
		}
	}
	return CLIExitSuccess
}
