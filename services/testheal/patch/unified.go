// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patch

import (
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// parseUnified parses a unified diff body and requires it to address
// exactly one file. Multi-file diffs are rejected: a Patch targets one
// file by contract.
func parseUnified(body string) (*diff.FileDiff, error) {
	fds, err := diff.NewMultiFileDiffReader(strings.NewReader(body)).ReadAllFiles()
	if err != nil {
		return nil, err
	}
	if len(fds) != 1 {
		return nil, fmt.Errorf("expected exactly one file in diff, got %d", len(fds))
	}
	return fds[0], nil
}

// hunkLines splits a hunk body into its prefixed lines, dropping the
// trailing empty split artifact and "\ No newline" markers.
func hunkLines(body []byte) []string {
	lines := strings.Split(string(body), "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	out := lines[:0]
	for _, l := range lines {
		if strings.HasPrefix(l, `\`) {
			continue
		}
		out = append(out, l)
	}
	return out
}

// origSide extracts the lines a hunk expects to find in the current
// file (context plus removals, prefixes stripped).
func origSide(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		switch {
		case strings.HasPrefix(l, "-"), strings.HasPrefix(l, " "):
			out = append(out, l[1:])
		case l == "":
			// Empty context line serialized without the space prefix.
			out = append(out, "")
		}
	}
	return out
}

// matchAt locates want inside lines, starting the search at the stated
// offset and widening up to fuzz lines in both directions. Returns the
// matched position and whether a match was found.
func matchAt(lines, want []string, start, fuzz, floor int) (int, bool) {
	tryAt := func(pos int) bool {
		if pos < floor || pos+len(want) > len(lines) {
			return false
		}
		for i, w := range want {
			if lines[pos+i] != w {
				return false
			}
		}
		return true
	}

	if tryAt(start) {
		return start, true
	}
	for delta := 1; delta <= fuzz; delta++ {
		if tryAt(start - delta) {
			return start - delta, true
		}
		if tryAt(start + delta) {
			return start + delta, true
		}
	}
	return 0, false
}

// applyUnified applies a parsed single-file diff to the original
// content. Every hunk's context must match at its stated offset within
// the fuzz tolerance; any mismatch aborts the whole apply (never a
// partial result).
func applyUnified(original []byte, fd *diff.FileDiff, fuzz int) ([]byte, ValidationResult) {
	origLines := strings.Split(string(original), "\n")

	var out []string
	cursor := 0 // next unconsumed original line

	for i, hunk := range fd.Hunks {
		body := hunkLines(hunk.Body)
		want := origSide(body)

		start := int(hunk.OrigStartLine) - 1
		if start < 0 {
			start = 0
		}

		pos, ok := matchAt(origLines, want, start, fuzz, cursor)
		if !ok {
			return nil, invalid(CodeContextMismatch,
				fmt.Sprintf("hunk %d context does not match file at line %d (fuzz %d)",
					i+1, start+1, fuzz))
		}

		// Copy untouched lines up to the hunk.
		out = append(out, origLines[cursor:pos]...)
		cursor = pos

		for _, l := range body {
			switch {
			case strings.HasPrefix(l, "+"):
				out = append(out, l[1:])
			case strings.HasPrefix(l, "-"):
				cursor++
			default:
				// Context line: already verified to match.
				out = append(out, origLines[cursor])
				cursor++
			}
		}
	}

	out = append(out, origLines[cursor:]...)
	return []byte(strings.Join(out, "\n")), valid()
}
