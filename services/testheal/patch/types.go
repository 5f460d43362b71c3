// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package patch applies minimal, auditable, reversible patches to a
// shared source tree.
//
// Three structurally different patch kinds are supported, ordered by
// invasiveness:
//
//	TargetedReplace - exact old/new text pair, valid only if the old
//	                  text occurs exactly once in the target file
//	UnifiedDiff     - contextual line-level hunks, validated against
//	                  the current file content with a small fuzz
//	FullRewrite     - complete replacement content, last resort
//
// All applies are atomic: the engine snapshots the pre-patch content,
// writes via temp file + rename, and restores the snapshot if the
// post-apply verification fails. The tree is never left in a
// validated-but-not-fully-applied state.
//
// # Concurrency
//
// The engine takes an exclusive, scoped lock on the target file for
// the validate+apply window (and for rollback). Lock scope is per-file
// by default so unrelated files patch in parallel; tree scope collapses
// all patching to one lock for cross-file structural changes.
package patch

import (
	"time"
)

// Kind identifies one of the three structural patch strategies.
type Kind string

const (
	// KindTargetedReplace swaps an exact, unique old-text fragment.
	KindTargetedReplace Kind = "targeted_replace"

	// KindUnifiedDiff applies contextual line-level hunks.
	KindUnifiedDiff Kind = "unified_diff"

	// KindFullRewrite replaces the entire file content.
	KindFullRewrite Kind = "full_rewrite"
)

// Invasiveness orders kinds from least to most invasive. The healing
// policy prefers the cheapest kind that can be validated safely.
func (k Kind) Invasiveness() int {
	switch k {
	case KindTargetedReplace:
		return 0
	case KindUnifiedDiff:
		return 1
	default:
		return 2
	}
}

// Escalate returns the next-more-invasive kind, and false once
// FullRewrite is reached.
func (k Kind) Escalate() (Kind, bool) {
	switch k {
	case KindTargetedReplace:
		return KindUnifiedDiff, true
	case KindUnifiedDiff:
		return KindFullRewrite, true
	default:
		return KindFullRewrite, false
	}
}

// Patch is a proposed change to one file.
//
// Payload fields are kind-specific: OldText/NewText for
// TargetedReplace, DiffBody for UnifiedDiff, Content for FullRewrite.
type Patch struct {
	// ID is assigned on apply if empty.
	ID string `json:"id"`

	// CaseID is the owning TestCase, for the audit trail.
	CaseID string `json:"case_id,omitempty"`

	Kind Kind `json:"kind"`

	// TargetFile is relative to the source tree root.
	TargetFile string `json:"target_file"`

	OldText  string `json:"old_text,omitempty"`
	NewText  string `json:"new_text,omitempty"`
	DiffBody string `json:"diff_body,omitempty"`
	Content  string `json:"content,omitempty"`

	// Confidence is inherited from the diagnosis that proposed this
	// patch, adjusted by the drafting collaborator.
	Confidence float64 `json:"confidence"`
}

// AppliedPatch records a successful apply together with the pre-patch
// snapshot needed for byte-exact rollback.
type AppliedPatch struct {
	Patch Patch `json:"patch"`

	// Snapshot is the pre-apply file content, byte for byte.
	Snapshot []byte `json:"snapshot"`

	// Existed is false when the target file was created by the apply
	// (FullRewrite only); rollback then removes it.
	Existed bool `json:"existed"`

	// AppliedAt and RolledBackAt are mutually exclusive markers.
	AppliedAt    time.Time  `json:"applied_at"`
	RolledBackAt *time.Time `json:"rolled_back_at,omitempty"`
}

// ValidationResult reports whether a patch can be applied to the
// current file content.
type ValidationResult struct {
	OK bool `json:"ok"`

	// Code is a machine-readable reason when OK is false. One of the
	// Code* constants.
	Code string `json:"code,omitempty"`

	// Message is a human-readable explanation.
	Message string `json:"message,omitempty"`
}

// Machine-readable validation failure codes.
const (
	// CodeAmbiguousTarget: old text occurs zero or multiple times.
	CodeAmbiguousTarget = "ambiguous_target"

	// CodeContextMismatch: a hunk's context does not match the file.
	CodeContextMismatch = "context_mismatch"

	// CodeMalformedDiff: the diff body cannot be parsed.
	CodeMalformedDiff = "malformed_diff"

	// CodeEmptyContent: a FullRewrite with no content.
	CodeEmptyContent = "empty_content"

	// CodeEmptyPayload: a TargetedReplace with no old text.
	CodeEmptyPayload = "empty_payload"

	// CodeMissingFile: the target file does not exist.
	CodeMissingFile = "missing_file"
)

func valid() ValidationResult {
	return ValidationResult{OK: true}
}

func invalid(code, message string) ValidationResult {
	return ValidationResult{OK: false, Code: code, Message: message}
}
