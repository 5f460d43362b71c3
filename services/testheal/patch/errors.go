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
	"errors"
	"fmt"
)

// Sentinel errors for patch operations.
var (
	// ErrLockTimeout indicates the per-file lock could not be acquired
	// before the context expired. Fatal for the owning case only.
	ErrLockTimeout = errors.New("timed out waiting for file lock")

	// ErrAlreadyRolledBack indicates a second rollback of the same
	// applied patch.
	ErrAlreadyRolledBack = errors.New("patch already rolled back")

	// ErrOutsideRoot indicates a target path escaping the source tree.
	ErrOutsideRoot = errors.New("target file is outside the source tree")
)

// ValidationError wraps a ValidationResult as an error.
//
// # Description
//
// Validation failures are recoverable locally: the orchestrator reacts
// by escalating the patch kind, not by failing the process. Callers
// branch on the Code via errors.As.
type ValidationError struct {
	Patch  *Patch
	Result ValidationResult
}

// Error returns a human-readable message.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("patch %s on %s rejected [%s]: %s",
		e.Patch.Kind, e.Patch.TargetFile, e.Result.Code, e.Result.Message)
}

// IsValidationError reports whether err is a patch validation failure
// and returns the failure code.
func IsValidationError(err error) (string, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Result.Code, true
	}
	return "", false
}
