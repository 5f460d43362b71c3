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
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/testheal/pkg/logging"
)

// Config configures the patch engine.
type Config struct {
	// Root is the source tree root. All target paths resolve under it.
	Root string

	// Scope selects per-file or whole-tree locking.
	// Default: LockScopeFile
	Scope LockScope

	// LockTimeout bounds how long Apply and Rollback wait for the
	// file lock before failing the case.
	// Default: 30s
	LockTimeout time.Duration

	// Fuzz is the context match tolerance for UnifiedDiff hunks, in
	// lines of allowed offset drift.
	// Default: 2
	Fuzz int
}

// Engine validates, applies, and rolls back patches.
//
// # Thread Safety
//
// Safe for concurrent use. Two patches touching the same file never
// validate-and-apply concurrently; the second waits for the first's
// apply or rollback to complete.
type Engine struct {
	root        string
	scope       LockScope
	fuzz        int
	lockTimeout time.Duration
	locks       *lockTable
	logger      *logging.Logger
}

// NewEngine creates a patch engine over the given source tree.
func NewEngine(cfg Config, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Scope == "" {
		cfg.Scope = LockScopeFile
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = 30 * time.Second
	}
	if cfg.Fuzz == 0 {
		cfg.Fuzz = 2
	}
	return &Engine{
		root:        cfg.Root,
		scope:       cfg.Scope,
		fuzz:        cfg.Fuzz,
		lockTimeout: cfg.LockTimeout,
		locks:       newLockTable(),
		logger:      logger,
	}
}

// Validate checks whether a patch can be applied to the given content.
//
// Description:
//
//	Pure function of (patch, content); takes no locks and touches no
//	files. Apply revalidates under the lock, so a Validate-then-Apply
//	race against another writer cannot produce a stale apply.
//
//	TargetedReplace: the old text must occur exactly once. Zero or
//	multiple occurrences is a failure (never silently pick the first
//	match).
//	UnifiedDiff: every hunk's context must match within the fuzz
//	tolerance.
//	FullRewrite: non-empty content only; this kind is the explicit
//	last resort.
func (e *Engine) Validate(p *Patch, current []byte) ValidationResult {
	switch p.Kind {
	case KindTargetedReplace:
		if p.OldText == "" {
			return invalid(CodeEmptyPayload, "targeted replace requires old text")
		}
		n := strings.Count(string(current), p.OldText)
		if n != 1 {
			return invalid(CodeAmbiguousTarget,
				fmt.Sprintf("old text occurs %d times, need exactly 1", n))
		}
		return valid()

	case KindUnifiedDiff:
		fd, err := parseUnified(p.DiffBody)
		if err != nil {
			return invalid(CodeMalformedDiff, err.Error())
		}
		_, res := applyUnified(current, fd, e.fuzz)
		return res

	case KindFullRewrite:
		if strings.TrimSpace(p.Content) == "" {
			return invalid(CodeEmptyContent, "full rewrite requires non-empty content")
		}
		return valid()

	default:
		return invalid(CodeEmptyPayload, fmt.Sprintf("unknown patch kind %q", p.Kind))
	}
}

// Apply validates and applies a patch atomically.
//
// Description:
//
//	Takes the scoped exclusive lock, snapshots the pre-patch content,
//	revalidates against the locked content, writes the new content via
//	temp file + rename, and verifies the result by reading it back.
//	Any failure after the write restores the snapshot byte-for-byte
//	before returning. The lock is held only for this window, never
//	across sandbox or collaborator calls.
//
// Outputs:
//
//	*AppliedPatch - Apply record with the rollback snapshot.
//	error - *ValidationError for recoverable rejections (the caller
//	escalates the patch kind), ErrLockTimeout or I/O errors otherwise.
func (e *Engine) Apply(ctx context.Context, p *Patch) (*AppliedPatch, error) {
	abs, key, err := e.resolve(p.TargetFile)
	if err != nil {
		return nil, err
	}

	lockCtx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	defer cancel()
	if err := e.locks.acquire(lockCtx, key); err != nil {
		return nil, err
	}
	defer e.locks.release(key)

	current, existed, err := readIfExists(abs)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p.TargetFile, err)
	}
	if !existed && p.Kind != KindFullRewrite {
		return nil, &ValidationError{Patch: p, Result: invalid(CodeMissingFile, "target file does not exist")}
	}

	if res := e.Validate(p, current); !res.OK {
		return nil, &ValidationError{Patch: p, Result: res}
	}

	next, res := e.render(p, current)
	if !res.OK {
		return nil, &ValidationError{Patch: p, Result: res}
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	if err := writeAtomic(abs, next); err != nil {
		return nil, fmt.Errorf("writing %s: %w", p.TargetFile, err)
	}

	// Post-apply verification: the file must now hold exactly the
	// rendered content. On any mismatch, restore the snapshot.
	readback, err := os.ReadFile(abs)
	if err != nil || !bytes.Equal(readback, next) {
		if restoreErr := e.restore(abs, current, existed); restoreErr != nil {
			return nil, fmt.Errorf("apply verification failed and restore failed: %v (restore: %w)", err, restoreErr)
		}
		if err != nil {
			return nil, fmt.Errorf("verifying applied patch: %w", err)
		}
		return nil, fmt.Errorf("applied content did not match rendered patch for %s", p.TargetFile)
	}

	e.logger.Info("patch applied",
		"patch_id", p.ID,
		"kind", string(p.Kind),
		"file", p.TargetFile,
		"case_id", p.CaseID,
	)

	return &AppliedPatch{
		Patch:     *p,
		Snapshot:  current,
		Existed:   existed,
		AppliedAt: time.Now().UTC(),
	}, nil
}

// Rollback restores the pre-apply snapshot byte-for-byte.
//
// Description:
//
//	Takes the same scoped lock as Apply. A patch can be rolled back at
//	most once; AppliedAt and RolledBackAt are mutually exclusive
//	markers on the same record.
func (e *Engine) Rollback(ctx context.Context, ap *AppliedPatch) error {
	if ap.RolledBackAt != nil {
		return ErrAlreadyRolledBack
	}

	abs, key, err := e.resolve(ap.Patch.TargetFile)
	if err != nil {
		return err
	}

	lockCtx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	defer cancel()
	if err := e.locks.acquire(lockCtx, key); err != nil {
		return err
	}
	defer e.locks.release(key)

	if err := e.restore(abs, ap.Snapshot, ap.Existed); err != nil {
		return err
	}

	now := time.Now().UTC()
	ap.RolledBackAt = &now

	e.logger.Info("patch rolled back",
		"patch_id", ap.Patch.ID,
		"file", ap.Patch.TargetFile,
	)
	return nil
}

// render produces the post-patch content. Validation has already
// passed for the same content, so failures here are defensive only.
func (e *Engine) render(p *Patch, current []byte) ([]byte, ValidationResult) {
	switch p.Kind {
	case KindTargetedReplace:
		return []byte(strings.Replace(string(current), p.OldText, p.NewText, 1)), valid()
	case KindUnifiedDiff:
		fd, err := parseUnified(p.DiffBody)
		if err != nil {
			return nil, invalid(CodeMalformedDiff, err.Error())
		}
		return applyUnified(current, fd, e.fuzz)
	default:
		return []byte(p.Content), valid()
	}
}

// resolve maps a tree-relative target to an absolute path and lock
// key, rejecting escapes from the root.
func (e *Engine) resolve(target string) (abs string, key string, err error) {
	cleaned := filepath.Clean(target)
	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
		return "", "", fmt.Errorf("%w: %s", ErrOutsideRoot, target)
	}
	key = cleaned
	if e.scope == LockScopeTree {
		key = ""
	}
	return filepath.Join(e.root, cleaned), key, nil
}

// restore writes snapshot back, or removes the file when it did not
// exist before the apply.
func (e *Engine) restore(abs string, snapshot []byte, existed bool) error {
	if !existed {
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing created file: %w", err)
		}
		return nil
	}
	if err := writeAtomic(abs, snapshot); err != nil {
		return fmt.Errorf("restoring snapshot: %w", err)
	}
	return nil
}

func readIfExists(abs string) (content []byte, existed bool, err error) {
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// writeAtomic writes content via a temp file in the same directory
// followed by rename, so readers never observe a half-written file.
func writeAtomic(abs string, content []byte) error {
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".patch-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, abs)
}
