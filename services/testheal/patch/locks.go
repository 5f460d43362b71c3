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
	"context"
	"fmt"
	"sync"
)

// LockScope selects the granularity of patch serialization.
type LockScope string

const (
	// LockScopeFile serializes per target file; unrelated files patch
	// in parallel.
	LockScopeFile LockScope = "file"

	// LockScopeTree serializes all patching behind one lock, for
	// patches with cross-file structural effects.
	LockScopeTree LockScope = "tree"
)

// lockTable hands out one exclusive lock per key. Locks are channel
// based so acquisition can be abandoned on context expiry.
//
// Entries are never removed; the table is bounded by the number of
// distinct files patched in one run.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]chan struct{})}
}

func (t *lockTable) entry(key string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		t.locks[key] = ch
	}
	return ch
}

// acquire blocks until the key's lock is held or ctx expires.
func (t *lockTable) acquire(ctx context.Context, key string) error {
	ch := t.entry(key)
	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s (%v)", ErrLockTimeout, key, ctx.Err())
	}
}

// release frees the key's lock. Must pair with a successful acquire.
func (t *lockTable) release(key string) {
	<-t.entry(key)
}
