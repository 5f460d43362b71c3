// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checklist

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for store operations.
var (
	// ErrCaseNotFound indicates an unknown TestCase ID.
	ErrCaseNotFound = errors.New("test case not found")

	// ErrDuplicateCase indicates an Add with an ID already present.
	ErrDuplicateCase = errors.New("test case already registered")

	// ErrStoreClosed indicates use after Close.
	ErrStoreClosed = errors.New("checklist store is closed")
)

// checklistDocument is the on-disk shape of checklist.json.
//
// The document is keyed by case ID for operator readability; ordering
// is reconstructed from the Seq field on load.
type checklistDocument struct {
	RunID     string               `json:"run_id"`
	SavedAt   time.Time            `json:"saved_at"`
	Cases     map[string]*TestCase `json:"cases"`
	NextSeq   int                  `json:"next_seq"`
	FormatVer int                  `json:"format_version"`
}

const formatVersion = 1

// Store is the durable checklist for one run.
//
// # Description
//
// Keeps the canonical TestCase map in memory and rewrites
// checklist.json atomically on every commit. Execution records are
// appended to records.jsonl and synced per write. Save is idempotent:
// committing the same working copy twice leaves identical state.
//
// If the backing medium is unavailable, Save fails loudly. Callers
// must treat that as fatal for the current case only.
//
// # Thread Safety
//
// Safe for concurrent use. Writes serialize on an internal mutex so
// two commits never interleave on disk.
type Store struct {
	mu      sync.RWMutex
	runID   string
	dir     string
	cases   map[string]*TestCase
	nextSeq int
	records *os.File
	closed  bool
}

// Open creates or reopens the checklist store for a run.
//
// Description:
//
//	Creates <stateDir>/<runID>/ if missing. When checklist.json exists
//	it is loaded, so a process restart resumes exactly where the last
//	committed transition left off.
//
// Inputs:
//
//	stateDir - Root state directory
//	runID - Run identifier, used as the directory name
//
// Outputs:
//
//	*Store - Ready-to-use store. Caller must Close.
//	error - Non-nil if the directory or files cannot be prepared.
func Open(stateDir, runID string) (*Store, error) {
	dir := filepath.Join(stateDir, runID)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating run directory %s: %w", dir, err)
	}

	s := &Store{
		runID: runID,
		dir:   dir,
		cases: make(map[string]*TestCase),
	}

	docPath := s.checklistPath()
	data, err := os.ReadFile(docPath)
	switch {
	case err == nil:
		var doc checklistDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", docPath, err)
		}
		if doc.Cases != nil {
			s.cases = doc.Cases
		}
		s.nextSeq = doc.NextSeq
	case os.IsNotExist(err):
		// Fresh run.
	default:
		return nil, fmt.Errorf("reading %s: %w", docPath, err)
	}

	records, err := os.OpenFile(s.recordsPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("opening execution records: %w", err)
	}
	s.records = records

	return s, nil
}

// RunID returns the run identifier this store belongs to.
func (s *Store) RunID() string {
	return s.runID
}

// Dir returns the run directory backing this store.
func (s *Store) Dir() string {
	return s.dir
}

// Add registers a new TestCase and commits the checklist.
//
// Description:
//
//	Assigns the insertion sequence used for deterministic scheduling
//	tie-breaks. Adding an ID that already exists is an error; resumed
//	runs must not duplicate cases.
func (s *Store) Add(c *TestCase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if c.ID == "" {
		return errors.New("test case ID is required")
	}
	if _, ok := s.cases[c.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCase, c.ID)
	}

	now := time.Now().UTC()
	stored := c.Clone()
	stored.Seq = s.nextSeq
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.Status == "" {
		stored.Status = StatusPending
	}
	s.nextSeq++
	s.cases[stored.ID] = stored

	if err := s.commitLocked(); err != nil {
		// Roll the in-memory registration back so memory and disk agree.
		delete(s.cases, stored.ID)
		s.nextSeq--
		return err
	}
	*c = *stored.Clone()
	return nil
}

// Load returns all TestCases in insertion order.
//
// Description:
//
//	Returns deep copies; mutating the result does not touch the
//	canonical state. A restarted process calls Load to resume with no
//	case lost or duplicated.
func (s *Store) Load() ([]*TestCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	out := make([]*TestCase, 0, len(s.cases))
	for _, c := range s.cases {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Get returns a deep copy of one TestCase.
func (s *Store) Get(id string) (*TestCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	c, ok := s.cases[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCaseNotFound, id)
	}
	return c.Clone(), nil
}

// Save commits a working copy back to the canonical checklist.
//
// Description:
//
//	Replaces the whole record (read-modify-write of the full TestCase,
//	never partial field updates) and rewrites checklist.json
//	atomically. The passed-lock-in invariant is enforced here as a
//	hard guard: a case already committed as Passed can never be moved
//	to another status.
//
// Outputs:
//
//	error - Non-nil if the case is unknown, the lock-in invariant
//	would be violated, or the write fails. Write failures leave the
//	previous committed state intact.
func (s *Store) Save(c *TestCase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	prev, ok := s.cases[c.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCaseNotFound, c.ID)
	}
	if prev.Status == StatusPassed && c.Status != StatusPassed {
		return fmt.Errorf("case %s: refusing transition out of passed (lock-in)", c.ID)
	}

	stored := c.Clone()
	stored.Seq = prev.Seq
	stored.CreatedAt = prev.CreatedAt
	stored.UpdatedAt = time.Now().UTC()
	s.cases[c.ID] = stored

	if err := s.commitLocked(); err != nil {
		s.cases[c.ID] = prev
		return err
	}
	return nil
}

// AppendExecutionRecord appends one verification attempt to the audit
// log and syncs it to disk.
//
// Description:
//
//	Records are never rewritten or discarded while a case is active.
//	An empty record ID is filled with a fresh UUID.
func (s *Store) AppendExecutionRecord(caseID string, rec ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.cases[caseID]; !ok {
		return fmt.Errorf("%w: %s", ErrCaseNotFound, caseID)
	}

	rec.CaseID = caseID
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding execution record: %w", err)
	}
	if _, err := s.records.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending execution record: %w", err)
	}
	if err := s.records.Sync(); err != nil {
		return fmt.Errorf("syncing execution records: %w", err)
	}
	return nil
}

// ExecutionRecords reads back the full execution history for the run.
func (s *Store) ExecutionRecords() ([]ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.recordsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading execution records: %w", err)
	}

	var out []ExecutionRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var rec ExecutionRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("parsing execution records: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close flushes and closes the records file. The checklist document is
// already durable at the last committed transition.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.records != nil {
		return s.records.Close()
	}
	return nil
}

// commitLocked rewrites checklist.json atomically. Callers hold s.mu.
func (s *Store) commitLocked() error {
	doc := checklistDocument{
		RunID:     s.runID,
		SavedAt:   time.Now().UTC(),
		Cases:     s.cases,
		NextSeq:   s.nextSeq,
		FormatVer: formatVersion,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding checklist: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".checklist-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp checklist: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing checklist: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing checklist: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp checklist: %w", err)
	}
	if err := os.Rename(tmpPath, s.checklistPath()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("committing checklist: %w", err)
	}
	return nil
}

func (s *Store) checklistPath() string {
	return filepath.Join(s.dir, "checklist.json")
}

func (s *Store) recordsPath() string {
	return filepath.Join(s.dir, "records.jsonl")
}
