// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package knowledge persists healing outcomes across runs.
//
// Every heal attempt is recorded as an observation keyed by failure
// category and signature. Aggregated heal rates feed back into the
// diagnosis layer as confidence priors: a signature that healed nine
// times out of ten deserves more trust next time. BadgerDB provides
// the embedded store; low-latency local reads, no external service.
package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/testheal/services/testheal/diagnose"
)

// Config holds configuration for the knowledge store.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output.
	// If nil, BadgerDB logging is disabled.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults: durable writes, disk
// persistence at the given path.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns a configuration for testing: no disk I/O,
// data lost on close.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Observation records the outcome of one heal attempt.
type Observation struct {
	ID        string            `json:"id"`
	CaseID    string            `json:"case_id"`
	Category  diagnose.Category `json:"category"`
	Signature string            `json:"signature"`
	PatchKind string            `json:"patch_kind,omitempty"`
	Healed    bool              `json:"healed"`
	At        time.Time         `json:"at"`
}

// counter aggregates attempts and heals for one (category, signature).
type counter struct {
	Attempts int       `json:"attempts"`
	Heals    int       `json:"heals"`
	Updated  time.Time `json:"updated"`
}

// ErrClosed is returned for operations on a closed store.
var ErrClosed = errors.New("knowledge store is closed")

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store satisfies the diagnosis layer's prior source.
var _ diagnose.PriorSource = (*Store)(nil)

// Store is the BadgerDB-backed knowledge base.
//
// # Thread Safety
//
// Safe for concurrent use. Counter updates run inside Badger
// transactions; conflicting updates are retried.
type Store struct {
	db     *badger.DB
	closed bool
}

// Open creates and opens a knowledge store.
//
// Description:
//
//	Opens a BadgerDB at the configured path, or in memory. Creates
//	the directory if it doesn't exist.
//
// Outputs:
//
//	*Store - The opened store. Caller must Close() when done.
//	error - Non-nil if path is invalid or the database cannot open.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent knowledge store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create knowledge directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open knowledge database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Append records one heal attempt outcome.
//
// Description:
//
//	Persists the raw observation and bumps the aggregate counter for
//	its (category, signature) pair in the same transaction. The
//	observation log is append-only; outcomes are never rewritten.
func (s *Store) Append(ctx context.Context, obs Observation) error {
	if s.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if obs.ID == "" {
		obs.ID = uuid.New().String()
	}
	if obs.At.IsZero() {
		obs.At = time.Now().UTC()
	}

	obsBytes, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("marshal observation: %w", err)
	}
	ck := counterKey(string(obs.Category), obs.Signature)

	err = s.db.Update(func(txn *badger.Txn) error {
		var c counter
		item, err := txn.Get(ck)
		switch {
		case err == nil:
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &c)
			}); err != nil {
				return fmt.Errorf("decode counter: %w", err)
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			// first observation for this signature
		default:
			return fmt.Errorf("read counter: %w", err)
		}

		c.Attempts++
		if obs.Healed {
			c.Heals++
		}
		c.Updated = obs.At

		cBytes, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal counter: %w", err)
		}
		if err := txn.Set(ck, cBytes); err != nil {
			return fmt.Errorf("write counter: %w", err)
		}
		if err := txn.Set(observationKey(obs), obsBytes); err != nil {
			return fmt.Errorf("write observation: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append observation: %w", err)
	}
	return nil
}

// HealRate returns the historical heal rate for a signature.
//
// Description:
//
//	Looks up the aggregate counter for (category, signature).
//	Implements the diagnosis layer's PriorSource interface.
//
// Outputs:
//
//	float64 - Heals / attempts, 0 when no history.
//	int - Number of attempts observed.
//	error - Non-nil only for store failures, never for missing keys.
func (s *Store) HealRate(ctx context.Context, category, signature string) (float64, int, error) {
	if s.closed {
		return 0, 0, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	var c counter
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(counterKey(category, signature))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &c)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("read heal rate: %w", err)
	}
	if c.Attempts == 0 {
		return 0, 0, nil
	}
	return float64(c.Heals) / float64(c.Attempts), c.Attempts, nil
}

// Observations returns all recorded observations for a category,
// newest last. Intended for reporting and debugging.
func (s *Store) Observations(ctx context.Context, category diagnose.Category) ([]Observation, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(fmt.Sprintf("obs/%s/", category))
	var out []Observation
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var obs Observation
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &obs)
			}); err != nil {
				return fmt.Errorf("decode observation: %w", err)
			}
			out = append(out, obs)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan observations: %w", err)
	}
	return out, nil
}

// counterKey builds the aggregate key for a (category, signature).
// Signatures are free text from parser output, so they are hashed.
func counterKey(category, signature string) []byte {
	return []byte(fmt.Sprintf("prior/%s/%s", category, sigHash(signature)))
}

func observationKey(obs Observation) []byte {
	return []byte(fmt.Sprintf("obs/%s/%s/%s", obs.Category, sigHash(obs.Signature), obs.ID))
}

func sigHash(signature string) string {
	sum := sha256.Sum256([]byte(signature))
	return hex.EncodeToString(sum[:8])
}
