// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache stores the best verified candidate per source hash, mode,
// provider, and model in BadgerDB.
//
// Editing a source file changes its hash and therefore its key, so entries
// never go stale; they only age out through Config.TTL or Prune. The store
// is safe to delete at any time.
package cache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/testpilot/services/verifier"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNoDir indicates a persistent cache was opened without a directory.
	ErrNoDir = errors.New("cache directory is required")

	// ErrConflict indicates a write kept conflicting after all retries.
	ErrConflict = errors.New("cache write conflict")

	// ErrInvalidKey indicates a key with an empty component.
	ErrInvalidKey = errors.New("invalid cache key")

	// ErrInvalidAge indicates a non-positive prune age.
	ErrInvalidAge = errors.New("prune age must be positive")
)

const (
	entryPrefix = "entry/"
	hitsKey     = "stats/hits"
	missesKey   = "stats/misses"
)

// =============================================================================
// TYPES
// =============================================================================

// Key identifies a cache entry.
type Key struct {
	Hash     string
	Mode     string
	Provider string
	Model    string
}

// String returns entry/<hash>/<mode>/<provider>/<model>. Components are
// path-escaped so model names containing "/" stay unambiguous.
func (k Key) String() string {
	return entryPrefix + url.PathEscape(k.Hash) + "/" + url.PathEscape(k.Mode) + "/" +
		url.PathEscape(k.Provider) + "/" + url.PathEscape(k.Model)
}

func (k Key) validate() error {
	if k.Hash == "" || k.Mode == "" || k.Provider == "" || k.Model == "" {
		return fmt.Errorf("%w: %+v", ErrInvalidKey, k)
	}
	return nil
}

// Entry is a cached candidate.
type Entry struct {
	Key         Key              `json:"key"`
	Text        string           `json:"text"`
	SyntaxValid bool             `json:"syntax_valid"`
	Score       float64          `json:"score"`
	Issues      []verifier.Issue `json:"issues,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// EntryFromCandidate builds an Entry from a verified candidate, storing its
// final text.
func EntryFromCandidate(key Key, c *verifier.Candidate) *Entry {
	return &Entry{
		Key:         key,
		Text:        c.Final(),
		SyntaxValid: c.SyntaxValid,
		Score:       c.Score,
		Issues:      append([]verifier.Issue(nil), c.Issues...),
		CreatedAt:   time.Now().UTC(),
	}
}

// Candidate converts the entry back into a candidate.
func (e *Entry) Candidate() *verifier.Candidate {
	return &verifier.Candidate{
		Text:        e.Text,
		SyntaxValid: e.SyntaxValid,
		Score:       e.Score,
		Issues:      append([]verifier.Issue(nil), e.Issues...),
	}
}

// atLeastAsGood reports whether e ranks equal to or above other. Syntax
// validity ranks first, then score.
func (e *Entry) atLeastAsGood(other *Entry) bool {
	if e.SyntaxValid != other.SyntaxValid {
		return e.SyntaxValid
	}
	return e.Score >= other.Score
}

// Stats summarizes cache usage.
type Stats struct {
	Entries int    `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
}

// HitRate returns hits / (hits + misses), or 0 with no lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// =============================================================================
// CACHE
// =============================================================================

// Cache is a BadgerDB-backed candidate store.
//
// Thread Safety: Safe for concurrent use, including from parallel
// generation workers.
type Cache struct {
	db         *badger.DB
	gc         *gcRunner
	dir        string
	maxRetries int
	ttl        time.Duration
	logger     *slog.Logger

	// Lookups since the last flush. Persisted on Close so reads never
	// need a write transaction.
	hits   atomic.Uint64
	misses atomic.Uint64
}

// Open opens or creates the cache described by cfg.
//
// Outputs:
//
//	*Cache - The cache. Caller must Close it.
//	error - ErrNoDir, or a badger open error (for example when another
//	        process holds the directory lock).
func Open(cfg Config) (*Cache, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		db:         db,
		dir:        cfg.Dir,
		maxRetries: cfg.MaxConflictRetries,
		ttl:        cfg.TTL,
		logger:     logger,
	}
	if c.maxRetries < 1 {
		c.maxRetries = 1
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		gc, err := newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		c.gc = gc
		gc.start()
	}
	logger.Debug("cache opened", slog.String("dir", cfg.Dir), slog.Bool("in_memory", cfg.InMemory))
	return c, nil
}

// Dir returns the cache directory, or "" for in-memory caches.
func (c *Cache) Dir() string {
	return c.dir
}

// Close persists the lookup counters, stops garbage collection, and
// closes the database.
func (c *Cache) Close() error {
	flushErr := c.flushCounters()
	if flushErr != nil {
		c.logger.Warn("cache counters not saved", slog.String("error", flushErr.Error()))
	}
	if c.gc != nil {
		c.gc.stop()
	}
	return errors.Join(flushErr, c.db.Close())
}

// flushCounters adds the in-process hit and miss counts to the stored ones.
func (c *Cache) flushCounters() error {
	hits, misses := c.hits.Swap(0), c.misses.Swap(0)
	if hits == 0 && misses == 0 {
		return nil
	}
	err := c.update(context.Background(), func(txn *badger.Txn) error {
		if err := addCounter(txn, hitsKey, hits); err != nil {
			return err
		}
		return addCounter(txn, missesKey, misses)
	})
	if err != nil {
		c.hits.Add(hits)
		c.misses.Add(misses)
		return fmt.Errorf("cache flush counters: %w", err)
	}
	return nil
}

// Get returns the entry for key and records a hit or a miss.
//
// Outputs:
//
//	*Entry - The entry, or nil on a miss.
//	bool - True on a hit.
//	error - Non-nil on storage failure or cancellation.
func (c *Cache) Get(ctx context.Context, key Key) (*Entry, bool, error) {
	if err := key.validate(); err != nil {
		return nil, false, err
	}

	var entry *Entry
	err := c.view(ctx, func(txn *badger.Txn) error {
		found, err := readEntry(txn, key)
		entry = found
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if entry != nil {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	c.logger.Debug("cache lookup", slog.String("key", key.String()), slog.Bool("hit", entry != nil))
	return entry, entry != nil, nil
}

// Put stores e unless an equal-or-better entry already exists for its key.
//
// Outputs:
//
//	bool - True when e was written.
//	error - ErrInvalidKey, ErrConflict after exhausting retries, or a
//	        storage error.
func (c *Cache) Put(ctx context.Context, e *Entry) (bool, error) {
	if err := e.Key.validate(); err != nil {
		return false, err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("encoding cache entry: %w", err)
	}

	stored := false
	err = c.update(ctx, func(txn *badger.Txn) error {
		stored = false
		existing, err := readEntry(txn, e.Key)
		if err != nil {
			return err
		}
		if existing != nil && existing.atLeastAsGood(e) {
			return nil
		}
		be := badger.NewEntry([]byte(e.Key.String()), data)
		if c.ttl > 0 {
			be = be.WithTTL(c.ttl)
		}
		if err := txn.SetEntry(be); err != nil {
			return err
		}
		stored = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cache put %s: %w", e.Key, err)
	}
	c.logger.Debug("cache put",
		slog.String("key", e.Key.String()),
		slog.Float64("score", e.Score),
		slog.Bool("stored", stored),
	)
	return stored, nil
}

// Stats counts entries and reads the hit and miss counters, including
// lookups not yet flushed.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := c.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(entryPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			s.Entries++
		}

		var err error
		if s.Hits, err = readCounter(txn, hitsKey); err != nil {
			return err
		}
		s.Misses, err = readCounter(txn, missesKey)
		return err
	})
	if err != nil {
		return Stats{}, fmt.Errorf("cache stats: %w", err)
	}
	s.Hits += c.hits.Load()
	s.Misses += c.misses.Load()
	return s, nil
}

// Clear deletes every entry and resets the counters.
func (c *Cache) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.db.DropAll(); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	c.hits.Store(0)
	c.misses.Store(0)
	c.logger.Info("cache cleared", slog.String("dir", c.dir))
	return nil
}

// Prune deletes entries created more than olderThan ago. Unreadable
// entries are deleted too. Counters are kept.
//
// Outputs:
//
//	int - Entries removed.
//	error - ErrInvalidAge, a storage failure, or cancellation.
func (c *Cache) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidAge, olderThan)
	}
	cutoff := time.Now().Add(-olderThan)

	var stale [][]byte
	err := c.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var meta struct {
				CreatedAt time.Time `json:"created_at"`
			}
			err := item.Value(func(val []byte) error {
				if json.Unmarshal(val, &meta) != nil {
					meta.CreatedAt = time.Time{}
				}
				return nil
			})
			if err != nil {
				return err
			}
			if meta.CreatedAt.Before(cutoff) {
				stale = append(stale, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cache prune: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	wb := c.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range stale {
		if err := wb.Delete(k); err != nil {
			return 0, fmt.Errorf("cache prune: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("cache prune: %w", err)
	}
	c.logger.Info("cache pruned", slog.Int("removed", len(stale)), slog.Duration("older_than", olderThan))
	return len(stale), nil
}

func readEntry(txn *badger.Txn, key Key) (*Entry, error) {
	item, err := txn.Get([]byte(key.String()))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	var decodeErr error
	err = item.Value(func(val []byte) error {
		decodeErr = json.Unmarshal(val, &e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		// Unreadable entries count as absent and get overwritten.
		return nil, nil
	}
	return &e, nil
}

func readCounter(txn *badger.Txn, key string) (uint64, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n uint64
	err = item.Value(func(val []byte) error {
		if len(val) == 8 {
			n = binary.BigEndian.Uint64(val)
		}
		return nil
	})
	return n, err
}

func addCounter(txn *badger.Txn, key string, delta uint64) error {
	if delta == 0 {
		return nil
	}
	n, err := readCounter(txn, key)
	if err != nil {
		return err
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n+delta)
	return txn.Set([]byte(key), buf)
}
