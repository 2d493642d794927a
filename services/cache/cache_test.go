// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/testpilot/services/verifier"
)

func openInMemory(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testKey() Key {
	return Key{Hash: "abc123", Mode: "basic", Provider: "ollama", Model: "library/llama3.1:8b"}
}

func TestKey_String(t *testing.T) {
	assert.Equal(t, "entry/abc123/basic/ollama/library%2Fllama3.1:8b", testKey().String())
}

func TestCache_RoundTrip(t *testing.T) {
	c := openInMemory(t)
	ctx := t.Context()
	key := testKey()

	entry, hit, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Nil(t, entry)

	stored, err := c.Put(ctx, &Entry{Key: key, Text: "def test_a(): pass\n", SyntaxValid: true, Score: 0.5})
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = c.Put(ctx, &Entry{Key: key, Text: "def test_b(): pass\n", SyntaxValid: true, Score: 0.9})
	require.NoError(t, err)
	assert.True(t, stored, "a better entry replaces the old one")

	stored, err = c.Put(ctx, &Entry{Key: key, Text: "def test_c(): pass\n", SyntaxValid: true, Score: 0.7})
	require.NoError(t, err)
	assert.False(t, stored, "a worse entry does not replace the better one")

	stored, err = c.Put(ctx, &Entry{Key: key, Text: "def test_d(:\n", SyntaxValid: false, Score: 1.0})
	require.NoError(t, err)
	assert.False(t, stored, "syntax validity ranks before score")

	entry, hit, err = c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "def test_b(): pass\n", entry.Text)
	assert.Equal(t, 0.9, entry.Score)
	assert.False(t, entry.CreatedAt.IsZero())

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Entries: 1, Hits: 1, Misses: 1}, stats)
	assert.Equal(t, 0.5, stats.HitRate())
}

func TestCache_DistinctKeys(t *testing.T) {
	c := openInMemory(t)
	ctx := t.Context()

	a := testKey()
	b := a
	b.Mode = "enhanced"

	_, err := c.Put(ctx, &Entry{Key: a, Text: "a", SyntaxValid: true, Score: 0.5})
	require.NoError(t, err)

	_, hit, err := c.Get(ctx, b)
	require.NoError(t, err)
	assert.False(t, hit, "mode is part of the key")

	b.Hash = "changed"
	b.Mode = a.Mode
	_, hit, err = c.Get(ctx, b)
	require.NoError(t, err)
	assert.False(t, hit, "a new content hash misses")
}

func TestCache_CandidateConversion(t *testing.T) {
	c := openInMemory(t)
	ctx := t.Context()

	cand := &verifier.Candidate{
		Text:        "def test_add(): assert add(1, 2) == 3\n",
		Corrected:   "from calc import add\ndef test_add(): assert add(1, 2) == 3\n",
		SyntaxValid: true,
		Score:       0.8,
		Issues:      []verifier.Issue{{Stage: verifier.StageImports, Message: "add", Fixed: true}},
	}
	_, err := c.Put(ctx, EntryFromCandidate(testKey(), cand))
	require.NoError(t, err)

	entry, hit, err := c.Get(ctx, testKey())
	require.NoError(t, err)
	require.True(t, hit)

	got := entry.Candidate()
	assert.Equal(t, cand.Final(), got.Final())
	assert.Equal(t, cand.Score, got.Score)
	assert.True(t, got.SyntaxValid)
	assert.Equal(t, cand.Issues, got.Issues)
}

func TestCache_InvalidKey(t *testing.T) {
	c := openInMemory(t)

	_, _, err := c.Get(t.Context(), Key{Hash: "x"})
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = c.Put(t.Context(), &Entry{Key: Key{Mode: "basic"}})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestCache_UnreadableEntryIsOverwritten(t *testing.T) {
	c := openInMemory(t)
	ctx := t.Context()

	require.NoError(t, c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(testKey().String()), []byte("{not json"))
	}))

	_, hit, err := c.Get(ctx, testKey())
	require.NoError(t, err)
	assert.False(t, hit)

	stored, err := c.Put(ctx, &Entry{Key: testKey(), Text: "x", SyntaxValid: true, Score: 0.1})
	require.NoError(t, err)
	assert.True(t, stored)
}

func TestCache_ConcurrentPuts(t *testing.T) {
	cfg := InMemoryConfig()
	cfg.MaxConflictRetries = 100
	c, err := Open(cfg)
	require.NoError(t, err)
	defer c.Close()
	ctx := t.Context()

	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(score float64) {
			defer wg.Done()
			_, err := c.Put(ctx, &Entry{Key: testKey(), Text: "t", SyntaxValid: true, Score: score})
			assert.NoError(t, err)
		}(float64(i) / 8)
	}
	wg.Wait()

	entry, hit, err := c.Get(ctx, testKey())
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, 1.0, entry.Score, "the best entry survives concurrent writers")
}

func TestCache_Clear(t *testing.T) {
	c := openInMemory(t)
	ctx := t.Context()

	_, err := c.Put(ctx, &Entry{Key: testKey(), Text: "t", SyntaxValid: true, Score: 0.5})
	require.NoError(t, err)
	_, _, err = c.Get(ctx, testKey())
	require.NoError(t, err)

	require.NoError(t, c.Clear(ctx))

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
	assert.Zero(t, stats.HitRate())
}

func TestOpen_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := t.Context()

	c, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	_, err = c.Put(ctx, &Entry{Key: testKey(), Text: "persisted", SyntaxValid: true, Score: 0.6})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c, err = Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, dir, c.Dir())

	entry, hit, err := c.Get(ctx, testKey())
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "persisted", entry.Text)
}

func TestCache_CountersPersistAcrossClose(t *testing.T) {
	dir := t.TempDir()
	ctx := t.Context()

	c, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	_, _, err = c.Get(ctx, testKey())
	require.NoError(t, err)
	_, err = c.Put(ctx, &Entry{Key: testKey(), Text: "t", SyntaxValid: true, Score: 0.6})
	require.NoError(t, err)
	_, _, err = c.Get(ctx, testKey())
	require.NoError(t, err)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Entries: 1, Hits: 1, Misses: 1}, stats, "unflushed lookups are visible")
	require.NoError(t, c.Close())

	c, err = Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer c.Close()
	stats, err = c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Entries: 1, Hits: 1, Misses: 1}, stats)
}

func TestCache_ConcurrentGets(t *testing.T) {
	cfg := InMemoryConfig()
	cfg.MaxConflictRetries = 1
	c, err := Open(cfg)
	require.NoError(t, err)
	defer c.Close()
	ctx := t.Context()

	_, err = c.Put(ctx, &Entry{Key: testKey(), Text: "t", SyntaxValid: true, Score: 0.6})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, hit, err := c.Get(ctx, testKey())
			assert.NoError(t, err)
			assert.True(t, hit)
		}()
	}
	wg.Wait()

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 32, stats.Hits)
}

func TestCache_TTL(t *testing.T) {
	cfg := InMemoryConfig()
	cfg.TTL = time.Hour
	c, err := Open(cfg)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Put(t.Context(), &Entry{Key: testKey(), Text: "t", SyntaxValid: true, Score: 0.6})
	require.NoError(t, err)

	require.NoError(t, c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(testKey().String()))
		if err != nil {
			return err
		}
		expires := time.Unix(int64(item.ExpiresAt()), 0)
		assert.WithinDuration(t, time.Now().Add(time.Hour), expires, time.Minute)
		return nil
	}))
}

func TestCache_Prune(t *testing.T) {
	c := openInMemory(t)
	ctx := t.Context()

	old := testKey()
	fresh := testKey()
	fresh.Hash = "def456"
	_, err := c.Put(ctx, &Entry{Key: old, Text: "old", SyntaxValid: true, Score: 0.6, CreatedAt: time.Now().Add(-45 * 24 * time.Hour)})
	require.NoError(t, err)
	_, err = c.Put(ctx, &Entry{Key: fresh, Text: "fresh", SyntaxValid: true, Score: 0.6})
	require.NoError(t, err)
	_, _, err = c.Get(ctx, fresh)
	require.NoError(t, err)

	n, err := c.Prune(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, hit, err := c.Get(ctx, old)
	require.NoError(t, err)
	assert.False(t, hit)
	_, hit, err = c.Get(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, hit)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Entries: 1, Hits: 2, Misses: 1}, stats, "pruning keeps the counters")

	_, err = c.Prune(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidAge)
}

func TestOpen_RequiresDir(t *testing.T) {
	_, err := Open(Config{})
	assert.ErrorIs(t, err, ErrNoDir)
}

func TestCache_CancelledContext(t *testing.T) {
	c := openInMemory(t)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, _, err := c.Get(ctx, testKey())
	assert.ErrorIs(t, err, context.Canceled)
	_, err = c.Stats(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
