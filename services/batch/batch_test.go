// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package batch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_PreservesInputOrder(t *testing.T) {
	inputs := []int{50, 10, 30, 0, 20}
	results, err := Run(t.Context(), New(3), inputs, func(_ context.Context, _ int, ms int) (int, error) {
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return ms * 2, nil
	})
	require.NoError(t, err)
	require.Len(t, results, len(inputs))

	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, inputs[i], r.Input)
		assert.Equal(t, inputs[i]*2, r.Value)
		assert.NoError(t, r.Err)
	}
}

func TestRun_FailuresAreIsolated(t *testing.T) {
	boom := errors.New("boom")
	var ran atomic.Int32

	results, err := Run(t.Context(), New(2), []string{"a", "fail", "c", "panic", "e"},
		func(_ context.Context, _ int, s string) (string, error) {
			ran.Add(1)
			switch s {
			case "fail":
				return "", boom
			case "panic":
				panic("bad input")
			}
			return s + "!", nil
		})
	require.NoError(t, err)

	assert.Equal(t, int32(5), ran.Load())
	assert.Equal(t, 2, Failed(results))
	assert.ErrorIs(t, results[1].Err, boom)
	require.Error(t, results[3].Err)
	assert.Contains(t, results[3].Err.Error(), "panicked: bad input")
	assert.Equal(t, "e!", results[4].Value)
}

func TestRun_RespectsLimit(t *testing.T) {
	var active, peak atomic.Int32
	inputs := make([]int, 12)

	_, err := Run(t.Context(), New(3), inputs, func(_ context.Context, _ int, _ int) (struct{}, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return struct{}{}, nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Positive(t, peak.Load())
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	var ran atomic.Int32
	results, err := Run(ctx, New(2), []int{1, 2, 3}, func(_ context.Context, _ int, n int) (int, error) {
		ran.Add(1)
		return n, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(0), ran.Load())
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}

func TestRun_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	_, err := Run(nil, New(1), []int{1}, func(context.Context, int, int) (int, error) { return 0, nil })
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestNew_DefaultLimit(t *testing.T) {
	assert.Positive(t, New(0).Limit())
	assert.Equal(t, 4, New(4).Limit())
}
