// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verifier

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/testpilot/services/analyzer"
	"github.com/AleutianAI/testpilot/services/runner"
	"github.com/AleutianAI/testpilot/services/sandbox"
)

const calcSource = `"""Small calculator."""


def add(a, b):
    return a + b


def divide(a, b):
    if b == 0:
        raise ZeroDivisionError("b must not be zero")
    return a / b


class Accumulator:
    def __init__(self):
        self.total = 0

    def push(self, value):
        self.total += value
        return self.total
`

func calcUnit(t *testing.T) *analyzer.SourceUnit {
	t.Helper()
	unit, err := analyzer.New().Analyze(t.Context(), "calc.py", []byte(calcSource))
	require.NoError(t, err)
	return unit
}

// fakeExecutor returns a fixed outcome and counts calls.
type fakeExecutor struct {
	outcome *ExecutionOutcome
	calls   atomic.Int32
}

func (f *fakeExecutor) Execute(ctx context.Context, target *analyzer.SourceUnit, testText string) (*ExecutionOutcome, error) {
	f.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := *f.outcome
	return &out, nil
}

func newVerifier(t *testing.T, exec Executor) *Verifier {
	t.Helper()
	cfg := DefaultConfig()
	opts := []Option{}
	if exec != nil {
		cfg.ExecutionCheck = true
		opts = append(opts, WithExecutor(exec))
	}
	v, err := New(cfg, opts...)
	require.NoError(t, err)
	return v
}

// =============================================================================
// SYNTAX STAGE
// =============================================================================

func TestVerify_SyntaxErrorStopsEarly(t *testing.T) {
	exec := &fakeExecutor{outcome: &ExecutionOutcome{Outcome: OutcomePass}}
	v := newVerifier(t, exec)

	c, err := v.Verify(t.Context(), "def test_add(:\n    assert add(1, 2) == 3\n", calcUnit(t))
	require.NoError(t, err)

	assert.False(t, c.SyntaxValid)
	assert.False(t, c.Valid())
	require.Len(t, c.Issues, 1)
	assert.Equal(t, StageSyntax, c.Issues[0].Stage)
	assert.Positive(t, c.Issues[0].Line)
	assert.Empty(t, c.Corrected)
	assert.Nil(t, c.Execution)
	assert.Equal(t, int32(0), exec.calls.Load(), "execution must not run for unparseable candidates")
}

func TestVerify_EmptyCandidate(t *testing.T) {
	c, err := newVerifier(t, nil).Verify(t.Context(), "  \n", calcUnit(t))
	require.NoError(t, err)
	assert.False(t, c.SyntaxValid)
	require.Len(t, c.Issues, 1)
	assert.Contains(t, c.Issues[0].Message, "empty")
}

func TestVerify_Validation(t *testing.T) {
	v := newVerifier(t, nil)

	//nolint:staticcheck // nil context is the case under test
	_, err := v.Verify(nil, "x = 1\n", calcUnit(t))
	assert.ErrorIs(t, err, ErrNilContext)

	_, err = v.Verify(t.Context(), "x = 1\n", nil)
	assert.ErrorIs(t, err, ErrNilTarget)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = v.Verify(ctx, "x = 1\n", calcUnit(t))
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// IMPORT STAGE
// =============================================================================

func TestVerify_AddsMissingImports(t *testing.T) {
	text := "def test_divide_by_zero():\n" +
		"    with pytest.raises(ZeroDivisionError):\n" +
		"        divide(1, 0)\n"

	c, err := newVerifier(t, nil).Verify(t.Context(), text, calcUnit(t))
	require.NoError(t, err)

	assert.True(t, c.SyntaxValid)
	assert.True(t, c.Valid())
	assert.Equal(t, text, c.Text, "original text is preserved")
	assert.True(t, strings.HasPrefix(c.Corrected, "from calc import divide\nimport pytest\n"), c.Corrected)
	assert.Equal(t, c.Corrected, c.Final())

	require.Len(t, c.Issues, 2)
	for _, issue := range c.Issues {
		assert.Equal(t, StageImports, issue.Stage)
		assert.True(t, issue.Fixed)
	}
	assert.Contains(t, c.Issues[0].Message, "divide")
	assert.Contains(t, c.Issues[1].Message, "pytest")
	assert.Zero(t, c.UnfixedIssues())
	assert.Empty(t, c.Feedback())

	// The corrected text parses.
	_, again, err := CorrectImports(t.Context(), c.Corrected, calcUnit(t))
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestCorrectImports_Idempotent(t *testing.T) {
	inputs := []string{
		"def test_add():\n    assert add(1, 2) == 3\n",
		"import os\n\ndef test_env(monkeypatch):\n    m = MagicMock()\n    assert json.dumps({}) and os.sep and m and Path('.')\n",
		"\"\"\"Docs.\"\"\"\nfrom __future__ import annotations\n\ndef test_acc():\n    assert Accumulator().push(2) == 2\n",
	}
	for _, in := range inputs {
		once, added, err := CorrectImports(t.Context(), in, calcUnit(t))
		require.NoError(t, err)
		assert.NotEmpty(t, added)

		twice, addedAgain, err := CorrectImports(t.Context(), once, calcUnit(t))
		require.NoError(t, err)
		assert.Empty(t, addedAgain)
		assert.Equal(t, once, twice)
	}
}

func TestCorrectImports_InsertionPoint(t *testing.T) {
	t.Run("before the first import", func(t *testing.T) {
		in := "#!/usr/bin/env python\n\"\"\"Tests.\"\"\"\nimport os\n\ndef test_x():\n    assert os.sep and pytest\n"
		out, _, err := CorrectImports(t.Context(), in, nil)
		require.NoError(t, err)
		assert.Equal(t, "#!/usr/bin/env python\n\"\"\"Tests.\"\"\"\nimport pytest\nimport os\n\ndef test_x():\n    assert os.sep and pytest\n", out)
	})

	t.Run("after future imports", func(t *testing.T) {
		in := "from __future__ import annotations\n\ndef test_x():\n    assert pytest\n"
		out, _, err := CorrectImports(t.Context(), in, nil)
		require.NoError(t, err)
		assert.Equal(t, "from __future__ import annotations\nimport pytest\n\ndef test_x():\n    assert pytest\n", out)
	})

	t.Run("top of file without imports", func(t *testing.T) {
		in := "def test_x():\n    assert pytest"
		out, _, err := CorrectImports(t.Context(), in, nil)
		require.NoError(t, err)
		assert.Equal(t, "import pytest\ndef test_x():\n    assert pytest", out)
	})

	t.Run("docstring without trailing newline", func(t *testing.T) {
		in := `"""Only a docstring."""`
		out, added, err := CorrectImports(t.Context(), in, nil)
		require.NoError(t, err)
		assert.Empty(t, added)
		assert.Equal(t, in, out)
	})
}

func TestCorrectImports_DefinedNamesAreNotImported(t *testing.T) {
	in := `import json

COUNT = 0


def helper(value, *args, scale=2, **kwargs):
    global COUNT
    COUNT += 1
    return value * scale


def test_things(tmp_path):
    total = 0
    for i, item in enumerate([1, 2]):
        total += item
    squares = [n * n for n in range(3)]
    with open(tmp_path / "f.txt", "w") as handle:
        handle.write("x")
    try:
        json.loads("{")
    except ValueError as exc:
        assert exc
    fn = lambda x: x + 1
    if (m := fn(1)) > 1:
        assert m
    obj = object()
    assert obj.patch is None
    assert dict(call=1)["call"] == 1
    assert undefined_fixture_name is not None
    assert helper(total, squares, handle, i, args, kwargs)
`
	out, added, err := CorrectImports(t.Context(), in, nil)
	require.NoError(t, err)
	assert.Empty(t, added, "attribute names, keyword arguments, local bindings and unknown names are left alone")
	assert.Equal(t, in, out)
}

func TestCorrectImports_TargetNames(t *testing.T) {
	unit := calcUnit(t)

	t.Run("module import", func(t *testing.T) {
		_, added, err := CorrectImports(t.Context(), "def test_add():\n    assert calc.add(1, 2) == 3\n", unit)
		require.NoError(t, err)
		require.Len(t, added, 1)
		assert.Equal(t, Import{Name: "calc", Line: "import calc"}, added[0])
	})

	t.Run("wildcard import covers target names", func(t *testing.T) {
		in := "from calc import *\n\ndef test_add():\n    assert add(1, 2) == 3\n"
		_, added, err := CorrectImports(t.Context(), in, unit)
		require.NoError(t, err)
		assert.Empty(t, added)
	})

	t.Run("unparseable input", func(t *testing.T) {
		_, _, err := CorrectImports(t.Context(), "def broken(:\n", unit)
		assert.ErrorIs(t, err, analyzer.ErrUnparseable)
	})
}

// =============================================================================
// EXECUTION STAGE
// =============================================================================

func TestVerify_Execution(t *testing.T) {
	const text = "def test_add(): assert add(1,2)==3"

	t.Run("not enabled", func(t *testing.T) {
		c, err := newVerifier(t, nil).Verify(t.Context(), text, calcUnit(t))
		require.NoError(t, err)
		assert.Nil(t, c.Execution)
		assert.True(t, c.Valid())
	})

	t.Run("pass", func(t *testing.T) {
		exec := &fakeExecutor{outcome: &ExecutionOutcome{Outcome: OutcomePass}}
		c, err := newVerifier(t, exec).Verify(t.Context(), text, calcUnit(t))
		require.NoError(t, err)
		assert.Equal(t, int32(1), exec.calls.Load())
		require.NotNil(t, c.Execution)
		assert.Equal(t, OutcomePass, c.Execution.Outcome)
		assert.True(t, c.Valid())
		assert.Zero(t, c.UnfixedIssues())
	})

	t.Run("timeout is an issue", func(t *testing.T) {
		exec := &fakeExecutor{outcome: &ExecutionOutcome{Outcome: OutcomeTimeout, Detail: "timed out after 1s"}}
		c, err := newVerifier(t, exec).Verify(t.Context(), text, calcUnit(t))
		require.NoError(t, err)
		assert.False(t, c.Valid())
		require.Equal(t, 1, c.UnfixedIssues())
		assert.Equal(t, []string{"execution: timed out after 1s"}, c.Feedback())
	})

	t.Run("failing tests stay valid", func(t *testing.T) {
		exec := &fakeExecutor{outcome: &ExecutionOutcome{Outcome: OutcomeFail}}
		c, err := newVerifier(t, exec).Verify(t.Context(), text, calcUnit(t))
		require.NoError(t, err)
		assert.True(t, c.Valid())
		require.Equal(t, 1, c.UnfixedIssues())
		assert.Contains(t, c.Issues[len(c.Issues)-1].Message, "fail")
	})
}

func TestOutcomeFromResult(t *testing.T) {
	tests := []struct {
		name string
		res  *runner.Result
		want Outcome
	}{
		{"passed", &runner.Result{Status: runner.StatusPassed}, OutcomePass},
		{"failed", &runner.Result{Status: runner.StatusFailed, FailedTests: []string{"t.py::test_a"}}, OutcomeFail},
		{"timed out", &runner.Result{Status: runner.StatusCouldNotRun, TimedOut: true}, OutcomeTimeout},
		{"could not run", &runner.Result{Status: runner.StatusCouldNotRun, Reason: "collection failed"}, OutcomeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := outcomeFromResult(tt.res, time.Second)
			assert.Equal(t, tt.want, out.Outcome)
		})
	}
}

func TestPytestExecutor(t *testing.T) {
	python, err := sandbox.FindPython()
	if err != nil || !sandbox.HasPytest(python) {
		t.Skip("python with pytest is not available")
	}
	cfg := DefaultConfig()
	cfg.ExecutionCheck = true
	cfg.Isolation = sandbox.IsolationNone
	cfg.Python = python

	v, err := New(cfg)
	require.NoError(t, err)

	c, err := v.Verify(t.Context(), "def test_add(): assert add(1,2)==3", calcUnit(t))
	require.NoError(t, err)
	require.NotNil(t, c.Execution)
	assert.Equal(t, OutcomePass, c.Execution.Outcome, c.Execution.Output)

	c, err = v.Verify(t.Context(), "def test_add(): assert add(1,2)==4", calcUnit(t))
	require.NoError(t, err)
	require.NotNil(t, c.Execution)
	assert.Equal(t, OutcomeFail, c.Execution.Outcome, c.Execution.Output)
}

func TestPytestExecutor_SiblingImports(t *testing.T) {
	python, err := sandbox.FindPython()
	if err != nil || !sandbox.HasPytest(python) {
		t.Skip("python with pytest is not available")
	}
	dir := t.TempDir()
	src := "from helpers import double\n\n\ndef quad(x):\n    return double(double(x))\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "helpers.py"), []byte("def double(x):\n    return 2 * x\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "calc.py"), []byte(src), 0o644))

	unit, err := analyzer.New().Analyze(t.Context(), filepath.Join(dir, "calc.py"), []byte(src))
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.ExecutionCheck = true
	cfg.Isolation = sandbox.IsolationNone
	cfg.Python = python
	v, err := New(cfg)
	require.NoError(t, err)

	c, err := v.Verify(t.Context(), "from calc import quad\n\n\ndef test_quad():\n    assert quad(1) == 4\n", unit)
	require.NoError(t, err)
	require.NotNil(t, c.Execution)
	assert.Equal(t, OutcomePass, c.Execution.Outcome, c.Execution.Output)
	assert.True(t, c.Valid())
}

// =============================================================================
// SCORE
// =============================================================================

func TestScore_AcceptsSimpleCandidate(t *testing.T) {
	c, err := newVerifier(t, nil).Verify(t.Context(), "def test_add(): assert add(1,2)==3", calcUnit(t))
	require.NoError(t, err)
	// add is one of three testable names (add, divide, push).
	assert.InDelta(t, 0.3+0.1+0.2+0.2/3, c.Score, 1e-6)

	minimal := analyzer.Minimal("calc.py", []byte("def add(a, b): return a + b\n"))
	c, err = newVerifier(t, nil).Verify(t.Context(), "def test_add(): assert add(1,2)==3", minimal)
	require.NoError(t, err)
	assert.Equal(t, 0.8, c.Score)
}

func TestScore_Monotonic(t *testing.T) {
	cfg := DefaultConfig()
	names := []string{"add"}
	base := func() *Candidate {
		return &Candidate{Text: "def test_add(): assert add(1, 2) == 3", SyntaxValid: true}
	}

	t.Run("issues never raise the score", func(t *testing.T) {
		prev := Score(base(), names, cfg)
		for n := 1; n <= 25; n++ {
			c := base()
			for i := 0; i < n; i++ {
				c.Issues = append(c.Issues, Issue{Stage: StageExecution, Message: "x"})
			}
			s := Score(c, names, cfg)
			assert.LessOrEqual(t, s, prev)
			assert.GreaterOrEqual(t, s, 0.0)
			prev = s
		}
	})

	t.Run("fixed issues are free", func(t *testing.T) {
		c := base()
		c.Issues = []Issue{{Stage: StageImports, Fixed: true}}
		assert.Equal(t, Score(base(), names, cfg), Score(c, names, cfg))
	})

	t.Run("execution ordering", func(t *testing.T) {
		with := func(o Outcome) float64 {
			c := base()
			c.Execution = &ExecutionOutcome{Outcome: o}
			return Score(c, names, cfg)
		}
		notExecuted := Score(base(), names, cfg)
		assert.Greater(t, with(OutcomePass), notExecuted)
		assert.Greater(t, notExecuted, with(OutcomeFail))
		assert.Greater(t, with(OutcomeFail), with(OutcomeTimeout))
		assert.Equal(t, with(OutcomeTimeout), with(OutcomeError))
	})

	t.Run("syntax invalid scores below valid", func(t *testing.T) {
		c := base()
		c.SyntaxValid = false
		assert.Less(t, Score(c, names, cfg), Score(base(), names, cfg))
	})

	t.Run("clamped", func(t *testing.T) {
		heavy := *cfg
		heavy.PenaltyPerIssue = 10
		c := base()
		c.Issues = []Issue{{Stage: StageExecution}}
		assert.Equal(t, 0.0, Score(c, names, &heavy))
	})
}

func TestCoverage(t *testing.T) {
	assert.Equal(t, 1.0, Coverage("anything", nil))
	assert.Equal(t, 0.5, Coverage("assert add(1, 2)", []string{"add", "divide"}))
	assert.Equal(t, 0.0, Coverage("assert adder(1, 2)", []string{"add"}))
}

func TestCandidate_Better(t *testing.T) {
	valid := &Candidate{SyntaxValid: true, Score: 0.4}
	invalid := &Candidate{SyntaxValid: false, Score: 0.9}
	higher := &Candidate{SyntaxValid: true, Score: 0.7}

	assert.True(t, valid.Better(nil))
	assert.True(t, valid.Better(invalid))
	assert.False(t, invalid.Better(valid))
	assert.True(t, higher.Better(valid))
	assert.False(t, valid.Better(higher))
}

// =============================================================================
// CONFIG
// =============================================================================

func TestConfig_Validate(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := DefaultConfig()
		require.NoError(t, cfg.Validate())
		assert.InDelta(t, 1.0, cfg.Weights.Sum(), 1e-9)
		assert.Equal(t, sandbox.IsolationAuto, cfg.Isolation)
	})

	t.Run("negative weight", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Weights.Coverage = -0.1
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	})

	t.Run("zero weights", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Weights = Weights{}
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	})

	t.Run("negative penalty", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.PenaltyPerIssue = -1
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	})

	t.Run("corrects short timeout", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ExecutionTimeout = time.Millisecond
		require.NoError(t, cfg.Validate())
		assert.Equal(t, time.Second, cfg.ExecutionTimeout)
	})

	t.Run("New rejects invalid config", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Weights = Weights{}
		_, err := New(cfg)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}
