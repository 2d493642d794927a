// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/testpilot/pkg/ux"
	"github.com/AleutianAI/testpilot/services/sandbox"
)

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// harness runs the CLI in-process with captured output and an in-memory
// keyring.
type harness struct {
	out    *syncBuffer
	errOut *syncBuffer
	kr     keyring.Keyring

	// Terminal simulation for prompts.
	stdin    io.Reader
	tty      bool
	confirm  bool
	secrets  map[string]string
	prompted []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	for _, env := range []string{"TESTPILOT_TELEMETRY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY", "GITHUB_TOKEN", "OLLAMA_BASE_URL"} {
		t.Setenv(env, "")
	}
	return &harness{
		out:    &syncBuffer{},
		errOut: &syncBuffer{},
		kr:     keyring.NewArrayKeyring(nil),
	}
}

func (h *harness) run(t *testing.T, args ...string) int {
	t.Helper()
	a := newApp(h.out, h.errOut)
	a.stdin = h.stdin
	a.openKeyring = func() (keyring.Keyring, error) { return h.kr, nil }
	a.interactive = func() bool { return h.tty }
	a.confirm = func(ux.ConfirmOptions) (bool, error) { return h.confirm, nil }
	a.secret = func(o ux.SecretOptions) (string, error) {
		h.prompted = append(h.prompted, o.Title)
		return h.secrets[o.Title], nil
	}
	return executeApp(t.Context(), a, args)
}

// ollamaStub serves /api/generate, replaying replies and repeating the
// last one.
type ollamaStub struct {
	server  *httptest.Server
	calls   atomic.Int32
	replies []string
}

func newOllamaStub(t *testing.T, replies ...string) *ollamaStub {
	t.Helper()
	s := &ollamaStub{replies: replies}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(s.calls.Add(1)) - 1
		if n >= len(s.replies) {
			n = len(s.replies) - 1
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"response": s.replies[n], "done": true})
	}))
	t.Cleanup(s.server.Close)
	t.Setenv("OLLAMA_BASE_URL", s.server.URL)
	return s
}

func fenced(code string) string {
	return "Here are the tests:\n```python\n" + code + "```\n"
}

const addSource = "def add(a, b):\n    return a + b\n"

var (
	goodReply      = fenced("def test_add():\n    assert add(1, 2) == 3\n")
	truncatedReply = fenced("def test_add(:\n    assert add(1, 2\n")
)

// writeSource creates name with content in a temp dir and returns its path.
func writeSource(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func generateArgs(src, outDir string, extra ...string) []string {
	args := []string{"generate", src, "--provider", "ollama", "--output-dir", outDir, "--no-cache", "-q", "--quality-threshold", "0.5"}
	return append(args, extra...)
}

// =============================================================================
// generate
// =============================================================================

func TestGenerate_WritesAcceptedCandidate(t *testing.T) {
	h := newHarness(t)
	stub := newOllamaStub(t, goodReply)
	dir := t.TempDir()
	src := writeSource(t, dir, "add.py", addSource)
	outDir := filepath.Join(dir, "tests")

	code := h.run(t, generateArgs(src, outDir)...)
	require.Equal(t, exitOK, code, h.errOut.String())
	assert.EqualValues(t, 1, stub.calls.Load())

	got, err := os.ReadFile(filepath.Join(outDir, "test_add.py"))
	require.NoError(t, err)
	assert.Contains(t, string(got), "from add import add")
	assert.Contains(t, string(got), "def test_add():")
	assert.NotContains(t, string(got), "did not pass verification")
	assert.NoFileExists(t, filepath.Join(outDir, "test_add.py.testpilot.tmp"))
}

func TestGenerate_ExhaustedWritesBestWithHeader(t *testing.T) {
	h := newHarness(t)
	stub := newOllamaStub(t, truncatedReply)
	dir := t.TempDir()
	src := writeSource(t, dir, "add.py", addSource)

	code := h.run(t, generateArgs(src, dir, "--max-attempts", "2")...)
	assert.Equal(t, exitGenerationFailed, code)
	assert.EqualValues(t, 2, stub.calls.Load())

	got, err := os.ReadFile(filepath.Join(dir, "test_add.py"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(got), "# testpilot: this file did not pass verification"), string(got))
	assert.Contains(t, string(got), "#   - syntax:")
	assert.Contains(t, h.errOut.String(), "no acceptable test candidate after 2 attempt(s)")
}

func TestGenerate_RecoversAfterBadAttempt(t *testing.T) {
	h := newHarness(t)
	stub := newOllamaStub(t, truncatedReply, goodReply)
	dir := t.TempDir()
	src := writeSource(t, dir, "add.py", addSource)

	require.Equal(t, exitOK, h.run(t, generateArgs(src, dir)...), h.errOut.String())
	assert.EqualValues(t, 2, stub.calls.Load())
}

func TestGenerate_ExistingOutput(t *testing.T) {
	t.Run("refused without flags", func(t *testing.T) {
		h := newHarness(t)
		stub := newOllamaStub(t, goodReply)
		dir := t.TempDir()
		src := writeSource(t, dir, "add.py", addSource)
		writeSource(t, dir, "test_add.py", "# mine\n")

		assert.Equal(t, exitConfig, h.run(t, generateArgs(src, dir)...))
		assert.Zero(t, stub.calls.Load(), "no provider call for an unwritable output")
		got, _ := os.ReadFile(filepath.Join(dir, "test_add.py"))
		assert.Equal(t, "# mine\n", string(got))
	})

	t.Run("overwrite", func(t *testing.T) {
		h := newHarness(t)
		newOllamaStub(t, goodReply)
		dir := t.TempDir()
		src := writeSource(t, dir, "add.py", addSource)
		writeSource(t, dir, "test_add.py", "# mine\n")

		require.Equal(t, exitOK, h.run(t, generateArgs(src, dir, "--overwrite")...), h.errOut.String())
		got, _ := os.ReadFile(filepath.Join(dir, "test_add.py"))
		assert.NotContains(t, string(got), "# mine")
	})

	t.Run("append", func(t *testing.T) {
		h := newHarness(t)
		newOllamaStub(t, goodReply)
		dir := t.TempDir()
		src := writeSource(t, dir, "add.py", addSource)
		writeSource(t, dir, "test_add.py", "# mine\n")

		require.Equal(t, exitOK, h.run(t, generateArgs(src, dir, "--append")...), h.errOut.String())
		got, _ := os.ReadFile(filepath.Join(dir, "test_add.py"))
		assert.True(t, strings.HasPrefix(string(got), "# mine\n\n\n"), string(got))
		assert.Contains(t, string(got), "def test_add():")
	})

	t.Run("overwrite and append conflict", func(t *testing.T) {
		h := newHarness(t)
		dir := t.TempDir()
		src := writeSource(t, dir, "add.py", addSource)
		assert.Equal(t, exitConfig, h.run(t, generateArgs(src, dir, "--append", "--overwrite")...))
	})
}

func TestGenerate_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown provider", []string{"--provider", "nope"}, "unknown provider"},
		{"unknown mode", []string{"--mode", "fancy"}, "unknown prompt mode"},
		{"bad threshold", []string{"--quality-threshold", "1.5"}, "quality-threshold"},
		{"bad isolation", []string{"--isolation", "chroot"}, "unknown isolation level"},
		{"unknown flag", []string{"--frobnicate"}, "unknown flag"},
		{"bad model name", []string{"--model", "../../etc/passwd"}, "invalid input"},
		{"missing prompt file", []string{"--prompt-file", "/nonexistent/prompts.yaml"}, "prompt templates"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			stub := newOllamaStub(t, goodReply)
			dir := t.TempDir()
			src := writeSource(t, dir, "add.py", addSource)

			args := append([]string{"generate", src, "--output-dir", dir, "--no-cache", "-q", "--provider", "ollama"}, tt.args...)
			assert.Equal(t, exitConfig, h.run(t, args...))
			assert.Contains(t, h.errOut.String(), tt.want)
			assert.Zero(t, stub.calls.Load())
		})
	}
}

func TestGenerate_MissingAPIKey(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	src := writeSource(t, dir, "add.py", addSource)

	code := h.run(t, "generate", src, "--provider", "openai", "--output-dir", dir, "--no-cache")
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, h.errOut.String(), "OPENAI_API_KEY")
	assert.NoFileExists(t, filepath.Join(dir, "test_add.py"))
}

func TestGateway_KeyFromKeyring(t *testing.T) {
	h := newHarness(t)
	a := newApp(h.out, h.errOut)
	a.openKeyring = func() (keyring.Keyring, error) { return h.kr, nil }

	_, err := a.gateway("openai")
	require.Error(t, err)
	assert.Equal(t, exitConfig, exitCodeFor(err))

	require.NoError(t, h.kr.Set(keyring.Item{Key: "OPENAI_API_KEY", Data: []byte("sk-test")}))
	gw, err := a.gateway("openai")
	require.NoError(t, err)
	assert.NotNil(t, gw)
}

func TestGateway_EnvWinsOverKeyring(t *testing.T) {
	h := newHarness(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-env")
	a := newApp(h.out, h.errOut)
	a.openKeyring = func() (keyring.Keyring, error) {
		t.Fatal("keyring must not be opened when the environment has the key")
		return nil, nil
	}

	key, err := a.credential("ANTHROPIC_API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "sk-env", key)
}

func TestGenerate_UnparseableSourceFallsBack(t *testing.T) {
	h := newHarness(t)
	newOllamaStub(t, goodReply)
	dir := t.TempDir()
	src := writeSource(t, dir, "add.py", "def add(a, b:\n    return a + b\n")

	code := h.run(t, "generate", src, "--provider", "ollama", "--output-dir", dir, "--no-cache", "--quality-threshold", "0.5", "--mode", "enhanced")
	assert.Contains(t, h.errOut.String(), "using basic mode")
	assert.FileExists(t, filepath.Join(dir, "test_add.py"))
	assert.Contains(t, []int{exitOK, exitGenerationFailed}, code)
}

func TestGenerate_ShowAnalysisAndValidation(t *testing.T) {
	h := newHarness(t)
	newOllamaStub(t, goodReply)
	dir := t.TempDir()
	src := writeSource(t, dir, "add.py", addSource)

	code := h.run(t, "generate", src, "--provider", "ollama", "--output-dir", dir, "--no-cache",
		"--quality-threshold", "0.5", "--show-analysis", "--show-validation", "--no-color")
	require.Equal(t, exitOK, code, h.errOut.String())

	out := h.out.String()
	assert.Contains(t, out, "Analysis: add.py")
	assert.Contains(t, out, "Complexity:")
	assert.Contains(t, out, "Validation")
	assert.Contains(t, out, "syntax valid:")
	assert.Contains(t, out, "Wrote ")
}

func TestGenerate_Cache(t *testing.T) {
	h := newHarness(t)
	stub := newOllamaStub(t, goodReply)
	dir := t.TempDir()
	cacheDir := filepath.Join(dir, "cache")
	src := writeSource(t, dir, "add.py", addSource)

	args := []string{"generate", src, "--provider", "ollama", "--output-dir", dir, "--cache-dir", cacheDir, "-q", "--quality-threshold", "0.5", "--overwrite"}
	require.Equal(t, exitOK, h.run(t, args...), h.errOut.String())
	require.Equal(t, exitOK, h.run(t, args...), h.errOut.String())
	assert.EqualValues(t, 1, stub.calls.Load(), "second run is served from the cache")

	require.Equal(t, exitOK, h.run(t, "cache", "stats", "--cache-dir", cacheDir))
	assert.Contains(t, h.out.String(), "entries:       1")
	assert.Contains(t, h.out.String(), "hits:          1")

	require.Equal(t, exitOK, h.run(t, "cache", "clear", "--cache-dir", cacheDir))
	require.Equal(t, exitOK, h.run(t, args...), h.errOut.String())
	assert.EqualValues(t, 2, stub.calls.Load(), "cleared cache misses")

	// Fresh entries survive an age-based clear.
	require.Equal(t, exitOK, h.run(t, "cache", "clear", "--older-than", "720h", "--cache-dir", cacheDir, "--no-color"))
	assert.Contains(t, h.out.String(), "Removed 0 entries older than 720h0m0s")
	require.Equal(t, exitOK, h.run(t, args...), h.errOut.String())
	assert.EqualValues(t, 2, stub.calls.Load())

	assert.Equal(t, exitConfig, h.run(t, "cache", "clear", "--older-than", "0s", "--cache-dir", cacheDir))
}

func TestGenerate_Parallel(t *testing.T) {
	h := newHarness(t)
	stub := newOllamaStub(t, goodReply)
	dir := t.TempDir()
	var files []string
	for _, name := range []string{"add.py", "plus.py", "sum.py"} {
		files = append(files, writeSource(t, dir, name, addSource))
	}
	outDir := filepath.Join(dir, "out")

	args := append([]string{"generate"}, files...)
	args = append(args, "--provider", "ollama", "--output-dir", outDir, "--no-cache", "-q", "--quality-threshold", "0.5", "--parallel", "3")
	require.Equal(t, exitOK, h.run(t, args...), h.errOut.String())
	assert.EqualValues(t, 3, stub.calls.Load())
	for _, name := range []string{"test_add.py", "test_plus.py", "test_sum.py"} {
		assert.FileExists(t, filepath.Join(outDir, name))
	}
}

func TestGenerate_ParallelFailureIsolated(t *testing.T) {
	h := newHarness(t)
	newOllamaStub(t, goodReply)
	dir := t.TempDir()
	good := writeSource(t, dir, "add.py", addSource)
	missing := filepath.Join(dir, "missing.py")

	code := h.run(t, "generate", good, missing, "--provider", "ollama", "--output-dir", dir, "--no-cache", "-q", "--quality-threshold", "0.5", "--parallel", "2")
	assert.Equal(t, exitConfig, code)
	assert.FileExists(t, filepath.Join(dir, "test_add.py"))
	assert.Contains(t, h.errOut.String(), "missing.py")
}

func TestGenerate_DuplicateOutputNames(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	a := writeSource(t, dir, "a/util.py", addSource)
	b := writeSource(t, dir, "b/util.py", addSource)

	assert.Equal(t, exitConfig, h.run(t, "generate", a, b, "--provider", "ollama", "--output-dir", dir, "--no-cache"))
	assert.Contains(t, h.errOut.String(), "would both write")
}

func TestGenerate_ConfigFile(t *testing.T) {
	h := newHarness(t)
	stub := newOllamaStub(t, truncatedReply)
	dir := t.TempDir()
	src := writeSource(t, dir, "add.py", addSource)
	cfg := writeSource(t, dir, "testpilot.yaml", "provider: ollama\nmax_attempts: 1\n")

	assert.Equal(t, exitGenerationFailed, h.run(t, "generate", src, "--config", cfg, "--output-dir", dir, "--no-cache", "-q"))
	assert.EqualValues(t, 1, stub.calls.Load(), "file value overrides the default")

	assert.Equal(t, exitGenerationFailed, h.run(t, "generate", src, "--config", cfg, "--output-dir", dir, "--no-cache", "-q", "--overwrite", "--max-attempts", "2"))
	assert.EqualValues(t, 3, stub.calls.Load(), "flag overrides the file")
}

func TestGenerate_InvalidConfigFile(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	src := writeSource(t, dir, "add.py", addSource)
	cfg := writeSource(t, dir, "testpilot.yaml", "provider: skynet\n")

	assert.Equal(t, exitConfig, h.run(t, "generate", src, "--config", cfg))
	assert.Contains(t, h.errOut.String(), "Provider")
}

// =============================================================================
// run and triage
// =============================================================================

func requirePytest(t *testing.T) {
	t.Helper()
	python, err := sandbox.FindPython()
	if err != nil || !sandbox.HasPytest(python) {
		t.Skip("python3 with pytest is not available")
	}
}

func TestRun_ExitCodes(t *testing.T) {
	requirePytest(t)
	tests := []struct {
		name string
		code string
		want int
	}{
		{"passing", "def test_ok():\n    assert 1 + 1 == 2\n", exitOK},
		{"failing", "def test_bad():\n    assert 1 + 1 == 3\n", exitTestsFailed},
		{"import error", "import nonexistent_module_xyz\n\ndef test_x():\n    pass\n", exitCouldNotRun},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			file := writeSource(t, t.TempDir(), "test_sample.py", tt.code)
			assert.Equal(t, tt.want, h.run(t, "run", file, "--no-color"), h.errOut.String())
		})
	}
}

func TestRun_MissingFile(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, exitConfig, h.run(t, "run", filepath.Join(t.TempDir(), "test_none.py")))
}

func TestRun_CreateIssueRequiresRepo(t *testing.T) {
	h := newHarness(t)
	file := writeSource(t, t.TempDir(), "test_sample.py", "def test_ok():\n    pass\n")
	assert.Equal(t, exitConfig, h.run(t, "run", file, "--create-issue"))
}

func TestTriage_RequiresRepo(t *testing.T) {
	h := newHarness(t)
	file := writeSource(t, t.TempDir(), "test_sample.py", "def test_ok():\n    pass\n")
	assert.Equal(t, exitConfig, h.run(t, "triage", file))
}

func TestTriage_InvalidInputs(t *testing.T) {
	file := writeSource(t, t.TempDir(), "test_sample.py", "def test_ok():\n    pass\n")
	tests := map[string][]string{
		"repo":     {"--repo", "acme/widgets?x=1"},
		"label":    {"--repo", "acme/widgets", "--label", ""},
		"assignee": {"--repo", "acme/widgets", "--assignee", "bad login"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			assert.Equal(t, exitConfig, h.run(t, append([]string{"triage", file}, args...)...))
			assert.Contains(t, h.errOut.String(), "invalid input")
		})
	}
}

func TestTriage_FilesIssueWithoutChangingExitCode(t *testing.T) {
	requirePytest(t)

	var issues atomic.Int32
	var body map[string]any
	var mu sync.Mutex
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/widgets/issues", func(w http.ResponseWriter, r *http.Request) {
		issues.Add(1)
		mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprint(w, `{"number":7,"html_url":"https://github.com/acme/widgets/issues/7"}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	h := newHarness(t)
	t.Setenv("GITHUB_TOKEN", "ghp_test")
	file := writeSource(t, t.TempDir(), "test_sample.py", "def test_bad():\n    assert 1 == 2\n")

	code := h.run(t, "triage", file, "--repo", "acme/widgets", "--github-api", server.URL, "--label", "flaky", "--no-color")
	assert.Equal(t, exitTestsFailed, code)
	assert.EqualValues(t, 1, issues.Load())
	assert.Contains(t, h.out.String(), "Filed issue #7")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{"flaky"}, body["labels"])
}

func TestTriage_ReportFailureKeepsExitCode(t *testing.T) {
	requirePytest(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = fmt.Fprint(w, `{"message":"Bad credentials"}`)
	}))
	defer server.Close()

	h := newHarness(t)
	t.Setenv("GITHUB_TOKEN", "ghp_bad")
	file := writeSource(t, t.TempDir(), "test_sample.py", "def test_bad():\n    assert 1 == 2\n")

	assert.Equal(t, exitTestsFailed, h.run(t, "triage", file, "--repo", "acme/widgets", "--github-api", server.URL))
	assert.Contains(t, h.errOut.String(), "Could not file issue")
}

func TestTriage_GistWithCredentialsIsNotAttached(t *testing.T) {
	requirePytest(t)

	var issues, gists atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/widgets/issues", func(w http.ResponseWriter, r *http.Request) {
		issues.Add(1)
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprint(w, `{"number":8,"html_url":"https://github.com/acme/widgets/issues/8"}`)
	})
	mux.HandleFunc("POST /gists", func(w http.ResponseWriter, r *http.Request) {
		gists.Add(1)
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprint(w, `{"html_url":"https://gist.github.com/x"}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	h := newHarness(t)
	t.Setenv("GITHUB_TOKEN", "ghp_test")
	file := writeSource(t, t.TempDir(), "test_sample.py", "KEY = 'AKIA1234567890123456'\n\ndef test_bad():\n    assert KEY == ''\n")

	code := h.run(t, "triage", file, "--repo", "acme/widgets", "--github-api", server.URL, "--gist")
	assert.Equal(t, exitTestsFailed, code)
	assert.EqualValues(t, 1, issues.Load())
	assert.Zero(t, gists.Load())
	assert.Contains(t, h.errOut.String(), "Not attaching a gist")
	assert.NotContains(t, h.out.String(), "1234567890123456")
}

// =============================================================================
// reset-keys
// =============================================================================

func TestResetKeys(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.kr.Set(keyring.Item{Key: "OPENAI_API_KEY", Data: []byte("sk-1")}))
	require.NoError(t, h.kr.Set(keyring.Item{Key: "GITHUB_TOKEN", Data: []byte("ghp-1")}))
	require.NoError(t, h.kr.Set(keyring.Item{Key: "unrelated", Data: []byte("x")}))

	// Non-interactive stdin skips the prompt.
	require.Equal(t, exitOK, h.run(t, "reset-keys", "--no-color"), h.errOut.String())
	assert.Contains(t, h.out.String(), "Removed 2 key(s)")
	assert.Contains(t, h.out.String(), "GITHUB_TOKEN")

	remaining, err := h.kr.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"unrelated"}, remaining)

	require.Equal(t, exitOK, h.run(t, "reset-keys", "--yes"))
	assert.Contains(t, h.out.String(), "No stored keys found.")
}

func TestResetKeys_PromptsForNewKeys(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.kr.Set(keyring.Item{Key: "OPENAI_API_KEY", Data: []byte("sk-old")}))
	h.tty = true
	h.confirm = true
	h.secrets = map[string]string{"OPENAI_API_KEY": "sk-new", "GITHUB_TOKEN": "ghp_new"}

	require.Equal(t, exitOK, h.run(t, "reset-keys", "--no-color"), h.errOut.String())
	assert.Contains(t, h.out.String(), "Removed 1 key(s)")
	assert.Contains(t, h.out.String(), "Stored 2 key(s)")
	assert.Equal(t, []string{"ANTHROPIC_API_KEY", "GEMINI_API_KEY", "GITHUB_TOKEN", "OPENAI_API_KEY"}, h.prompted)

	item, err := h.kr.Get("OPENAI_API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "sk-new", string(item.Data))
	_, err = h.kr.Get("ANTHROPIC_API_KEY")
	assert.ErrorIs(t, err, keyring.ErrKeyNotFound)

	// A stored key is what the provider lookup finds next.
	a := newApp(h.out, h.errOut)
	a.openKeyring = func() (keyring.Keyring, error) { return h.kr, nil }
	v, err := a.credential("GITHUB_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "ghp_new", v)
}

func TestResetKeys_DeclinedKeepsKeys(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.kr.Set(keyring.Item{Key: "OPENAI_API_KEY", Data: []byte("sk-old")}))
	h.tty = true

	require.Equal(t, exitOK, h.run(t, "reset-keys"))
	assert.Contains(t, h.out.String(), "Nothing removed.")
	assert.Empty(t, h.prompted)
	_, err := h.kr.Get("OPENAI_API_KEY")
	assert.NoError(t, err)
}

func TestResetKeys_YesSkipsPrompts(t *testing.T) {
	h := newHarness(t)
	h.tty = true
	h.secrets = map[string]string{"OPENAI_API_KEY": "sk-new"}

	require.Equal(t, exitOK, h.run(t, "reset-keys", "--yes"))
	assert.Empty(t, h.prompted)
	_, err := h.kr.Get("OPENAI_API_KEY")
	assert.ErrorIs(t, err, keyring.ErrKeyNotFound)
}

func TestSetKey(t *testing.T) {
	t.Run("from stdin", func(t *testing.T) {
		h := newHarness(t)
		h.stdin = strings.NewReader("sk-piped\n")
		require.Equal(t, exitOK, h.run(t, "set-key", "openai_api_key", "--no-color"), h.errOut.String())
		assert.Contains(t, h.out.String(), "Stored OPENAI_API_KEY in the OS keyring")

		item, err := h.kr.Get("OPENAI_API_KEY")
		require.NoError(t, err)
		assert.Equal(t, "sk-piped", string(item.Data))
	})

	t.Run("from prompt", func(t *testing.T) {
		h := newHarness(t)
		h.tty = true
		h.secrets = map[string]string{"GITHUB_TOKEN": "ghp_typed"}
		require.Equal(t, exitOK, h.run(t, "set-key", "GITHUB_TOKEN"), h.errOut.String())
		assert.Equal(t, []string{"GITHUB_TOKEN"}, h.prompted)

		item, err := h.kr.Get("GITHUB_TOKEN")
		require.NoError(t, err)
		assert.Equal(t, "ghp_typed", string(item.Data))
	})

	t.Run("unknown name", func(t *testing.T) {
		h := newHarness(t)
		h.stdin = strings.NewReader("x")
		assert.Equal(t, exitConfig, h.run(t, "set-key", "AWS_SECRET_ACCESS_KEY"))
	})

	t.Run("empty value", func(t *testing.T) {
		h := newHarness(t)
		h.stdin = strings.NewReader("  \n")
		assert.Equal(t, exitConfig, h.run(t, "set-key", "OPENAI_API_KEY"))
		keys, err := h.kr.Keys()
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}

func TestSealAPIKey(t *testing.T) {
	h := newHarness(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-env")
	a := newApp(h.out, h.errOut)
	a.openKeyring = func() (keyring.Keyring, error) {
		t.Fatal("keyring must not be opened when a flag supplies the key")
		return nil, nil
	}

	opts := &generateOptions{provider: "anthropic", apiKey: "sk-flag"}
	require.NoError(t, a.sealAPIKey(opts))
	assert.Empty(t, opts.apiKey)

	v, err := a.credential("ANTHROPIC_API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "sk-flag", v)

	gw, err := a.gateway("anthropic")
	require.NoError(t, err)
	assert.NotNil(t, gw)

	// Ollama takes no key; the flag is ignored rather than misapplied.
	opts = &generateOptions{provider: "ollama", apiKey: "unused"}
	require.NoError(t, a.sealAPIKey(opts))
	assert.NotContains(t, a.overrides, "OLLAMA_BASE_URL")

	opts = &generateOptions{provider: "nope", apiKey: "x"}
	assert.Equal(t, exitConfig, exitCodeFor(a.sealAPIKey(opts)))
}

func TestGenerate_APIKeyFlagSatisfiesMissingKey(t *testing.T) {
	h := newHarness(t)
	src := writeSource(t, t.TempDir(), "add.py", addSource)
	out := t.TempDir()

	// Without a key the run stops before any network call.
	assert.Equal(t, exitConfig, h.run(t, "generate", src, "--provider", "anthropic", "--no-cache", "-q", "-o", out))

	// Building the pipeline resolves the key but makes no request.
	a := newApp(h.out, h.errOut)
	a.openKeyring = func() (keyring.Keyring, error) { return h.kr, nil }
	opts := &generateOptions{provider: "anthropic", apiKey: "sk-ant-flag", mode: "basic", threshold: 0.8, maxAttempts: 1, isolation: "none", outputDir: out}
	p, err := a.newPipeline(opts)
	require.NoError(t, err)
	assert.NotNil(t, p)
	assert.Empty(t, opts.apiKey)
}

func TestTriage_GitHubTokenFlag(t *testing.T) {
	requirePytest(t)

	var auth atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/widgets/issues", func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprint(w, `{"number":9,"html_url":"https://github.com/acme/widgets/issues/9"}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	h := newHarness(t)
	t.Setenv("GITHUB_TOKEN", "ghp_env")
	file := writeSource(t, t.TempDir(), "test_sample.py", "def test_bad():\n    assert 1 == 2\n")

	code := h.run(t, "run", file, "--create-issue", "--repo", "acme/widgets", "--github-api", server.URL, "--github-token", "ghp_flag")
	assert.Equal(t, exitTestsFailed, code)
	assert.Equal(t, "Bearer ghp_flag", auth.Load())
	assert.Contains(t, h.out.String(), "Filed issue #9")
}

// =============================================================================
// misc
// =============================================================================

func TestUnknownLogLevel(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, exitConfig, h.run(t, "cache", "stats", "--log-level", "chatty"))
}

func TestUnknownTelemetryMode(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, exitConfig, h.run(t, "cache", "stats", "--telemetry", "carrier-pigeon", "--cache-dir", t.TempDir()))
}

func TestCacheCommands_NoCache(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, exitConfig, h.run(t, "cache", "stats", "--no-cache"))
}
