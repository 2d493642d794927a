// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package keys

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestStore_Resolve(t *testing.T) {
	kr := keyring.NewArrayKeyring([]keyring.Item{
		{Key: AnthropicAPIKey, Data: []byte("sk-ant-from-keyring")},
		{Key: OpenAIAPIKey, Data: []byte("sk-from-keyring")},
	})
	s := NewStore(
		WithKeyring(kr),
		WithEnv(envMap(map[string]string{
			OpenAIAPIKey: "sk-from-env",
			GoogleAPIKey: "AIza-google",
		})),
	)

	t.Run("environment wins", func(t *testing.T) {
		v, err := s.Resolve(OpenAIAPIKey)
		require.NoError(t, err)
		assert.Equal(t, "sk-from-env", v)
	})

	t.Run("keyring fallback", func(t *testing.T) {
		_, source, err := s.Lookup(AnthropicAPIKey)
		require.NoError(t, err)
		assert.Equal(t, SourceKeyring, source)

		v, err := s.Resolve(AnthropicAPIKey)
		require.NoError(t, err)
		assert.Equal(t, "sk-ant-from-keyring", v)
	})

	t.Run("gemini falls back to GOOGLE_API_KEY", func(t *testing.T) {
		v, err := s.Resolve(GeminiAPIKey)
		require.NoError(t, err)
		assert.Equal(t, "AIza-google", v)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := s.Resolve(GitHubToken)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("no keyring", func(t *testing.T) {
		_, err := NewStore(WithEnv(envMap(nil))).Resolve(AnthropicAPIKey)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_SaveAndReset(t *testing.T) {
	kr := keyring.NewArrayKeyring(nil)
	s := NewStore(WithKeyring(kr), WithEnv(envMap(nil)))

	require.NoError(t, s.Save(GitHubToken, "ghp_saved"))
	require.NoError(t, s.Save(OpenAIAPIKey, "sk-saved"))
	require.NoError(t, kr.Set(keyring.Item{Key: "unrelated", Data: []byte("keep")}))

	v, err := s.Resolve(GitHubToken)
	require.NoError(t, err)
	assert.Equal(t, "ghp_saved", v)

	removed, err := s.Reset()
	require.NoError(t, err)
	assert.Equal(t, []string{GitHubToken, OpenAIAPIKey}, removed)

	_, err = s.Resolve(GitHubToken)
	assert.ErrorIs(t, err, ErrNotFound)

	item, err := kr.Get("unrelated")
	require.NoError(t, err)
	assert.Equal(t, []byte("keep"), item.Data)

	removed, err = s.Reset()
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestStore_OverrideWins(t *testing.T) {
	kr := keyring.NewArrayKeyring([]keyring.Item{{Key: GitHubToken, Data: []byte("ghp_keyring")}})
	s := NewStore(
		WithKeyring(kr),
		WithEnv(envMap(map[string]string{GitHubToken: "ghp_env"})),
		WithOverride(GitHubToken, Seal("ghp_flag")),
		WithOverride(OpenAIAPIKey, Seal("")),
	)

	_, source, err := s.Lookup(GitHubToken)
	require.NoError(t, err)
	assert.Equal(t, SourceFlag, source)

	// The sealed value survives repeated opens.
	for range 2 {
		v, err := s.Resolve(GitHubToken)
		require.NoError(t, err)
		assert.Equal(t, "ghp_flag", v)
	}

	_, err = s.Resolve(OpenAIAPIKey)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SaveRejects(t *testing.T) {
	s := NewStore(WithKeyring(keyring.NewArrayKeyring(nil)), WithEnv(envMap(nil)))
	assert.ErrorIs(t, s.Save("AWS_SECRET_ACCESS_KEY", "x"), ErrUnknownName)
	assert.ErrorIs(t, s.Save(OpenAIAPIKey, ""), ErrEmptyValue)
	assert.True(t, IsStoredName(GeminiAPIKey))
	assert.False(t, IsStoredName(GoogleAPIKey))
}

func TestStore_NoKeyring(t *testing.T) {
	s := NewStore()
	assert.ErrorIs(t, s.Save(GitHubToken, "x"), ErrNoKeyring)
	_, err := s.Reset()
	assert.ErrorIs(t, err, ErrNoKeyring)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("TESTPILOT_DOTENV_NEW=from-file\nTESTPILOT_DOTENV_SET=from-file\n"), 0o600))

	t.Setenv("TESTPILOT_DOTENV_SET", "from-env")
	t.Setenv("TESTPILOT_DOTENV_NEW", "")
	require.NoError(t, os.Unsetenv("TESTPILOT_DOTENV_NEW"))

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-file", os.Getenv("TESTPILOT_DOTENV_NEW"))
	assert.Equal(t, "from-env", os.Getenv("TESTPILOT_DOTENV_SET"), ".env never overrides the environment")

	assert.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env")))
}
