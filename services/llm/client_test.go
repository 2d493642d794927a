// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func float32Ptr(v float32) *float32 { return &v }
func intPtr(v int) *int             { return &v }

func TestAnthropicClient(t *testing.T) {
	var got anthropicRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"m1","type":"message","content":[{"type":"text","text":"def test_x():\n    pass"}],"stop_reason":"end_turn"}`)
	}))
	defer server.Close()

	c, err := NewAnthropicClient("test-key", "", WithBaseURL(server.URL))
	require.NoError(t, err)

	out, err := c.GenerateWithSystem(context.Background(), "Project context: x", "write tests", GenerationParams{
		Temperature: float32Ptr(0.2),
		MaxTokens:   intPtr(1000),
	})
	require.NoError(t, err)
	assert.Equal(t, "def test_x():\n    pass", out)

	assert.Equal(t, DefaultAnthropicModel, got.Model)
	assert.Equal(t, "Project context: x", got.System)
	assert.Equal(t, 1000, got.MaxTokens)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "write tests", got.Messages[0].Content)
}

func TestAnthropicClient_Errors(t *testing.T) {
	t.Run("missing key", func(t *testing.T) {
		_, err := NewAnthropicClient("", "")
		assert.ErrorIs(t, err, ErrMissingAPIKey)
	})

	t.Run("status error is redacted", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":{"type":"authentication_error","message":"bad key sk-ant-REDACTED"}}`)
		}))
		defer server.Close()

		c, err := NewAnthropicClient("k", "", WithBaseURL(server.URL))
		require.NoError(t, err)
		_, err = c.Generate(context.Background(), "p", GenerationParams{})

		var se *StatusError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
		assert.NotContains(t, err.Error(), "sk-ant-api03")
	})

	t.Run("no text blocks", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"id":"m1","content":[]}`)
		}))
		defer server.Close()

		c, err := NewAnthropicClient("k", "", WithBaseURL(server.URL))
		require.NoError(t, err)
		_, err = c.Generate(context.Background(), "p", GenerationParams{})
		assert.ErrorIs(t, err, ErrEmptyResponse)
	})
}

func TestOllamaClient(t *testing.T) {
	var got ollamaGenerateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"model":"llama3.1","response":"ok","done":true}`)
	}))
	defer server.Close()

	c, err := NewOllamaClient(server.URL+"/", "")
	require.NoError(t, err)

	out, err := c.GenerateWithSystem(context.Background(), "sys", "prompt", GenerationParams{MaxTokens: intPtr(64)})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, DefaultOllamaModel, got.Model)
	assert.Equal(t, "sys", got.System)
	assert.False(t, got.Stream)
	assert.EqualValues(t, 64, got.Options["num_predict"])
}

func TestOllamaClient_ModelNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"model 'nope' not found"}`)
	}))
	defer server.Close()

	c, err := NewOllamaClient(server.URL, "nope")
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), "p", GenerationParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ollama pull nope")
}

func TestOllamaClient_DefaultBaseURL(t *testing.T) {
	c, err := NewOllamaClient("", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultOllamaBaseURL, c.baseURL)
}

func TestOpenAIClient(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"generated"},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	c, err := NewOpenAIClientWithConfig("test-key", "", server.URL+"/v1")
	require.NoError(t, err)

	out, err := c.GenerateWithSystem(context.Background(), "ctx", "prompt", GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "generated", out)
	assert.Equal(t, DefaultOpenAIModel, got["model"])

	messages, ok := got["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
	assert.Equal(t, "user", messages[1].(map[string]any)["role"])
}

func TestOpenAIClient_EmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","choices":[]}`)
	}))
	defer server.Close()

	c, err := NewOpenAIClientWithConfig("k", "gpt-4o", server.URL)
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), "p", GenerationParams{})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestGeminiClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, DefaultGeminiModel+":generateContent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"gemini says hi"}]}}]}`)
	}))
	defer server.Close()

	c, err := NewGeminiClient(context.Background(), "k", "", WithBaseURL(server.URL))
	require.NoError(t, err)

	out, err := c.GenerateWithSystem(context.Background(), "sys", "prompt", GenerationParams{Temperature: float32Ptr(0.1)})
	require.NoError(t, err)
	assert.Equal(t, "gemini says hi", out)
}

func TestNewClients_MissingKey(t *testing.T) {
	_, err := NewOpenAIClient("", "")
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	_, err = NewGeminiClient(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}
