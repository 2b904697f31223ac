package provider_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentcore/pkg/provider"
)

func TestHTTPClient_Generate_ReturnsTextAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "hello there"}, "finish_reason": "stop"},
			},
			"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
		})
	}))
	defer srv.Close()

	client := provider.NewHTTPClient(provider.HTTPConfig{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Model:   "test-model",
	})

	text, usage, err := client.Generate(context.Background(), provider.Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)
	assert.Equal(t, 5, usage.TotalTokens)
}

func TestHTTPClient_Generate_ServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	client := provider.NewHTTPClient(provider.HTTPConfig{BaseURL: srv.URL, APIKey: "k", Model: "m"})
	_, _, err := client.Generate(context.Background(), provider.Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrUnavailable)
}

func TestHTTPClient_Generate_MalformedBodyIsBadResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	client := provider.NewHTTPClient(provider.HTTPConfig{BaseURL: srv.URL, APIKey: "k", Model: "m"})
	_, _, err := client.Generate(context.Background(), provider.Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrBadResponse)
}

func TestHTTPClient_Generate_NoChoicesIsBadResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	client := provider.NewHTTPClient(provider.HTTPConfig{BaseURL: srv.URL, APIKey: "k", Model: "m"})
	_, _, err := client.Generate(context.Background(), provider.Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrBadResponse)
}

func TestHTTPClient_Generate_APIKeyHeaderScheme(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		assert.Empty(t, r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}},
		})
	}))
	defer srv.Close()

	client := provider.NewHTTPClient(provider.HTTPConfig{
		BaseURL:    srv.URL,
		APIKey:     "secret",
		Model:      "m",
		AuthScheme: provider.AuthAPIKeyHeader,
	})
	_, _, err := client.Generate(context.Background(), provider.Request{})
	require.NoError(t, err)
}

func TestHTTPClient_GenerateStream_EmitsDeltasThenDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"he"}}]}` + "\n\n"))
		flusher.Flush()
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"llo"}}]}` + "\n\n"))
		flusher.Flush()
		w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	client := provider.NewHTTPClient(provider.HTTPConfig{BaseURL: srv.URL, APIKey: "k", Model: "m"})
	stream, err := client.GenerateStream(context.Background(), provider.Request{})
	require.NoError(t, err)

	var text string
	var done bool
	for tok := range stream {
		text += tok.Text
		if tok.Done {
			done = true
		}
	}
	assert.Equal(t, "hello", text)
	assert.True(t, done)
}
