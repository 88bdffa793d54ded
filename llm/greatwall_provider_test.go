package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"streamchat/common"
	"streamchat/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func greatWallConfig(baseURL string) common.ProviderConfig {
	return common.ProviderConfig{
		Name:         "greatwall",
		ProviderType: "greatwall",
		Enabled:      true,
		BaseURL:      baseURL,
		Key:          "gw-token",
	}
}

func writeSSE(t *testing.T, w http.ResponseWriter, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func collectChunks(chunkChan chan Chunk) []Chunk {
	var chunks []Chunk
	for {
		select {
		case chunk := <-chunkChan:
			chunks = append(chunks, chunk)
		default:
			return chunks
		}
	}
}

func TestGreatWallProviderStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer gw-token", r.Header.Get("Authorization"))

		var req greatWallRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)

		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(t, w, map[string]any{
			"model": "gw-large",
			"choices": []map[string]any{
				{"delta": map[string]any{"reasoning_content": "thinking..."}},
			},
		})
		writeSSE(t, w, map[string]any{
			"choices": []map[string]any{
				{"delta": map[string]any{"content": "你好"}},
			},
		})
		writeSSE(t, w, map[string]any{
			"choices": []map[string]any{
				{"delta": map[string]any{"content": "，世界"}, "finish_reason": "stop"},
			},
		})
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	provider := &GreatWallProvider{Config: greatWallConfig(server.URL)}
	chunkChan := make(chan Chunk, 16)

	response, err := provider.Stream(context.Background(), StreamRequest{
		Model: "gw-large",
		Turns: []Turn{{Role: domain.MessageRoleUser, Content: "打个招呼"}},
	}, chunkChan)
	require.NoError(t, err)

	assert.Equal(t, "你好，世界", response.Content)
	assert.Equal(t, "thinking...", response.Reasoning)
	assert.Equal(t, "gw-large", response.Model)
	assert.Equal(t, "stop", response.StopReason)

	chunks := collectChunks(chunkChan)
	require.Len(t, chunks, 4)
	assert.Equal(t, "thinking...", chunks[0].ReasoningDelta)
	assert.Equal(t, "你好", chunks[1].ContentDelta)
	assert.Equal(t, "，世界", chunks[2].ContentDelta)
	assert.True(t, chunks[3].Final)
}

func TestGreatWallProviderUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	provider := &GreatWallProvider{Config: greatWallConfig(server.URL)}
	chunkChan := make(chan Chunk, 16)

	_, err := provider.Stream(context.Background(), StreamRequest{Model: "gw-large"}, chunkChan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Empty(t, collectChunks(chunkChan))
}

func TestGreatWallProviderRetriesBeforeFirstChunk(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "transient", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(t, w, map[string]any{
			"choices": []map[string]any{
				{"delta": map[string]any{"content": "ok"}, "finish_reason": "stop"},
			},
		})
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	config := greatWallConfig(server.URL)
	config.MaxRetries = 2
	provider := &GreatWallProvider{Config: config}
	chunkChan := make(chan Chunk, 16)

	response, err := provider.Stream(context.Background(), StreamRequest{Model: "gw-large"}, chunkChan)
	require.NoError(t, err)
	assert.Equal(t, "ok", response.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGreatWallProviderNoRetryAfterChunkSent(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(t, w, map[string]any{
			"choices": []map[string]any{
				{"delta": map[string]any{"content": "partial"}},
			},
		})
		// Malformed payload after real output kills the stream.
		fmt.Fprint(w, "data: {not json\n\n")
	}))
	defer server.Close()

	config := greatWallConfig(server.URL)
	config.MaxRetries = 3
	provider := &GreatWallProvider{Config: config}
	chunkChan := make(chan Chunk, 16)

	_, err := provider.Stream(context.Background(), StreamRequest{Model: "gw-large"}, chunkChan)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "must not retry once output was forwarded")
}

func TestGreatWallProviderMissingKey(t *testing.T) {
	config := greatWallConfig("https://unused.example.com")
	config.Key = ""
	provider := &GreatWallProvider{Config: config}

	_, err := provider.Stream(context.Background(), StreamRequest{Model: "gw-large"}, make(chan Chunk, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no API key")
}
