package llm

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"streamchat/common"

	zlog "github.com/rs/zerolog/log"
)

const doneMarker = "[DONE]"

// GreatWallProvider streams from the GreatWall model service. The upstream
// speaks an OpenAI-flavored SSE dialect but sits behind infrastructure that
// sometimes requires skipping TLS verification, so the wire format is parsed
// by hand rather than through the OpenAI SDK.
type GreatWallProvider struct {
	Config common.ProviderConfig
}

var _ Provider = (*GreatWallProvider)(nil)

type greatWallMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type greatWallRequest struct {
	Model          string             `json:"model"`
	Messages       []greatWallMessage `json:"messages"`
	Stream         bool               `json:"stream"`
	Temperature    *float32           `json:"temperature,omitempty"`
	MaxTokens      int                `json:"max_tokens,omitempty"`
	EnableThinking bool               `json:"enable_thinking,omitempty"`
}

type greatWallStreamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (p *GreatWallProvider) Stream(ctx context.Context, request StreamRequest, chunkChan chan<- Chunk) (*FinalResponse, error) {
	maxRetries := p.Config.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		sent := false
		response, err := p.streamOnce(ctx, request, chunkChan, &sent)
		if err == nil {
			return response, nil
		}
		lastErr = err
		if sent || ctx.Err() != nil {
			break
		}
		zlog.Warn().Err(err).Str("provider", p.Config.Name).Int("attempt", attempt+1).Msg("stream attempt failed, retrying")
	}
	return nil, lastErr
}

func (p *GreatWallProvider) streamOnce(ctx context.Context, request StreamRequest, chunkChan chan<- Chunk, sent *bool) (*FinalResponse, error) {
	token := p.Config.APIKey()
	if token == "" {
		return nil, fmt.Errorf("provider %s has no API key", p.Config.Name)
	}

	// The history is flattened: GreatWall deployments are single-turn and
	// reject multi-message payloads.
	body := greatWallRequest{
		Model:          request.Model,
		Messages:       []greatWallMessage{{Role: "user", Content: FlattenTurns(request.Turns)}},
		Stream:         true,
		Temperature:    request.Temperature,
		MaxTokens:      request.MaxTokens,
		EnableThinking: request.EnableReasoning,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(p.Config.BaseURL, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	httpClient := &http.Client{Timeout: p.Config.ReadTimeout()}
	if p.Config.SkipTLSVerify {
		zlog.Warn().Str("provider", p.Config.Name).Msg("TLS verification disabled")
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", p.Config.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s returned status %d: %s", p.Config.Name, resp.StatusCode, string(errBody))
	}

	var content, reasoning []byte
	var finishReason string
	responseModel := request.Model

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == doneMarker {
			break
		}
		if !strings.HasPrefix(data, "{") {
			continue
		}

		var parsed greatWallStreamChunk
		if err := json.Unmarshal([]byte(data), &parsed); err != nil {
			return nil, fmt.Errorf("%s sent malformed chunk: %w", p.Config.Name, err)
		}

		if parsed.Model != "" {
			responseModel = parsed.Model
		}
		if len(parsed.Choices) == 0 {
			continue
		}
		choice := parsed.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}

		out := Chunk{
			ContentDelta:   choice.Delta.Content,
			ReasoningDelta: choice.Delta.ReasoningContent,
		}
		if out.ContentDelta == "" && out.ReasoningDelta == "" {
			continue
		}

		content = append(content, out.ContentDelta...)
		reasoning = append(reasoning, out.ReasoningDelta...)

		select {
		case chunkChan <- out:
			*sent = true
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s stream read failed: %w", p.Config.Name, err)
	}

	select {
	case chunkChan <- Chunk{Final: true}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if finishReason == "" {
		finishReason = "stop"
	}

	return &FinalResponse{
		Content:    string(content),
		Reasoning:  string(reasoning),
		Model:      responseModel,
		StopReason: finishReason,
	}, nil
}
