package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"streamchat/common"
	"streamchat/domain"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/shared"
	zlog "github.com/rs/zerolog/log"
)

// OpenAIProvider talks to OpenAI and OpenAI-compatible upstreams (DeepSeek,
// Kimi, Qwen, ...) via the chat completions streaming API. Compatible
// upstreams are selected purely by BaseURL; reasoning models surface their
// trace through the non-standard reasoning_content delta field.
type OpenAIProvider struct {
	Config common.ProviderConfig
}

var _ Provider = (*OpenAIProvider)(nil)

func (p *OpenAIProvider) Stream(ctx context.Context, request StreamRequest, chunkChan chan<- Chunk) (*FinalResponse, error) {
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
		// Retrying after partial output would duplicate already-delivered
		// chunks, so only connection-level failures are retried.
		if sent || ctx.Err() != nil {
			break
		}
		zlog.Warn().Err(err).Str("provider", p.Config.Name).Int("attempt", attempt+1).Msg("stream attempt failed, retrying")
	}
	return nil, lastErr
}

func (p *OpenAIProvider) streamOnce(ctx context.Context, request StreamRequest, chunkChan chan<- Chunk, sent *bool) (*FinalResponse, error) {
	token := p.Config.APIKey()
	if token == "" {
		return nil, fmt.Errorf("provider %s has no API key", p.Config.Name)
	}

	httpClient := &http.Client{
		Timeout: p.Config.ReadTimeout(),
	}
	clientOptions := []option.RequestOption{
		option.WithAPIKey(token),
		option.WithHTTPClient(httpClient),
	}
	if p.Config.BaseURL != "" {
		clientOptions = append(clientOptions, option.WithBaseURL(p.Config.BaseURL))
	}
	client := openai.NewClient(clientOptions...)

	params := openai.ChatCompletionNewParams{
		Messages: turnsToChatCompletionParams(request.Turns),
		Model:    shared.ChatModel(request.Model),
	}

	if request.Temperature != nil {
		params.Temperature = openai.Float(float64(*request.Temperature))
	}

	if request.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(request.MaxTokens))
	}

	var extraOptions []option.RequestOption
	if request.EnableReasoning {
		// Qwen-style switch; reasoning-only models like deepseek-reasoner
		// ignore it and always emit reasoning_content.
		extraOptions = append(extraOptions, option.WithJSONSet("enable_thinking", true))
	}

	stream := client.Chat.Completions.NewStreaming(ctx, params, extraOptions...)

	var content, reasoning []byte
	var finishReason string
	responseModel := request.Model

	for stream.Next() {
		chunk := stream.Current()

		if chunk.Model != "" {
			responseModel = chunk.Model
		}

		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]

		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}

		out := Chunk{ContentDelta: choice.Delta.Content}

		// reasoning_content is not part of the standard schema; pull it from
		// the raw delta payload.
		if f, ok := choice.Delta.JSON.ExtraFields["reasoning_content"]; ok {
			var reasoningDelta string
			if json.Unmarshal([]byte(f.Raw()), &reasoningDelta) == nil {
				out.ReasoningDelta = reasoningDelta
			}
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

	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("%s stream failed: %w", p.Config.Name, err)
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

func turnsToChatCompletionParams(turns []Turn) []openai.ChatCompletionMessageParamUnion {
	var result []openai.ChatCompletionMessageParamUnion
	for _, turn := range turns {
		switch turn.Role {
		case domain.MessageRoleSystem:
			result = append(result, openai.SystemMessage(turn.Content))
		case domain.MessageRoleAssistant:
			result = append(result, openai.AssistantMessage(turn.Content))
		default:
			result = append(result, openai.UserMessage(turn.Content))
		}
	}
	return result
}
