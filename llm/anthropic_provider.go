package llm

import (
	"context"
	"fmt"
	"net/http"

	"streamchat/common"
	"streamchat/domain"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	zlog "github.com/rs/zerolog/log"
)

const anthropicDefaultMaxTokens = 8192
const anthropicThinkingBudgetTokens = 10000

// AnthropicProvider streams completions from the Anthropic messages API.
// Extended thinking is mapped onto reasoning deltas.
type AnthropicProvider struct {
	Config common.ProviderConfig
}

var _ Provider = (*AnthropicProvider)(nil)

func (p *AnthropicProvider) Stream(ctx context.Context, request StreamRequest, chunkChan chan<- Chunk) (*FinalResponse, error) {
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

func (p *AnthropicProvider) streamOnce(ctx context.Context, request StreamRequest, chunkChan chan<- Chunk, sent *bool) (*FinalResponse, error) {
	token := p.Config.APIKey()
	if token == "" {
		return nil, fmt.Errorf("provider %s has no API key", p.Config.Name)
	}

	httpClient := &http.Client{Timeout: p.Config.ReadTimeout()}
	clientOptions := []option.RequestOption{
		option.WithHTTPClient(httpClient),
		option.WithAPIKey(token),
	}
	if p.Config.BaseURL != "" {
		clientOptions = append(clientOptions, option.WithBaseURL(p.Config.BaseURL))
	}
	client := anthropic.NewClient(clientOptions...)

	effectiveMaxTokens := request.MaxTokens
	if effectiveMaxTokens <= 0 {
		effectiveMaxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(request.Model),
		MaxTokens: int64(effectiveMaxTokens),
	}

	if request.Temperature != nil {
		params.Temperature = anthropic.Opt(float64(*request.Temperature))
	}

	var systemMessages []anthropic.TextBlockParam
	var messages []anthropic.MessageParam
	for _, turn := range request.Turns {
		switch turn.Role {
		case domain.MessageRoleSystem:
			systemMessages = append(systemMessages, anthropic.TextBlockParam{Text: turn.Content})
		case domain.MessageRoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(turn.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Content)))
		}
	}
	params.Messages = messages
	if len(systemMessages) > 0 {
		params.System = systemMessages
	}

	if request.EnableReasoning {
		budgetTokens := int64(anthropicThinkingBudgetTokens)
		// max_tokens must be greater than thinking.budget_tokens
		if int64(effectiveMaxTokens) <= budgetTokens {
			effectiveMaxTokens = int(budgetTokens) + 1000
			params.MaxTokens = int64(effectiveMaxTokens)
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budgetTokens)
	}

	stream := client.Messages.NewStreaming(ctx, params)

	var content, reasoning []byte
	var finalMessage anthropic.Message

	for stream.Next() {
		event := stream.Current()

		if err := finalMessage.Accumulate(event); err != nil {
			return nil, fmt.Errorf("failed to accumulate message: %w", err)
		}

		switch evt := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			var out Chunk
			switch delta := evt.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				out.ContentDelta = delta.Text
			case anthropic.ThinkingDelta:
				out.ReasoningDelta = delta.Thinking
			default:
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
	}

	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("%s stream failed: %w", p.Config.Name, err)
	}

	select {
	case chunkChan <- Chunk{Final: true}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	responseModel := string(finalMessage.Model)
	if responseModel == "" {
		responseModel = request.Model
	}

	stopReason := string(finalMessage.StopReason)
	if stopReason == "" {
		stopReason = "stop"
	}

	return &FinalResponse{
		Content:    string(content),
		Reasoning:  string(reasoning),
		Model:      responseModel,
		StopReason: stopReason,
	}, nil
}
