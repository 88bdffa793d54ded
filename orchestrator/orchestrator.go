// Package orchestrator drives one streaming chat turn end to end: optional
// search augmentation, provider selection, chunk fan-in to the conversation's
// event channel, and persistence of both turns.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"streamchat/chat"
	"streamchat/common"
	"streamchat/domain"
	"streamchat/emitter"
	"streamchat/llm"
	"streamchat/search"
	"streamchat/store"

	zlog "github.com/rs/zerolog/log"
)

// State is the lifecycle state of one streaming turn. Every turn terminates
// in Completed, Errored, or Cancelled, with channel cleanup guaranteed.
type State string

const (
	StateIdle       State = "idle"
	StateSearching  State = "searching"
	StateStreaming  State = "streaming"
	StatePersisting State = "persisting"
	StateCompleted  State = "completed"
	StateErrored    State = "errored"
	StateCancelled  State = "cancelled"
)

var (
	ErrInvalidConversationId = errors.New("invalid conversation id")
	ErrEmptyMessage          = errors.New("message must not be empty")
)

// Sanitized client-facing error messages. Raw upstream detail is logged, not
// forwarded.
const (
	msgProcessing      = "processing"
	msgSearchStarting  = "开始搜索最新信息..."
	msgNoProvider      = "AI服务暂时不可用，请稍后重试"
	msgUpstreamFailed  = "AI响应生成失败，请稍后重试"
	msgPersistFailed   = "消息保存失败，请稍后重试"
	searchStatusDone   = "complete"
	draftPlaceholder   = "[draft]"
	systemPrompt       = "你是一个有用的AI助理。"
	maxTitleRunes      = 20
)

// StartRequest describes one chat turn to stream.
type StartRequest struct {
	ConversationId int64
	Message        string
	Provider       string
	Model          string
	SearchEnabled  bool
	DeepThinking   bool
}

// Orchestrator ties the provider registry, search augmenter, emitter
// registry, and message store into the streaming state machine.
type Orchestrator struct {
	providers *llm.Registry
	emitters  *emitter.Registry
	augmenter *search.Augmenter
	storage   store.Storage
	config    common.Config
}

func New(providers *llm.Registry, emitters *emitter.Registry, augmenter *search.Augmenter, storage store.Storage, config common.Config) *Orchestrator {
	return &Orchestrator{
		providers: providers,
		emitters:  emitters,
		augmenter: augmenter,
		storage:   storage,
		config:    config,
	}
}

// Start validates the request, persists the user turn synchronously, and
// launches the streaming task. It returns the emitter handle the transport
// layer consumes events from. Validation and user-turn persistence failures
// are returned synchronously; after Start returns, all failures surface as
// terminal Error events on the handle.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*emitter.Handle, error) {
	if req.ConversationId <= 0 {
		return nil, ErrInvalidConversationId
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}

	// The user turn is made durable before any network call so it survives
	// a failed model call. This is the one persistence step fatal to the
	// turn before anything streams.
	userTurn := domain.Message{
		ConversationId: req.ConversationId,
		Role:           domain.MessageRoleUser,
		Content:        req.Message,
	}
	if err := o.storage.SaveMessage(ctx, &userTurn); err != nil {
		return nil, fmt.Errorf("failed to persist user turn: %w", err)
	}

	go o.generateTitleIfNeeded(req.ConversationId, req.Message)

	handle := o.emitters.Create(req.ConversationId)

	go o.run(handle, req)

	return handle, nil
}

// run is the top-level streaming task. It never panics through and never
// lets a downstream failure escape: every path ends in a terminal state with
// the handle cleaned up.
func (o *Orchestrator) run(handle *emitter.Handle, req StartRequest) {
	log := zlog.With().
		Int64("conversationId", req.ConversationId).
		Str("sessionId", handle.SessionId).
		Logger()

	state := StateIdle
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Msg("streaming task panicked")
			o.emitters.PublishTo(handle, chat.NewError(req.ConversationId, msgUpstreamFailed))
		}
		o.emitters.Remove(handle)
		log.Debug().Str("state", string(state)).Msg("streaming task finished")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), o.config.Streaming.ResponseTimeout())
	defer cancel()
	// Registry timeout or client disconnect cancels the upstream stream.
	handle.OnClose(cancel)

	selection, err := o.providers.Select(req.Provider, req.Model)
	if err != nil {
		log.Warn().Err(err).Msg("provider selection failed")
		state = StateErrored
		o.emitters.PublishTo(handle, chat.NewError(req.ConversationId, msgNoProvider))
		return
	}
	log.Info().
		Str("provider", selection.ProviderName).
		Str("model", selection.Model).
		Bool("search", req.SearchEnabled).
		Bool("deepThinking", req.DeepThinking).
		Msg("chat turn started")

	searching := req.SearchEnabled && search.ShouldSearch(req.Message)
	if searching {
		o.emitters.PublishTo(handle, chat.NewStart(req.ConversationId, msgSearchStarting))
	} else {
		o.emitters.PublishTo(handle, chat.NewStart(req.ConversationId, msgProcessing))
	}

	var augmentation search.Augmentation
	if searching {
		state = StateSearching
		augmentation = o.augmenter.Augment(ctx, req.Message, true)
		if len(augmentation.Results) > 0 {
			if len(augmentation.CitableResults) > 0 {
				o.emitters.PublishTo(handle, chat.NewSearchResults(req.ConversationId, augmentation.CitableResults))
			}
			o.emitters.PublishTo(handle, chat.NewSearch(req.ConversationId, searchStatusDone))
		}
	}

	turns, err := o.buildTurns(ctx, req, augmentation.Context)
	if err != nil {
		log.Error().Err(err).Msg("failed to load conversation history")
		state = StateErrored
		o.emitters.PublishTo(handle, chat.NewError(req.ConversationId, msgUpstreamFailed))
		return
	}

	draftId, err := o.createAssistantDraft(ctx, req.ConversationId, augmentation.Results)
	if err != nil {
		log.Error().Err(err).Msg("failed to create assistant draft")
		state = StateErrored
		o.emitters.PublishTo(handle, chat.NewError(req.ConversationId, msgPersistFailed))
		return
	}

	state = StateStreaming
	response, err := o.streamFromProvider(ctx, handle, req, selection, turns, draftId)
	if err != nil {
		if ctx.Err() != nil {
			state = StateCancelled
			log.Info().Msg("streaming turn cancelled")
		} else {
			state = StateErrored
			log.Error().Err(err).Msg("upstream stream failed")
			o.emitters.PublishTo(handle, chat.NewError(req.ConversationId, msgUpstreamFailed))
		}
		// The draft never got real content; leaving it would surface an
		// empty assistant turn in the history.
		o.deleteDraft(req.ConversationId, draftId)
		return
	}

	state = StatePersisting
	content, reasoning := response.Content, response.Reasoning
	if reasoning == "" {
		content, reasoning = ExtractThinking(content)
	}
	if err := o.storage.UpdateMessageContent(ctx, draftId, content, reasoning); err != nil {
		// Already-streamed content stands, but there is no message id worth
		// reporting, so End is skipped in favor of Error.
		state = StateErrored
		log.Error().Err(err).Int64("messageId", draftId).Msg("failed to persist assistant turn")
		o.emitters.PublishTo(handle, chat.NewError(req.ConversationId, msgPersistFailed))
		return
	}

	if reasoning != "" {
		o.emitters.PublishTo(handle, chat.NewThinking(req.ConversationId, draftId, reasoning))
	}

	state = StateCompleted
	o.emitters.PublishTo(handle, chat.NewEnd(req.ConversationId, draftId))
	log.Info().Int64("messageId", draftId).Str("stopReason", response.StopReason).Msg("chat turn completed")
}

// streamFromProvider runs the provider call on its own goroutine and relays
// normalized chunks to the conversation's event channel, stopping early when
// the session dies.
func (o *Orchestrator) streamFromProvider(ctx context.Context, handle *emitter.Handle, req StartRequest, selection llm.Selection, turns []llm.Turn, draftId int64) (*llm.FinalResponse, error) {
	temperature := o.config.Defaults.Temperature
	maxTokens := o.config.Defaults.MaxTokens
	if _, modelConfig, ok := o.config.GetModel(selection.Model); ok {
		if modelConfig.Temperature != nil {
			temperature = *modelConfig.Temperature
		}
		if modelConfig.MaxTokens > 0 {
			maxTokens = modelConfig.MaxTokens
		}
	}

	streamReq := llm.StreamRequest{
		Provider:        selection.ProviderName,
		Model:           selection.Model,
		Turns:           turns,
		MaxTokens:       maxTokens,
		EnableReasoning: req.DeepThinking && o.providers.SupportsReasoning(selection.Model),
	}
	if temperature > 0 {
		streamReq.Temperature = &temperature
	}
	if o.providers.SingleTurn(selection.Model) {
		streamReq.Turns = []llm.Turn{{Role: domain.MessageRoleUser, Content: llm.FlattenTurns(turns)}}
	}

	// Models without incremental output still stream upstream, but the
	// client sees the whole response as one chunk after completion.
	streamingEnabled := o.providers.SupportsStreaming(selection.Model)

	chunkChan := make(chan llm.Chunk, 64)
	type streamResult struct {
		response *llm.FinalResponse
		err      error
	}
	resultChan := make(chan streamResult, 1)

	go func() {
		response, err := selection.Provider.Stream(ctx, streamReq, chunkChan)
		resultChan <- streamResult{response, err}
	}()

	for {
		select {
		case chunk := <-chunkChan:
			if chunk.ContentDelta == "" || !streamingEnabled {
				continue
			}
			// Publishes are scoped to this session's handle; once it is
			// superseded or gone there is no point consuming further
			// upstream output.
			if !o.emitters.PublishTo(handle, chat.NewChunk(req.ConversationId, draftId, chunk.ContentDelta)) {
				return nil, context.Canceled
			}

		case result := <-resultChan:
			// Drain chunks that raced with stream completion.
			drained := false
			for !drained {
				select {
				case chunk := <-chunkChan:
					if chunk.ContentDelta == "" || !streamingEnabled {
						continue
					}
					o.emitters.PublishTo(handle, chat.NewChunk(req.ConversationId, draftId, chunk.ContentDelta))
				default:
					drained = true
				}
			}
			if !streamingEnabled && result.err == nil && result.response != nil && result.response.Content != "" {
				o.emitters.PublishTo(handle, chat.NewChunk(req.ConversationId, draftId, result.response.Content))
			}
			return result.response, result.err
		}
	}
}

// buildTurns assembles the provider prompt: system prompt, prior history
// (which already includes the just-persisted user turn), and the search
// context folded into the final user turn.
func (o *Orchestrator) buildTurns(ctx context.Context, req StartRequest, searchContext string) ([]llm.Turn, error) {
	history, err := o.storage.GetMessages(ctx, req.ConversationId)
	if err != nil {
		return nil, err
	}

	turns := make([]llm.Turn, 0, len(history)+1)
	turns = append(turns, llm.Turn{Role: domain.MessageRoleSystem, Content: systemPrompt})
	for _, message := range history {
		turns = append(turns, llm.Turn{Role: message.Role, Content: message.Content})
	}

	if searchContext != "" && len(turns) > 1 {
		last := &turns[len(turns)-1]
		last.Content = searchContext + "\n\n" + last.Content
	}

	return turns, nil
}

func (o *Orchestrator) createAssistantDraft(ctx context.Context, conversationId int64, results []domain.SearchResult) (int64, error) {
	draft := domain.Message{
		ConversationId: conversationId,
		Role:           domain.MessageRoleAssistant,
		Content:        draftPlaceholder,
	}
	if len(results) > 0 {
		if summary, err := json.Marshal(results); err == nil {
			draft.SearchSummary = string(summary)
		}
	}
	if err := o.storage.SaveMessage(ctx, &draft); err != nil {
		return 0, err
	}
	return draft.Id, nil
}

func (o *Orchestrator) deleteDraft(conversationId, draftId int64) {
	// Cleanup runs on a fresh context: the turn's context may already be
	// cancelled or timed out.
	ctx, cancel := context.WithTimeout(context.Background(), o.config.Streaming.IdleTimeout())
	defer cancel()
	if err := o.storage.DeleteMessage(ctx, draftId); err != nil {
		zlog.Warn().Err(err).Int64("conversationId", conversationId).Int64("messageId", draftId).Msg("failed to clean up draft message")
	}
}

// generateTitleIfNeeded sets the conversation title from the first user
// message. Best effort; never blocks or fails the turn.
func (o *Orchestrator) generateTitleIfNeeded(conversationId int64, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.config.Streaming.IdleTimeout())
	defer cancel()

	conversation, err := o.storage.GetConversation(ctx, conversationId)
	if err != nil || conversation.Title != "" {
		return
	}

	title := strings.TrimSpace(message)
	runes := []rune(title)
	if len(runes) > maxTitleRunes {
		title = string(runes[:maxTitleRunes])
	}
	if err := o.storage.UpdateConversationTitle(ctx, conversationId, title); err != nil {
		zlog.Warn().Err(err).Int64("conversationId", conversationId).Msg("failed to set conversation title")
	}
}
