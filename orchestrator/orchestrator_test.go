package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"streamchat/chat"
	"streamchat/common"
	"streamchat/domain"
	"streamchat/emitter"
	"streamchat/llm"
	"streamchat/search"
	"streamchat/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStorage struct {
	mu                sync.Mutex
	conversations     map[int64]domain.Conversation
	messages          []*domain.Message
	nextMessageId     int64
	failUserSave      bool
	failAssistantSave bool
	failUpdateContent bool
	holdUpdateContent chan struct{} // first UpdateMessageContent call blocks on this
	updateCalls       int
}

var _ store.Storage = (*fakeStorage)(nil)

func newFakeStorage() *fakeStorage {
	return &fakeStorage{conversations: map[int64]domain.Conversation{
		1: {Id: 1, UserId: 10},
	}}
}

func (f *fakeStorage) CheckConnection(ctx context.Context) error { return nil }
func (f *fakeStorage) Close() error                              { return nil }

func (f *fakeStorage) PersistConversation(ctx context.Context, conversation *domain.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conversation.Id == 0 {
		conversation.Id = int64(len(f.conversations) + 1)
	}
	f.conversations[conversation.Id] = *conversation
	return nil
}

func (f *fakeStorage) GetConversation(ctx context.Context, conversationId int64) (domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conversation, ok := f.conversations[conversationId]
	if !ok {
		return domain.Conversation{}, store.ErrNotFound
	}
	return conversation, nil
}

func (f *fakeStorage) GetConversations(ctx context.Context, userId int64) ([]domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Conversation
	for _, c := range f.conversations {
		if c.UserId == userId {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStorage) UpdateConversationTitle(ctx context.Context, conversationId int64, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conversation, ok := f.conversations[conversationId]
	if !ok {
		return store.ErrNotFound
	}
	conversation.Title = title
	f.conversations[conversationId] = conversation
	return nil
}

func (f *fakeStorage) DeleteConversation(ctx context.Context, conversationId int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conversations, conversationId)
	return nil
}

func (f *fakeStorage) SaveMessage(ctx context.Context, message *domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if message.Role == domain.MessageRoleUser && f.failUserSave {
		return errors.New("user save failed")
	}
	if message.Role == domain.MessageRoleAssistant && f.failAssistantSave {
		return errors.New("assistant save failed")
	}
	f.nextMessageId++
	message.Id = f.nextMessageId
	saved := *message
	f.messages = append(f.messages, &saved)
	return nil
}

func (f *fakeStorage) GetMessage(ctx context.Context, messageId int64) (domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.Id == messageId {
			return *m, nil
		}
	}
	return domain.Message{}, store.ErrNotFound
}

func (f *fakeStorage) GetMessages(ctx context.Context, conversationId int64) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Message
	for _, m := range f.messages {
		if m.ConversationId == conversationId {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeStorage) UpdateMessageContent(ctx context.Context, messageId int64, content, reasoning string) error {
	f.mu.Lock()
	f.updateCalls++
	gate := f.holdUpdateContent
	f.holdUpdateContent = nil
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdateContent {
		return errors.New("update failed")
	}
	for _, m := range f.messages {
		if m.Id == messageId {
			m.Content = content
			m.Reasoning = reasoning
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStorage) DeleteMessage(ctx context.Context, messageId int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.messages {
		if m.Id == messageId {
			f.messages = append(f.messages[:i], f.messages[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeStorage) messageSnapshot(conversationId int64) []domain.Message {
	messages, _ := f.GetMessages(context.Background(), conversationId)
	return messages
}

func (f *fakeStorage) updateContentCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateCalls
}

type stubSearcher struct {
	results []domain.SearchResult
	err     error
}

func (s *stubSearcher) Search(ctx context.Context, query string) ([]domain.SearchResult, error) {
	return s.results, s.err
}

func (s *stubSearcher) Available() bool { return true }

// streamBackend is an upstream fake speaking the OpenAI-flavored SSE dialect.
type streamBackend struct {
	deltas    []string
	failAfter int // fail mid-stream after this many deltas; 0 means no failure
	block     chan struct{}
}

func (b *streamBackend) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		if b.block != nil {
			flusher.Flush()
			<-b.block
		}

		for i, delta := range b.deltas {
			if b.failAfter > 0 && i == b.failAfter {
				fmt.Fprint(w, "data: {malformed\n\n")
				flusher.Flush()
				return
			}
			payload, err := json.Marshal(map[string]any{
				"choices": []map[string]any{
					{"delta": map[string]any{"content": delta}},
				},
			})
			require.NoError(t, err)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}
}

func newTestOrchestrator(t *testing.T, baseURL string, searcher search.Searcher) (*Orchestrator, *fakeStorage, *emitter.Registry) {
	t.Helper()
	config := common.Config{
		Providers: []common.ProviderConfig{
			{
				Name:         "greatwall",
				ProviderType: "greatwall",
				Enabled:      true,
				BaseURL:      baseURL,
				Key:          "gw-token",
				DefaultModel: "gw-large",
				Models:       []common.ModelConfig{{Name: "gw-large"}},
			},
		},
		Defaults: common.DefaultsConfig{MaxTokens: 1024},
	}

	providers, err := llm.NewRegistry(config)
	require.NoError(t, err)

	storage := newFakeStorage()
	emitters := emitter.NewRegistry(time.Minute)
	augmenter := search.NewAugmenter(searcher, time.Second)
	return New(providers, emitters, augmenter, storage, config), storage, emitters
}

func collectEvents(t *testing.T, handle *emitter.Handle) []chat.Event {
	t.Helper()
	var events []chat.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case event := <-handle.Events():
			events = append(events, event)
		case <-handle.Done():
			for {
				select {
				case event := <-handle.Events():
					events = append(events, event)
				default:
					return events
				}
			}
		case <-timeout:
			t.Fatal("timed out waiting for stream events")
		}
	}
}

func eventTypes(events []chat.Event) []chat.EventType {
	types := make([]chat.EventType, len(events))
	for i, e := range events {
		types[i] = e.GetEventType()
	}
	return types
}

func TestStartValidation(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, "http://unused.example.com", &stubSearcher{})

	_, err := o.Start(context.Background(), StartRequest{ConversationId: 0, Message: "hi"})
	assert.ErrorIs(t, err, ErrInvalidConversationId)

	_, err = o.Start(context.Background(), StartRequest{ConversationId: 1, Message: "  "})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestStartUserPersistFailure(t *testing.T) {
	o, storage, emitters := newTestOrchestrator(t, "http://unused.example.com", &stubSearcher{})
	storage.failUserSave = true

	_, err := o.Start(context.Background(), StartRequest{ConversationId: 1, Message: "hello"})
	require.Error(t, err)

	// No stream session was created for the failed turn.
	emitters.Publish(1, chat.NewChunk(1, 1, "ghost"))
	assert.Empty(t, storage.messageSnapshot(1))
}

func TestStreamingTurnHappyPath(t *testing.T) {
	backend := &streamBackend{deltas: []string{"你好", "，", "世界"}}
	server := httptest.NewServer(backend.handler(t))
	defer server.Close()

	o, storage, _ := newTestOrchestrator(t, server.URL, &stubSearcher{})

	handle, err := o.Start(context.Background(), StartRequest{ConversationId: 1, Message: "打个招呼"})
	require.NoError(t, err)

	events := collectEvents(t, handle)
	require.GreaterOrEqual(t, len(events), 3)

	start, ok := events[0].(chat.Start)
	require.True(t, ok)
	assert.Equal(t, "processing", start.Message)

	end, ok := events[len(events)-1].(chat.End)
	require.True(t, ok)

	var streamed string
	for _, event := range events[1 : len(events)-1] {
		chunk, ok := event.(chat.Chunk)
		require.True(t, ok, "only chunks may appear between start and end")
		streamed += chunk.Text
	}
	assert.Equal(t, "你好，世界", streamed)

	messages := storage.messageSnapshot(1)
	require.Len(t, messages, 2)
	assert.Equal(t, domain.MessageRoleUser, messages[0].Role)
	assert.Equal(t, "打个招呼", messages[0].Content)
	assert.Equal(t, domain.MessageRoleAssistant, messages[1].Role)
	assert.Equal(t, "你好，世界", messages[1].Content)
	assert.Equal(t, end.MessageId, messages[1].Id)

	// The first user message becomes the conversation title.
	require.Eventually(t, func() bool {
		conversation, err := storage.GetConversation(context.Background(), 1)
		return err == nil && conversation.Title == "打个招呼"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamingTurnWithSearch(t *testing.T) {
	backend := &streamBackend{deltas: []string{"answer"}}
	server := httptest.NewServer(backend.handler(t))
	defer server.Close()

	searcher := &stubSearcher{results: []domain.SearchResult{
		{Title: "AI 摘要", AiSummary: "synthesized"},
		{Title: "Go Blog", Url: "https://go.dev/blog", Snippet: "notes"},
	}}
	o, storage, _ := newTestOrchestrator(t, server.URL, searcher)

	handle, err := o.Start(context.Background(), StartRequest{
		ConversationId: 1,
		Message:        "go news",
		SearchEnabled:  true,
	})
	require.NoError(t, err)

	events := collectEvents(t, handle)
	types := eventTypes(events)
	assert.Equal(t, []chat.EventType{
		chat.StartEventType,
		chat.SearchResultsEventType,
		chat.SearchEventType,
		chat.ChunkEventType,
		chat.EndEventType,
	}, types)

	start := events[0].(chat.Start)
	assert.Equal(t, "开始搜索最新信息...", start.Message)

	// Only http(s) results reach the client.
	searchResults := events[1].(chat.SearchResults)
	require.Len(t, searchResults.Results, 1)
	assert.Equal(t, "Go Blog", searchResults.Results[0].Title)

	assert.Equal(t, "complete", events[2].(chat.Search).Status)

	// The assistant turn carries the full search snapshot, summary included.
	messages := storage.messageSnapshot(1)
	require.Len(t, messages, 2)
	var snapshot []domain.SearchResult
	require.NoError(t, json.Unmarshal([]byte(messages[1].SearchSummary), &snapshot))
	assert.Len(t, snapshot, 2)
}

func TestStreamingTurnSearchFailureDegrades(t *testing.T) {
	backend := &streamBackend{deltas: []string{"still works"}}
	server := httptest.NewServer(backend.handler(t))
	defer server.Close()

	searcher := &stubSearcher{err: errors.New("search down")}
	o, _, _ := newTestOrchestrator(t, server.URL, searcher)

	handle, err := o.Start(context.Background(), StartRequest{
		ConversationId: 1,
		Message:        "go news",
		SearchEnabled:  true,
	})
	require.NoError(t, err)

	events := collectEvents(t, handle)
	types := eventTypes(events)
	assert.Equal(t, []chat.EventType{
		chat.StartEventType,
		chat.ChunkEventType,
		chat.EndEventType,
	}, types)
}

func TestStreamingTurnUpstreamFailureMidStream(t *testing.T) {
	backend := &streamBackend{deltas: []string{"a", "b", "c", "d"}, failAfter: 3}
	server := httptest.NewServer(backend.handler(t))
	defer server.Close()

	o, storage, _ := newTestOrchestrator(t, server.URL, &stubSearcher{})

	handle, err := o.Start(context.Background(), StartRequest{ConversationId: 1, Message: "hello"})
	require.NoError(t, err)

	events := collectEvents(t, handle)
	require.NotEmpty(t, events)
	errEvent, ok := events[len(events)-1].(chat.Error)
	require.True(t, ok, "stream must end with a terminal error")
	assert.Equal(t, "AI响应生成失败，请稍后重试", errEvent.Message)

	// The draft assistant turn was cleaned up; only the user turn remains.
	require.Eventually(t, func() bool {
		messages := storage.messageSnapshot(1)
		return len(messages) == 1 && messages[0].Role == domain.MessageRoleUser
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamingTurnNoProviderAvailable(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, "http://unused.example.com", &stubSearcher{})

	handle, err := o.Start(context.Background(), StartRequest{
		ConversationId: 1,
		Message:        "hello",
		Provider:       "missing-provider",
	})
	require.NoError(t, err)

	events := collectEvents(t, handle)
	require.Len(t, events, 1)
	errEvent, ok := events[0].(chat.Error)
	require.True(t, ok)
	assert.Equal(t, "AI服务暂时不可用，请稍后重试", errEvent.Message)
}

func TestStreamingTurnPersistFailureAfterStream(t *testing.T) {
	backend := &streamBackend{deltas: []string{"content"}}
	server := httptest.NewServer(backend.handler(t))
	defer server.Close()

	o, storage, _ := newTestOrchestrator(t, server.URL, &stubSearcher{})
	storage.failUpdateContent = true

	handle, err := o.Start(context.Background(), StartRequest{ConversationId: 1, Message: "hello"})
	require.NoError(t, err)

	events := collectEvents(t, handle)
	errEvent, ok := events[len(events)-1].(chat.Error)
	require.True(t, ok)
	assert.Equal(t, "消息保存失败，请稍后重试", errEvent.Message)
}

func TestStreamingTurnExtractsInlineThinking(t *testing.T) {
	backend := &streamBackend{deltas: []string{"<think>reasoning here</think>", "the answer"}}
	server := httptest.NewServer(backend.handler(t))
	defer server.Close()

	o, storage, _ := newTestOrchestrator(t, server.URL, &stubSearcher{})

	handle, err := o.Start(context.Background(), StartRequest{ConversationId: 1, Message: "why"})
	require.NoError(t, err)

	events := collectEvents(t, handle)
	types := eventTypes(events)
	require.Contains(t, types, chat.ThinkingEventType)

	var thinking chat.Thinking
	for _, event := range events {
		if th, ok := event.(chat.Thinking); ok {
			thinking = th
		}
	}
	assert.Equal(t, "reasoning here", thinking.Text)

	// Thinking precedes the terminal end event.
	assert.Equal(t, chat.EndEventType, types[len(types)-1])

	messages := storage.messageSnapshot(1)
	require.Len(t, messages, 2)
	assert.Equal(t, "the answer", messages[1].Content)
	assert.Equal(t, "reasoning here", messages[1].Reasoning)
}

func TestConcurrentStartSupersedesFirstSession(t *testing.T) {
	release := make(chan struct{})
	blocked := &streamBackend{deltas: []string{"late"}, block: release}
	fast := &streamBackend{deltas: []string{"fresh"}}

	// Routed by prompt content rather than dial order: only the second
	// turn's request carries "second", and the first turn may never dial at
	// all once it has been superseded.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		if bytes.Contains(body, []byte("second")) {
			fast.handler(t)(w, r)
		} else {
			blocked.handler(t)(w, r)
		}
	}))
	defer server.Close()
	defer close(release)

	o, _, _ := newTestOrchestrator(t, server.URL, &stubSearcher{})

	firstHandle, err := o.Start(context.Background(), StartRequest{ConversationId: 1, Message: "first"})
	require.NoError(t, err)

	// Wait for the first turn to get underway.
	select {
	case event := <-firstHandle.Events():
		require.Equal(t, chat.StartEventType, event.GetEventType())
	case <-time.After(2 * time.Second):
		t.Fatal("first turn never started")
	}

	secondHandle, err := o.Start(context.Background(), StartRequest{ConversationId: 1, Message: "second"})
	require.NoError(t, err)

	// The first session ends with the superseded marker.
	firstEvents := collectEvents(t, firstHandle)
	require.NotEmpty(t, firstEvents)
	errEvent, ok := firstEvents[len(firstEvents)-1].(chat.Error)
	require.True(t, ok)
	assert.Equal(t, emitter.SupersededMessage, errEvent.Message)

	// The second session streams to completion untouched.
	secondEvents := collectEvents(t, secondHandle)
	types := eventTypes(secondEvents)
	require.NotEmpty(t, types)
	assert.Equal(t, chat.EndEventType, types[len(types)-1])
}

func TestSupersededSessionEventsDoNotReachReplacement(t *testing.T) {
	gate := make(chan struct{})
	releaseSecond := make(chan struct{})
	releaseOnce := sync.OnceFunc(func() { close(releaseSecond) })
	staleBackend := &streamBackend{deltas: []string{"stale"}}
	freshBackend := &streamBackend{deltas: []string{"fresh"}, block: releaseSecond}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		if bytes.Contains(body, []byte("second")) {
			freshBackend.handler(t)(w, r)
		} else {
			staleBackend.handler(t)(w, r)
		}
	}))
	defer server.Close()
	defer releaseOnce()

	o, storage, _ := newTestOrchestrator(t, server.URL, &stubSearcher{})
	storage.holdUpdateContent = gate

	firstHandle, err := o.Start(context.Background(), StartRequest{ConversationId: 1, Message: "first"})
	require.NoError(t, err)

	// The first turn streams fully, then parks inside the persistence call.
	require.Eventually(t, func() bool {
		return storage.updateContentCalls() == 1
	}, 2*time.Second, 5*time.Millisecond)

	secondHandle, err := o.Start(context.Background(), StartRequest{ConversationId: 1, Message: "second"})
	require.NoError(t, err)

	// Release the first session: its end-of-turn events are now stale and
	// must be dropped, not delivered into the replacement's channel.
	close(gate)
	require.Eventually(t, func() bool {
		for _, m := range storage.messageSnapshot(1) {
			if m.Content == "stale" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case <-secondHandle.Done():
		t.Fatal("replacement session was closed by the superseded session's events")
	case <-time.After(200 * time.Millisecond):
	}

	firstEvents := collectEvents(t, firstHandle)
	require.NotEmpty(t, firstEvents)
	errEvent, ok := firstEvents[len(firstEvents)-1].(chat.Error)
	require.True(t, ok)
	assert.Equal(t, emitter.SupersededMessage, errEvent.Message)

	releaseOnce()
	secondEvents := collectEvents(t, secondHandle)
	types := eventTypes(secondEvents)
	require.NotEmpty(t, types)
	assert.Equal(t, chat.EndEventType, types[len(types)-1])

	// The replacement's end event reports its own assistant turn, not the
	// superseded session's.
	var freshId int64
	for _, m := range storage.messageSnapshot(1) {
		if m.Content == "fresh" {
			freshId = m.Id
		}
	}
	require.NotZero(t, freshId)
	end := secondEvents[len(secondEvents)-1].(chat.End)
	assert.Equal(t, freshId, end.MessageId)
}

func TestNonStreamingModelDeliversSingleChunk(t *testing.T) {
	backend := &streamBackend{deltas: []string{"one ", "whole ", "answer"}}
	server := httptest.NewServer(backend.handler(t))
	defer server.Close()

	streaming := false
	config := common.Config{
		Providers: []common.ProviderConfig{
			{
				Name:         "greatwall",
				ProviderType: "greatwall",
				Enabled:      true,
				BaseURL:      server.URL,
				Key:          "gw-token",
				DefaultModel: "gw-batch",
				Models:       []common.ModelConfig{{Name: "gw-batch", Streaming: &streaming}},
			},
		},
		Defaults: common.DefaultsConfig{MaxTokens: 1024},
	}
	providers, err := llm.NewRegistry(config)
	require.NoError(t, err)
	storage := newFakeStorage()
	emitters := emitter.NewRegistry(time.Minute)
	o := New(providers, emitters, search.NewAugmenter(&stubSearcher{}, time.Second), storage, config)

	handle, err := o.Start(context.Background(), StartRequest{ConversationId: 1, Message: "hello"})
	require.NoError(t, err)

	events := collectEvents(t, handle)
	types := eventTypes(events)
	assert.Equal(t, []chat.EventType{
		chat.StartEventType,
		chat.ChunkEventType,
		chat.EndEventType,
	}, types)
	assert.Equal(t, "one whole answer", events[1].(chat.Chunk).Text)

	messages := storage.messageSnapshot(1)
	require.Len(t, messages, 2)
	assert.Equal(t, "one whole answer", messages[1].Content)
}
