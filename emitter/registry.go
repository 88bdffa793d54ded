// Package emitter owns the live output channel for each streaming
// conversation. It enforces the single-active-session invariant: creating a
// handle for a conversation that already has one supersedes the old handle,
// and a superseded or timed-out handle can never clobber its replacement
// thanks to per-handle generation tokens.
package emitter

import (
	"sync"
	"time"

	"streamchat/chat"

	"github.com/segmentio/ksuid"
	zlog "github.com/rs/zerolog/log"
)

// SupersededMessage is delivered to a client whose session was replaced by a
// newer stream for the same conversation.
const SupersededMessage = "superseded"

const eventBufferSize = 256

// Handle represents one client's open stream for one conversation. Events
// are consumed from Events(); Done() closes when the session ends for any
// reason. The events channel is never closed, so consumers must select on
// Done().
type Handle struct {
	ConversationId int64
	SessionId      string
	Created        time.Time

	generation uint64
	events     chan chat.Event
	done       chan struct{}

	mu        sync.Mutex
	closed    bool
	cancelFns []func()
}

// Events returns the single-consumer event channel for this session.
func (h *Handle) Events() <-chan chat.Event {
	return h.events
}

// Done closes when the handle has been removed from the registry.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// OnClose registers a function invoked exactly once when the handle closes.
// Used to wire cancellation down to the provider stream. If the handle is
// already closed the function runs immediately.
func (h *Handle) OnClose(fn func()) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		fn()
		return
	}
	h.cancelFns = append(h.cancelFns, fn)
	h.mu.Unlock()
}

func (h *Handle) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	fns := h.cancelFns
	h.cancelFns = nil
	h.mu.Unlock()

	close(h.done)
	for _, fn := range fns {
		fn()
	}
}

// trySend delivers without blocking; a full buffer or closed session counts
// as failure.
func (h *Handle) trySend(event chat.Event) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.events <- event:
		return true
	default:
		return false
	}
}

// Registry maps conversation ids to their single live handle.
type Registry struct {
	mu             sync.Mutex
	handles        map[int64]*Handle
	nextGeneration uint64
	idleTimeout    time.Duration
	timers         map[int64]*time.Timer
}

func NewRegistry(idleTimeout time.Duration) *Registry {
	return &Registry{
		handles:     make(map[int64]*Handle),
		timers:      make(map[int64]*time.Timer),
		idleTimeout: idleTimeout,
	}
}

// Create registers a new handle for the conversation. Any existing handle is
// superseded: it receives a terminal error event (best effort) and its close
// hooks fire, but the new handle is untouched by the old one's cleanup.
func (r *Registry) Create(conversationId int64) *Handle {
	r.mu.Lock()

	if old, ok := r.handles[conversationId]; ok {
		old.trySend(chat.NewError(conversationId, SupersededMessage))
		r.dropLocked(conversationId, old)
		zlog.Info().Int64("conversationId", conversationId).Str("sessionId", old.SessionId).Msg("stream session superseded")
	}

	r.nextGeneration++
	handle := &Handle{
		ConversationId: conversationId,
		SessionId:      ksuid.New().String(),
		Created:        time.Now(),
		generation:     r.nextGeneration,
		events:         make(chan chat.Event, eventBufferSize),
		done:           make(chan struct{}),
	}
	r.handles[conversationId] = handle

	generation := handle.generation
	r.timers[conversationId] = time.AfterFunc(r.idleTimeout, func() {
		r.removeGeneration(conversationId, generation, "idle timeout")
	})

	r.mu.Unlock()
	return handle
}

// Publish delivers an event to the conversation's live handle. It is a no-op
// when no handle exists: a vanished client must never fail the orchestrator.
// Delivery failure removes the handle immediately; no retries. Terminal
// events close the handle after delivery.
func (r *Registry) Publish(conversationId int64, event chat.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.handles[conversationId]
	if !ok {
		return
	}
	r.deliverLocked(handle, event)
}

// PublishTo delivers an event through the given handle only while it is still
// the conversation's live handle. A superseded session's publishes are dropped
// rather than landing in the replacement's channel. Returns false once the
// handle is stale or dead, so callers can stop producing.
func (r *Registry) PublishTo(handle *Handle, event chat.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.handles[handle.ConversationId]
	if !ok || current.generation != handle.generation {
		return false
	}
	return r.deliverLocked(handle, event)
}

// deliverLocked must be called with r.mu held and handle the live one.
func (r *Registry) deliverLocked(handle *Handle, event chat.Event) bool {
	if timer, ok := r.timers[handle.ConversationId]; ok {
		timer.Reset(r.idleTimeout)
	}

	if !handle.trySend(event) {
		zlog.Warn().Int64("conversationId", handle.ConversationId).Str("sessionId", handle.SessionId).Msg("event delivery failed, removing handle")
		r.dropLocked(handle.ConversationId, handle)
		return false
	}

	if chat.Terminal(event) {
		r.dropLocked(handle.ConversationId, handle)
	}
	return true
}

// Close removes the conversation's handle, firing its close hooks.
func (r *Registry) Close(conversationId int64) {
	r.mu.Lock()
	if handle, ok := r.handles[conversationId]; ok {
		r.dropLocked(conversationId, handle)
	}
	r.mu.Unlock()
}

// Remove removes the given handle only if it is still the live one, so a
// stale handle (superseded or already replaced) cannot remove its successor.
func (r *Registry) Remove(handle *Handle) {
	r.removeGeneration(handle.ConversationId, handle.generation, "removed")
}

// Active reports whether the given handle is still the conversation's live
// handle.
func (r *Registry) Active(handle *Handle) bool {
	r.mu.Lock()
	current, ok := r.handles[handle.ConversationId]
	r.mu.Unlock()
	return ok && current.generation == handle.generation
}

func (r *Registry) removeGeneration(conversationId int64, generation uint64, reason string) {
	r.mu.Lock()
	handle, ok := r.handles[conversationId]
	if !ok || handle.generation != generation {
		// A newer session owns this conversation now; the stale removal is
		// a no-op.
		r.mu.Unlock()
		return
	}
	zlog.Debug().Int64("conversationId", conversationId).Str("sessionId", handle.SessionId).Str("reason", reason).Msg("removing stream handle")
	r.dropLocked(conversationId, handle)
	r.mu.Unlock()
}

// dropLocked must be called with r.mu held.
func (r *Registry) dropLocked(conversationId int64, handle *Handle) {
	if current, ok := r.handles[conversationId]; ok && current == handle {
		delete(r.handles, conversationId)
		if timer, ok := r.timers[conversationId]; ok {
			timer.Stop()
			delete(r.timers, conversationId)
		}
	}
	handle.close()
}
