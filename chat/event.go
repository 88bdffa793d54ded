package chat

import (
	"encoding/json"
	"fmt"

	"streamchat/domain"
)

// EventType represents the different types of chat stream events.
type EventType string

const (
	StartEventType         EventType = "start"
	ChunkEventType         EventType = "chunk"
	ThinkingEventType      EventType = "thinking"
	SearchEventType        EventType = "search"
	SearchResultsEventType EventType = "search_results"
	EndEventType           EventType = "end"
	ErrorEventType         EventType = "error"
)

// Event is an interface representing one event on a conversation's stream.
// Per-session ordering is: start, [search_results]?, chunk*, (end | error).
type Event interface {
	GetConversationId() int64
	GetEventType() EventType
}

// Start is emitted once, before any model output.
type Start struct {
	EventType      EventType `json:"eventType"`
	ConversationId int64     `json:"conversationId"`
	Message        string    `json:"message"`
}

func (e Start) GetConversationId() int64 { return e.ConversationId }
func (e Start) GetEventType() EventType  { return e.EventType }

var _ Event = Start{}

// Chunk carries an incremental fragment of the assistant's response text.
// Concatenating chunk texts in emission order reproduces the full response.
type Chunk struct {
	EventType      EventType `json:"eventType"`
	ConversationId int64     `json:"conversationId"`
	MessageId      int64     `json:"messageId,omitempty"`
	Text           string    `json:"text"`
}

func (e Chunk) GetConversationId() int64 { return e.ConversationId }
func (e Chunk) GetEventType() EventType  { return e.EventType }

var _ Event = Chunk{}

// Thinking carries the model's extended reasoning trace, delivered once after
// the assistant turn is persisted rather than streamed delta by delta.
type Thinking struct {
	EventType      EventType `json:"eventType"`
	ConversationId int64     `json:"conversationId"`
	MessageId      int64     `json:"messageId,omitempty"`
	Text           string    `json:"text"`
}

func (e Thinking) GetConversationId() int64 { return e.ConversationId }
func (e Thinking) GetEventType() EventType  { return e.EventType }

var _ Event = Thinking{}

// Search marks a search lifecycle transition, eg status "complete".
type Search struct {
	EventType      EventType `json:"eventType"`
	ConversationId int64     `json:"conversationId"`
	Status         string    `json:"status"`
}

func (e Search) GetConversationId() int64 { return e.ConversationId }
func (e Search) GetEventType() EventType  { return e.EventType }

var _ Event = Search{}

// SearchResults carries structured search hits for the client UI. Emitted at
// most once per session, always before the first chunk.
type SearchResults struct {
	EventType      EventType             `json:"eventType"`
	ConversationId int64                 `json:"conversationId"`
	Results        []domain.SearchResult `json:"results"`
}

func (e SearchResults) GetConversationId() int64 { return e.ConversationId }
func (e SearchResults) GetEventType() EventType  { return e.EventType }

var _ Event = SearchResults{}

// End is emitted exactly once on success and carries the persisted assistant
// message id. No events follow it.
type End struct {
	EventType      EventType `json:"eventType"`
	ConversationId int64     `json:"conversationId"`
	MessageId      int64     `json:"messageId"`
}

func (e End) GetConversationId() int64 { return e.ConversationId }
func (e End) GetEventType() EventType  { return e.EventType }

var _ Event = End{}

// Error is terminal; the message is sanitized for client display. No events
// follow it.
type Error struct {
	EventType      EventType `json:"eventType"`
	ConversationId int64     `json:"conversationId"`
	Message        string    `json:"message"`
}

func (e Error) GetConversationId() int64 { return e.ConversationId }
func (e Error) GetEventType() EventType  { return e.EventType }

var _ Event = Error{}

// NewStart et al build events with the type tag filled in.
func NewStart(conversationId int64, message string) Start {
	return Start{EventType: StartEventType, ConversationId: conversationId, Message: message}
}

func NewChunk(conversationId, messageId int64, text string) Chunk {
	return Chunk{EventType: ChunkEventType, ConversationId: conversationId, MessageId: messageId, Text: text}
}

func NewThinking(conversationId, messageId int64, text string) Thinking {
	return Thinking{EventType: ThinkingEventType, ConversationId: conversationId, MessageId: messageId, Text: text}
}

func NewSearch(conversationId int64, status string) Search {
	return Search{EventType: SearchEventType, ConversationId: conversationId, Status: status}
}

func NewSearchResults(conversationId int64, results []domain.SearchResult) SearchResults {
	return SearchResults{EventType: SearchResultsEventType, ConversationId: conversationId, Results: results}
}

func NewEnd(conversationId, messageId int64) End {
	return End{EventType: EndEventType, ConversationId: conversationId, MessageId: messageId}
}

func NewError(conversationId int64, message string) Error {
	return Error{EventType: ErrorEventType, ConversationId: conversationId, Message: message}
}

// Terminal reports whether no further events may follow the given event.
func Terminal(e Event) bool {
	t := e.GetEventType()
	return t == EndEventType || t == ErrorEventType
}

// UnmarshalEvent unmarshals a JSON byte slice into an Event based on the
// "eventType" field.
func UnmarshalEvent(data []byte) (Event, error) {
	var probe struct {
		EventType EventType `json:"eventType"`
	}

	err := json.Unmarshal(data, &probe)
	if err != nil {
		return nil, err
	}

	switch probe.EventType {
	case StartEventType:
		var event Start
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, err
		}
		return event, nil

	case ChunkEventType:
		var event Chunk
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, err
		}
		return event, nil

	case ThinkingEventType:
		var event Thinking
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, err
		}
		return event, nil

	case SearchEventType:
		var event Search
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, err
		}
		return event, nil

	case SearchResultsEventType:
		var event SearchResults
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, err
		}
		return event, nil

	case EndEventType:
		var event End
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, err
		}
		return event, nil

	case ErrorEventType:
		var event Error
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, err
		}
		return event, nil

	default:
		return nil, fmt.Errorf("unknown chat eventType: %s", probe.EventType)
	}
}
