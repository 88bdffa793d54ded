package domain

import (
	"context"
	"fmt"
	"time"
)

type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

func StringToMessageRole(s string) (MessageRole, error) {
	switch s {
	case "user":
		return MessageRoleUser, nil
	case "assistant":
		return MessageRoleAssistant, nil
	case "system":
		return MessageRoleSystem, nil
	default:
		return "", fmt.Errorf("invalid message role: %q", s)
	}
}

// Message is a single persisted conversation turn. Reasoning holds the
// model's extended thinking trace when one was produced, and SearchSummary
// holds a serialized snapshot of the search results that informed the turn.
type Message struct {
	Id             int64       `json:"id"`
	ConversationId int64       `json:"conversationId"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	Reasoning      string      `json:"reasoning,omitempty"`
	SearchSummary  string      `json:"searchSummary,omitempty"`
	Created        time.Time   `json:"created"`
	Updated        time.Time   `json:"updated"`
}

// MessageStorage defines the interface for message-related database
// operations. SaveMessage assigns Id on the given message. All calls are
// synchronous and strongly consistent from the orchestrator's point of view.
type MessageStorage interface {
	SaveMessage(ctx context.Context, message *Message) error
	GetMessage(ctx context.Context, messageId int64) (Message, error)
	GetMessages(ctx context.Context, conversationId int64) ([]Message, error)
	UpdateMessageContent(ctx context.Context, messageId int64, content, reasoning string) error
	DeleteMessage(ctx context.Context, messageId int64) error
}
