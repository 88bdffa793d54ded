package domain

import (
	"context"
	"time"
)

// Conversation groups an ordered sequence of chat turns under one id. At most
// one live stream session exists per conversation at any instant.
type Conversation struct {
	Id      int64     `json:"id"`
	UserId  int64     `json:"userId,omitempty"`
	Title   string    `json:"title"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// ConversationStorage defines the interface for conversation-related database operations
type ConversationStorage interface {
	PersistConversation(ctx context.Context, conversation *Conversation) error
	GetConversation(ctx context.Context, conversationId int64) (Conversation, error)
	GetConversations(ctx context.Context, userId int64) ([]Conversation, error)
	UpdateConversationTitle(ctx context.Context, conversationId int64, title string) error
	DeleteConversation(ctx context.Context, conversationId int64) error
}
