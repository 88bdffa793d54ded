package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"streamchat/domain"
	"streamchat/store"
)

// Storage implements store.Storage on a local sqlite database.
type Storage struct {
	db *sql.DB
}

var _ store.Storage = (*Storage)(nil)

func (s *Storage) CheckConnection(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// PersistConversation inserts a new conversation or updates an existing one.
// On insert the assigned id is set on the given conversation.
func (s *Storage) PersistConversation(ctx context.Context, conversation *domain.Conversation) error {
	now := time.Now().UTC()
	if conversation.Id == 0 {
		conversation.Created = now
		conversation.Updated = now
		result, err := s.db.ExecContext(ctx,
			"INSERT INTO conversations (user_id, title, created, updated) VALUES (?, ?, ?, ?)",
			conversation.UserId, conversation.Title, conversation.Created, conversation.Updated,
		)
		if err != nil {
			return fmt.Errorf("failed to persist conversation: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read conversation id: %w", err)
		}
		conversation.Id = id
		return nil
	}

	conversation.Updated = now
	_, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET user_id = ?, title = ?, updated = ? WHERE id = ?",
		conversation.UserId, conversation.Title, conversation.Updated, conversation.Id,
	)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	return nil
}

func (s *Storage) GetConversation(ctx context.Context, conversationId int64) (domain.Conversation, error) {
	var conversation domain.Conversation
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, title, created, updated FROM conversations WHERE id = ?",
		conversationId,
	).Scan(&conversation.Id, &conversation.UserId, &conversation.Title, &conversation.Created, &conversation.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation, store.ErrNotFound
	}
	if err != nil {
		return conversation, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conversation, nil
}

func (s *Storage) GetConversations(ctx context.Context, userId int64) ([]domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, title, created, updated FROM conversations WHERE user_id = ? ORDER BY updated DESC",
		userId,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var conversations []domain.Conversation
	for rows.Next() {
		var conversation domain.Conversation
		if err := rows.Scan(&conversation.Id, &conversation.UserId, &conversation.Title, &conversation.Created, &conversation.Updated); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, conversation)
	}
	return conversations, rows.Err()
}

func (s *Storage) UpdateConversationTitle(ctx context.Context, conversationId int64, title string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET title = ?, updated = ? WHERE id = ?",
		title, time.Now().UTC(), conversationId,
	)
	if err != nil {
		return fmt.Errorf("failed to update conversation title: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Storage) DeleteConversation(ctx context.Context, conversationId int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", conversationId)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// SaveMessage inserts a message and sets its assigned id and timestamps.
func (s *Storage) SaveMessage(ctx context.Context, message *domain.Message) error {
	now := time.Now().UTC()
	message.Created = now
	message.Updated = now
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (conversation_id, role, content, reasoning, search_summary, created, updated) VALUES (?, ?, ?, ?, ?, ?, ?)",
		message.ConversationId, message.Role, message.Content, message.Reasoning, message.SearchSummary, message.Created, message.Updated,
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read message id: %w", err)
	}
	message.Id = id
	return nil
}

func (s *Storage) GetMessage(ctx context.Context, messageId int64) (domain.Message, error) {
	var message domain.Message
	err := s.db.QueryRowContext(ctx,
		"SELECT id, conversation_id, role, content, reasoning, search_summary, created, updated FROM messages WHERE id = ?",
		messageId,
	).Scan(&message.Id, &message.ConversationId, &message.Role, &message.Content, &message.Reasoning, &message.SearchSummary, &message.Created, &message.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return message, store.ErrNotFound
	}
	if err != nil {
		return message, fmt.Errorf("failed to get message: %w", err)
	}
	return message, nil
}

func (s *Storage) GetMessages(ctx context.Context, conversationId int64) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, conversation_id, role, content, reasoning, search_summary, created, updated FROM messages WHERE conversation_id = ? ORDER BY id ASC",
		conversationId,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var message domain.Message
		if err := rows.Scan(&message.Id, &message.ConversationId, &message.Role, &message.Content, &message.Reasoning, &message.SearchSummary, &message.Created, &message.Updated); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, message)
	}
	return messages, rows.Err()
}

func (s *Storage) UpdateMessageContent(ctx context.Context, messageId int64, content, reasoning string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE messages SET content = ?, reasoning = ?, updated = ? WHERE id = ?",
		content, reasoning, time.Now().UTC(), messageId,
	)
	if err != nil {
		return fmt.Errorf("failed to update message content: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Storage) DeleteMessage(ctx context.Context, messageId int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", messageId)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}
