package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"streamchat/domain"
	"streamchat/store"

	"github.com/redis/go-redis/v9"
)

const (
	nextConversationIdKey = "chat:next_conversation_id"
	nextMessageIdKey      = "chat:next_message_id"
)

// Storage implements store.Storage on redis. Records are stored as JSON
// blobs keyed by id, with per-user and per-conversation index structures.
type Storage struct {
	Client *redis.Client
}

var _ store.Storage = (*Storage)(nil)

func NewStorage(addr string) *Storage {
	return &Storage{Client: NewClient(addr)}
}

func conversationKey(conversationId int64) string {
	return fmt.Sprintf("chat:conversation:%d", conversationId)
}

func userConversationsKey(userId int64) string {
	return fmt.Sprintf("chat:user:%d:conversations", userId)
}

func messageKey(messageId int64) string {
	return fmt.Sprintf("chat:message:%d", messageId)
}

func conversationMessagesKey(conversationId int64) string {
	return fmt.Sprintf("chat:conversation:%d:messages", conversationId)
}

func (s *Storage) CheckConnection(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}

func (s *Storage) Close() error {
	return s.Client.Close()
}

func (s *Storage) PersistConversation(ctx context.Context, conversation *domain.Conversation) error {
	now := time.Now().UTC()
	if conversation.Id == 0 {
		id, err := s.Client.Incr(ctx, nextConversationIdKey).Result()
		if err != nil {
			return fmt.Errorf("failed to allocate conversation id: %w", err)
		}
		conversation.Id = id
		conversation.Created = now
	}
	conversation.Updated = now

	conversationJson, err := json.Marshal(conversation)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	if err := s.Client.Set(ctx, conversationKey(conversation.Id), conversationJson, 0).Err(); err != nil {
		return fmt.Errorf("failed to persist conversation: %w", err)
	}

	err = s.Client.ZAdd(ctx, userConversationsKey(conversation.UserId), redis.Z{
		Score:  float64(conversation.Updated.UnixMilli()),
		Member: conversation.Id,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to index conversation: %w", err)
	}
	return nil
}

func (s *Storage) GetConversation(ctx context.Context, conversationId int64) (domain.Conversation, error) {
	var conversation domain.Conversation
	conversationJson, err := s.Client.Get(ctx, conversationKey(conversationId)).Result()
	if errors.Is(err, redis.Nil) {
		return conversation, store.ErrNotFound
	}
	if err != nil {
		return conversation, fmt.Errorf("failed to get conversation: %w", err)
	}
	if err := json.Unmarshal([]byte(conversationJson), &conversation); err != nil {
		return conversation, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return conversation, nil
}

func (s *Storage) GetConversations(ctx context.Context, userId int64) ([]domain.Conversation, error) {
	ids, err := s.Client.ZRevRange(ctx, userConversationsKey(userId), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	var conversations []domain.Conversation
	for _, idStr := range ids {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		conversation, err := s.GetConversation(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conversation)
	}
	return conversations, nil
}

func (s *Storage) UpdateConversationTitle(ctx context.Context, conversationId int64, title string) error {
	conversation, err := s.GetConversation(ctx, conversationId)
	if err != nil {
		return err
	}
	conversation.Title = title
	return s.PersistConversation(ctx, &conversation)
}

func (s *Storage) DeleteConversation(ctx context.Context, conversationId int64) error {
	conversation, err := s.GetConversation(ctx, conversationId)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	messageIds, err := s.Client.LRange(ctx, conversationMessagesKey(conversationId), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to list conversation messages: %w", err)
	}
	for _, idStr := range messageIds {
		s.Client.Del(ctx, "chat:message:"+idStr)
	}

	if err := s.Client.Del(ctx, conversationMessagesKey(conversationId), conversationKey(conversationId)).Err(); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return s.Client.ZRem(ctx, userConversationsKey(conversation.UserId), conversationId).Err()
}

func (s *Storage) SaveMessage(ctx context.Context, message *domain.Message) error {
	id, err := s.Client.Incr(ctx, nextMessageIdKey).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate message id: %w", err)
	}
	now := time.Now().UTC()
	message.Id = id
	message.Created = now
	message.Updated = now

	messageJson, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := s.Client.Set(ctx, messageKey(id), messageJson, 0).Err(); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	if err := s.Client.RPush(ctx, conversationMessagesKey(message.ConversationId), id).Err(); err != nil {
		return fmt.Errorf("failed to index message: %w", err)
	}
	return nil
}

func (s *Storage) GetMessage(ctx context.Context, messageId int64) (domain.Message, error) {
	var message domain.Message
	messageJson, err := s.Client.Get(ctx, messageKey(messageId)).Result()
	if errors.Is(err, redis.Nil) {
		return message, store.ErrNotFound
	}
	if err != nil {
		return message, fmt.Errorf("failed to get message: %w", err)
	}
	if err := json.Unmarshal([]byte(messageJson), &message); err != nil {
		return message, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return message, nil
}

func (s *Storage) GetMessages(ctx context.Context, conversationId int64) ([]domain.Message, error) {
	ids, err := s.Client.LRange(ctx, conversationMessagesKey(conversationId), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list conversation messages: %w", err)
	}

	var messages []domain.Message
	for _, idStr := range ids {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		message, err := s.GetMessage(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, nil
}

func (s *Storage) UpdateMessageContent(ctx context.Context, messageId int64, content, reasoning string) error {
	message, err := s.GetMessage(ctx, messageId)
	if err != nil {
		return err
	}
	message.Content = content
	message.Reasoning = reasoning
	message.Updated = time.Now().UTC()

	messageJson, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return s.Client.Set(ctx, messageKey(messageId), messageJson, 0).Err()
}

func (s *Storage) DeleteMessage(ctx context.Context, messageId int64) error {
	message, err := s.GetMessage(ctx, messageId)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.Client.LRem(ctx, conversationMessagesKey(message.ConversationId), 0, messageId).Err(); err != nil {
		return fmt.Errorf("failed to unindex message: %w", err)
	}
	return s.Client.Del(ctx, messageKey(messageId)).Err()
}
