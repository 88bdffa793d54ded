package store

import (
	"context"
	"errors"

	"streamchat/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Storage is the durable boundary the orchestrator depends on. All methods
// are synchronous and strongly consistent: a returned message id is
// immediately readable.
type Storage interface {
	domain.ConversationStorage
	domain.MessageStorage

	CheckConnection(ctx context.Context) error
	Close() error
}
