package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by stores when the requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// Store is the persistence contract shared by the durable local store and
// the remote mirror. All entities are keyed by an opaque authenticated-user
// identifier; a guest session uses an empty user id against the local store
// only.
type Store interface {
	ListChats(ctx context.Context, userID string) ([]*Chat, error)
	GetChat(ctx context.Context, userID, chatID string) (*Chat, error)
	PutChat(ctx context.Context, userID string, chat *Chat) error
	DeleteChat(ctx context.Context, userID, chatID string) error

	GetSettings(ctx context.Context, userID string) (*Settings, error)
	PutSettings(ctx context.Context, userID string, settings *Settings) error

	CurrentChatID(ctx context.Context, userID string) (string, error)
	SetCurrentChatID(ctx context.Context, userID, chatID string) error
}
