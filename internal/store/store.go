package store

import (
	"context"
	"fmt"
	"time"

	"voicestats/internal/models"
)

// Store is the durable, append-only log of closed voice sessions. Append is
// the only mutation; records are never updated or removed.
type Store interface {
	Append(ctx context.Context, session models.ClosedSession) error
	Query(ctx context.Context, filter Filter) ([]models.ClosedSession, error)
	Close() error
}

// Filter selects sessions whose [StartedAt, EndedAt) interval intersects
// [From, To). UserID and ChannelID narrow the result when non-empty.
type Filter struct {
	GuildID   string
	From      time.Time
	To        time.Time
	UserID    string
	ChannelID string
}

// StorageError wraps an I/O failure from the underlying database. It is the
// only error class the store surfaces to callers.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
