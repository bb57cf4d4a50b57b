// Package livestate mirrors the tracker's open-session table to Redis so a
// restarted process resumes sessions begun before a crash. The mirror is
// best effort: failures are surfaced to the tracker, which logs and moves
// on, because losing the mirror must never block live event handling.
package livestate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"voicestats/internal/models"
)

const keyPrefix = "voicestats:open:"

type openRecord struct {
	UserID    string    `json:"user_id"`
	GuildID   string    `json:"guild_id"`
	ChannelID string    `json:"channel_id"`
	StartedAt time.Time `json:"started_at"`
}

// Mirror stores open sessions in Redis, one key per (guild, user).
type Mirror struct {
	client *redis.Client
}

// Connect parses the Redis URL, connects and pings.
func Connect(ctx context.Context, url string) (*Mirror, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Mirror{client: client}, nil
}

// Close releases the Redis connection.
func (m *Mirror) Close() error {
	return m.client.Close()
}

// SetOpen records that a session is open. No TTL: open sessions are removed
// explicitly when they close, and leftovers after a crash are exactly what
// LoadAll recovers.
func (m *Mirror) SetOpen(ctx context.Context, session models.OpenSession) error {
	data, err := json.Marshal(openRecord{
		UserID:    session.UserID,
		GuildID:   session.GuildID,
		ChannelID: session.ChannelID,
		StartedAt: session.StartedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal open session: %w", err)
	}

	if err := m.client.Set(ctx, m.key(session.GuildID, session.UserID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to mirror open session: %w", err)
	}
	return nil
}

// Remove deletes the mirrored entry for a key.
func (m *Mirror) Remove(ctx context.Context, guildID, userID string) error {
	if err := m.client.Del(ctx, m.key(guildID, userID)).Err(); err != nil {
		return fmt.Errorf("failed to remove mirrored session: %w", err)
	}
	return nil
}

// LoadAll returns every mirrored open session, scanning the key prefix and
// fetching values in one pipeline.
func (m *Mirror) LoadAll(ctx context.Context) ([]models.OpenSession, error) {
	var keys []string
	iter := m.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan mirrored sessions: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := m.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to load mirrored sessions: %w", err)
	}

	var sessions []models.OpenSession
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			// Entry removed between scan and get.
			continue
		}
		var rec openRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			continue
		}
		sessions = append(sessions, models.OpenSession{
			UserID:    rec.UserID,
			GuildID:   rec.GuildID,
			ChannelID: rec.ChannelID,
			StartedAt: rec.StartedAt,
		})
	}
	return sessions, nil
}

func (m *Mirror) key(guildID, userID string) string {
	return keyPrefix + guildID + ":" + userID
}
