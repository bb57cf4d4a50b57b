package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"voicestats/internal/models"
)

// SQLStore persists closed sessions in a relational database. It supports
// the postgres and sqlite3 drivers; sqlite was the storage of the first
// version of this system and remains useful for tests and small deployments.
type SQLStore struct {
	db     *sql.DB
	driver string
	logger zerolog.Logger
}

// Open connects to the database and creates the schema if needed.
func Open(driver, dsn string, logger zerolog.Logger) (*SQLStore, error) {
	if driver == "sqlite3" && !strings.Contains(dsn, "?") {
		// Busy timeout and WAL keep concurrent readers from tripping over
		// the single writer.
		dsn += "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLStore{db: db, driver: driver, logger: logger}

	if err := s.createSchema(); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s.logger.Debug().Str("driver", driver).Msg("session store ready")
	return s, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) createSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS voice_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			guild_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			ended_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_voice_sessions_guild_start
			ON voice_sessions (guild_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_voice_sessions_user_start
			ON voice_sessions (user_id, started_at)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// Append durably writes one closed session. A record ID is assigned when the
// session carries none.
func (s *SQLStore) Append(ctx context.Context, session models.ClosedSession) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}

	query := s.rebind(`
		INSERT INTO voice_sessions (id, user_id, guild_id, channel_id, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.UserID, session.GuildID, session.ChannelID,
		session.StartedAt.UnixMilli(), session.EndedAt.UnixMilli())
	if err != nil {
		return &StorageError{Op: "append", Err: err}
	}
	return nil
}

// Query returns every session intersecting the filter window, ordered by
// started_at then id so identical inputs always produce identical output.
func (s *SQLStore) Query(ctx context.Context, filter Filter) ([]models.ClosedSession, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT id, user_id, guild_id, channel_id, started_at, ended_at
		FROM voice_sessions WHERE guild_id = ?`)
	args := []interface{}{filter.GuildID}

	if !filter.To.IsZero() {
		sb.WriteString(" AND started_at < ?")
		args = append(args, filter.To.UnixMilli())
	}
	if !filter.From.IsZero() {
		// >= keeps zero-duration sessions sitting exactly on the window start.
		sb.WriteString(" AND ended_at >= ?")
		args = append(args, filter.From.UnixMilli())
	}
	if filter.UserID != "" {
		sb.WriteString(" AND user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ChannelID != "" {
		sb.WriteString(" AND channel_id = ?")
		args = append(args, filter.ChannelID)
	}
	sb.WriteString(" ORDER BY started_at, id")

	rows, err := s.db.QueryContext(ctx, s.rebind(sb.String()), args...)
	if err != nil {
		return nil, &StorageError{Op: "query", Err: err}
	}
	defer rows.Close()

	var sessions []models.ClosedSession
	for rows.Next() {
		var session models.ClosedSession
		var startedAt, endedAt int64
		if err := rows.Scan(&session.ID, &session.UserID, &session.GuildID,
			&session.ChannelID, &startedAt, &endedAt); err != nil {
			return nil, &StorageError{Op: "query", Err: err}
		}
		session.StartedAt = time.UnixMilli(startedAt).UTC()
		session.EndedAt = time.UnixMilli(endedAt).UTC()
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "query", Err: err}
	}

	return sessions, nil
}

// rebind converts ? placeholders to the $N style lib/pq expects.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
