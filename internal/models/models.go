package models

import "time"

// PresenceEvent is a single voice-state transition delivered by the platform
// adapter. PrevChannelID empty means the user was not in voice before;
// ChannelID empty means the user left voice entirely; both set and different
// means a channel move.
//
// At is the event boundary timestamp. The Discord gateway does not stamp
// voice-state payloads, so the adapter fills At with receipt time; when a
// source does carry an embedded timestamp it is authoritative and the
// tracker uses it as-is.
type PresenceEvent struct {
	UserID        string
	GuildID       string
	ChannelID     string
	PrevChannelID string
	At            time.Time
}

// OpenSession is a voice session still in progress. At most one exists per
// (user, guild) at any time; the tracker owns these exclusively.
type OpenSession struct {
	UserID    string
	GuildID   string
	ChannelID string
	StartedAt time.Time
}

// ClosedSession is a completed voice session, immutable once appended to the
// store. EndedAt is always >= StartedAt; zero-duration sessions are valid.
type ClosedSession struct {
	ID        string
	UserID    string
	GuildID   string
	ChannelID string
	StartedAt time.Time
	EndedAt   time.Time
}

// Duration returns the session length.
func (s ClosedSession) Duration() time.Duration {
	return s.EndedAt.Sub(s.StartedAt)
}
