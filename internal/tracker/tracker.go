package tracker

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voicestats/internal/metrics"
	"voicestats/internal/models"
	"voicestats/internal/store"
)

const (
	defaultShards  = 16
	eventBuffer    = 256
	writeBuffer    = 128
	appendAttempts = 3
	appendBackoff  = 100 * time.Millisecond
)

// Mirror receives best-effort copies of the open-session table so a restart
// can resume sessions begun before a crash. Errors are logged, never fatal.
type Mirror interface {
	SetOpen(ctx context.Context, session models.OpenSession) error
	Remove(ctx context.Context, guildID, userID string) error
}

// Tracker converts the presence-event stream into closed sessions. The open
// table is sharded by (guild, user) key; each shard is owned by a single
// goroutine, so transitions for one key are strictly serialized while
// different keys proceed in parallel. Closed sessions are handed to a
// per-shard writer goroutine so a slow store append never stalls event
// handling, and per-key append order is preserved because a key always maps
// to the same shard.
type Tracker struct {
	store    store.Store
	clock    Clock
	mirror   Mirror
	recorder metrics.Recorder
	logger   zerolog.Logger

	shards   []*shard
	loopWG   sync.WaitGroup
	writerWG sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	failMu sync.Mutex
	failed []string // keys whose sessions could not be persisted
}

type shard struct {
	open   map[string]models.OpenSession
	msgs   chan message
	writes chan models.ClosedSession
}

type message struct {
	event    *models.PresenceEvent
	snapshot chan []models.OpenSession
	flush    chan int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces the wall clock, for tests.
func WithClock(clock Clock) Option {
	return func(t *Tracker) { t.clock = clock }
}

// WithMirror mirrors the open-session table to external storage.
func WithMirror(mirror Mirror) Option {
	return func(t *Tracker) { t.mirror = mirror }
}

// WithRecorder wires metrics.
func WithRecorder(recorder metrics.Recorder) Option {
	return func(t *Tracker) { t.recorder = recorder }
}

// WithShards overrides the shard count.
func WithShards(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.shards = make([]*shard, n)
		}
	}
}

// New creates a Tracker and starts its shard and writer goroutines.
func New(st store.Store, logger zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		store:    st,
		clock:    SystemClock(),
		recorder: metrics.Noop(),
		logger:   logger,
		shards:   make([]*shard, defaultShards),
	}
	for _, opt := range opts {
		opt(t)
	}

	for i := range t.shards {
		sh := &shard{
			open:   make(map[string]models.OpenSession),
			msgs:   make(chan message, eventBuffer),
			writes: make(chan models.ClosedSession, writeBuffer),
		}
		t.shards[i] = sh

		t.loopWG.Add(1)
		go t.loop(sh)

		t.writerWG.Add(1)
		go t.writeLoop(sh)
	}

	return t
}

// HandleEvent applies one presence event. Events for the same (guild, user)
// key must be delivered in arrival order; the tracker trusts that order and
// never reorders by timestamp.
func (t *Tracker) HandleEvent(event models.PresenceEvent) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		t.logger.Warn().Str("user", event.UserID).Str("guild", event.GuildID).
			Msg("event after shutdown, dropped")
		return
	}
	t.recorder.IncEventsReceived()
	t.shardFor(event.GuildID, event.UserID).msgs <- message{event: &event}
}

// Restore seeds open sessions recovered from the mirror. The original start
// time is kept, so the eventual closed session spans the restart.
func (t *Tracker) Restore(sessions []models.OpenSession) {
	for _, open := range sessions {
		t.HandleEvent(models.PresenceEvent{
			UserID:    open.UserID,
			GuildID:   open.GuildID,
			ChannelID: open.ChannelID,
			At:        open.StartedAt,
		})
	}
}

// Snapshot returns a copy of every open session, for live statistics and
// the mirror. Ordering is unspecified.
func (t *Tracker) Snapshot() []models.OpenSession {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil
	}

	var all []models.OpenSession
	for _, sh := range t.shards {
		reply := make(chan []models.OpenSession, 1)
		sh.msgs <- message{snapshot: reply}
		all = append(all, <-reply...)
	}
	return all
}

// Close flushes every open session with an end time of now, waits until the
// writers have drained, and reports the keys whose sessions could not be
// persisted. The tracker accepts no events afterwards.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	flushed := 0
	for _, sh := range t.shards {
		reply := make(chan int, 1)
		sh.msgs <- message{flush: reply}
		flushed += <-reply
		close(sh.msgs)
	}
	t.loopWG.Wait()

	for _, sh := range t.shards {
		close(sh.writes)
	}

	done := make(chan struct{})
	go func() {
		t.writerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown flush interrupted: %w", ctx.Err())
	}

	t.logger.Info().Int("flushed", flushed).Msg("tracker closed")

	t.failMu.Lock()
	defer t.failMu.Unlock()
	if len(t.failed) > 0 {
		return fmt.Errorf("flush could not persist sessions for keys: %s",
			strings.Join(t.failed, ", "))
	}
	return nil
}

func (t *Tracker) shardFor(guildID, userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(guildID))
	h.Write([]byte{':'})
	h.Write([]byte(userID))
	return t.shards[h.Sum32()%uint32(len(t.shards))]
}

func (t *Tracker) loop(sh *shard) {
	defer t.loopWG.Done()
	for msg := range sh.msgs {
		switch {
		case msg.event != nil:
			t.apply(sh, *msg.event)
		case msg.snapshot != nil:
			open := make([]models.OpenSession, 0, len(sh.open))
			for _, session := range sh.open {
				open = append(open, session)
			}
			msg.snapshot <- open
		case msg.flush != nil:
			now := t.clock.Now()
			n := 0
			for key, session := range sh.open {
				delete(sh.open, key)
				t.closeSession(sh, session, now)
				n++
			}
			msg.flush <- n
		}
	}
}

// apply runs one state-machine transition. Both states (absent, in-channel)
// accept every event shape, so no event is ever invalid: orphan leaves are
// ignored, a move with no tracked session becomes a join, and a duplicate
// move to the current channel is a no-op. The event is the source of truth
// for current presence, so a tracked channel that disagrees with the event's
// previous channel is simply overwritten.
func (t *Tracker) apply(sh *shard, event models.PresenceEvent) {
	key := event.GuildID + ":" + event.UserID
	at := event.At
	if at.IsZero() {
		at = t.clock.Now()
	}

	current, tracked := sh.open[key]

	switch {
	case event.ChannelID == "" && !tracked:
		// Leave with no open session: duplicate or late delivery.
		return

	case event.ChannelID == "":
		delete(sh.open, key)
		t.closeSession(sh, current, at)

	case !tracked:
		t.openSession(sh, key, event, at)

	case current.ChannelID == event.ChannelID:
		// Duplicate move into the same channel.
		return

	default:
		delete(sh.open, key)
		t.closeSession(sh, current, at)
		t.openSession(sh, key, event, at)
	}
}

func (t *Tracker) openSession(sh *shard, key string, event models.PresenceEvent, at time.Time) {
	session := models.OpenSession{
		UserID:    event.UserID,
		GuildID:   event.GuildID,
		ChannelID: event.ChannelID,
		StartedAt: at,
	}
	sh.open[key] = session
	t.recorder.AddOpenSessions(1)

	if t.mirror != nil {
		if err := t.mirror.SetOpen(context.Background(), session); err != nil {
			t.logger.Warn().Err(err).Str("key", key).Msg("mirror set failed")
		}
	}

	t.logger.Debug().Str("user", event.UserID).Str("guild", event.GuildID).
		Str("channel", event.ChannelID).Time("at", at).Msg("session opened")
}

func (t *Tracker) closeSession(sh *shard, open models.OpenSession, endedAt time.Time) {
	if endedAt.Before(open.StartedAt) {
		// Clock skew between the embedded timestamp and our clock; clamp so
		// the record never violates ended >= started.
		endedAt = open.StartedAt
	}

	sh.writes <- models.ClosedSession{
		UserID:    open.UserID,
		GuildID:   open.GuildID,
		ChannelID: open.ChannelID,
		StartedAt: open.StartedAt,
		EndedAt:   endedAt,
	}
	t.recorder.IncSessionsClosed()
	t.recorder.AddOpenSessions(-1)

	if t.mirror != nil {
		if err := t.mirror.Remove(context.Background(), open.GuildID, open.UserID); err != nil {
			t.logger.Warn().Err(err).Str("user", open.UserID).Msg("mirror remove failed")
		}
	}

	t.logger.Debug().Str("user", open.UserID).Str("guild", open.GuildID).
		Str("channel", open.ChannelID).Dur("duration", endedAt.Sub(open.StartedAt)).
		Msg("session closed")
}

func (t *Tracker) writeLoop(sh *shard) {
	defer t.writerWG.Done()
	for session := range sh.writes {
		t.appendWithRetry(session)
	}
}

// appendWithRetry tries a bounded number of times, then logs and drops the
// session: losing one record is preferable to stalling the write path
// behind a dead store.
func (t *Tracker) appendWithRetry(session models.ClosedSession) {
	var err error
	for attempt := 1; attempt <= appendAttempts; attempt++ {
		err = t.store.Append(context.Background(), session)
		if err == nil {
			return
		}
		if attempt < appendAttempts {
			t.recorder.IncAppendRetries()
			time.Sleep(appendBackoff * time.Duration(attempt))
		}
	}

	t.recorder.IncAppendFailures()
	key := session.GuildID + ":" + session.UserID
	t.logger.Error().Err(err).Str("key", key).
		Time("started_at", session.StartedAt).Time("ended_at", session.EndedAt).
		Msg("session lost after append retries")

	t.failMu.Lock()
	t.failed = append(t.failed, key)
	t.failMu.Unlock()
}
