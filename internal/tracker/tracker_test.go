package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicestats/internal/models"
	"voicestats/internal/store"
)

var base = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

type fakeStore struct {
	mu       sync.Mutex
	sessions []models.ClosedSession
	failures int // appends to fail before succeeding
	appends  int
}

func (f *fakeStore) Append(ctx context.Context, session models.ClosedSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends++
	if f.failures > 0 {
		f.failures--
		return errors.New("store unavailable")
	}
	f.sessions = append(f.sessions, session)
	return nil
}

func (f *fakeStore) Query(ctx context.Context, filter store.Filter) ([]models.ClosedSession, error) {
	return nil, nil
}

func (f *fakeStore) Close() error {
	return nil
}

func (f *fakeStore) all() []models.ClosedSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.ClosedSession, len(f.sessions))
	copy(out, f.sessions)
	return out
}

type fakeMirror struct {
	mu      sync.Mutex
	sets    int
	removes int
}

func (m *fakeMirror) SetOpen(ctx context.Context, session models.OpenSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	return nil
}

func (m *fakeMirror) Remove(ctx context.Context, guildID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removes++
	return nil
}

func event(user, channel string, at time.Time) models.PresenceEvent {
	return models.PresenceEvent{
		UserID:    user,
		GuildID:   "g1",
		ChannelID: channel,
		At:        at,
	}
}

func newTracker(t *testing.T, st *fakeStore, clock Clock, opts ...Option) *Tracker {
	t.Helper()
	opts = append(opts, WithClock(clock))
	return New(st, zerolog.Nop(), opts...)
}

func TestJoinMoveLeave_EmitsTwoSessions(t *testing.T) {
	st := &fakeStore{}
	clock := newFakeClock(base)
	tr := newTracker(t, st, clock)

	tr.HandleEvent(event("u1", "c1", base))
	tr.HandleEvent(event("u1", "c2", base.Add(300*time.Second)))
	tr.HandleEvent(event("u1", "", base.Add(900*time.Second)))
	require.NoError(t, tr.Close(context.Background()))

	sessions := st.all()
	require.Len(t, sessions, 2)
	assert.Equal(t, "c1", sessions[0].ChannelID)
	assert.Equal(t, base, sessions[0].StartedAt)
	assert.Equal(t, base.Add(300*time.Second), sessions[0].EndedAt)
	assert.Equal(t, "c2", sessions[1].ChannelID)
	assert.Equal(t, base.Add(300*time.Second), sessions[1].StartedAt)
	assert.Equal(t, base.Add(900*time.Second), sessions[1].EndedAt)
}

func TestDuplicateMove_IsIdempotent(t *testing.T) {
	st := &fakeStore{}
	clock := newFakeClock(base)
	tr := newTracker(t, st, clock)

	tr.HandleEvent(event("u1", "c1", base))
	tr.HandleEvent(event("u1", "c1", base.Add(100*time.Second)))
	tr.HandleEvent(event("u1", "", base.Add(200*time.Second)))
	require.NoError(t, tr.Close(context.Background()))

	sessions := st.all()
	require.Len(t, sessions, 1)
	assert.Equal(t, "c1", sessions[0].ChannelID)
	assert.Equal(t, base, sessions[0].StartedAt)
	assert.Equal(t, base.Add(200*time.Second), sessions[0].EndedAt)
}

func TestFlush_ClosesOpenSessionsAtShutdownTime(t *testing.T) {
	st := &fakeStore{}
	clock := newFakeClock(base)
	tr := newTracker(t, st, clock)

	tr.HandleEvent(event("u1", "c1", base))
	clock.Set(base.Add(500 * time.Second))
	require.NoError(t, tr.Close(context.Background()))

	sessions := st.all()
	require.Len(t, sessions, 1)
	assert.Equal(t, base, sessions[0].StartedAt)
	assert.Equal(t, base.Add(500*time.Second), sessions[0].EndedAt)
	assert.Empty(t, tr.Snapshot())
}

func TestTwoUsersSameChannel_IndependentSessions(t *testing.T) {
	st := &fakeStore{}
	clock := newFakeClock(base)
	tr := newTracker(t, st, clock)

	tr.HandleEvent(event("u1", "c1", base))
	tr.HandleEvent(event("u2", "c1", base.Add(10*time.Second)))
	tr.HandleEvent(event("u1", "", base.Add(100*time.Second)))
	tr.HandleEvent(event("u2", "", base.Add(100*time.Second)))
	require.NoError(t, tr.Close(context.Background()))

	sessions := st.all()
	require.Len(t, sessions, 2)

	var total time.Duration
	byUser := map[string]models.ClosedSession{}
	for _, session := range sessions {
		byUser[session.UserID] = session
		total += session.Duration()
	}
	assert.Equal(t, 100*time.Second, byUser["u1"].Duration())
	assert.Equal(t, 90*time.Second, byUser["u2"].Duration())
	assert.Equal(t, 190*time.Second, total)
}

func TestOrphanLeave_Ignored(t *testing.T) {
	st := &fakeStore{}
	tr := newTracker(t, st, newFakeClock(base))

	tr.HandleEvent(event("u1", "", base))
	require.NoError(t, tr.Close(context.Background()))

	assert.Empty(t, st.all())
}

func TestMoveWithoutJoin_TreatedAsJoin(t *testing.T) {
	st := &fakeStore{}
	tr := newTracker(t, st, newFakeClock(base))

	// A move event whose join was never observed: no session is fabricated
	// for the unknown channel, tracking simply starts in the new one.
	ev := event("u1", "c2", base)
	ev.PrevChannelID = "c1"
	tr.HandleEvent(ev)
	tr.HandleEvent(event("u1", "", base.Add(60*time.Second)))
	require.NoError(t, tr.Close(context.Background()))

	sessions := st.all()
	require.Len(t, sessions, 1)
	assert.Equal(t, "c2", sessions[0].ChannelID)
	assert.Equal(t, 60*time.Second, sessions[0].Duration())
}

func TestSnapshot_OneOpenSessionPerKey(t *testing.T) {
	st := &fakeStore{}
	tr := newTracker(t, st, newFakeClock(base))
	defer tr.Close(context.Background())

	tr.HandleEvent(event("u1", "c1", base))
	tr.HandleEvent(event("u1", "c1", base.Add(time.Second))) // duplicate join
	tr.HandleEvent(event("u2", "c1", base))

	open := tr.Snapshot()
	require.Len(t, open, 2)
	seen := map[string]bool{}
	for _, session := range open {
		key := session.GuildID + ":" + session.UserID
		assert.False(t, seen[key], "duplicate open session for %s", key)
		seen[key] = true
	}
}

func TestSnapshot_MovedSessionKeepsSingleEntry(t *testing.T) {
	st := &fakeStore{}
	tr := newTracker(t, st, newFakeClock(base))
	defer tr.Close(context.Background())

	tr.HandleEvent(event("u1", "c1", base))
	tr.HandleEvent(event("u1", "c2", base.Add(time.Minute)))

	open := tr.Snapshot()
	require.Len(t, open, 1)
	assert.Equal(t, "c2", open[0].ChannelID)
	assert.Equal(t, base.Add(time.Minute), open[0].StartedAt)
}

func TestEventWithoutTimestamp_UsesClock(t *testing.T) {
	st := &fakeStore{}
	clock := newFakeClock(base)
	tr := newTracker(t, st, clock)

	tr.HandleEvent(event("u1", "c1", time.Time{}))
	clock.Set(base.Add(42 * time.Second))
	tr.HandleEvent(event("u1", "", time.Time{}))
	require.NoError(t, tr.Close(context.Background()))

	sessions := st.all()
	require.Len(t, sessions, 1)
	assert.Equal(t, base, sessions[0].StartedAt)
	assert.Equal(t, base.Add(42*time.Second), sessions[0].EndedAt)
}

func TestSkewedTimestamps_NeverProduceNegativeDuration(t *testing.T) {
	st := &fakeStore{}
	tr := newTracker(t, st, newFakeClock(base))

	tr.HandleEvent(event("u1", "c1", base))
	tr.HandleEvent(event("u1", "", base.Add(-time.Minute)))
	require.NoError(t, tr.Close(context.Background()))

	sessions := st.all()
	require.Len(t, sessions, 1)
	assert.Equal(t, time.Duration(0), sessions[0].Duration())
	assert.False(t, sessions[0].EndedAt.Before(sessions[0].StartedAt))
}

func TestAppendRetry_EventuallyPersists(t *testing.T) {
	st := &fakeStore{failures: 2}
	tr := newTracker(t, st, newFakeClock(base))

	tr.HandleEvent(event("u1", "c1", base))
	tr.HandleEvent(event("u1", "", base.Add(time.Second)))
	require.NoError(t, tr.Close(context.Background()))

	require.Len(t, st.all(), 1)
	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Equal(t, 3, st.appends)
}

func TestAppendRetry_Exhausted_ReportsLostKey(t *testing.T) {
	st := &fakeStore{failures: 1000}
	tr := newTracker(t, st, newFakeClock(base))

	tr.HandleEvent(event("u1", "c1", base))
	tr.HandleEvent(event("u1", "", base.Add(time.Second)))

	err := tr.Close(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "g1:u1")
	assert.Empty(t, st.all())
}

func TestRestore_ResumesWithOriginalStart(t *testing.T) {
	st := &fakeStore{}
	clock := newFakeClock(base.Add(time.Hour))
	tr := newTracker(t, st, clock)

	tr.Restore([]models.OpenSession{
		{UserID: "u1", GuildID: "g1", ChannelID: "c1", StartedAt: base},
	})
	tr.HandleEvent(event("u1", "", base.Add(2*time.Hour)))
	require.NoError(t, tr.Close(context.Background()))

	sessions := st.all()
	require.Len(t, sessions, 1)
	assert.Equal(t, base, sessions[0].StartedAt)
	assert.Equal(t, base.Add(2*time.Hour), sessions[0].EndedAt)
}

func TestMirror_TracksOpensAndCloses(t *testing.T) {
	st := &fakeStore{}
	mirror := &fakeMirror{}
	tr := newTracker(t, st, newFakeClock(base), WithMirror(mirror))

	tr.HandleEvent(event("u1", "c1", base))
	tr.HandleEvent(event("u1", "c2", base.Add(time.Second)))
	tr.HandleEvent(event("u1", "", base.Add(2*time.Second)))
	require.NoError(t, tr.Close(context.Background()))

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	assert.Equal(t, 2, mirror.sets)    // join + move
	assert.Equal(t, 2, mirror.removes) // move + leave
}

func TestHandleEventAfterClose_Dropped(t *testing.T) {
	st := &fakeStore{}
	tr := newTracker(t, st, newFakeClock(base))
	require.NoError(t, tr.Close(context.Background()))

	tr.HandleEvent(event("u1", "c1", base))
	assert.Nil(t, tr.Snapshot())
	assert.Empty(t, st.all())
}

func TestCloseTwice_Noop(t *testing.T) {
	st := &fakeStore{}
	tr := newTracker(t, st, newFakeClock(base))
	require.NoError(t, tr.Close(context.Background()))
	require.NoError(t, tr.Close(context.Background()))
}

func TestConcurrentKeys_AllSessionsAttributed(t *testing.T) {
	st := &fakeStore{}
	clock := newFakeClock(base)
	tr := newTracker(t, st, clock, WithShards(4))

	var wg sync.WaitGroup
	users := []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8"}
	for _, user := range users {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			tr.HandleEvent(event(user, "c1", base))
			tr.HandleEvent(event(user, "c2", base.Add(time.Minute)))
			tr.HandleEvent(event(user, "", base.Add(2*time.Minute)))
		}(user)
	}
	wg.Wait()
	require.NoError(t, tr.Close(context.Background()))

	sessions := st.all()
	require.Len(t, sessions, len(users)*2)
	perUser := map[string]int{}
	for _, session := range sessions {
		perUser[session.UserID]++
		assert.False(t, session.EndedAt.Before(session.StartedAt))
	}
	for _, user := range users {
		assert.Equal(t, 2, perUser[user])
	}
}
