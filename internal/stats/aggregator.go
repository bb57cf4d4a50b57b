// Package stats turns the persisted session log into time-windowed
// statistics. Every computation clips sessions to the query window, so a
// session straddling a boundary contributes only the portion inside it.
// All windows are absolute timestamps; the caller is responsible for
// aligning them to day or week boundaries in whatever timezone it wants.
package stats

import (
	"context"
	"sort"
	"time"

	"voicestats/internal/models"
	"voicestats/internal/store"
)

// Window is a half-open interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Day returns the window covering the 24 hours from start.
func Day(start time.Time) Window {
	return Window{Start: start, End: start.Add(24 * time.Hour)}
}

// Week returns the window covering the 7 days from start.
func Week(start time.Time) Window {
	return Window{Start: start, End: start.Add(7 * 24 * time.Hour)}
}

// Overlap returns how much of [started, ended) falls inside the window.
func (w Window) Overlap(started, ended time.Time) time.Duration {
	from := started
	if w.Start.After(from) {
		from = w.Start
	}
	to := ended
	if w.End.Before(to) {
		to = w.End
	}
	if !to.After(from) {
		return 0
	}
	return to.Sub(from)
}

// Bucket is one aggregated result: total clipped duration over a window,
// optionally narrowed to a single channel.
type Bucket struct {
	Window    Window
	ChannelID string
	Total     time.Duration
}

// UserTotal is one row of a guild ranking.
type UserTotal struct {
	UserID string
	Total  time.Duration
}

// Overview is the guild-wide aggregate for a window.
type Overview struct {
	Window  Window
	Total   time.Duration
	Ranking []UserTotal
}

// Aggregator answers read-only statistics queries over the store. When a
// query should reflect live state the caller passes the tracker's current
// open-session snapshot; open sessions are clipped to min(now, window end).
type Aggregator struct {
	store store.Store
	now   func() time.Time
}

// New creates an Aggregator. now may be nil, defaulting to time.Now.
func New(st store.Store, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{store: st, now: now}
}

// TotalDuration sums the clipped durations of sessions over the window.
func TotalDuration(sessions []models.ClosedSession, w Window) time.Duration {
	var total time.Duration
	for _, session := range sessions {
		total += w.Overlap(session.StartedAt, session.EndedAt)
	}
	return total
}

// PerChannelBreakdown groups clipped durations by channel. Channels with no
// overlap in the window are omitted, never reported as zero.
func PerChannelBreakdown(sessions []models.ClosedSession, w Window) map[string]time.Duration {
	breakdown := make(map[string]time.Duration)
	for _, session := range sessions {
		if overlap := w.Overlap(session.StartedAt, session.EndedAt); overlap > 0 {
			breakdown[session.ChannelID] += overlap
		}
	}
	return breakdown
}

// UserTotal returns the clipped total for one user over an arbitrary window,
// including any open session for that user when a snapshot is supplied.
func (a *Aggregator) UserTotal(ctx context.Context, userID, guildID string, w Window, open []models.OpenSession) (Bucket, error) {
	sessions, err := a.store.Query(ctx, store.Filter{
		GuildID: guildID,
		UserID:  userID,
		From:    w.Start,
		To:      w.End,
	})
	if err != nil {
		return Bucket{}, err
	}

	total := TotalDuration(sessions, w)
	total += a.openOverlap(open, w, func(s models.OpenSession) bool {
		return s.UserID == userID && s.GuildID == guildID
	})

	return Bucket{Window: w, Total: total}, nil
}

// DailyRollup is UserTotal over a caller-aligned day window.
func (a *Aggregator) DailyRollup(ctx context.Context, userID, guildID string, dayStart time.Time, open []models.OpenSession) (Bucket, error) {
	return a.UserTotal(ctx, userID, guildID, Day(dayStart), open)
}

// WeeklyRollup is UserTotal over a caller-aligned week window.
func (a *Aggregator) WeeklyRollup(ctx context.Context, userID, guildID string, weekStart time.Time, open []models.OpenSession) (Bucket, error) {
	return a.UserTotal(ctx, userID, guildID, Week(weekStart), open)
}

// UserChannels returns the per-channel breakdown for one user over a window.
func (a *Aggregator) UserChannels(ctx context.Context, userID, guildID string, w Window, open []models.OpenSession) ([]Bucket, error) {
	sessions, err := a.store.Query(ctx, store.Filter{
		GuildID: guildID,
		UserID:  userID,
		From:    w.Start,
		To:      w.End,
	})
	if err != nil {
		return nil, err
	}

	breakdown := PerChannelBreakdown(sessions, w)
	for _, session := range open {
		if session.UserID != userID || session.GuildID != guildID {
			continue
		}
		if overlap := a.clipOpen(session, w); overlap > 0 {
			breakdown[session.ChannelID] += overlap
		}
	}

	buckets := make([]Bucket, 0, len(breakdown))
	for channelID, total := range breakdown {
		buckets = append(buckets, Bucket{Window: w, ChannelID: channelID, Total: total})
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Total != buckets[j].Total {
			return buckets[i].Total > buckets[j].Total
		}
		return buckets[i].ChannelID < buckets[j].ChannelID
	})
	return buckets, nil
}

// GuildOverview aggregates the whole guild over a window: total activity
// plus a per-user ranking sorted by duration descending, ties broken by
// user ID ascending so identical inputs rank identically.
func (a *Aggregator) GuildOverview(ctx context.Context, guildID string, w Window, open []models.OpenSession) (Overview, error) {
	sessions, err := a.store.Query(ctx, store.Filter{
		GuildID: guildID,
		From:    w.Start,
		To:      w.End,
	})
	if err != nil {
		return Overview{}, err
	}

	perUser := make(map[string]time.Duration)
	for _, session := range sessions {
		if overlap := w.Overlap(session.StartedAt, session.EndedAt); overlap > 0 {
			perUser[session.UserID] += overlap
		}
	}
	for _, session := range open {
		if session.GuildID != guildID {
			continue
		}
		if overlap := a.clipOpen(session, w); overlap > 0 {
			perUser[session.UserID] += overlap
		}
	}

	overview := Overview{Window: w}
	for userID, total := range perUser {
		overview.Total += total
		overview.Ranking = append(overview.Ranking, UserTotal{UserID: userID, Total: total})
	}
	sort.Slice(overview.Ranking, func(i, j int) bool {
		if overview.Ranking[i].Total != overview.Ranking[j].Total {
			return overview.Ranking[i].Total > overview.Ranking[j].Total
		}
		return overview.Ranking[i].UserID < overview.Ranking[j].UserID
	})
	return overview, nil
}

// DailySeries returns one bucket per day for the window starting at
// firstDay and spanning days consecutive 24h periods. Days with no activity
// are present with a zero total, so the series has no gaps for charting.
func (a *Aggregator) DailySeries(ctx context.Context, userID, guildID string, firstDay time.Time, days int, open []models.OpenSession) ([]Bucket, error) {
	full := Window{Start: firstDay, End: firstDay.Add(time.Duration(days) * 24 * time.Hour)}
	sessions, err := a.store.Query(ctx, store.Filter{
		GuildID: guildID,
		UserID:  userID,
		From:    full.Start,
		To:      full.End,
	})
	if err != nil {
		return nil, err
	}

	series := make([]Bucket, days)
	for i := range series {
		day := Day(firstDay.Add(time.Duration(i) * 24 * time.Hour))
		total := TotalDuration(sessions, day)
		total += a.openOverlap(open, day, func(s models.OpenSession) bool {
			return s.UserID == userID && s.GuildID == guildID
		})
		series[i] = Bucket{Window: day, Total: total}
	}
	return series, nil
}

// clipOpen treats an open session as if it ended at min(now, window end).
func (a *Aggregator) clipOpen(session models.OpenSession, w Window) time.Duration {
	end := a.now()
	if w.End.Before(end) {
		end = w.End
	}
	return w.Overlap(session.StartedAt, end)
}

func (a *Aggregator) openOverlap(open []models.OpenSession, w Window, match func(models.OpenSession) bool) time.Duration {
	var total time.Duration
	for _, session := range open {
		if match(session) {
			total += a.clipOpen(session, w)
		}
	}
	return total
}
