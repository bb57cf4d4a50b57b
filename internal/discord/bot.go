package discord

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"voicestats/internal/chart"
	"voicestats/internal/metrics"
	"voicestats/internal/models"
	"voicestats/internal/stats"
	"voicestats/internal/tracker"
	"voicestats/pkg/utils"
)

const (
	defaultStatsDays  = 7
	maxStatsDays      = 30
	channelWindowDays = 30
	leaderboardSize   = 10
)

// Bot is the platform adapter: it translates gateway voice-state updates
// into presence events for the tracker and routes text commands to the
// aggregator. Day and week boundaries are aligned in UTC.
type Bot struct {
	session    *discordgo.Session
	tracker    *tracker.Tracker
	aggregator *stats.Aggregator
	recorder   metrics.Recorder
	clock      tracker.Clock
	logger     zerolog.Logger
	prefix     string
	startedAt  time.Time
}

// New creates the Discord bot and registers its handlers.
func New(token, prefix string, tr *tracker.Tracker, agg *stats.Aggregator, recorder metrics.Recorder, clock tracker.Clock, logger zerolog.Logger) (*Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent

	bot := &Bot{
		session:    session,
		tracker:    tr,
		aggregator: agg,
		recorder:   recorder,
		clock:      clock,
		logger:     logger,
		prefix:     prefix,
	}

	session.AddHandler(bot.voiceStateUpdate)
	session.AddHandler(bot.messageCreate)

	return bot, nil
}

// Start opens the gateway connection.
func (b *Bot) Start() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}
	b.startedAt = b.clock.Now()
	b.logger.Info().Msg("bot is running")
	return nil
}

// Stop closes the gateway connection. The tracker is flushed separately by
// the caller so sessions are bounded before the process exits.
func (b *Bot) Stop() error {
	return b.session.Close()
}

// voiceStateUpdate translates one gateway payload into a presence event.
// Malformed payloads are dropped here so the tracker only ever sees events
// with a user and guild; bot users are ignored to keep the data clean.
func (b *Bot) voiceStateUpdate(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs.UserID == "" || vs.GuildID == "" {
		b.recorder.IncEventsDropped()
		b.logger.Warn().Str("user", vs.UserID).Str("guild", vs.GuildID).
			Msg("malformed voice state update dropped")
		return
	}
	if vs.Member != nil && vs.Member.User != nil && vs.Member.User.Bot {
		return
	}

	prevChannel := ""
	if vs.BeforeUpdate != nil {
		prevChannel = vs.BeforeUpdate.ChannelID
	}

	// The gateway payload carries no event timestamp, so receipt time is
	// the boundary value.
	b.tracker.HandleEvent(models.PresenceEvent{
		UserID:        vs.UserID,
		GuildID:       vs.GuildID,
		ChannelID:     vs.ChannelID,
		PrevChannelID: prevChannel,
		At:            b.clock.Now(),
	})
}

func (b *Bot) messageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.Bot || m.GuildID == "" {
		return
	}

	content := strings.TrimSpace(m.Content)
	if !strings.HasPrefix(content, b.prefix) {
		return
	}
	content = strings.TrimPrefix(content, b.prefix)

	switch {
	case strings.HasPrefix(content, "stats"):
		b.handleStats(s, m, strings.Fields(strings.TrimPrefix(content, "stats")))
	case content == "weekly":
		b.handleWeekly(s, m)
	case content == "voice":
		b.handleVoice(s, m)
	case content == "ping":
		b.handlePing(s, m)
	}
}

// handleStats answers "stats [days] [@user]" with a total and a bar chart of
// daily hours, mirroring the aggregator's live daily series.
func (b *Bot) handleStats(s *discordgo.Session, m *discordgo.MessageCreate, args []string) {
	days := defaultStatsDays
	targetID := m.Author.ID
	targetName := m.Author.Username

	for _, arg := range args {
		if utils.IsUserMention(arg) {
			targetID = utils.ExtractUserIDFromMention(arg)
			targetName = utils.FormatUserMention(targetID)
			continue
		}
		if n, err := strconv.Atoi(arg); err == nil && n > 0 {
			days = n
		}
	}
	if days > maxStatsDays {
		days = maxStatsDays
	}

	now := b.clock.Now()
	firstDay := midnightUTC(now).AddDate(0, 0, -(days - 1))

	series, err := b.aggregator.DailySeries(context.Background(), targetID, m.GuildID, firstDay, days, b.tracker.Snapshot())
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to compute daily series")
		s.ChannelMessageSend(m.ChannelID, "Something went wrong fetching statistics.")
		return
	}

	var total time.Duration
	for _, bucket := range series {
		total += bucket.Total
	}
	if total == 0 {
		s.ChannelMessageSend(m.ChannelID,
			fmt.Sprintf("No voice activity recorded for %s in the past %d days.", targetName, days))
		return
	}

	png, err := chart.DailyHours(fmt.Sprintf("Voice Hours (Last %d Days)", days), series)
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to render chart")
	}

	msg := &discordgo.MessageSend{
		Content: fmt.Sprintf("**%s** spent **%s** in voice channels this past **%d** days.",
			targetName, utils.FormatHoursMinutes(total), days),
	}
	if png != nil {
		msg.Files = []*discordgo.File{{Name: "stats.png", Reader: bytes.NewReader(png)}}
	}
	if _, err := s.ChannelMessageSendComplex(m.ChannelID, msg); err != nil {
		b.logger.Error().Err(err).Msg("failed to send stats message")
	}
}

// handleWeekly answers "weekly" with the guild-wide overview of the last
// seven days: total activity plus a ranked leaderboard.
func (b *Bot) handleWeekly(s *discordgo.Session, m *discordgo.MessageCreate) {
	now := b.clock.Now()
	week := stats.Week(midnightUTC(now).AddDate(0, 0, -6))

	overview, err := b.aggregator.GuildOverview(context.Background(), m.GuildID, week, b.tracker.Snapshot())
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to compute guild overview")
		s.ChannelMessageSend(m.ChannelID, "Something went wrong fetching statistics.")
		return
	}
	if overview.Total == 0 {
		s.ChannelMessageSend(m.ChannelID, "No voice activity recorded this week.")
		return
	}

	var lines []string
	for i, entry := range overview.Ranking {
		if i >= leaderboardSize {
			break
		}
		lines = append(lines, utils.FormatLeaderboardEntry(i+1,
			utils.FormatUserMention(entry.UserID),
			utils.FormatDuration(int64(entry.Total.Seconds()))))
	}

	msg := fmt.Sprintf("📊 Weekly voice activity: **%s** total\n%s",
		utils.FormatHoursMinutes(overview.Total), strings.Join(lines, "\n"))
	s.ChannelMessageSend(m.ChannelID, msg)
}

// handleVoice answers "voice" with the caller's per-channel breakdown over
// the last 30 days.
func (b *Bot) handleVoice(s *discordgo.Session, m *discordgo.MessageCreate) {
	now := b.clock.Now()
	window := stats.Window{
		Start: midnightUTC(now).AddDate(0, 0, -(channelWindowDays - 1)),
		End:   now,
	}

	buckets, err := b.aggregator.UserChannels(context.Background(), m.Author.ID, m.GuildID, window, b.tracker.Snapshot())
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to compute channel breakdown")
		s.ChannelMessageSend(m.ChannelID, "Something went wrong fetching per-channel statistics.")
		return
	}

	if len(buckets) == 0 {
		s.ChannelMessageSend(m.ChannelID,
			fmt.Sprintf("🔊 %s, no voice activity in the past %d days.", m.Author.Username, channelWindowDays))
		return
	}

	var total time.Duration
	var lines []string
	for _, bucket := range buckets {
		total += bucket.Total
		lines = append(lines, fmt.Sprintf("%s: %s",
			utils.FormatChannelMention(bucket.ChannelID),
			utils.FormatDuration(int64(bucket.Total.Seconds()))))
	}

	msg := fmt.Sprintf("🔊 %s, voice per channel (last %d days):\n%s\nTotal: %s",
		m.Author.Username, channelWindowDays, strings.Join(lines, "\n"),
		utils.FormatDuration(int64(total.Seconds())))
	s.ChannelMessageSend(m.ChannelID, msg)
}

func (b *Bot) handlePing(s *discordgo.Session, m *discordgo.MessageCreate) {
	uptime := b.clock.Now().Sub(b.startedAt).Round(time.Second)
	s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("**Pong!** The bot has been online for %s.", uptime))
}

// midnightUTC truncates a time to the start of its UTC day.
func midnightUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
