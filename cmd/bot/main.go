package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"voicestats/internal/config"
	"voicestats/internal/discord"
	"voicestats/internal/livestate"
	"voicestats/internal/metrics"
	"voicestats/internal/stats"
	"voicestats/internal/store"
	"voicestats/internal/tracker"
)

const flushTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	sessionStore, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseDSN, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open session store")
	}
	defer sessionStore.Close()

	recorder := metrics.Noop()
	if cfg.MetricsAddr != "" {
		recorder = metrics.NewRecorder()
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
				logger.Error().Err(err).Msg("metrics listener stopped")
			}
		}()
	}

	opts := []tracker.Option{tracker.WithRecorder(recorder)}

	var mirror *livestate.Mirror
	if cfg.RedisURL != "" {
		mirror, err = livestate.Connect(context.Background(), cfg.RedisURL)
		if err != nil {
			// The mirror is a recovery aid, not a dependency: start without
			// it and accept that sessions open during a crash are lost.
			logger.Warn().Err(err).Msg("live-state mirror unavailable, starting without it")
		} else {
			defer mirror.Close()
			opts = append(opts, tracker.WithMirror(mirror))
		}
	}

	tr := tracker.New(sessionStore, logger, opts...)

	if mirror != nil {
		recovered, err := mirror.LoadAll(context.Background())
		if err != nil {
			logger.Warn().Err(err).Msg("could not recover mirrored open sessions")
		} else if len(recovered) > 0 {
			tr.Restore(recovered)
			logger.Info().Int("sessions", len(recovered)).Msg("resumed open sessions from mirror")
		}
	}

	aggregator := stats.New(sessionStore, nil)

	bot, err := discord.New(cfg.DiscordToken, cfg.CommandPrefix, tr, aggregator, recorder, tracker.SystemClock(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create Discord bot")
	}

	if err := bot.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start bot")
	}

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	logger.Info().Msg("shutting down")

	// Stop the event source first, then flush so every open session is
	// bounded and persisted before exit.
	if err := bot.Stop(); err != nil {
		logger.Error().Err(err).Msg("error closing Discord connection")
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := tr.Close(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown flush incomplete")
	}
}
