package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stupiduntilnot/mctrelay/internal/completion"
	"github.com/stupiduntilnot/mctrelay/internal/config"
	"github.com/stupiduntilnot/mctrelay/internal/db"
	"github.com/stupiduntilnot/mctrelay/internal/dummy"
	"github.com/stupiduntilnot/mctrelay/internal/metrics"
	"github.com/stupiduntilnot/mctrelay/internal/relay"
	"github.com/stupiduntilnot/mctrelay/internal/server"
	"github.com/stupiduntilnot/mctrelay/internal/session"
	"github.com/stupiduntilnot/mctrelay/internal/telegram"
)

// telegramSlack is added to the long-poll timeout for the HTTP client deadline.
const telegramSlack = 20 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay and its HTTP endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	configureLogging(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.OpenDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.InitSchema(database); err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}

	journal, err := db.NewJournal(database, map[string]any{
		"pid":       os.Getpid(),
		"transport": cfg.Transport,
		"provider":  cfg.Provider,
		"model":     cfg.Model,
	})
	if err != nil {
		return err
	}

	store, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		return err
	}

	client, err := telegram.NewClient(cfg.TelegramToken, cfg.TelegramEndpoint, time.Duration(cfg.PollTimeout)*time.Second+telegramSlack)
	if err != nil {
		return err
	}

	m := metrics.New()
	handler := relay.NewHandler(store, provider, client, journal, m, relay.Options{
		RequireAck: cfg.RequireAck,
		AckPhrase:  cfg.AckPhrase,
		ReplyDelay: cfg.ReplyDelay,
	})

	sweeper, err := session.NewSweeper(store, cfg.SweepSchedule, m.ObserveSweep, journalSweepHook(journal, cfg.SessionTTL))
	if err != nil {
		return err
	}
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	log.Info().
		Str("bot", client.Username()).
		Str("transport", cfg.Transport).
		Str("provider", cfg.Provider).
		Str("model", cfg.Model).
		Int("max_tokens", cfg.MaxTokens).
		Float32("temperature", cfg.Temperature).
		Str("store", cfg.SessionStore).
		Bool("require_ack", cfg.RequireAck).
		Msg("mctrelay starting")

	deps := server.Dependencies{
		Store:         store,
		Metrics:       m,
		Mode:          cfg.Transport,
		WebhookSecret: cfg.WebhookSecret,
		StartedAt:     time.Now(),
		BaseContext:   ctx,
	}
	if cfg.Transport == config.TransportWebhook {
		deps.Updates = handler
	}
	app := server.NewHTTPServer(deps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("address", cfg.HTTPAddress).Msg("HTTP server listening")
		return app.Listen(cfg.HTTPAddress, fiber.ListenConfig{
			GracefulContext:       gctx,
			DisableStartupMessage: true,
			ShutdownTimeout:       10 * time.Second,
		})
	})

	switch cfg.Transport {
	case config.TransportWebhook:
		g.Go(func() error {
			if err := client.SetWebhook(server.WebhookURL(cfg.WebhookURL, cfg.WebhookSecret)); err != nil {
				return fmt.Errorf("failed to register webhook: %w", err)
			}
			log.Info().Msg("Webhook registered")
			return nil
		})
	default:
		if err := client.DeleteWebhook(cfg.DropPending); err != nil {
			log.Warn().Err(err).Msg("Failed to clear webhook before polling")
		}
		poller := relay.NewPoller(client, handler, journal, relay.PollOptions{
			Timeout:     cfg.PollTimeout,
			DropPending: cfg.DropPending,
		})
		g.Go(func() error { return poller.Run(gctx) })
	}

	err = g.Wait()
	reason := "signal"
	if err != nil {
		reason = err.Error()
		log.Error().Err(err).Msg("mctrelay stopped with error")
	} else {
		log.Info().Msg("mctrelay stopped")
	}
	journal.Record(nil, db.EventProcessStopped, map[string]any{"reason": reason})
	return err
}

func newStore(ctx context.Context, cfg *config.Config) (session.Store, func(), error) {
	opts := session.Options{
		SystemPrompt: cfg.SystemPrompt,
		MaxLength:    cfg.HistoryMaxLength,
		TTL:          cfg.SessionTTL,
		Capacity:     cfg.SessionCapacity,
	}
	if cfg.SessionStore != config.StoreRedis {
		return session.NewMemoryStore(opts), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	var options []session.RedisOption
	if cfg.RedisPrefix != "" {
		options = append(options, session.WithKeyPrefix(cfg.RedisPrefix))
	}
	return session.NewRedisStore(client, opts, options...), func() { client.Close() }, nil
}

func newProvider(ctx context.Context, cfg *config.Config) (completion.Provider, error) {
	settings := completion.Settings{
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
	switch cfg.Provider {
	case config.ProviderGemini:
		return completion.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiBaseURL, settings, cfg.RequestTimeout)
	case config.ProviderDummy:
		return dummy.NewProvider(cfg.Model, cfg.DummyScript)
	default:
		return completion.NewOpenRouter(cfg.OpenRouterAPIKey, cfg.OpenRouterBaseURL, settings, cfg.RequestTimeout), nil
	}
}

// journalSweepHook records each sweep and prunes inbox rows older than ttl.
func journalSweepHook(journal *db.Journal, ttl time.Duration) session.SweepHook {
	return func(res session.SweepResult) {
		pruned, err := journal.PruneBefore(time.Now().Add(-ttl))
		if err != nil {
			log.Warn().Err(err).Msg("Failed to prune inbox")
		}
		journal.Record(nil, db.EventSweepCompleted, map[string]any{
			"expired":      res.Expired,
			"evicted":      res.Evicted,
			"remaining":    res.Remaining,
			"inbox_pruned": pruned,
		})
	}
}
