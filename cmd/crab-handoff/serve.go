package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"crabstack.local/projects/crab-handoff/internal/channels"
	"crabstack.local/projects/crab-handoff/internal/config"
	"crabstack.local/projects/crab-handoff/internal/db"
	"crabstack.local/projects/crab-handoff/internal/dispatch"
	"crabstack.local/projects/crab-handoff/internal/handoff"
	"crabstack.local/projects/crab-handoff/internal/httpapi"
	"crabstack.local/projects/crab-handoff/internal/metrics"
	"crabstack.local/projects/crab-handoff/internal/protocol"
	"crabstack.local/projects/crab-handoff/internal/registry"
	"crabstack.local/projects/crab-handoff/internal/responder"
	"crabstack.local/projects/crab-handoff/internal/router"
	"crabstack.local/projects/crab-handoff/internal/session"
	"crabstack.local/projects/crab-handoff/internal/subscribers"
	logging "crabstack.local/projects/crab-handoff/internal/subscribers/logging"
	"crabstack.local/projects/crab-handoff/internal/subscribers/webhook"
	"crabstack.local/projects/crab-handoff/internal/sweeper"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the realtime handoff server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), a.cfg, a.logger)
		},
	}
}

func serve(parent context.Context, cfg config.Config, logger *logrus.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("store close error")
		}
	}()
	durable := session.NewRetryingStore(store, logger, cfg.PersistRetries, cfg.PersistBackoff)

	cache := session.NewCache(durable, logger, session.WithEvictionDelay(cfg.EvictionDelay))
	reg := registry.New(logger)
	machine := handoff.New(
		handoff.WithIntakePrompts(handoff.IntakePrompts{
			AskName:  cfg.Intake.AskName,
			AskEmail: cfg.Intake.AskEmail,
			Ready:    cfg.Intake.Ready,
		}),
		handoff.WithDefaultLanguage(cfg.DefaultLanguage),
	)

	m := metrics.New()
	m.RegisterGaugeFunc("cached_sessions", "Sessions held in the cache.", func() float64 {
		return float64(cache.Len())
	})
	m.RegisterGaugeFunc("registered_connections", "Live realtime connections.", func() float64 {
		return float64(reg.Connections())
	})

	dispatcher := dispatch.New(logger, lifecycleSubscribers(cfg, logger),
		dispatch.WithRetry(cfg.Notifications.RetryCount, cfg.Notifications.RetryBackoff))
	defer dispatcher.Wait()

	rt := router.New(logger, cache, durable, reg, machine,
		router.WithResponder(newResponder(cfg, logger)),
		router.WithSender(newChannelSender(cfg, logger)),
		router.WithNotifier(dispatcher),
		router.WithBotConfig(botConfigLookup(cfg)),
		router.WithMetrics(m),
		router.WithEvictionDelay(cfg.EvictionDelay),
		router.WithQueueSize(cfg.SessionQueueSize),
	)
	defer rt.Wait()

	srv := httpapi.NewServer(logger, cfg.HTTPAddr, rt, reg, cache, durable,
		httpapi.WithMetrics(m),
		httpapi.WithConnectionBuffer(cfg.ConnectionBuffer),
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sw := sweeper.New(logger, cache, rt, m, cfg.IdleTimeout, cfg.SweepInterval)
	if err := sw.Start(ctx); err != nil {
		return err
	}
	defer sw.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server crashed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Closes open websockets too, so the deferred router drain and store
	// close run with no socket still feeding events.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http server shutdown error")
	}
	logger.Info("shut down")
	return nil
}

func openStore(cfg config.Config, logger logrus.FieldLogger) (session.Store, error) {
	if cfg.DBDriver == "memory" {
		return session.NewMemoryStore(), nil
	}
	store, err := session.OpenGormStore(storeOptions(cfg, logger))
	if err != nil {
		return nil, fmt.Errorf("initialize session store: %w", err)
	}
	return store, nil
}

func storeOptions(cfg config.Config, logger logrus.FieldLogger) db.Options {
	return db.Options{
		Driver:       cfg.DBDriver,
		DSN:          cfg.DBDSN,
		Logger:       logger,
		MaxOpenConns: cfg.DBMaxOpenConns,
	}
}

// newResponder puts the keyword handoff detector in front of the remote bot,
// when one is configured.
func newResponder(cfg config.Config, logger logrus.FieldLogger) responder.Responder {
	var next responder.Responder
	if cfg.Responder.URL != "" {
		next = responder.NewHTTPResponder(cfg.Responder.URL,
			responder.WithToken(cfg.Responder.Token),
			responder.WithHTTPClient(&http.Client{Timeout: cfg.Responder.Timeout}),
		)
	}
	return responder.NewKeywordResponder(logger, cfg.Responder.Keywords, next, cfg.Responder.Fallback)
}

func newChannelSender(cfg config.Config, logger logrus.FieldLogger) channels.Sender {
	mux := channels.NewMux(func(workspaceID string, channel protocol.Channel) channels.Config {
		account := cfg.Workspace(workspaceID).Channels[string(channel)]
		return channels.Config{AccountID: account.AccountID, Token: account.Token}
	})
	if cfg.Sender.URL != "" {
		mux.Register(protocol.ChannelWhatsApp, channels.NewHTTPSender(cfg.Sender.URL, cfg.Sender.Token, logger,
			channels.WithRateLimit(cfg.Sender.Rate, cfg.Sender.Burst)))
	} else {
		logger.Warn("no channel sender configured; whatsapp replies will not be delivered")
	}
	return mux
}

func botConfigLookup(cfg config.Config) router.BotConfigFunc {
	return func(workspaceID string) protocol.BotConfig {
		bot := cfg.Workspace(workspaceID).Bot
		return protocol.BotConfig{
			Name:           bot.Name,
			AvatarURL:      bot.AvatarURL,
			PrimaryColor:   bot.PrimaryColor,
			WelcomeMessage: bot.WelcomeMessage,
		}
	}
}

func lifecycleSubscribers(cfg config.Config, logger logrus.FieldLogger) []subscribers.Subscriber {
	subs := []subscribers.Subscriber{logging.New(logger)}
	for idx, webhookURL := range cfg.Notifications.WebhookURLs {
		name := webhookSubscriberName(idx, webhookURL)
		subs = append(subs, webhook.New(name, webhookURL, logger,
			webhook.WithBearerToken(cfg.Notifications.WebhookToken)))
	}
	return subs
}

func webhookSubscriberName(index int, webhookURL string) string {
	parsed, err := url.Parse(webhookURL)
	if err == nil {
		host := strings.TrimSpace(parsed.Host)
		if host != "" {
			return host
		}
	}
	return fmt.Sprintf("webhook-%d", index+1)
}
