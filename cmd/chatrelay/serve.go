package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/docvaulthq/chatrelay/internal/answer"
	"github.com/docvaulthq/chatrelay/internal/audit"
	"github.com/docvaulthq/chatrelay/internal/config"
	"github.com/docvaulthq/chatrelay/internal/db"
	"github.com/docvaulthq/chatrelay/internal/dispatch"
	"github.com/docvaulthq/chatrelay/internal/dlq"
	"github.com/docvaulthq/chatrelay/internal/docstore"
	"github.com/docvaulthq/chatrelay/internal/handlers"
	"github.com/docvaulthq/chatrelay/internal/healthcheck"
	"github.com/docvaulthq/chatrelay/internal/integration"
	"github.com/docvaulthq/chatrelay/internal/logger"
	"github.com/docvaulthq/chatrelay/internal/platform"
	"github.com/docvaulthq/chatrelay/internal/server"
	"github.com/docvaulthq/chatrelay/internal/signature"
	"github.com/docvaulthq/chatrelay/internal/thread"
	"github.com/docvaulthq/chatrelay/internal/vault"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			provideVerifier,
			provideCipher,
			providePlatformClient,
			provideSubscriptionManager,
			provideAnswerClient,
			provideDocstoreClient,
			integration.NewStore,
			thread.NewStore,
			dlq.NewWriter,
			audit.NewRecorder,
			provideDispatcher,
			handlers.NewPingHandler,
			provideWebhookHandler,
			provideIntegrationsHandler,
			provideServer,
			provideHealthcheck,
		),
		fx.Invoke(
			startHealthcheck,
			startServer,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideConfig() (config.Config, error) {
	return loadConfig()
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.Postgres); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return conn, nil
}

func provideVerifier(cfg config.Config) (*signature.Verifier, error) {
	tolerance := time.Duration(cfg.Webhook.ToleranceSeconds) * time.Second
	return signature.NewVerifier(cfg.Webhook.SigningSecret, tolerance)
}

func provideCipher(cfg config.Config) (*vault.Cipher, error) {
	return vault.NewCipher(cfg.Vault.Secret)
}

func providePlatformClient(log *slog.Logger, cfg config.Config) *platform.Client {
	timeout := time.Duration(cfg.Platform.TimeoutSeconds) * time.Second
	return platform.NewClient(log, cfg.Platform.BaseURL, cfg.Platform.DefaultCredential, timeout, cfg.Platform.MaxRetries)
}

func provideSubscriptionManager(client *platform.Client, cfg config.Config) *platform.SubscriptionManager {
	return platform.NewSubscriptionManager(client, cfg.Webhook.PublicEndpoint)
}

func provideAnswerClient(log *slog.Logger, cfg config.Config) *answer.Client {
	timeout := time.Duration(cfg.Answer.TimeoutSeconds) * time.Second
	return answer.NewClient(log, cfg.Answer.BaseURL, cfg.Answer.Mode, timeout)
}

func provideDocstoreClient(log *slog.Logger, cfg config.Config) *docstore.Client {
	timeout := time.Duration(cfg.Docstore.TimeoutSeconds) * time.Second
	return docstore.NewClient(log, cfg.Docstore.BaseURL, cfg.Docstore.APIKey, timeout)
}

func provideDispatcher(log *slog.Logger, cfg config.Config, integrations *integration.Store, threads *thread.Store, client *platform.Client, backend *answer.Client, documents *docstore.Client, deadLetters *dlq.Writer, audits *audit.Recorder, cipher *vault.Cipher) *dispatch.Dispatcher {
	return dispatch.NewDispatcher(log, integrations, threads, client, backend, documents, deadLetters, audits, cipher, dispatch.Options{
		AssistantIdentity: cfg.Webhook.AssistantIdentity,
		MentionMarker:     cfg.Webhook.MentionMarker,
		HistoryLimit:      cfg.Answer.HistoryLimit,
	})
}

func provideWebhookHandler(log *slog.Logger, verifier *signature.Verifier, dispatcher *dispatch.Dispatcher) *handlers.WebhookHandler {
	return handlers.NewWebhookHandler(log, verifier, dispatcher)
}

func provideIntegrationsHandler(log *slog.Logger, integrations *integration.Store, subscriptions *platform.SubscriptionManager, cipher *vault.Cipher, deadLetters *dlq.Writer, audits *audit.Recorder) *handlers.IntegrationsHandler {
	return handlers.NewIntegrationsHandler(log, integrations, subscriptions, cipher, deadLetters, audits)
}

func provideServer(log *slog.Logger, cfg config.Config, pingHandler *handlers.PingHandler, webhookHandler *handlers.WebhookHandler, integrationsHandler *handlers.IntegrationsHandler) *server.Server {
	return server.NewServer(log, cfg.Server.Addr, cfg.Auth.JWTSecret, pingHandler, webhookHandler, integrationsHandler)
}

func provideHealthcheck(log *slog.Logger, cfg config.Config, integrations *integration.Store, subscriptions *platform.SubscriptionManager, cipher *vault.Cipher) (*healthcheck.Scheduler, error) {
	if cfg.Healthcheck.Disabled {
		return nil, nil
	}
	checker := healthcheck.NewChecker(log, integrations, subscriptions, cipher, handlers.SubscribedEventTypes())
	return healthcheck.NewScheduler(log, checker, cfg.Healthcheck.Cron)
}

func startHealthcheck(lc fx.Lifecycle, scheduler *healthcheck.Scheduler) {
	if scheduler == nil {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { scheduler.Start(); return nil },
		OnStop:  func(ctx context.Context) error { scheduler.Stop(ctx); return nil },
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Echo().Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
