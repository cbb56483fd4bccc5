package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nexfid/fulfillment/config"
	"github.com/nexfid/fulfillment/pkg/docstore"
	"github.com/nexfid/fulfillment/pkg/fulfillment"
	zlog "github.com/nexfid/fulfillment/pkg/fulfillment/logger/zerolog"
	prommetrics "github.com/nexfid/fulfillment/pkg/fulfillment/metrics/prometheus"
	"github.com/nexfid/fulfillment/pkg/notify"
	"github.com/nexfid/fulfillment/pkg/webhook"
	"github.com/nexfid/fulfillment/storage/failover"
	"github.com/nexfid/fulfillment/storage/memory"
	"github.com/nexfid/fulfillment/storage/postgres"
)

func main() {
	cfg := config.Load()

	zl := zerolog.New(os.Stderr).With().Timestamp().Str("service", "fulfillment").Logger()
	if cfg.Server.Env == "development" {
		zl = zl.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	logger := zlog.NewLogger(zl)

	registry := prometheus.NewRegistry()
	metrics := prommetrics.NewMetrics(registry, "nexfid")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := buildStore(ctx, cfg, logger, metrics)

	controller, err := fulfillment.NewController(fulfillment.ControllerConfig{
		Store:        store,
		Documents:    buildDocumentStore(ctx, cfg, logger),
		Notifier:     buildNotifier(cfg, logger),
		Logger:       logger,
		Metrics:      metrics,
		SignedURLTTL: cfg.Storage.SignedURLTTL,
	})
	if err != nil {
		zl.Fatal().Err(err).Msg("failed to create controller")
	}

	webhookHandler, err := webhook.NewHandler(webhook.Config{
		Verifier:        webhook.NewVerifier(cfg.Stripe.WebhookSecret),
		Events:          controller,
		Logger:          logger,
		Metrics:         metrics,
		DispatchTimeout: cfg.Server.WebhookTimeout,
	})
	if err != nil {
		zl.Fatal().Err(err).Msg("failed to create webhook handler")
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Method(http.MethodPost, "/webhooks/stripe", webhookHandler)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	go func() {
		zl.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	zl.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zl.Error().Err(err).Msg("shutdown failed")
	}
}

// buildStore wires the dual-backend store: durable postgres primary when
// DATABASE_URL is set and reachable, volatile in-memory fallback otherwise.
func buildStore(ctx context.Context, cfg *config.Config, logger fulfillment.Logger, metrics fulfillment.Metrics) fulfillment.Store {
	var primary fulfillment.Store

	if cfg.Database.URL != "" {
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.Database.URL

		pg, err := postgres.New(ctx, pgConfig)
		if err != nil {
			logger.Error("durable store unavailable at startup, running degraded",
				fulfillment.Field{Key: "error", Value: err.Error()},
			)
		} else if err := pg.EnsureSchema(ctx); err != nil {
			logger.Error("schema check failed, running degraded",
				fulfillment.Field{Key: "error", Value: err.Error()},
			)
			pg.Close()
		} else {
			primary = pg
		}
	} else {
		logger.Warn("no DATABASE_URL configured, running on in-memory store only")
	}

	store, err := failover.New(failover.Config{
		Primary:  primary,
		Fallback: memory.New(),
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		// Only reachable with a nil fallback, which we never pass.
		panic(err)
	}
	return store
}

func buildDocumentStore(ctx context.Context, cfg *config.Config, logger fulfillment.Logger) fulfillment.DocumentStore {
	if cfg.Storage.Bucket == "" {
		logger.Warn("no DOCUMENTS_BUCKET configured, summary documents disabled")
		return nil
	}
	store, err := docstore.New(ctx, docstore.Config{
		Bucket: cfg.Storage.Bucket,
		Region: cfg.Storage.Region,
	})
	if err != nil {
		logger.Error("document store unavailable, summary documents disabled",
			fulfillment.Field{Key: "error", Value: err.Error()},
		)
		return nil
	}
	return store
}

func buildNotifier(cfg *config.Config, logger fulfillment.Logger) fulfillment.Notifier {
	if cfg.SMTP.Host == "" {
		logger.Warn("no SMTP_HOST configured, notifications disabled")
		return nil
	}
	sender, err := notify.NewSMTPSender(notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	})
	if err != nil {
		logger.Error("smtp sender misconfigured, notifications disabled",
			fulfillment.Field{Key: "error", Value: err.Error()},
		)
		return nil
	}
	notifier, err := notify.New(notify.Config{
		Sender:        sender,
		OperatorEmail: cfg.Notify.OperatorEmail,
		Logger:        logger,
	})
	if err != nil {
		return nil
	}
	return notifier
}
