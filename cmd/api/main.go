package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"ticketrender/internal/config"
	"ticketrender/internal/events"
	"ticketrender/internal/httpapi"
	"ticketrender/internal/httpapi/handlers"
	"ticketrender/internal/messaging"
	"ticketrender/internal/messaging/transport"
	"ticketrender/internal/pkg/logger"
	"ticketrender/internal/pkg/shutdown"
	"ticketrender/internal/tickets"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault().LogFatal("failed to load configuration", err)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		AddSource:   cfg.Log.AddSource,
		ServiceName: "ticketrender-api",
	})
	log.Info("starting ticket render api", "version", version, "env", cfg.Env)

	if cfg.Database.URL == "" {
		log.LogFatal("missing required configuration", nil, "key", "DATABASE_URL")
	}
	if cfg.Bus.RenderRequestQueue == "" {
		log.LogFatal("missing required configuration", nil, "key", "RENDER_REQUEST_QUEUE")
	}

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, cfg.ShutdownTimeout)

	log.Info("connecting to PostgreSQL")
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		log.LogFatal("failed to connect to PostgreSQL", err)
	}
	shutdownMgr.RegisterSimple("postgres", pool.Close)
	if err := pool.Ping(ctx); err != nil {
		log.LogFatal("failed to ping PostgreSQL", err)
	}
	log.Info("PostgreSQL connected")

	tr, err := transport.New(cfg, log)
	if err != nil {
		log.LogFatal("failed to create message bus", err)
	}
	shutdownMgr.Register("bus", func(context.Context) error { return tr.Close() })
	if err := tr.Ping(ctx); err != nil {
		log.LogFatal("message bus unreachable", err, "transport", cfg.Bus.Transport)
	}

	repo := tickets.NewRepository(pool)
	sender := messaging.NewSender[events.RenderRequest](tr.Bus, cfg.Bus.RenderRequestQueue, log)
	shutdownMgr.Register("render-request-sender", sender.Close)
	publisher := tickets.NewPublisher(repo, sender, log)

	consumer := tickets.NewCompletionConsumer(tr.Bus, repo, cfg.Bus.RenderCompleteTopic, messaging.SubscribeOptions{
		MaxConcurrentCalls: cfg.Bus.MaxConcurrentCalls,
		LeaseDuration:      cfg.Bus.LeaseDuration,
		MaxDeliveryCount:   cfg.Bus.MaxDeliveryCount,
	}, log)
	if err := consumer.Start(ctx); err != nil {
		log.LogFatal("failed to start render complete consumer", err)
	}
	shutdownMgr.Register("render-complete-consumer", consumer.Stop)

	router := httpapi.NewRouter(httpapi.Deps{
		Deps: handlers.Deps{
			Log:     log,
			Service: "ticketrender-api",
			Version: version,
			Renders: publisher,
			Checks: map[string]handlers.CheckFunc{
				"postgres": func(ctx context.Context) (map[string]any, error) {
					stats := pool.Stat()
					return map[string]any{
						"total_conns":    stats.TotalConns(),
						"idle_conns":     stats.IdleConns(),
						"acquired_conns": stats.AcquiredConns(),
					}, pool.Ping(ctx)
				},
				"bus": func(ctx context.Context) (map[string]any, error) {
					return map[string]any{"transport": cfg.Bus.Transport}, tr.Ping(ctx)
				},
			},
			Info: map[string]any{
				"bus_namespace":         tr.Bus.Namespace(),
				"render_request_queue":  cfg.Bus.RenderRequestQueue,
				"render_complete_topic": cfg.Bus.RenderCompleteTopic,
			},
		},
		CORSAllowedOrigins: cfg.HTTP.CORSAllowedOrigins,
	})

	server := &http.Server{
		Addr:         "0.0.0.0:" + cfg.HTTP.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	shutdownMgr.Wait(ctx)
}
