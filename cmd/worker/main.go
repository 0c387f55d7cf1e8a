package main

import (
	"context"
	"os"

	"ticketrender/internal/config"
	"ticketrender/internal/messaging/transport"
	"ticketrender/internal/pkg/logger"
	"ticketrender/internal/pkg/shutdown"
	"ticketrender/internal/storage"
	"ticketrender/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault().LogFatal("failed to load configuration", err)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		AddSource:   cfg.Log.AddSource,
		ServiceName: "ticketrender-worker",
	})
	log.Info("starting ticket render worker",
		"version", worker.Version,
		"env", cfg.Env,
		"bus_transport", cfg.Bus.Transport,
		"storage_provider", cfg.Storage.Provider,
	)

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, cfg.ShutdownTimeout)

	tr, err := transport.New(cfg, log)
	if err != nil {
		log.LogFatal("failed to create message bus", err)
	}
	shutdownMgr.Register("bus", func(context.Context) error {
		return tr.Close()
	})
	if err := tr.Ping(ctx); err != nil {
		log.LogFatal("message bus unreachable", err, "transport", cfg.Bus.Transport)
	}
	log.Info("message bus connected", "transport", cfg.Bus.Transport, "namespace", tr.Bus.Namespace())

	sp, err := storage.NewProvider(ctx, cfg, log)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	log.Info("storage provider initialized", "provider", sp.Provider())

	w, err := worker.New(worker.Deps{
		Config:  cfg,
		Bus:     tr.Bus,
		Storage: sp,
		BusPing: tr.Ping,
		Log:     log,
	})
	if err != nil {
		log.LogFatal("failed to assemble worker", err)
	}

	// Registered last so it stops first, before the bus it consumes from.
	shutdownMgr.Register("worker", w.Stop)
	if err := w.Start(ctx); err != nil {
		log.LogError(ctx, "failed to start worker", err)
		shutdownMgr.Shutdown()
		os.Exit(1)
	}

	shutdownMgr.Wait(ctx)
}
