// Package worker assembles the render pipeline: request queue, renderer,
// image store and completion topic, plus the worker's health endpoint.
package worker

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"ticketrender/internal/httpapi"
	"ticketrender/internal/httpapi/handlers"
	"ticketrender/internal/messaging"
	"ticketrender/internal/pkg/errors"
	"ticketrender/internal/pkg/logger"
	"ticketrender/internal/worker/barcode"
	"ticketrender/internal/worker/handler"
	"ticketrender/internal/worker/imagestore"
	"ticketrender/internal/worker/renderer"
)

const serviceName = "ticketrender-worker"

// Version is reported on /health.
var Version = "0.1.0"

type Worker struct {
	handler *handler.RenderRequestHandler
	images  *imagestore.Store
	router  http.Handler
	server  *http.Server
	log     *logger.Logger
}

func New(d Deps) (*Worker, error) {
	if d.Config == nil || d.Bus == nil || d.Storage == nil {
		return nil, errors.Validation("worker requires config, bus and storage")
	}
	cfg := d.Config
	log := logger.OrDefault(d.Log).WithComponent("worker")

	gen := d.Barcodes
	if gen == nil {
		gen = newBarcodeGenerator(cfg.Render.BarcodeSeed)
	}

	images := imagestore.New(d.Storage, cfg.Storage.Container, log)
	r, err := renderer.New(images, gen, log)
	if err != nil {
		return nil, err
	}

	h := handler.New(d.Bus, r, handler.Options{
		RequestQueue:  cfg.Bus.RenderRequestQueue,
		CompleteTopic: cfg.Bus.RenderCompleteTopic,
		Subscribe: messaging.SubscribeOptions{
			MaxConcurrentCalls: cfg.Bus.MaxConcurrentCalls,
			LeaseDuration:      cfg.Bus.LeaseDuration,
			MaxDeliveryCount:   cfg.Bus.MaxDeliveryCount,
		},
		OnError: busErrorLogger(log),
	}, log)

	w := &Worker{handler: h, images: images, log: log}
	w.router = httpapi.NewRouter(httpapi.Deps{
		Deps: handlers.Deps{
			Log:     log,
			Service: serviceName,
			Version: Version,
			Checks:  w.checks(d),
			Info: map[string]any{
				"bus_transport":         cfg.Bus.Transport,
				"bus_namespace":         d.Bus.Namespace(),
				"render_request_queue":  cfg.Bus.RenderRequestQueue,
				"render_complete_topic": cfg.Bus.RenderCompleteTopic,
				"max_concurrent_calls":  cfg.Bus.MaxConcurrentCalls,
			},
		},
		CORSAllowedOrigins: cfg.HTTP.CORSAllowedOrigins,
	})
	if cfg.HTTP.Port != "" {
		w.server = &http.Server{
			Addr:              ":" + cfg.HTTP.Port,
			Handler:           w.router,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return w, nil
}

func newBarcodeGenerator(seed uint64) barcode.Generator {
	if seed != 0 {
		return barcode.NewSeeded(seed)
	}
	return barcode.NewRandom()
}

func (w *Worker) checks(d Deps) map[string]handlers.CheckFunc {
	checks := map[string]handlers.CheckFunc{
		"storage": func(ctx context.Context) (map[string]any, error) {
			details := map[string]any{
				"provider": d.Storage.Provider(),
				"breaker":  w.images.BreakerState(),
			}
			return details, d.Storage.Ping(ctx)
		},
		"orchestrator": func(context.Context) (map[string]any, error) {
			state := w.handler.State()
			details := map[string]any{"state": state.String()}
			if state != handler.StateRunning {
				return details, errors.Unavailable("render request handler")
			}
			return details, nil
		},
	}
	if d.BusPing != nil {
		checks["bus"] = func(ctx context.Context) (map[string]any, error) {
			return map[string]any{"transport": d.Config.Bus.Transport}, d.BusPing(ctx)
		}
	}
	return checks
}

func busErrorLogger(log *logger.Logger) messaging.ErrorHandler {
	return func(ctx context.Context, ec messaging.ErrorContext, err error) {
		// Malformed bodies are dead-lettered and never retried.
		level := slog.LevelError
		if errors.IsMalformed(err) {
			level = slog.LevelWarn
		}
		log.FromContext(ctx).Log(ctx, level, "bus error",
			"namespace", ec.Namespace,
			"path", ec.Path,
			"source", string(ec.Source),
			"message_id", ec.MessageID,
			"error", err.Error(),
		)
	}
}

// Handler serves /health.
func (w *Worker) Handler() http.Handler { return w.router }

// State is the render request handler's lifecycle state.
func (w *Worker) State() handler.State { return w.handler.State() }

// Start subscribes to the request queue and starts the health server.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.handler.Start(ctx); err != nil {
		return err
	}
	if w.server != nil {
		go func() {
			w.log.Info("health server listening", "addr", w.server.Addr)
			if err := w.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				w.log.LogError(context.Background(), "health server failed", err)
			}
		}()
	}
	return nil
}

// Stop drains in-flight renders within ctx, then stops the health server.
func (w *Worker) Stop(ctx context.Context) error {
	err := w.handler.Close(ctx)
	if w.server != nil {
		err = errors.Join(err, w.server.Shutdown(ctx))
	}
	return err
}

// Run starts the worker and blocks until ctx is done, then stops it within
// shutdownTimeout.
func Run(ctx context.Context, d Deps, shutdownTimeout time.Duration) error {
	w, err := New(d)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	w.log.Info("worker context canceled, stopping")

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return w.Stop(stopCtx)
}

var _ handler.Renderer = (*renderer.Renderer)(nil)
