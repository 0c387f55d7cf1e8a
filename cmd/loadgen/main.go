// Command loadgen publishes synthetic render requests to exercise a
// running worker.
package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"ticketrender/internal/config"
	"ticketrender/internal/events"
	"ticketrender/internal/messaging"
	"ticketrender/internal/messaging/transport"
	"ticketrender/internal/pkg/logger"
)

type options struct {
	count       int
	queue       string
	transport   string
	rate        float64
	concurrency int
	firstID     int
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, cfg *config.Config) (options, error) {
	opts := options{}
	fs := pflag.NewFlagSet("loadgen", pflag.ContinueOnError)
	fs.IntVarP(&opts.count, "count", "n", 100, "number of render requests to publish")
	fs.StringVarP(&opts.queue, "queue", "q", cfg.Bus.RenderRequestQueue, "render request queue")
	fs.StringVarP(&opts.transport, "transport", "t", cfg.Bus.Transport, "bus transport (memory, redis, kafka)")
	fs.Float64VarP(&opts.rate, "rate", "r", 10, "requests per second, 0 for unlimited")
	fs.IntVar(&opts.concurrency, "concurrency", 4, "parallel publishers")
	fs.IntVar(&opts.firstID, "first-id", 1, "ticket id of the first request")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	switch {
	case opts.count < 1:
		return opts, fmt.Errorf("--count must be at least 1")
	case opts.queue == "":
		return opts, fmt.Errorf("--queue is required when RENDER_REQUEST_QUEUE is unset")
	case opts.rate < 0:
		return opts, fmt.Errorf("--rate must not be negative")
	case opts.concurrency < 1:
		return opts, fmt.Errorf("--concurrency must be at least 1")
	}
	return opts, nil
}

func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	opts, err := parseFlags(args, cfg)
	if err != nil {
		return err
	}
	cfg.Bus.Transport = opts.transport
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, ServiceName: "ticketrender-loadgen"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tr, err := transport.New(cfg, log)
	if err != nil {
		return err
	}
	defer tr.Close()

	sender := messaging.NewSender[events.RenderRequest](tr.Bus, opts.queue, log)
	defer sender.Close(context.WithoutCancel(ctx))

	start := time.Now()
	if err := publish(ctx, sender.Publish, opts, time.Now); err != nil {
		return err
	}
	elapsed := time.Since(start)
	log.Info("load generation finished",
		"count", opts.count,
		"queue", opts.queue,
		"transport", opts.transport,
		"duration_ms", elapsed.Milliseconds(),
		"rate_achieved", float64(opts.count)/math.Max(elapsed.Seconds(), 1e-9),
	)
	return nil
}

// publish sends opts.count requests for consecutive ticket ids, paced by
// opts.rate across opts.concurrency publishers.
func publish(ctx context.Context, send messaging.HandlerFunc[events.RenderRequest], opts options, now func() time.Time) error {
	limit := rate.Inf
	if opts.rate > 0 {
		limit = rate.Limit(opts.rate)
	}
	limiter := rate.NewLimiter(limit, 1)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency)
	for i := range opts.count {
		if err := limiter.Wait(ctx); err != nil {
			if werr := g.Wait(); werr != nil {
				return werr
			}
			return err
		}
		id := opts.firstID + i
		g.Go(func() error {
			req := events.NewRenderRequest(syntheticTicket(id, now()), events.DefaultOutputPath(id), now().UTC())
			if err := send(ctx, req); err != nil {
				return fmt.Errorf("publish ticket %d: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func syntheticTicket(id int, now time.Time) *events.TicketSnapshot {
	return &events.TicketSnapshot{
		ID: id,
		Concert: &events.Concert{
			Artist:    fmt.Sprintf("Load Test Band %d", id%7),
			Location:  "The Releclouds Arena",
			StartTime: now.Add(30 * 24 * time.Hour).UTC().Truncate(time.Minute),
			Price:     float64(25 + id%50),
		},
		User:     &events.User{ID: fmt.Sprintf("loadgen-%d", id%100)},
		Customer: &events.Customer{Email: fmt.Sprintf("customer%d@example.com", id)},
	}
}
