package tickets

import (
	"context"
	"strings"
	"sync"

	"ticketrender/internal/events"
	"ticketrender/internal/messaging"
	"ticketrender/internal/pkg/errors"
	"ticketrender/internal/pkg/logger"
)

// CompletionConsumer applies RenderComplete events to the ticket store.
type CompletionConsumer struct {
	bus   messaging.Bus
	store Store
	topic string
	opts  messaging.SubscribeOptions
	log   *logger.Logger

	mu        sync.Mutex
	processor *messaging.Processor
	running   bool
}

func NewCompletionConsumer(bus messaging.Bus, store Store, topic string, opts messaging.SubscribeOptions, log *logger.Logger) *CompletionConsumer {
	log = logger.OrDefault(log).WithComponent("render-complete-consumer")
	if opts.Log == nil {
		opts.Log = log
	}
	return &CompletionConsumer{
		bus:   bus,
		store: store,
		topic: strings.TrimSpace(topic),
		opts:  opts,
		log:   log,
	}
}

// Start subscribes to the completion topic. With no topic configured it
// logs a warning and consumes nothing.
func (c *CompletionConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return errors.New(errors.CodeInternal, "render complete consumer already running")
	}
	if c.topic == "" {
		c.log.Warn("no render complete topic configured, ticket image names will not be updated")
		c.running = true
		return nil
	}

	p, err := messaging.Subscribe(ctx, c.bus, c.topic, c.apply, nil, c.opts)
	if err != nil {
		return err
	}
	c.processor = p
	c.running = true
	c.log.Info("render complete consumer started", "topic", c.topic)
	return nil
}

func (c *CompletionConsumer) apply(ctx context.Context, done events.RenderComplete) error {
	log := c.log.FromContext(logger.ContextWithEventID(ctx, done.EventID.String()))

	err := c.store.SetImageName(ctx, done.TicketID, done.OutputPath)
	switch {
	case errors.IsNotFound(err):
		log.Warn("no ticket for render complete event", "ticket_id", done.TicketID)
		return nil
	case err != nil:
		return err
	}

	log.Info("ticket image name updated", "ticket_id", done.TicketID, "output_path", done.OutputPath)
	return nil
}

// Stop waits for in-flight events within ctx. The consumer can be started again.
func (c *CompletionConsumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	p := c.processor
	c.processor = nil
	c.running = false
	c.mu.Unlock()

	if p == nil {
		return nil
	}
	return p.Close(ctx)
}
