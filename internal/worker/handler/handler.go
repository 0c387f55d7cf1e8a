// Package handler wires the render request queue to the renderer and
// announces rendered tickets on the completion topic.
package handler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ticketrender/internal/events"
	"ticketrender/internal/messaging"
	"ticketrender/internal/pkg/errors"
	"ticketrender/internal/pkg/logger"
)

// State is the lifecycle state of a RenderRequestHandler.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Renderer renders a request and returns the stored path, or "" when
// nothing was stored.
type Renderer interface {
	RenderTicket(ctx context.Context, req events.RenderRequest) (string, error)
}

type Options struct {
	// RequestQueue is the queue to consume. Empty starts the handler without
	// subscribing.
	RequestQueue string
	// CompleteTopic receives RenderComplete events. Empty disables them.
	CompleteTopic string
	Subscribe     messaging.SubscribeOptions
	// OnError observes bus errors.
	OnError messaging.ErrorHandler
}

type RenderRequestHandler struct {
	bus      messaging.Bus
	renderer Renderer
	opts     Options
	log      *logger.Logger

	mu        sync.Mutex
	state     State
	closed    bool
	processor *messaging.Processor
	sender    *messaging.Sender[events.RenderComplete]

	now   func() time.Time
	newID func() uuid.UUID
}

func New(bus messaging.Bus, renderer Renderer, opts Options, log *logger.Logger) *RenderRequestHandler {
	log = logger.OrDefault(log).WithComponent("render-handler")
	if opts.Subscribe.Log == nil {
		opts.Subscribe.Log = log
	}
	return &RenderRequestHandler{
		bus:      bus,
		renderer: renderer,
		opts:     opts,
		log:      log,
		now:      time.Now,
		newID:    uuid.New,
	}
}

// State reports the current lifecycle state.
func (h *RenderRequestHandler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Start subscribes to the request queue. ctx bounds only the subscription
// setup; processing continues until Stop.
func (h *RenderRequestHandler) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return errors.Closed("render request handler")
	}
	if h.state != StateStopped {
		return errors.Newf(errors.CodeInternal, "render request handler cannot start while %s", h.state)
	}
	h.state = StateStarting

	queue := strings.TrimSpace(h.opts.RequestQueue)
	if queue == "" {
		h.log.Warn("no render request queue configured, running without a subscription")
		h.state = StateRunning
		return nil
	}

	if topic := strings.TrimSpace(h.opts.CompleteTopic); topic != "" {
		h.sender = messaging.NewSender[events.RenderComplete](h.bus, topic, h.log)
	}

	sender := h.sender
	handle := func(ctx context.Context, req events.RenderRequest) error {
		return h.handle(ctx, req, sender)
	}
	p, err := messaging.Subscribe(ctx, h.bus, queue, handle, h.opts.OnError, h.opts.Subscribe)
	if err != nil {
		if h.sender != nil {
			_ = h.sender.Close(ctx)
			h.sender = nil
		}
		h.state = StateStopped
		return err
	}
	h.processor = p
	h.state = StateRunning

	h.log.Info("render request handler started",
		"namespace", h.bus.Namespace(),
		"queue", queue,
		"complete_topic", h.opts.CompleteTopic,
	)
	return nil
}

func (h *RenderRequestHandler) handle(ctx context.Context, req events.RenderRequest, sender *messaging.Sender[events.RenderComplete]) error {
	ctx = logger.ContextWithEventID(ctx, req.EventID.String())
	log := h.log.FromContext(ctx)

	path, err := h.renderer.RenderTicket(ctx, req)
	if err != nil {
		return err
	}
	if path == "" {
		return nil
	}

	if sender == nil {
		log.Debug("no completion topic configured, not announcing render", "output_path", path)
		return nil
	}

	done := events.RenderComplete{
		EventID:      h.newID(),
		TicketID:     req.Ticket.ID,
		OutputPath:   path,
		CreationTime: h.now().UTC(),
	}
	if err := sender.Publish(ctx, done); err != nil {
		return errors.Wrap(err, "handler.publish", "publish render complete")
	}

	log.Info("render complete published",
		"ticket_id", done.TicketID,
		"output_path", done.OutputPath,
		"complete_event_id", done.EventID.String(),
	)
	return nil
}

// Stop stops the processor, letting in-flight requests finish within ctx,
// then closes the completion sender. Stop on a stopped handler is a no-op.
func (h *RenderRequestHandler) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.state != StateRunning {
		h.mu.Unlock()
		return nil
	}
	h.state = StateStopping
	p, s := h.processor, h.sender
	h.mu.Unlock()

	h.log.Info("stopping render request handler")

	var errs []error
	if p != nil {
		if err := p.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s != nil {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	h.mu.Lock()
	h.processor, h.sender = nil, nil
	h.state = StateStopped
	h.mu.Unlock()

	return errors.Join(errs...)
}

// Close stops the handler if needed and prevents restarts. Repeated calls are no-ops.
func (h *RenderRequestHandler) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	return h.Stop(ctx)
}
