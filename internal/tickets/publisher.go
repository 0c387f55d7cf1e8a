package tickets

import (
	"context"
	"time"

	"ticketrender/internal/events"
	"ticketrender/internal/pkg/errors"
	"ticketrender/internal/pkg/logger"
)

// Store is the ticket persistence the publisher and consumer need.
type Store interface {
	LoadSnapshot(ctx context.Context, id int) (*events.TicketSnapshot, error)
	SetImageName(ctx context.Context, id int, name string) error
}

// RequestSender publishes render requests.
type RequestSender interface {
	Publish(ctx context.Context, req events.RenderRequest) error
}

// Publisher turns a ticket id into a RenderRequest on the request queue.
type Publisher struct {
	store  Store
	sender RequestSender
	log    *logger.Logger
	now    func() time.Time
}

func NewPublisher(store Store, sender RequestSender, log *logger.Logger) *Publisher {
	return &Publisher{
		store:  store,
		sender: sender,
		log:    logger.OrDefault(log).WithComponent("render-publisher"),
		now:    time.Now,
	}
}

// RequestRender loads the ticket, publishes a request for ticket-{id}.png
// and records that name on the ticket. An unknown ticket is a not-found
// error and nothing is published.
func (p *Publisher) RequestRender(ctx context.Context, ticketID int) (events.RenderRequest, error) {
	if ticketID <= 0 {
		return events.RenderRequest{}, errors.ValidationField("ticketId", "ticketId must be a positive integer")
	}

	ticket, err := p.store.LoadSnapshot(ctx, ticketID)
	if err != nil {
		return events.RenderRequest{}, err
	}

	req := events.NewRenderRequest(ticket, events.DefaultOutputPath(ticket.ID), p.now().UTC())
	if err := p.sender.Publish(ctx, req); err != nil {
		return events.RenderRequest{}, errors.Wrap(err, "tickets.request_render", "publish render request")
	}

	if err := p.store.SetImageName(ctx, ticket.ID, req.OutputPath); err != nil {
		return events.RenderRequest{}, errors.Wrap(err, "tickets.request_render", "record image name")
	}

	p.log.FromContext(ctx).Info("render requested",
		"ticket_id", ticket.ID,
		"event_id", req.EventID.String(),
		"output_path", req.OutputPath,
	)
	return req, nil
}
