// Package handlers implements the HTTP endpoints of the api and worker servers.
package handlers

import (
	"context"

	"ticketrender/internal/events"
	"ticketrender/internal/pkg/logger"
)

// RenderRequester publishes a render request for a ticket.
type RenderRequester interface {
	RequestRender(ctx context.Context, ticketID int) (events.RenderRequest, error)
}

// CheckFunc probes one dependency. Returned details are reported even on error.
type CheckFunc func(ctx context.Context) (map[string]any, error)

type Deps struct {
	Log     *logger.Logger
	Service string
	Version string
	// Renders is nil on servers that cannot publish.
	Renders RenderRequester
	// Checks run on /health?deep=true, keyed by dependency name.
	Checks map[string]CheckFunc
	// Info is static configuration reported on deep health checks.
	Info map[string]any
}

type Handler struct {
	log     *logger.Logger
	service string
	version string
	renders RenderRequester
	checks  map[string]CheckFunc
	info    map[string]any
}

func New(d Deps) *Handler {
	return &Handler{
		log:     logger.OrDefault(d.Log).WithComponent("http"),
		service: d.Service,
		version: d.Version,
		renders: d.Renders,
		checks:  d.Checks,
		info:    d.Info,
	}
}
