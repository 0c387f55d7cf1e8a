// Package httpapi assembles the HTTP server routes.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"ticketrender/internal/httpapi/handlers"
	"ticketrender/internal/httpkit"
	"ticketrender/internal/pkg/logger"
	"ticketrender/internal/pkg/middleware"
)

const requestTimeout = 30 * time.Second

type Deps struct {
	handlers.Deps
	CORSAllowedOrigins []string
}

func NewRouter(d Deps) http.Handler {
	log := logger.OrDefault(d.Log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recovery(log))
	r.Use(chimw.Timeout(requestTimeout))
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins: d.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	}))

	h := handlers.New(d.Deps)

	r.Get("/health", h.Health)
	if d.Renders != nil {
		r.Post("/tickets/{ticketId}/render", middleware.Wrap(log, h.RequestRender))
	}

	return r
}
