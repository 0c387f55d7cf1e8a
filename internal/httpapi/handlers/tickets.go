package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"ticketrender/internal/httpkit"
	"ticketrender/internal/pkg/errors"
)

type renderAccepted struct {
	EventID    string `json:"eventId"`
	TicketID   int    `json:"ticketId"`
	OutputPath string `json:"outputPath"`
}

// RequestRender handles POST /tickets/{ticketId}/render. The render runs
// asynchronously; 202 means the request was queued.
func (h *Handler) RequestRender(w http.ResponseWriter, r *http.Request) error {
	if h.renders == nil {
		return errors.Unavailable("render requests")
	}

	ticketID, err := strconv.Atoi(chi.URLParam(r, "ticketId"))
	if err != nil || ticketID <= 0 {
		return errors.ValidationField("ticketId", "ticketId must be a positive integer")
	}

	req, err := h.renders.RequestRender(r.Context(), ticketID)
	if err != nil {
		return err
	}

	httpkit.WriteJSON(w, http.StatusAccepted, renderAccepted{
		EventID:    req.EventID.String(),
		TicketID:   ticketID,
		OutputPath: req.OutputPath,
	})
	return nil
}
