// Package events holds the messages exchanged over the bus: render requests
// coming in and render completions going out. Field names follow the JSON
// contract shared with the producers, e.g. {"EventId": ..., "Ticket": {"Id": ...}}.
package events

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New()

// RenderRequest asks for one ticket image. Ticket is a read-only snapshot.
type RenderRequest struct {
	EventID      uuid.UUID       `json:"EventId"`
	Ticket       *TicketSnapshot `json:"Ticket" validate:"required"`
	OutputPath   string          `json:"OutputPath,omitempty"`
	CreationTime time.Time       `json:"CreationTime"`
}

// TicketSnapshot is the ticket as read from the ticket read model when the
// request was produced. Concert, User and Customer may be nil; such a ticket
// is well formed but cannot be rendered.
type TicketSnapshot struct {
	ID       int       `json:"Id"`
	Concert  *Concert  `json:"Concert" validate:"required"`
	User     *User     `json:"User" validate:"required"`
	Customer *Customer `json:"Customer" validate:"required"`
}

type Concert struct {
	Artist    string    `json:"Artist"`
	Location  string    `json:"Location"`
	StartTime time.Time `json:"StartTime"`
	Price     float64   `json:"Price"`
}

type User struct {
	ID          string `json:"Id,omitempty"`
	DisplayName string `json:"DisplayName,omitempty"`
}

type Customer struct {
	Email string `json:"Email"`
}

// RenderComplete announces a stored ticket image.
type RenderComplete struct {
	EventID      uuid.UUID `json:"EventId"`
	TicketID     int       `json:"TicketId"`
	OutputPath   string    `json:"OutputPath"`
	CreationTime time.Time `json:"CreationTime"`
}

// DefaultOutputPath is where a ticket image is stored when the request names no path.
func DefaultOutputPath(ticketID int) string {
	return fmt.Sprintf("ticket-%d.png", ticketID)
}

// ResolveOutputPath returns the requested path, or the ticket's default path.
// The ticket must be non-nil.
func (r RenderRequest) ResolveOutputPath() string {
	if p := strings.TrimSpace(r.OutputPath); p != "" {
		return p
	}
	return DefaultOutputPath(r.Ticket.ID)
}

// NewRenderRequest builds a request for ticket with a fresh event id.
func NewRenderRequest(ticket *TicketSnapshot, outputPath string, now time.Time) RenderRequest {
	return RenderRequest{
		EventID:      uuid.New(),
		Ticket:       ticket,
		OutputPath:   outputPath,
		CreationTime: now,
	}
}

// MissingPart names the first absent part in the order Ticket, Concert,
// User, Customer, or returns "" when the request can be rendered.
func (r RenderRequest) MissingPart() string {
	var verrs validator.ValidationErrors
	if errors.As(validate.Struct(r), &verrs) && len(verrs) > 0 {
		return verrs[0].StructField()
	}
	return ""
}
