// Package tickets is the ticket side of rendering: it reads ticket
// snapshots from Postgres, requests renders and records the stored image
// name once a render completes.
package tickets

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"ticketrender/internal/events"
	"ticketrender/internal/pkg/errors"
)

// DB is the part of *pgxpool.Pool the repository uses.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

const snapshotQuery = `
	SELECT t.id,
	       c.id, c.artist, c.location, c.start_time, c.price,
	       u.id, u.display_name,
	       cu.id, cu.email
	FROM tickets t
	LEFT JOIN concerts c ON c.id = t.concert_id
	LEFT JOIN users u ON u.id = t.user_id
	LEFT JOIN customers cu ON cu.id = t.customer_id
	WHERE t.id = $1
`

// LoadSnapshot reads ticket id with its concert, user and customer. A
// dangling reference leaves the matching part nil.
func (r *Repository) LoadSnapshot(ctx context.Context, id int) (*events.TicketSnapshot, error) {
	var (
		ticketID    int
		concertID   *int64
		artist      *string
		location    *string
		startTime   *time.Time
		price       *float64
		userID      *string
		displayName *string
		customerID  *int64
		email       *string
	)
	err := r.db.QueryRow(ctx, snapshotQuery, id).Scan(
		&ticketID,
		&concertID, &artist, &location, &startTime, &price,
		&userID, &displayName,
		&customerID, &email,
	)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NotFound("ticket", id)
		}
		return nil, wrapPG(err, "tickets.load", "load ticket snapshot")
	}

	t := &events.TicketSnapshot{ID: ticketID}
	if concertID != nil {
		t.Concert = &events.Concert{
			Artist:    deref(artist),
			Location:  deref(location),
			StartTime: deref(startTime),
			Price:     deref(price),
		}
	}
	if userID != nil {
		t.User = &events.User{ID: *userID, DisplayName: deref(displayName)}
	}
	if customerID != nil {
		t.Customer = &events.Customer{Email: deref(email)}
	}
	return t, nil
}

// SetImageName records where the ticket's image is stored.
func (r *Repository) SetImageName(ctx context.Context, id int, name string) error {
	tag, err := r.db.Exec(ctx, `UPDATE tickets SET image_name = $2 WHERE id = $1`, id, name)
	if err != nil {
		return wrapPG(err, "tickets.set_image_name", "update ticket image name")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("ticket", id)
	}
	return nil
}

// wrapPG reports a missing schema as unavailable so callers retry after
// migrations have run.
func wrapPG(err error, op, msg string) error {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == "42P01" {
		return errors.WrapWithCode(err, errors.CodeUnavailable, op, "tickets schema missing")
	}
	return errors.Wrap(err, op, msg)
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
