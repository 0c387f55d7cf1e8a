// Package messaging is the transport-agnostic message bus used by the worker.
//
// A Bus is implemented once per backing transport (memory, redis streams,
// kafka). Transports only move bytes and manage leases; decoding, handler
// invocation and the ack/retry/dead-letter decision live here, in Subscribe
// and Processor, so every transport settles messages the same way.
//
// Go interfaces cannot carry generic methods, so the typed entry points are
// the package functions NewSender and Subscribe.
package messaging

import (
	"context"
	"time"
)

// Outcome is the settlement decision for one leased message.
type Outcome int

const (
	// Ack removes the message from the queue.
	Ack Outcome = iota
	// Retry releases the lease so the message is delivered again.
	Retry
	// DeadLetter moves the message to the dead-letter sub-queue.
	DeadLetter
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case DeadLetter:
		return "dead-letter"
	default:
		return "unknown"
	}
}

// Envelope is a leased message as seen by the bus. Handlers never see it.
type Envelope struct {
	MessageID string
	Namespace string
	Path      string
	Body      []byte
	// LeaseToken identifies the lease for settlement (stream entry id, offset, ...).
	LeaseToken string
	// DeliveryCount is 1 on first delivery.
	DeliveryCount int
	Metadata      map[string]string
}

// Bus creates senders and receivers bound to one destination path.
type Bus interface {
	Namespace() string
	// NewSender never fails; transports connect lazily on first send.
	NewSender(path string) RawSender
	NewReceiver(ctx context.Context, path string, opts ReceiverOptions) (Receiver, error)
}

// RawSender enqueues encoded messages on one destination.
type RawSender interface {
	Path() string
	Send(ctx context.Context, body []byte) error
	Close(ctx context.Context) error
}

// Receiver leases messages from one destination.
type Receiver interface {
	// Receive blocks until a message is leased, the transport's poll window
	// elapses (nil, nil) or ctx is done.
	Receive(ctx context.Context) (*Envelope, error)
	// Settle applies outcome to a leased message. reason is recorded on dead letters.
	Settle(ctx context.Context, env *Envelope, outcome Outcome, reason string) error
	Close(ctx context.Context) error
}

// ContextExtractor is implemented by receivers that carry request-scoped
// values (trace context) in message metadata.
type ContextExtractor interface {
	Extract(ctx context.Context, env *Envelope) context.Context
}

// ReceiverOptions are the lease settings a transport enforces.
type ReceiverOptions struct {
	// LeaseDuration is how long a leased message stays invisible to other receivers.
	LeaseDuration time.Duration
	// MaxDeliveryCount is the delivery after which a retried message is dead-lettered.
	MaxDeliveryCount int
}

// ErrorSource says where in the pipeline an error was raised.
type ErrorSource string

const (
	SourceReceive     ErrorSource = "receive"
	SourceDeserialize ErrorSource = "deserialize"
	SourceHandler     ErrorSource = "handler"
	SourceSettle      ErrorSource = "settle"
)

// ErrorContext describes the message an error belongs to.
type ErrorContext struct {
	Namespace string
	Path      string
	Source    ErrorSource
	MessageID string
}

// ErrorHandler observes errors. It never influences settlement.
type ErrorHandler func(ctx context.Context, ec ErrorContext, err error)

// HandlerFunc processes one decoded message. A nil error acknowledges it.
type HandlerFunc[T any] func(ctx context.Context, msg T) error
