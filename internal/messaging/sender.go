package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"ticketrender/internal/pkg/errors"
	"ticketrender/internal/pkg/logger"
)

// Sender publishes values of type T as JSON to one destination.
type Sender[T any] struct {
	raw       RawSender
	namespace string
	log       *logger.Logger
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewSender binds a typed sender to path. It does not connect.
func NewSender[T any](bus Bus, path string, log *logger.Logger) *Sender[T] {
	log = logger.OrDefault(log).WithComponent("messaging.sender")
	log.Debug("creating message sender", "namespace", bus.Namespace(), "path", path)
	return &Sender[T]{
		raw:       bus.NewSender(path),
		namespace: bus.Namespace(),
		log:       log,
	}
}

// Path returns the destination this sender is bound to.
func (s *Sender[T]) Path() string {
	return s.raw.Path()
}

// Publish serializes msg and enqueues it once.
func (s *Sender[T]) Publish(ctx context.Context, msg T) error {
	if s.closed.Load() {
		return errors.Closed("sender " + s.raw.Path())
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeBadRequest, "messaging.publish", "encode message")
	}

	s.log.FromContext(ctx).Debug("sending message", "namespace", s.namespace, "path", s.raw.Path(), "bytes", len(body))
	if err := s.raw.Send(ctx, body); err != nil {
		return errors.Wrapf(err, "messaging.publish", "send to %s", s.raw.Path())
	}
	return nil
}

// Close releases the sender. Later calls return the first result.
func (s *Sender[T]) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.raw.Close(ctx)
	})
	return s.closeErr
}
