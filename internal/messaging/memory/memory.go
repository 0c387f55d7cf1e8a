// Package memory is an in-process messaging.Bus with lease, redelivery and
// dead-letter semantics. It backs tests and single-process development runs.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"ticketrender/internal/messaging"
	"ticketrender/internal/pkg/errors"
)

// ReasonMaxDelivery is recorded when a retried message runs out of deliveries.
const ReasonMaxDelivery = "MaxDeliveryCountExceeded"

// Stats are per-path counters.
type Stats struct {
	Sent         int
	Acked        int
	Retried      int
	DeadLettered int
	Pending      int
	Leased       int
}

// DeadLetter is a message moved to the dead-letter sub-queue.
type DeadLetter struct {
	MessageID     string
	Body          []byte
	Reason        string
	DeliveryCount int
}

type entry struct {
	id         string
	body       []byte
	deliveries int
	token      string
	leaseUntil time.Time
}

type queue struct {
	pending     []*entry
	leased      map[string]*entry
	dead        []DeadLetter
	stats       Stats
	notify      chan struct{}
	receiveErrs []error
}

func newQueue() *queue {
	return &queue{leased: make(map[string]*entry), notify: make(chan struct{})}
}

// signal wakes every receiver waiting on this queue.
func (q *queue) signal() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// Option configures a Bus.
type Option func(*Bus)

// WithPollInterval sets how long Receive waits before returning (nil, nil).
func WithPollInterval(d time.Duration) Option {
	return func(b *Bus) { b.pollInterval = d }
}

// WithClock replaces time.Now for lease bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// Bus is an in-memory messaging.Bus. Safe for concurrent use.
type Bus struct {
	namespace    string
	pollInterval time.Duration
	now          func() time.Time

	mu      sync.Mutex
	queues  map[string]*queue
	sendErr error
}

// New creates an empty bus.
func New(namespace string, opts ...Option) *Bus {
	b := &Bus{
		namespace:    namespace,
		pollInterval: 100 * time.Millisecond,
		now:          time.Now,
		queues:       make(map[string]*queue),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) Namespace() string { return b.namespace }

// queueLocked returns the queue for path, creating it. b.mu must be held.
func (b *Bus) queueLocked(path string) *queue {
	q, ok := b.queues[path]
	if !ok {
		q = newQueue()
		b.queues[path] = q
	}
	return q
}

func (b *Bus) enqueue(path string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sendErr != nil {
		return b.sendErr
	}
	q := b.queueLocked(path)
	q.pending = append(q.pending, &entry{id: uuid.NewString(), body: slices.Clone(body)})
	q.stats.Sent++
	q.signal()
	return nil
}

// Inject enqueues a raw body on path, bypassing serialization.
func (b *Bus) Inject(path string, body []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queueLocked(path)
	q.pending = append(q.pending, &entry{id: uuid.NewString(), body: slices.Clone(body)})
	q.signal()
}

// FailSends makes every later Send return err. A nil err restores sending.
func (b *Bus) FailSends(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = err
}

// InjectReceiveError makes the next Receive on path return err.
func (b *Bus) InjectReceiveError(path string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queueLocked(path)
	q.receiveErrs = append(q.receiveErrs, err)
	q.signal()
}

// Stats returns the counters for path.
func (b *Bus) Stats(path string) Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queueLocked(path)
	s := q.stats
	s.Pending = len(q.pending)
	s.Leased = len(q.leased)
	return s
}

// DeadLetters returns a copy of the dead-letter sub-queue for path.
func (b *Bus) DeadLetters(path string) []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.queueLocked(path).dead)
}

// Pending returns the bodies waiting on path, oldest first.
func (b *Bus) Pending(path string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queueLocked(path)
	out := make([][]byte, 0, len(q.pending))
	for _, e := range q.pending {
		out = append(out, slices.Clone(e.body))
	}
	return out
}

func (b *Bus) NewSender(path string) messaging.RawSender {
	return &sender{bus: b, path: path}
}

func (b *Bus) NewReceiver(_ context.Context, path string, opts messaging.ReceiverOptions) (messaging.Receiver, error) {
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = 60 * time.Second
	}
	if opts.MaxDeliveryCount < 1 {
		opts.MaxDeliveryCount = 10
	}

	b.mu.Lock()
	b.queueLocked(path)
	b.mu.Unlock()

	return &receiver{bus: b, path: path, opts: opts}, nil
}

type sender struct {
	bus    *Bus
	path   string
	mu     sync.Mutex
	closed bool
}

func (s *sender) Path() string { return s.path }

func (s *sender) Send(ctx context.Context, body []byte) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "memory.send", "send canceled")
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.Closed("sender " + s.path)
	}
	return s.bus.enqueue(s.path, body)
}

func (s *sender) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type receiver struct {
	bus  *Bus
	path string
	opts messaging.ReceiverOptions

	mu     sync.Mutex
	closed bool
}

func (r *receiver) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *receiver) Receive(ctx context.Context) (*messaging.Envelope, error) {
	timer := time.NewTimer(r.bus.pollInterval)
	defer timer.Stop()

	for {
		if r.isClosed() {
			return nil, errors.Closed("receiver " + r.path)
		}

		env, wait, err := r.tryLease()
		if env != nil || err != nil {
			return env, err
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		}
	}
}

// tryLease leases the oldest available message or returns the channel to
// wait on. Expired leases are returned to the head of the queue first.
func (r *receiver) tryLease() (*messaging.Envelope, <-chan struct{}, error) {
	b := r.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queueLocked(r.path)
	if len(q.receiveErrs) > 0 {
		err := q.receiveErrs[0]
		q.receiveErrs = q.receiveErrs[1:]
		return nil, nil, err
	}

	now := b.now()
	var expired []*entry
	for token, e := range q.leased {
		if !now.Before(e.leaseUntil) {
			delete(q.leased, token)
			expired = append(expired, e)
		}
	}
	if len(expired) > 0 {
		q.pending = append(expired, q.pending...)
	}

	if len(q.pending) == 0 {
		return nil, q.notify, nil
	}

	e := q.pending[0]
	q.pending = q.pending[1:]
	e.deliveries++
	e.token = uuid.NewString()
	e.leaseUntil = now.Add(r.opts.LeaseDuration)
	q.leased[e.token] = e

	return &messaging.Envelope{
		MessageID:     e.id,
		Namespace:     b.namespace,
		Path:          r.path,
		Body:          slices.Clone(e.body),
		LeaseToken:    e.token,
		DeliveryCount: e.deliveries,
	}, nil, nil
}

func (r *receiver) Settle(_ context.Context, env *messaging.Envelope, outcome messaging.Outcome, reason string) error {
	b := r.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queueLocked(r.path)
	e, ok := q.leased[env.LeaseToken]
	if !ok {
		return errors.Newf(errors.CodeNotFound, "lease for message %s on %s is no longer held", env.MessageID, r.path)
	}
	delete(q.leased, env.LeaseToken)

	switch outcome {
	case messaging.Ack:
		q.stats.Acked++
	case messaging.Retry:
		if e.deliveries >= r.opts.MaxDeliveryCount {
			q.dead = append(q.dead, DeadLetter{MessageID: e.id, Body: e.body, Reason: ReasonMaxDelivery, DeliveryCount: e.deliveries})
			q.stats.DeadLettered++
			return nil
		}
		q.stats.Retried++
		q.pending = append([]*entry{e}, q.pending...)
		q.signal()
	case messaging.DeadLetter:
		q.dead = append(q.dead, DeadLetter{MessageID: e.id, Body: e.body, Reason: reason, DeliveryCount: e.deliveries})
		q.stats.DeadLettered++
	default:
		return errors.Newf(errors.CodeInternal, "unknown outcome %d", outcome)
	}
	return nil
}

func (r *receiver) Close(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
