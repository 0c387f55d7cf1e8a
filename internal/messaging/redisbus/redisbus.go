// Package redisbus implements messaging.Bus on Redis Streams.
//
// Each path maps to the stream "<namespace>:<path>" read through one consumer
// group. A leased message is a pending entry of this consumer; entries idle
// longer than the lease are reclaimed with XAUTOCLAIM. Dead letters go to the
// stream "<namespace>:<path>:deadletter".
package redisbus

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ticketrender/internal/messaging"
	"ticketrender/internal/pkg/errors"
	"ticketrender/internal/pkg/logger"
)

const (
	fieldBody          = "body"
	fieldMessageID     = "message_id"
	fieldDeliveryCount = "delivery_count"
	fieldReason        = "reason"

	// ReasonMaxDelivery is recorded when a message runs out of deliveries.
	ReasonMaxDelivery = "MaxDeliveryCountExceeded"
)

// Options configure a Bus.
type Options struct {
	Namespace string
	// Group is the consumer group shared by all workers. Default "ticket-renderer".
	Group string
	// Consumer names this process inside the group. Default host-<random>.
	Consumer string
	// Block is how long one XREADGROUP waits. Default 5s.
	Block time.Duration
	Log   *logger.Logger
}

// Bus is a Redis Streams messaging.Bus. The client is owned by the caller.
type Bus struct {
	rdb      redis.UniversalClient
	ns       string
	group    string
	consumer string
	block    time.Duration
	log      *logger.Logger
}

// New creates a bus on rdb.
func New(rdb redis.UniversalClient, opts Options) *Bus {
	if opts.Group == "" {
		opts.Group = "ticket-renderer"
	}
	if opts.Consumer == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		opts.Consumer = host + "-" + uuid.NewString()[:8]
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	return &Bus{
		rdb:      rdb,
		ns:       opts.Namespace,
		group:    opts.Group,
		consumer: opts.Consumer,
		block:    opts.Block,
		log:      logger.OrDefault(opts.Log).WithComponent("messaging.redis"),
	}
}

func (b *Bus) Namespace() string { return b.ns }

// StreamKey returns the stream backing path.
func (b *Bus) StreamKey(path string) string {
	if b.ns == "" {
		return path
	}
	return b.ns + ":" + path
}

// DeadLetterKey returns the dead-letter stream for path.
func (b *Bus) DeadLetterKey(path string) string {
	return b.StreamKey(path) + ":deadletter"
}

// Ping checks the connection.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "redis.ping", "redis unreachable")
	}
	return nil
}

func (b *Bus) NewSender(path string) messaging.RawSender {
	return &sender{bus: b, path: path, key: b.StreamKey(path)}
}

func (b *Bus) NewReceiver(ctx context.Context, path string, opts messaging.ReceiverOptions) (messaging.Receiver, error) {
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = 60 * time.Second
	}
	if opts.MaxDeliveryCount < 1 {
		opts.MaxDeliveryCount = 10
	}

	key := b.StreamKey(path)
	err := b.rdb.XGroupCreateMkStream(ctx, key, b.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, errors.Wrapf(err, "redis.group", "create consumer group %s on %s", b.group, key)
	}

	b.log.Debug("receiver ready", "stream", key, "group", b.group, "consumer", b.consumer)
	return &receiver{bus: b, path: path, key: key, dlq: b.DeadLetterKey(path), opts: opts}, nil
}

func isBusyGroup(err error) bool {
	return strings.HasPrefix(err.Error(), "BUSYGROUP")
}

type sender struct {
	bus  *Bus
	path string
	key  string
}

func (s *sender) Path() string { return s.path }

func (s *sender) Send(ctx context.Context, body []byte) error {
	err := s.bus.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key,
		Values: map[string]any{
			fieldBody:          body,
			fieldMessageID:     uuid.NewString(),
			fieldDeliveryCount: 0,
		},
	}).Err()
	if err != nil {
		return errors.Wrapf(err, "redis.send", "xadd %s", s.key)
	}
	return nil
}

func (s *sender) Close(context.Context) error { return nil }

type receiver struct {
	bus  *Bus
	path string
	key  string
	dlq  string
	opts messaging.ReceiverOptions
}

func (r *receiver) Receive(ctx context.Context) (*messaging.Envelope, error) {
	env, err := r.reclaim(ctx)
	if err != nil || env != nil {
		return env, err
	}

	streams, err := r.bus.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.bus.group,
		Consumer: r.bus.consumer,
		Streams:  []string{r.key, ">"},
		Count:    1,
		Block:    r.bus.block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrapf(err, "redis.receive", "xreadgroup %s", r.key)
	}

	for _, s := range streams {
		for _, msg := range s.Messages {
			return r.envelope(msg, 1), nil
		}
	}
	return nil, nil
}

// reclaim takes over one entry whose lease expired. Entries that have used
// up their deliveries are dead-lettered on the way.
func (r *receiver) reclaim(ctx context.Context) (*messaging.Envelope, error) {
	for {
		msgs, _, err := r.bus.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.key,
			Group:    r.bus.group,
			Consumer: r.bus.consumer,
			MinIdle:  r.opts.LeaseDuration,
			Start:    "0-0",
			Count:    1,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				return nil, nil
			}
			return nil, errors.Wrapf(err, "redis.reclaim", "xautoclaim %s", r.key)
		}
		if len(msgs) == 0 {
			return nil, nil
		}

		msg := msgs[0]
		times, err := r.timesDelivered(ctx, msg.ID)
		if err != nil {
			return nil, err
		}
		env := r.envelope(msg, times)
		if env.DeliveryCount <= r.opts.MaxDeliveryCount {
			return env, nil
		}
		if err := r.deadLetter(ctx, env, ReasonMaxDelivery); err != nil {
			return nil, err
		}
	}
}

func (r *receiver) timesDelivered(ctx context.Context, id string) (int, error) {
	pending, err := r.bus.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: r.key,
		Group:  r.bus.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "redis.reclaim", "xpending %s", r.key)
	}
	if len(pending) == 0 {
		return 1, nil
	}
	return int(pending[0].RetryCount), nil
}

func (r *receiver) envelope(msg redis.XMessage, timesDelivered int) *messaging.Envelope {
	prior, _ := strconv.Atoi(stringField(msg.Values, fieldDeliveryCount))
	id := stringField(msg.Values, fieldMessageID)
	if id == "" {
		id = msg.ID
	}
	return &messaging.Envelope{
		MessageID:     id,
		Namespace:     r.bus.ns,
		Path:          r.path,
		Body:          []byte(stringField(msg.Values, fieldBody)),
		LeaseToken:    msg.ID,
		DeliveryCount: prior + timesDelivered,
	}
}

func stringField(values map[string]any, key string) string {
	switch v := values[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (r *receiver) Settle(ctx context.Context, env *messaging.Envelope, outcome messaging.Outcome, reason string) error {
	switch outcome {
	case messaging.Ack:
		return r.remove(ctx, env, nil)
	case messaging.Retry:
		if env.DeliveryCount >= r.opts.MaxDeliveryCount {
			return r.deadLetter(ctx, env, ReasonMaxDelivery)
		}
		// A re-added entry goes to the tail of the stream; its field keeps the count.
		return r.remove(ctx, env, &redis.XAddArgs{
			Stream: r.key,
			Values: map[string]any{
				fieldBody:          env.Body,
				fieldMessageID:     env.MessageID,
				fieldDeliveryCount: env.DeliveryCount,
			},
		})
	case messaging.DeadLetter:
		return r.deadLetter(ctx, env, reason)
	default:
		return errors.Newf(errors.CodeInternal, "unknown outcome %d", outcome)
	}
}

func (r *receiver) deadLetter(ctx context.Context, env *messaging.Envelope, reason string) error {
	r.bus.log.FromContext(ctx).Warn("dead-lettering message",
		"stream", r.key,
		"message_id", env.MessageID,
		"delivery_count", env.DeliveryCount,
		"reason", reason,
	)
	return r.remove(ctx, env, &redis.XAddArgs{
		Stream: r.dlq,
		Values: map[string]any{
			fieldBody:          env.Body,
			fieldMessageID:     env.MessageID,
			fieldDeliveryCount: env.DeliveryCount,
			fieldReason:        reason,
		},
	})
}

// remove acknowledges and deletes the leased entry, adding add first when set.
func (r *receiver) remove(ctx context.Context, env *messaging.Envelope, add *redis.XAddArgs) error {
	_, err := r.bus.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if add != nil {
			pipe.XAdd(ctx, add)
		}
		pipe.XAck(ctx, r.key, r.bus.group, env.LeaseToken)
		pipe.XDel(ctx, r.key, env.LeaseToken)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "redis.settle", "settle %s on %s", env.LeaseToken, r.key)
	}
	return nil
}

func (r *receiver) Close(context.Context) error { return nil }
