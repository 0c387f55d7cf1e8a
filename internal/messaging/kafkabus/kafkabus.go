// Package kafkabus implements messaging.Bus on Kafka through sarama.
//
// Kafka has no per-message lease, so the receiver bridges a consumer group
// to the pull model: each claimed message is handed to Receive and the claim
// waits until it is settled. Retry republishes the message with an
// incremented delivery count and marks the original; dead letters go to the
// topic "<topic>.deadletter". Trace context travels in record headers.
package kafkabus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"ticketrender/internal/messaging"
	"ticketrender/internal/pkg/errors"
	"ticketrender/internal/pkg/logger"
)

const (
	headerMessageID     = "message_id"
	headerDeliveryCount = "delivery_count"
	headerReason        = "dead_letter_reason"

	// ReasonMaxDelivery is recorded when a message runs out of deliveries.
	ReasonMaxDelivery = "MaxDeliveryCountExceeded"
)

// Options configure a Bus.
type Options struct {
	Brokers   []string
	Namespace string
	// Group is the consumer group id. Default "ticket-renderer".
	Group        string
	ClientID     string
	MaxRetries   int
	RetryBackoff time.Duration
	// PollInterval bounds how long Receive waits before returning (nil, nil). Default 5s.
	PollInterval time.Duration
	Log          *logger.Logger
}

// Bus is a Kafka messaging.Bus. The producer is created on first use.
type Bus struct {
	opts Options
	cfg  *sarama.Config
	log  *logger.Logger

	newProducer func() (sarama.SyncProducer, error)
	newGroup    func(group string) (sarama.ConsumerGroup, error)
	newClient   func(cfg *sarama.Config) (sarama.Client, error)
	producerMu  sync.Mutex
	producer    sarama.SyncProducer
}

// New configures a bus. It does not connect.
func New(opts Options) *Bus {
	if opts.Group == "" {
		opts.Group = "ticket-renderer"
	}
	if opts.ClientID == "" {
		opts.ClientID = "ticketrender"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}

	cfg := sarama.NewConfig()
	cfg.ClientID = opts.ClientID
	cfg.Version = sarama.V3_0_0_0
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	if opts.MaxRetries > 0 {
		cfg.Producer.Retry.Max = opts.MaxRetries
		cfg.Metadata.Retry.Max = opts.MaxRetries
	}
	if opts.RetryBackoff > 0 {
		cfg.Producer.Retry.Backoff = opts.RetryBackoff
		cfg.Metadata.Retry.Backoff = opts.RetryBackoff
	}
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}

	b := &Bus{
		opts: opts,
		cfg:  cfg,
		log:  logger.OrDefault(opts.Log).WithComponent("messaging.kafka"),
	}
	b.newProducer = func() (sarama.SyncProducer, error) {
		return sarama.NewSyncProducer(opts.Brokers, cfg)
	}
	b.newGroup = func(group string) (sarama.ConsumerGroup, error) {
		return sarama.NewConsumerGroup(opts.Brokers, group, cfg)
	}
	b.newClient = func(cfg *sarama.Config) (sarama.Client, error) {
		return sarama.NewClient(opts.Brokers, cfg)
	}
	return b
}

func (b *Bus) Namespace() string { return b.opts.Namespace }

// Topic returns the Kafka topic backing path.
func (b *Bus) Topic(path string) string {
	if b.opts.Namespace == "" {
		return path
	}
	return b.opts.Namespace + "." + path
}

// DeadLetterTopic returns the dead-letter topic for path.
func (b *Bus) DeadLetterTopic(path string) string {
	return b.Topic(path) + ".deadletter"
}

// Ping checks that the brokers answer a metadata request. Network timeouts
// are capped by ctx's deadline and Ping returns once ctx is done.
func (b *Bus) Ping(ctx context.Context) error {
	cfg := pingConfig(ctx, b.cfg)

	type result struct {
		client sarama.Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		client, err := b.newClient(cfg)
		done <- result{client: client, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				_ = r.client.Close()
			}
		}()
		return errors.Wrap(ctx.Err(), "kafka.ping", "kafka unreachable")
	case r := <-done:
		if r.err != nil {
			return errors.Wrap(r.err, "kafka.ping", "kafka unreachable")
		}
		defer r.client.Close()
		if len(r.client.Brokers()) == 0 {
			return errors.Unavailable("kafka")
		}
		return nil
	}
}

// pingConfig copies base with a single metadata attempt and network
// timeouts no longer than the time left on ctx.
func pingConfig(ctx context.Context, base *sarama.Config) *sarama.Config {
	cfg := *base
	cfg.Metadata.Retry.Max = 0
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left > 0 {
			cfg.Net.DialTimeout = min(cfg.Net.DialTimeout, left)
			cfg.Net.ReadTimeout = min(cfg.Net.ReadTimeout, left)
			cfg.Net.WriteTimeout = min(cfg.Net.WriteTimeout, left)
		}
	}
	return &cfg
}

// Close releases the shared producer.
func (b *Bus) Close() error {
	b.producerMu.Lock()
	defer b.producerMu.Unlock()

	if b.producer == nil {
		return nil
	}
	err := b.producer.Close()
	b.producer = nil
	return err
}

func (b *Bus) syncProducer() (sarama.SyncProducer, error) {
	b.producerMu.Lock()
	defer b.producerMu.Unlock()

	if b.producer != nil {
		return b.producer, nil
	}
	p, err := b.newProducer()
	if err != nil {
		return nil, errors.Wrap(err, "kafka.producer", "create producer")
	}
	b.producer = p
	return p, nil
}

func (b *Bus) produce(ctx context.Context, topic string, body []byte, headers map[string]string) error {
	p, err := b.syncProducer()
	if err != nil {
		return err
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range headers {
		carrier[k] = v
	}

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Value:   sarama.ByteEncoder(body),
		Headers: toRecordHeaders(carrier),
	}
	partition, offset, err := p.SendMessage(msg)
	if err != nil {
		return errors.Wrapf(err, "kafka.send", "produce to %s", topic)
	}
	b.log.FromContext(ctx).Debug("message produced", "topic", topic, "partition", partition, "offset", offset)
	return nil
}

func toRecordHeaders(m map[string]string) []sarama.RecordHeader {
	headers := make([]sarama.RecordHeader, 0, len(m))
	for k, v := range m {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	return headers
}

func fromRecordHeaders(headers []*sarama.RecordHeader) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		if h == nil {
			continue
		}
		m[string(h.Key)] = string(h.Value)
	}
	return m
}

func (b *Bus) NewSender(path string) messaging.RawSender {
	return &sender{bus: b, path: path, topic: b.Topic(path)}
}

type sender struct {
	bus   *Bus
	path  string
	topic string
}

func (s *sender) Path() string { return s.path }

func (s *sender) Send(ctx context.Context, body []byte) error {
	return s.bus.produce(ctx, s.topic, body, map[string]string{
		headerMessageID:     uuid.NewString(),
		headerDeliveryCount: "0",
	})
}

// Close is a no-op; the producer is shared and released by Bus.Close.
func (s *sender) Close(context.Context) error { return nil }

func (b *Bus) NewReceiver(_ context.Context, path string, opts messaging.ReceiverOptions) (messaging.Receiver, error) {
	if opts.MaxDeliveryCount < 1 {
		opts.MaxDeliveryCount = 10
	}

	group, err := b.newGroup(b.opts.Group)
	if err != nil {
		return nil, errors.Wrapf(err, "kafka.group", "join consumer group %s", b.opts.Group)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &receiver{
		bus:        b,
		path:       path,
		topic:      b.Topic(path),
		dlq:        b.DeadLetterTopic(path),
		opts:       opts,
		group:      group,
		deliveries: make(chan *delivery),
		inflight:   make(map[string]*delivery),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go r.consume(ctx)
	go r.drainErrors()
	return r, nil
}

// delivery is one claimed message waiting for settlement.
type delivery struct {
	env     *messaging.Envelope
	msg     *sarama.ConsumerMessage
	session sarama.ConsumerGroupSession
	settled chan struct{}
	// err is set when settlement failed; the claim then ends so the
	// partition resumes from the last marked offset.
	err error
}

type receiver struct {
	bus   *Bus
	path  string
	topic string
	dlq   string
	opts  messaging.ReceiverOptions
	group sarama.ConsumerGroup

	deliveries chan *delivery
	mu         sync.Mutex
	inflight   map[string]*delivery

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (r *receiver) consume(ctx context.Context) {
	defer close(r.done)

	for {
		if err := r.group.Consume(ctx, []string{r.topic}, r); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			r.bus.log.Warn("consumer group session ended", "topic", r.topic, "error", err.Error())
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (r *receiver) drainErrors() {
	for err := range r.group.Errors() {
		r.bus.log.Warn("consumer group error", "topic", r.topic, "error", err.Error())
	}
}

func (r *receiver) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (r *receiver) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim hands messages to Receive one at a time and waits for each to
// be settled before reading the next from the partition.
func (r *receiver) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			d := r.newDelivery(session, msg)
			select {
			case r.deliveries <- d:
			case <-session.Context().Done():
				return nil
			}
			select {
			case <-d.settled:
				if d.err != nil {
					return d.err
				}
			case <-session.Context().Done():
				return nil
			}
		case <-session.Context().Done():
			return nil
		}
	}
}

func (r *receiver) newDelivery(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) *delivery {
	meta := fromRecordHeaders(msg.Headers)
	prior, _ := strconv.Atoi(meta[headerDeliveryCount])
	id := meta[headerMessageID]
	if id == "" {
		id = fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
	}

	return &delivery{
		env: &messaging.Envelope{
			MessageID:     id,
			Namespace:     r.bus.opts.Namespace,
			Path:          r.path,
			Body:          msg.Value,
			LeaseToken:    fmt.Sprintf("%d/%d", msg.Partition, msg.Offset),
			DeliveryCount: prior + 1,
			Metadata:      meta,
		},
		msg:     msg,
		session: session,
		settled: make(chan struct{}),
	}
}

func (r *receiver) Receive(ctx context.Context) (*messaging.Envelope, error) {
	timer := time.NewTimer(r.bus.opts.PollInterval)
	defer timer.Stop()

	select {
	case d := <-r.deliveries:
		r.mu.Lock()
		r.inflight[d.env.LeaseToken] = d
		r.mu.Unlock()
		return d.env, nil
	case <-r.done:
		return nil, errors.Closed("receiver " + r.path)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	}
}

// Extract restores the producer's trace context from record headers.
func (r *receiver) Extract(ctx context.Context, env *messaging.Envelope) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(env.Metadata))
}

func (r *receiver) Settle(ctx context.Context, env *messaging.Envelope, outcome messaging.Outcome, reason string) error {
	r.mu.Lock()
	d, ok := r.inflight[env.LeaseToken]
	delete(r.inflight, env.LeaseToken)
	r.mu.Unlock()
	if !ok {
		return errors.Newf(errors.CodeNotFound, "message %s on %s is not in flight", env.MessageID, r.topic)
	}

	d.err = r.settle(ctx, env, outcome, reason)
	if d.err == nil {
		d.session.MarkMessage(d.msg, "")
	}
	close(d.settled)
	return d.err
}

func (r *receiver) settle(ctx context.Context, env *messaging.Envelope, outcome messaging.Outcome, reason string) error {
	switch outcome {
	case messaging.Ack:
		return nil
	case messaging.Retry:
		if env.DeliveryCount >= r.opts.MaxDeliveryCount {
			return r.deadLetter(ctx, env, ReasonMaxDelivery)
		}
		return r.bus.produce(ctx, r.topic, env.Body, map[string]string{
			headerMessageID:     env.MessageID,
			headerDeliveryCount: strconv.Itoa(env.DeliveryCount),
		})
	case messaging.DeadLetter:
		return r.deadLetter(ctx, env, reason)
	default:
		return errors.Newf(errors.CodeInternal, "unknown outcome %d", outcome)
	}
}

func (r *receiver) deadLetter(ctx context.Context, env *messaging.Envelope, reason string) error {
	r.bus.log.FromContext(ctx).Warn("dead-lettering message",
		"topic", r.topic,
		"message_id", env.MessageID,
		"delivery_count", env.DeliveryCount,
		"reason", reason,
	)
	return r.bus.produce(ctx, r.dlq, env.Body, map[string]string{
		headerMessageID:     env.MessageID,
		headerDeliveryCount: strconv.Itoa(env.DeliveryCount),
		headerReason:        reason,
	})
}

func (r *receiver) Close(context.Context) error {
	r.closeOnce.Do(func() {
		r.cancel()
		r.closeErr = r.group.Close()
		<-r.done
	})
	return r.closeErr
}
