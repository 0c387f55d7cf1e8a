package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ticketrender/internal/pkg/errors"
	"ticketrender/internal/pkg/logger"
)

// SubscribeOptions tune a Processor. Zero values take the defaults below.
type SubscribeOptions struct {
	// MaxConcurrentCalls bounds in-flight handler invocations. Default 1.
	MaxConcurrentCalls int
	// LeaseDuration is the transport lease and the grace period Stop allows
	// handlers after its context expires. Default 60s.
	LeaseDuration time.Duration
	// MaxDeliveryCount is passed to the transport. Default 10.
	MaxDeliveryCount int
	// ReceiveBackoff is the pause after a failed receive. Default 1s.
	ReceiveBackoff time.Duration
	Log            *logger.Logger
}

func (o SubscribeOptions) withDefaults() SubscribeOptions {
	if o.MaxConcurrentCalls < 1 {
		o.MaxConcurrentCalls = 1
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 60 * time.Second
	}
	if o.MaxDeliveryCount < 1 {
		o.MaxDeliveryCount = 10
	}
	if o.ReceiveBackoff <= 0 {
		o.ReceiveBackoff = time.Second
	}
	return o
}

// ProcessorState is the lifecycle state of a Processor.
type ProcessorState int32

const (
	ProcessorRunning ProcessorState = iota
	ProcessorStopping
	ProcessorStopped
)

func (s ProcessorState) String() string {
	switch s {
	case ProcessorRunning:
		return "running"
	case ProcessorStopping:
		return "stopping"
	case ProcessorStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// result is what one handler invocation decided.
type result struct {
	outcome Outcome
	source  ErrorSource
	err     error
}

// Processor runs a single pull loop against one receiver. It only receives
// when an in-flight permit is free, so nothing is leased ahead of processing.
type Processor struct {
	namespace      string
	path           string
	receiver       Receiver
	dispatch       func(ctx context.Context, env *Envelope) result
	onError        ErrorHandler
	log            *logger.Logger
	permits        chan struct{}
	leaseDuration  time.Duration
	receiveBackoff time.Duration

	stopLoop       context.CancelFunc
	handlerCtx     context.Context
	cancelHandlers context.CancelFunc
	loopDone       chan struct{}
	inflight       sync.WaitGroup

	state     atomic.Int32
	stopOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

// Subscribe starts a processor that decodes each message on path into T and
// passes it to handler. Undecodable bodies are dead-lettered without calling
// handler; a handler error releases the message for redelivery; success
// acknowledges it. ctx bounds only the subscription setup.
func Subscribe[T any](
	ctx context.Context,
	bus Bus,
	path string,
	handler HandlerFunc[T],
	onError ErrorHandler,
	opts SubscribeOptions,
) (*Processor, error) {
	opts = opts.withDefaults()
	log := logger.OrDefault(opts.Log).WithComponent("messaging.processor")
	log.Debug("subscribing to messages", "namespace", bus.Namespace(), "path", path)

	recv, err := bus.NewReceiver(ctx, path, ReceiverOptions{
		LeaseDuration:    opts.LeaseDuration,
		MaxDeliveryCount: opts.MaxDeliveryCount,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "messaging.subscribe", "open receiver for %s", path)
	}

	p := &Processor{
		namespace:      bus.Namespace(),
		path:           path,
		receiver:       recv,
		dispatch:       decodeAndHandle(handler),
		onError:        onError,
		log:            log,
		permits:        make(chan struct{}, opts.MaxConcurrentCalls),
		leaseDuration:  opts.LeaseDuration,
		receiveBackoff: opts.ReceiveBackoff,
		loopDone:       make(chan struct{}),
	}

	var loopCtx context.Context
	loopCtx, p.stopLoop = context.WithCancel(context.WithoutCancel(ctx))
	p.handlerCtx, p.cancelHandlers = context.WithCancel(context.WithoutCancel(ctx))
	p.state.Store(int32(ProcessorRunning))

	go p.run(loopCtx)
	return p, nil
}

func decodeAndHandle[T any](handler HandlerFunc[T]) func(context.Context, *Envelope) result {
	return func(ctx context.Context, env *Envelope) result {
		var msg T
		if err := decode(env.Body, &msg); err != nil {
			return result{
				outcome: DeadLetter,
				source:  SourceDeserialize,
				err: errors.WrapWithCode(err, errors.CodeMalformed, "messaging.deserialize",
					fmt.Sprintf("message body is not a valid %T", msg)),
			}
		}
		if err := handler(ctx, msg); err != nil {
			return result{
				outcome: Retry,
				source:  SourceHandler,
				err:     errors.Wrap(err, "messaging.handle", "message handler failed"),
			}
		}
		return result{outcome: Ack}
	}
}

func decode(body []byte, v any) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return fmt.Errorf("empty message body")
	}
	return json.Unmarshal(trimmed, v)
}

// Path returns the subscribed destination.
func (p *Processor) Path() string { return p.path }

// State reports the processor lifecycle state.
func (p *Processor) State() ProcessorState { return ProcessorState(p.state.Load()) }

func (p *Processor) run(ctx context.Context) {
	defer close(p.loopDone)

	for {
		select {
		case p.permits <- struct{}{}:
		case <-ctx.Done():
			return
		}

		env, err := p.receiver.Receive(ctx)
		if err != nil || env == nil {
			<-p.permits
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				p.report(ctx, ErrorContext{Source: SourceReceive}, err)
				select {
				case <-time.After(p.receiveBackoff):
				case <-ctx.Done():
					return
				}
			}
			continue
		}

		p.inflight.Add(1)
		go func() {
			defer p.inflight.Done()
			defer func() { <-p.permits }()
			p.process(env)
		}()
	}
}

func (p *Processor) process(env *Envelope) {
	ctx := p.handlerCtx
	if x, ok := p.receiver.(ContextExtractor); ok {
		ctx = x.Extract(ctx, env)
	}
	ctx = logger.ContextWithMessageID(ctx, env.MessageID)
	log := p.log.FromContext(ctx)

	log.Info("processing message",
		"namespace", env.Namespace,
		"path", env.Path,
		"delivery_count", env.DeliveryCount,
	)
	start := time.Now()

	res := p.invoke(ctx, env)
	reason := ""
	if res.err != nil {
		reason = res.err.Error()
		p.report(ctx, ErrorContext{Source: res.source, MessageID: env.MessageID}, res.err)
	}

	// Settlement must still reach the transport when handlers were canceled.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.leaseDuration)
	defer cancel()

	if err := p.receiver.Settle(settleCtx, env, res.outcome, reason); err != nil {
		p.report(ctx, ErrorContext{Source: SourceSettle, MessageID: env.MessageID}, err)
		return
	}

	log.Info("message settled",
		"path", env.Path,
		"outcome", res.outcome.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (p *Processor) invoke(ctx context.Context, env *Envelope) (res result) {
	defer func() {
		if r := recover(); r != nil {
			res = result{
				outcome: Retry,
				source:  SourceHandler,
				err:     errors.Newf(errors.CodeInternal, "handler panic: %v", r),
			}
		}
	}()
	return p.dispatch(ctx, env)
}

func (p *Processor) report(ctx context.Context, ec ErrorContext, err error) {
	ec.Namespace = p.namespace
	ec.Path = p.path

	p.log.FromContext(ctx).Error("error processing message",
		"namespace", ec.Namespace,
		"path", ec.Path,
		"source", string(ec.Source),
		"error", err.Error(),
	)
	if p.onError != nil {
		p.onError(ctx, ec, err)
	}
}

// Stop stops receiving and waits for in-flight handlers. When ctx ends first,
// handler contexts are canceled and Stop waits at most one lease duration more.
func (p *Processor) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.log.Debug("stopping message processor", "namespace", p.namespace, "path", p.path)
		p.state.Store(int32(ProcessorStopping))
		p.stopLoop()
	})

	drained := make(chan struct{})
	go func() {
		<-p.loopDone
		p.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		p.state.Store(int32(ProcessorStopped))
		return nil
	case <-ctx.Done():
	}

	p.cancelHandlers()
	timer := time.NewTimer(p.leaseDuration)
	defer timer.Stop()

	select {
	case <-drained:
		p.state.Store(int32(ProcessorStopped))
		return errors.Wrap(ctx.Err(), "messaging.stop", "handlers canceled before finishing")
	case <-timer.C:
		p.state.Store(int32(ProcessorStopped))
		return errors.Newf(errors.CodeTimeout, "handlers on %s still running after lease timeout", p.path)
	}
}

// Close stops the processor if needed and releases the receiver.
// Repeated calls return the first result.
func (p *Processor) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		stopErr := p.Stop(ctx)
		p.cancelHandlers()
		p.closeErr = errors.Join(stopErr, p.receiver.Close(ctx))
	})
	return p.closeErr
}
