package messaging_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketrender/internal/messaging"
	"ticketrender/internal/messaging/memory"
	"ticketrender/internal/pkg/errors"
	"ticketrender/internal/pkg/logger"
)

const queue = "render-requests"

type order struct {
	ID    int    `json:"id"`
	Label string `json:"label"`
}

type errorLog struct {
	mu     sync.Mutex
	events []messaging.ErrorContext
	errs   []error
}

func (l *errorLog) handle(_ context.Context, ec messaging.ErrorContext, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ec)
	l.errs = append(l.errs, err)
}

func (l *errorLog) sources() []messaging.ErrorSource {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]messaging.ErrorSource, 0, len(l.events))
	for _, ec := range l.events {
		out = append(out, ec.Source)
	}
	return out
}

func newBus() *memory.Bus {
	return memory.New("test", memory.WithPollInterval(10*time.Millisecond))
}

func opts() messaging.SubscribeOptions {
	return messaging.SubscribeOptions{
		LeaseDuration:  time.Second,
		ReceiveBackoff: 10 * time.Millisecond,
		Log:            logger.Discard(),
	}
}

func subscribe[T any](t *testing.T, bus messaging.Bus, h messaging.HandlerFunc[T], onError messaging.ErrorHandler, o messaging.SubscribeOptions) *messaging.Processor {
	t.Helper()
	p, err := messaging.Subscribe(context.Background(), bus, queue, h, onError, o)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func TestPublishAndConsume(t *testing.T) {
	bus := newBus()
	sender := messaging.NewSender[order](bus, queue, logger.Discard())
	require.NoError(t, sender.Publish(context.Background(), order{ID: 7, Label: "front row"}))

	got := make(chan order, 1)
	subscribe(t, bus, func(_ context.Context, o order) error {
		got <- o
		return nil
	}, nil, opts())

	select {
	case o := <-got:
		assert.Equal(t, order{ID: 7, Label: "front row"}, o)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	require.Eventually(t, func() bool { return bus.Stats(queue).Acked == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, bus.Stats(queue).Pending)
}

func TestMalformedBodyIsDeadLettered(t *testing.T) {
	for name, body := range map[string]string{
		"not json":   "{not json",
		"wrong type": `{"id":"seven"}`,
		"null":       "null",
		"empty":      "",
	} {
		t.Run(name, func(t *testing.T) {
			bus := newBus()
			bus.Inject(queue, []byte(body))

			var calls atomic.Int32
			errs := &errorLog{}
			subscribe(t, bus, func(context.Context, order) error {
				calls.Add(1)
				return nil
			}, errs.handle, opts())

			require.Eventually(t, func() bool { return len(bus.DeadLetters(queue)) == 1 }, 2*time.Second, 10*time.Millisecond)
			assert.Zero(t, calls.Load())
			assert.Equal(t, []messaging.ErrorSource{messaging.SourceDeserialize}, errs.sources())
			assert.True(t, errors.IsMalformed(errs.errs[0]))

			dl := bus.DeadLetters(queue)[0]
			assert.Equal(t, body, string(dl.Body))
			assert.NotEmpty(t, dl.Reason)
		})
	}
}

func TestHandlerErrorRetriesUntilDeadLetter(t *testing.T) {
	bus := newBus()
	bus.Inject(queue, []byte(`{"id":1}`))

	var calls atomic.Int32
	errs := &errorLog{}
	o := opts()
	o.MaxDeliveryCount = 3
	subscribe(t, bus, func(context.Context, order) error {
		calls.Add(1)
		return fmt.Errorf("storage down")
	}, errs.handle, o)

	require.Eventually(t, func() bool { return len(bus.DeadLetters(queue)) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())

	dl := bus.DeadLetters(queue)[0]
	assert.Equal(t, memory.ReasonMaxDelivery, dl.Reason)
	assert.Equal(t, 3, dl.DeliveryCount)
	assert.Equal(t, 2, bus.Stats(queue).Retried)

	for _, src := range errs.sources() {
		assert.Equal(t, messaging.SourceHandler, src)
	}
}

func TestHandlerPanicIsRetried(t *testing.T) {
	bus := newBus()
	bus.Inject(queue, []byte(`{"id":1}`))

	var calls atomic.Int32
	subscribe(t, bus, func(context.Context, order) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}, nil, opts())

	require.Eventually(t, func() bool { return bus.Stats(queue).Acked == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, bus.Stats(queue).Retried)
}

func TestErrorHandlerCarriesContext(t *testing.T) {
	bus := newBus()
	bus.Inject(queue, []byte(`{"id":1}`))

	errs := &errorLog{}
	o := opts()
	o.MaxDeliveryCount = 1
	subscribe(t, bus, func(context.Context, order) error {
		return fmt.Errorf("nope")
	}, errs.handle, o)

	require.Eventually(t, func() bool { return len(bus.DeadLetters(queue)) == 1 }, 2*time.Second, 10*time.Millisecond)

	errs.mu.Lock()
	defer errs.mu.Unlock()
	require.Len(t, errs.events, 1)
	ec := errs.events[0]
	assert.Equal(t, "test", ec.Namespace)
	assert.Equal(t, queue, ec.Path)
	assert.Equal(t, messaging.SourceHandler, ec.Source)
	assert.Equal(t, bus.DeadLetters(queue)[0].MessageID, ec.MessageID)
}

func TestReceiveErrorIsReportedAndLoopContinues(t *testing.T) {
	bus := newBus()
	bus.InjectReceiveError(queue, fmt.Errorf("connection reset"))
	bus.Inject(queue, []byte(`{"id":1}`))

	errs := &errorLog{}
	done := make(chan struct{})
	subscribe(t, bus, func(context.Context, order) error {
		close(done)
		return nil
	}, errs.handle, opts())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered after receive error")
	}
	assert.Equal(t, []messaging.ErrorSource{messaging.SourceReceive}, errs.sources())
}

func TestSingleConcurrencyDoesNotPrefetch(t *testing.T) {
	bus := newBus()
	for i := range 3 {
		bus.Inject(queue, fmt.Appendf(nil, `{"id":%d}`, i))
	}

	release := make(chan struct{})
	started := make(chan int, 3)
	subscribe(t, bus, func(_ context.Context, o order) error {
		started <- o.ID
		<-release
		return nil
	}, nil, opts())

	assert.Equal(t, 0, <-started)
	// Give the loop time to misbehave.
	time.Sleep(50 * time.Millisecond)
	s := bus.Stats(queue)
	assert.Equal(t, 1, s.Leased)
	assert.Equal(t, 2, s.Pending)

	close(release)
	require.Eventually(t, func() bool { return bus.Stats(queue).Acked == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestMaxConcurrentCallsBoundsInFlight(t *testing.T) {
	bus := newBus()
	for i := range 10 {
		bus.Inject(queue, fmt.Appendf(nil, `{"id":%d}`, i))
	}

	var inFlight, peak atomic.Int32
	o := opts()
	o.MaxConcurrentCalls = 3
	subscribe(t, bus, func(context.Context, order) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}, nil, o)

	require.Eventually(t, func() bool { return bus.Stats(queue).Acked == 10 }, 5*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, int32(3), peak.Load())
}

func TestStopWaitsForInFlightHandler(t *testing.T) {
	bus := newBus()
	bus.Inject(queue, []byte(`{"id":1}`))

	started := make(chan struct{})
	var finished atomic.Bool
	p := subscribe(t, bus, func(context.Context, order) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
		return nil
	}, nil, opts())

	<-started
	require.NoError(t, p.Stop(context.Background()))
	assert.True(t, finished.Load())
	assert.Equal(t, messaging.ProcessorStopped, p.State())
	assert.Equal(t, 1, bus.Stats(queue).Acked)

	// Stopped processors receive nothing more.
	bus.Inject(queue, []byte(`{"id":2}`))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, bus.Stats(queue).Pending)

	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Close(context.Background()))
}

func TestStopDeadlineCancelsHandlers(t *testing.T) {
	bus := newBus()
	bus.Inject(queue, []byte(`{"id":1}`))

	started := make(chan struct{})
	p := subscribe(t, bus, func(ctx context.Context, _ order) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, nil, opts())

	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Stop(ctx)
	require.Error(t, err)
	assert.Equal(t, messaging.ProcessorStopped, p.State())
	// The canceled handler released the message for another delivery.
	assert.Equal(t, 1, bus.Stats(queue).Retried)
}

func TestSubscribeContextDoesNotStopProcessing(t *testing.T) {
	bus := newBus()
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan struct{}, 1)
	p, err := messaging.Subscribe(ctx, bus, queue, func(context.Context, order) error {
		got <- struct{}{}
		return nil
	}, nil, opts())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	cancel()

	bus.Inject(queue, []byte(`{"id":1}`))
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("processor stopped with its setup context")
	}
	assert.Equal(t, messaging.ProcessorRunning, p.State())
}

func TestSenderClosed(t *testing.T) {
	bus := newBus()
	sender := messaging.NewSender[order](bus, queue, logger.Discard())
	assert.Equal(t, queue, sender.Path())

	require.NoError(t, sender.Close(context.Background()))
	require.NoError(t, sender.Close(context.Background()))

	err := sender.Publish(context.Background(), order{ID: 1})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeClosed))
	assert.Equal(t, 0, bus.Stats(queue).Sent)
}

func TestSenderPropagatesTransportError(t *testing.T) {
	bus := newBus()
	bus.FailSends(fmt.Errorf("broker unreachable"))
	sender := messaging.NewSender[order](bus, queue, logger.Discard())

	err := sender.Publish(context.Background(), order{ID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unreachable")
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "ack", messaging.Ack.String())
	assert.Equal(t, "retry", messaging.Retry.String())
	assert.Equal(t, "dead-letter", messaging.DeadLetter.String())
}
