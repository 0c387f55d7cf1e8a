package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketrender/internal/messaging"
	"ticketrender/internal/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newReceiver(t *testing.T, b *Bus, maxDelivery int) messaging.Receiver {
	t.Helper()
	r, err := b.NewReceiver(context.Background(), "q", messaging.ReceiverOptions{
		LeaseDuration:    time.Minute,
		MaxDeliveryCount: maxDelivery,
	})
	require.NoError(t, err)
	return r
}

func TestReceiveTimesOutWithNil(t *testing.T) {
	b := New("ns", WithPollInterval(5*time.Millisecond))
	r := newReceiver(t, b, 10)

	env, err := r.Receive(context.Background())
	require.NoError(t, err)
	assert.Nil(t, env)
}

func TestReceiveWakesOnSend(t *testing.T) {
	b := New("ns", WithPollInterval(time.Second))
	r := newReceiver(t, b, 10)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.NewSender("q").Send(context.Background(), []byte("hello"))
	}()

	env, err := r.Receive(context.Background())
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "hello", string(env.Body))
	assert.Equal(t, "ns", env.Namespace)
	assert.Equal(t, 1, env.DeliveryCount)
}

func TestLeaseHidesMessageUntilExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := New("ns", WithPollInterval(5*time.Millisecond), WithClock(clock.Now))
	r := newReceiver(t, b, 10)
	b.Inject("q", []byte("x"))

	first, err := r.Receive(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first)

	again, err := r.Receive(context.Background())
	require.NoError(t, err)
	assert.Nil(t, again)

	clock.Advance(time.Minute)
	redelivered, err := r.Receive(context.Background())
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, first.MessageID, redelivered.MessageID)
	assert.Equal(t, 2, redelivered.DeliveryCount)

	// The expired lease can no longer settle the message.
	err = r.Settle(context.Background(), first, messaging.Ack, "")
	assert.True(t, errors.IsNotFound(err))
	require.NoError(t, r.Settle(context.Background(), redelivered, messaging.Ack, ""))
	assert.Equal(t, 1, b.Stats("q").Acked)
}

func TestRetryPutsMessageBackFirst(t *testing.T) {
	b := New("ns", WithPollInterval(5*time.Millisecond))
	r := newReceiver(t, b, 10)
	b.Inject("q", []byte("a"))
	b.Inject("q", []byte("b"))

	env, err := r.Receive(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.Settle(context.Background(), env, messaging.Retry, ""))

	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, b.Pending("q"))
}

func TestExplicitDeadLetterKeepsReason(t *testing.T) {
	b := New("ns", WithPollInterval(5*time.Millisecond))
	r := newReceiver(t, b, 10)
	b.Inject("q", []byte("bad"))

	env, err := r.Receive(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.Settle(context.Background(), env, messaging.DeadLetter, "malformed"))

	dl := b.DeadLetters("q")
	require.Len(t, dl, 1)
	assert.Equal(t, "malformed", dl[0].Reason)
	assert.Equal(t, 1, b.Stats("q").DeadLettered)
}

func TestClosedEndpoints(t *testing.T) {
	b := New("ns", WithPollInterval(5*time.Millisecond))
	s := b.NewSender("q")
	require.NoError(t, s.Close(context.Background()))
	assert.True(t, errors.IsCode(s.Send(context.Background(), []byte("x")), errors.CodeClosed))

	r := newReceiver(t, b, 10)
	require.NoError(t, r.Close(context.Background()))
	_, err := r.Receive(context.Background())
	assert.True(t, errors.IsCode(err, errors.CodeClosed))
}

func TestReceiveHonorsContext(t *testing.T) {
	b := New("ns", WithPollInterval(time.Minute))
	r := newReceiver(t, b, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
