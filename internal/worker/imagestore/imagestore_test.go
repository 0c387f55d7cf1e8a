package imagestore

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketrender/internal/pkg/logger"
	"ticketrender/internal/ports"
)

type fakeProvider struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	calls   int
	err     error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeProvider) Provider() string { return "fake" }

func (f *fakeProvider) PutObject(_ context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return ports.PutObjectOutput{}, f.err
	}
	data, err := io.ReadAll(in.Reader)
	if err != nil {
		return ports.PutObjectOutput{}, err
	}
	f.objects[in.ObjectKey] = data
	f.types[in.ObjectKey] = in.ContentType
	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: int64(len(data))}, nil
}

func (f *fakeProvider) Ping(context.Context) error { return nil }

func TestStoreWritesUnderContainer(t *testing.T) {
	p := newFakeProvider()
	s := New(p, "tickets", logger.Discard())

	require.True(t, s.Store(context.Background(), []byte("png"), "ticket-11.png"))
	assert.Equal(t, []byte("png"), p.objects["tickets/ticket-11.png"])
	assert.Equal(t, "image/png", p.types["tickets/ticket-11.png"])

	// Overwrite.
	require.True(t, s.Store(context.Background(), []byte("png2"), "ticket-11.png"))
	assert.Equal(t, []byte("png2"), p.objects["tickets/ticket-11.png"])
}

func TestObjectKey(t *testing.T) {
	p := newFakeProvider()
	assert.Equal(t, "tickets/a/b.png", New(p, "/tickets/", logger.Discard()).ObjectKey("/a/b.png"))
	assert.Equal(t, "b.png", New(p, "", logger.Discard()).ObjectKey("b.png"))
}

func TestStoreFailureReturnsFalse(t *testing.T) {
	p := newFakeProvider()
	p.err = fmt.Errorf("403 forbidden")
	s := New(p, "tickets", logger.Discard())

	assert.False(t, s.Store(context.Background(), []byte("png"), "ticket-1.png"))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	p := newFakeProvider()
	p.err = fmt.Errorf("503 backend error")
	s := New(p, "tickets", logger.Discard())

	for i := 0; i < 5; i++ {
		assert.False(t, s.Store(context.Background(), []byte("png"), "ticket-1.png"))
	}
	assert.Equal(t, "open", s.BreakerState())

	assert.False(t, s.Store(context.Background(), []byte("png"), "ticket-1.png"))
	assert.Equal(t, 5, p.calls, "open breaker must not reach the provider")
}

func TestCanceledWritesDoNotTripBreaker(t *testing.T) {
	p := newFakeProvider()
	p.err = context.Canceled
	s := New(p, "tickets", logger.Discard())

	for i := 0; i < 10; i++ {
		assert.False(t, s.Store(context.Background(), []byte("png"), "ticket-1.png"))
	}
	assert.Equal(t, "closed", s.BreakerState())
}

func TestStorePanicsOnProgrammingErrors(t *testing.T) {
	s := New(newFakeProvider(), "tickets", logger.Discard())

	assert.Panics(t, func() { s.Store(context.Background(), nil, "a.png") })
	assert.Panics(t, func() { s.Store(context.Background(), []byte("x"), " ") })
}
