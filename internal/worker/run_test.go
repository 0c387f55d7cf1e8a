package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketrender/internal/adapters/storage/localfs"
	"ticketrender/internal/config"
	"ticketrender/internal/events"
	"ticketrender/internal/messaging"
	"ticketrender/internal/messaging/memory"
	"ticketrender/internal/pkg/errors"
	"ticketrender/internal/pkg/logger"
	"ticketrender/internal/worker/barcode"
)

func testConfig(queue, topic string) *config.Config {
	return &config.Config{
		Bus: config.Bus{
			Transport:           config.TransportMemory,
			Namespace:           "tickets",
			RenderRequestQueue:  queue,
			RenderCompleteTopic: topic,
			MaxConcurrentCalls:  2,
			LeaseDuration:       5 * time.Second,
			MaxDeliveryCount:    3,
		},
		Storage: config.Storage{Provider: config.StorageLocalFS, Container: "tickets"},
	}
}

func newTestWorker(t *testing.T, cfg *config.Config, root string) (*Worker, *memory.Bus) {
	t.Helper()
	bus := memory.New(cfg.Bus.Namespace, memory.WithPollInterval(10*time.Millisecond))
	w, err := New(Deps{
		Config:   cfg,
		Bus:      bus,
		Storage:  localfs.New(root),
		BusPing:  func(context.Context) error { return nil },
		Barcodes: barcode.Constant{Width: 3},
		Log:      logger.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop(context.Background()) })
	return w, bus
}

func renderRequest(t *testing.T, id int) []byte {
	t.Helper()
	body, err := json.Marshal(events.RenderRequest{
		EventID: uuid.New(),
		Ticket: &events.TicketSnapshot{
			ID:       id,
			Concert:  &events.Concert{Artist: "The Releclouds", Location: "Arena", StartTime: time.Date(2026, 7, 4, 20, 0, 0, 0, time.UTC), Price: 25},
			User:     &events.User{ID: "u-1"},
			Customer: &events.Customer{Email: "customer@example.com"},
		},
		CreationTime: time.Now().UTC(),
	})
	require.NoError(t, err)
	return body
}

func TestWorkerRendersToStorage(t *testing.T) {
	root := t.TempDir()
	w, bus := newTestWorker(t, testConfig("render-requests", "render-complete"), root)
	require.NoError(t, w.Start(context.Background()))

	bus.Inject("render-requests", renderRequest(t, 11))
	bus.Inject("render-requests", renderRequest(t, 12))

	require.Eventually(t, func() bool { return bus.Stats("render-requests").Acked == 2 }, 10*time.Second, 10*time.Millisecond)

	for _, name := range []string{"ticket-11.png", "ticket-12.png"} {
		data, err := os.ReadFile(filepath.Join(root, "tickets", name))
		require.NoError(t, err)
		assert.Equal(t, []byte("\x89PNG"), data[:4])
	}

	var paths []string
	for _, body := range bus.Pending("render-complete") {
		var done events.RenderComplete
		require.NoError(t, json.Unmarshal(body, &done))
		paths = append(paths, done.OutputPath)
	}
	assert.ElementsMatch(t, []string{"ticket-11.png", "ticket-12.png"}, paths)
}

func TestWorkerHealth(t *testing.T) {
	w, _ := newTestWorker(t, testConfig("render-requests", ""), t.TempDir())
	srv := httptest.NewServer(w.Handler())
	t.Cleanup(srv.Close)

	get := func() map[string]any {
		resp, err := http.Get(srv.URL + "/health?deep=true")
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return body
	}

	assert.Equal(t, "degraded", get()["status"], "orchestrator not started")

	require.NoError(t, w.Start(context.Background()))
	body := get()
	assert.Equal(t, "ok", body["status"])
	checks := body["checks"].(map[string]any)
	storage := checks["storage"].(map[string]any)
	assert.Equal(t, "localfs", storage["provider"])
	assert.Equal(t, "closed", storage["breaker"])
	assert.Equal(t, "running", checks["orchestrator"].(map[string]any)["state"])
	assert.Equal(t, "memory", body["config"].(map[string]any)["bus_transport"])
}

func TestWorkerWithoutQueueIsPassive(t *testing.T) {
	w, bus := newTestWorker(t, testConfig("", "render-complete"), t.TempDir())
	require.NoError(t, w.Start(context.Background()))
	assert.Equal(t, "running", w.State().String())

	bus.Inject("render-requests", renderRequest(t, 11))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, bus.Stats("render-requests").Pending)
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig("render-requests", "")
	bus := memory.New(cfg.Bus.Namespace, memory.WithPollInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		errc <- Run(ctx, Deps{Config: cfg, Bus: bus, Storage: localfs.New(t.TempDir()), Log: logger.Discard()}, time.Second)
	}()

	bus.Inject("render-requests", renderRequest(t, 7))
	require.Eventually(t, func() bool { return bus.Stats("render-requests").Acked == 1 }, 10*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Deps{Config: testConfig("q", "")})
	assert.Error(t, err)
}

func TestBusErrorLoggerLevels(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		level string
	}{
		{"malformed body", errors.WrapWithCode(errors.New(errors.CodeBadRequest, "bad json"), errors.CodeMalformed, "messaging.deserialize", "decode"), "WARN"},
		{"handler failure", errors.New(errors.CodeInternal, "render failed"), "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log := logger.New(logger.Config{Level: "debug", Format: "json", Output: &buf})

			busErrorLogger(log)(context.Background(), messaging.ErrorContext{
				Namespace: "tickets",
				Path:      "render-requests",
				Source:    messaging.SourceDeserialize,
				MessageID: "m-1",
			}, tt.err)

			var rec map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
			assert.Equal(t, tt.level, rec["level"])
			assert.Equal(t, "bus error", rec["msg"])
			assert.Equal(t, "render-requests", rec["path"])
		})
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestHealthServerStopsQuietly(t *testing.T) {
	cfg := testConfig("", "")
	cfg.HTTP.Port = "0"
	out := &lockedBuffer{}

	w, err := New(Deps{
		Config:  cfg,
		Bus:     memory.New(cfg.Bus.Namespace),
		Storage: localfs.New(t.TempDir()),
		Log:     logger.New(logger.Config{Level: "debug", Format: "json", Output: out}),
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "health server listening")
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Stop(context.Background()))
	require.Never(t, func() bool {
		return strings.Contains(out.String(), "health server failed")
	}, 200*time.Millisecond, 20*time.Millisecond)
}
