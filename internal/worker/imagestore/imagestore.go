// Package imagestore persists rendered ticket images through a storage
// provider. Remote failures are logged and reported as false.
package imagestore

import (
	"bytes"
	"context"
	"path"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"ticketrender/internal/pkg/errors"
	"ticketrender/internal/pkg/logger"
	"ticketrender/internal/ports"
)

const contentType = "image/png"

// Store writes images to {container}/{path}, overwriting existing objects.
// Calls go through a circuit breaker so an unreachable provider fails fast.
type Store struct {
	provider  ports.StorageProvider
	container string
	cb        *gobreaker.CircuitBreaker
	log       *logger.Logger
}

func New(provider ports.StorageProvider, container string, log *logger.Logger) *Store {
	log = logger.OrDefault(log).WithComponent("imagestore")

	settings := gobreaker.Settings{
		Name:        "storage-" + provider.Provider(),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Canceled writes say nothing about the provider's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}

	return &Store{
		provider:  provider,
		container: strings.Trim(container, "/"),
		cb:        gobreaker.NewCircuitBreaker(settings),
		log:       log,
	}
}

// ObjectKey is where an image for p is stored.
func (s *Store) ObjectKey(p string) string {
	p = strings.TrimLeft(p, "/")
	if s.container == "" {
		return p
	}
	return path.Join(s.container, p)
}

// Store saves data at p. It panics on nil data or an empty path.
func (s *Store) Store(ctx context.Context, data []byte, p string) bool {
	if data == nil {
		panic("imagestore: nil image data")
	}
	if strings.TrimSpace(p) == "" {
		panic("imagestore: empty output path")
	}

	key := s.ObjectKey(p)
	log := s.log.FromContext(ctx)
	start := time.Now()

	out, err := s.cb.Execute(func() (interface{}, error) {
		return s.provider.PutObject(ctx, ports.PutObjectInput{
			ObjectKey:   key,
			ContentType: contentType,
			Reader:      bytes.NewReader(data),
			Size:        int64(len(data)),
		})
	})
	if err != nil {
		log.Error("failed to store ticket image",
			"provider", s.provider.Provider(),
			"object_key", key,
			"error", err.Error(),
		)
		return false
	}

	log.Info("stored ticket image",
		"provider", s.provider.Provider(),
		"object_key", key,
		"object_id", out.(ports.PutObjectOutput).ObjectKey,
		"bytes", len(data),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return true
}

// BreakerState reports the circuit breaker state for health output.
func (s *Store) BreakerState() string {
	return s.cb.State().String()
}
