// Package transport builds the configured messaging.Bus and its clients.
package transport

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"ticketrender/internal/config"
	"ticketrender/internal/messaging"
	"ticketrender/internal/messaging/kafkabus"
	"ticketrender/internal/messaging/memory"
	"ticketrender/internal/messaging/redisbus"
	"ticketrender/internal/pkg/logger"
)

// Transport is a bus plus the lifecycle of the client behind it.
type Transport struct {
	Bus messaging.Bus
	// Ping reports whether the backing broker is reachable.
	Ping func(ctx context.Context) error
	// Close releases the client. The bus must not be used afterwards.
	Close func() error
}

// New builds the transport named by cfg.Bus.Transport.
func New(cfg *config.Config, log *logger.Logger) (*Transport, error) {
	log = logger.OrDefault(log)

	switch cfg.Bus.Transport {
	case config.TransportMemory:
		return &Transport{
			Bus:   memory.New(cfg.Bus.Namespace),
			Ping:  func(context.Context) error { return nil },
			Close: func() error { return nil },
		}, nil

	case config.TransportRedis:
		rdb := NewRedisClient(cfg)
		bus := redisbus.New(rdb, redisbus.Options{
			Namespace: cfg.Bus.Namespace,
			Group:     cfg.Bus.ConsumerGroup,
			Log:       log,
		})
		return &Transport{Bus: bus, Ping: bus.Ping, Close: rdb.Close}, nil

	case config.TransportKafka:
		bus := kafkabus.New(kafkabus.Options{
			Brokers:      cfg.Kafka.Brokers,
			Namespace:    cfg.Bus.Namespace,
			Group:        cfg.Bus.ConsumerGroup,
			MaxRetries:   cfg.Resilience.MaxRetries,
			RetryBackoff: cfg.Resilience.BaseDelay,
			Log:          log,
		})
		return &Transport{Bus: bus, Ping: bus.Ping, Close: bus.Close}, nil

	default:
		return nil, fmt.Errorf("unknown bus transport: %q", cfg.Bus.Transport)
	}
}

// NewRedisClient applies the resilience settings to a go-redis client.
func NewRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:            cfg.Redis.Addr,
		Password:        cfg.Redis.Password,
		DB:              cfg.Redis.DB,
		MaxRetries:      cfg.Resilience.MaxRetries,
		MinRetryBackoff: cfg.Resilience.BaseDelay,
		MaxRetryBackoff: cfg.Resilience.MaxDelay,
		DialTimeout:     cfg.Resilience.NetworkTimeout,
	})
}
