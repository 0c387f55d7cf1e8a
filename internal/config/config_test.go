package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("RENDER_REQUEST_QUEUE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, TransportRedis, cfg.Bus.Transport)
	assert.Equal(t, 1, cfg.Bus.MaxConcurrentCalls)
	assert.Equal(t, 60*time.Second, cfg.Bus.LeaseDuration)
	assert.Empty(t, cfg.Bus.RenderRequestQueue)
	assert.Equal(t, 5, cfg.Resilience.MaxRetries)
	assert.Equal(t, 800*time.Millisecond, cfg.Resilience.BaseDelay)
	assert.Equal(t, 60*time.Second, cfg.Resilience.MaxDelay)
	assert.Equal(t, 100*time.Second, cfg.Resilience.NetworkTimeout)
	assert.Equal(t, StorageLocalFS, cfg.Storage.Provider)
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("BUS_TRANSPORT", "kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("RENDER_REQUEST_QUEUE", "ticket-render-requests")
	t.Setenv("RENDER_COMPLETE_TOPIC", "ticket-render-complete")
	t.Setenv("BUS_MAX_CONCURRENT_CALLS", "4")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "ticket-render-requests", cfg.Bus.RenderRequestQueue)
	assert.Equal(t, "ticket-render-complete", cfg.Bus.RenderCompleteTopic)
	assert.Equal(t, 4, cfg.Bus.MaxConcurrentCalls)
}

func TestLoadFromDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("STORAGE_CONTAINER=from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("STORAGE_CONTAINER") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Storage.Container)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
bus:
  transport: memory
  render_request_queue: requests
storage:
  provider: localfs
  local_root: /tmp/tickets
`), 0o600))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, TransportMemory, cfg.Bus.Transport)
	assert.Equal(t, "requests", cfg.Bus.RenderRequestQueue)
	assert.Equal(t, "/tmp/tickets", cfg.Storage.LocalRoot)
	assert.Equal(t, 1, cfg.Bus.MaxConcurrentCalls)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Bus:     Bus{Transport: TransportRedis, MaxConcurrentCalls: 1},
			Storage: Storage{Provider: StorageLocalFS},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"unknown transport", func(c *Config) { c.Bus.Transport = "amqp" }, true},
		{"unknown storage", func(c *Config) { c.Storage.Provider = "s3" }, true},
		{"zero concurrency", func(c *Config) { c.Bus.MaxConcurrentCalls = 0 }, true},
		{"kafka without brokers", func(c *Config) { c.Bus.Transport = TransportKafka }, true},
		{"gdrive without credentials", func(c *Config) { c.Storage.Provider = StorageGDrive }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
