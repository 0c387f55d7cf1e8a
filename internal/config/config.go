package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Transports understood by the bus factory.
const (
	TransportMemory = "memory"
	TransportRedis  = "redis"
	TransportKafka  = "kafka"
)

// Storage providers understood by the storage factory.
const (
	StorageLocalFS = "localfs"
	StorageGDrive  = "gdrive"
)

type Config struct {
	Env             string        `yaml:"env" env:"APP_ENV" env-default:"local"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" env-default:"30s"`

	Log        Log        `yaml:"log"`
	HTTP       HTTP       `yaml:"http"`
	Bus        Bus        `yaml:"bus"`
	Redis      Redis      `yaml:"redis"`
	Kafka      Kafka      `yaml:"kafka"`
	Storage    Storage    `yaml:"storage"`
	Database   Database   `yaml:"database"`
	Resilience Resilience `yaml:"resilience"`
	Render     Render     `yaml:"render"`
}

type Log struct {
	Level     string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format    string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
	AddSource bool   `yaml:"add_source" env:"LOG_SOURCE" env-default:"false"`
}

type HTTP struct {
	Port               string   `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS" env-separator:","`
}

type Bus struct {
	Transport string `yaml:"transport" env:"BUS_TRANSPORT" env-default:"redis"`
	// Namespace prefixes stream keys and identifies the bus in logs.
	Namespace           string        `yaml:"namespace" env:"BUS_NAMESPACE" env-default:"ticketrender"`
	RenderRequestQueue  string        `yaml:"render_request_queue" env:"RENDER_REQUEST_QUEUE"`
	RenderCompleteTopic string        `yaml:"render_complete_topic" env:"RENDER_COMPLETE_TOPIC"`
	ConsumerGroup       string        `yaml:"consumer_group" env:"BUS_CONSUMER_GROUP" env-default:"ticket-renderer"`
	MaxConcurrentCalls  int           `yaml:"max_concurrent_calls" env:"BUS_MAX_CONCURRENT_CALLS" env-default:"1"`
	LeaseDuration       time.Duration `yaml:"lease_duration" env:"BUS_LEASE_DURATION" env-default:"60s"`
	MaxDeliveryCount    int           `yaml:"max_delivery_count" env:"BUS_MAX_DELIVERY_COUNT" env-default:"10"`
}

type Redis struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:"," env-default:"localhost:9092"`
}

type Storage struct {
	Provider string `yaml:"provider" env:"STORAGE_PROVIDER" env-default:"localfs"`
	// LocalRoot is the directory backing the localfs provider.
	LocalRoot string `yaml:"local_root" env:"STORAGE_LOCAL_ROOT" env-default:"/data"`
	// Container is the logical bucket; objects land at {Container}/{OutputPath}.
	Container string `yaml:"container" env:"STORAGE_CONTAINER" env-default:"tickets"`
	GDrive    GDrive `yaml:"gdrive"`
}

type GDrive struct {
	ClientID     string `yaml:"client_id" env:"GDRIVE_CLIENT_ID"`
	ClientSecret string `yaml:"client_secret" env:"GDRIVE_CLIENT_SECRET"`
	RefreshToken string `yaml:"refresh_token" env:"GDRIVE_REFRESH_TOKEN"`
	FolderID     string `yaml:"folder_id" env:"GDRIVE_FOLDER_ID"`
}

type Database struct {
	URL string `yaml:"url" env:"DATABASE_URL"`
}

// Resilience is applied to every outbound client: redis, kafka and storage HTTP.
type Resilience struct {
	MaxRetries     int           `yaml:"max_retries" env:"RESILIENCE_MAX_RETRIES" env-default:"5"`
	BaseDelay      time.Duration `yaml:"base_delay" env:"RESILIENCE_BASE_DELAY" env-default:"800ms"`
	MaxDelay       time.Duration `yaml:"max_delay" env:"RESILIENCE_MAX_DELAY" env-default:"60s"`
	NetworkTimeout time.Duration `yaml:"network_timeout" env:"RESILIENCE_NETWORK_TIMEOUT" env-default:"100s"`
}

type Render struct {
	// BarcodeSeed makes barcodes reproducible when non-zero.
	BarcodeSeed uint64 `yaml:"barcode_seed" env:"RENDER_BARCODE_SEED" env-default:"0"`
}

// Load reads an optional .env file, then CONFIG_PATH (YAML) if set, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if path := strings.TrimSpace(os.Getenv("CONFIG_PATH")); path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad is Load that panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate checks values cleanenv cannot express. An empty render request
// queue is valid: the worker starts without subscribing.
func (c *Config) Validate() error {
	switch c.Bus.Transport {
	case TransportMemory, TransportRedis, TransportKafka:
	default:
		return fmt.Errorf("unknown bus transport: %q", c.Bus.Transport)
	}
	switch c.Storage.Provider {
	case StorageLocalFS, StorageGDrive:
	default:
		return fmt.Errorf("unknown storage provider: %q", c.Storage.Provider)
	}
	if c.Bus.MaxConcurrentCalls < 1 {
		return fmt.Errorf("bus max concurrent calls must be >= 1, got %d", c.Bus.MaxConcurrentCalls)
	}
	if c.Bus.Transport == TransportKafka && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka transport requires KAFKA_BROKERS")
	}
	if c.Storage.Provider == StorageGDrive && (c.Storage.GDrive.ClientID == "" || c.Storage.GDrive.RefreshToken == "") {
		return fmt.Errorf("gdrive storage requires GDRIVE_CLIENT_ID and GDRIVE_REFRESH_TOKEN")
	}
	return nil
}
