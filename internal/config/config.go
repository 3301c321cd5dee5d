package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when LEDGER_CONFIG is not set.
const DefaultPath = "internal/config/config.yaml"

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Queue     QueueConfig     `yaml:"queue"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	NATS      NATSConfig      `yaml:"nats"`
	Worker    WorkerConfig    `yaml:"worker"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Auth      AuthConfig      `yaml:"auth"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig selects the TransferQueue backend.
type QueueConfig struct {
	Driver string      `yaml:"driver"` // kafka|nats|memory
	Retry  RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	DeadLetter  string        `yaml:"dead_letter"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

type NATSConfig struct {
	URL     string        `yaml:"url"`
	Stream  string        `yaml:"stream"`
	Subject string        `yaml:"subject"`
	Durable string        `yaml:"durable"`
	AckWait time.Duration `yaml:"ack_wait"`
}

type WorkerConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	RestartBackoff time.Duration `yaml:"restart_backoff"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type AuthConfig struct {
	JWTSecret  string        `yaml:"jwt_secret"`
	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
}

// MonitorConfig drives the outbox relay and the stuck-transaction watch.
type MonitorConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	OutboxBatch  int           `yaml:"outbox_batch"`
	OutboxGrace  time.Duration `yaml:"outbox_grace"`
	StuckAfter   time.Duration `yaml:"stuck_after"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level     string `yaml:"level"`
	Encoding  string `yaml:"encoding"`
	AuditPath string `yaml:"audit_path"`
}

// Path returns the config file location, honouring LEDGER_CONFIG.
func Path() string {
	if p := os.Getenv("LEDGER_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	// .env is optional; a missing file is not an error
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "kafka"
	}
	if c.Queue.Retry.MaxAttempts == 0 {
		c.Queue.Retry.MaxAttempts = 5
	}
	if c.Queue.Retry.Backoff == 0 {
		c.Queue.Retry.Backoff = 2 * time.Second
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "transactions"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "settlement-workers"
	}
	if c.NATS.Stream == "" {
		c.NATS.Stream = "TRANSACTIONS"
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "transactions"
	}
	if c.NATS.Durable == "" {
		c.NATS.Durable = "settlement-workers"
	}
	if c.NATS.AckWait == 0 {
		c.NATS.AckWait = 30 * time.Second
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.RestartBackoff == 0 {
		c.Worker.RestartBackoff = 3 * time.Second
	}
	if c.Auth.AccessTTL == 0 {
		c.Auth.AccessTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTTL == 0 {
		c.Auth.RefreshTTL = 7 * 24 * time.Hour
	}
	if c.Monitor.PollInterval == 0 {
		c.Monitor.PollInterval = time.Second
	}
	if c.Monitor.OutboxBatch == 0 {
		c.Monitor.OutboxBatch = 100
	}
	if c.Monitor.OutboxGrace == 0 {
		c.Monitor.OutboxGrace = 10 * time.Second
	}
	if c.Monitor.StuckAfter == 0 {
		c.Monitor.StuckAfter = 5 * time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Encoding == "" {
		c.Log.Encoding = "json"
	}
}

func (c *Config) applyEnv() {
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		c.Postgres.DSN = c.Postgres.DSN + " password=" + pw
	}
	if s := os.Getenv("JWT_SECRET"); s != "" {
		c.Auth.JWTSecret = s
	}
	if d := os.Getenv("QUEUE_DRIVER"); d != "" {
		c.Queue.Driver = d
	}
	if b := os.Getenv("KAFKA_BROKERS"); b != "" {
		c.Kafka.Brokers = strings.Split(b, ",")
	}
	if u := os.Getenv("NATS_URL"); u != "" {
		c.NATS.URL = u
	}
	if a := os.Getenv("REDIS_ADDR"); a != "" {
		c.Redis.Addr = a
	}
}

// Validate rejects configurations the binaries cannot run with.
func (c *Config) Validate() error {
	switch c.Queue.Driver {
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("kafka driver requires at least one broker")
		}
	case "nats":
		if c.NATS.URL == "" {
			return errors.New("nats driver requires a url")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown queue driver %q", c.Queue.Driver)
	}
	if c.Worker.Concurrency < 1 {
		return errors.New("worker concurrency must be positive")
	}
	if c.Queue.Retry.MaxAttempts < 1 {
		return errors.New("retry max_attempts must be positive")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth jwt_secret is required")
	}
	return nil
}
