package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatch/internal/throttle"
)

// Config captures all runtime configuration for the server and worker.
type Config struct {
	App      AppConfig
	DB       DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`
	AMQP     AMQPConfig  `envPrefix:"AMQP_"`
	Kafka    KafkaConfig `envPrefix:"KAFKA_"`
	Throttle ThrottleConfig
	Delay    DelayConfig
	Warmup   WarmupConfig `envPrefix:"WARMUP_"`
	Retry    RetryConfig
	Risk     RiskConfig     `envPrefix:"RISK_"`
	Template TemplateConfig `envPrefix:"TEMPLATE_"`
	Channel  ChannelConfig  `envPrefix:"CHANNEL_"`
	Worker   WorkerConfig

	// DotEnvLoaded reports whether Load found a .env file.
	DotEnvLoaded bool
}

type AppConfig struct {
	Env          string `env:"APP_ENV" envDefault:"development"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPPort     int    `env:"HTTP_PORT" envDefault:"8080"`
	MetricsPort  int    `env:"METRICS_PORT" envDefault:"9090"`
	OTelEndpoint string `env:"OTEL_ENDPOINT"`
	// Storage selects "postgres" or the in-process "memory" repositories.
	Storage string `env:"STORAGE_BACKEND" envDefault:"postgres"`
}

// DBConfig mirrors the DB_* variables; URL wins when set.
type DBConfig struct {
	URL      string `env:"URL"`
	User     string `env:"USER" envDefault:"postgres"`
	Password string `env:"PASSWORD"`
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     int    `env:"PORT" envDefault:"5432"`
	Name     string `env:"NAME" envDefault:"campaign_dispatch"`
	SSLMode  string `env:"SSLMODE" envDefault:"disable"`
}

func (c DBConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

type AMQPConfig struct {
	URL   string `env:"URL"`
	Queue string `env:"QUEUE" envDefault:"campaign_dispatch"`
}

type KafkaConfig struct {
	Brokers []string `env:"BROKERS" envSeparator:","`
	Topic   string   `env:"TOPIC" envDefault:"campaign_dispatch_events"`
}

type ThrottleConfig struct {
	MaxPerHour        int64   `env:"MAX_PER_HOUR" envDefault:"60"`
	MaxPerDay         int64   `env:"MAX_PER_DAY" envDefault:"1000"`
	SendRatePerSecond float64 `env:"SEND_RATE_PER_SECOND" envDefault:"1"`
}

type DelayConfig struct {
	MinDelaySeconds float64 `env:"MIN_DELAY_SECONDS" envDefault:"3"`
	MaxDelaySeconds float64 `env:"MAX_DELAY_SECONDS" envDefault:"8"`
}

func (c DelayConfig) Min() time.Duration { return seconds(c.MinDelaySeconds) }
func (c DelayConfig) Max() time.Duration { return seconds(c.MaxDelaySeconds) }

type WarmupConfig struct {
	Enabled      bool              `env:"ENABLED" envDefault:"true"`
	DurationDays int               `env:"DURATION_DAYS" envDefault:"7"`
	Schedule     throttle.Schedule `env:"SCHEDULE" envDefault:"1:20,2:40,3:80,4:150,5:250,6:400,7:600"`
}

type RetryConfig struct {
	MaxRetries  int           `env:"MAX_RETRIES" envDefault:"3"`
	BackoffBase time.Duration `env:"RETRY_BACKOFF_BASE" envDefault:"1m"`
}

type RiskConfig struct {
	Interval          time.Duration `env:"INTERVAL" envDefault:"5m"`
	Window            time.Duration `env:"WINDOW" envDefault:"24h"`
	MediumThreshold   int           `env:"MEDIUM_THRESHOLD" envDefault:"30"`
	HighThreshold     int           `env:"HIGH_THRESHOLD" envDefault:"60"`
	CriticalThreshold int           `env:"CRITICAL_THRESHOLD" envDefault:"80"`
	SimilarityWeight  int           `env:"SIMILARITY_WEIGHT" envDefault:"30"`
	MinResponseSample int           `env:"MIN_RESPONSE_SAMPLE" envDefault:"20"`
}

type TemplateConfig struct {
	MaxLength int `env:"MAX_LENGTH" envDefault:"4096"`
}

type ChannelConfig struct {
	MockSuccessRate float64       `env:"MOCK_SUCCESS_RATE" envDefault:"0.9"`
	SendTimeout     time.Duration `env:"SEND_TIMEOUT" envDefault:"10s"`
}

type WorkerConfig struct {
	// Embedded runs the worker inside the server process.
	Embedded        bool          `env:"WORKER_EMBEDDED" envDefault:"false"`
	Concurrency     int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	LeaseTTL        time.Duration `env:"DISPATCH_LEASE_TTL" envDefault:"10m"`
	TriggerInterval time.Duration `env:"TRIGGER_INTERVAL" envDefault:"1m"`
}

// Load reads .env (if present) and then the process environment. A missing
// .env is not an error; callers log it once their logger is built.
func Load() (*Config, error) {
	loaded := godotenv.Load() == nil
	cfg, err := Parse()
	if err != nil {
		return nil, err
	}
	cfg.DotEnvLoaded = loaded
	return cfg, nil
}

// LogDotEnv reports a missing .env file through log.
func (c *Config) LogDotEnv(log zerolog.Logger) {
	if !c.DotEnvLoaded {
		log.Warn().Msg("⚠️ No .env file found, relying on OS environment variables")
	}
}

// Parse builds a Config from the process environment only.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Throttle.MaxPerHour <= 0 || c.Throttle.MaxPerDay <= 0 {
		errs = append(errs, errors.New("MAX_PER_HOUR and MAX_PER_DAY must be positive"))
	}
	if c.Delay.MinDelaySeconds < 0 || c.Delay.MaxDelaySeconds < c.Delay.MinDelaySeconds {
		errs = append(errs, errors.New("delay range must satisfy 0 <= MIN_DELAY_SECONDS <= MAX_DELAY_SECONDS"))
	}
	if c.Warmup.Enabled {
		if c.Warmup.DurationDays < 1 {
			errs = append(errs, errors.New("WARMUP_DURATION_DAYS must be >= 1"))
		}
		if err := c.Warmup.Schedule.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("MAX_RETRIES cannot be negative"))
	}
	if c.Retry.BackoffBase <= 0 {
		errs = append(errs, errors.New("RETRY_BACKOFF_BASE must be positive"))
	}
	if !(c.Risk.MediumThreshold < c.Risk.HighThreshold && c.Risk.HighThreshold < c.Risk.CriticalThreshold) {
		errs = append(errs, errors.New("risk thresholds must be strictly increasing"))
	}
	if c.App.Storage != "postgres" && c.App.Storage != "memory" {
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND must be postgres or memory, got %q", c.App.Storage))
	}
	if c.Channel.MockSuccessRate < 0 || c.Channel.MockSuccessRate > 1 {
		errs = append(errs, errors.New("CHANNEL_MOCK_SUCCESS_RATE must be within [0, 1]"))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be >= 1"))
	}
	return errors.Join(errs...)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
