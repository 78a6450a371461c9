package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the delivery engine.
type Config struct {
	Server   ServerConfig `yaml:"server"`
	Queue    QueueConfig  `yaml:"queue"`
	SMTP     SMTPConfig   `yaml:"smtp"`
	Sender   SenderConfig `yaml:"sender"`
	Drain    DrainConfig  `yaml:"drain"`
	Redis    RedisConfig  `yaml:"redis"`
	LogLevel string       `yaml:"log_level"`
}

// ServerConfig holds the ops HTTP endpoint configuration (worker mode).
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// QueueConfig holds the source queue and dead-letter destination.
type QueueConfig struct {
	URL    string `yaml:"url"`
	DLQURL string `yaml:"dlq_url"`
	Region string `yaml:"region"`
}

// SMTPConfig holds transport, auth, pool sizing, timeout and header settings.
type SMTPConfig struct {
	Host              string            `yaml:"host"`
	Port              int               `yaml:"port"`
	Username          string            `yaml:"username"`
	Password          string            `yaml:"password"`
	Encryption        string            `yaml:"encryption"` // "starttls", "tls" or "none"
	HelloHostname     string            `yaml:"hello_hostname"`
	MaxConnections    int               `yaml:"max_connections"`
	MaxMessages       int               `yaml:"max_messages"`
	ConnectTimeoutMS  int               `yaml:"connect_timeout_ms"`
	GreetingTimeoutMS int               `yaml:"greeting_timeout_ms"`
	SocketTimeoutMS   int               `yaml:"socket_timeout_ms"`
	From              string            `yaml:"from"`
	ReplyTo           string            `yaml:"reply_to"`
	ReturnPath        string            `yaml:"return_path"`
	ListUnsubscribe   string            `yaml:"list_unsubscribe"`
	XMailer           string            `yaml:"x_mailer"`
	Headers           map[string]string `yaml:"headers"`
}

// ConnectTimeout returns the TCP dial timeout as a duration.
func (c SMTPConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

// GreetingTimeout returns the banner/EHLO timeout as a duration.
func (c SMTPConfig) GreetingTimeout() time.Duration {
	return time.Duration(c.GreetingTimeoutMS) * time.Millisecond
}

// SocketTimeout returns the per-command I/O timeout as a duration.
func (c SMTPConfig) SocketTimeout() time.Duration {
	return time.Duration(c.SocketTimeoutMS) * time.Millisecond
}

// SenderConfig holds rate, retry and idempotency settings.
type SenderConfig struct {
	GlobalRatePerSecond int            `yaml:"global_rate_per_second"`
	MaxAttempts         int            `yaml:"max_attempts"`
	InitialRetryMS      int            `yaml:"initial_retry_ms"`
	MaxRetryMS          int            `yaml:"max_retry_ms"`
	IdempotencyWindowMS int64          `yaml:"idempotency_window_ms"`
	DomainLimits        map[string]int `yaml:"domain_limits"`
}

// InitialRetry returns the backoff floor as a duration.
func (c SenderConfig) InitialRetry() time.Duration {
	return time.Duration(c.InitialRetryMS) * time.Millisecond
}

// MaxRetry returns the backoff ceiling as a duration.
func (c SenderConfig) MaxRetry() time.Duration {
	return time.Duration(c.MaxRetryMS) * time.Millisecond
}

// IdempotencyWindow returns the duplicate-suppression TTL as a duration.
func (c SenderConfig) IdempotencyWindow() time.Duration {
	return time.Duration(c.IdempotencyWindowMS) * time.Millisecond
}

// DrainConfig holds the drain loop and worker pool settings.
type DrainConfig struct {
	MaxConcurrency     int `yaml:"max_concurrency"`
	BatchSize          int `yaml:"batch_size"`
	DrainBufferMS      int `yaml:"drain_buffer_ms"`
	EmptyPollThreshold int `yaml:"empty_poll_threshold"`
	RunSeconds         int `yaml:"run_seconds"`
}

// DrainBuffer returns the safety margin reserved before the deadline.
func (c DrainConfig) DrainBuffer() time.Duration {
	return time.Duration(c.DrainBufferMS) * time.Millisecond
}

// RunBudget returns the wall-clock budget for one invocation.
func (c DrainConfig) RunBudget() time.Duration {
	return time.Duration(c.RunSeconds) * time.Second
}

// RedisConfig holds the optional overlap-lock settings. An empty URL
// disables the lock entirely.
type RedisConfig struct {
	URL            string `yaml:"url"`
	LockTTLSeconds int    `yaml:"lock_ttl_seconds"`
}

// LockTTL returns the drainer lock TTL as a duration.
func (c RedisConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// Load reads and parses the configuration file. A missing file is not an
// error: worker deployments are env-only, so defaults apply and LoadFromEnv
// fills in the rest.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8085
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 587
	}
	if cfg.SMTP.Encryption == "" {
		cfg.SMTP.Encryption = "starttls"
	}
	if cfg.SMTP.MaxConnections == 0 {
		cfg.SMTP.MaxConnections = 10
	}
	if cfg.SMTP.MaxMessages == 0 {
		cfg.SMTP.MaxMessages = 50
	}
	if cfg.SMTP.ConnectTimeoutMS == 0 {
		cfg.SMTP.ConnectTimeoutMS = 15000
	}
	if cfg.SMTP.GreetingTimeoutMS == 0 {
		cfg.SMTP.GreetingTimeoutMS = 10000
	}
	if cfg.SMTP.SocketTimeoutMS == 0 {
		cfg.SMTP.SocketTimeoutMS = 30000
	}
	if cfg.SMTP.XMailer == "" {
		cfg.SMTP.XMailer = "smtp-dispatch/1.0"
	}
	if cfg.Sender.GlobalRatePerSecond == 0 {
		cfg.Sender.GlobalRatePerSecond = 35
	}
	if cfg.Sender.MaxAttempts == 0 {
		cfg.Sender.MaxAttempts = 3
	}
	if cfg.Sender.InitialRetryMS == 0 {
		cfg.Sender.InitialRetryMS = 1000
	}
	if cfg.Sender.MaxRetryMS == 0 {
		cfg.Sender.MaxRetryMS = 60000
	}
	if cfg.Sender.IdempotencyWindowMS == 0 {
		cfg.Sender.IdempotencyWindowMS = 86400000
	}
	if cfg.Drain.MaxConcurrency == 0 {
		cfg.Drain.MaxConcurrency = 10
	}
	if cfg.Drain.BatchSize == 0 {
		cfg.Drain.BatchSize = 10
	}
	if cfg.Drain.DrainBufferMS == 0 {
		cfg.Drain.DrainBufferMS = 60000
	}
	if cfg.Drain.EmptyPollThreshold == 0 {
		cfg.Drain.EmptyPollThreshold = 3
	}
	if cfg.Drain.RunSeconds == 0 {
		cfg.Drain.RunSeconds = 900
	}
	if cfg.Redis.LockTTLSeconds == 0 {
		cfg.Redis.LockTTLSeconds = 120
	}
	if cfg.Queue.Region == "" {
		cfg.Queue.Region = "us-east-1"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	applyCaps(&cfg)

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	overrideString(&cfg.Queue.URL, "SQS_QUEUE_URL")
	overrideString(&cfg.Queue.DLQURL, "SQS_DLQ_URL")
	overrideString(&cfg.Queue.Region, "AWS_REGION")

	overrideString(&cfg.SMTP.Host, "SMTP_HOST")
	overrideInt(&cfg.SMTP.Port, "SMTP_PORT")
	overrideString(&cfg.SMTP.Username, "SMTP_USERNAME")
	overrideString(&cfg.SMTP.Password, "SMTP_PASSWORD")
	overrideString(&cfg.SMTP.Encryption, "SMTP_ENCRYPTION")
	overrideString(&cfg.SMTP.HelloHostname, "SMTP_HELLO_HOSTNAME")
	overrideInt(&cfg.SMTP.MaxConnections, "SMTP_MAX_CONNECTIONS")
	overrideInt(&cfg.SMTP.MaxMessages, "SMTP_MAX_MESSAGES")
	overrideInt(&cfg.SMTP.ConnectTimeoutMS, "SMTP_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.SMTP.GreetingTimeoutMS, "SMTP_GREETING_TIMEOUT_MS")
	overrideInt(&cfg.SMTP.SocketTimeoutMS, "SMTP_SOCKET_TIMEOUT_MS")
	overrideString(&cfg.SMTP.From, "SMTP_FROM")
	overrideString(&cfg.SMTP.ReplyTo, "SMTP_REPLY_TO")
	overrideString(&cfg.SMTP.ReturnPath, "SMTP_RETURN_PATH")
	overrideString(&cfg.SMTP.ListUnsubscribe, "SMTP_LIST_UNSUBSCRIBE")
	overrideString(&cfg.SMTP.XMailer, "SMTP_X_MAILER")

	overrideInt(&cfg.Sender.GlobalRatePerSecond, "GLOBAL_RATE_PER_SECOND")
	overrideInt(&cfg.Sender.MaxAttempts, "MAX_ATTEMPTS")
	overrideInt(&cfg.Sender.InitialRetryMS, "INITIAL_RETRY_MS")
	overrideInt(&cfg.Sender.MaxRetryMS, "MAX_RETRY_MS")
	overrideInt64(&cfg.Sender.IdempotencyWindowMS, "IDEMPOTENCY_WINDOW_MS")
	if v := os.Getenv("DOMAIN_LIMITS"); v != "" {
		if limits := ParseDomainLimits(v); len(limits) > 0 {
			cfg.Sender.DomainLimits = limits
		}
	}

	overrideInt(&cfg.Drain.MaxConcurrency, "MAX_CONCURRENCY")
	overrideInt(&cfg.Drain.BatchSize, "BATCH_SIZE")
	overrideInt(&cfg.Drain.DrainBufferMS, "DRAIN_BUFFER_MS")
	overrideInt(&cfg.Drain.EmptyPollThreshold, "EMPTY_POLL_THRESHOLD")
	overrideInt(&cfg.Drain.RunSeconds, "RUN_DEADLINE_SECONDS")

	overrideString(&cfg.Redis.URL, "REDIS_URL")
	overrideInt(&cfg.Redis.LockTTLSeconds, "REDIS_LOCK_TTL_SECONDS")

	overrideInt(&cfg.Server.Port, "PORT")
	overrideString(&cfg.LogLevel, "LOG_LEVEL")

	applyCaps(cfg)

	return cfg, nil
}

// applyCaps enforces the hard ceilings: the queue returns at most 10
// messages per fetch, and fan-out beyond 50 defeats the rate limiter.
func applyCaps(cfg *Config) {
	if cfg.Drain.BatchSize > 10 {
		cfg.Drain.BatchSize = 10
	}
	if cfg.Drain.BatchSize < 1 {
		cfg.Drain.BatchSize = 1
	}
	if cfg.Drain.MaxConcurrency > 50 {
		cfg.Drain.MaxConcurrency = 50
	}
	if cfg.Drain.MaxConcurrency < 1 {
		cfg.Drain.MaxConcurrency = 1
	}
}

// ParseDomainLimits parses the DOMAIN_LIMITS override format:
// "gmail.com=15,yahoo.com=25". Malformed entries are skipped.
func ParseDomainLimits(s string) map[string]int {
	limits := make(map[string]int)
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		domain := strings.ToLower(strings.TrimSpace(kv[0]))
		n, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if domain == "" || err != nil || n < 1 {
			continue
		}
		limits[domain] = n
	}
	return limits
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func overrideInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}
