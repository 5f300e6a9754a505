// docpipeline/internal/config
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// DatabaseConfig holds the Postgres connection settings for the job store.
type DatabaseConfig struct {
	DSN         string `yaml:"dsn"`
	MaxConns    int32  `yaml:"max_conns"`
	MinConns    int32  `yaml:"min_conns"`
	StmtTimeout string `yaml:"statement_timeout"` // e.g. "5s"; parsed only, not applied to the pool by store.OpenPool
}

// S3SSEConfig controls server-side encryption on Put.
type S3SSEConfig struct {
	Mode     string `yaml:"mode"` // "", "sse-s3", "sse-kms"
	KMSKeyID string `yaml:"kms_key_id,omitempty"`
}

// S3Config describes one logical bucket (raw or parsed).
type S3Config struct {
	Bucket                string      `yaml:"bucket"`
	Region                string      `yaml:"region"`
	Endpoint              string      `yaml:"endpoint,omitempty"`
	AccessKey             string      `yaml:"access_key,omitempty"`
	SecretKey             string      `yaml:"secret_key,omitempty"`
	Prefix                string      `yaml:"prefix,omitempty"`
	UsePathStyle          bool        `yaml:"use_path_style,omitempty"`
	TLSInsecureSkipVerify bool        `yaml:"tls_insecure_skip_verify,omitempty"`
	SSE                   S3SSEConfig `yaml:"sse,omitempty"`
	SignedURLTTL          time.Duration `yaml:"signed_url_ttl,omitempty"`
}

// BlobConfig groups the two logical buckets the pipeline reads/writes: the
// tenant's original upload and its normalized markdown artifact.
type BlobConfig struct {
	Raw    S3Config `yaml:"raw"`
	Parsed S3Config `yaml:"parsed"`
}

// EmbeddingConfig describes the embedding provider HTTP endpoint.
type EmbeddingConfig struct {
	BaseURL       string            `yaml:"base_url"`
	Path          string            `yaml:"path"`
	Model         string            `yaml:"model"`
	Dimensions    int               `yaml:"dimensions"`
	APIKey        string            `yaml:"api_key,omitempty"`
	APIHeader     string            `yaml:"api_header,omitempty"` // "Authorization" or a custom header name
	Headers       map[string]string `yaml:"headers,omitempty"`
	Timeout       int               `yaml:"timeout_seconds"`
	BatchMax      int               `yaml:"batch_max"` // max inputs per embedding call
	RateLimitRPS  float64           `yaml:"rate_limit_rps"`
	RateBurst     int               `yaml:"rate_burst"`
}

// ParserConfig describes the external document-to-markdown parser.
type ParserConfig struct {
	BaseURL      string  `yaml:"base_url"`
	APIKey       string  `yaml:"api_key,omitempty"`
	Timeout      int     `yaml:"timeout_seconds"` // per-poll timeout, default 60
	PollInterval int     `yaml:"poll_interval_seconds"`
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
	RateBurst    int     `yaml:"rate_burst"`
}

// QueueConfig parameterizes the lease-based claim protocol and retry policy.
type QueueConfig struct {
	LeaseTTL         time.Duration `yaml:"lease_ttl"`
	HeartbeatEvery   time.Duration `yaml:"heartbeat_interval"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	BatchN           int           `yaml:"batch_n"`
	MaxRetries       int           `yaml:"max_retries"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffCap       time.Duration `yaml:"backoff_cap"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`
	Concurrency      int           `yaml:"concurrency"` // max jobs one worker processes at once
	MaxInFlightOwner int           `yaml:"max_in_flight_per_owner"`
}

// ObsConfig controls structured logging and trace correlation.
type ObsConfig struct {
	LogPath     string `yaml:"log_path"`
	LogLevel    string `yaml:"log_level"`
	ServiceName string `yaml:"service_name"`
}

// Config is the process-wide configuration for worker and admin binaries.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Blob      BlobConfig      `yaml:"blob"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Parser    ParserConfig    `yaml:"parser"`
	Queue     QueueConfig     `yaml:"queue"`
	Obs       ObsConfig       `yaml:"observability"`
	WorkerID  string          `yaml:"worker_id,omitempty"`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}

func parseDuration(s string, def time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func parseFloat(s string, def float64) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return def
}

func parseBool(s string) bool {
	s = strings.TrimSpace(s)
	return strings.EqualFold(s, "true") || s == "1" || strings.EqualFold(s, "yes")
}

// Load reads configuration from the environment, applying defaults the same
// way the upload/ingest pipeline expects them to be set in production. A
// .env file in the working directory is loaded first (and overrides already
// exported variables), matching the convention used elsewhere in this stack
// so local development and container deployments share one code path.
func Load() (Config, error) {
	_ = godotenv.Overload()

	var cfg Config

	cfg.Database.DSN = strings.TrimSpace(os.Getenv("DATABASE_DSN"))
	if v := os.Getenv("DATABASE_MAX_CONNS"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Database.MaxConns = int32(n)
		}
	}
	if v := os.Getenv("DATABASE_MIN_CONNS"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Database.MinConns = int32(n)
		}
	}
	cfg.Database.StmtTimeout = firstNonEmpty(strings.TrimSpace(os.Getenv("DATABASE_STATEMENT_TIMEOUT")), "5s")

	cfg.Blob.Raw = s3ConfigFromEnv("RAW")
	cfg.Blob.Parsed = s3ConfigFromEnv("PARSED")

	cfg.Embedding.BaseURL = strings.TrimSpace(os.Getenv("EMBED_BASE_URL"))
	cfg.Embedding.Path = firstNonEmpty(strings.TrimSpace(os.Getenv("EMBED_PATH")), "/v1/embeddings")
	cfg.Embedding.Model = strings.TrimSpace(os.Getenv("EMBED_MODEL"))
	cfg.Embedding.APIKey = strings.TrimSpace(os.Getenv("EMBED_API_KEY"))
	cfg.Embedding.APIHeader = firstNonEmpty(strings.TrimSpace(os.Getenv("EMBED_API_HEADER")), "Authorization")
	if v := os.Getenv("EMBED_DIMENSIONS"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Embedding.Dimensions = n
		}
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 1536
	}
	if v := os.Getenv("EMBED_TIMEOUT_SECONDS"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Embedding.Timeout = n
		}
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = 30
	}
	if v := os.Getenv("EMBED_BATCH_MAX"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Embedding.BatchMax = n
		}
	}
	if cfg.Embedding.BatchMax <= 0 {
		cfg.Embedding.BatchMax = 256
	}
	cfg.Embedding.RateLimitRPS = parseFloat(os.Getenv("EMBED_RATE_LIMIT_RPS"), 5)
	if v := os.Getenv("EMBED_RATE_BURST"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Embedding.RateBurst = n
		}
	}
	if cfg.Embedding.RateBurst <= 0 {
		cfg.Embedding.RateBurst = 5
	}

	cfg.Parser.BaseURL = strings.TrimSpace(os.Getenv("PARSER_BASE_URL"))
	cfg.Parser.APIKey = strings.TrimSpace(os.Getenv("PARSER_API_KEY"))
	if v := os.Getenv("PARSER_TIMEOUT_SECONDS"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Parser.Timeout = n
		}
	}
	if cfg.Parser.Timeout == 0 {
		cfg.Parser.Timeout = 60
	}
	if v := os.Getenv("PARSER_POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Parser.PollInterval = n
		}
	}
	if cfg.Parser.PollInterval == 0 {
		cfg.Parser.PollInterval = 5
	}
	cfg.Parser.RateLimitRPS = parseFloat(os.Getenv("PARSER_RATE_LIMIT_RPS"), 2)
	if v := os.Getenv("PARSER_RATE_BURST"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Parser.RateBurst = n
		}
	}
	if cfg.Parser.RateBurst <= 0 {
		cfg.Parser.RateBurst = 2
	}

	cfg.Queue.LeaseTTL = parseDuration(os.Getenv("QUEUE_LEASE_TTL"), 5*time.Minute)
	cfg.Queue.HeartbeatEvery = parseDuration(os.Getenv("QUEUE_HEARTBEAT_INTERVAL"), cfg.Queue.LeaseTTL/3)
	cfg.Queue.PollInterval = parseDuration(os.Getenv("QUEUE_POLL_INTERVAL"), time.Second)
	cfg.Queue.BackoffBase = parseDuration(os.Getenv("QUEUE_BACKOFF_BASE"), 3*time.Second)
	cfg.Queue.BackoffCap = parseDuration(os.Getenv("QUEUE_BACKOFF_CAP"), 5*time.Minute)
	cfg.Queue.ShutdownGrace = parseDuration(os.Getenv("QUEUE_SHUTDOWN_GRACE"), cfg.Queue.LeaseTTL)
	if v := os.Getenv("QUEUE_BATCH_N"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Queue.BatchN = n
		}
	}
	if cfg.Queue.BatchN <= 0 {
		cfg.Queue.BatchN = 8
	}
	if v := os.Getenv("QUEUE_MAX_RETRIES"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Queue.MaxRetries = n
		}
	}
	if cfg.Queue.MaxRetries <= 0 {
		cfg.Queue.MaxRetries = 3
	}
	if v := os.Getenv("QUEUE_CONCURRENCY"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Queue.Concurrency = n
		}
	}
	if cfg.Queue.Concurrency <= 0 {
		cfg.Queue.Concurrency = 4
	}
	if v := os.Getenv("QUEUE_MAX_IN_FLIGHT_PER_OWNER"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Queue.MaxInFlightOwner = n
		}
	}

	cfg.Obs.LogPath = strings.TrimSpace(os.Getenv("LOG_PATH"))
	cfg.Obs.LogLevel = firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_LEVEL")), "info")
	cfg.Obs.ServiceName = firstNonEmpty(strings.TrimSpace(os.Getenv("SERVICE_NAME")), "docpipeline-worker")

	cfg.WorkerID = strings.TrimSpace(os.Getenv("WORKER_ID"))

	return cfg, nil
}

func s3ConfigFromEnv(prefix string) S3Config {
	env := func(suffix string) string {
		return strings.TrimSpace(os.Getenv(fmt.Sprintf("%s_BUCKET_%s", prefix, suffix)))
	}
	var c S3Config
	c.Bucket = env("NAME")
	c.Region = firstNonEmpty(env("REGION"), "us-east-1")
	c.Endpoint = env("ENDPOINT")
	c.AccessKey = env("ACCESS_KEY")
	c.SecretKey = env("SECRET_KEY")
	c.Prefix = env("PREFIX")
	c.UsePathStyle = parseBool(env("USE_PATH_STYLE"))
	c.TLSInsecureSkipVerify = parseBool(env("TLS_INSECURE_SKIP_VERIFY"))
	c.SSE.Mode = env("SSE_MODE")
	c.SSE.KMSKeyID = env("SSE_KMS_KEY_ID")
	c.SignedURLTTL = parseDuration(env("SIGNED_URL_TTL"), 5*time.Minute)
	return c
}

// LoadFile overlays a YAML file on top of environment-derived configuration.
// Useful for local development; container deployments should rely on Load().
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("unmarshal config file: %w", err)
	}
	return nil
}
