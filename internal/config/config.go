package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the partypix processes.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Storage     StorageConfig
	Credentials CredentialsConfig
	Generation  GenerationConfig
	Dispatch    DispatchConfig
	Queue       QueueConfig
}

type ServerConfig struct {
	Port int
	Env  string
	// PublicBaseURL prefixes share links and image URLs.
	PublicBaseURL  string
	GuestRateLimit int
	// TrustProxy takes client addresses from X-Forwarded-For and X-Real-IP.
	TrustProxy bool
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

type StorageConfig struct {
	Dir    string
	Bucket string
}

type CredentialsConfig struct {
	// Key is the base64 encoded 32-byte secretbox key.
	Key string
}

type GenerationConfig struct {
	DefaultProvider string
	Timeout         time.Duration
	Width           int
	Height          int
	OpenAI          OpenAIConfig
	Stability       StabilityConfig
}

type OpenAIConfig struct {
	BaseURL string
	Model   string
}

type StabilityConfig struct {
	BaseURL string
	Engine  string
}

const (
	DispatchHTTP   = "http"
	DispatchDirect = "direct"
	DispatchQueue  = "queue"
)

type DispatchConfig struct {
	// Mode selects how pending prompts reach the generator: http, direct or queue.
	Mode string
	// GenerateURL is the trigger endpoint used in http mode.
	GenerateURL        string
	InProcess          bool
	MinRefetchInterval time.Duration
	ClaimTTL           time.Duration
	Timeout            time.Duration
}

type QueueConfig struct {
	URL         string
	Name        string
	Concurrency int
}

var validProviders = map[string]bool{
	"openai":       true,
	"stability_ai": true,
}

var validDispatchModes = map[string]bool{
	DispatchHTTP:   true,
	DispatchDirect: true,
	DispatchQueue:  true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := fromEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadViewer loads the configuration of the party screen process. It needs
// the database and a way to dispatch, but never touches credentials, so
// REDIS_URL and CREDENTIALS_KEY are optional.
func LoadViewer() (*Config, error) {
	cfg := fromEnv()
	if err := cfg.validateViewer(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromEnv() *Config {
	port := envInt("PARTYPIX_PORT", 8080)
	publicBaseURL := strings.TrimRight(envString("PARTYPIX_PUBLIC_BASE_URL", fmt.Sprintf("http://localhost:%d", port)), "/")

	cfg := &Config{
		Server: ServerConfig{
			Port:           port,
			Env:            envString("PARTYPIX_ENV", "development"),
			PublicBaseURL:  publicBaseURL,
			GuestRateLimit: envInt("PARTYPIX_GUEST_RATE_LIMIT", 20),
			TrustProxy:     envBool("PARTYPIX_TRUST_PROXY", false),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("DATABASE_MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Storage: StorageConfig{
			Dir:    envString("STORAGE_DIR", "data"),
			Bucket: envString("STORAGE_BUCKET", "party-images"),
		},
		Credentials: CredentialsConfig{
			Key: os.Getenv("CREDENTIALS_KEY"),
		},
		Generation: GenerationConfig{
			DefaultProvider: envString("GENERATION_DEFAULT_PROVIDER", "openai"),
			Timeout:         envDurationSecs("GENERATION_TIMEOUT_SECS", 60*time.Second),
			Width:           envInt("GENERATION_IMAGE_WIDTH", 1024),
			Height:          envInt("GENERATION_IMAGE_HEIGHT", 1024),
			OpenAI: OpenAIConfig{
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com"),
				Model:   envString("OPENAI_IMAGE_MODEL", ""),
			},
			Stability: StabilityConfig{
				BaseURL: envString("STABILITY_BASE_URL", "https://api.stability.ai"),
				Engine:  envString("STABILITY_ENGINE", "stable-diffusion-v1-5"),
			},
		},
		Dispatch: DispatchConfig{
			Mode:               envString("DISPATCH_MODE", DispatchHTTP),
			GenerateURL:        envString("DISPATCH_GENERATE_URL", publicBaseURL+"/api/v1/generate-image"),
			InProcess:          envBool("DISPATCH_IN_PROCESS", false),
			MinRefetchInterval: envDuration("DISPATCH_MIN_REFETCH_INTERVAL", 500*time.Millisecond),
			ClaimTTL:           envDuration("DISPATCH_CLAIM_TTL", 10*time.Minute),
			Timeout:            envDurationSecs("DISPATCH_TIMEOUT_SECS", 90*time.Second),
		},
		Queue: QueueConfig{
			URL:         os.Getenv("RABBIT_URL"),
			Name:        envString("RABBIT_QUEUE", "partypix.generate"),
			Concurrency: envInt("WORKER_CONCURRENCY", 2),
		},
	}
	return cfg
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !strings.HasPrefix(c.Server.PublicBaseURL, "http://") && !strings.HasPrefix(c.Server.PublicBaseURL, "https://") {
		return fmt.Errorf("PARTYPIX_PUBLIC_BASE_URL must start with http:// or https://, got %q", c.Server.PublicBaseURL)
	}

	if c.Credentials.Key == "" {
		return fmt.Errorf("CREDENTIALS_KEY is required")
	}
	key, err := base64.StdEncoding.DecodeString(c.Credentials.Key)
	if err != nil || len(key) != 32 {
		return fmt.Errorf("CREDENTIALS_KEY must be 32 bytes, base64 encoded")
	}

	if !validProviders[c.Generation.DefaultProvider] {
		return fmt.Errorf("GENERATION_DEFAULT_PROVIDER must be one of openai, stability_ai; got %q", c.Generation.DefaultProvider)
	}
	if c.Generation.Width <= 0 || c.Generation.Height <= 0 {
		return fmt.Errorf("GENERATION_IMAGE_WIDTH and GENERATION_IMAGE_HEIGHT must be positive")
	}

	return c.validateDispatch()
}

func (c *Config) validateViewer() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if err := c.validateDispatch(); err != nil {
		return err
	}
	if c.Dispatch.Mode == DispatchDirect {
		return fmt.Errorf("DISPATCH_MODE direct is not available to the party screen; use http or queue")
	}
	return nil
}

func (c *Config) validateDispatch() error {
	if !validDispatchModes[c.Dispatch.Mode] {
		return fmt.Errorf("DISPATCH_MODE must be one of http, direct, queue; got %q", c.Dispatch.Mode)
	}
	if c.Dispatch.Mode == DispatchQueue && c.Queue.URL == "" {
		return fmt.Errorf("RABBIT_URL is required when DISPATCH_MODE is queue")
	}
	if c.Queue.Concurrency <= 0 || c.Queue.Concurrency > 50 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 50, got %d", c.Queue.Concurrency)
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
