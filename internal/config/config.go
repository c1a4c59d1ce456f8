// Package config loads server configuration from a TOML file with
// environment variable overrides. Precedence, lowest to highest:
// defaults, config file, ASTRO_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server  ServerConfig  `toml:"server"`
	LLM     LLMConfig     `toml:"llm"`
	Storage StorageConfig `toml:"storage"`
	Queue   QueueConfig   `toml:"queue"`
	Cache   CacheConfig   `toml:"cache"`
	Worker  WorkerConfig  `toml:"worker"`
	Review  ReviewConfig  `toml:"review"`
	Log     LogConfig     `toml:"log"`
}

type ServerConfig struct {
	Port  int    `toml:"port"`
	Token string `toml:"token"`
}

type LLMConfig struct {
	APIKey    string `toml:"api_key"`
	BaseURL   string `toml:"base_url"`
	Model     string `toml:"model"`
	MaxTokens int    `toml:"max_tokens"`
}

type StorageConfig struct {
	// Backend is sqlite, bolt or memory.
	Backend string `toml:"backend"`
	DataDir string `toml:"data_dir"`
}

type QueueConfig struct {
	// Backend is memory or redis.
	Backend       string `toml:"backend"`
	Capacity      int    `toml:"capacity"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

type CacheConfig struct {
	// Backend is memory or redis. Redis reuses the queue connection
	// settings.
	Backend  string   `toml:"backend"`
	Capacity int      `toml:"capacity"`
	TTL      Duration `toml:"ttl"`
}

type WorkerConfig struct {
	// Size is the number of executor slots. A generate_idea task occupies
	// its slot for the whole review loop while its draft and review
	// sub-tasks need slots of their own, so size must exceed the number of
	// idea jobs expected to run at once or the pool stalls until the task
	// timeout.
	Size         int      `toml:"size"`
	MaxAttempts  int      `toml:"max_attempts"`
	Lease        Duration `toml:"lease"`
	TaskTimeout  Duration `toml:"task_timeout"`
	BackoffBase  Duration `toml:"backoff_base"`
	BackoffMax   Duration `toml:"backoff_max"`
	ReapInterval Duration `toml:"reap_interval"`
	RecordTTL    Duration `toml:"record_ttl"`
}

type ReviewConfig struct {
	MaxRounds int `toml:"max_rounds"`
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `toml:"level"`
}

// Duration is a time.Duration that decodes from TOML strings like "2m".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4730,
		},
		LLM: LLMConfig{
			Model:     "gpt-4o-mini",
			MaxTokens: 4096,
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			DataDir: defaultDataDir(),
		},
		Queue: QueueConfig{
			Backend:   "memory",
			Capacity:  1024,
			RedisAddr: "localhost:6379",
		},
		Cache: CacheConfig{
			Backend:  "memory",
			Capacity: 1024,
			TTL:      Duration(time.Hour),
		},
		Worker: WorkerConfig{
			Size:         4,
			MaxAttempts:  5,
			Lease:        Duration(2 * time.Minute),
			TaskTimeout:  Duration(5 * time.Minute),
			BackoffBase:  Duration(time.Second),
			BackoffMax:   Duration(2 * time.Minute),
			ReapInterval: Duration(15 * time.Second),
			RecordTTL:    Duration(24 * time.Hour),
		},
		Review: ReviewConfig{
			MaxRounds: 3,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "astroinsight")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".local", "share", "astroinsight")
}

// DefaultPath is where Load looks for a config file when ASTRO_CONFIG is
// unset. A missing file is not an error.
func DefaultPath() string {
	if p := os.Getenv("ASTRO_CONFIG"); p != "" {
		return p
	}
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "astroinsight", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "astroinsight", "config.toml")
}

// Load reads the config file at path (or DefaultPath when empty), then
// applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path == "" {
		path = DefaultPath()
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Storage.Backend {
	case "sqlite", "bolt", "memory":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Queue.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Worker.Size <= 0 {
		return fmt.Errorf("worker size must be positive, got %d", c.Worker.Size)
	}
	if c.Review.MaxRounds <= 0 {
		return fmt.Errorf("review max_rounds must be positive, got %d", c.Review.MaxRounds)
	}
	return nil
}
