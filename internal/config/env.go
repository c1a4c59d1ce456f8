package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	env   string
	typ   keyType
	apply func(cfg *Config, v any)
}

var specs = []keySpec{
	{
		env: "ASTRO_SERVER_PORT", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
	},
	{
		env: "ASTRO_SERVER_TOKEN", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
	},
	{
		env: "ASTRO_LLM_API_KEY", typ: kString,
		apply: func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
	},
	{
		env: "ASTRO_LLM_BASE_URL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
	},
	{
		env: "ASTRO_LLM_MODEL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
	},
	{
		env: "ASTRO_STORAGE_BACKEND", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Storage.Backend = v.(string) },
	},
	{
		env: "ASTRO_STORAGE_DATA_DIR", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
	},
	{
		env: "ASTRO_QUEUE_BACKEND", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Queue.Backend = v.(string) },
	},
	{
		env: "ASTRO_QUEUE_REDIS_ADDR", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Queue.RedisAddr = v.(string) },
	},
	{
		env: "ASTRO_QUEUE_REDIS_PASSWORD", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Queue.RedisPassword = v.(string) },
	},
	{
		env: "ASTRO_CACHE_BACKEND", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Cache.Backend = v.(string) },
	},
	{
		env: "ASTRO_CACHE_TTL", typ: kDuration,
		apply: func(cfg *Config, v any) { cfg.Cache.TTL = Duration(v.(time.Duration)) },
	},
	{
		env: "ASTRO_WORKER_SIZE", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Worker.Size = v.(int) },
	},
	{
		env: "ASTRO_WORKER_MAX_ATTEMPTS", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Worker.MaxAttempts = v.(int) },
	},
	{
		env: "ASTRO_WORKER_LEASE", typ: kDuration,
		apply: func(cfg *Config, v any) { cfg.Worker.Lease = Duration(v.(time.Duration)) },
	},
	{
		env: "ASTRO_WORKER_TASK_TIMEOUT", typ: kDuration,
		apply: func(cfg *Config, v any) { cfg.Worker.TaskTimeout = Duration(v.(time.Duration)) },
	},
	{
		env: "ASTRO_WORKER_BACKOFF_BASE", typ: kDuration,
		apply: func(cfg *Config, v any) { cfg.Worker.BackoffBase = Duration(v.(time.Duration)) },
	},
	{
		env: "ASTRO_WORKER_BACKOFF_MAX", typ: kDuration,
		apply: func(cfg *Config, v any) { cfg.Worker.BackoffMax = Duration(v.(time.Duration)) },
	},
	{
		env: "ASTRO_REVIEW_MAX_ROUNDS", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Review.MaxRounds = v.(int) },
	},
	{
		env: "ASTRO_LOG_LEVEL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
	},
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
