// Package config loads ADMP's configuration: YAML defaults overridden by
// ADMP_* environment variables, mirroring spec.md §6's environment-
// controlled configuration list.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	Dev struct {
		Mode bool `yaml:"mode"`
	} `yaml:"dev"`
	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Sweep struct {
		IntervalMS         int `yaml:"interval_ms"`
		HeartbeatTimeoutMS int `yaml:"heartbeat_timeout_ms"`
		RoundTablePurgeMS  int `yaml:"round_table_purge_ttl_ms"`
	} `yaml:"sweep"`
	Message struct {
		DefaultTTLSec int `yaml:"default_ttl_sec"`
	} `yaml:"message"`
	Security struct {
		APIKeyRequired bool   `yaml:"api_key_required"`
		MasterAPIKey   string `yaml:"master_api_key"`
	} `yaml:"security"`
	Registration struct {
		// Policy is one of "open" or "approval_required" (spec.md §6).
		Policy string `yaml:"policy"`
	} `yaml:"registration"`
	DIDWeb struct {
		AllowedDomains []string      `yaml:"allowed_domains"`
		FetchTimeout   time.Duration `yaml:"fetch_timeout"`
		MaxBodyBytes   int64         `yaml:"max_body_bytes"`
		CacheTTL       time.Duration `yaml:"cache_ttl"`
		CacheCapacity  int           `yaml:"cache_capacity"`
		RedisURL       string        `yaml:"redis_url"`
	} `yaml:"did_web"`
	Auth struct {
		// JWTSecret, when set, enables the additive bearer-JWT auth tier
		// (SPEC_FULL.md §3 domain-stack table).
		JWTSecret string `yaml:"jwt_secret"`
		Issuer    string `yaml:"issuer"`
		Audience  string `yaml:"audience"`
	} `yaml:"auth"`
	Webhook struct {
		RequestTimeout time.Duration `yaml:"request_timeout"`
		MaxAttempts    int           `yaml:"max_attempts"`
	} `yaml:"webhook"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

func Default() Config {
	var cfg Config
	cfg.HTTP.Addr = ":8089"
	cfg.Dev.Mode = true
	cfg.Sweep.IntervalMS = 60_000
	cfg.Sweep.HeartbeatTimeoutMS = 300_000
	cfg.Sweep.RoundTablePurgeMS = 7 * 24 * 60 * 60 * 1000
	cfg.Message.DefaultTTLSec = 86_400
	cfg.Security.APIKeyRequired = false
	cfg.Registration.Policy = "open"
	cfg.DIDWeb.FetchTimeout = 5 * time.Second
	cfg.DIDWeb.MaxBodyBytes = 64 * 1024
	cfg.DIDWeb.CacheTTL = 5 * time.Minute
	cfg.DIDWeb.CacheCapacity = 1000
	cfg.Webhook.RequestTimeout = 10 * time.Second
	cfg.Webhook.MaxAttempts = 3
	cfg.Log.Level = "info"
	return cfg
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, err
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ADMP_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("ADMP_DEV_MODE"); v != "" {
		cfg.Dev.Mode = parseBool(v, cfg.Dev.Mode)
	}
	if v := os.Getenv("ADMP_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("ADMP_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("CLEANUP_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sweep.IntervalMS = n
		}
	}
	if v := os.Getenv("HEARTBEAT_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sweep.HeartbeatTimeoutMS = n
		}
	}
	if v := os.Getenv("ROUND_TABLE_PURGE_TTL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sweep.RoundTablePurgeMS = n
		}
	}
	if v := os.Getenv("MESSAGE_TTL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Message.DefaultTTLSec = n
		}
	}
	if v := os.Getenv("API_KEY_REQUIRED"); v != "" {
		cfg.Security.APIKeyRequired = parseBool(v, cfg.Security.APIKeyRequired)
	}
	if v := os.Getenv("MASTER_API_KEY"); v != "" {
		cfg.Security.MasterAPIKey = v
	}
	if v := os.Getenv("REGISTRATION_POLICY"); v != "" {
		cfg.Registration.Policy = v
	}
	if v := os.Getenv("DID_WEB_ALLOWED_DOMAINS"); v != "" {
		cfg.DIDWeb.AllowedDomains = splitCSV(v)
	}
	if v := os.Getenv("ADMP_AUTH_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("ADMP_AUTH_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := os.Getenv("ADMP_AUTH_AUDIENCE"); v != "" {
		cfg.Auth.Audience = v
	}
	if v := os.Getenv("ADMP_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func parseBool(input string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitCSV(input string) []string {
	parts := strings.Split(input, ",")
	var out []string
	for _, part := range parts {
		val := strings.TrimSpace(part)
		if val == "" {
			continue
		}
		out = append(out, val)
	}
	return out
}
