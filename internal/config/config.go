// Package config loads server configuration from an optional YAML file
// with environment-variable overrides. Every field has a usable default
// except TokenSecret, which the daemon refuses to start without.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the runtime settings for the server.
type Config struct {
	Port           string   `yaml:"port"`
	DBPath         string   `yaml:"dbPath"`
	AppVersion     string   `yaml:"appVersion"`
	TokenSecret    string   `yaml:"tokenSecret"`
	TokenTTLHours  int      `yaml:"tokenTTLHours"`
	RateLimit      float64  `yaml:"rateLimit"`
	RateBurst      int      `yaml:"rateBurst"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:          "3000",
		DBPath:        "./veil.db",
		AppVersion:    "dev",
		TokenTTLHours: 24,
		RateLimit:     5.0, // sustained messages per second per user
		RateBurst:     20,
	}
}

// TokenTTL returns the token lifetime as a duration.
func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLHours) * time.Hour
}

// Load reads configuration, starting from defaults, then the first
// readable YAML file among the candidates, then environment overrides.
// A missing file is not an error.
func Load(configPath string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"./veil.yaml",
			"/etc/veil/config.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			continue
		}
		mergeConfig(&cfg, fileCfg)
		break
	}

	applyEnv(&cfg)
	return cfg
}

func mergeConfig(dst *Config, src Config) {
	if src.Port != "" {
		dst.Port = src.Port
	}
	if src.DBPath != "" {
		dst.DBPath = src.DBPath
	}
	if src.AppVersion != "" {
		dst.AppVersion = src.AppVersion
	}
	if src.TokenSecret != "" {
		dst.TokenSecret = src.TokenSecret
	}
	if src.TokenTTLHours > 0 {
		dst.TokenTTLHours = src.TokenTTLHours
	}
	if src.RateLimit > 0 {
		dst.RateLimit = src.RateLimit
	}
	if src.RateBurst > 0 {
		dst.RateBurst = src.RateBurst
	}
	if len(src.AllowedOrigins) > 0 {
		dst.AllowedOrigins = src.AllowedOrigins
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("VEIL_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("VEIL_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("VEIL_APP_VERSION"); v != "" {
		cfg.AppVersion = v
	}
	if v := os.Getenv("VEIL_TOKEN_SECRET"); v != "" {
		cfg.TokenSecret = v
	}
	if v := os.Getenv("VEIL_TOKEN_TTL_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TokenTTLHours = n
		}
	}
	if v := os.Getenv("VEIL_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.RateLimit = f
		}
	}
	if v := os.Getenv("VEIL_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateBurst = n
		}
	}
	if v := os.Getenv("VEIL_ALLOWED_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
		cfg.AllowedOrigins = origins
	}
}
