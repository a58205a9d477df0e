// Package config loads application configuration from a JSON config file,
// environment variables, and defaults, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Provider holds the completion-capability configuration.
type Provider struct {
	APIKey      string  `json:"apiKey"`
	BaseURL     string  `json:"baseURL"`
	Model       string  `json:"model"`
	Referer     string  `json:"referer"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
}

// Remote holds the hosted database backend configuration. Empty URL
// disables the remote mirror (local-only operation).
type Remote struct {
	URL    string `json:"url"`
	APIKey string `json:"apiKey"`
}

// Data holds storage configuration.
type Data struct {
	Directory string `json:"directory,omitempty"`
}

// Server holds the HTTP surface configuration.
type Server struct {
	Addr string `json:"addr"`
}

// Config is the main configuration structure.
type Config struct {
	Provider Provider `json:"provider"`
	Remote   Remote   `json:"remote"`
	Data     Data     `json:"data"`
	Server   Server   `json:"server"`
	Debug    bool     `json:"debug"`
}

// Load reads configuration. configPath may be empty, in which case only
// the default locations, environment, and defaults apply.
func Load(configPath string, debug bool) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")

	v.SetDefault("provider.baseURL", "https://openrouter.ai/api/v1")
	v.SetDefault("provider.model", "openai/gpt-4o-mini")
	v.SetDefault("provider.referer", "https://usehyperfocus.vercel.app")
	v.SetDefault("provider.temperature", 0.7)
	v.SetDefault("provider.maxTokens", 2000)
	v.SetDefault("server.addr", ":8090")

	v.SetEnvPrefix("HYPERFOCUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Well-known provider variables take effect without the prefix.
	_ = v.BindEnv("provider.apiKey", "HYPERFOCUS_PROVIDER_APIKEY", "OPENROUTER_API_KEY")
	_ = v.BindEnv("remote.url", "HYPERFOCUS_REMOTE_URL", "SUPABASE_URL")
	_ = v.BindEnv("remote.apiKey", "HYPERFOCUS_REMOTE_APIKEY", "SUPABASE_ANON_KEY")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	} else if path := defaultConfigPath(); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(*os.PathError); !ok {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Debug = cfg.Debug || debug

	return &cfg, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".hyperfocus", "config.json")
}
