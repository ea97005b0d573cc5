package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// AppName is used for XDG directories and the environment prefix.
const AppName = "vpat-discovery"

// Settings is the full process configuration: one crawler definition plus
// the application-level settings around it.
type Settings struct {
	Crawler CrawlerConfig `mapstructure:",squash" yaml:",inline"`

	DatabasePath  string `mapstructure:"database_path" yaml:"database_path"`
	SecretKeyFile string `mapstructure:"secret_key_file" yaml:"secret_key_file"`
	ListenAddr    string `mapstructure:"listen_addr" yaml:"listen_addr"`
	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	LogFile       string `mapstructure:"log_file" yaml:"log_file"`
}

// DefaultSettings returns settings with default values
func DefaultSettings() *Settings {
	return &Settings{
		Crawler:       *DefaultConfig(),
		DatabasePath:  DefaultDatabasePath(),
		SecretKeyFile: DefaultSecretKeyFile(),
		ListenAddr:    "127.0.0.1:8089",
		LogLevel:      "info",
	}
}

// DefaultDatabasePath returns the SQLite path under the XDG data home.
func DefaultDatabasePath() string {
	return filepath.Join(xdg.DataHome, AppName, "discovery.db")
}

// DefaultSecretKeyFile returns the at-rest key path under the XDG config home.
func DefaultSecretKeyFile() string {
	return filepath.Join(xdg.ConfigHome, AppName, "secret.key")
}

// looseBoolKeys are settings that historically arrive as strings or numbers
// from storage and CLI layers.
var looseBoolKeys = []string{
	"respect_robots_txt",
	"session_persistence",
	"follow_external",
}

// Load builds Settings from viper: defaults, then file/env/flags. Loosely
// typed booleans are normalized here so that everything downstream sees a
// strict bool.
func Load(v *viper.Viper) (*Settings, error) {
	s := DefaultSettings()

	for _, key := range looseBoolKeys {
		if !v.IsSet(key) {
			continue
		}
		b, err := ParseBool(v.Get(key))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		v.Set(key, b)
	}

	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(s.Crawler.Headers) > 0 {
		// viper lowercases map keys; restore canonical header casing.
		fixed := make(map[string]string, len(s.Crawler.Headers))
		for k, val := range s.Crawler.Headers {
			fixed[canonicalHeaderKey(k)] = val
		}
		s.Crawler.Headers = fixed
	}
	if s.DatabasePath == "" {
		return nil, ErrEmptyDatabasePath
	}
	return s, nil
}

// ParseBool interprets booleans the way they arrive from YAML, environment
// variables, query strings and database columns. Empty means false.
func ParseBool(value any) (bool, error) {
	if s, ok := value.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "", "0", "false", "f", "no", "n", "off":
			return false, nil
		case "1", "true", "t", "yes", "y", "on":
			return true, nil
		}
		return false, fmt.Errorf("%w: %q", ErrInvalidBool, s)
	}
	if value == nil {
		return false, nil
	}
	b, err := cast.ToBoolE(value)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidBool, value)
	}
	return b, nil
}

func canonicalHeaderKey(k string) string {
	parts := strings.Split(strings.ToLower(k), "-")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "-")
}
