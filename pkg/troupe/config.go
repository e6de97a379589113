// Package troupe assembles the full engine: transport, orchestrator,
// live adapters, persona catalog, persistence, and metrics, driven by
// one YAML config file.
package troupe

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/troupelab/troupe/pkg/orchestrator"
)

type Config struct {
	Environment  string        `mapstructure:"environment"`
	LogLevel     string        `mapstructure:"log_level"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`

	Live      ProviderConfig      `mapstructure:"live"`
	STT       ProviderConfig      `mapstructure:"stt"`
	Transport ProviderConfig      `mapstructure:"transport"`
	Store     StoreConfig         `mapstructure:"store"`
	Auth      AuthConfig          `mapstructure:"auth"`
	Session   orchestrator.Config `mapstructure:"session"`
	Catalog   CatalogConfig       `mapstructure:"catalog"`
	Metrics   MetricsConfig       `mapstructure:"metrics"`
	Privacy   PrivacyConfig       `mapstructure:"privacy"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// ProviderConfig names a pluggable implementation and carries its
// free-form settings.
type ProviderConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type AuthConfig struct {
	AllowedTiers []string               `mapstructure:"allowed_tiers"`
	Tokens       map[string]TokenConfig `mapstructure:"tokens"`
}

type TokenConfig struct {
	UserID string `mapstructure:"user_id"`
	Tier   string `mapstructure:"tier"`
}

type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

type MetricsConfig struct {
	Path       string  `mapstructure:"path"`
	SampleRate float64 `mapstructure:"sample_rate"`
	Buffer     int     `mapstructure:"buffer"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("drain_timeout", "10s")
	v.SetDefault("live.provider", "relay")
	v.SetDefault("stt.provider", "none")
	v.SetDefault("transport.provider", "ws")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("auth.allowed_tiers", []string{"premium"})
	v.SetDefault("metrics.sample_rate", 1.0)
	v.SetDefault("metrics.buffer", 2048)
	v.SetDefault("privacy.redact_pii", true)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Live.Provider) == "" {
		return fmt.Errorf("live.provider is required")
	}
	switch c.Live.Provider {
	case "relay", "mock":
	default:
		return fmt.Errorf("unknown live.provider %q", c.Live.Provider)
	}
	switch c.STT.Provider {
	case "", "none", "deepgram":
	default:
		return fmt.Errorf("unknown stt.provider %q", c.STT.Provider)
	}
	switch c.Transport.Provider {
	case "ws":
	default:
		return fmt.Errorf("unknown transport.provider %q", c.Transport.Provider)
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("store.dsn is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Live.Settings = expandSettings(cfg.Live.Settings)
	cfg.STT.Settings = expandSettings(cfg.STT.Settings)
	cfg.Transport.Settings = expandSettings(cfg.Transport.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
