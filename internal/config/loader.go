package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Values are raw, unvalidated settings gathered from a YAML file, the
// environment and command-line flags. Later sources win via Merge.
type Values struct {
	Relay RelayValues `yaml:"relay"`
	Store StoreValues `yaml:"store"`
}

type RelayValues struct {
	Addr           string        `yaml:"addr"`
	StoreURL       string        `yaml:"store_url"`
	SigningKey     string        `yaml:"signing_key"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	StoreTimeout   time.Duration `yaml:"store_timeout"`
	IntentRate     float64       `yaml:"intent_rate"`
	IntentBurst    int           `yaml:"intent_burst"`
}

type StoreValues struct {
	Addr          string `yaml:"addr"`
	DSN           string `yaml:"dsn"`
	SigningKey    string `yaml:"signing_key"`
	MigrationsDir string `yaml:"migrations_dir"`
}

func DefaultValues() Values {
	return Values{
		Relay: RelayValues{
			Addr:           "localhost:3002",
			StoreURL:       "http://localhost:3000",
			AllowedOrigins: []string{"http://localhost:3000", "http://127.0.0.1:3000"},
			StoreTimeout:   DefaultStoreTimeout,
			IntentRate:     DefaultIntentRate,
			IntentBurst:    DefaultIntentBurst,
		},
		Store: StoreValues{
			Addr:          "localhost:3000",
			DSN:           "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable",
			MigrationsDir: "migrations",
		},
	}
}

// LoadFile reads YAML values from path.
func LoadFile(path string) (Values, error) {
	var v Values
	data, err := os.ReadFile(path)
	if err != nil {
		return v, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("parse config %s: %w", path, err)
	}

	return v, nil
}

// FromEnv reads values from environment variables using lookup, which is
// normally os.LookupEnv.
func FromEnv(lookup func(string) (string, bool)) (Values, error) {
	var v Values
	str := func(key string, dst *string) {
		if val, ok := lookup(key); ok {
			*dst = val
		}
	}

	str("RELAY_ADDR", &v.Relay.Addr)
	str("RELAY_STORE_URL", &v.Relay.StoreURL)
	str("RELAY_SIGNING_KEY", &v.Relay.SigningKey)
	str("STORE_ADDR", &v.Store.Addr)
	str("STORE_DSN", &v.Store.DSN)
	str("STORE_SIGNING_KEY", &v.Store.SigningKey)
	str("STORE_MIGRATIONS_DIR", &v.Store.MigrationsDir)

	if val, ok := lookup("RELAY_ALLOWED_ORIGINS"); ok && val != "" {
		v.Relay.AllowedOrigins = SplitList(val)
	}
	if val, ok := lookup("RELAY_STORE_TIMEOUT"); ok && val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return v, fmt.Errorf("RELAY_STORE_TIMEOUT: %w", err)
		}
		v.Relay.StoreTimeout = d
	}
	if val, ok := lookup("RELAY_INTENT_RATE"); ok && val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return v, fmt.Errorf("RELAY_INTENT_RATE: %w", err)
		}
		v.Relay.IntentRate = f
	}
	if val, ok := lookup("RELAY_INTENT_BURST"); ok && val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return v, fmt.Errorf("RELAY_INTENT_BURST: %w", err)
		}
		v.Relay.IntentBurst = n
	}

	return v, nil
}

// Merge overwrites v with every non-zero field of other.
func (v *Values) Merge(other Values) {
	mergeString(&v.Relay.Addr, other.Relay.Addr)
	mergeString(&v.Relay.StoreURL, other.Relay.StoreURL)
	mergeString(&v.Relay.SigningKey, other.Relay.SigningKey)
	if len(other.Relay.AllowedOrigins) > 0 {
		v.Relay.AllowedOrigins = other.Relay.AllowedOrigins
	}
	if other.Relay.StoreTimeout > 0 {
		v.Relay.StoreTimeout = other.Relay.StoreTimeout
	}
	if other.Relay.IntentRate > 0 {
		v.Relay.IntentRate = other.Relay.IntentRate
	}
	if other.Relay.IntentBurst > 0 {
		v.Relay.IntentBurst = other.Relay.IntentBurst
	}

	mergeString(&v.Store.Addr, other.Store.Addr)
	mergeString(&v.Store.DSN, other.Store.DSN)
	mergeString(&v.Store.SigningKey, other.Store.SigningKey)
	mergeString(&v.Store.MigrationsDir, other.Store.MigrationsDir)
}

// RelayConfig validates the relay values.
func (v Values) RelayConfig() (*Config, error) {
	cfg, err := NewConfig(v.Relay.Addr, v.Relay.StoreURL, v.Relay.SigningKey, v.Relay.AllowedOrigins)
	if err != nil {
		return nil, err
	}

	if v.Relay.StoreTimeout > 0 {
		cfg.StoreTimeout = v.Relay.StoreTimeout
	}
	if v.Relay.IntentRate > 0 {
		cfg.IntentRate = v.Relay.IntentRate
	}
	if v.Relay.IntentBurst > 0 {
		cfg.IntentBurst = v.Relay.IntentBurst
	}
	return cfg, nil
}

// StoreConfig validates the store values.
func (v Values) StoreConfig() (*StoreConfig, error) {
	cfg, err := NewStoreConfig(v.Store.Addr, v.Store.DSN, v.Store.SigningKey)
	if err != nil {
		return nil, err
	}

	if v.Store.MigrationsDir != "" {
		cfg.MigrationsDir = v.Store.MigrationsDir
	}
	return cfg, nil
}

func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func mergeString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

// Load layers defaults, the YAML file at path (if any), the environment and
// flag values, in that order.
func Load(path string, lookup func(string) (string, bool), flags Values) (Values, error) {
	v := DefaultValues()

	if path != "" {
		fileValues, err := LoadFile(path)
		if err != nil {
			return v, err
		}
		v.Merge(fileValues)
	}

	envValues, err := FromEnv(lookup)
	if err != nil {
		return v, fmt.Errorf("environment: %w", err)
	}
	v.Merge(envValues)
	v.Merge(flags)

	return v, nil
}
