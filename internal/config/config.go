package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"
)

const (
	DefaultStoreTimeout = 10 * time.Second
	DefaultIntentRate   = 20
	DefaultIntentBurst  = 40
)

// Config holds the relay server settings.
type Config struct {
	ServerAddr     string
	StoreURL       string
	SigningKey     []byte
	AllowedOrigins []string
	StoreTimeout   time.Duration
	IntentRate     float64
	IntentBurst    int
}

// StoreConfig holds the reference message store settings.
type StoreConfig struct {
	ServerAddr    string
	DatabaseDSN   string
	SigningKey    []byte
	MigrationsDir string
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, errors.New("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, storeURL, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if storeURL == "" {
		return nil, fmt.Errorf("store URL cannot be empty")
	}
	u, err := url.Parse(storeURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid store URL %q", storeURL)
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:     serverAddr,
		StoreURL:       storeURL,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
		StoreTimeout:   DefaultStoreTimeout,
		IntentRate:     DefaultIntentRate,
		IntentBurst:    DefaultIntentBurst,
	}, nil
}

func NewStoreConfig(serverAddr, databaseDSN, base64Secret string) (*StoreConfig, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &StoreConfig{
		ServerAddr:    serverAddr,
		DatabaseDSN:   databaseDSN,
		SigningKey:    signingKey,
		MigrationsDir: "migrations",
	}, nil
}
