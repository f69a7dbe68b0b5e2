// Package config loads the service configuration from the environment, with
// an optional .env file for local development.
package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"

	"github.com/knadh/koanf/v2"
)

var Global = koanf.New(".")

// LoadRequiredEnv loads the environment variables required to run the
// service. An error is returned if any of the required variables are missing
// in .env or env.
func LoadRequiredEnv() error {
	// Load default values
	Global.Load(confmap.Provider(map[string]interface{}{
		POLLING_PERIOD:        "1m10s",
		FORCED_POLLING_PERIOD: "3m",
		MIN_POLL_DELAY:        "2s",
	}, "."), nil)

	// .env file is optional, but we still try to load it if it exists.
	err := Global.Load(
		file.Provider(".env"), dotenv.Parser(),
	)
	if err != nil {
		log.Printf("[config] no .env file loaded: %v", err)
	}

	if err := Global.Load(env.Provider("", "", nil), nil); err != nil {
		log.Printf("[config] failed to load environment variables: %v", err)
	}

	required := []string{
		WS_URL,
		INDEXER_API_URL,
		WALLET_ADDRESSES,
	}

	for _, r := range required {
		if !Global.Exists(r) {
			return fmt.Errorf("required environment variable %s is missing", r)
		}
	}

	return nil
}

// Addresses returns the configured wallet addresses.
func Addresses() []string {
	parts := strings.Split(Global.String(WALLET_ADDRESSES), ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Duration parses the named variable as a time.Duration.
func Duration(name string) (time.Duration, error) {
	d, err := time.ParseDuration(Global.String(name))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return d, nil
}
