// Package rconfig loads the engine's JSON configuration file (spec.md
// §6 "Configuration") and, as a supplemented feature, an optional YAML
// method manifest modeled on tenzoki-agen/code/cellorg's
// internal/config pool/cells manifests.
package rconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds the recognized keys from spec.md §6, with their defaults
// applied by Load.
type Config struct {
	Workers    int     `json:"workers"`
	Addr       string  `json:"addr"`
	Port       int     `json:"port"`
	Iter       float64 `json:"iter"`
	StatusTime float64 `json:"status_time"`

	Log      string `json:"log"`
	LogLevel string `json:"log_level"`
	Logger   string `json:"logger"`

	ReconnectDelay float64 `json:"reconnect_delay"`

	CryptoAlgorithm   string `json:"crypto_algorithm"`
	CryptoPubKeyName  string `json:"crypto_pub_key_name"`
	CryptoPrivKeyPath string `json:"crypto_priv_key_path"`

	// Methods points at an optional YAML method manifest file; see
	// manifest.go. Not part of spec.md's recognized key table — a
	// supplemented addition.
	Methods string `json:"methods"`
}

// Defaults returns the configuration defaults from spec.md §6.
func Defaults() Config {
	return Config{
		Workers:           1,
		Addr:              "127.0.0.1",
		Port:              7551,
		Iter:              0.2,
		StatusTime:        2,
		Log:               "/var/log/roolet.log",
		LogLevel:          "DEBUG",
		ReconnectDelay:    1,
		CryptoAlgorithm:   "RS256",
		CryptoPubKeyName:  "pub.key",
		CryptoPrivKeyPath: "",
	}
}

// EnvVar is the environment variable pointing at the JSON config file,
// spec.md §6.
const EnvVar = "ROOLET_CONG"

// Load reads the JSON config file named by the ROOLET_CONG environment
// variable (or path, if non-empty) and overlays it onto Defaults. A
// missing ROOLET_CONG with no explicit path returns the bare defaults —
// spec.md treats configuration loading as an external, out-of-scope
// concern, but the engine still needs a concrete Config to construct
// itself from.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("rconfig: reading config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("rconfig: parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// IterInterval returns Iter as a time.Duration.
func (c Config) IterInterval() time.Duration {
	return time.Duration(c.Iter * float64(time.Second))
}

// ReconnectInterval returns ReconnectDelay as a time.Duration. A
// ReconnectDelay of 0 means "no retry" per spec.md §6.
func (c Config) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectDelay * float64(time.Second))
}

// StatusInterval returns StatusTime as a time.Duration.
func (c Config) StatusInterval() time.Duration {
	return time.Duration(c.StatusTime * float64(time.Second))
}

// supportedCryptoAlgorithms lists the Token Maker algorithms spec.md §4.3
// recognizes. The Maker itself only ever speaks RS256, but Validate still
// checks the configured name so an unknown algorithm fails fast at startup
// instead of silently running under RS256 anyway.
var supportedCryptoAlgorithms = map[string]bool{
	"RS256": true,
}

// Validate checks the worker-count bound from spec.md §4.6 ("1 ≤ N ≤
// 1024"), that a private key path was supplied — spec.md §4.3 treats
// a missing key path as an unrecoverable startup error — and that
// crypto_algorithm names a Token Maker algorithm this build supports.
func (c Config) Validate() error {
	if c.Workers < 1 || c.Workers > 1024 {
		return fmt.Errorf("rconfig: workers must be in [1, 1024], got %d", c.Workers)
	}
	if c.CryptoPrivKeyPath == "" {
		return fmt.Errorf("rconfig: crypto_priv_key_path is required")
	}
	if !supportedCryptoAlgorithms[c.CryptoAlgorithm] {
		return fmt.Errorf("rconfig: unsupported crypto_algorithm %q", c.CryptoAlgorithm)
	}
	return nil
}
