// Package config implements the configuration loader: a JSON file
// parsed into Config, with flag-based CLI overrides for the handful of
// settings operators commonly toggle at the command line (spec §6).
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"
)

// KeypairSpec is one entry of the repeatable `keypair` config option,
// accepted only as an object {public, secret, name, default}; a bare
// hex string entry fails to parse and Load returns the error.
type KeypairSpec struct {
	Public  string `json:"public"`
	Secret  string `json:"secret"`
	Name    string `json:"name,omitempty"`
	Default bool   `json:"default,omitempty"`
}

// Config mirrors spec §6's "Configuration (recognized options)" list.
type Config struct {
	Bind []string `json:"bind"`

	Sync   int `json:"sync"`   // seconds between periodic drains
	Expire int `json:"expire"` // seconds a stored hash lives without a refresh
	Delay  int `json:"delay"`  // seconds; 0 disables the delay feature

	AllowUpdate     []string      `json:"allow_update"`
	AllowUpdateKeys []string      `json:"allow_update_keys"`
	DelayWhitelist  []string      `json:"delay_whitelist"`
	Blocked         []string      `json:"blocked"`
	SkipHashes      []string      `json:"skip_hashes"`
	Keypairs        []KeypairSpec `json:"keypair"`

	KeypairCacheSize      int  `json:"keypair_cache_size"`
	EncryptedOnly         bool `json:"encrypted_only"`
	DedicatedUpdateWorker bool `json:"dedicated_update_worker"`
	ReadOnly              bool `json:"read_only"`
	UpdatesMaxFail        int  `json:"updates_maxfail"`

	RatelimitWhitelist    []string `json:"ratelimit_whitelist"`
	RatelimitMaxBuckets   int      `json:"ratelimit_max_buckets"`
	RatelimitNetworkMask  int      `json:"ratelimit_network_mask"`
	RatelimitBucketTTL    int      `json:"ratelimit_bucket_ttl"`
	RatelimitRate         float64  `json:"ratelimit_rate"`
	RatelimitBurst        float64  `json:"ratelimit_burst"`
	RatelimitLogOnly      bool     `json:"ratelimit_log_only"`

	ControlSocket string `json:"control_socket"`
}

// Default returns the spec-documented defaults, applied before a config
// file or flags are layered on top.
func Default() Config {
	return Config{
		Sync:                 60,
		Expire:               0,
		KeypairCacheSize:     512,
		UpdatesMaxFail:       3,
		RatelimitMaxBuckets:  2000,
		RatelimitNetworkMask: 24,
		RatelimitBucketTTL:   3600,
		RatelimitRate:        0,
		RatelimitBurst:       0,
	}
}

// Load reads and parses a JSON config file on top of Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Flags registers the subset of Config operators most often override
// from the command line directly onto fs, returning a closure that
// applies whichever flags were actually set back onto cfg.
func Flags(fs *flag.FlagSet, cfg *Config) func() {
	bind := fs.String("bind", "", "replace the configured bind addresses with this single address")
	encryptedOnly := fs.Bool("encrypted-only", cfg.EncryptedOnly, "reject plaintext datagrams")
	readOnly := fs.Bool("read-only", cfg.ReadOnly, "reject WRITE/DEL/REFRESH")
	sync := fs.Int("sync", cfg.Sync, "seconds between periodic update drains")
	control := fs.String("control-socket", cfg.ControlSocket, "path to the admin control unix socket")

	return func() {
		if *bind != "" {
			cfg.Bind = []string{*bind}
		}
		cfg.EncryptedOnly = *encryptedOnly
		cfg.ReadOnly = *readOnly
		cfg.Sync = *sync
		if *control != "" {
			cfg.ControlSocket = *control
		}
	}
}

// SyncInterval and ExpireInterval convert the configured second counts
// to time.Duration, the unit the rest of the module works in.
func (c Config) SyncInterval() time.Duration   { return time.Duration(c.Sync) * time.Second }
func (c Config) ExpireInterval() time.Duration { return time.Duration(c.Expire) * time.Second }
func (c Config) DelayInterval() time.Duration  { return time.Duration(c.Delay) * time.Second }
func (c Config) RatelimitBucketTTLInterval() time.Duration {
	return time.Duration(c.RatelimitBucketTTL) * time.Second
}
