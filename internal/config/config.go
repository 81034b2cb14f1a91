// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

// Package config holds application configuration loaded via Koanf v2 with
// layered sources (highest priority wins):
//  1. Environment variables
//  2. Optional YAML config file (config.yaml)
//  3. Built-in defaults
//
// Config is immutable after Load() and safe for concurrent reads.
package config

import (
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Cafe     CafeConfig     `koanf:"cafe"`
	Actor    ActorConfig    `koanf:"actor"`
	Delivery DeliveryConfig `koanf:"delivery"`
	Mirror   MirrorConfig   `koanf:"mirror"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	// Host is the bind address.
	Host string `koanf:"host"`
	// Port is the listen port.
	Port int `koanf:"port" validate:"min=1,max=65535"`
	// Timeout bounds request read/write.
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
	// PublicHost is the externally visible domain used in every federation
	// document (actor id, note ids, webfinger subject). Required.
	PublicHost string `koanf:"public_host" validate:"required,hostname_rfc1123"`
}

// DatabaseConfig holds DuckDB configuration.
type DatabaseConfig struct {
	// Path is the database file path, or ":memory:" for tests.
	Path string `koanf:"path"`
	// MaxMemory is DuckDB's memory limit (e.g. "512MB").
	MaxMemory string `koanf:"max_memory"`
	// Threads is the DuckDB thread count. 0 = runtime.NumCPU().
	Threads int `koanf:"threads"`
}

// CafeConfig holds Kiite Cafe API configuration.
type CafeConfig struct {
	// BaseURL is the cafe API origin.
	BaseURL string `koanf:"base_url" validate:"required,url"`
	// UsersURL is the Kiite user-profile API origin (separate host).
	UsersURL string `koanf:"users_url" validate:"required,url"`
	// Timeout bounds every cafe API request. A hung remote call would
	// otherwise stall the watcher loop indefinitely.
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
	// GuardWindow is the lead time before a predicted song start at which
	// the watcher re-verifies instead of committing.
	GuardWindow time.Duration `koanf:"guard_window" validate:"gt=0"`
	// ClosedRetry is how long to sleep when the cafe reports no next song.
	ClosedRetry time.Duration `koanf:"closed_retry" validate:"gt=0"`
	// CatchUpLimit is the timetable page size used for startup backfill.
	CatchUpLimit int `koanf:"catch_up_limit" validate:"min=1,max=100"`
}

// ActorConfig holds the federation actor identity.
type ActorConfig struct {
	// Name is the preferred username of the bot actor.
	Name string `koanf:"name" validate:"required"`
	// PrivateKeyPath is the PEM-encoded RSA private key used to sign
	// outbound requests.
	PrivateKeyPath string `koanf:"private_key_path" validate:"required"`
	// PublicKeyPath is the PEM-encoded RSA public key served in the actor
	// document.
	PublicKeyPath string `koanf:"public_key_path" validate:"required"`
}

// DeliveryConfig bounds the follower inbox fan-out.
type DeliveryConfig struct {
	// MaxInFlight caps concurrent inbox POSTs per notification.
	MaxInFlight int `koanf:"max_in_flight" validate:"min=1"`
	// RatePerSecond limits delivery issue rate. 0 = unlimited.
	RatePerSecond float64 `koanf:"rate_per_second" validate:"min=0"`
	// Timeout bounds each inbox POST.
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

// MirrorConfig holds the optional mirror sinks.
type MirrorConfig struct {
	// SheetURL is the spreadsheet webapp endpoint. Empty disables the sink.
	SheetURL string `koanf:"sheet_url" validate:"omitempty,url"`
	// DatasetRepo is the git remote for the jsonl dataset mirror. Empty
	// disables the sink.
	DatasetRepo string `koanf:"dataset_repo"`
	// DatasetDir is the local clone path for the dataset mirror.
	DatasetDir string `koanf:"dataset_dir"`
	// CommitInterval is the minimum time between dataset commits.
	CommitInterval time.Duration `koanf:"commit_interval" validate:"gt=0"`
	// Timeout bounds the spreadsheet POST.
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error fatal panic disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all defaults applied. Defaults are
// loaded first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:       "0.0.0.0",
			Port:       3000,
			Timeout:    30 * time.Second,
			PublicHost: "",
		},
		Database: DatabaseConfig{
			Path:      "/data/kiiteitte.duckdb",
			MaxMemory: "512MB",
			Threads:   0,
		},
		Cafe: CafeConfig{
			BaseURL:      "https://cafe.kiite.jp",
			UsersURL:     "https://cafeapi.kiite.jp",
			Timeout:      30 * time.Second,
			GuardWindow:  10 * time.Second,
			ClosedRetry:  60 * time.Second,
			CatchUpLimit: 100,
		},
		Actor: ActorConfig{
			Name:           "kiiteitte",
			PrivateKeyPath: "key/private.pem",
			PublicKeyPath:  "key/public.pem",
		},
		Delivery: DeliveryConfig{
			MaxInFlight:   32,
			RatePerSecond: 0,
			Timeout:       30 * time.Second,
		},
		Mirror: MirrorConfig{
			SheetURL:       "",
			DatasetRepo:    "",
			DatasetDir:     "/data/dataset",
			CommitInterval: time.Hour,
			Timeout:        30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}
