// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig holds the Postgres connection and pool settings.
type DatabaseConfig struct {
	URL      string
	Host     string `validate:"required_without=URL"`
	Port     int    `validate:"omitempty,min=1,max=65535"`
	User     string `validate:"required_without=URL"`
	Password string
	Name     string `validate:"required_without=URL"`

	MinConns int32 `validate:"gte=0"`
	MaxConns int32 `validate:"gte=1,gtefield=MinConns"`

	// Pool construction at startup.
	ConnectAttempts int           `validate:"gte=1"`
	ConnectDelay    time.Duration `validate:"gte=0"`

	// Per-operation connection leasing.
	AcquireRetries    int           `validate:"gte=1"`
	AcquireRetryDelay time.Duration `validate:"gte=0"`
}

// DSN returns a Postgres connection string. An explicit URL wins over the
// individual fields.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	port := d.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(port)),
		Path:   "/" + d.Name,
	}
	return u.String()
}

// Config holds all configuration for the moderation service.
type Config struct {
	// Discord
	Token         string `validate:"required"`
	ApplicationID string
	PublicKey     string `validate:"omitempty,hexadecimal,len=64"`

	// Classifier
	ClassifierURL     string        `validate:"required,url"`
	ClassifierTimeout time.Duration `validate:"gt=0"`

	Database DatabaseConfig

	// Redis (optional; an empty URL disables dedup and event publishing)
	RedisURL    string `validate:"omitempty,url"`
	EventsQueue string

	// Enforcement
	TimeoutDuration time.Duration `validate:"gt=0,lte=672h"`
	CallTimeout     time.Duration `validate:"gt=0"`

	// Servers
	Port             int `validate:"min=1,max=65535"`
	InteractionsPort int `validate:"min=1,max=65535"`

	LogLevel slog.Level
}

// rawDatabase is the database block of config.yaml. The original bot's
// config file calls it "mysql"; both keys are read.
type rawDatabase struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DB       string `yaml:"db"`

	// Pointers so an explicit zero is distinguishable from unset.
	MinConns *int32 `yaml:"min_conns"`
	MaxConns *int32 `yaml:"max_conns"`

	ConnectAttempts   int    `yaml:"connect_attempts"`
	ConnectDelay      string `yaml:"connect_delay"`
	AcquireRetries    int    `yaml:"acquire_retries"`
	AcquireRetryDelay string `yaml:"acquire_retry_delay"`
}

// or fills fields unset in d from alt.
func (d rawDatabase) or(alt rawDatabase) rawDatabase {
	d.URL = firstNonEmpty(d.URL, alt.URL)
	d.Host = firstNonEmpty(d.Host, alt.Host)
	d.Port = orDefault(d.Port, alt.Port)
	d.User = firstNonEmpty(d.User, alt.User)
	d.Password = firstNonEmpty(d.Password, alt.Password)
	d.DB = firstNonEmpty(d.DB, alt.DB)
	if d.MinConns == nil {
		d.MinConns = alt.MinConns
	}
	if d.MaxConns == nil {
		d.MaxConns = alt.MaxConns
	}
	d.ConnectAttempts = orDefault(d.ConnectAttempts, alt.ConnectAttempts)
	d.ConnectDelay = firstNonEmpty(d.ConnectDelay, alt.ConnectDelay)
	d.AcquireRetries = orDefault(d.AcquireRetries, alt.AcquireRetries)
	d.AcquireRetryDelay = firstNonEmpty(d.AcquireRetryDelay, alt.AcquireRetryDelay)
	return d
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Token         string      `yaml:"token"`
	ApplicationID string      `yaml:"application_id"`
	PublicKey     string      `yaml:"public_key"`
	APIURL        string      `yaml:"api_url"`
	Database      rawDatabase `yaml:"database"`
	MySQL         rawDatabase `yaml:"mysql"`
	Redis         struct {
		URL    string `yaml:"url"`
		Queues struct {
			Events string `yaml:"events"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Classifier struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"classifier"`
	Enforcement struct {
		TimeoutDuration string `yaml:"timeout_duration"`
		CallTimeout     string `yaml:"call_timeout"`
	} `yaml:"enforcement"`
}

var validate = validator.New()

// Load reads configuration from the file named by CONFIG_PATH.
func Load() (*Config, error) {
	return LoadFile(envOrDefault("CONFIG_PATH", "/app/config/config.yaml"))
}

// LoadFile reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func LoadFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	db := raw.Database.or(raw.MySQL)
	cfg := &Config{
		Token:         firstNonEmpty(raw.Token, os.Getenv("DISCORD_TOKEN")),
		ApplicationID: firstNonEmpty(raw.ApplicationID, os.Getenv("DISCORD_APPLICATION_ID")),
		PublicKey:     firstNonEmpty(raw.PublicKey, os.Getenv("DISCORD_PUBLIC_KEY")),

		ClassifierURL:     firstNonEmpty(raw.APIURL, os.Getenv("CLASSIFIER_URL")),
		ClassifierTimeout: parseDuration(raw.Classifier.Timeout, 10*time.Second),

		Database: DatabaseConfig{
			URL:      firstNonEmpty(db.URL, os.Getenv("DATABASE_URL")),
			Host:     db.Host,
			Port:     db.Port,
			User:     db.User,
			Password: db.Password,
			Name:     db.DB,

			MinConns:          valueOr(db.MinConns, 1),
			MaxConns:          valueOr(db.MaxConns, 16),
			ConnectAttempts:   orDefault(db.ConnectAttempts, 5),
			ConnectDelay:      parseDuration(db.ConnectDelay, 25*time.Second),
			AcquireRetries:    orDefault(db.AcquireRetries, 10),
			AcquireRetryDelay: parseDuration(db.AcquireRetryDelay, 1210*time.Millisecond),
		},

		RedisURL:    firstNonEmpty(raw.Redis.URL, os.Getenv("REDIS_URL")),
		EventsQueue: firstNonEmpty(raw.Redis.Queues.Events, envOrDefault("EVENTS_QUEUE", "phishguard:enforcements")),

		TimeoutDuration: parseDuration(raw.Enforcement.TimeoutDuration, 24*time.Hour),
		CallTimeout:     parseDuration(raw.Enforcement.CallTimeout, 10*time.Second),

		Port:             envOrDefaultInt("PORT", 8080),
		InteractionsPort: envOrDefaultInt("INTERACTIONS_PORT", 8081),
		LogLevel:         parseLevel(os.Getenv("LOG_LEVEL")),
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// InteractionsEnabled reports whether the HTTP interactions endpoint should
// be served. It needs the application public key to verify signatures.
func (c *Config) InteractionsEnabled() bool {
	return c.PublicKey != ""
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}

func parseLevel(v string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(v))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func orDefault[T comparable](v, fallback T) T {
	var zero T
	if v == zero {
		return fallback
	}
	return v
}

func valueOr[T any](v *T, fallback T) T {
	if v == nil {
		return fallback
	}
	return *v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
