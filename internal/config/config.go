// Package config loads the RideOn runtime configuration.
//
// Configuration is a YAML file decoded over built-in defaults, then checked
// against an embedded CUE schema. Durations are written as Go duration
// strings ("30s", "20ms").
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Sink names accepted in Config.Sinks.
const (
	SinkLog   = "log"
	SinkNATS  = "nats"
	SinkRedis = "redis"
	SinkFeed  = "feed"
)

// Store drivers accepted in Store.Driver.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type Config struct {
	Partitions    int           `yaml:"partitions" json:"partitions"`
	DrainTimeout  time.Duration `yaml:"drain_timeout" json:"drain_timeout"`
	StartTimeout  time.Duration `yaml:"start_timeout" json:"start_timeout"`
	TombstoneTTL  time.Duration `yaml:"tombstone_ttl" json:"tombstone_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`

	Retry       Retry       `yaml:"retry" json:"retry"`
	Store       Store       `yaml:"store" json:"store"`
	NATS        NATS        `yaml:"nats" json:"nats"`
	HTTP        HTTP        `yaml:"http" json:"http"`
	RedisStream RedisStream `yaml:"redis_stream" json:"redis_stream"`
	Sinks       []string    `yaml:"sinks" json:"sinks"`
	Telemetry   Telemetry   `yaml:"telemetry" json:"telemetry"`
	Log         Log         `yaml:"log" json:"log"`
}

type Retry struct {
	Intervals []time.Duration `yaml:"intervals" json:"intervals"`
}

type Store struct {
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the database file for sqlite and the connection string for postgres.
	DSN   string `yaml:"dsn" json:"dsn"`
	Redis Redis  `yaml:"redis" json:"redis"`
}

type Redis struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

type NATS struct {
	URL            string        `yaml:"url" json:"url"`
	Stream         string        `yaml:"stream" json:"stream"`
	EnteredSubject string        `yaml:"entered_subject" json:"entered_subject"`
	LeftSubject    string        `yaml:"left_subject" json:"left_subject"`
	VisitedSubject string        `yaml:"visited_subject" json:"visited_subject"`
	Durable        string        `yaml:"durable" json:"durable"`
	AckWait        time.Duration `yaml:"ack_wait" json:"ack_wait"`
}

type HTTP struct {
	Addr string `yaml:"addr" json:"addr"`
}

type RedisStream struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Stream   string `yaml:"stream" json:"stream"`
	MaxLen   int64  `yaml:"max_len" json:"max_len"`
}

type Telemetry struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
	ServiceName string  `yaml:"service_name" json:"service_name"`
	SampleRate  float64 `yaml:"sample_rate" json:"sample_rate"`
}

type Log struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// DefaultRetryIntervals is the redelivery schedule applied to a failing step.
func DefaultRetryIntervals() []time.Duration {
	return []time.Duration{
		20 * time.Millisecond,
		50 * time.Millisecond,
		100 * time.Millisecond,
		1000 * time.Millisecond,
		5000 * time.Millisecond,
	}
}

// Default returns a configuration that runs entirely in memory and logs
// completed visits.
func Default() *Config {
	return &Config{
		Partitions:    64,
		DrainTimeout:  30 * time.Second,
		StartTimeout:  30 * time.Second,
		TombstoneTTL:  10 * time.Minute,
		SweepInterval: time.Minute,
		Retry:         Retry{Intervals: DefaultRetryIntervals()},
		Store: Store{
			Driver: DriverMemory,
			Redis:  Redis{Addr: "localhost:6379", Prefix: "rideon:"},
		},
		NATS: NATS{
			Stream:         "RIDEON",
			EnteredSubject: "rideon.patron.entered",
			LeftSubject:    "rideon.patron.left",
			VisitedSubject: "rideon.patron.visited",
			Durable:        "rideon-correlator",
			AckWait:        30 * time.Second,
		},
		HTTP: HTTP{Addr: ":8080"},
		RedisStream: RedisStream{
			Addr:   "localhost:6379",
			Stream: "rideon:visits",
			MaxLen: 100000,
		},
		Sinks: []string{SinkLog},
		Telemetry: Telemetry{
			Endpoint:    "localhost:4317",
			Insecure:    true,
			ServiceName: "rideon",
			SampleRate:  1,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load reads path and decodes it over Default. The result is validated.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode parses YAML from r over Default and validates the result.
// Unknown fields are rejected.
func Decode(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// HasSink reports whether name is in the configured sink list.
func (c *Config) HasSink(name string) bool {
	for _, s := range c.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

// normalize replaces nil slices so the encoded value matches the schema.
func (c *Config) normalize() {
	if c.Sinks == nil {
		c.Sinks = []string{}
	}
	if c.Retry.Intervals == nil {
		c.Retry.Intervals = []time.Duration{}
	}
}
