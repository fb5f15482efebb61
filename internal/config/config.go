// Package config assembles the decoder configuration from defaults, an
// optional YAML file and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"asterix_decoder/internal/api"
	"asterix_decoder/internal/pipeline"
	"asterix_decoder/internal/storage"
)

// Config is the complete decoder configuration.
type Config struct {
	Storage  storage.Config   `yaml:"storage"`
	NATS     NATSConfig       `yaml:"nats"`
	UDP      UDPConfig        `yaml:"udp"`
	API      api.Config       `yaml:"api"`
	Pipeline pipeline.Options `yaml:"pipeline"`
	State    StateConfig      `yaml:"state"`
	Metrics  MetricsConfig    `yaml:"metrics"`
	Log      LogConfig        `yaml:"log"`
	Schemas  []string         `yaml:"schemas"` // Extra schema directories.
}

// NATSConfig holds the NATS input and output subjects.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Queue   string `yaml:"queue"`
	Publish string `yaml:"publish"` // Subject prefix for decoded output; empty disables.

	// Encoding of incoming payloads: auto, binary, hex or json.
	Encoding string `yaml:"encoding"`
}

// UDPConfig holds the UDP listener address.
type UDPConfig struct {
	Listen string `yaml:"listen"`
}

// StateConfig controls the data source tracker.
type StateConfig struct {
	Path          string        `yaml:"path"` // SQLite path; empty keeps state in memory.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// MetricsConfig controls Prometheus export.
type MetricsConfig struct {
	Pushgateway string `yaml:"pushgateway"`
	Job         string `yaml:"job"`
}

// LogConfig controls logrus output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json".
}

// Default returns the configuration used when nothing else is given.
func Default() Config {
	return Config{
		Storage: storage.DefaultConfig(),
		NATS: NATSConfig{
			URL:     "nats://localhost:4222",
			Subject: "asterix.raw",
		},
		API: api.Config{
			Port: 8082,
		},
		Pipeline: pipeline.DefaultOptions(),
		State: StateConfig{
			FlushInterval: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Job: "asterix_decoder",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults, then applies environment overrides. An
// empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides settings from environment variables.
func (c *Config) ApplyEnv() {
	ch := &c.Storage.ClickHouse
	ch.Host = envOrDefault("CLICKHOUSE_HOST", ch.Host)
	ch.Port = envOrDefaultInt("CLICKHOUSE_PORT", ch.Port)
	ch.Database = envOrDefault("CLICKHOUSE_DATABASE", ch.Database)
	ch.User = envOrDefault("CLICKHOUSE_USER", ch.User)
	ch.Password = envOrDefault("CLICKHOUSE_PASSWORD", ch.Password)

	pg := &c.Storage.Postgres
	pg.Host = envOrDefault("POSTGRES_HOST", pg.Host)
	pg.Port = envOrDefaultInt("POSTGRES_PORT", pg.Port)
	pg.Database = envOrDefault("POSTGRES_DATABASE", pg.Database)
	pg.User = envOrDefault("POSTGRES_USER", pg.User)
	pg.Password = envOrDefault("POSTGRES_PASSWORD", pg.Password)

	c.Storage.Influx.URL = envOrDefault("INFLUX_URL", c.Storage.Influx.URL)
	c.Storage.Influx.Token = envOrDefault("INFLUX_TOKEN", c.Storage.Influx.Token)
	c.Storage.Mongo.URI = envOrDefault("MONGO_URI", c.Storage.Mongo.URI)
	c.Storage.Archive = envOrDefault("ASTERIX_ARCHIVE", c.Storage.Archive)

	c.NATS.URL = envOrDefault("NATS_URL", c.NATS.URL)
	c.NATS.Subject = envOrDefault("NATS_SUBJECT", c.NATS.Subject)
	c.NATS.Encoding = envOrDefault("NATS_ENCODING", c.NATS.Encoding)
	c.UDP.Listen = envOrDefault("ASTERIX_UDP_LISTEN", c.UDP.Listen)

	c.API.Port = envOrDefaultInt("API_PORT", c.API.Port)
	if keys := os.Getenv("API_KEYS"); keys != "" {
		c.API.APIKeys = splitList(keys)
		c.API.AuthEnabled = true
	}

	c.Pipeline.Workers = envOrDefaultInt("ASTERIX_WORKERS", c.Pipeline.Workers)
	c.Metrics.Pushgateway = envOrDefault("PUSHGATEWAY_URL", c.Metrics.Pushgateway)
	c.Log.Level = envOrDefault("LOG_LEVEL", c.Log.Level)
	if dirs := os.Getenv("ASTERIX_SCHEMAS"); dirs != "" {
		c.Schemas = append(c.Schemas, splitList(dirs)...)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
