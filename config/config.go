package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Serial      SerialConfig      `yaml:"serial"`
	Decoder     DecoderConfig     `yaml:"decoder"`
	Database    DatabaseConfig    `yaml:"database"`
	Replication ReplicationConfig `yaml:"replication"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Push        PushConfig        `yaml:"push"`
	WorkerPool  WorkerPoolConfig  `yaml:"worker_pool"`

	envRestore []func(*Config)
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// Enabled reports whether both VAPID keys are present.
func (p PushConfig) Enabled() bool {
	return p.PublicKey != "" && p.PrivateKey != ""
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// SerialConfig describes the serial link carrying the WITS stream.
type SerialConfig struct {
	Enabled        bool    `yaml:"enabled" json:"enabled"`
	Port           string  `yaml:"port" json:"port" validate:"required_if=Enabled true"`
	BaudRate       int     `yaml:"baud_rate" json:"baud_rate" validate:"gt=0"`
	DataBits       int     `yaml:"data_bits" json:"data_bits" validate:"oneof=5 6 7 8"`
	Parity         string  `yaml:"parity" json:"parity" validate:"oneof=N E O M S"`
	StopBits       string  `yaml:"stop_bits" json:"stop_bits" validate:"oneof=1 1.5 2"`
	TimeoutSeconds float64 `yaml:"timeout_seconds" json:"timeout_seconds" validate:"gte=0"`
}

// Timeout returns the per-read timeout of the serial port.
func (s SerialConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds * float64(time.Second))
}

// Validate checks the serial parameters on their own, so a bad port setting
// only blocks the serial subsystem.
func (s SerialConfig) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid serial config: %w", err)
	}
	return nil
}

// TagMapping binds decoder fields to 4-digit WITS codes.
type TagMapping struct {
	Pressure    string `yaml:"pressure" json:"pressure" validate:"len=4,numeric"`
	Inc         string `yaml:"inc" json:"inc" validate:"len=4,numeric"`
	Azm         string `yaml:"azm" json:"azm" validate:"len=4,numeric"`
	GTF         string `yaml:"gtf" json:"gtf" validate:"len=4,numeric"`
	MTF         string `yaml:"mtf" json:"mtf" validate:"len=4,numeric"`
	Shock       string `yaml:"shock" json:"shock" validate:"len=4,numeric"`
	Vibration   string `yaml:"vibration" json:"vibration" validate:"len=4,numeric"`
	Gravity     string `yaml:"gravity" json:"gravity" validate:"len=4,numeric"`
	MagField    string `yaml:"mag_field" json:"mag_field" validate:"len=4,numeric"`
	DipAngle    string `yaml:"dip_angle" json:"dip_angle" validate:"len=4,numeric"`
	Temperature string `yaml:"temperature" json:"temperature" validate:"len=4,numeric"`
	Battery     string `yaml:"battery" json:"battery" validate:"len=4,numeric"`
	HoleDepth   string `yaml:"hole_depth" json:"hole_depth" validate:"len=4,numeric"`
	BitDepth    string `yaml:"bit_depth" json:"bit_depth" validate:"len=4,numeric"`
}

// DecoderConfig holds the signal processor settings.
type DecoderConfig struct {
	Title            string     `yaml:"title" json:"title"`
	NetworkID        string     `yaml:"network_id" json:"network_id"`
	PumpOnThreshold  float64    `yaml:"pump_on_threshold" json:"pump_on_threshold" validate:"gt=0"`
	PersistSnapshots bool       `yaml:"persist_snapshots" json:"persist_snapshots"`
	Tags             TagMapping `yaml:"tags" json:"tags"`
}

// Validate checks the threshold and tag mapping.
func (d DecoderConfig) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("invalid decoder config: %w", err)
	}
	return nil
}

// DatabaseConfig holds the database connection configuration.
// An empty DSN selects the embedded SQLite file at Path.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	Path                   string `yaml:"path"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	RetentionHours         int    `yaml:"retention_hours"`
	RetentionSeconds       int    `yaml:"retention_seconds,omitempty"`
	HistoryMaxHours        int    `yaml:"history_max_hours"`
}

// Retention returns the snapshot pruning horizon. RetentionSeconds, when
// set, takes precedence over RetentionHours.
func (d DatabaseConfig) Retention() time.Duration {
	if d.RetentionSeconds > 0 {
		return time.Duration(d.RetentionSeconds) * time.Second
	}
	return time.Duration(d.RetentionHours) * time.Hour
}

// MaxLookback returns the cap applied to history queries.
func (d DatabaseConfig) MaxLookback() time.Duration {
	return time.Duration(d.HistoryMaxHours) * time.Hour
}

// ReplicationConfig holds the remote collector settings.
type ReplicationConfig struct {
	URL             string  `yaml:"url" json:"url"`
	APIKey          string  `yaml:"api_key" json:"api_key"`
	IntervalSeconds float64 `yaml:"interval_seconds" json:"interval_seconds"`
	TimeoutSeconds  float64 `yaml:"timeout_seconds" json:"timeout_seconds"`
	HTTPProxy       string  `yaml:"http_proxy" json:"http_proxy"`
}

// Configured reports whether a collector URL and key are both set.
func (r ReplicationConfig) Configured() bool {
	return strings.TrimSpace(r.URL) != "" && strings.TrimSpace(r.APIKey) != ""
}

// Interval returns the push interval clamped to [MinReplicationInterval, MaxReplicationInterval].
func (r ReplicationConfig) Interval() time.Duration {
	d := time.Duration(r.IntervalSeconds * float64(time.Second))
	if d <= 0 {
		return DefaultReplicationInterval
	}
	if d < MinReplicationInterval {
		return MinReplicationInterval
	}
	if d > MaxReplicationInterval {
		return MaxReplicationInterval
	}
	return d
}

// Timeout returns the HTTP timeout for a single push.
func (r ReplicationConfig) Timeout() time.Duration {
	if r.TimeoutSeconds <= 0 {
		return DefaultReplicationTimeout
	}
	return time.Duration(r.TimeoutSeconds * float64(time.Second))
}

// IngestConfig holds the collector endpoint secret.
type IngestConfig struct {
	APIKey string `yaml:"api_key"`
}

const (
	DefaultReplicationInterval = 5 * time.Second
	MinReplicationInterval     = 1 * time.Second
	MaxReplicationInterval     = 5 * time.Minute
	DefaultReplicationTimeout  = 8 * time.Second
)

// Default returns the compiled-in configuration every file is merged over.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            5000,
			RateLimitPerSec: 10,
			RateLimitBurst:  20,
			CacheTTLSeconds: 2,
		},
		Serial: SerialConfig{
			BaudRate:       9600,
			DataBits:       8,
			Parity:         "N",
			StopBits:       "1",
			TimeoutSeconds: 1,
		},
		Decoder: DecoderConfig{
			Title:            "Compass Rose - Live Mode",
			PumpOnThreshold:  300,
			PersistSnapshots: true,
			Tags: TagMapping{
				Pressure:    "0121",
				Inc:         "0713",
				Azm:         "0715",
				MTF:         "0716",
				GTF:         "0717",
				Shock:       "0736",
				Vibration:   "0737",
				Gravity:     "0747",
				MagField:    "0732",
				DipAngle:    "0746",
				Temperature: "0751",
				Battery:     "0760",
				HoleDepth:   "0108",
				BitDepth:    "0110",
			},
		},
		Database: DatabaseConfig{
			Path:                   "mwdmonitor.db",
			MaxOpenConns:           10,
			MaxIdleConns:           2,
			ConnMaxLifetimeMinutes: 30,
			RetentionHours:         48,
			HistoryMaxHours:        48,
		},
		Replication: ReplicationConfig{
			IntervalSeconds: DefaultReplicationInterval.Seconds(),
			TimeoutSeconds:  DefaultReplicationTimeout.Seconds(),
		},
		Push:       PushConfig{TTL: 3600},
		WorkerPool: WorkerPoolConfig{Size: 1},
	}
}

var validate = validator.New()

// Validate checks the operator-editable sections.
func (c *Config) Validate() error {
	if err := c.Serial.Validate(); err != nil {
		return err
	}
	return c.Decoder.Validate()
}

// Load reads the configuration from the given path, merged over Default.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Printf("config file %s not found; using defaults", path)
	case err != nil:
		return nil, err
	default:
		defer f.Close()
		decoder := yaml.NewDecoder(f)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	}

	cfg.envRestore = applyEnv(&cfg)
	normalize(&cfg)
	return &cfg, nil
}

// Save writes the configuration to path atomically.
// Values taken from the environment are written as the file held them.
func Save(path string, cfg *Config) error {
	onDisk := cfg.persisted()
	data, err := yaml.Marshal(&onDisk)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close config: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// applyEnv overlays the environment on cfg and returns the functions that
// put the file values back, so Save never writes env-derived secrets.
func applyEnv(cfg *Config) []func(*Config) {
	var restore []func(*Config)

	if v := os.Getenv("DATABASE_URL"); v != "" {
		file := cfg.Database.DSN
		cfg.Database.DSN = v
		restore = append(restore, func(c *Config) { c.Database.DSN = file })
	}
	if v := os.Getenv("MWDMONITOR_DB"); v != "" {
		file := cfg.Database.Path
		cfg.Database.Path = v
		restore = append(restore, func(c *Config) { c.Database.Path = file })
	}
	if v := os.Getenv("INGEST_API_KEY"); v != "" {
		file := cfg.Ingest.APIKey
		cfg.Ingest.APIKey = v
		restore = append(restore, func(c *Config) { c.Ingest.APIKey = file })
	}
	if v := os.Getenv("INGEST_RETENTION_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			file := cfg.Database.RetentionSeconds
			cfg.Database.RetentionSeconds = secs
			restore = append(restore, func(c *Config) { c.Database.RetentionSeconds = file })
		} else {
			log.Printf("ignoring invalid INGEST_RETENTION_SECONDS %q", v)
		}
	}
	if v := os.Getenv("DESKTOP_INGEST_URL"); v != "" {
		file := cfg.Replication.URL
		cfg.Replication.URL = v
		restore = append(restore, func(c *Config) { c.Replication.URL = file })
	}
	if v := os.Getenv("DESKTOP_INGEST_API_KEY"); v != "" {
		file := cfg.Replication.APIKey
		cfg.Replication.APIKey = v
		restore = append(restore, func(c *Config) { c.Replication.APIKey = file })
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			file := cfg.Server.Port
			cfg.Server.Port = port
			restore = append(restore, func(c *Config) { c.Server.Port = file })
		}
	}
	return restore
}

// persisted returns the copy of c that belongs on disk.
func (c *Config) persisted() Config {
	out := *c
	for _, fn := range c.envRestore {
		fn(&out)
	}
	out.envRestore = nil
	return out
}

func normalize(cfg *Config) {
	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}
	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}
	if cfg.Database.RetentionHours <= 0 {
		cfg.Database.RetentionHours = 48
	}
	if cfg.Database.HistoryMaxHours <= 0 {
		cfg.Database.HistoryMaxHours = 48
	}
	cfg.Serial.Parity = strings.ToUpper(cfg.Serial.Parity)
}
