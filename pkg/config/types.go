package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Remote        RemoteConfig        `yaml:"remote"`
	Mirror        MirrorConfig        `yaml:"mirror"`
	Authorization AuthorizationConfig `yaml:"authorization"`
	Security      SecurityConfig      `yaml:"security"`
	Logging       LoggingConfig       `yaml:"logging"`
	Retention     RetentionConfig     `yaml:"retention"`
	Ingest        IngestConfig        `yaml:"ingest"`
}

// ServerConfig holds admin HTTP and storage settings.
type ServerConfig struct {
	Address string    `yaml:"address"`
	Port    int       `yaml:"port"`
	DBPath  string    `yaml:"db_path"`
	TLS     TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate configuration.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// RemoteConfig holds connection settings for the remote chat graph.
type RemoteConfig struct {
	Token      string `yaml:"token"`
	APIURL     string `yaml:"api_url"`
	GatewayURL string `yaml:"gateway_url"`
	RateLimit  struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// MirrorConfig controls reconciliation behavior.
type MirrorConfig struct {
	// ReconcileCron optionally schedules periodic full passes in addition
	// to startup and event-driven triggers. Empty disables the scheduler.
	ReconcileCron string `yaml:"reconcile_cron"`
	// Workers bounds concurrent per-entity upserts inside a pass.
	Workers      int                `yaml:"workers"`
	TextCommands TextCommandsConfig `yaml:"text_commands"`
}

// TextCommandsConfig controls forwarding of mirrored message content to the
// text-command collaborator.
type TextCommandsConfig struct {
	Enabled bool `yaml:"enabled"`
	// ProcessUnauthorized keeps mirroring messages from unauthorized
	// authors and only skips forwarding; when false the whole event is
	// dropped after the authorization check.
	ProcessUnauthorized bool `yaml:"process_unauthorized"`
}

// AuthorizationConfig holds per-user and per-role command grants.
type AuthorizationConfig struct {
	Enabled bool        `yaml:"enabled"`
	Users   []UserGrant `yaml:"users"`
	Roles   []RoleGrant `yaml:"roles"`
}

// UserGrant is a capability triple bound to a remote user id.
type UserGrant struct {
	ID          string `yaml:"id"`
	Read        bool   `yaml:"read"`
	Write       bool   `yaml:"write"`
	TextCommand bool   `yaml:"text_command"`
}

// RoleGrant is a capability triple bound to a (server, role) pair.
type RoleGrant struct {
	Server      string `yaml:"server"`
	Role        string `yaml:"role"`
	Read        bool   `yaml:"read"`
	Write       bool   `yaml:"write"`
	TextCommand bool   `yaml:"text_command"`
}

// SecurityConfig holds admin API security settings.
type SecurityConfig struct {
	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	APIKeys struct {
		Backend []string `yaml:"backend"`
		Admin   []string `yaml:"admin"`
	} `yaml:"api_keys"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string          `yaml:"level"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// TelemetryConfig tunes the local operation telemetry log. Zero values keep
// the built-in defaults.
type TelemetryConfig struct {
	SampleRate    float64  `yaml:"sample_rate"`
	SlowThreshold Duration `yaml:"slow_threshold"`
}

// RetentionConfig holds configuration for the mirrored-message pruner.
type RetentionConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
	Period  string `yaml:"period"`
	DryRun  bool   `yaml:"dry_run"`
}

// IngestConfig holds gateway event queueing configuration.
type IngestConfig struct {
	Queue QueueConfig `yaml:"queue"`
}

// QueueConfig tunes the in-memory gateway event queue.
type QueueConfig struct {
	Capacity             int       `yaml:"capacity"`
	MaxPooledBufferBytes SizeBytes `yaml:"max_pooled_buffer_bytes"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*s = 0
		return nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		*s = SizeBytes(v)
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}
	return fmt.Errorf("invalid size value: %q", node.Value)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

// Duration is a wrapper around time.Duration that supports YAML parsing from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
