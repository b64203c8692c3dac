// Package config manages lp-gatewayd configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the complete lp-gatewayd configuration.
type Config struct {
	Node    NodeConfig    `koanf:"node"`
	Epoch   EpochConfig   `koanf:"epoch"`
	LP      LPConfig      `koanf:"lp"`
	Replay  ReplayConfig  `koanf:"replay"`
	Surb    SurbConfig    `koanf:"surb"`
	Stats   StatsConfig   `koanf:"stats"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
}

// NodeConfig holds node identity and listener addresses.
type NodeConfig struct {
	// ControlAddr is the LP control-plane TCP listen address (e.g., ":1789").
	ControlAddr string `koanf:"control_addr"`
	// DataAddr is the LP data-plane UDP listen address (e.g., ":1789").
	DataAddr string `koanf:"data_addr"`
	// MixAddr is the mixnet ingress TCP listen address for length-framed
	// Sphinx packets (e.g., ":1790").
	MixAddr string `koanf:"mix_addr"`
	// MaxControlConns bounds concurrent in-flight TCP control connections.
	MaxControlConns int `koanf:"max_control_conns"`
}

// EpochConfig configures the rotation controller's directory polling.
type EpochConfig struct {
	// DirectoryURL is the base URL of the epoch-schedule directory endpoint.
	DirectoryURL string `koanf:"directory_url"`
	// PollInterval is how often the controller re-queries the directory
	// for epoch/rotation configuration drift, independent of the scheduled
	// rotation action.
	PollInterval time.Duration `koanf:"poll_interval"`
	// RetryMaxElapsed bounds the backoff retry window on directory failure.
	RetryMaxElapsed time.Duration `koanf:"retry_max_elapsed"`
}

// LPConfig holds link-protocol session parameters.
type LPConfig struct {
	// HandshakeTimeout bounds the three-message handshake exchange.
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
	// IdleTimeout evicts a session whose last_activity exceeds this.
	IdleTimeout time.Duration `koanf:"idle_timeout"`
	// SweepInterval is how often the idle sweeper scans for evictable sessions.
	SweepInterval time.Duration `koanf:"sweep_interval"`
	// ReceiveWindow is the sliding replay-window size in counters; must be
	// a power of two.
	ReceiveWindow uint32 `koanf:"receive_window"`
	// MaxDatagramBytes records the accepted UDP datagram size. The LP data
	// listener does not read this field; it drops datagrams over a fixed
	// 4096 bytes.
	MaxDatagramBytes int `koanf:"max_datagram_bytes"`
	// IngressWorkers sizes the packet-plane ingress worker pool.
	IngressWorkers int `koanf:"ingress_workers"`
	// IngressQueueDepth bounds the ingress fan-in channel.
	IngressQueueDepth int `koanf:"ingress_queue_depth"`
	// EgressQueueDepth bounds each per-peer egress forwarder's queue.
	EgressQueueDepth int `koanf:"egress_queue_depth"`
	// MaxHopDelay caps the accepted per-hop Sphinx delay; packets that
	// request more are dropped and counted as excessive_delay.
	MaxHopDelay time.Duration `koanf:"max_hop_delay"`
	// IdentitySeedHex is the hex-encoded 32-byte ed25519 seed for the
	// gateway's long-term handshake identity. Empty generates an ephemeral
	// identity at startup, logged as a warning (peers cannot pin a
	// restarting node's identity across restarts in that mode).
	IdentitySeedHex string `koanf:"identity_seed_hex"`
	// ProtocolVersion is the gateway's current handshake protocol version.
	ProtocolVersion uint32 `koanf:"protocol_version"`
	// MinProtocolVersion is the oldest handshake protocol version the
	// gateway still accepts from a client.
	MinProtocolVersion uint32 `koanf:"min_protocol_version"`
}

// ReplayConfig sizes the bloom filters allocated per rotation.
type ReplayConfig struct {
	// PacketBudget is the expected packet count for one rotation's lifetime (B).
	PacketBudget uint64 `koanf:"packet_budget"`
	// FalsePositiveRate is the target false-positive rate per rotation (epsilon).
	FalsePositiveRate float64 `koanf:"false_positive_rate"`
}

// SurbConfig holds reply-SURB inventory thresholds.
type SurbConfig struct {
	MinThreshold int `koanf:"min_threshold"`
	MaxThreshold int `koanf:"max_threshold"`
}

// StatsConfig configures the stats multiplexer's timers and report sink.
type StatsConfig struct {
	SnapshotInterval time.Duration `koanf:"snapshot_interval"`
	ReportInterval   time.Duration `koanf:"report_interval"`
	ReportRecipient  string        `koanf:"report_recipient"`
	QueueDepth       int           `koanf:"queue_depth"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ControlAddr:     ":1789",
			DataAddr:        ":1789",
			MixAddr:         ":1790",
			MaxControlConns: 4096,
		},
		Epoch: EpochConfig{
			PollInterval:    30 * time.Second,
			RetryMaxElapsed: 5 * time.Minute,
		},
		LP: LPConfig{
			HandshakeTimeout:   10 * time.Second,
			IdleTimeout:        5 * time.Minute,
			SweepInterval:      30 * time.Second,
			ReceiveWindow:      1024,
			MaxDatagramBytes:   4096,
			IngressWorkers:     8,
			IngressQueueDepth:  2048,
			EgressQueueDepth:   1024,
			MaxHopDelay:        10 * time.Second,
			ProtocolVersion:    1,
			MinProtocolVersion: 1,
		},
		Replay: ReplayConfig{
			PacketBudget:      1_000_000,
			FalsePositiveRate: 0.0001,
		},
		Surb: SurbConfig{
			MinThreshold: 10,
			MaxThreshold: 100,
		},
		Stats: StatsConfig{
			SnapshotInterval: 500 * time.Millisecond,
			ReportInterval:   5 * time.Minute,
			QueueDepth:       4096,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// envPrefix is the environment variable prefix for lp-gatewayd configuration.
// Variables are named LPGW_<section>_<key>, e.g., LPGW_NODE_CONTROL_ADDR.
const envPrefix = "LPGW_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (LPGW_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms LPGW_NODE_CONTROL_ADDR -> node.control_addr.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

func loadDefaults(k *koanf.Koanf, d *Config) error {
	defaultMap := map[string]any{
		"node.control_addr":      d.Node.ControlAddr,
		"node.data_addr":         d.Node.DataAddr,
		"node.mix_addr":          d.Node.MixAddr,
		"node.max_control_conns": d.Node.MaxControlConns,
		"epoch.poll_interval":    d.Epoch.PollInterval.String(),
		"epoch.retry_max_elapsed": d.Epoch.RetryMaxElapsed.String(),
		"lp.handshake_timeout":   d.LP.HandshakeTimeout.String(),
		"lp.idle_timeout":        d.LP.IdleTimeout.String(),
		"lp.sweep_interval":      d.LP.SweepInterval.String(),
		"lp.receive_window":      d.LP.ReceiveWindow,
		"lp.max_datagram_bytes":  d.LP.MaxDatagramBytes,
		"lp.ingress_workers":     d.LP.IngressWorkers,
		"lp.ingress_queue_depth": d.LP.IngressQueueDepth,
		"lp.egress_queue_depth":  d.LP.EgressQueueDepth,
		"lp.max_hop_delay":       d.LP.MaxHopDelay.String(),
		"lp.identity_seed_hex":     d.LP.IdentitySeedHex,
		"lp.protocol_version":      d.LP.ProtocolVersion,
		"lp.min_protocol_version":  d.LP.MinProtocolVersion,
		"replay.packet_budget":        d.Replay.PacketBudget,
		"replay.false_positive_rate":  d.Replay.FalsePositiveRate,
		"surb.min_threshold":     d.Surb.MinThreshold,
		"surb.max_threshold":     d.Surb.MaxThreshold,
		"stats.snapshot_interval": d.Stats.SnapshotInterval.String(),
		"stats.report_interval":   d.Stats.ReportInterval.String(),
		"stats.queue_depth":       d.Stats.QueueDepth,
		"metrics.addr":           d.Metrics.Addr,
		"metrics.path":           d.Metrics.Path,
		"log.level":              d.Log.Level,
		"log.format":             d.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// Validation errors.
var (
	ErrEmptyControlAddr    = errors.New("node.control_addr must not be empty")
	ErrInvalidWindow       = errors.New("lp.receive_window must be a nonzero power of two")
	ErrInvalidPacketBudget = errors.New("replay.packet_budget must be > 0")
	ErrInvalidFPRate       = errors.New("replay.false_positive_rate must be in (0, 1)")
	ErrInvalidSurbBounds   = errors.New("surb.min_threshold must be <= surb.max_threshold")
)

// Validate checks the configuration for logical errors.
func Validate(cfg *Config) error {
	if cfg.Node.ControlAddr == "" {
		return ErrEmptyControlAddr
	}

	if cfg.LP.ReceiveWindow == 0 || cfg.LP.ReceiveWindow&(cfg.LP.ReceiveWindow-1) != 0 {
		return ErrInvalidWindow
	}

	if cfg.Replay.PacketBudget == 0 {
		return ErrInvalidPacketBudget
	}

	if cfg.Replay.FalsePositiveRate <= 0 || cfg.Replay.FalsePositiveRate >= 1 {
		return ErrInvalidFPRate
	}

	if cfg.Surb.MinThreshold > cfg.Surb.MaxThreshold {
		return ErrInvalidSurbBounds
	}

	return nil
}

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
