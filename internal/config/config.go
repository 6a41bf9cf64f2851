// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/trafficport/internal/core"
)

// Device backends.
const (
	BackendAFPacket = "afpacket"
	BackendSim      = "sim"
)

// Transmit modes.
const (
	TransmitSequential  = "sequential"
	TransmitInterleaved = "interleaved"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `trafficport:` root key in YAML.
type GlobalConfig struct {
	Log         LogConfig     `mapstructure:"log"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
	Port        PortConfig    `mapstructure:"port"`
	StreamsFile string        `mapstructure:"streams_file"`
}

// ─── Port ───

// PortConfig describes the single port owned by the engine.
type PortConfig struct {
	ID                 int            `mapstructure:"id"`        // logical port id
	DeviceID           uint16         `mapstructure:"device_id"` // driver-level device id
	Name               string         `mapstructure:"name"`      // interface name, e.g. eth0
	Backend            string         `mapstructure:"backend"`   // afpacket | sim
	Promiscuous        bool           `mapstructure:"promiscuous"`
	RestorePromiscuous bool           `mapstructure:"restore_promiscuous"` // clear promisc on teardown
	TransmitMode       string         `mapstructure:"transmit_mode"`       // sequential | interleaved
	CaptureBufferSize  int            `mapstructure:"capture_buffer_size"` // bytes
	CaptureSnapLen     int            `mapstructure:"capture_snaplen"`
	CaptureDir         string         `mapstructure:"capture_dir"` // temp capture file dir, empty = os.TempDir
	RxFilter           string         `mapstructure:"rx_filter"`   // optional BPF expression
	StatsInterval      time.Duration  `mapstructure:"stats_interval"`
	SetupTimeout       time.Duration  `mapstructure:"setup_timeout"`
	AFPacket           AFPacketConfig `mapstructure:"afpacket"`
}

// AFPacketConfig tunes the AF_PACKET ring of the afpacket backend.
type AFPacketConfig struct {
	FrameSize   int           `mapstructure:"frame_size"`
	BlockSize   int           `mapstructure:"block_size"`
	NumBlocks   int           `mapstructure:"num_blocks"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level      string           `mapstructure:"level"` // trace / debug / info / warn / error
	Pattern    string           `mapstructure:"pattern"`
	TimeFormat string           `mapstructure:"time_format"`
	Outputs    LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains log output destinations besides stdout.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `trafficport: ...`.
type configRoot struct {
	TrafficPort GlobalConfig `mapstructure:"trafficport"`
}

// Load loads configuration from file.
// The YAML file uses `trafficport:` as root key; env vars use the TRAFFICPORT_ prefix
// (e.g., TRAFFICPORT_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.TrafficPort

	// streams_file is relative to the config file
	if cfg.StreamsFile != "" && !filepath.IsAbs(cfg.StreamsFile) {
		cfg.StreamsFile = filepath.Join(filepath.Dir(path), cfg.StreamsFile)
	}

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "trafficport." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("trafficport.log.level", "info")
	v.SetDefault("trafficport.log.pattern", "%time [%level] %field %msg%n")
	v.SetDefault("trafficport.log.time_format", "2006-01-02 15:04:05.000")
	v.SetDefault("trafficport.log.outputs.file.enabled", false)
	v.SetDefault("trafficport.log.outputs.file.path", "/var/log/trafficport/trafficport.log")
	v.SetDefault("trafficport.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("trafficport.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("trafficport.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("trafficport.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("trafficport.metrics.enabled", false)
	v.SetDefault("trafficport.metrics.listen", ":9092")
	v.SetDefault("trafficport.metrics.path", "/metrics")

	// Port defaults
	v.SetDefault("trafficport.port.backend", BackendAFPacket)
	v.SetDefault("trafficport.port.promiscuous", true)
	v.SetDefault("trafficport.port.restore_promiscuous", false)
	v.SetDefault("trafficport.port.transmit_mode", TransmitSequential)
	v.SetDefault("trafficport.port.capture_buffer_size", 1000000000)
	v.SetDefault("trafficport.port.capture_snaplen", 65535)
	v.SetDefault("trafficport.port.stats_interval", "1s")
	v.SetDefault("trafficport.port.setup_timeout", "10s")
	v.SetDefault("trafficport.port.afpacket.frame_size", 65536)
	v.SetDefault("trafficport.port.afpacket.block_size", 4*1024*1024)
	v.SetDefault("trafficport.port.afpacket.num_blocks", 64)
	v.SetDefault("trafficport.port.afpacket.poll_timeout", "100ms")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Log.Level)] {
		return fmt.Errorf("%w: invalid log level: %s (must be trace/debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return fmt.Errorf("%w: log.outputs.file.path is required when file output is enabled", core.ErrConfigInvalid)
	}

	// ── Port validation ──
	p := &cfg.Port
	if p.Name == "" {
		return fmt.Errorf("%w: port.name is required", core.ErrConfigInvalid)
	}
	switch p.Backend {
	case BackendAFPacket, BackendSim:
	default:
		return fmt.Errorf("%w: unsupported port.backend: %s (must be afpacket/sim)", core.ErrConfigInvalid, p.Backend)
	}
	switch p.TransmitMode {
	case TransmitSequential, TransmitInterleaved:
	default:
		return fmt.Errorf("%w: unsupported port.transmit_mode: %s (must be sequential/interleaved)", core.ErrConfigInvalid, p.TransmitMode)
	}
	if p.CaptureBufferSize <= 0 {
		return fmt.Errorf("%w: port.capture_buffer_size must be positive", core.ErrConfigInvalid)
	}
	if p.CaptureSnapLen <= 0 {
		p.CaptureSnapLen = 65535
	}
	if p.StatsInterval <= 0 {
		return fmt.Errorf("%w: port.stats_interval must be positive", core.ErrConfigInvalid)
	}
	if p.SetupTimeout <= 0 {
		return fmt.Errorf("%w: port.setup_timeout must be positive", core.ErrConfigInvalid)
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("%w: metrics.listen is required when metrics.enabled=true", core.ErrConfigInvalid)
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	return nil
}
