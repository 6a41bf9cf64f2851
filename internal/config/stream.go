// Package config handles configuration structures.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"firestige.xyz/trafficport/internal/core"
)

// Send units.
const (
	SendUnitBursts  = "bursts"
	SendUnitPackets = "packets"
)

// Next actions.
const (
	NextActionStop     = "stop"
	NextActionGotoID   = "goto_id"
	NextActionGotoNext = "goto_next"
)

// StreamListConfig is the content of a stream list file.
type StreamListConfig struct {
	Streams []StreamConfig `json:"streams" yaml:"streams"`
}

// StreamConfig describes one stream. Frame bytes come either from hex
// strings or from the packets of a pcap file.
type StreamConfig struct {
	Name       string   `json:"name" yaml:"name"`
	Ordinal    int      `json:"ordinal" yaml:"ordinal"`
	Enabled    *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"` // nil = enabled
	SendUnit   string   `json:"send_unit" yaml:"send_unit"`                 // bursts | packets
	BurstSize  uint32   `json:"burst_size" yaml:"burst_size"`
	BurstRate  float64  `json:"burst_rate" yaml:"burst_rate"` // bursts per second
	NumBursts  uint32   `json:"num_bursts" yaml:"num_bursts"`
	NumPackets uint32   `json:"num_packets" yaml:"num_packets"`
	PacketRate float64  `json:"packet_rate" yaml:"packet_rate"` // packets per second
	NextAction string   `json:"next_action" yaml:"next_action"` // stop | goto_id | goto_next
	Frames     []string `json:"frames" yaml:"frames"`           // hex encoded frames
	FramesPcap string   `json:"frames_pcap" yaml:"frames_pcap"` // pcap file with frames
}

// IsEnabled reports whether the stream is enabled; streams are enabled unless
// explicitly disabled.
func (sc *StreamConfig) IsEnabled() bool {
	return sc.Enabled == nil || *sc.Enabled
}

// Validate validates one stream and applies defaults.
func (sc *StreamConfig) Validate(index int) error {
	if sc.Name == "" {
		sc.Name = fmt.Sprintf("stream-%d", index)
	}
	if sc.NextAction == "" {
		sc.NextAction = NextActionGotoNext
	}

	switch sc.SendUnit {
	case SendUnitBursts:
		if sc.BurstRate <= 0 {
			return fmt.Errorf("stream[%d] %s: burst_rate must be positive", index, sc.Name)
		}
		if sc.BurstSize == 0 {
			return fmt.Errorf("stream[%d] %s: burst_size must be positive", index, sc.Name)
		}
	case SendUnitPackets:
		if sc.PacketRate <= 0 {
			return fmt.Errorf("stream[%d] %s: packet_rate must be positive", index, sc.Name)
		}
	default:
		return fmt.Errorf("stream[%d] %s: send_unit must be 'bursts' or 'packets', got %q", index, sc.Name, sc.SendUnit)
	}

	switch sc.NextAction {
	case NextActionStop, NextActionGotoID, NextActionGotoNext:
	default:
		return fmt.Errorf("stream[%d] %s: unknown next_action %q", index, sc.Name, sc.NextAction)
	}

	if len(sc.Frames) == 0 && sc.FramesPcap == "" {
		return fmt.Errorf("stream[%d] %s: frames or frames_pcap is required", index, sc.Name)
	}
	for i, f := range sc.Frames {
		if _, err := DecodeHexFrame(f); err != nil {
			return fmt.Errorf("stream[%d] %s: frame[%d]: %w", index, sc.Name, i, err)
		}
	}

	return nil
}

// Validate validates every stream in the list.
func (sl *StreamListConfig) Validate() error {
	for i := range sl.Streams {
		if err := sl.Streams[i].Validate(i); err != nil {
			return fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
		}
	}
	return nil
}

// DecodeHexFrame decodes a hex frame. Whitespace, ':' and '-' separators are ignored.
func DecodeHexFrame(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', ':', '-':
			return -1
		}
		return r
	}, s)
	if clean == "" {
		return nil, fmt.Errorf("empty frame")
	}
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex frame: %w", err)
	}
	return b, nil
}

// ParseStreamList parses a stream list from JSON.
func ParseStreamList(data []byte) (*StreamListConfig, error) {
	var sl StreamListConfig
	if err := json.Unmarshal(data, &sl); err != nil {
		return nil, fmt.Errorf("failed to parse stream list: %w", err)
	}

	if err := sl.Validate(); err != nil {
		return nil, err
	}

	return &sl, nil
}

// ParseStreamListAuto parses a stream list, choosing JSON or YAML from the
// file extension of name.
func ParseStreamListAuto(data []byte, name string) (*StreamListConfig, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return ParseStreamList(data)
	case ".yaml", ".yml":
		var sl StreamListConfig
		if err := yaml.Unmarshal(data, &sl); err != nil {
			return nil, fmt.Errorf("failed to parse stream list: %w", err)
		}
		if err := sl.Validate(); err != nil {
			return nil, err
		}
		return &sl, nil
	default:
		return nil, fmt.Errorf("%w: unsupported stream list format %q (use .json, .yaml or .yml)", core.ErrConfigInvalid, filepath.Ext(name))
	}
}

// LoadStreamList reads and parses a stream list file. Relative frames_pcap
// paths are resolved against the directory of the list file.
func LoadStreamList(path string) (*StreamListConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream list %s: %w", path, err)
	}

	sl, err := ParseStreamListAuto(data, path)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	for i := range sl.Streams {
		p := sl.Streams[i].FramesPcap
		if p != "" && !filepath.IsAbs(p) {
			sl.Streams[i].FramesPcap = filepath.Join(dir, p)
		}
	}
	return sl, nil
}
