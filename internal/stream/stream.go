// Package stream builds port streams from stream list files.
package stream

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/trafficport/internal/config"
	"firestige.xyz/trafficport/internal/port"
)

// Stream is a port.Stream whose frames are fixed byte images loaded up
// front from hex strings or a pcap file.
type Stream struct {
	cfg    config.StreamConfig
	frames [][]byte
}

var _ port.Stream = (*Stream)(nil)

// New builds a stream from a validated descriptor, loading its frames.
func New(cfg config.StreamConfig) (*Stream, error) {
	s := &Stream{cfg: cfg}

	for i, h := range cfg.Frames {
		b, err := config.DecodeHexFrame(h)
		if err != nil {
			return nil, fmt.Errorf("stream %s frame %d: %w", cfg.Name, i, err)
		}
		s.frames = append(s.frames, b)
	}

	if cfg.FramesPcap != "" {
		frames, err := ReadPcapFrames(cfg.FramesPcap)
		if err != nil {
			return nil, fmt.Errorf("stream %s: %w", cfg.Name, err)
		}
		s.frames = append(s.frames, frames...)
	}

	if len(s.frames) == 0 {
		return nil, fmt.Errorf("stream %s has no frames", cfg.Name)
	}
	return s, nil
}

// Load builds every stream of a stream list, in file order.
func Load(sl *config.StreamListConfig) ([]port.Stream, error) {
	out := make([]port.Stream, 0, len(sl.Streams))
	for _, sc := range sl.Streams {
		s, err := New(sc)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// LoadFile reads a stream list file and builds its streams.
func LoadFile(path string) ([]port.Stream, error) {
	sl, err := config.LoadStreamList(path)
	if err != nil {
		return nil, err
	}
	return Load(sl)
}

// ReadPcapFrames returns every packet of a pcap file, in file order.
func ReadPcapFrames(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("read pcap %s: %w", path, err)
	}

	var frames [][]byte
	for {
		data, _, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read pcap %s: %w", path, err)
		}
		frames = append(frames, data)
	}
	return frames, nil
}

func (s *Stream) Name() string        { return s.cfg.Name }
func (s *Stream) Ordinal() int        { return s.cfg.Ordinal }
func (s *Stream) Enabled() bool       { return s.cfg.IsEnabled() }
func (s *Stream) BurstSize() uint32   { return s.cfg.BurstSize }
func (s *Stream) BurstRate() float64  { return s.cfg.BurstRate }
func (s *Stream) NumBursts() uint32   { return s.cfg.NumBursts }
func (s *Stream) NumPackets() uint32  { return s.cfg.NumPackets }
func (s *Stream) PacketRate() float64 { return s.cfg.PacketRate }

func (s *Stream) SendUnit() port.SendUnit {
	if s.cfg.SendUnit == config.SendUnitBursts {
		return port.SendUnitBursts
	}
	return port.SendUnitPackets
}

func (s *Stream) NextAction() port.NextAction {
	switch s.cfg.NextAction {
	case config.NextActionStop:
		return port.NextActionStop
	case config.NextActionGotoID:
		return port.NextActionGotoID
	}
	return port.NextActionGotoNext
}

// FrameVariableCount is the number of distinct frames the stream cycles.
func (s *Stream) FrameVariableCount() int {
	return len(s.frames)
}

// FrameValue returns a copy of frame index.
func (s *Stream) FrameValue(index int) ([]byte, error) {
	if index < 0 || index >= len(s.frames) {
		return nil, fmt.Errorf("stream %s: frame index %d out of range [0,%d)", s.cfg.Name, index, len(s.frames))
	}
	return append([]byte(nil), s.frames[index]...), nil
}
