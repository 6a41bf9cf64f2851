// Package device defines the capability set a port engine drives: bring-up,
// counters, transmit programs and buffered capture. Backends live in
// sub-packages and register themselves by name.
package device

import (
	"fmt"
	"sort"
	"sync"

	"firestige.xyz/trafficport/internal/config"
	"firestige.xyz/trafficport/internal/core"
)

// LinkStatus is the raw link status reported by a device.
type LinkStatus int

const (
	LinkDown LinkStatus = iota
	LinkUp
)

func (s LinkStatus) String() string {
	if s == LinkUp {
		return "up"
	}
	return "down"
}

// MixMode selects how registered transmit programs share the wire.
type MixMode int

const (
	// MixSequential runs programs one after another in id order.
	MixSequential MixMode = iota
	// MixInterleaved runs all programs at once, each on its own pacer.
	MixInterleaved
)

func (m MixMode) String() string {
	if m == MixInterleaved {
		return config.TransmitInterleaved
	}
	return config.TransmitSequential
}

// ParseMixMode maps a port transmit_mode setting to a MixMode.
func ParseMixMode(s string) (MixMode, error) {
	switch s {
	case config.TransmitSequential, "":
		return MixSequential, nil
	case config.TransmitInterleaved:
		return MixInterleaved, nil
	}
	return MixSequential, fmt.Errorf("%w: unknown transmit mode %q", core.ErrConfigInvalid, s)
}

// Stats is a device counter snapshot.
type Stats struct {
	IPackets uint64 // received packets
	IBytes   uint64 // received bytes
	OPackets uint64 // transmitted packets
	OBytes   uint64 // transmitted bytes
	IMissed  uint64 // rx drops
	IErrors  uint64
	IBadLen  uint64 // frame errors
	IBadCRC  uint64
	RxNoMbuf uint64 // fifo errors / capture buffer exhausted
}

// Device is the capability set consumed by the port engine. Implementations
// must be safe for use from the control goroutine and the stats monitor
// concurrently.
type Device interface {
	Init() error
	Start() error
	Stop() error

	SetPromiscuous(on bool) error
	LinkStatus() (LinkStatus, error)
	Stats() (Stats, error)
	ResetStats() error

	// AddBurstStream registers a program of numBursts bursts of burstSize
	// frames, one burst every delayNs, and returns its id.
	AddBurstStream(delayNs uint64, burstSize, numBursts uint32) (uint32, error)
	// AddPacketStream registers a program of numPackets frames, one every
	// delayNs, and returns its id.
	AddPacketStream(delayNs uint64, numPackets uint32) (uint32, error)
	AddPacket(streamID uint32, frame []byte) error
	// ClearPackets drops every registered program and clears loop mode.
	ClearPackets() error
	SetMixMode(mode MixMode) error
	SetLoopMode(on bool) error
	StartTx() error
	StopTx() error

	// StartRx lends buf to the device, which appends raw capture records
	// (see PutRecord) until StopRx. StopRx returns the bytes written.
	StartRx(buf []byte) error
	StopRx() (uint32, error)
}

// MaxFrameSize is the largest frame a transmit program accepts.
const MaxFrameSize = 16384

// Factory builds a device for a port.
type Factory func(cfg config.PortConfig) (Device, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a backend available under name. It panics on duplicates,
// which only happens from init functions.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("device: backend %q registered twice", name))
	}
	factories[name] = f
}

// Open builds the backend named by cfg.Backend. The device is not yet
// initialized; the port engine calls Init.
func Open(cfg config.PortConfig) (Device, error) {
	factoriesMu.RLock()
	f, ok := factories[cfg.Backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", core.ErrUnsupportedBackend, cfg.Backend, Backends())
	}
	return f(cfg)
}

// Backends lists registered backend names.
func Backends() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
