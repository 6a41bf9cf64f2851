// Package port implements the per-port traffic engine: device bring-up,
// transmit control, stream scheduling, statistics monitoring and capture.
package port

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/trafficport/internal/config"
	"firestige.xyz/trafficport/internal/core"
	"firestige.xyz/trafficport/internal/device"
	"firestige.xyz/trafficport/internal/log"
)

// LinkState is the link state reported to consumers.
type LinkState int

const (
	LinkStateUnknown LinkState = iota
	LinkStateDown
	LinkStateUp
)

func (s LinkState) String() string {
	switch s {
	case LinkStateDown:
		return "down"
	case LinkStateUp:
		return "up"
	}
	return "unknown"
}

// DefaultSetupTimeout bounds how long Init waits for the first stats sample.
const DefaultSetupTimeout = 10 * time.Second

// Option customizes a Port.
type Option func(*Port)

// WithLogger sets the base logger; the port adds its own fields.
func WithLogger(l log.Logger) Option {
	return func(p *Port) { p.log = l }
}

// WithScheduleHook registers fn to receive every scheduling report.
func WithScheduleHook(fn func(ScheduleReport)) Option {
	return func(p *Port) { p.onSchedule = fn }
}

// Port owns one device and everything that runs against it.
type Port struct {
	id       int
	deviceID uint16
	name     string

	dev     device.Device
	log     log.Logger
	monitor *StatsMonitor
	stats   *StatsRecord

	setupTimeout   time.Duration
	promisc        bool
	restorePromisc bool
	snapLen        int

	tx *core.Machine
	rx *core.Machine

	mu         sync.Mutex
	devOK      bool // device opened at construction
	ready      bool // device started by Init
	closed     bool
	mixMode    device.MixMode
	streams    []Stream
	notes      []string
	lastReport ScheduleReport
	onSchedule func(ScheduleReport)

	captureBuf  []byte
	captureFile *os.File
	pcapBuf     *bufio.Writer
	pcapWriter  *pcapgo.Writer
}

// New builds a port over dev and performs constructor-time bring-up: open
// the device, allocate the capture buffer, reset counters and force
// promiscuous mode when configured. Bring-up failures are logged and leave
// the port unusable; they never panic.
func New(cfg config.PortConfig, dev device.Device, opts ...Option) *Port {
	p := &Port{
		id:             cfg.ID,
		deviceID:       cfg.DeviceID,
		name:           cfg.Name,
		dev:            dev,
		stats:          NewStatsRecord(),
		setupTimeout:   cfg.SetupTimeout,
		promisc:        cfg.Promiscuous,
		restorePromisc: cfg.RestorePromiscuous,
		snapLen:        cfg.CaptureSnapLen,
		tx:             core.NewTransmitMachine(),
		rx:             core.NewCaptureMachine(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = log.GetLogger()
	}
	p.log = p.log.WithField("port", cfg.Name)
	if p.setupTimeout <= 0 {
		p.setupTimeout = DefaultSetupTimeout
	}
	if p.snapLen <= 0 {
		p.snapLen = 65535
	}

	mode, err := device.ParseMixMode(cfg.TransmitMode)
	if err != nil {
		p.log.WithError(err).Warn("falling back to sequential transmit")
	}
	p.mixMode = mode

	p.monitor = NewStatsMonitor(dev, cfg.StatsInterval, p.log)
	p.monitor.SetStatsRecord(p.stats)

	f, err := os.CreateTemp(cfg.CaptureDir, "trafficport-rx-*.pcap")
	if err != nil {
		p.log.WithError(err).Warn("unable to open temp file for rx")
	} else {
		p.captureFile = f
	}

	if err := dev.Init(); err != nil {
		p.log.WithError(err).Error("device init failed")
		return p
	}
	p.devOK = true

	if cfg.CaptureBufferSize > 0 {
		p.captureBuf = make([]byte, cfg.CaptureBufferSize)
	}

	if err := dev.ResetStats(); err != nil {
		p.log.WithError(err).Warn("failed to reset device stats")
	}

	if p.promisc {
		if err := dev.SetPromiscuous(true); err != nil {
			p.log.WithError(err).Error("failed to enable promiscuous mode")
			p.devOK = false
			return p
		}
	}

	return p
}

// Init starts the device and the stats monitor, then waits up to the setup
// timeout for the first sample. A device that fails to start leaves the
// port half-initialized: link state stays Unknown and transmit and capture
// calls are refused. The port lock is not held during the setup wait.
func (p *Port) Init() error {
	if err := p.startDevice(); err != nil {
		return err
	}

	if !p.monitor.WaitForSetupFinished(p.setupTimeout) {
		p.log.Warnf("stats monitor setup not finished after %s", p.setupTimeout)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.promisc {
		p.addNote("Non Promiscuous mode")
	}

	p.log.Infof("port initialized (id=%d device=%d)", p.id, p.deviceID)
	return nil
}

func (p *Port) startDevice() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return core.ErrPortClosed
	}
	if !p.devOK {
		p.log.Warn("device not opened, init skipped")
		return core.ErrPortNotReady
	}

	if err := p.dev.Start(); err != nil {
		p.log.WithError(err).Error("device start failed")
		return fmt.Errorf("%w: %v", core.ErrDeviceStart, err)
	}
	p.ready = true

	if !p.monitor.IsRunning() {
		p.monitor.Start(context.Background())
	}
	return nil
}

// ID returns the logical port id.
func (p *Port) ID() int { return p.id }

// DeviceID returns the driver-level device id.
func (p *Port) DeviceID() uint16 { return p.deviceID }

// Name returns the interface name.
func (p *Port) Name() string { return p.name }

// Notes returns advisory notes recorded during bring-up.
func (p *Port) Notes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.notes...)
}

func (p *Port) addNote(n string) {
	for _, existing := range p.notes {
		if existing == n {
			return
		}
	}
	p.notes = append(p.notes, n)
}

// LinkState queries the device. It is Unknown before Init succeeded or when
// the query fails.
func (p *Port) LinkState() LinkState {
	p.mu.Lock()
	ready := p.ready && !p.closed
	p.mu.Unlock()
	if !ready {
		return LinkStateUnknown
	}

	st, err := p.dev.LinkStatus()
	if err != nil {
		p.log.WithError(err).Debug("link status query failed")
		return LinkStateUnknown
	}
	if st == device.LinkUp {
		return LinkStateUp
	}
	return LinkStateDown
}

// HasExclusiveControl always reports false; exclusive access is not
// negotiated with the device.
func (p *Port) HasExclusiveControl() bool {
	p.log.Debug("get exclusive control")
	return false
}

// SetExclusiveControl is not supported and always returns false.
func (p *Port) SetExclusiveControl(exclusive bool) bool {
	p.log.Debugf("set exclusive control %t", exclusive)
	return false
}

// StartTransmit starts the registered transmit programs. Starting while
// running is a logged no-op returning ErrTransmitRunning.
func (p *Port) StartTransmit() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.ready || p.closed {
		p.log.Warn("transmit requested on a port that is not ready")
		return core.ErrPortNotReady
	}
	if p.tx.Is(core.StateRunning) {
		p.log.Warn("transmit is already running")
		return core.ErrTransmitRunning
	}

	p.log.Debug("start transmitting")
	if err := p.dev.StartTx(); err != nil {
		p.log.WithError(err).Error("device refused to start transmit")
		return fmt.Errorf("start transmit: %w", err)
	}
	return p.tx.Transition(core.StateRunning)
}

// StopTransmit stops transmission and returns the transmit state to Idle.
// Stopping while idle is a logged no-op returning ErrTransmitStopped.
func (p *Port) StopTransmit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopTransmitLocked()
}

func (p *Port) stopTransmitLocked() error {
	if !p.tx.Is(core.StateRunning) {
		p.log.Warn("transmit is not running")
		return core.ErrTransmitStopped
	}

	p.log.Debug("stop transmitting")
	if err := p.dev.StopTx(); err != nil {
		p.log.WithError(err).Warn("device stop transmit reported an error")
	}
	return p.tx.Transition(core.StateIdle)
}

// IsTransmitOn reports whether transmit state is Running.
func (p *Port) IsTransmitOn() bool {
	return p.tx.Is(core.StateRunning)
}

// TransmitState returns the transmit lifecycle state.
func (p *Port) TransmitState() core.State { return p.tx.Current() }

// CaptureState returns the capture lifecycle state.
func (p *Port) CaptureState() core.State { return p.rx.Current() }

// MonitorState returns the stats monitor lifecycle state.
func (p *Port) MonitorState() core.State { return p.monitor.State() }

// Stats returns the latest statistics sample.
func (p *Port) Stats() PortStats {
	return p.stats.Load()
}

// ResetStats clears the device counters. Rates read zero on the next sample.
func (p *Port) ResetStats() error {
	return p.dev.ResetStats()
}

// SetTransmitMode selects sequential or interleaved transmit for the next
// UpdatePacketList.
func (p *Port) SetTransmitMode(mode string) error {
	m, err := device.ParseMixMode(mode)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.mixMode = m
	p.mu.Unlock()
	return nil
}

// TransmitMode returns the configured mix mode.
func (p *Port) TransmitMode() device.MixMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mixMode
}

// SetStreamList replaces the stream list. The port keeps references and
// does not own the streams.
func (p *Port) SetStreamList(streams []Stream) {
	p.mu.Lock()
	p.streams = append([]Stream(nil), streams...)
	p.mu.Unlock()
}

// StreamList returns the stream list in its current order; after
// UpdatePacketList that is ordinal order.
func (p *Port) StreamList() []Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Stream(nil), p.streams...)
}

// LastScheduleReport returns the report of the latest UpdatePacketList.
func (p *Port) LastScheduleReport() ScheduleReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReport
}

// Close tears the port down: stop transmit, stop and join the monitor,
// restore promiscuous mode if requested, stop the device and release the
// capture resources. Close is idempotent.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	if p.tx.Is(core.StateRunning) {
		_ = p.stopTransmitLocked()
	}

	if p.monitor.IsRunning() {
		p.monitor.Stop()
		p.monitor.Wait()
	}

	if p.devOK && p.promisc && p.restorePromisc {
		if err := p.dev.SetPromiscuous(false); err != nil {
			p.log.WithError(err).Warn("failed to restore promiscuous mode")
		}
	}

	if p.rx.Is(core.StateRunning) {
		if _, err := p.dev.StopRx(); err != nil {
			p.log.WithError(err).Debug("stop rx on close")
		}
		_ = p.rx.Transition(core.StateDone)
	}

	if err := p.dev.Stop(); err != nil {
		p.log.WithError(err).Warn("device stop failed")
	}
	p.ready = false

	p.captureBuf = nil
	p.pcapWriter, p.pcapBuf = nil, nil
	if p.captureFile != nil {
		name := p.captureFile.Name()
		_ = p.captureFile.Close()
		_ = os.Remove(name)
		p.captureFile = nil
	}

	p.log.Info("port closed")
	return nil
}
