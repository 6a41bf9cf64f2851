// Package sim is an in-memory loopback device. Every transmitted frame is
// counted on the tx side and received back on the rx side, which makes the
// full port engine runnable without a NIC.
package sim

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/trafficport/internal/config"
	"firestige.xyz/trafficport/internal/core"
	"firestige.xyz/trafficport/internal/device"
	"firestige.xyz/trafficport/internal/device/txengine"
	"firestige.xyz/trafficport/internal/log"
)

func init() {
	device.Register(config.BackendSim, func(cfg config.PortConfig) (device.Device, error) {
		return New(cfg.Name), nil
	})
}

var errNotStarted = errors.New("sim: device not started")

// Faults injects failures into individual device calls.
type Faults struct {
	Init       error
	Start      error
	LinkStatus error
	Stats      error
	// AddStream, when set, is consulted for every program registration with
	// the id the program would get.
	AddStream func(id uint32) error
}

// Device is the loopback backend.
type Device struct {
	name string
	log  log.Logger
	now  func() time.Time

	mu      sync.Mutex
	faults  Faults
	started bool
	promisc bool
	nextID  uint32 // ids handed out since the last ClearPackets
	idMap   map[uint32]uint32

	rxMu  sync.Mutex
	rxBuf []byte
	rxOff int
	rxOn  bool

	ipackets, ibytes atomic.Uint64
	opackets, obytes atomic.Uint64
	rxNoMbuf         atomic.Uint64

	tx *txengine.Engine
}

// New returns a loopback device named name.
func New(name string) *Device {
	d := &Device{
		name:  name,
		log:   log.GetLogger().WithField("device", name),
		now:   time.Now,
		idMap: make(map[uint32]uint32),
	}
	d.tx = txengine.New(d.transmit, d.log)
	return d
}

// SetFaults replaces the fault set.
func (d *Device) SetFaults(f Faults) {
	d.mu.Lock()
	d.faults = f
	d.mu.Unlock()
}

// SetClock overrides the capture timestamp source.
func (d *Device) SetClock(now func() time.Time) {
	d.mu.Lock()
	d.now = now
	d.mu.Unlock()
}

// Engine exposes the transmit engine for inspection.
func (d *Device) Engine() *txengine.Engine {
	return d.tx
}

func (d *Device) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.faults.Init != nil {
		return fmt.Errorf("%w: %v", core.ErrDeviceInit, d.faults.Init)
	}
	return nil
}

func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.faults.Start != nil {
		return fmt.Errorf("%w: %v", core.ErrDeviceStart, d.faults.Start)
	}
	d.started = true
	return nil
}

func (d *Device) Stop() error {
	if d.tx.Running() {
		_ = d.tx.Stop()
	}
	d.mu.Lock()
	d.started = false
	d.mu.Unlock()
	return nil
}

func (d *Device) SetPromiscuous(on bool) error {
	d.mu.Lock()
	d.promisc = on
	d.mu.Unlock()
	return nil
}

// Promiscuous reports the promiscuous flag.
func (d *Device) Promiscuous() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.promisc
}

func (d *Device) LinkStatus() (device.LinkStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.faults.LinkStatus != nil {
		return device.LinkDown, d.faults.LinkStatus
	}
	if !d.started {
		return device.LinkDown, nil
	}
	return device.LinkUp, nil
}

func (d *Device) Stats() (device.Stats, error) {
	d.mu.Lock()
	fault := d.faults.Stats
	d.mu.Unlock()
	if fault != nil {
		return device.Stats{}, fault
	}
	return device.Stats{
		IPackets: d.ipackets.Load(),
		IBytes:   d.ibytes.Load(),
		OPackets: d.opackets.Load(),
		OBytes:   d.obytes.Load(),
		RxNoMbuf: d.rxNoMbuf.Load(),
	}, nil
}

func (d *Device) ResetStats() error {
	d.ipackets.Store(0)
	d.ibytes.Store(0)
	d.opackets.Store(0)
	d.obytes.Store(0)
	d.rxNoMbuf.Store(0)
	return nil
}

func (d *Device) AddBurstStream(delayNs uint64, burstSize, numBursts uint32) (uint32, error) {
	if err := d.checkAddStream(); err != nil {
		return 0, err
	}
	return d.register(d.tx.AddBurstProgram(time.Duration(delayNs), burstSize, numBursts)), nil
}

func (d *Device) AddPacketStream(delayNs uint64, numPackets uint32) (uint32, error) {
	if err := d.checkAddStream(); err != nil {
		return 0, err
	}
	return d.register(d.tx.AddPacketProgram(time.Duration(delayNs), numPackets)), nil
}

// checkAddStream consumes an id when the registration is refused, as a
// driver would, so ids visible to callers stay in registration-attempt order.
func (d *Device) checkAddStream() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.faults.AddStream == nil {
		return nil
	}
	if err := d.faults.AddStream(d.nextID); err != nil {
		d.nextID++
		return fmt.Errorf("%w: %v", core.ErrStreamRegister, err)
	}
	return nil
}

func (d *Device) register(engineID uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.idMap[id] = engineID
	return id
}

func (d *Device) AddPacket(streamID uint32, frame []byte) error {
	d.mu.Lock()
	engineID, ok := d.idMap[streamID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", core.ErrUnknownStream, streamID)
	}
	return d.tx.AddFrame(engineID, frame)
}

func (d *Device) ClearPackets() error {
	if err := d.tx.Clear(); err != nil {
		return err
	}
	d.mu.Lock()
	d.nextID = 0
	d.idMap = make(map[uint32]uint32)
	d.mu.Unlock()
	return nil
}

func (d *Device) SetMixMode(mode device.MixMode) error {
	d.tx.SetMixMode(mode)
	return nil
}

func (d *Device) SetLoopMode(on bool) error {
	d.tx.SetLoopMode(on)
	return nil
}

func (d *Device) StartTx() error {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		return errNotStarted
	}
	return d.tx.Start()
}

func (d *Device) StopTx() error {
	return d.tx.Stop()
}

func (d *Device) StartRx(buf []byte) error {
	d.rxMu.Lock()
	defer d.rxMu.Unlock()
	if d.rxOn {
		return core.ErrCaptureRunning
	}
	d.rxBuf = buf
	d.rxOff = 0
	d.rxOn = true
	return nil
}

func (d *Device) StopRx() (uint32, error) {
	d.rxMu.Lock()
	defer d.rxMu.Unlock()
	if !d.rxOn {
		return 0, core.ErrCaptureStopped
	}
	n := d.rxOff
	d.rxOn = false
	d.rxBuf = nil
	d.rxOff = 0
	return uint32(n), nil
}

// Inject simulates a frame arriving on the wire.
func (d *Device) Inject(frame []byte) {
	d.receive(frame)
}

func (d *Device) transmit(frame []byte) error {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		return errNotStarted
	}
	d.opackets.Add(1)
	d.obytes.Add(uint64(len(frame)))
	d.receive(frame)
	return nil
}

func (d *Device) receive(frame []byte) {
	d.ipackets.Add(1)
	d.ibytes.Add(uint64(len(frame)))

	d.mu.Lock()
	now := d.now
	d.mu.Unlock()

	d.rxMu.Lock()
	defer d.rxMu.Unlock()
	if !d.rxOn {
		return
	}
	off, ok := device.PutRecord(d.rxBuf, d.rxOff, now(), frame, len(frame))
	if !ok {
		d.rxNoMbuf.Add(1)
		return
	}
	d.rxOff = off
}
