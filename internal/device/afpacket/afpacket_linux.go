//go:build linux

// Package afpacket implements the device interface on a Linux interface
// using a TPACKET_V3 ring for receive and packet writes for transmit.
package afpacket

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/afpacket"
	"golang.org/x/sys/unix"

	"firestige.xyz/trafficport/internal/config"
	"firestige.xyz/trafficport/internal/core"
	"firestige.xyz/trafficport/internal/device"
	"firestige.xyz/trafficport/internal/device/txengine"
	"firestige.xyz/trafficport/internal/log"
	"firestige.xyz/trafficport/internal/utils"
)

func init() {
	device.Register(config.BackendAFPacket, func(cfg config.PortConfig) (device.Device, error) {
		return New(cfg), nil
	})
}

// Device drives one interface through AF_PACKET.
type Device struct {
	cfg config.PortConfig
	log log.Logger

	mu     sync.Mutex
	handle *afpacket.TPacket
	cancel context.CancelFunc
	done   chan struct{}

	rxMu  sync.Mutex
	rxBuf []byte
	rxOff int
	rxOn  bool

	// counters since the last ResetStats
	ipackets, ibytes atomic.Uint64
	opackets, obytes atomic.Uint64
	rxNoMbuf         atomic.Uint64
	dropsBase        atomic.Uint64

	tx *txengine.Engine
}

// New returns an unopened device for cfg.Name.
func New(cfg config.PortConfig) *Device {
	d := &Device{
		cfg: cfg,
		log: log.GetLogger().WithField("device", cfg.Name),
	}
	d.tx = txengine.New(d.transmit, d.log)
	return d
}

// Init opens the TPACKET_V3 ring and applies the optional rx filter.
func (d *Device) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle != nil {
		return nil
	}

	ring := d.cfg.AFPacket
	opts := []interface{}{
		afpacket.OptInterface(d.cfg.Name),
		afpacket.OptFrameSize(ring.FrameSize),
		afpacket.OptBlockSize(ring.BlockSize),
		afpacket.OptNumBlocks(ring.NumBlocks),
		afpacket.OptPollTimeout(ring.PollTimeout),
		afpacket.OptTPacketVersion(afpacket.TPacketVersion3),
	}

	handle, err := afpacket.NewTPacket(opts...)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrDeviceInit, d.cfg.Name, err)
	}

	if d.cfg.RxFilter != "" {
		if err := applyBPFFilter(handle, d.cfg.CaptureSnapLen, d.cfg.RxFilter); err != nil {
			handle.Close()
			return fmt.Errorf("%w: %v", core.ErrDeviceInit, err)
		}
		d.log.Debugf("rx filter applied: %s", d.cfg.RxFilter)
	}

	if err := handle.InitSocketStats(); err != nil {
		d.log.WithError(err).Warn("failed to init socket stats")
	}

	d.handle = handle
	d.log.Infof("afpacket ring opened (frame=%d block=%d blocks=%d)", ring.FrameSize, ring.BlockSize, ring.NumBlocks)
	return nil
}

// Start launches the receive loop.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle == nil {
		return fmt.Errorf("%w: %s not initialized", core.ErrDeviceStart, d.cfg.Name)
	}
	if d.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.readLoop(ctx, d.handle, d.done)
	return nil
}

// Stop halts transmit and the receive loop, then closes the ring. The
// handle is only closed after the read loop has returned, since closing
// unmaps the ring the loop reads from.
func (d *Device) Stop() error {
	if d.tx.Running() {
		_ = d.tx.Stop()
	}

	d.mu.Lock()
	cancel, done, handle := d.cancel, d.done, d.handle
	d.cancel, d.done, d.handle = nil, nil, nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if handle != nil {
		handle.Close()
	}
	return nil
}

func (d *Device) readLoop(ctx context.Context, handle *afpacket.TPacket, done chan struct{}) {
	defer close(done)
	d.log.Info("afpacket rx started")

	for {
		select {
		case <-ctx.Done():
			d.log.Info("afpacket rx stopped")
			return
		default:
		}

		data, ci, err := handle.ZeroCopyReadPacketData()
		if err != nil {
			// poll timeout, EINTR and friends
			continue
		}

		d.ipackets.Add(1)
		d.ibytes.Add(uint64(ci.Length))
		d.record(ci.Timestamp, data, ci.Length)
	}
}

func (d *Device) record(ts time.Time, data []byte, origLen int) {
	d.rxMu.Lock()
	defer d.rxMu.Unlock()
	if !d.rxOn {
		return
	}
	off, ok := device.PutRecord(d.rxBuf, d.rxOff, ts, data, origLen)
	if !ok {
		d.rxNoMbuf.Add(1)
		return
	}
	d.rxOff = off
}

func (d *Device) transmit(frame []byte) error {
	d.mu.Lock()
	handle := d.handle
	d.mu.Unlock()
	if handle == nil {
		return core.ErrPortClosed
	}
	if err := handle.WritePacketData(frame); err != nil {
		return err
	}
	d.opackets.Add(1)
	d.obytes.Add(uint64(len(frame)))
	return nil
}

func (d *Device) SetPromiscuous(on bool) error {
	return setIfFlag(d.cfg.Name, unix.IFF_PROMISC, on)
}

func (d *Device) LinkStatus() (device.LinkStatus, error) {
	flags, err := ifFlags(d.cfg.Name)
	if err != nil {
		return device.LinkDown, err
	}
	if flags&unix.IFF_UP != 0 && flags&unix.IFF_RUNNING != 0 {
		return device.LinkUp, nil
	}
	return device.LinkDown, nil
}

func (d *Device) Stats() (device.Stats, error) {
	st := device.Stats{
		IPackets: d.ipackets.Load(),
		IBytes:   d.ibytes.Load(),
		OPackets: d.opackets.Load(),
		OBytes:   d.obytes.Load(),
		RxNoMbuf: d.rxNoMbuf.Load(),
	}

	d.mu.Lock()
	handle := d.handle
	d.mu.Unlock()
	if handle != nil {
		if _, v3, err := handle.SocketStats(); err == nil {
			drops := uint64(v3.Drops())
			if base := d.dropsBase.Load(); drops >= base {
				st.IMissed = drops - base
			}
		}
	}
	return st, nil
}

func (d *Device) ResetStats() error {
	d.ipackets.Store(0)
	d.ibytes.Store(0)
	d.opackets.Store(0)
	d.obytes.Store(0)
	d.rxNoMbuf.Store(0)

	d.mu.Lock()
	handle := d.handle
	d.mu.Unlock()
	if handle != nil {
		if _, v3, err := handle.SocketStats(); err == nil {
			d.dropsBase.Store(uint64(v3.Drops()))
		}
	}
	return nil
}

func (d *Device) AddBurstStream(delayNs uint64, burstSize, numBursts uint32) (uint32, error) {
	return d.tx.AddBurstProgram(time.Duration(delayNs), burstSize, numBursts), nil
}

func (d *Device) AddPacketStream(delayNs uint64, numPackets uint32) (uint32, error) {
	return d.tx.AddPacketProgram(time.Duration(delayNs), numPackets), nil
}

func (d *Device) AddPacket(streamID uint32, frame []byte) error {
	return d.tx.AddFrame(streamID, frame)
}

func (d *Device) ClearPackets() error {
	return d.tx.Clear()
}

func (d *Device) SetMixMode(m device.MixMode) error {
	d.tx.SetMixMode(m)
	return nil
}

func (d *Device) SetLoopMode(on bool) error {
	d.tx.SetLoopMode(on)
	return nil
}

func (d *Device) StartTx() error {
	d.mu.Lock()
	open := d.handle != nil
	d.mu.Unlock()
	if !open {
		return core.ErrPortNotReady
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
	d.rxBuf, d.rxOff, d.rxOn = buf, 0, true
	return nil
}

func (d *Device) StopRx() (uint32, error) {
	d.rxMu.Lock()
	defer d.rxMu.Unlock()
	if !d.rxOn {
		return 0, core.ErrCaptureStopped
	}
	n := d.rxOff
	d.rxBuf, d.rxOff, d.rxOn = nil, 0, false
	return uint32(n), nil
}

// applyBPFFilter compiles expr with libpcap and installs it on the ring.
func applyBPFFilter(handle *afpacket.TPacket, snapLen int, expr string) error {
	rawInsns, err := utils.CompileBpf(expr, snapLen)
	if err != nil {
		return err
	}
	if err := handle.SetBPF(rawInsns); err != nil {
		return fmt.Errorf("failed to set BPF: %w", err)
	}
	return nil
}

func ifFlags(name string) (uint16, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("socket: %w", err)
	}
	defer unix.Close(fd)

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return 0, err
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return 0, fmt.Errorf("SIOCGIFFLAGS %s: %w", name, err)
	}
	return ifr.Uint16(), nil
}

func setIfFlag(name string, flag uint16, on bool) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	defer unix.Close(fd)

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return err
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return fmt.Errorf("SIOCGIFFLAGS %s: %w", name, err)
	}

	flags := ifr.Uint16()
	if on {
		flags |= flag
	} else {
		flags &^= flag
	}
	ifr.SetUint16(flags)

	if err := unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr); err != nil {
		return fmt.Errorf("SIOCSIFFLAGS %s: %w", name, err)
	}
	return nil
}
