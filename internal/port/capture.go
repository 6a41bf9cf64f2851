package port

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/trafficport/internal/core"
	"firestige.xyz/trafficport/internal/device"
)

// StartCapture opens a fresh capture file and lends the capture buffer to
// the device. Starting while running is a logged no-op returning
// ErrCaptureRunning; a port whose device did not start returns
// ErrPortNotReady.
func (p *Port) StartCapture() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return core.ErrPortClosed
	}
	if !p.ready {
		p.log.Warn("capture requested on a port that is not ready")
		return core.ErrPortNotReady
	}
	if p.rx.Is(core.StateRunning) {
		p.log.Warn("receiver already started")
		return core.ErrCaptureRunning
	}
	if err := p.rx.Transition(core.StateSuspended); err != nil {
		return err
	}
	if p.captureFile == nil {
		return fmt.Errorf("%w: no capture file", core.ErrPortNotReady)
	}

	if err := p.openPcapWriter(); err != nil {
		return fmt.Errorf("open capture file: %w", err)
	}

	if p.captureBuf != nil {
		if err := p.dev.StartRx(p.captureBuf); err != nil {
			p.log.WithError(err).Warn("device refused to start rx")
		}
	}

	p.log.Debugf("capture started, buffer %d bytes", len(p.captureBuf))
	return p.rx.Transition(core.StateRunning)
}

func (p *Port) openPcapWriter() error {
	if err := p.captureFile.Truncate(0); err != nil {
		return err
	}
	if _, err := p.captureFile.Seek(0, io.SeekStart); err != nil {
		return err
	}

	p.pcapBuf = bufio.NewWriter(p.captureFile)
	p.pcapWriter = pcapgo.NewWriterNanos(p.pcapBuf)
	return p.pcapWriter.WriteFileHeader(uint32(p.snapLen), layers.LinkTypeEthernet)
}

// StopCapture ends the capture window and decodes the raw buffer into the
// capture file, in arrival order. It returns the number of records written.
// A corrupt record stops decoding with ErrCaptureTruncated; records before
// it are kept. Stopping while not running is a logged no-op returning
// ErrCaptureStopped.
func (p *Port) StopCapture() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.rx.Is(core.StateRunning) {
		p.log.Warn("receiver already stopped")
		return 0, core.ErrCaptureStopped
	}

	var total uint32
	if p.captureBuf != nil {
		n, err := p.dev.StopRx()
		if err != nil {
			p.log.WithError(err).Warn("device stop rx reported an error")
		}
		total = n
	}

	records, walkErr := device.WalkRecords(p.captureBuf, int(total), func(h device.RecordHeader, frame []byte) error {
		ci := gopacket.CaptureInfo{
			Timestamp: h.Timestamp,
			Length:    max(int(h.OrigLen), len(frame)),
		}
		// records never exceed the snaplen declared in the file header
		if len(frame) > p.snapLen {
			frame = frame[:p.snapLen]
		}
		ci.CaptureLength = len(frame)
		return p.pcapWriter.WritePacket(ci, frame)
	})
	if walkErr != nil {
		p.log.WithError(walkErr).Warnf("capture decode stopped after %d records", records)
	}

	flushErr := p.pcapBuf.Flush()
	if err := p.rx.Transition(core.StateDone); err != nil {
		return records, err
	}

	p.log.Debugf("capture stopped, %d bytes, %d records", total, records)
	return records, errors.Join(walkErr, flushErr)
}

// CaptureData returns a reader over the capture file of the last capture.
func (p *Port) CaptureData() (*io.SectionReader, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.captureFile == nil {
		return nil, fmt.Errorf("%w: no capture file", core.ErrPortNotReady)
	}
	fi, err := p.captureFile.Stat()
	if err != nil {
		return nil, err
	}
	return io.NewSectionReader(p.captureFile, 0, fi.Size()), nil
}

// IsCaptureOn reports whether capture state is Running.
func (p *Port) IsCaptureOn() bool {
	return p.rx.Is(core.StateRunning)
}
