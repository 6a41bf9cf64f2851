package port

import (
	"errors"
	"fmt"
	"sort"

	"firestige.xyz/trafficport/internal/core"
	"firestige.xyz/trafficport/internal/device"
)

// SendUnit is what a stream's rate and count refer to.
type SendUnit int

const (
	SendUnitPackets SendUnit = iota
	SendUnitBursts
)

func (u SendUnit) String() string {
	if u == SendUnitBursts {
		return "bursts"
	}
	return "packets"
}

// NextAction is what happens after a stream has sent its count.
type NextAction int

const (
	NextActionStop NextAction = iota
	NextActionGotoID
	NextActionGotoNext
)

func (a NextAction) String() string {
	switch a {
	case NextActionGotoID:
		return "goto_id"
	case NextActionGotoNext:
		return "goto_next"
	}
	return "stop"
}

// Stream is a transmission pattern configured outside the port. The port
// only reads it.
type Stream interface {
	Ordinal() int
	Enabled() bool
	SendUnit() SendUnit
	BurstSize() uint32
	BurstRate() float64
	NumBursts() uint32
	NumPackets() uint32
	PacketRate() float64
	NextAction() NextAction
	FrameVariableCount() int
	// FrameValue returns the wire bytes of variable frame index.
	FrameValue(index int) ([]byte, error)
}

// ScheduleReport summarizes one UpdatePacketList pass.
type ScheduleReport struct {
	Registered     int // programs created on the device
	Skipped        int // disabled streams
	Failed         int // streams whose program registration failed
	Frames         int // frames uploaded
	FramesRejected int
	LoopMode       bool
	// Err joins every per-stream and per-frame failure of the pass.
	Err error
}

// delayNanos converts a per-second rate to the device delay, truncated.
func delayNanos(rate float64) uint64 {
	return uint64(1e9 / rate)
}

// UpdatePacketList replaces the device transmit programs with the current
// stream list. Streams are sorted by ordinal first, which fixes both transmit
// order and the ids the device assigns. A stream whose registration fails is
// skipped and the pass continues.
func (p *Port) UpdatePacketList() (ScheduleReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var rep ScheduleReport
	if p.closed {
		return rep, core.ErrPortClosed
	}

	sort.SliceStable(p.streams, func(i, j int) bool {
		return p.streams[i].Ordinal() < p.streams[j].Ordinal()
	})

	if err := p.dev.ClearPackets(); err != nil {
		return rep, fmt.Errorf("clear device programs: %w", err)
	}
	if err := p.dev.SetMixMode(p.mixMode); err != nil {
		return rep, fmt.Errorf("set mix mode %s: %w", p.mixMode, err)
	}
	p.log.Debugf("scheduling %d streams, mix mode %s", len(p.streams), p.mixMode)

	var errs []error
	for i, s := range p.streams {
		if !s.Enabled() {
			rep.Skipped++
			continue
		}

		id, err := p.registerStream(s)
		if err != nil {
			rep.Failed++
			errs = append(errs, fmt.Errorf("stream %d (ordinal %d): %w", i, s.Ordinal(), err))
			p.log.WithError(err).Warnf("stream %d not scheduled", i)
			continue
		}
		rep.Registered++

		for n := 0; n < s.FrameVariableCount(); n++ {
			if err := p.uploadFrame(s, id, n); err != nil {
				rep.FramesRejected++
				errs = append(errs, fmt.Errorf("stream %d frame %d: %w", i, n, err))
				p.log.WithError(err).Warnf("stream %d frame %d dropped", i, n)
				continue
			}
			rep.Frames++
		}

		if s.NextAction() == NextActionGotoID {
			if rep.LoopMode {
				p.log.Warnf("stream %d also requests loop mode, already enabled", i)
				continue
			}
			if err := p.dev.SetLoopMode(true); err != nil {
				errs = append(errs, fmt.Errorf("stream %d loop mode: %w", i, err))
				continue
			}
			rep.LoopMode = true
		}
	}

	rep.Err = errors.Join(errs...)
	p.lastReport = rep
	p.log.Infof("scheduled streams: registered=%d skipped=%d failed=%d frames=%d loop=%t",
		rep.Registered, rep.Skipped, rep.Failed, rep.Frames, rep.LoopMode)
	if p.onSchedule != nil {
		p.onSchedule(rep)
	}
	return rep, nil
}

func (p *Port) registerStream(s Stream) (uint32, error) {
	switch s.SendUnit() {
	case SendUnitBursts:
		delay := delayNanos(s.BurstRate())
		p.log.Debugf("burst program: size=%d rate=%g count=%d delay=%dns",
			s.BurstSize(), s.BurstRate(), s.NumBursts(), delay)
		return p.dev.AddBurstStream(delay, s.BurstSize(), s.NumBursts())
	case SendUnitPackets:
		delay := delayNanos(s.PacketRate())
		p.log.Debugf("packet program: rate=%g count=%d delay=%dns",
			s.PacketRate(), s.NumPackets(), delay)
		return p.dev.AddPacketStream(delay, s.NumPackets())
	}
	return 0, fmt.Errorf("%w: unknown send unit %d", core.ErrStreamRegister, s.SendUnit())
}

func (p *Port) uploadFrame(s Stream, id uint32, index int) error {
	frame, err := s.FrameValue(index)
	if err != nil {
		return err
	}
	if len(frame) > device.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", core.ErrFrameTooLarge, len(frame))
	}
	return p.dev.AddPacket(id, frame)
}
