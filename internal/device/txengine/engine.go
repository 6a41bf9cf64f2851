// Package txengine executes transmit programs for software device backends.
//
// A program sends a fixed number of packets or bursts, paced by a
// rate.Limiter derived from its delay. Programs run one after another or all
// at once depending on the mix mode, and the whole set repeats while loop
// mode is on.
package txengine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"firestige.xyz/trafficport/internal/core"
	"firestige.xyz/trafficport/internal/device"
	"firestige.xyz/trafficport/internal/log"
)

// Kind is the send unit of a program.
type Kind int

const (
	KindPacket Kind = iota
	KindBurst
)

func (k Kind) String() string {
	if k == KindBurst {
		return "burst"
	}
	return "packet"
}

// Program is one registered transmit program.
type Program struct {
	ID        uint32
	Kind      Kind
	Delay     time.Duration
	BurstSize uint32 // frames per burst, burst programs only
	Count     uint32 // packets or bursts
	Frames    [][]byte
}

// SendFunc puts one frame on the wire.
type SendFunc func(frame []byte) error

// Engine owns the program table and the transmit goroutines.
type Engine struct {
	send SendFunc
	log  log.Logger

	mu       sync.Mutex
	programs []*Program
	mix      device.MixMode
	loop     bool
	cancel   context.CancelFunc
	done     chan struct{}

	running atomic.Bool
	sent    atomic.Uint64
	failed  atomic.Uint64
}

// New returns an engine that transmits through send.
func New(send SendFunc, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.GetLogger()
	}
	return &Engine{send: send, log: logger}
}

// AddPacketProgram registers a packet program and returns its id.
func (e *Engine) AddPacketProgram(delay time.Duration, count uint32) uint32 {
	return e.add(&Program{Kind: KindPacket, Delay: delay, Count: count})
}

// AddBurstProgram registers a burst program and returns its id.
func (e *Engine) AddBurstProgram(delay time.Duration, burstSize, count uint32) uint32 {
	return e.add(&Program{Kind: KindBurst, Delay: delay, BurstSize: burstSize, Count: count})
}

func (e *Engine) add(p *Program) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	p.ID = uint32(len(e.programs))
	e.programs = append(e.programs, p)
	return p.ID
}

// AddFrame appends a copy of frame to program id.
func (e *Engine) AddFrame(id uint32, frame []byte) error {
	if len(frame) > device.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes (max %d)", core.ErrFrameTooLarge, len(frame), device.MaxFrameSize)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if int(id) >= len(e.programs) {
		return fmt.Errorf("%w: %d", core.ErrUnknownStream, id)
	}
	p := e.programs[id]
	p.Frames = append(p.Frames, append([]byte(nil), frame...))
	return nil
}

// Clear drops all programs and turns loop mode off. It is refused while
// transmitting.
func (e *Engine) Clear() error {
	if e.running.Load() {
		return core.ErrTransmitRunning
	}
	e.mu.Lock()
	e.programs = nil
	e.loop = false
	e.mu.Unlock()
	return nil
}

func (e *Engine) SetMixMode(m device.MixMode) {
	e.mu.Lock()
	e.mix = m
	e.mu.Unlock()
}

func (e *Engine) SetLoopMode(on bool) {
	e.mu.Lock()
	e.loop = on
	e.mu.Unlock()
}

func (e *Engine) LoopMode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loop
}

func (e *Engine) MixMode() device.MixMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mix
}

// Programs returns a copy of the program table.
func (e *Engine) Programs() []Program {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Program, len(e.programs))
	for i, p := range e.programs {
		out[i] = *p
		out[i].Frames = append([][]byte(nil), p.Frames...)
	}
	return out
}

// Running reports whether programs are being transmitted.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Sent returns the number of frames handed to the send function successfully.
func (e *Engine) Sent() uint64 {
	return e.sent.Load()
}

// Failed returns the number of frames the send function rejected.
func (e *Engine) Failed() uint64 {
	return e.failed.Load()
}

// Start launches transmission of the current program table. The table is
// snapshotted, so later registrations do not affect a running transmit.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running.CompareAndSwap(false, true) {
		return core.ErrTransmitRunning
	}

	programs := make([]Program, 0, len(e.programs))
	for _, p := range e.programs {
		if len(p.Frames) == 0 || p.Count == 0 {
			e.log.Debugf("tx program %d has nothing to send, skipped", p.ID)
			continue
		}
		programs = append(programs, *p)
	}

	if e.cancel != nil {
		e.cancel() // previous transmit already finished on its own
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})

	go e.run(ctx, programs, e.mix, e.loop, e.done)
	return nil
}

// Stop halts transmission and waits for the transmit goroutines to exit.
func (e *Engine) Stop() error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	if cancel == nil {
		return core.ErrTransmitStopped
	}
	cancel()
	<-done

	e.mu.Lock()
	if e.done == done {
		e.cancel = nil
		e.done = nil
	}
	e.mu.Unlock()
	return nil
}

// Wait blocks until a transmit finishes on its own or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run(ctx context.Context, programs []Program, mix device.MixMode, loop bool, done chan struct{}) {
	defer close(done)
	defer e.running.Store(false)

	if len(programs) == 0 {
		return
	}

	for pass := 0; ; pass++ {
		switch mix {
		case device.MixInterleaved:
			var wg sync.WaitGroup
			for i := range programs {
				wg.Add(1)
				go func(p *Program) {
					defer wg.Done()
					e.runProgram(ctx, p)
				}(&programs[i])
			}
			wg.Wait()
		default:
			for i := range programs {
				if ctx.Err() != nil {
					break
				}
				e.runProgram(ctx, &programs[i])
			}
		}

		if !loop || ctx.Err() != nil {
			e.log.Debugf("tx finished after %d pass(es), sent=%d failed=%d", pass+1, e.sent.Load(), e.failed.Load())
			return
		}
	}
}

func (e *Engine) runProgram(ctx context.Context, p *Program) {
	var limiter *rate.Limiter
	if p.Delay > 0 {
		limiter = rate.NewLimiter(rate.Every(p.Delay), 1)
	}

	perUnit := uint32(1)
	if p.Kind == KindBurst {
		perUnit = p.BurstSize
	}

	next := 0
	for unit := uint32(0); unit < p.Count; unit++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		} else if ctx.Err() != nil {
			return
		}

		for i := uint32(0); i < perUnit; i++ {
			if err := e.send(p.Frames[next]); err != nil {
				e.failed.Add(1)
			} else {
				e.sent.Add(1)
			}
			next = (next + 1) % len(p.Frames)
		}
	}
}
