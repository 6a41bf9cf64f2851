package port

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/trafficport/internal/core"
	"firestige.xyz/trafficport/internal/device"
	"firestige.xyz/trafficport/internal/log"
)

// DefaultStatsInterval is the sampling cadence of the stats monitor.
const DefaultStatsInterval = time.Second

// StatsSource is the part of a device the monitor samples.
type StatsSource interface {
	Stats() (device.Stats, error)
}

// rateSampler turns absolute counter snapshots into PortStats with rates.
type rateSampler struct {
	prev   device.Stats
	prevAt time.Time
	primed bool
}

func (s *rateSampler) next(ds device.Stats, at time.Time) PortStats {
	ps := statsFromDevice(ds)
	ps.SampledAt = at

	if s.primed {
		us := at.Sub(s.prevAt).Microseconds()
		ps.RxPps = perSecond(ds.IPackets, s.prev.IPackets, us)
		ps.RxBps = perSecond(ds.IBytes, s.prev.IBytes, us)
		ps.TxPps = perSecond(ds.OPackets, s.prev.OPackets, us)
		ps.TxBps = perSecond(ds.OBytes, s.prev.OBytes, us)
	}

	s.prev, s.prevAt, s.primed = ds, at, true
	return ps
}

// StatsMonitor samples device counters in a background goroutine and
// publishes them to a StatsRecord.
type StatsMonitor struct {
	src      StatsSource
	interval time.Duration
	now      func() time.Time
	log      log.Logger

	fsm       *core.Machine
	setupDone atomic.Bool

	mu     sync.Mutex
	stats  *StatsRecord
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStatsMonitor returns a monitor for src. interval <= 0 selects
// DefaultStatsInterval.
func NewStatsMonitor(src StatsSource, interval time.Duration, logger log.Logger) *StatsMonitor {
	if interval <= 0 {
		interval = DefaultStatsInterval
	}
	if logger == nil {
		logger = log.GetLogger()
	}
	return &StatsMonitor{
		src:      src,
		interval: interval,
		now:      time.Now,
		log:      logger,
		fsm:      core.NewMonitorMachine(),
	}
}

// SetStatsRecord attaches the record the monitor publishes to. It must be
// called before Start; a monitor started without one exits immediately.
func (m *StatsMonitor) SetStatsRecord(r *StatsRecord) {
	m.mu.Lock()
	m.stats = r
	m.mu.Unlock()
}

// State returns the monitor lifecycle state.
func (m *StatsMonitor) State() core.State {
	return m.fsm.Current()
}

// IsRunning reports whether the sampling goroutine is alive.
func (m *StatsMonitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// Start launches the sampling goroutine. Starting a running monitor is a
// no-op; a finished monitor starts a new cycle.
func (m *StatsMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.done != nil {
		select {
		case <-m.done:
		default:
			return
		}
	}

	if m.fsm.Is(core.StateDone) {
		_ = m.fsm.Transition(core.StateSuspended)
	}
	m.setupDone.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(runCtx, m.stats, m.done)
}

// Stop asks the sampling goroutine to exit. It does not wait; call Wait.
func (m *StatsMonitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the sampling goroutine has exited.
func (m *StatsMonitor) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// WaitForSetupFinished blocks until the first sample has been published or
// timeout elapses. It returns false on timeout and leaves the monitor running.
func (m *StatsMonitor) WaitForSetupFinished(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for !m.setupDone.Load() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return true
}

func (m *StatsMonitor) run(ctx context.Context, stats *StatsRecord, done chan struct{}) {
	defer close(done)

	if stats == nil {
		m.log.Warn("stats monitor started without a stats record, exiting")
		_ = m.fsm.Transition(core.StateDone)
		return
	}
	if err := m.fsm.Transition(core.StateRunning); err != nil {
		m.log.WithError(err).Warn("stats monitor cannot run")
		return
	}
	m.log.Debugf("stats monitor running, interval %s", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	var sampler rateSampler
	for {
		if ds, err := m.src.Stats(); err != nil {
			m.log.WithError(err).Debug("device stats unavailable")
		} else {
			stats.store(sampler.next(ds, m.now()))
		}
		m.setupDone.Store(true)

		select {
		case <-ctx.Done():
			_ = m.fsm.Transition(core.StateDone)
			m.log.Debug("stats monitor done")
			return
		case <-ticker.C:
		}
	}
}
