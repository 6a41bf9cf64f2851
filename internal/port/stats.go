package port

import (
	"sync/atomic"
	"time"

	"firestige.xyz/trafficport/internal/device"
)

// PortStats is one published statistics sample. Values are absolute device
// counters plus rates derived from the previous sample.
type PortStats struct {
	RxPkts        uint64
	RxBytes       uint64
	RxDrops       uint64
	RxErrors      uint64
	RxFrameErrors uint64
	RxFifoErrors  uint64
	TxPkts        uint64
	TxBytes       uint64

	RxPps uint64
	RxBps uint64
	TxPps uint64
	TxBps uint64

	SampledAt time.Time
}

// statsFromDevice copies the absolute counters of a device snapshot.
func statsFromDevice(ds device.Stats) PortStats {
	return PortStats{
		RxPkts:        ds.IPackets,
		RxBytes:       ds.IBytes,
		RxDrops:       ds.IMissed,
		RxErrors:      ds.IErrors,
		RxFrameErrors: ds.IBadLen + ds.IBadCRC,
		RxFifoErrors:  ds.RxNoMbuf,
		TxPkts:        ds.OPackets,
		TxBytes:       ds.OBytes,
	}
}

// perSecond returns 1e6*(cur-prev)/elapsedMicros. A counter that went
// backwards (stats reset) or a zero interval yields 0.
func perSecond(cur, prev uint64, elapsedMicros int64) uint64 {
	if cur < prev || elapsedMicros <= 0 {
		return 0
	}
	return uint64(1e6 * float64(cur-prev) / float64(elapsedMicros))
}

// StatsRecord publishes PortStats to any number of readers. The monitor is
// the single writer; readers always see a complete sample.
type StatsRecord struct {
	v atomic.Pointer[PortStats]
}

// NewStatsRecord returns a record holding a zero sample.
func NewStatsRecord() *StatsRecord {
	r := &StatsRecord{}
	r.v.Store(&PortStats{})
	return r
}

// Load returns the latest sample.
func (r *StatsRecord) Load() PortStats {
	return *r.v.Load()
}

func (r *StatsRecord) store(s PortStats) {
	r.v.Store(&s)
}
