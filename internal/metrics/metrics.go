// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"firestige.xyz/trafficport/internal/port"
)

var (
	// SchedulerStreams tracks the outcome of the latest scheduling pass
	SchedulerStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trafficport_scheduler_streams",
			Help: "Streams in the latest scheduling pass by result (registered, skipped, failed)",
		},
		[]string{"port", "result"},
	)

	// SchedulerFramesTotal counts frames uploaded to or rejected by the device
	SchedulerFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trafficport_scheduler_frames_total",
			Help: "Total number of frames handled by the scheduler",
		},
		[]string{"port", "result"},
	)
)

// RecordSchedule publishes a scheduling report for portName.
func RecordSchedule(portName string, rep port.ScheduleReport) {
	SchedulerStreams.WithLabelValues(portName, "registered").Set(float64(rep.Registered))
	SchedulerStreams.WithLabelValues(portName, "skipped").Set(float64(rep.Skipped))
	SchedulerStreams.WithLabelValues(portName, "failed").Set(float64(rep.Failed))
	SchedulerFramesTotal.WithLabelValues(portName, "uploaded").Add(float64(rep.Frames))
	SchedulerFramesTotal.WithLabelValues(portName, "rejected").Add(float64(rep.FramesRejected))
}

// PortSource is what the collector reads from a port.
type PortSource interface {
	Name() string
	Stats() port.PortStats
	IsTransmitOn() bool
	IsCaptureOn() bool
	LinkState() port.LinkState
}

type counterDesc struct {
	desc  *prometheus.Desc
	value func(port.PortStats) uint64
}

// PortCollector exports the latest PortStats sample of a port at scrape
// time, so nothing has to push values into Prometheus.
type PortCollector struct {
	src PortSource

	counters []counterDesc
	gauges   []counterDesc

	transmitOn *prometheus.Desc
	captureOn  *prometheus.Desc
	linkState  *prometheus.Desc
}

var _ prometheus.Collector = (*PortCollector)(nil)

// NewPortCollector returns a collector for src.
func NewPortCollector(src PortSource) *PortCollector {
	labels := []string{"port"}
	newDesc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("trafficport_port_"+name, help, labels, nil)
	}

	return &PortCollector{
		src: src,
		counters: []counterDesc{
			{newDesc("rx_packets_total", "Packets received"), func(s port.PortStats) uint64 { return s.RxPkts }},
			{newDesc("rx_bytes_total", "Bytes received"), func(s port.PortStats) uint64 { return s.RxBytes }},
			{newDesc("tx_packets_total", "Packets transmitted"), func(s port.PortStats) uint64 { return s.TxPkts }},
			{newDesc("tx_bytes_total", "Bytes transmitted"), func(s port.PortStats) uint64 { return s.TxBytes }},
			{newDesc("rx_drops_total", "Packets dropped on receive"), func(s port.PortStats) uint64 { return s.RxDrops }},
			{newDesc("rx_errors_total", "Receive errors"), func(s port.PortStats) uint64 { return s.RxErrors }},
			{newDesc("rx_frame_errors_total", "Bad length or CRC frames"), func(s port.PortStats) uint64 { return s.RxFrameErrors }},
			{newDesc("rx_fifo_errors_total", "Frames lost for lack of receive buffers"), func(s port.PortStats) uint64 { return s.RxFifoErrors }},
		},
		gauges: []counterDesc{
			{newDesc("rx_pps", "Receive rate in packets per second"), func(s port.PortStats) uint64 { return s.RxPps }},
			{newDesc("rx_bps", "Receive rate in bytes per second"), func(s port.PortStats) uint64 { return s.RxBps }},
			{newDesc("tx_pps", "Transmit rate in packets per second"), func(s port.PortStats) uint64 { return s.TxPps }},
			{newDesc("tx_bps", "Transmit rate in bytes per second"), func(s port.PortStats) uint64 { return s.TxBps }},
		},
		transmitOn: newDesc("transmit_on", "1 while transmit is running"),
		captureOn:  newDesc("capture_on", "1 while capture is running"),
		linkState:  newDesc("link_state", "Link state (0=unknown, 1=down, 2=up)"),
	}
}

// Describe implements prometheus.Collector.
func (c *PortCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.counters {
		ch <- d.desc
	}
	for _, d := range c.gauges {
		ch <- d.desc
	}
	ch <- c.transmitOn
	ch <- c.captureOn
	ch <- c.linkState
}

// Collect implements prometheus.Collector.
func (c *PortCollector) Collect(ch chan<- prometheus.Metric) {
	name := c.src.Name()
	stats := c.src.Stats()

	for _, d := range c.counters {
		ch <- prometheus.MustNewConstMetric(d.desc, prometheus.CounterValue, float64(d.value(stats)), name)
	}
	for _, d := range c.gauges {
		ch <- prometheus.MustNewConstMetric(d.desc, prometheus.GaugeValue, float64(d.value(stats)), name)
	}
	ch <- prometheus.MustNewConstMetric(c.transmitOn, prometheus.GaugeValue, boolValue(c.src.IsTransmitOn()), name)
	ch <- prometheus.MustNewConstMetric(c.captureOn, prometheus.GaugeValue, boolValue(c.src.IsCaptureOn()), name)
	ch <- prometheus.MustNewConstMetric(c.linkState, prometheus.GaugeValue, float64(c.src.LinkState()), name)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
