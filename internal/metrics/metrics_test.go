package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/trafficport/internal/port"
)

type staticPort struct {
	stats    port.PortStats
	txOn     bool
	captured bool
	link     port.LinkState
}

func (s *staticPort) Name() string              { return "eth9" }
func (s *staticPort) Stats() port.PortStats     { return s.stats }
func (s *staticPort) IsTransmitOn() bool        { return s.txOn }
func (s *staticPort) IsCaptureOn() bool         { return s.captured }
func (s *staticPort) LinkState() port.LinkState { return s.link }

func TestPortCollector(t *testing.T) {
	src := &staticPort{
		stats: port.PortStats{RxPkts: 10, TxPkts: 20, TxPps: 1000, RxFrameErrors: 2},
		txOn:  true,
		link:  port.LinkStateUp,
	}
	c := NewPortCollector(src)

	assert.Equal(t, 15, testutil.CollectAndCount(c))

	expected := `
# HELP trafficport_port_tx_packets_total Packets transmitted
# TYPE trafficport_port_tx_packets_total counter
trafficport_port_tx_packets_total{port="eth9"} 20
# HELP trafficport_port_tx_pps Transmit rate in packets per second
# TYPE trafficport_port_tx_pps gauge
trafficport_port_tx_pps{port="eth9"} 1000
# HELP trafficport_port_transmit_on 1 while transmit is running
# TYPE trafficport_port_transmit_on gauge
trafficport_port_transmit_on{port="eth9"} 1
# HELP trafficport_port_capture_on 1 while capture is running
# TYPE trafficport_port_capture_on gauge
trafficport_port_capture_on{port="eth9"} 0
# HELP trafficport_port_link_state Link state (0=unknown, 1=down, 2=up)
# TYPE trafficport_port_link_state gauge
trafficport_port_link_state{port="eth9"} 2
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"trafficport_port_tx_packets_total",
		"trafficport_port_tx_pps",
		"trafficport_port_transmit_on",
		"trafficport_port_capture_on",
		"trafficport_port_link_state",
	)
	assert.NoError(t, err)

	src.stats.TxPkts = 25
	src.txOn = false
	err = testutil.CollectAndCompare(c, strings.NewReader(`
# HELP trafficport_port_tx_packets_total Packets transmitted
# TYPE trafficport_port_tx_packets_total counter
trafficport_port_tx_packets_total{port="eth9"} 25
`), "trafficport_port_tx_packets_total")
	assert.NoError(t, err)
}

func TestRecordSchedule(t *testing.T) {
	RecordSchedule("eth8", port.ScheduleReport{Registered: 3, Skipped: 1, Failed: 2, Frames: 7, FramesRejected: 1})

	assert.Equal(t, 3.0, testutil.ToFloat64(SchedulerStreams.WithLabelValues("eth8", "registered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(SchedulerStreams.WithLabelValues("eth8", "skipped")))
	assert.Equal(t, 2.0, testutil.ToFloat64(SchedulerStreams.WithLabelValues("eth8", "failed")))
	assert.Equal(t, 7.0, testutil.ToFloat64(SchedulerFramesTotal.WithLabelValues("eth8", "uploaded")))

	RecordSchedule("eth8", port.ScheduleReport{Registered: 1})
	assert.Equal(t, 1.0, testutil.ToFloat64(SchedulerStreams.WithLabelValues("eth8", "registered")))
	assert.Equal(t, 7.0, testutil.ToFloat64(SchedulerFramesTotal.WithLabelValues("eth8", "uploaded")))
}

func TestServerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewPortCollector(&staticPort{link: port.LinkStateDown}))

	s := NewServer("127.0.0.1:0", "", reg)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `trafficport_port_link_state{port="eth9"} 1`)
}

func TestServerStopWithoutStart(t *testing.T) {
	assert.NoError(t, NewServer(":0", "/m", nil).Stop(context.Background()))
}
