package daemon

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/trafficport/internal/core"
)

const testStreams = `
streams:
  - name: udp
    ordinal: 1
    send_unit: packets
    packet_rate: 1000
    num_packets: 10
    next_action: stop
    frames:
      - "ffffffffffff0011223344550800450000140001000040110000c0a80001c0a80002"
`

func writeTestConfig(t *testing.T, metricsEnabled bool) string {
	t.Helper()
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "streams.yaml"), []byte(testStreams), 0644))

	metrics := "false"
	if metricsEnabled {
		metrics = "true"
	}
	cfg := `
trafficport:
  log:
    level: warn
  metrics:
    enabled: ` + metrics + `
    listen: 127.0.0.1:0
  streams_file: streams.yaml
  port:
    id: 0
    name: sim0
    backend: sim
    capture_buffer_size: 1048576
    capture_dir: ` + dir + `
    stats_interval: 20ms
    setup_timeout: 1s
`
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))
	return path
}

func TestDaemonRunWithCapture(t *testing.T) {
	configPath := writeTestConfig(t, false)
	out := filepath.Join(t.TempDir(), "rx.pcap")
	pidFile := filepath.Join(t.TempDir(), "trafficport.pid")

	d, err := New(configPath, Options{
		PIDFile:    pidFile,
		Duration:   300 * time.Millisecond,
		CaptureOut: out,
	})
	require.NoError(t, err)
	require.NoError(t, d.Start())

	_, err = os.Stat(pidFile)
	require.NoError(t, err, "PID file should exist while running")

	p := d.Port()
	assert.True(t, p.IsTransmitOn())
	assert.True(t, p.IsCaptureOn())
	assert.Equal(t, 1, p.LastScheduleReport().Registered)

	require.NoError(t, d.Run())

	assert.Equal(t, core.StateIdle, p.TransmitState())
	assert.Equal(t, core.StateDone, p.CaptureState())
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err), "PID file should be removed")

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeEthernet, r.LinkType())

	n := 0
	for {
		data, _, err := r.ReadPacketData()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Len(t, data, 34)
		n++
	}
	assert.Equal(t, 10, n)

	// second stop is a no-op
	assert.NoError(t, d.Stop())
}

func TestDaemonShutdownAndMetrics(t *testing.T) {
	d, err := New(writeTestConfig(t, true), Options{NoTransmit: true})
	require.NoError(t, err)
	require.NoError(t, d.Start())

	assert.False(t, d.Port().IsTransmitOn())
	require.NotEmpty(t, d.MetricsAddr())

	resp, err := http.Get("http://" + d.MetricsAddr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `trafficport_port_link_state{port="sim0"} 2`)
	assert.Contains(t, string(body), `trafficport_scheduler_streams{port="sim0",result="registered"} 1`)

	done := make(chan error, 1)
	go func() { done <- d.Run() }()

	d.Shutdown()
	d.Shutdown()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
	assert.Empty(t, d.MetricsAddr())
}

func TestDaemonReload(t *testing.T) {
	d, err := New(writeTestConfig(t, false), Options{})
	require.NoError(t, err)
	require.NoError(t, d.Start())
	defer d.Stop()

	require.NoError(t, d.Reload())
	assert.True(t, d.Port().IsTransmitOn())
	assert.Equal(t, 1, d.Port().LastScheduleReport().Registered)
}

func TestDaemonReloadBeforeStart(t *testing.T) {
	d, err := New(writeTestConfig(t, false), Options{})
	require.NoError(t, err)
	assert.ErrorIs(t, d.Reload(), core.ErrPortNotReady)
}

func TestNewInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("trafficport:\n  port:\n    backend: sim\n"), 0644))

	_, err := New(path, Options{})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestStartMissingStreamsFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "trafficport.pid")
	d, err := New(writeTestConfig(t, false), Options{
		PIDFile:     pidFile,
		StreamsFile: filepath.Join(t.TempDir(), "missing.yaml"),
	})
	require.NoError(t, err)
	assert.Error(t, d.Start())

	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err), "PID file should be removed when Start fails")
}
