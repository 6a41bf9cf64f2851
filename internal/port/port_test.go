package port

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/trafficport/internal/config"
	"firestige.xyz/trafficport/internal/core"
	"firestige.xyz/trafficport/internal/device"
	"firestige.xyz/trafficport/internal/device/devicetest"
	"firestige.xyz/trafficport/internal/log"
)

func testPortConfig(t *testing.T) config.PortConfig {
	t.Helper()
	return config.PortConfig{
		ID:                1,
		DeviceID:          0,
		Name:              "test0",
		Backend:           config.BackendSim,
		Promiscuous:       true,
		TransmitMode:      config.TransmitSequential,
		CaptureBufferSize: 1 << 16,
		CaptureSnapLen:    65535,
		CaptureDir:        t.TempDir(),
		StatsInterval:     10 * time.Millisecond,
		SetupTimeout:      2 * time.Second,
	}
}

func quietLogger() log.Logger {
	return log.NewWithWriter(&bytes.Buffer{}, "error")
}

// newMockDevice returns a mock that accepts constructor-time bring-up and
// background stats sampling.
func newMockDevice() *devicetest.MockDevice {
	m := &devicetest.MockDevice{}
	m.On("Init").Return(nil)
	m.On("ResetStats").Return(nil)
	m.On("SetPromiscuous", true).Return(nil)
	m.On("Stats").Return(device.Stats{}, nil).Maybe()
	return m
}

func TestNewBringUp(t *testing.T) {
	m := newMockDevice()
	p := New(testPortConfig(t), m, WithLogger(quietLogger()))

	assert.Equal(t, 1, p.ID())
	assert.Equal(t, "test0", p.Name())
	assert.Equal(t, uint16(0), p.DeviceID())
	assert.Len(t, p.captureBuf, 1<<16)
	assert.Equal(t, core.StateIdle, p.TransmitState())
	assert.Equal(t, core.StateSuspended, p.CaptureState())
	m.AssertExpectations(t)
}

func TestNewDeviceInitFailure(t *testing.T) {
	m := &devicetest.MockDevice{}
	m.On("Init").Return(core.ErrDeviceInit)
	m.On("Stop").Return(nil)

	p := New(testPortConfig(t), m, WithLogger(quietLogger()))
	assert.Nil(t, p.captureBuf)
	assert.True(t, errors.Is(p.Init(), core.ErrPortNotReady))
	assert.Equal(t, LinkStateUnknown, p.LinkState())

	require.NoError(t, p.Close())
	m.AssertNotCalled(t, "ResetStats")
	m.AssertNotCalled(t, "Start")
}

func TestInitRecordsNonPromiscuousNote(t *testing.T) {
	cfg := testPortConfig(t)
	cfg.Promiscuous = false

	m := &devicetest.MockDevice{}
	m.On("Init").Return(nil)
	m.On("ResetStats").Return(nil)
	m.On("Start").Return(nil)
	m.On("Stats").Return(device.Stats{}, nil)
	m.On("Stop").Return(nil)

	p := New(cfg, m, WithLogger(quietLogger()))
	require.NoError(t, p.Init())
	assert.Equal(t, []string{"Non Promiscuous mode"}, p.Notes())
	assert.Equal(t, core.StateRunning, p.MonitorState())

	require.NoError(t, p.Close())
	assert.Equal(t, core.StateDone, p.MonitorState())
	m.AssertNotCalled(t, "SetPromiscuous", mock.Anything)
}

func TestLinkState(t *testing.T) {
	m := newMockDevice()
	m.On("Start").Return(nil)
	m.On("LinkStatus").Return(device.LinkUp, nil).Once()
	m.On("LinkStatus").Return(device.LinkDown, nil).Once()
	m.On("LinkStatus").Return(device.LinkDown, errors.New("ioctl failed")).Once()
	m.On("Stop").Return(nil)

	p := New(testPortConfig(t), m, WithLogger(quietLogger()))
	assert.Equal(t, LinkStateUnknown, p.LinkState(), "not initialized")

	require.NoError(t, p.Init())
	assert.Equal(t, LinkStateUp, p.LinkState())
	assert.Equal(t, LinkStateDown, p.LinkState())
	assert.Equal(t, LinkStateUnknown, p.LinkState())

	require.NoError(t, p.Close())
}

func TestExclusiveControlStub(t *testing.T) {
	p := New(testPortConfig(t), newMockDevice(), WithLogger(quietLogger()))
	assert.False(t, p.HasExclusiveControl())
	assert.False(t, p.SetExclusiveControl(true))
	assert.False(t, p.HasExclusiveControl())
}

func TestStartTransmitTwiceStartsDeviceOnce(t *testing.T) {
	m := newMockDevice()
	m.On("Start").Return(nil)
	m.On("StartTx").Return(nil)
	m.On("StopTx").Return(nil)
	m.On("Stop").Return(nil)

	p := New(testPortConfig(t), m, WithLogger(quietLogger()))
	require.NoError(t, p.Init())

	require.NoError(t, p.StartTransmit())
	err := p.StartTransmit()
	assert.True(t, errors.Is(err, core.ErrTransmitRunning))
	assert.True(t, p.IsTransmitOn())
	m.AssertNumberOfCalls(t, "StartTx", 1)

	require.NoError(t, p.StopTransmit())
	assert.False(t, p.IsTransmitOn())
	assert.Equal(t, core.StateIdle, p.TransmitState())

	err = p.StopTransmit()
	assert.True(t, errors.Is(err, core.ErrTransmitStopped))
	m.AssertNumberOfCalls(t, "StopTx", 1)

	require.NoError(t, p.Close())
}

func TestStartTransmitDeviceError(t *testing.T) {
	m := newMockDevice()
	m.On("Start").Return(nil)
	m.On("StartTx").Return(errors.New("no programs"))
	m.On("Stop").Return(nil)

	p := New(testPortConfig(t), m, WithLogger(quietLogger()))
	require.NoError(t, p.Init())
	assert.Error(t, p.StartTransmit())
	assert.False(t, p.IsTransmitOn())
	require.NoError(t, p.Close())
}

// Scenario B: a device that fails to start.
func TestInitDeviceStartFailure(t *testing.T) {
	m := newMockDevice()
	m.On("Start").Return(errors.New("no carrier"))
	m.On("Stop").Return(nil)

	p := New(testPortConfig(t), m, WithLogger(quietLogger()))
	err := p.Init()
	assert.True(t, errors.Is(err, core.ErrDeviceStart))

	assert.Equal(t, LinkStateUnknown, p.LinkState())
	assert.False(t, p.IsTransmitOn())

	err = p.StartTransmit()
	assert.True(t, errors.Is(err, core.ErrPortNotReady))
	assert.False(t, p.IsTransmitOn())
	m.AssertNotCalled(t, "StartTx")
	m.AssertNotCalled(t, "LinkStatus")
	assert.False(t, p.monitor.IsRunning())

	require.NoError(t, p.Close())
}

func TestCloseOrder(t *testing.T) {
	cfg := testPortConfig(t)
	cfg.RestorePromiscuous = true

	var mu sync.Mutex
	var calls []string
	record := func(name string) func(mock.Arguments) {
		return func(mock.Arguments) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
		}
	}

	m := &devicetest.MockDevice{}
	m.On("Init").Return(nil)
	m.On("ResetStats").Return(nil)
	m.On("SetPromiscuous", true).Return(nil)
	m.On("Start").Return(nil)
	m.On("Stats").Return(device.Stats{}, nil)
	m.On("StartTx").Return(nil)
	m.On("StopTx").Return(nil).Run(record("StopTx"))
	m.On("SetPromiscuous", false).Return(nil).Run(record("SetPromiscuous(false)"))
	m.On("Stop").Return(nil).Run(record("Stop"))

	p := New(cfg, m, WithLogger(quietLogger()))
	require.NoError(t, p.Init())
	require.NoError(t, p.StartTransmit())

	captureFile := p.captureFile.Name()
	require.NoError(t, p.Close())

	assert.Equal(t, []string{"StopTx", "SetPromiscuous(false)", "Stop"}, calls)
	assert.False(t, p.IsTransmitOn())
	assert.False(t, p.monitor.IsRunning())
	assert.Equal(t, core.StateDone, p.MonitorState())
	assert.Nil(t, p.captureBuf)
	assert.NoFileExists(t, captureFile)

	// idempotent
	require.NoError(t, p.Close())
	m.AssertNumberOfCalls(t, "Stop", 1)
	assert.True(t, errors.Is(p.Init(), core.ErrPortClosed))
}

func TestCloseKeepsPromiscuousByDefault(t *testing.T) {
	m := newMockDevice()
	m.On("Stop").Return(nil)

	p := New(testPortConfig(t), m, WithLogger(quietLogger()))
	require.NoError(t, p.Close())
	m.AssertNotCalled(t, "SetPromiscuous", false)
}

func TestSetTransmitMode(t *testing.T) {
	p := New(testPortConfig(t), newMockDevice(), WithLogger(quietLogger()))
	require.NoError(t, p.SetTransmitMode(config.TransmitInterleaved))
	assert.Equal(t, device.MixInterleaved, p.TransmitMode())

	err := p.SetTransmitMode("bogus")
	assert.True(t, errors.Is(err, core.ErrConfigInvalid))
	assert.Equal(t, device.MixInterleaved, p.TransmitMode())
}

func TestLinkStateNotBlockedBySetupWait(t *testing.T) {
	m := &devicetest.MockDevice{}
	m.On("Init").Return(nil)
	m.On("ResetStats").Return(nil)
	m.On("SetPromiscuous", true).Return(nil)
	m.On("Start").Return(nil)
	m.On("Stats").Return(device.Stats{}, nil).After(500 * time.Millisecond)
	m.On("LinkStatus").Return(device.LinkUp, nil)
	m.On("Stop").Return(nil)

	p := New(testPortConfig(t), m, WithLogger(quietLogger()))

	initDone := make(chan error, 1)
	go func() { initDone <- p.Init() }()

	require.Eventually(t, func() bool { return p.LinkState() == LinkStateUp },
		300*time.Millisecond, 5*time.Millisecond)

	// the first stats sample is still in flight
	select {
	case <-initDone:
		t.Fatal("Init returned before link state was readable")
	default:
	}

	start := time.Now()
	assert.Equal(t, LinkStateUp, p.LinkState())
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	require.NoError(t, <-initDone)
	require.NoError(t, p.Close())
}
