package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/trafficport/internal/config"
	"firestige.xyz/trafficport/internal/core"
	"firestige.xyz/trafficport/internal/device"
)

func TestOpenRegisteredBackend(t *testing.T) {
	dev, err := device.Open(config.PortConfig{Name: "sim0", Backend: config.BackendSim})
	require.NoError(t, err)
	assert.IsType(t, &Device{}, dev)
	assert.Contains(t, device.Backends(), config.BackendSim)
}

func TestLinkFollowsStart(t *testing.T) {
	d := New("sim0")
	st, err := d.LinkStatus()
	require.NoError(t, err)
	assert.Equal(t, device.LinkDown, st)

	require.NoError(t, d.Start())
	st, _ = d.LinkStatus()
	assert.Equal(t, device.LinkUp, st)

	require.NoError(t, d.Stop())
	st, _ = d.LinkStatus()
	assert.Equal(t, device.LinkDown, st)
}

func TestFaults(t *testing.T) {
	d := New("sim0")
	d.SetFaults(Faults{
		Init:  errors.New("no such device"),
		Start: errors.New("no carrier"),
		AddStream: func(id uint32) error {
			if id == 1 {
				return errors.New("table full")
			}
			return nil
		},
	})

	assert.True(t, errors.Is(d.Init(), core.ErrDeviceInit))
	assert.True(t, errors.Is(d.Start(), core.ErrDeviceStart))

	id0, err := d.AddPacketStream(1000, 1)
	require.NoError(t, err)
	_, err = d.AddPacketStream(1000, 1)
	assert.True(t, errors.Is(err, core.ErrStreamRegister))
	id2, err := d.AddPacketStream(1000, 1)
	require.NoError(t, err)

	assert.Equal(t, uint32(0), id0)
	assert.Equal(t, uint32(2), id2)
	assert.True(t, errors.Is(d.AddPacket(1, []byte{1}), core.ErrUnknownStream))
	assert.NoError(t, d.AddPacket(2, []byte{1}))
}

func TestLoopbackTransmitAndCapture(t *testing.T) {
	d := New("sim0")
	require.NoError(t, d.Start())

	buf := make([]byte, 4096)
	require.NoError(t, d.StartRx(buf))

	id, err := d.AddPacketStream(0, 3)
	require.NoError(t, err)
	require.NoError(t, d.AddPacket(id, make([]byte, 64)))
	require.NoError(t, d.StartTx())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Engine().Wait(ctx))

	st, err := d.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), st.OPackets)
	assert.Equal(t, uint64(192), st.OBytes)
	assert.Equal(t, uint64(3), st.IPackets)

	n, err := d.StopRx()
	require.NoError(t, err)
	assert.Equal(t, uint32(3*(device.RecordHeaderLen+64)), n)

	_, err = d.StopRx()
	assert.True(t, errors.Is(err, core.ErrCaptureStopped))
}

func TestCaptureBufferFullCountsNoMbuf(t *testing.T) {
	d := New("sim0")
	require.NoError(t, d.StartRx(make([]byte, device.RecordHeaderLen+100)))

	d.Inject(make([]byte, 100))
	d.Inject(make([]byte, 10))

	st, err := d.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.IPackets)
	assert.Equal(t, uint64(1), st.RxNoMbuf)

	n, err := d.StopRx()
	require.NoError(t, err)
	assert.Equal(t, uint32(device.RecordHeaderLen+100), n)
}

func TestStartTxRequiresStartedDevice(t *testing.T) {
	d := New("sim0")
	assert.Error(t, d.StartTx())
}

func TestClearPacketsResetsIDsAndLoop(t *testing.T) {
	d := New("sim0")
	_, err := d.AddPacketStream(0, 1)
	require.NoError(t, err)
	require.NoError(t, d.SetLoopMode(true))

	require.NoError(t, d.ClearPackets())
	assert.False(t, d.Engine().LoopMode())

	id, err := d.AddPacketStream(0, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), id)
}

func TestResetStats(t *testing.T) {
	d := New("sim0")
	d.Inject([]byte{1, 2, 3})
	require.NoError(t, d.ResetStats())
	st, _ := d.Stats()
	assert.Equal(t, device.Stats{}, st)
}
