package txengine

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/trafficport/internal/core"
	"firestige.xyz/trafficport/internal/device"
	"firestige.xyz/trafficport/internal/log"
)

type recorder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *recorder) send(frame []byte) error {
	r.mu.Lock()
	r.frames = append(r.frames, frame)
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.frames...)
}

func newEngine(r *recorder) *Engine {
	return New(r.send, log.NewWithWriter(&bytes.Buffer{}, "error"))
}

func waitDone(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx))
	assert.False(t, e.Running())
}

func TestProgramIDsAreSequential(t *testing.T) {
	e := newEngine(&recorder{})
	assert.Equal(t, uint32(0), e.AddPacketProgram(0, 1))
	assert.Equal(t, uint32(1), e.AddBurstProgram(0, 4, 1))
	assert.Equal(t, uint32(2), e.AddPacketProgram(0, 1))

	require.NoError(t, e.Clear())
	assert.Equal(t, uint32(0), e.AddPacketProgram(0, 1))
}

func TestAddFrameErrors(t *testing.T) {
	e := newEngine(&recorder{})
	err := e.AddFrame(0, []byte{1})
	assert.True(t, errors.Is(err, core.ErrUnknownStream))

	id := e.AddPacketProgram(0, 1)
	err = e.AddFrame(id, make([]byte, device.MaxFrameSize+1))
	assert.True(t, errors.Is(err, core.ErrFrameTooLarge))
	assert.NoError(t, e.AddFrame(id, make([]byte, device.MaxFrameSize)))
}

func TestPacketProgramCyclesFrames(t *testing.T) {
	r := &recorder{}
	e := newEngine(r)
	id := e.AddPacketProgram(0, 5)
	require.NoError(t, e.AddFrame(id, []byte{0xa}))
	require.NoError(t, e.AddFrame(id, []byte{0xb}))

	require.NoError(t, e.Start())
	waitDone(t, e)

	got := r.snapshot()
	require.Len(t, got, 5)
	assert.Equal(t, []byte{0xa}, got[0])
	assert.Equal(t, []byte{0xb}, got[1])
	assert.Equal(t, []byte{0xa}, got[4])
	assert.Equal(t, uint64(5), e.Sent())
}

func TestBurstProgramSendsBurstSizeFrames(t *testing.T) {
	r := &recorder{}
	e := newEngine(r)
	id := e.AddBurstProgram(time.Millisecond, 4, 3)
	require.NoError(t, e.AddFrame(id, []byte{1}))

	require.NoError(t, e.Start())
	waitDone(t, e)
	assert.Len(t, r.snapshot(), 12)
}

func TestSequentialRunsInIDOrder(t *testing.T) {
	r := &recorder{}
	e := newEngine(r)
	a := e.AddPacketProgram(0, 3)
	b := e.AddPacketProgram(0, 2)
	require.NoError(t, e.AddFrame(a, []byte{'a'}))
	require.NoError(t, e.AddFrame(b, []byte{'b'}))
	e.SetMixMode(device.MixSequential)

	require.NoError(t, e.Start())
	waitDone(t, e)

	var order []byte
	for _, f := range r.snapshot() {
		order = append(order, f[0])
	}
	assert.Equal(t, []byte("aaabb"), order)
}

func TestInterleavedRunsAllPrograms(t *testing.T) {
	r := &recorder{}
	e := newEngine(r)
	a := e.AddPacketProgram(time.Millisecond, 5)
	b := e.AddPacketProgram(time.Millisecond, 5)
	require.NoError(t, e.AddFrame(a, []byte{'a'}))
	require.NoError(t, e.AddFrame(b, []byte{'b'}))
	e.SetMixMode(device.MixInterleaved)

	require.NoError(t, e.Start())
	waitDone(t, e)
	assert.Len(t, r.snapshot(), 10)
}

func TestLoopModeRepeatsUntilStop(t *testing.T) {
	r := &recorder{}
	e := newEngine(r)
	id := e.AddPacketProgram(time.Millisecond, 2)
	require.NoError(t, e.AddFrame(id, []byte{1}))
	e.SetLoopMode(true)

	require.NoError(t, e.Start())
	assert.Eventually(t, func() bool { return len(r.snapshot()) > 4 }, 5*time.Second, 5*time.Millisecond)
	assert.True(t, e.Running())

	require.NoError(t, e.Stop())
	assert.False(t, e.Running())
}

func TestStartStopRedundant(t *testing.T) {
	e := newEngine(&recorder{})
	assert.True(t, errors.Is(e.Stop(), core.ErrTransmitStopped))

	id := e.AddPacketProgram(time.Second, 100)
	require.NoError(t, e.AddFrame(id, []byte{1}))
	require.NoError(t, e.Start())
	assert.True(t, errors.Is(e.Start(), core.ErrTransmitRunning))
	assert.True(t, errors.Is(e.Clear(), core.ErrTransmitRunning))

	require.NoError(t, e.Stop())
	assert.True(t, errors.Is(e.Stop(), core.ErrTransmitStopped))
}

func TestClearResetsLoopMode(t *testing.T) {
	e := newEngine(&recorder{})
	e.SetLoopMode(true)
	require.NoError(t, e.Clear())
	assert.False(t, e.LoopMode())
}

func TestSendFailuresAreCounted(t *testing.T) {
	e := New(func([]byte) error { return errors.New("link down") }, log.NewWithWriter(&bytes.Buffer{}, "error"))
	id := e.AddPacketProgram(0, 3)
	require.NoError(t, e.AddFrame(id, []byte{1}))

	require.NoError(t, e.Start())
	waitDone(t, e)
	assert.Equal(t, uint64(3), e.Failed())
	assert.Equal(t, uint64(0), e.Sent())
}
