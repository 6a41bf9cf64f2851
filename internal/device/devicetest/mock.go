// Package devicetest provides a testify mock of device.Device.
package devicetest

import (
	"github.com/stretchr/testify/mock"

	"firestige.xyz/trafficport/internal/device"
)

// MockDevice records calls for contract tests of the port engine.
type MockDevice struct {
	mock.Mock
}

var _ device.Device = (*MockDevice)(nil)

func (m *MockDevice) Init() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockDevice) Start() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockDevice) Stop() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockDevice) SetPromiscuous(on bool) error {
	args := m.Called(on)
	return args.Error(0)
}

func (m *MockDevice) LinkStatus() (device.LinkStatus, error) {
	args := m.Called()
	return args.Get(0).(device.LinkStatus), args.Error(1)
}

func (m *MockDevice) Stats() (device.Stats, error) {
	args := m.Called()
	return args.Get(0).(device.Stats), args.Error(1)
}

func (m *MockDevice) ResetStats() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockDevice) AddBurstStream(delayNs uint64, burstSize, numBursts uint32) (uint32, error) {
	args := m.Called(delayNs, burstSize, numBursts)
	return args.Get(0).(uint32), args.Error(1)
}

func (m *MockDevice) AddPacketStream(delayNs uint64, numPackets uint32) (uint32, error) {
	args := m.Called(delayNs, numPackets)
	return args.Get(0).(uint32), args.Error(1)
}

func (m *MockDevice) AddPacket(streamID uint32, frame []byte) error {
	args := m.Called(streamID, frame)
	return args.Error(0)
}

func (m *MockDevice) ClearPackets() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockDevice) SetMixMode(mode device.MixMode) error {
	args := m.Called(mode)
	return args.Error(0)
}

func (m *MockDevice) SetLoopMode(on bool) error {
	args := m.Called(on)
	return args.Error(0)
}

func (m *MockDevice) StartTx() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockDevice) StopTx() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockDevice) StartRx(buf []byte) error {
	args := m.Called(buf)
	return args.Error(0)
}

func (m *MockDevice) StopRx() (uint32, error) {
	args := m.Called()
	return args.Get(0).(uint32), args.Error(1)
}
