//go:build !linux

package afpacket

import (
	"fmt"

	"firestige.xyz/trafficport/internal/config"
	"firestige.xyz/trafficport/internal/core"
	"firestige.xyz/trafficport/internal/device"
)

func init() {
	device.Register(config.BackendAFPacket, func(cfg config.PortConfig) (device.Device, error) {
		return nil, fmt.Errorf("%w: afpacket backend requires linux", core.ErrNotSupported)
	})
}
