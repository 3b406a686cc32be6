//go:build !linux

package main

import (
	"github.com/r0bb10/buttonosc/internal/controller"
	"github.com/r0bb10/buttonosc/internal/gpio"
	"github.com/r0bb10/buttonosc/internal/netup"
)

// Without netlink there is no network driver; bring-up reports no hardware.
func defaultPlatform() platform {
	return platform{
		openHardware: func(chip string) (controller.Hardware, error) {
			m := gpio.NewManager()
			if err := m.OpenChip(chip); err != nil {
				return nil, err
			}
			return controller.GPIO(m), nil
		},
		ethernet: func(string) netup.Ethernet { return nil },
		wifi:     func(string) netup.WiFi { return nil },
	}
}
