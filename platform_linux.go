//go:build linux

package main

import (
	"github.com/r0bb10/buttonosc/internal/controller"
	"github.com/r0bb10/buttonosc/internal/gpio"
	"github.com/r0bb10/buttonosc/internal/netup"
)

func defaultPlatform() platform {
	return platform{
		openHardware: func(chip string) (controller.Hardware, error) {
			m := gpio.NewManager()
			if err := m.OpenChip(chip); err != nil {
				return nil, err
			}
			return controller.GPIO(m), nil
		},
		ethernet: func(iface string) netup.Ethernet { return netup.NewLinkEthernet(iface) },
		wifi:     func(iface string) netup.WiFi { return netup.NewNMWiFi(iface) },
	}
}
