/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"net"
)

// localAddresses lists the non-loopback IPv4 addresses of every
// interface that is up, for showing players where to point their phones.
// Errors are swallowed; this is display glue, not a functional
// dependency.
func localAddresses() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var out []string

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip := ipNet.IP.To4(); ip != nil {
				out = append(out, ip.String())
			}
		}
	}

	return out
}
