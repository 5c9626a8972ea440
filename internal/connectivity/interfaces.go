package connectivity

import (
	"context"
	"fmt"
	"net"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// InterfaceProber reports connectivity from the host's network interfaces.
type InterfaceProber struct {
	// Interface restricts the check to one interface name (empty = any)
	Interface string
}

// NewInterfaceProber creates a prober, optionally pinned to one interface
func NewInterfaceProber(iface string) *InterfaceProber {
	return &InterfaceProber{Interface: iface}
}

// Query lists interfaces and returns the first usable one as the network.
func (p *InterfaceProber) Query(ctx context.Context) (State, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return State{}, fmt.Errorf("failed to list network interfaces: %w", err)
	}
	return pickInterface(ifaces, p.Interface), nil
}

func pickInterface(ifaces []psnet.InterfaceStat, preferred string) State {
	for _, iface := range ifaces {
		if preferred != "" && iface.Name != preferred {
			continue
		}
		if usable(iface) {
			return State{Connected: true, NetworkLabel: iface.Name}
		}
	}
	return State{}
}

// usable reports whether an interface is up, not loopback, and has a
// routable unicast address.
func usable(iface psnet.InterfaceStat) bool {
	var up, loopback bool
	for _, flag := range iface.Flags {
		switch flag {
		case "up":
			up = true
		case "loopback":
			loopback = true
		}
	}
	if !up || loopback {
		return false
	}

	for _, addr := range iface.Addrs {
		ip, _, err := net.ParseCIDR(addr.Addr)
		if err != nil {
			ip = net.ParseIP(addr.Addr)
		}
		if ip != nil && ip.IsGlobalUnicast() {
			return true
		}
	}
	return false
}
