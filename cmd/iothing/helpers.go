package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/sensaura/iothing/internal/device"
	"github.com/sensaura/iothing/internal/provision"
)

// setAddress parses "host" or "host:port" into d. The port defaults to the
// provisioning port.
func setAddress(d *device.Device, address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return fmt.Errorf("empty address")
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		// No port given; bare IPv6 literals land here too
		d.IP = strings.Trim(address, "[]")
		d.Port = provision.DefaultPort
		return nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port in address %q", address)
	}
	if host == "" {
		return fmt.Errorf("missing host in address %q", address)
	}
	d.IP = host
	d.Port = port
	return nil
}
