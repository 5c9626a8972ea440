package discovery

import (
	"net"
	"strings"
)

// Record identifies an advertised service instance.
type Record struct {
	Instance string
	Service  string
	Domain   string
}

// Resolved is a service record together with its host, addresses, port and
// TXT entries.
type Resolved struct {
	Record
	HostName string
	AddrIPv4 []net.IP
	AddrIPv6 []net.IP
	Port     int
	Text     []string
}

// PreferredIP returns the first IPv4 address, falling back to IPv6.
func (r Resolved) PreferredIP() string {
	if len(r.AddrIPv4) > 0 {
		return r.AddrIPv4[0].String()
	}
	if len(r.AddrIPv6) > 0 {
		return r.AddrIPv6[0].String()
	}
	return ""
}

// Metadata parses the TXT entries ("key=value" or bare "key") into a map.
func (r Resolved) Metadata() map[string]string {
	metadata := make(map[string]string, len(r.Text))
	for _, txt := range r.Text {
		parts := strings.SplitN(txt, "=", 2)
		if parts[0] == "" {
			continue
		}
		if len(parts) == 2 {
			metadata[parts[0]] = parts[1]
		} else {
			metadata[parts[0]] = ""
		}
	}
	return metadata
}

// Listener receives discovery lifecycle and service events for one
// registration made with Browser.StartDiscovery.
type Listener interface {
	DiscoveryStarted(serviceType string)
	DiscoveryStopped(serviceType string)
	StartDiscoveryFailed(serviceType string, err error)
	StopDiscoveryFailed(serviceType string, err error)
	ServiceFound(rec Record)
	ServiceLost(rec Record)
}

// ResolveListener receives the outcome of Browser.Resolve.
type ResolveListener interface {
	ServiceResolved(res Resolved)
	ResolveFailed(rec Record, err error)
}

// Browser is the service-discovery primitive. Every method returns promptly;
// outcomes arrive later on the listener, possibly from another goroutine. A
// non-nil error means the request was rejected outright and no callback will
// follow for it.
type Browser interface {
	StartDiscovery(serviceType string, l Listener) error
	StopDiscovery(l Listener) error
	Resolve(rec Record, l ResolveListener) error
}
