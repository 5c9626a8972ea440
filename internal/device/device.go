package device

import (
	"fmt"
	"maps"
	"time"
)

// Identifiable is implemented by values that have a stable unique id.
// An empty id means "no identity" and such values are never stored.
type Identifiable interface {
	GetID() string
}

// ConfigurationState tells whether a device has completed setup.
type ConfigurationState int

const (
	// Unconfigured devices were discovered on the network but not yet claimed
	Unconfigured ConfigurationState = iota
	// Configured devices have been assigned a node id
	Configured
)

// String returns the lowercase name of the state
func (s ConfigurationState) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Configured:
		return "configured"
	default:
		return fmt.Sprintf("ConfigurationState(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler so the state serializes by name.
func (s ConfigurationState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ConfigurationState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "unconfigured":
		*s = Unconfigured
	case "configured":
		*s = Configured
	default:
		return fmt.Errorf("unknown configuration state %q", string(text))
	}
	return nil
}

// Device represents an IoThing found on the local network.
// Treat values as immutable once they have been added to a collection;
// derive a new value (see Configure) instead of mutating in place.
type Device struct {
	// ID is the DNS-SD instance name, stable while the service is advertised
	ID string `json:"id"`

	// Name is the human-readable display label
	Name string `json:"name"`

	// State is the configuration state tag
	State ConfigurationState `json:"state"`

	// Details is free-form descriptive text (configured devices only)
	Details string `json:"details,omitempty"`

	// NodeID is the node identity assigned when the device was claimed
	NodeID string `json:"node_id,omitempty"`

	// Host is the mDNS hostname (e.g., "iothing-3f.local.")
	Host string `json:"host,omitempty"`

	// IP is the preferred address, IPv4 when available
	IP string `json:"ip,omitempty"`

	// Port is the advertised service port
	Port int `json:"port,omitempty"`

	// Metadata holds the TXT record key/values
	Metadata map[string]string `json:"metadata,omitempty"`

	// DiscoveredAt is when the record was resolved
	DiscoveredAt time.Time `json:"discovered_at"`
}

// NewUnconfigured creates a freshly discovered device.
func NewUnconfigured(id, name string) *Device {
	return &Device{
		ID:           id,
		Name:         name,
		State:        Unconfigured,
		DiscoveredAt: time.Now(),
	}
}

// GetID returns the device id. A nil device has no identity.
func (d *Device) GetID() string {
	if d == nil {
		return ""
	}
	return d.ID
}

// IsConfigured reports whether the device has completed setup
func (d *Device) IsConfigured() bool {
	return d != nil && d.State == Configured
}

// Configure returns a Configured copy of the device with the given node id
// and details. The receiver is left untouched.
func (d *Device) Configure(nodeID, details string) *Device {
	c := d.Clone()
	c.State = Configured
	c.NodeID = nodeID
	c.Details = details
	return c
}

// Clone returns a deep copy of the device
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	c := *d
	if d.Metadata != nil {
		c.Metadata = maps.Clone(d.Metadata)
	}
	return &c
}

// Address returns "ip:port" or "" when the device has no address
func (d *Device) Address() string {
	if d == nil || d.IP == "" {
		return ""
	}
	if d.Port == 0 {
		return d.IP
	}
	return fmt.Sprintf("%s:%d", d.IP, d.Port)
}

// GetMetadata retrieves a metadata value by key, or returns empty string if not found
func (d *Device) GetMetadata(key string) string {
	if d == nil || d.Metadata == nil {
		return ""
	}
	return d.Metadata[key]
}

// String returns a human-readable string representation of the device
func (d *Device) String() string {
	if d == nil {
		return "<nil device>"
	}
	if addr := d.Address(); addr != "" {
		return fmt.Sprintf("IoThing %s (%s, %s) at %s", d.Name, d.ID, d.State, addr)
	}
	return fmt.Sprintf("IoThing %s (%s, %s)", d.Name, d.ID, d.State)
}
