package config

import "time"

// CurrentVersion is the config file format version this build reads and writes.
const CurrentVersion = 1

// Config represents the entire user configuration file.
type Config struct {
	Version      int                    `yaml:"version"`
	LogLevel     string                 `yaml:"log_level,omitempty"`
	Discovery    DiscoveryConfig        `yaml:"discovery"`
	Connectivity ConnectivityConfig     `yaml:"connectivity"`
	Feed         FeedConfig             `yaml:"feed"`
	Devices      map[string]*DeviceMeta `yaml:"devices,omitempty"` // Keyed by device ID (instance name)
}

// DiscoveryConfig tunes DNS-SD browsing. Durations are in seconds.
type DiscoveryConfig struct {
	ServiceType    string `yaml:"service_type"`
	Domain         string `yaml:"domain"`
	ScanWindow     int    `yaml:"scan_window"`     // Length of one browse sweep
	MissedSweeps   int    `yaml:"missed_sweeps"`   // Sweeps an instance may miss before it is lost
	ResolveTimeout int    `yaml:"resolve_timeout"` // Bound on a single resolve
	ResolveRetries int    `yaml:"resolve_retries"` // Retries for a failed resolve (0 = wait for rediscovery)
	StrictCutoff   bool   `yaml:"strict_cutoff"`   // Drop resolves that finish after discovery stops
}

// ConnectivityConfig selects the interface to watch.
type ConnectivityConfig struct {
	Interface         string `yaml:"interface,omitempty"` // Empty picks the first usable interface
	PollInterval      int    `yaml:"poll_interval"`       // Seconds between link checks
	ClearOnDisconnect bool   `yaml:"clear_on_disconnect"` // Forget discovered devices when the link drops
}

// FeedConfig configures the HTTP/WebSocket device feed.
type FeedConfig struct {
	Listen string `yaml:"listen"`
}

// DeviceMeta is locally remembered information about a device.
type DeviceMeta struct {
	Nickname string    `yaml:"nickname,omitempty"`
	NodeID   string    `yaml:"node_id,omitempty"`   // Node id assigned when claimed
	LastIP   string    `yaml:"last_ip,omitempty"`   // Last known IP address
	LastSeen time.Time `yaml:"last_seen,omitempty"` // Last discovery or claim
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		Version:  CurrentVersion,
		LogLevel: "warn",
		Discovery: DiscoveryConfig{
			ServiceType:    "_iothing._tcp",
			Domain:         "local.",
			ScanWindow:     5,
			MissedSweeps:   2,
			ResolveTimeout: 5,
		},
		Connectivity: ConnectivityConfig{
			PollInterval: 5,
		},
		Feed: FeedConfig{
			Listen: "127.0.0.1:8080",
		},
		Devices: make(map[string]*DeviceMeta),
	}
}

// ScanWindowDuration returns ScanWindow as a time.Duration
func (d DiscoveryConfig) ScanWindowDuration() time.Duration {
	return time.Duration(d.ScanWindow) * time.Second
}

// ResolveTimeoutDuration returns ResolveTimeout as a time.Duration
func (d DiscoveryConfig) ResolveTimeoutDuration() time.Duration {
	return time.Duration(d.ResolveTimeout) * time.Second
}

// PollIntervalDuration returns PollInterval as a time.Duration
func (c ConnectivityConfig) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

// GetDevice retrieves device metadata by ID.
// Returns nil if the device isn't known.
func (c *Config) GetDevice(id string) *DeviceMeta {
	return c.Devices[id]
}

// EnsureDevice returns the metadata entry for id, creating it if needed.
func (c *Config) EnsureDevice(id string) *DeviceMeta {
	if c.Devices == nil {
		c.Devices = make(map[string]*DeviceMeta)
	}
	if meta, exists := c.Devices[id]; exists {
		return meta
	}
	meta := &DeviceMeta{}
	c.Devices[id] = meta
	return meta
}

// RecordClaim remembers the node id assigned to a device.
func (c *Config) RecordClaim(id, nodeID, ip string) {
	meta := c.EnsureDevice(id)
	meta.NodeID = nodeID
	meta.LastIP = ip
	meta.LastSeen = time.Now()
}

// SetDeviceNickname sets a user-friendly nickname for a device.
func (c *Config) SetDeviceNickname(id, nickname string) {
	c.EnsureDevice(id).Nickname = nickname
}
