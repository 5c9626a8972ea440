package feed

import (
	"time"

	"github.com/sensaura/iothing/internal/collection"
	"github.com/sensaura/iothing/internal/connectivity"
	"github.com/sensaura/iothing/internal/device"
	"github.com/sensaura/iothing/internal/discovery"
)

// Message types sent over the WebSocket
const (
	TypeSnapshot = "snapshot"
	TypeChange   = "change"
	TypeNetwork  = "network"
)

// Message is one WebSocket frame. The first message on every connection is
// a snapshot; changes follow in commit order.
type Message struct {
	Type      string              `json:"type"`
	Devices   []*device.Device    `json:"devices,omitempty"`
	Change    *ChangeEvent        `json:"change,omitempty"`
	Network   *connectivity.State `json:"network,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// ChangeEvent describes one collection mutation. Device is the new value
// for added and replaced entries and the removed value for removals.
type ChangeEvent struct {
	Kind   collection.ChangeKind `json:"kind"`
	ID     string                `json:"id,omitempty"`
	Device *device.Device        `json:"device,omitempty"`
}

// Status is the body of GET /status.
type Status struct {
	Network   connectivity.State `json:"network"`
	Discovery *DiscoveryInfo     `json:"discovery,omitempty"`
	Devices   int                `json:"devices"`
	Clients   int                `json:"clients"`
}

// DiscoveryInfo summarizes the discovery service.
type DiscoveryInfo struct {
	State       string          `json:"state"`
	ServiceType string          `json:"service_type"`
	Stats       discovery.Stats `json:"stats"`
}
