package discovery

import (
	"github.com/sensaura/iothing/internal/device"
)

const (
	// TXTName is the TXT key carrying the display name
	TXTName = "name"

	// TXTNode is the TXT key carrying the node id of a claimed device
	TXTNode = "node"
)

// deviceFromResolved builds the collection entry for a resolved record.
// The instance name is the id. Devices advertising a node id are
// Configured; everything else starts Unconfigured.
func deviceFromResolved(res Resolved) *device.Device {
	metadata := res.Metadata()

	name := metadata[TXTName]
	if name == "" {
		name = res.Instance
	}

	d := device.NewUnconfigured(res.Instance, name)
	d.Host = res.HostName
	d.IP = res.PreferredIP()
	d.Port = res.Port
	if len(metadata) > 0 {
		d.Metadata = metadata
	}

	if node := metadata[TXTNode]; node != "" {
		d.State = device.Configured
		d.NodeID = node
	}
	return d
}
