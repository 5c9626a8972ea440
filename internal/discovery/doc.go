// Package discovery finds IoThing devices advertised over DNS-SD and keeps a
// device collection in step with what is on the network.
//
// The package has two halves:
//
//   - Service drives the discovery lifecycle (Idle, Starting, Discovering,
//     Stopping) on top of a Browser, resolves every service it is told about
//     and adds the resulting devices to a collection. It never holds device
//     data itself; the collection is the only source of truth.
//   - MDNSBrowser is the production Browser, built on zeroconf. It browses
//     in sweeps and reports instances that appear or stop answering.
//
// IoThing devices advertise themselves as "_iothing._tcp" services in the
// "local." domain. The instance name becomes the device id; a TXT "name"
// entry, when present, becomes the display name.
//
// # Usage Example
//
//	devices := collection.New[*device.Device]()
//	svc := discovery.NewService(discovery.NewMDNSBrowser(nil), devices, discovery.Options{})
//
//	if !svc.SetDiscovery(true) {
//	    log.Println("discovery could not be started:", svc.LastError())
//	}
//	defer svc.SetDiscovery(false)
//
// # Network Requirements
//
// - Requires multicast support on the network interface
// - Devices must be on the same local network segment
// - Firewall must allow mDNS (UDP port 5353)
//
// # Thread Safety
//
// Service methods and Browser callbacks may be called from any goroutine.
// No Service method blocks on the network: SetDiscovery returns once the
// request has been handed to the Browser.
package discovery
