// Package feed exposes the device collection over HTTP.
//
// Routes:
//
//	GET /devices       JSON array of devices in collection order
//	GET /devices/{id}  one device, 404 when unknown
//	GET /network       current connectivity state
//	GET /status        connectivity, discovery state and counters
//	GET /ws            WebSocket: a snapshot, then one message per change
//
// WebSocket clients that cannot keep up are disconnected; delivery to other
// clients and to in-process observers is never blocked by a slow reader.
package feed
