// Package connectivity tracks whether a usable network link is present.
//
// A Monitor caches the last known State and only asks its Prober for a fresh
// answer when Refresh is called (directly, or on a ticker through Watch).
// Subscribers are notified once per transition of Connected, never for a
// repeated identical state. A failing probe counts as disconnected:
// connectivity is advisory input to discovery, not a safety signal.
//
// InterfaceProber is the production Prober. It reports connected when a
// non-loopback interface is up and carries a routable unicast address, and
// uses the interface name as the network label.
package connectivity
