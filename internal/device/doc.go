// Package device defines the value types for things found on the network.
//
// A Device is a single logical entity whose configuration state is a tag,
// not a type: an Unconfigured device has been discovered but not yet claimed,
// a Configured device has been assigned a node id. Both carry the same
// identity, so replacing one with the other in a collection is an update of
// the same entry.
//
// Any type that exposes a stable identity through GetID can be stored in a
// collection.Collection; Device is the one the discovery service produces.
package device
