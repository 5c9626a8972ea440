// Package collection provides a thread-safe, observable registry of items
// keyed by identity.
//
// A Collection keeps items in insertion order with an id index for O(1)
// lookup. Adding an item whose id is already present replaces the existing
// entry in place and is reported as a single Replaced change. Items with no
// identity (nil, or an empty GetID) are ignored.
//
// # Usage Example
//
//	devices := collection.New[*device.Device]()
//
//	sub := devices.SubscribeFunc(func(c collection.Change[*device.Device]) {
//	    fmt.Println(c.Kind, c.ID, c.Source.Len())
//	})
//	defer sub.Unsubscribe()
//
//	devices.Add(device.NewUnconfigured("sensor-1", "Sensor-1"))
//	d, ok := devices.Get("sensor-1")
//
// # Thread Safety
//
// Mutations are serialized; readers take the read side of the same lock and
// always observe a complete snapshot. Observers are called outside the lock,
// in commit order, and may call back into the collection.
package collection
