// Package notify implements the subscriber list shared by the observable
// parts of the core (the device collection and the connectivity monitor).
//
// A Hub delivers events outside the owner's state lock, in the order the
// owner committed them, to every observer that was subscribed at commit time.
// The owner calls Enqueue while still holding its own lock and Flush after
// releasing it:
//
//	c.mu.Lock()
//	... mutate ...
//	c.hub.Enqueue(event)
//	c.mu.Unlock()
//	c.hub.Flush()
//
// Only one goroutine drains the queue at a time. An observer may mutate the
// owner, subscribe or unsubscribe from inside its callback; the resulting
// events are queued behind the one being delivered instead of deadlocking.
package notify
