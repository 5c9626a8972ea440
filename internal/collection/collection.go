package collection

import (
	"fmt"
	"iter"
	"reflect"
	"sync"

	"github.com/sensaura/iothing/internal/device"
	"github.com/sensaura/iothing/internal/notify"
)

// ChangeKind identifies the mutation that produced a Change.
type ChangeKind int

const (
	// Added means a new id was inserted at the end of the sequence
	Added ChangeKind = iota
	// Replaced means an existing id got a new item, keeping its position
	Replaced
	// Removed means an id left the collection
	Removed
	// Cleared means every item was removed at once
	Cleared
)

// String returns the lowercase name of the kind
func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Replaced:
		return "replaced"
	case Removed:
		return "removed"
	case Cleared:
		return "cleared"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k ChangeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ChangeKind) UnmarshalText(text []byte) error {
	for _, kind := range []ChangeKind{Added, Replaced, Removed, Cleared} {
		if kind.String() == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown change kind %q", string(text))
}

// Change describes one committed mutation.
type Change[T device.Identifiable] struct {
	Kind ChangeKind
	// ID is empty for Cleared
	ID string
	// Item is the new item for Added/Replaced and the removed one for Removed
	Item T
	// Previous is the replaced item for Replaced
	Previous T
	// Source is the collection that changed
	Source *Collection[T]
}

// Collection is an ordered registry of items keyed by GetID.
type Collection[T device.Identifiable] struct {
	mu    sync.RWMutex
	items []T
	index map[string]int

	hub notify.Hub[Change[T]]
}

// New creates an empty collection
func New[T device.Identifiable]() *Collection[T] {
	return &Collection[T]{
		index: make(map[string]int),
	}
}

// Add inserts item, or replaces the entry with the same id in place.
// Nil items and items with an empty id are ignored.
func (c *Collection[T]) Add(item T) {
	id, ok := identity(item)
	if !ok {
		return
	}

	c.mu.Lock()
	change := Change[T]{ID: id, Item: item, Source: c}
	if pos, exists := c.index[id]; exists {
		change.Kind = Replaced
		change.Previous = c.items[pos]
		c.items[pos] = item
	} else {
		change.Kind = Added
		c.index[id] = len(c.items)
		c.items = append(c.items, item)
	}
	c.hub.Enqueue(change)
	c.mu.Unlock()

	c.hub.Flush()
}

// Replace swaps in item only if an entry with the same id is present, and
// reports whether it did. Unlike Add it never inserts.
func (c *Collection[T]) Replace(item T) bool {
	id, ok := identity(item)
	if !ok {
		return false
	}

	c.mu.Lock()
	pos, exists := c.index[id]
	if !exists {
		c.mu.Unlock()
		return false
	}
	c.hub.Enqueue(Change[T]{
		Kind:     Replaced,
		ID:       id,
		Item:     item,
		Previous: c.items[pos],
		Source:   c,
	})
	c.items[pos] = item
	c.mu.Unlock()

	c.hub.Flush()
	return true
}

// Remove deletes the item with the given id. Unknown ids are ignored.
func (c *Collection[T]) Remove(id string) {
	if id == "" {
		return
	}

	c.mu.Lock()
	pos, exists := c.index[id]
	if !exists {
		c.mu.Unlock()
		return
	}

	removed := c.items[pos]
	copy(c.items[pos:], c.items[pos+1:])
	var zero T
	c.items[len(c.items)-1] = zero
	c.items = c.items[:len(c.items)-1]

	delete(c.index, id)
	for i := pos; i < len(c.items); i++ {
		c.index[c.items[i].GetID()] = i
	}

	c.hub.Enqueue(Change[T]{Kind: Removed, ID: id, Item: removed, Source: c})
	c.mu.Unlock()

	c.hub.Flush()
}

// RemoveItem is Remove(item.GetID()); nil items are ignored.
func (c *Collection[T]) RemoveItem(item T) {
	id, ok := identity(item)
	if !ok {
		return
	}
	c.Remove(id)
}

// Clear removes every item with a single Cleared change.
// Clearing an empty collection is a no-op.
func (c *Collection[T]) Clear() {
	c.mu.Lock()
	if len(c.items) == 0 {
		c.mu.Unlock()
		return
	}
	c.items = nil
	c.index = make(map[string]int)
	c.hub.Enqueue(Change[T]{Kind: Cleared, Source: c})
	c.mu.Unlock()

	c.hub.Flush()
}

// Get returns the current item for id.
func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	pos, ok := c.index[id]
	if !ok {
		var zero T
		return zero, false
	}
	return c.items[pos], true
}

// Contains reports whether id is present
func (c *Collection[T]) Contains(id string) bool {
	_, ok := c.Get(id)
	return ok
}

// Len returns the number of items
func (c *Collection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Items returns a snapshot of the items in sequence order.
func (c *Collection[T]) Items() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

// All iterates over a snapshot taken when iteration starts.
func (c *Collection[T]) All() iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		for i, item := range c.Items() {
			if !yield(i, item) {
				return
			}
		}
	}
}

// Subscribe registers an observer for every change committed after the call.
func (c *Collection[T]) Subscribe(o notify.Observer[Change[T]]) *notify.Subscription {
	return c.hub.Subscribe(o)
}

// SubscribeFunc registers a function observer.
func (c *Collection[T]) SubscribeFunc(fn func(Change[T])) *notify.Subscription {
	return c.hub.Subscribe(notify.ObserverFunc[Change[T]](fn))
}

// Unsubscribe stops delivery to a subscription obtained from this collection.
func (c *Collection[T]) Unsubscribe(s *notify.Subscription) {
	c.hub.Unsubscribe(s)
}

// identity returns the item's id, treating nil values as having none.
func identity[T device.Identifiable](item T) (string, bool) {
	if isNil(item) {
		return "", false
	}
	id := item.GetID()
	return id, id != ""
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
