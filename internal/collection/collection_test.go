package collection

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensaura/iothing/internal/device"
)

type recorder struct {
	mu      sync.Mutex
	changes []Change[*device.Device]
}

func (r *recorder) Notify(c Change[*device.Device]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) kinds() []ChangeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChangeKind, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.Kind
	}
	return out
}

func newObserved(t *testing.T) (*Collection[*device.Device], *recorder) {
	t.Helper()
	c := New[*device.Device]()
	r := &recorder{}
	c.Subscribe(r)
	return c, r
}

// assertConsistent checks that the id index and the sequence describe the
// same set of items.
func assertConsistent[T device.Identifiable](t *testing.T, c *Collection[T]) {
	t.Helper()
	c.mu.RLock()
	defer c.mu.RUnlock()

	require.Equal(t, len(c.items), len(c.index), "index and sequence sizes differ")
	seen := make(map[string]bool, len(c.items))
	for i, item := range c.items {
		id := item.GetID()
		require.False(t, seen[id], "id %q appears twice in the sequence", id)
		seen[id] = true
		pos, ok := c.index[id]
		require.True(t, ok, "id %q missing from index", id)
		require.Equal(t, i, pos, "index position for %q", id)
	}
}

func ids(c *Collection[*device.Device]) []string {
	var out []string
	for _, d := range c.All() {
		out = append(out, d.ID)
	}
	return out
}

func TestCollection_AddAndGet(t *testing.T) {
	c, r := newObserved(t)

	c.Add(device.NewUnconfigured("a", "Sensor-1"))

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "Sensor-1", got.Name)
	assert.Equal(t, []ChangeKind{Added}, r.kinds())
	assert.Same(t, c, r.changes[0].Source)
	assert.Equal(t, "a", r.changes[0].ID)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCollection_AddIgnoresNoIdentity(t *testing.T) {
	c, r := newObserved(t)

	c.Add(nil)
	c.Add(&device.Device{Name: "no id"})

	assert.Equal(t, 0, c.Len())
	assert.Empty(t, r.kinds())
}

func TestCollection_ReplaceIsSingleNotification(t *testing.T) {
	c, r := newObserved(t)

	first := device.NewUnconfigured("a", "old")
	c.Add(first)
	c.Add(device.NewUnconfigured("b", "B"))
	r.changes = nil

	replacement := first.Configure("node-1", "claimed")
	c.Add(replacement)

	require.Len(t, r.changes, 1)
	change := r.changes[0]
	assert.Equal(t, Replaced, change.Kind)
	assert.Same(t, first, change.Previous)
	assert.Same(t, replacement, change.Item)

	// Replacement keeps the original position.
	assert.Equal(t, []string{"a", "b"}, ids(c))
	got, _ := c.Get("a")
	assert.True(t, got.IsConfigured())
	assertConsistent(t, c)
}

func TestCollection_Replace(t *testing.T) {
	c, r := newObserved(t)

	first := device.NewUnconfigured("a", "old")
	c.Add(first)
	c.Add(device.NewUnconfigured("b", "B"))
	r.changes = nil

	replacement := first.Configure("node-1", "claimed")
	require.True(t, c.Replace(replacement))

	require.Len(t, r.changes, 1)
	assert.Equal(t, Replaced, r.changes[0].Kind)
	assert.Same(t, first, r.changes[0].Previous)
	assert.Same(t, replacement, r.changes[0].Item)
	assert.Equal(t, []string{"a", "b"}, ids(c))
	assertConsistent(t, c)
}

func TestCollection_ReplaceNeverInserts(t *testing.T) {
	c, r := newObserved(t)
	c.Add(device.NewUnconfigured("a", "A"))
	r.changes = nil

	assert.False(t, c.Replace(device.NewUnconfigured("gone", "Gone")))
	assert.False(t, c.Replace(nil))
	assert.False(t, c.Replace(&device.Device{Name: "no id"}))

	assert.Equal(t, []string{"a"}, ids(c))
	assert.Empty(t, r.kinds())
	assertConsistent(t, c)
}

func TestCollection_ReplaceRacingRemove(t *testing.T) {
	c := New[*device.Device]()

	var wg sync.WaitGroup
	for i := range 200 {
		id := fmt.Sprintf("dev-%d", i)
		c.Add(device.NewUnconfigured(id, id))
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Remove(id)
		}()
		go func() {
			defer wg.Done()
			c.Replace(device.NewUnconfigured(id, "claimed"))
		}()
	}
	wg.Wait()

	// Whatever the interleaving, a removed id stays removed.
	assert.Equal(t, 0, c.Len())
	assertConsistent(t, c)
}

func TestCollection_RemoveUnknownIsSilent(t *testing.T) {
	c, r := newObserved(t)
	c.Add(device.NewUnconfigured("a", "A"))
	r.changes = nil

	c.Remove("missing")
	c.Remove("")
	c.RemoveItem(nil)
	c.RemoveItem(device.NewUnconfigured("other", "Other"))

	assert.Empty(t, r.kinds())
	assert.Equal(t, 1, c.Len())
}

func TestCollection_Remove(t *testing.T) {
	c, r := newObserved(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		c.Add(device.NewUnconfigured(id, id))
	}
	r.changes = nil

	c.Remove("b")
	c.RemoveItem(device.NewUnconfigured("d", "different name, same id"))

	assert.Equal(t, []ChangeKind{Removed, Removed}, r.kinds())
	assert.Equal(t, "b", r.changes[0].Item.ID)
	assert.Equal(t, []string{"a", "c"}, ids(c))
	assertConsistent(t, c)
}

func TestCollection_Clear(t *testing.T) {
	c, r := newObserved(t)
	c.Clear()
	assert.Empty(t, r.kinds(), "clearing an empty collection is a no-op")

	c.Add(device.NewUnconfigured("a", "A"))
	c.Add(device.NewUnconfigured("b", "B"))
	c.Clear()

	assert.Equal(t, []ChangeKind{Added, Added, Cleared}, r.kinds())
	assert.Equal(t, 0, c.Len())
	assertConsistent(t, c)
}

func TestCollection_IndexAndSequenceStayConsistent(t *testing.T) {
	c := New[*device.Device]()
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		id := fmt.Sprintf("dev-%d", rng.Intn(25))
		switch rng.Intn(3) {
		case 0, 1:
			c.Add(device.NewUnconfigured(id, fmt.Sprintf("name-%d", i)))
		case 2:
			c.Remove(id)
		}
		if i%100 == 0 {
			assertConsistent(t, c)
		}
	}
	assertConsistent(t, c)
}

func TestCollection_ObserverSeesCommittedState(t *testing.T) {
	c := New[*device.Device]()
	var sawItem bool
	c.SubscribeFunc(func(ch Change[*device.Device]) {
		if ch.Kind == Added {
			_, sawItem = ch.Source.Get(ch.ID)
		}
	})

	c.Add(device.NewUnconfigured("a", "A"))

	assert.True(t, sawItem, "observer must see the post-mutation snapshot")
}

func TestCollection_ReentrantMutationFromObserver(t *testing.T) {
	c := New[*device.Device]()
	r := &recorder{}

	// Evict any device named "evict" as soon as it shows up.
	c.SubscribeFunc(func(ch Change[*device.Device]) {
		if ch.Kind == Added && ch.Item.Name == "evict" {
			ch.Source.Remove(ch.ID)
		}
	})
	c.Subscribe(r)

	c.Add(device.NewUnconfigured("a", "evict"))
	c.Add(device.NewUnconfigured("b", "keep"))

	assert.Equal(t, []ChangeKind{Added, Removed, Added}, r.kinds())
	assert.Equal(t, []string{"b"}, ids(c))
}

func TestCollection_Unsubscribe(t *testing.T) {
	c, r := newObserved(t)
	other := &recorder{}
	sub := c.Subscribe(other)

	c.Add(device.NewUnconfigured("a", "A"))
	c.Unsubscribe(sub)
	c.Add(device.NewUnconfigured("b", "B"))

	assert.Len(t, other.kinds(), 1)
	assert.Len(t, r.kinds(), 2)
}

func TestCollection_ConcurrentAdds(t *testing.T) {
	c, r := newObserved(t)

	var wg sync.WaitGroup
	for _, id := range []string{"A", "B"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			c.Add(device.NewUnconfigured(id, "Sensor-"+id))
		}(id)
	}
	wg.Wait()

	assert.True(t, c.Contains("A"))
	assert.True(t, c.Contains("B"))
	assertConsistent(t, c)

	// Delivery order equals commit order, which is also the sequence order.
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.changes, 2)
	assert.Equal(t, ids(c), []string{r.changes[0].ID, r.changes[1].ID})
}

func TestCollection_ConcurrentMixedOperations(t *testing.T) {
	c := New[*device.Device]()
	var mu sync.Mutex
	count := 0
	c.SubscribeFunc(func(Change[*device.Device]) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("dev-%d", (w*7+i)%20)
				if i%3 == 0 {
					c.Remove(id)
				} else {
					c.Add(device.NewUnconfigured(id, id))
				}
				c.Get(id)
			}
		}(w)
	}
	wg.Wait()

	assertConsistent(t, c)
	mu.Lock()
	defer mu.Unlock()
	assert.Positive(t, count)
}

func TestChangeKind_String(t *testing.T) {
	assert.Equal(t, "added", Added.String())
	assert.Equal(t, "replaced", Replaced.String())
	assert.Equal(t, "removed", Removed.String())
	assert.Equal(t, "cleared", Cleared.String())
	assert.Equal(t, "ChangeKind(9)", ChangeKind(9).String())
}

func TestChangeKind_TextRoundTrip(t *testing.T) {
	for _, kind := range []ChangeKind{Added, Replaced, Removed, Cleared} {
		text, err := kind.MarshalText()
		require.NoError(t, err)

		var got ChangeKind
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, kind, got)
	}

	var k ChangeKind
	assert.Error(t, k.UnmarshalText([]byte("moved")))
}
