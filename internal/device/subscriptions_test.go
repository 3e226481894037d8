package device

import (
	"sync"
	"testing"
)

// orderedSubscriber appends its name to a shared log.
type orderedSubscriber struct {
	name string
	log  *[]string
	mu   *sync.Mutex
}

func (o orderedSubscriber) StateChanged(State) {
	o.mu.Lock()
	*o.log = append(*o.log, o.name)
	o.mu.Unlock()
}

func TestRegistry_NotifyInRegistrationOrder(t *testing.T) {
	reg := NewRegistry()
	var log []string
	var mu sync.Mutex
	sub := func(name string) orderedSubscriber { return orderedSubscriber{name: name, log: &log, mu: &mu} }

	reg.Subscribe("a", sub("first"))
	reg.SubscribeAll(sub("second"))
	reg.Subscribe("a", sub("third"))
	reg.Subscribe("b", sub("other device"))
	reg.SubscribeAll(sub("fourth"))

	reg.notify(State{ID: "a"})

	want := []string{"first", "second", "third", "fourth"}
	if len(log) != len(want) {
		t.Fatalf("log = %v, want %v", log, want)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Errorf("log[%d] = %q, want %q", i, log[i], want[i])
		}
	}
}

func TestRegistry_SubscribeIsIdempotentForComparable(t *testing.T) {
	reg := NewRegistry()
	rec := &recorder{}

	h1 := reg.Subscribe("a", rec)
	h2 := reg.Subscribe("a", rec)
	if h1 != h2 {
		t.Errorf("handles differ: %v %v", h1, h2)
	}
	if reg.Count() != 1 {
		t.Errorf("Count() = %d, want 1", reg.Count())
	}

	reg.notify(State{ID: "a"})
	if n := len(rec.all()); n != 1 {
		t.Errorf("got %d notifications, want 1", n)
	}

	// A different device is a separate registration.
	if h3 := reg.Subscribe("b", rec); h3 == h1 {
		t.Error("same handle for different device")
	}
}

func TestRegistry_SubscribeFuncAlwaysAdds(t *testing.T) {
	reg := NewRegistry()
	fn := func(State) {}

	h1 := reg.SubscribeFunc("a", fn)
	h2 := reg.SubscribeFunc("a", fn)
	if h1 == h2 {
		t.Error("SubscribeFunc returned the same handle twice")
	}
	if !h1.Valid() || !h2.Valid() {
		t.Error("issued handle not valid")
	}
}

func TestRegistry_Unsubscribe(t *testing.T) {
	reg := NewRegistry()
	rec := &recorder{}
	h := reg.SubscribeAll(rec)

	reg.Unsubscribe(h)
	reg.Unsubscribe(h)
	reg.Unsubscribe(Handle{})
	reg.Unsubscribe(Handle{id: 42})

	reg.notify(State{ID: "a"})
	if n := len(rec.all()); n != 0 {
		t.Errorf("got %d notifications after Unsubscribe, want 0", n)
	}
	if reg.Count() != 0 {
		t.Errorf("Count() = %d, want 0", reg.Count())
	}
}

func TestRegistry_UnsubscribeDuringNotify(t *testing.T) {
	reg := NewRegistry()
	second := &recorder{}
	var h Handle

	reg.SubscribeFunc("a", func(State) { reg.Unsubscribe(h) })
	h = reg.Subscribe("a", second)

	reg.notify(State{ID: "a"})
	if n := len(second.all()); n != 0 {
		t.Errorf("unsubscribed subscriber called %d times", n)
	}
}

func TestRegistry_PanickingSubscriberIsIsolated(t *testing.T) {
	reg := NewRegistry()
	rec := &recorder{}

	reg.SubscribeFunc("a", func(State) { panic("boom") })
	reg.Subscribe("a", rec)

	reg.notify(State{ID: "a"})
	reg.notify(State{ID: "a"})

	if n := len(rec.all()); n != 2 {
		t.Errorf("got %d notifications, want 2", n)
	}
}

func TestRegistry_DropDeviceKeepsWildcard(t *testing.T) {
	reg := NewRegistry()
	dev, all := &recorder{}, &recorder{}
	reg.Subscribe("a", dev)
	reg.SubscribeAll(all)

	reg.dropDevice("a")
	reg.dropDevice(allDevices)
	reg.notify(State{ID: "a"})

	if n := len(dev.all()); n != 0 {
		t.Errorf("per-device subscriber called %d times", n)
	}
	if n := len(all.all()); n != 1 {
		t.Errorf("wildcard subscriber called %d times, want 1", n)
	}
}
