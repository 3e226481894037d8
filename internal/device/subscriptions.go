package device

import (
	"reflect"
	"sync"
	"sync/atomic"
)

// Subscriber receives the full state of a device after every observable change.
//
// Implementations must be fast. They run on a goroutine that changes state
// (the push read loop, the tick loop, or a command caller), and a slow
// subscriber holds up every later notification.
type Subscriber interface {
	StateChanged(State)
}

// SubscriberFunc adapts an ordinary function to Subscriber.
type SubscriberFunc func(State)

// StateChanged calls f(s).
func (f SubscriberFunc) StateChanged(s State) { f(s) }

// Handle identifies one registration. The zero Handle is never issued.
type Handle struct {
	id uint64
}

// Valid reports whether h was issued by a Registry.
func (h Handle) Valid() bool { return h.id != 0 }

// allDevices is the registry key for wildcard subscriptions.
const allDevices = ""

type subscription struct {
	handle   Handle
	deviceID string
	sub      Subscriber
	active   atomic.Bool
}

// Registry fans state changes out to subscribers.
//
// Registrations are independent of any connection: they survive reconnects
// and see connection status changes as ordinary state changes.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]*subscription // by device ID, allDevices for wildcard
	byID   map[uint64]*subscription
	logger Logger
}

// NewRegistry creates an empty subscriber registry.
func NewRegistry() *Registry {
	return &Registry{
		subs:   make(map[string][]*subscription),
		byID:   make(map[uint64]*subscription),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger used to report failing subscribers.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Subscribe registers s for changes to one device.
//
// Registering the same comparable Subscriber value twice for the same
// device returns the original handle. Function adapters are not comparable
// in Go, so every SubscribeFunc call creates a new registration.
func (r *Registry) Subscribe(deviceID string, s Subscriber) Handle {
	return r.add(deviceID, s)
}

// SubscribeFunc registers fn for changes to one device.
func (r *Registry) SubscribeFunc(deviceID string, fn func(State)) Handle {
	return r.add(deviceID, SubscriberFunc(fn))
}

// SubscribeAll registers s for changes to every device.
func (r *Registry) SubscribeAll(s Subscriber) Handle {
	return r.add(allDevices, s)
}

func (r *Registry) add(key string, s Subscriber) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reflect.TypeOf(s).Comparable() {
		for _, existing := range r.subs[key] {
			if reflect.TypeOf(existing.sub).Comparable() && existing.sub == s {
				return existing.handle
			}
		}
	}

	r.nextID++
	sub := &subscription{
		handle:   Handle{id: r.nextID},
		deviceID: key,
		sub:      s,
	}
	sub.active.Store(true)
	r.subs[key] = append(r.subs[key], sub)
	r.byID[sub.handle.id] = sub
	return sub.handle
}

// Unsubscribe removes a registration. Unknown, zero and already removed
// handles are ignored. Notifications that start after Unsubscribe returns
// skip the subscriber.
func (r *Registry) Unsubscribe(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byID[h.id]
	if !ok {
		return
	}
	sub.active.Store(false)
	delete(r.byID, h.id)

	list := r.subs[sub.deviceID]
	for i, s := range list {
		if s == sub {
			r.subs[sub.deviceID] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(r.subs[sub.deviceID]) == 0 {
		delete(r.subs, sub.deviceID)
	}
}

// Count returns the number of live registrations.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// dropDevice removes every per-device registration for id.
// Wildcard registrations are kept.
func (r *Registry) dropDevice(id string) {
	if id == allDevices {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.subs[id] {
		sub.active.Store(false)
		delete(r.byID, sub.handle.id)
	}
	delete(r.subs, id)
}

// targets returns the registrations interested in id, in registration order.
// Registration order is handle order, so the two lists are merged by id.
func (r *Registry) targets(id string) []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dev, all := r.subs[id], r.subs[allDevices]
	out := make([]*subscription, 0, len(dev)+len(all))
	i, j := 0, 0
	for i < len(dev) || j < len(all) {
		switch {
		case j == len(all) || (i < len(dev) && dev[i].handle.id < all[j].handle.id):
			out = append(out, dev[i])
			i++
		default:
			out = append(out, all[j])
			j++
		}
	}
	return out
}

// notify delivers s to every interested subscriber. A panicking subscriber
// is logged and skipped.
func (r *Registry) notify(s State) {
	for _, sub := range r.targets(s.ID) {
		if !sub.active.Load() {
			continue
		}
		r.invoke(sub, s.Clone())
	}
}

func (r *Registry) invoke(sub *subscription, s State) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in state subscriber",
				"device_id", s.ID,
				"handle", sub.handle.id,
				"panic", rec,
			)
		}
	}()
	sub.sub.StateChanged(s)
}
