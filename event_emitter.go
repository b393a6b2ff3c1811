package wscore

import (
	"sync"
)

// EventType identifies a lifecycle transition of a Client.
type EventType uint8

const (
	// EventConnect fires after an explicit Connect succeeds.
	EventConnect EventType = iota + 1
	// EventDisconnect fires whenever a live connection is torn down, whether
	// by the peer, an I/O failure or a manual Close.
	EventDisconnect
	// EventReconnect fires when an automatic reconnect restores the
	// connection.
	EventReconnect
)

func (e EventType) String() string {
	switch e {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventReconnect:
		return "reconnect"
	}
	return "unknown"
}

type callback[T any] func(T)

// EventEmitterCallback maps events of type K to listener callbacks taking V.
// Listeners run synchronously on the emitting goroutine, in registration
// order.
type EventEmitterCallback[K comparable, V any] struct {
	listeners map[K][]callback[V]
	lock      sync.RWMutex
}

// NewEventEmitter creates an empty EventEmitterCallback.
func NewEventEmitter[K comparable, V any]() *EventEmitterCallback[K, V] {
	return &EventEmitterCallback[K, V]{
		listeners: make(map[K][]callback[V]),
	}
}

// On registers a new listener for the given event.
func (e *EventEmitterCallback[K, V]) On(event K, listener callback[V]) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.listeners[event] = append(e.listeners[event], listener)
}

// Emit invokes every listener registered for the given event with data and
// returns once all of them have run. Emitting after Close is a no-op.
func (e *EventEmitterCallback[K, V]) Emit(event K, data V) {
	e.lock.RLock()
	defer e.lock.RUnlock()

	listeners, found := e.listeners[event]
	if !found {
		return
	}

	for _, listener := range listeners {
		listener(data)
	}
}

// Close drops all registered listeners.
func (e *EventEmitterCallback[K, V]) Close() {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.listeners = make(map[K][]callback[V])
}
