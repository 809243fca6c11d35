package rdt

import (
	"sync"
	"time"
)

// timerRegistry owns the retransmission timers of one engine, keyed by
// byte offset (one key per unacked segment for selective repeat, a
// single key for the go-back-n window timer). All methods require the
// engine lock, and fired callbacks run under the same lock, so a timer
// cancelled while its callback races the lock never reaches the engine.
type timerRegistry struct {
	mutex  *sync.Mutex
	active map[uint32]*timerHandle
}

type timerHandle struct {
	timer     *time.Timer
	cancelled bool
}

func newTimerRegistry(mutex *sync.Mutex) *timerRegistry {
	return &timerRegistry{
		mutex:  mutex,
		active: make(map[uint32]*timerHandle),
	}
}

// schedule arms the timer for key, replacing any live one. fire runs
// with the engine lock held.
func (registry *timerRegistry) schedule(key uint32, d time.Duration, fire func()) {
	if handle, ok := registry.active[key]; ok {
		handle.cancelled = true
		handle.timer.Stop()
	}
	handle := &timerHandle{}
	handle.timer = time.AfterFunc(d, func() {
		registry.mutex.Lock()
		defer registry.mutex.Unlock()
		if handle.cancelled {
			return
		}
		if registry.active[key] == handle {
			delete(registry.active, key)
		}
		fire()
	})
	registry.active[key] = handle
}

func (registry *timerRegistry) cancel(key uint32) {
	handle, ok := registry.active[key]
	if !ok {
		return
	}
	handle.cancelled = true
	handle.timer.Stop()
	delete(registry.active, key)
}

func (registry *timerRegistry) cancelAll() {
	for key, handle := range registry.active {
		handle.cancelled = true
		handle.timer.Stop()
		delete(registry.active, key)
	}
}

func (registry *timerRegistry) pending(key uint32) bool {
	_, ok := registry.active[key]
	return ok
}

func (registry *timerRegistry) count() int {
	return len(registry.active)
}
