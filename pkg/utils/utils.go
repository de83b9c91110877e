// Package utils provides small shared helpers.
package utils

import (
	"sync"

	"github.com/google/uuid"
)

// UUID returns a new random v4 UUID.
func UUID() string {
	return uuid.NewString()
}

// AtomicInt32Counter implements a simple atomic counter.
type AtomicInt32Counter struct {
	counter int32
	lock    sync.RWMutex
}

// Increment increments the counter by delta.
func (a *AtomicInt32Counter) Increment(delta int32) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.counter += delta
}

// Count returns the current value.
func (a *AtomicInt32Counter) Count() int32 {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.counter
}
