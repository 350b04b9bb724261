// Package concurrency implements the locking discipline shared by the
// flow, group and meter tables: N dataplane readers against one control
// plane writer, with a coarse "update" lock wrapping every writer
// transaction so a reader never observes a half-applied change.
package concurrency

import "sync"

// Barrier pairs the data RWMutex with the update lock. Writers take the
// update lock first and then the inner RWMutex write lock, and hold
// both for the whole transaction. Readers take only the read side.
type Barrier struct {
	update sync.Mutex
	data   sync.RWMutex
}

// RLock enters a reader critical section (one packet's walk through the
// pipeline).
func (b *Barrier) RLock() {
	b.data.RLock()
}

// RUnlock leaves the reader critical section.
func (b *Barrier) RUnlock() {
	b.data.RUnlock()
}

// Update runs fn as one writer transaction: the update lock serializes
// writers against each other for the full duration of fn, and the inner
// write lock excludes readers so they see either the pre-state or the
// post-state, never a partial one.
func (b *Barrier) Update(fn func() error) error {
	b.update.Lock()
	defer b.update.Unlock()

	b.data.Lock()
	defer b.data.Unlock()

	return fn()
}
