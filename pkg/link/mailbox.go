package link

import "sync/atomic"

// Mailbox is a single-slot latest-value-wins cell shared between a network
// pump and a control loop. The pointer swap is the only synchronization, so
// a partially written message can never be observed; values stored must be
// treated as immutable.
type Mailbox[T any] struct {
	p atomic.Pointer[T]
}

// Put replaces the stored value.
func (m *Mailbox[T]) Put(v *T) { m.p.Store(v) }

// Take removes and returns the stored value, if any.
func (m *Mailbox[T]) Take() (*T, bool) {
	v := m.p.Swap(nil)
	return v, v != nil
}

// Peek returns the stored value without consuming it.
func (m *Mailbox[T]) Peek() (*T, bool) {
	v := m.p.Load()
	return v, v != nil
}
