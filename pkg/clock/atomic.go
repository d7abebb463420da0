package clock

import "sync/atomic"

// AtomicClock is a monotonically increasing counter. Used for applied and
// snapshot indexes that are written by one loop and read by many.
type AtomicClock struct {
	atomic.Uint64
}

func NewAtomic(init uint64) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

func (ac *AtomicClock) Val() uint64 {
	return ac.Load()
}

func (ac *AtomicClock) Next() uint64 {
	return ac.Add(1)
}

// Set overwrites the value unconditionally. Only snapshot restore may move it back.
func (ac *AtomicClock) Set(t uint64) {
	ac.Store(t)
}

// Advance moves the clock forward to t. It reports false if t is not ahead.
func (ac *AtomicClock) Advance(t uint64) bool {
	for {
		cur := ac.Load()
		if t <= cur {
			return false
		}
		if ac.CompareAndSwap(cur, t) {
			return true
		}
	}
}
