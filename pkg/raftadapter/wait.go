package raftadapter

import (
	"sync"
)

// appliedWait wakes callers once the applied index reaches their target.
type appliedWait struct {
	mu      sync.Mutex
	applied uint64
	waiters map[uint64][]chan struct{}
}

func newAppliedWait(applied uint64) *appliedWait {
	return &appliedWait{applied: applied, waiters: make(map[uint64][]chan struct{})}
}

// wait returns a channel closed once applied >= index.
func (w *appliedWait) wait(index uint64) <-chan struct{} {
	ch := make(chan struct{})

	w.mu.Lock()
	defer w.mu.Unlock()

	if index <= w.applied {
		close(ch)
		return ch
	}
	w.waiters[index] = append(w.waiters[index], ch)
	return ch
}

func (w *appliedWait) trigger(applied uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if applied > w.applied {
		w.applied = applied
	}
	for idx, chans := range w.waiters {
		if idx > w.applied {
			continue
		}
		for _, ch := range chans {
			close(ch)
		}
		delete(w.waiters, idx)
	}
}

// readWait matches raft ReadStates to pending ReadIndex calls by request context.
type readWait struct {
	mu      sync.Mutex
	pending map[string]chan uint64
}

func newReadWait() *readWait {
	return &readWait{pending: make(map[string]chan uint64)}
}

func (w *readWait) register(key string) chan uint64 {
	ch := make(chan uint64, 1)
	w.mu.Lock()
	w.pending[key] = ch
	w.mu.Unlock()
	return ch
}

func (w *readWait) cancel(key string) {
	w.mu.Lock()
	delete(w.pending, key)
	w.mu.Unlock()
}

func (w *readWait) trigger(key string, index uint64) {
	w.mu.Lock()
	ch, ok := w.pending[key]
	delete(w.pending, key)
	w.mu.Unlock()

	if ok {
		ch <- index
	}
}
