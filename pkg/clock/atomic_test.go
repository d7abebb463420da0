package clock

import (
	"sync"
	"testing"
)

func TestAtomicClock_Advance(t *testing.T) {
	c := NewAtomic(5)

	if c.Advance(3) {
		t.Fatal("advance backwards must be refused")
	}
	if !c.Advance(7) {
		t.Fatal("advance forward must succeed")
	}
	if c.Val() != 7 {
		t.Fatalf("expected 7, got %d", c.Val())
	}
}

func TestAtomicClock_ConcurrentAdvance(t *testing.T) {
	c := NewAtomic(0)

	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			c.Advance(v)
		}(uint64(i))
	}
	wg.Wait()

	if c.Val() != 100 {
		t.Fatalf("expected max value 100, got %d", c.Val())
	}
}
