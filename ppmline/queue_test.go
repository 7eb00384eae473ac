package ppmline

import (
	"context"
	"testing"
	"time"

	"ppmflash.dev/ppm"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := newQueue(QueueCapacity)
	for i := range 3 {
		q.Push(ppm.Frame{Tag: ppm.TagSession, Words: []uint16{uint16(i)}})
	}
	for i := range 3 {
		f, ok := q.Pop(context.Background())
		if !ok {
			t.Fatalf("pop %d: not ok", i)
		}
		if f.Words[0] != uint16(i) {
			t.Fatalf("pop %d: got word %d, want %d (order not preserved)", i, f.Words[0], i)
		}
	}
}

func TestQueueDropsNewestOnFull(t *testing.T) {
	q := newQueue(QueueCapacity)
	for i := range QueueCapacity {
		if !q.Push(ppm.Frame{Words: []uint16{uint16(i)}}) {
			t.Fatalf("push %d: unexpectedly dropped", i)
		}
	}
	if q.Push(ppm.Frame{Words: []uint16{99}}) {
		t.Fatal("push into full queue should have been dropped")
	}
	if q.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", q.Dropped())
	}
	// The oldest four entries must still be there, in order, unharmed
	// by the dropped fifth.
	for i := range QueueCapacity {
		f, ok := q.Pop(context.Background())
		if !ok || f.Words[0] != uint16(i) {
			t.Fatalf("pop %d: got %+v, ok=%v", i, f, ok)
		}
	}
}

func TestQueuePopTimeout(t *testing.T) {
	q := newQueue(QueueCapacity)
	start := time.Now()
	_, ok := q.PopTimeout(20 * time.Millisecond)
	if ok {
		t.Fatal("expected timeout on empty queue")
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatal("returned suspiciously early")
	}
}

func TestQueueClear(t *testing.T) {
	q := newQueue(QueueCapacity)
	q.Push(ppm.Frame{})
	q.Clear()
	if q.Len() != 0 {
		t.Fatalf("len = %d after Clear, want 0", q.Len())
	}
}
