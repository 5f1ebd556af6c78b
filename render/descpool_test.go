// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package render

import (
	"testing"

	"github.com/ashfall/forge/driver"
)

func newTestDescPool(t *testing.T, dev *Device) *descPool {
	t.Helper()
	heap, err := dev.gpu.NewDescHeap([]driver.Descriptor{{Type: driver.DConstant, Nr: 0, Len: 1}})
	if err != nil {
		t.Fatal(err)
	}
	return newDescPool(dev, heap, []setBinding{{Binding: 0, Type: driver.DConstant, Count: 1}})
}

func TestDescPoolCacheHit(t *testing.T) {
	dev := newTestDevice(t, Config{})
	p := newTestDescPool(t, dev)

	calls := 0
	slot1, hit1, err := p.acquire(42, func(int) { calls++ })
	if err != nil {
		t.Fatal(err)
	}
	if hit1 {
		t.Fatalf("first acquire with a fresh hash must miss")
	}
	slot2, hit2, err := p.acquire(42, func(int) { calls++ })
	if err != nil {
		t.Fatal(err)
	}
	if !hit2 {
		t.Fatalf("second acquire with the same hash must hit")
	}
	if slot1 != slot2 {
		t.Fatalf("cache hit returned a different slot: %d != %d", slot1, slot2)
	}
	if calls != 1 {
		t.Fatalf("fill must only run once, ran %d times", calls)
	}
}

func TestDescPoolGrowsBeyondOnePage(t *testing.T) {
	dev := newTestDevice(t, Config{})
	p := newTestDescPool(t, dev)

	seen := map[int]bool{}
	for i := 0; i < setsPerPage+1; i++ {
		slot, _, err := p.acquire(uint64(i+1), func(int) {})
		if err != nil {
			t.Fatal(err)
		}
		if seen[slot] {
			t.Fatalf("slot %d allocated twice", slot)
		}
		seen[slot] = true
	}
	if p.total < setsPerPage+1 {
		t.Fatalf("expected pool to grow past one page, total=%d", p.total)
	}
}

func TestDescPoolBeginFrameFreesSlots(t *testing.T) {
	dev := newTestDevice(t, Config{})
	p := newTestDescPool(t, dev)

	slot, _, err := p.acquire(7, func(int) {})
	if err != nil {
		t.Fatal(err)
	}
	p.beginFrame()

	calls := 0
	newSlot, hit, err := p.acquire(7, func(int) { calls++ })
	if err != nil {
		t.Fatal(err)
	}
	if hit {
		t.Fatalf("acquire after beginFrame must miss, the cache should have been cleared")
	}
	if calls != 1 {
		t.Fatalf("expected fill to run exactly once after beginFrame")
	}
	_ = slot
	_ = newSlot
}
