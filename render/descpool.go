// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package render

import (
	"sync"

	"github.com/ashfall/forge/driver"
	"github.com/ashfall/forge/internal/bitm"
	"github.com/ashfall/forge/internal/bitvec"
)

// setsPerPage is the number of descriptor-set copies the heap
// grows by each time every page is exhausted, matching
// original_source/src/motor/graphics/vulkan/internal.h's
// `enum { SETS_PER_PAGE = 16 }`.
const setsPerPage = 16

// descPool is a paged allocator of descriptor-set copies for a
// single set index of a PipelineLayout. Sets are content
// addressed: allocate returns a cached copy index when the
// exact same descriptor contents (plus dynamic offsets) were
// already bound, mirroring original_source's DescriptorPool
// (pool_hashmaps keyed by descriptor content hash).
//
// driver.DescHeap.New(n) invalidates every existing copy when n
// grows past the current Count (unless n is unchanged), so
// growth here drops every content-hash entry for the heap rather
// than only the newly added page (slot bits stay set until the
// next beginFrame); descriptor sets allocated before a
// growth must be resubmitted by the caller on next use, which
// the deferred-materialization design in cmdbuffer.go already
// does unconditionally on every draw where the hash check
// misses.
type descPool struct {
	dev      *Device
	heap     driver.DescHeap
	bindings []setBinding

	mu     sync.Mutex
	total  int // current heap.Count()
	slots  bitm.Bitm[uint32]
	byHash map[uint64]int   // content hash -> slot index
	dirty  bitvec.V[uint32] // per-page: has any byHash entry
}

func newDescPool(dev *Device, heap driver.DescHeap, bindings []setBinding) *descPool {
	return &descPool{dev: dev, heap: heap, bindings: bindings, byHash: map[uint64]int{}}
}

// grow adds one page of copies to the heap, invalidating
// previous content per driver.DescHeap.New's contract.
func (p *descPool) grow() error {
	newTotal := p.total + setsPerPage
	if err := p.heap.New(newTotal); err != nil {
		return err
	}
	p.total = newTotal
	// Bitm/bitvec words are 32 bits wide in this package; one
	// Grow(1) covers two pages' worth of slots at a time, which
	// is harmless since neither acquire nor beginFrame addresses
	// bits at or past p.total.
	if p.slots.Len() < newTotal {
		p.slots.Grow(1)
	}
	if page := (newTotal - 1) / setsPerPage; p.dirty.Len() <= page {
		p.dirty.Grow(1)
	}
	for h := range p.byHash {
		delete(p.byHash, h)
	}
	return nil
}

// acquire returns the slot index for a descriptor set whose
// content hashes to h, allocating and marking a fresh slot on a
// cache miss. fill is invoked with the newly allocated slot
// index only on a miss, and is expected to call the pool's
// DescHeap Set* methods to populate it.
func (p *descPool) acquire(h uint64, fill func(slot int)) (slot int, hit bool, err error) {
	p.mu.Lock()
	if s, ok := p.byHash[h]; ok {
		p.mu.Unlock()
		return s, true, nil
	}
	idx, ok := p.slots.Search()
	if !ok || idx >= p.total {
		if err := p.grow(); err != nil {
			p.mu.Unlock()
			return 0, false, err
		}
		idx, _ = p.slots.Search()
	}
	p.slots.Set(idx)
	p.byHash[h] = idx
	p.dirty.Set(idx / setsPerPage)
	p.mu.Unlock()

	fill(idx)
	return idx, false, nil
}

// beginFrame clears the content-hash cache for every page that
// has live entries, freeing their slots for reuse, without
// reallocating the heap. This is the "begin-frame per
// descriptor pool" invalidation boundary decided in
// SPEC_FULL.md §9.
func (p *descPool) beginFrame() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for page, isDirty := range p.dirty.All() {
		if !isDirty {
			continue
		}
		base := page * setsPerPage
		for i := base; i < base+setsPerPage && i < p.total; i++ {
			p.slots.Unset(i)
		}
		p.dirty.Unset(page)
	}
	for h := range p.byHash {
		delete(p.byHash, h)
	}
}

func (p *descPool) destroy() {
	// The owning PipelineLayout destroys the DescHeap itself;
	// descPool only owns the bookkeeping bitmaps/maps.
	p.byHash = nil
}
