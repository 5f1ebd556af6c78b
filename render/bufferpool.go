// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package render

import (
	"fmt"
	"sync"

	"github.com/ashfall/forge/driver"
)

// bufferBlock is a single persistently mapped backing buffer
// carved into sub-allocations by a bump allocator.
// It is the Go analogue of the reference implementation's
// BufferBlock: {buffer, offset, alignment, size, mapping}.
type bufferBlock struct {
	buf driver.Buffer
	off int64 // next free byte, bump-allocated
	cap int64
}

func (b *bufferBlock) remain() int64 { return b.cap - b.off }

// BufferAlloc identifies a live sub-range of a bufferPool's
// backing buffer.
type BufferAlloc struct {
	block *bufferBlock
	// Off is the byte offset of the allocation within the
	// backing buffer returned by Buffer.
	Off int64
	// Size is the padded (alignment-rounded) size of the
	// allocation.
	Size int64
}

// Buffer returns the backing driver.Buffer for this allocation.
// Off/Size index into it.
func (a BufferAlloc) Buffer() driver.Buffer { return a.block.buf }

// Bytes returns the mapped byte range of this allocation. It
// panics if the backing buffer is not host-visible.
func (a BufferAlloc) Bytes() []byte {
	return a.block.buf.Bytes()[a.Off : a.Off+a.Size]
}

// bufferPool is a transient sub-allocator for a single usage
// class (uniform, vertex or index data), grounded on
// original_source/src/motor/graphics/vulkan/internal.h's
// BufferPool/BufferBlock and on the teacher's engine/mesh/
// storage.go bump allocator (adapted from a single growable
// buffer into a pool of fixed-size recyclable blocks, which is
// what the reference BufferPool actually does).
type bufferPool struct {
	dev       *Device
	blockSize int64
	alignment int64
	usage     driver.Usage

	mu   sync.Mutex
	free []*bufferBlock
}

func newBufferPool(dev *Device, blockSize, alignment int64, usage driver.Usage) *bufferPool {
	return &bufferPool{dev: dev, blockSize: blockSize, alignment: alignment, usage: usage}
}

func roundUp(n, align int64) int64 {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

// lease returns a block with at least size bytes of remaining
// capacity, creating a new backing buffer if no recycled block
// fits. The caller owns the block until it calls recycle.
func (p *bufferPool) lease(size int64) (*bufferBlock, error) {
	p.mu.Lock()
	for i, b := range p.free {
		if b.remain() >= size {
			p.free = append(p.free[:i], p.free[i+1:]...)
			p.mu.Unlock()
			return b, nil
		}
	}
	p.mu.Unlock()

	sz := p.blockSize
	if size > sz {
		sz = size
	}
	buf, err := p.dev.gpu.NewBuffer(sz, true, p.usage)
	if err != nil {
		return nil, fmt.Errorf("render: leasing buffer block: %w", err)
	}
	return &bufferBlock{buf: buf, cap: buf.Cap()}, nil
}

// allocate bump-allocates size bytes (rounded up to the pool's
// alignment) from block. ok is false if block lacks capacity,
// in which case the caller must lease a fresh block.
func (p *bufferPool) allocate(block *bufferBlock, size int64) (a BufferAlloc, ok bool) {
	padded := roundUp(size, p.alignment)
	if block.off+padded > block.cap {
		return BufferAlloc{}, false
	}
	a = BufferAlloc{block: block, Off: block.off, Size: padded}
	block.off += padded
	return a, true
}

// recycle returns block to the pool's free list, without
// freeing the backing buffer, resetting its write cursor so it
// may be reused by a later lease.
func (p *bufferPool) recycle(block *bufferBlock) {
	block.off = 0
	p.mu.Lock()
	p.free = append(p.free, block)
	p.mu.Unlock()
}

func (p *bufferPool) destroy() {
	p.mu.Lock()
	for _, b := range p.free {
		b.buf.Destroy()
	}
	p.free = nil
	p.mu.Unlock()
}

// blockLease tracks every bufferBlock leased during a single
// command buffer's recording session, growing into a new block
// transparently when the current one runs out of room. All
// blocks it ever leased are recycled together when the command
// buffer is freed (see cmdbuffer.go), which is what gives
// transient allocations their per-command-buffer lifetime.
type blockLease struct {
	pool   *bufferPool
	blocks []*bufferBlock
}

// alloc leases an initial (or additional) block as needed and
// returns size bytes from it.
func (l *blockLease) alloc(size int64) (BufferAlloc, error) {
	if n := len(l.blocks); n > 0 {
		if a, ok := l.pool.allocate(l.blocks[n-1], size); ok {
			return a, nil
		}
	}
	b, err := l.pool.lease(roundUp(size, l.pool.alignment))
	if err != nil {
		return BufferAlloc{}, err
	}
	l.blocks = append(l.blocks, b)
	a, ok := l.pool.allocate(b, size)
	if !ok {
		return BufferAlloc{}, fmt.Errorf("render: allocation of %d bytes exceeds block size", size)
	}
	return a, nil
}

// release recycles every block this lease ever leased.
func (l *blockLease) release() {
	for _, b := range l.blocks {
		l.pool.recycle(b)
	}
	l.blocks = l.blocks[:0]
}
