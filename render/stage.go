// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package render

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/ashfall/forge/driver"
	"github.com/ashfall/forge/internal/bitm"
)

// stagingBlock is the size, in bytes, of each staging buffer's
// backing storage, and stagingGranule is the granularity (in
// bytes) of the free-space bitmap tracking it. Both match the
// teacher's engine/staging.go constants (stagingBlock = 131072,
// 32-bit words over 4096-byte granules).
const (
	stagingBlock   = 131072
	stagingGranule = 4096
)

// stagingBuffer is a single host-visible, persistently mapped
// buffer used as an intermediate step for CPU-to-GPU and
// GPU-to-CPU copies. Its free space is tracked in
// stagingGranule-sized units by a bitm.Bitm, exactly as the
// teacher's engine/staging.go tracks pending copies sharing a
// staging buffer.
type stagingBuffer struct {
	buf driver.Buffer
	bm  bitm.Bitm[uint32]
	cb  driver.CmdBuffer
	wk  driver.WorkItem
	ch  chan *driver.WorkItem
}

func newStagingBuffer(dev *Device) (*stagingBuffer, error) {
	buf, err := dev.gpu.NewBuffer(stagingBlock, true, driver.UShaderRead|driver.UShaderWrite)
	if err != nil {
		return nil, fmt.Errorf("render: new staging buffer: %w", err)
	}
	cb, err := dev.gpu.NewCmdBuffer()
	if err != nil {
		buf.Destroy()
		return nil, fmt.Errorf("render: new staging cmd buffer: %w", err)
	}
	sb := &stagingBuffer{buf: buf, cb: cb, ch: make(chan *driver.WorkItem, 1)}
	sb.bm.Grow(int(buf.Cap() / stagingGranule / 32))
	return sb, nil
}

// granules returns the number of stagingGranule units needed
// to hold n bytes.
func granules(n int64) int { return int((n + stagingGranule - 1) / stagingGranule) }

func (sb *stagingBuffer) destroy() {
	sb.cb.Destroy()
	sb.buf.Destroy()
}

// stagingPool is a small pool of stagingBuffers shared by
// one-shot uploads/downloads, grounded directly on the
// teacher's engine/staging.go package-level `staging` channel
// (there sized to runtime.GOMAXPROCS(-1), reused here per
// Device rather than as a process-wide global).
type stagingPool struct {
	dev  *Device
	mu   sync.Mutex
	free []*stagingBuffer
	n    int
	max  int
}

func newStagingPool(dev *Device) *stagingPool {
	return &stagingPool{dev: dev, max: runtime.GOMAXPROCS(-1)}
}

func (p *stagingPool) get() (*stagingBuffer, error) {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		sb := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return sb, nil
	}
	p.n++
	p.mu.Unlock()
	sb, err := newStagingBuffer(p.dev)
	if err != nil {
		p.mu.Lock()
		p.n--
		p.mu.Unlock()
	}
	return sb, err
}

func (p *stagingPool) put(sb *stagingBuffer) {
	p.mu.Lock()
	p.free = append(p.free, sb)
	p.mu.Unlock()
}

func (p *stagingPool) destroy() {
	p.mu.Lock()
	for _, sb := range p.free {
		sb.destroy()
	}
	p.free = nil
	p.mu.Unlock()
}

// commit records and submits a single copy out of/into a
// staging buffer and blocks until it completes.
func (p *stagingPool) commit(sb *stagingBuffer, record func(cb driver.CmdBuffer)) error {
	if err := sb.cb.Begin(); err != nil {
		return err
	}
	sb.cb.BeginBlit(false)
	record(sb.cb)
	sb.cb.EndBlit()
	if err := sb.cb.End(); err != nil {
		return err
	}
	sb.wk = driver.WorkItem{Work: []driver.CmdBuffer{sb.cb}}
	if err := p.dev.gpu.Commit(&sb.wk, sb.ch); err != nil {
		return err
	}
	wk := <-sb.ch
	return wk.Err
}

// uploadToBuffer copies data into dst at dstOff, chunked
// through one or more staging buffers as needed.
func (p *stagingPool) uploadToBuffer(dst driver.Buffer, dstOff int64, data []byte) error {
	for len(data) > 0 {
		n := int64(len(data))
		if n > stagingBlock {
			n = stagingBlock
		}
		if err := p.uploadChunk(dst, dstOff, data[:n]); err != nil {
			return err
		}
		data = data[n:]
		dstOff += n
	}
	return nil
}

func (p *stagingPool) uploadChunk(dst driver.Buffer, dstOff int64, data []byte) error {
	sb, err := p.get()
	if err != nil {
		return err
	}
	defer p.put(sb)

	g := granules(int64(len(data)))
	idx, ok := sb.bm.SearchRange(g)
	if !ok {
		// Every staging buffer is sized to hold a full chunk
		// from an empty state, so this can only happen if the
		// buffer was reused without its bitmap being reset.
		sb.bm.Clear()
		idx, _ = sb.bm.SearchRange(g)
	}
	off := int64(idx) * stagingGranule
	copy(sb.buf.Bytes()[off:], data)
	for i := idx; i < idx+g; i++ {
		sb.bm.Set(i)
	}
	err = p.commit(sb, func(cb driver.CmdBuffer) {
		cb.CopyBuffer(&driver.BufferCopy{
			From: sb.buf, FromOff: off,
			To: dst, ToOff: dstOff,
			Size: int64(len(data)),
		})
	})
	for i := idx; i < idx+g; i++ {
		sb.bm.Unset(i)
	}
	return err
}

// uploadToImage copies tightly packed pixel data into a single
// layer/level of dst.
func (p *stagingPool) uploadToImage(dst driver.Image, layer, level int, off driver.Off3D, size driver.Dim3D, stride [2]int64, data []byte) error {
	if int64(len(data)) > stagingBlock {
		return fmt.Errorf("render: image upload of %d bytes exceeds staging block size", len(data))
	}
	sb, err := p.get()
	if err != nil {
		return err
	}
	defer p.put(sb)

	g := granules(int64(len(data)))
	idx, ok := sb.bm.SearchRange(g)
	if !ok {
		sb.bm.Clear()
		idx, _ = sb.bm.SearchRange(g)
	}
	bufOff := int64(idx) * stagingGranule
	copy(sb.buf.Bytes()[bufOff:], data)
	for i := idx; i < idx+g; i++ {
		sb.bm.Set(i)
	}
	err = p.commit(sb, func(cb driver.CmdBuffer) {
		cb.CopyBufToImg(&driver.BufImgCopy{
			Buf: sb.buf, BufOff: bufOff,
			Stride: stride,
			Img:    dst,
			ImgOff: off,
			Layer:  layer,
			Level:  level,
			Size:   size,
		})
	})
	for i := idx; i < idx+g; i++ {
		sb.bm.Unset(i)
	}
	return err
}
