// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package render

import (
	"fmt"

	"github.com/ashfall/forge/driver"
)

// descKind distinguishes which driver.DescHeap Set* method a
// bound slot must be materialized through.
type descKind int

const (
	descNone descKind = iota
	descBuffer
	descImage
	descSampler
)

// boundSlot is one (set, binding) entry of a CmdBuffer's
// binding table, mirroring a single cell of
// original_source/internal.h's MtCmdBuffer.bound_descriptors.
type boundSlot struct {
	kind descKind
	buf  driver.Buffer
	off  int64
	size int64
	img  driver.ImageView
	spl  driver.Sampler
}

// hash folds s's content into h. dynamic is true when s is bound
// through a DConstantDyn binding, whose byte offset is supplied as
// a command-time dynamic offset rather than being part of the
// descriptor's written content (SPEC_FULL.md §4.2) — excluding it
// here lets repeated per-draw sub-allocations of the same buffer
// range size dedup against the descriptor-set cache instead of
// forcing a rematerialization on every draw.
func (s boundSlot) hash(h *hasher, dynamic bool) {
	h.i32(int32(s.kind))
	switch s.kind {
	case descBuffer:
		if !dynamic {
			h.u64(uint64(s.off))
		}
		h.u64(uint64(s.size))
		h.u64(uint64(ptrHash(s.buf)))
	case descImage:
		h.u64(uint64(ptrHash(s.img)))
	case descSampler:
		h.u64(uint64(ptrHash(s.spl)))
	}
}

// ptrHash derives a stable per-process identity for an opaque
// driver resource handle, used only to fold resource identity
// into a descriptor-content hash (not for correctness of the
// handle itself).
func ptrHash(x any) uint64 {
	if x == nil {
		return 0
	}
	return hashBytes([]byte(fmt.Sprintf("%p", x)))
}

// CmdBuffer is a driver.CmdBuffer wrapped with the binding-table
// state tracker and transient sub-allocators described in
// SPEC_FULL.md §4.5. Binding operations are deferred: they only
// record into the table, which is materialized into real
// descriptor sets by flushDescriptors immediately before a draw
// or dispatch, skipping the GPU update entirely when the content
// is unchanged since the last flush.
type CmdBuffer struct {
	dev    *Device
	worker WorkerId
	cb     driver.CmdBuffer

	pipeline *Pipeline
	pass     driver.RenderPass
	subpass  int
	passHash uint64

	bound    [MaxDescriptorSets][MaxDescriptorBindings]boundSlot
	setHash  [MaxDescriptorSets]uint64
	setSlot  [MaxDescriptorSets]int
	setValid [MaxDescriptorSets]bool

	ubo blockLease
	vbo blockLease
	ibo blockLease
}

// NewCmdBuffer allocates (or reuses) a command buffer for the
// given worker and begins recording.
func (d *Device) NewCmdBuffer(worker WorkerId) (*CmdBuffer, error) {
	cb, err := d.rawCmdBuffer(worker)
	if err != nil {
		return nil, err
	}
	if err := cb.Begin(); err != nil {
		d.RecycleCmdBuffer(worker, cb)
		return nil, err
	}
	return &CmdBuffer{
		dev:    d,
		worker: worker,
		cb:     cb,
		ubo:    blockLease{pool: d.ubo},
		vbo:    blockLease{pool: d.vbo},
		ibo:    blockLease{pool: d.ibo},
	}, nil
}

// Driver returns the underlying driver.CmdBuffer.
func (c *CmdBuffer) Driver() driver.CmdBuffer { return c.cb }

// BeginPass begins a render pass on the command buffer.
// passHash identifies the render-pass compatibility class, used
// to select the right cached Pipeline instance in SetPipeline.
func (c *CmdBuffer) BeginPass(pass driver.RenderPass, fb driver.Framebuf, clear []driver.ClearValue, subpass int, passHash uint64) {
	c.pass, c.subpass, c.passHash = pass, subpass, passHash
	c.cb.BeginPass(pass, fb, clear)
}

// NextSubpass advances to the next subpass.
func (c *CmdBuffer) NextSubpass(subpass int) {
	c.subpass = subpass
	c.cb.NextSubpass()
}

// EndPass ends the current render pass.
func (c *CmdBuffer) EndPass() {
	c.cb.EndPass()
	c.pass, c.pipeline = nil, nil
}

// BeginWork begins compute work.
func (c *CmdBuffer) BeginWork(wait bool) { c.cb.BeginWork(wait) }

// EndWork ends compute work.
func (c *CmdBuffer) EndWork() {
	c.cb.EndWork()
	c.pipeline = nil
}

// BeginBlit begins data transfer.
func (c *CmdBuffer) BeginBlit(wait bool) { c.cb.BeginBlit(wait) }

// EndBlit ends data transfer.
func (c *CmdBuffer) EndBlit() { c.cb.EndBlit() }

// SetPipeline binds p, materializing (and caching) the concrete
// driver.Pipeline instance appropriate for the current render
// pass, or for compute work outside a render pass.
func (c *CmdBuffer) SetPipeline(p *Pipeline) error {
	inst, err := p.Instance(c.pass, c.subpass, c.passHash)
	if err != nil {
		return err
	}
	c.pipeline = p
	c.cb.SetPipeline(inst)
	// A different pipeline may use a different layout, so any
	// previously materialized descriptor sets are no longer
	// known-valid for the sets this pipeline declares.
	for i := range c.setValid {
		c.setValid[i] = false
	}
	return nil
}

func (c *CmdBuffer) SetViewport(vp []driver.Viewport)         { c.cb.SetViewport(vp) }
func (c *CmdBuffer) SetScissor(sciss []driver.Scissor)        { c.cb.SetScissor(sciss) }
func (c *CmdBuffer) SetBlendColor(r, g, b, a float32)         { c.cb.SetBlendColor(r, g, b, a) }
func (c *CmdBuffer) SetStencilRef(value uint32)               { c.cb.SetStencilRef(value) }

// BindUniform copies data into a freshly allocated range of the
// device's transient uniform buffer pool and records it as the
// descriptor at (set, binding).
func (c *CmdBuffer) BindUniform(data []byte, set, binding int) error {
	a, err := c.ubo.alloc(int64(len(data)))
	if err != nil {
		return err
	}
	copy(a.Bytes(), data)
	c.setSlotDesc(set, binding, boundSlot{kind: descBuffer, buf: a.Buffer(), off: a.Off, size: int64(len(data))})
	return nil
}

// BindStorageBuffer records buf[off:off+size] as the descriptor
// at (set, binding), without copying or pool allocation.
func (c *CmdBuffer) BindStorageBuffer(buf driver.Buffer, off, size int64, set, binding int) {
	c.setSlotDesc(set, binding, boundSlot{kind: descBuffer, buf: buf, off: off, size: size})
}

// BindImage records iv as the descriptor at (set, binding).
func (c *CmdBuffer) BindImage(iv driver.ImageView, set, binding int) {
	c.setSlotDesc(set, binding, boundSlot{kind: descImage, img: iv})
}

// BindSampler records spl as the descriptor at (set, binding).
func (c *CmdBuffer) BindSampler(spl driver.Sampler, set, binding int) {
	c.setSlotDesc(set, binding, boundSlot{kind: descSampler, spl: spl})
}

// BindImageSampler is a convenience wrapper recording an image
// and a sampler at two distinct binding indices of the same
// set, since this driver's descriptor model keeps DTexture and
// DSampler as separate bindings rather than a single combined
// descriptor.
func (c *CmdBuffer) BindImageSampler(iv driver.ImageView, spl driver.Sampler, set, texBinding, splBinding int) {
	c.BindImage(iv, set, texBinding)
	c.BindSampler(spl, set, splBinding)
}

func (c *CmdBuffer) setSlotDesc(set, binding int, s boundSlot) {
	if set < 0 || set >= MaxDescriptorSets || binding < 0 || binding >= MaxDescriptorBindings {
		return
	}
	c.bound[set][binding] = s
	c.setValid[set] = false
}

// BindVertexData leases space from the transient vertex buffer
// pool, copies data into it, and binds it at the given vertex
// input slot.
func (c *CmdBuffer) BindVertexData(start int, data []byte) error {
	a, err := c.vbo.alloc(int64(len(data)))
	if err != nil {
		return err
	}
	copy(a.Bytes(), data)
	c.cb.SetVertexBuf(start, []driver.Buffer{a.Buffer()}, []int64{a.Off})
	return nil
}

// BindIndexData leases space from the transient index buffer
// pool, copies data into it, and binds it as the index buffer.
func (c *CmdBuffer) BindIndexData(format driver.IndexFmt, data []byte) error {
	a, err := c.ibo.alloc(int64(len(data)))
	if err != nil {
		return err
	}
	copy(a.Bytes(), data)
	c.cb.SetIndexBuf(format, a.Buffer(), a.Off)
	return nil
}

func (c *CmdBuffer) SetVertexBuf(start int, buf []driver.Buffer, off []int64) {
	c.cb.SetVertexBuf(start, buf, off)
}

func (c *CmdBuffer) SetIndexBuf(format driver.IndexFmt, buf driver.Buffer, off int64) {
	c.cb.SetIndexBuf(format, buf, off)
}

// flushDescriptors materializes, for every set the bound
// pipeline's layout declares, a descriptor-set copy whose
// content matches the command buffer's current binding table,
// skipping the descPool round-trip entirely when nothing
// changed since the slot was last valid.
func (c *CmdBuffer) flushDescriptors() error {
	if c.pipeline == nil {
		return fmt.Errorf("render: flush descriptors: no pipeline bound")
	}
	layout := c.pipeline.layout
	sets := layout.Sets()
	if len(sets) == 0 {
		return nil
	}
	heapCopy := make([]int, len(sets))
	var dynOff []uint32
	for i, bindings := range sets {
		if len(bindings) == 0 {
			heapCopy[i] = 0
			continue
		}
		h := newHasher()
		for _, b := range bindings {
			c.bound[i][b.Binding].hash(&h, b.Dynamic)
			if b.Dynamic {
				dynOff = append(dynOff, uint32(c.bound[i][b.Binding].off))
			}
		}
		hash := h.sum()

		if c.setValid[i] && c.setHash[i] == hash {
			heapCopy[i] = c.setSlot[i]
			continue
		}
		slot, _, err := layout.descPools[i].acquire(hash, func(slot int) {
			c.materializeSet(layout, i, slot, bindings)
		})
		if err != nil {
			return err
		}
		c.setHash[i], c.setSlot[i], c.setValid[i] = hash, slot, true
		heapCopy[i] = slot
	}
	if c.pipeline.compute {
		c.cb.SetDescTableComp(layout.Table(), 0, heapCopy, dynOff)
	} else {
		c.cb.SetDescTableGraph(layout.Table(), 0, heapCopy, dynOff)
	}
	return nil
}

func (c *CmdBuffer) materializeSet(layout *PipelineLayout, set, slot int, bindings []setBinding) {
	heap := layout.heaps[set]
	for _, b := range bindings {
		s := c.bound[set][b.Binding]
		switch s.kind {
		case descBuffer:
			off := s.off
			if b.Dynamic {
				// The descriptor's written offset stays at the
				// base of the range; the per-draw position is
				// supplied separately as a dynamic offset in
				// flushDescriptors.
				off = 0
			}
			heap.SetBuffer(slot, b.Binding, 0, []driver.Buffer{s.buf}, []int64{off}, []int64{s.size})
		case descImage:
			heap.SetImage(slot, b.Binding, 0, []driver.ImageView{s.img})
		case descSampler:
			heap.SetSampler(slot, b.Binding, 0, []driver.Sampler{s.spl})
		}
	}
}

// Draw flushes descriptors and issues a draw call.
func (c *CmdBuffer) Draw(vertCount, instCount, baseVert, baseInst int) error {
	if err := c.flushDescriptors(); err != nil {
		return err
	}
	c.cb.Draw(vertCount, instCount, baseVert, baseInst)
	return nil
}

// DrawIndexed flushes descriptors and issues an indexed draw
// call.
func (c *CmdBuffer) DrawIndexed(idxCount, instCount, baseIdx, vertOff, baseInst int) error {
	if err := c.flushDescriptors(); err != nil {
		return err
	}
	c.cb.DrawIndexed(idxCount, instCount, baseIdx, vertOff, baseInst)
	return nil
}

// Dispatch flushes descriptors and issues a compute dispatch.
func (c *CmdBuffer) Dispatch(x, y, z int) error {
	if err := c.flushDescriptors(); err != nil {
		return err
	}
	c.cb.Dispatch(x, y, z)
	return nil
}

func (c *CmdBuffer) CopyBuffer(p *driver.BufferCopy)     { c.cb.CopyBuffer(p) }
func (c *CmdBuffer) CopyImage(p *driver.ImageCopy)       { c.cb.CopyImage(p) }
func (c *CmdBuffer) CopyBufToImg(p *driver.BufImgCopy)   { c.cb.CopyBufToImg(p) }
func (c *CmdBuffer) CopyImgToBuf(p *driver.BufImgCopy)   { c.cb.CopyImgToBuf(p) }
func (c *CmdBuffer) Fill(buf driver.Buffer, off int64, value byte, size int64) {
	c.cb.Fill(buf, off, value, size)
}
func (c *CmdBuffer) Barrier(b []driver.Barrier)         { c.cb.Barrier(b) }
func (c *CmdBuffer) Transition(t []driver.Transition)   { c.cb.Transition(t) }

// End ends command recording.
func (c *CmdBuffer) End() error { return c.cb.End() }

// Release recycles every transient allocation this command
// buffer leased and returns the underlying driver.CmdBuffer to
// its worker pool. It must only be called after the command
// buffer's WorkItem has completed execution.
func (c *CmdBuffer) Release() {
	c.ubo.release()
	c.vbo.release()
	c.ibo.release()
	c.dev.RecycleCmdBuffer(c.worker, c.cb)
}
