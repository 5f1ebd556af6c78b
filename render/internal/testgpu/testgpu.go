// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package testgpu implements an in-memory driver.Driver that
// records and validates calls instead of talking to a real GPU,
// for use in render package tests that need a driver.GPU but
// must not depend on a working Vulkan installation. It mirrors
// driver/vk's structure (one small concrete type per driver
// interface) without any of the cgo/Vulkan plumbing.
package testgpu

import (
	"fmt"
	"sync"

	"github.com/ashfall/forge/driver"
)

// New returns a fresh driver.Driver backed by an in-memory GPU.
// Each call returns an independent driver so tests do not share
// state.
func New() driver.Driver { return &testDriver{name: "testgpu"} }

type testDriver struct {
	name string
	gpu  *gpu
}

func (d *testDriver) Open() (driver.GPU, error) {
	if d.gpu == nil {
		d.gpu = &gpu{}
	}
	return d.gpu, nil
}

func (d *testDriver) Name() string { return d.name }

func (d *testDriver) Close() { d.gpu = nil }

type gpu struct {
	mu sync.Mutex
}

func (g *gpu) Driver() driver.Driver { return nil }

// Commit checks that every command buffer belongs to this
// driver and has ended, and sends wk back immediately: there is
// no asynchronous GPU here, so completion is instant, but the
// channel protocol is preserved so caller code written against
// the real driver works unmodified against this one. Recorded
// calls are not replayed here; CopyBuffer applies its copy at
// record time.
func (g *gpu) Commit(wk *driver.WorkItem, ch chan<- *driver.WorkItem) error {
	for _, cb := range wk.Work {
		tcb, ok := cb.(*cmdBuffer)
		if !ok {
			return fmt.Errorf("testgpu: foreign command buffer")
		}
		if !tcb.ended {
			return fmt.Errorf("testgpu: command buffer not ended")
		}
	}
	ch <- wk
	return nil
}

func (g *gpu) WaitIdle() error { return nil }

func (g *gpu) NewCmdBuffer() (driver.CmdBuffer, error) { return &cmdBuffer{}, nil }

func (g *gpu) NewRenderPass(att []driver.Attachment, sub []driver.Subpass) (driver.RenderPass, error) {
	a := make([]driver.Attachment, len(att))
	copy(a, att)
	return &renderPass{att: a}, nil
}

func (g *gpu) NewShaderCode(data []byte) (driver.ShaderCode, error) {
	return &shaderCode{size: len(data)}, nil
}

func (g *gpu) NewDescHeap(ds []driver.Descriptor) (driver.DescHeap, error) {
	d := make([]driver.Descriptor, len(ds))
	copy(d, ds)
	return &descHeap{descs: d}, nil
}

func (g *gpu) NewDescTable(dh []driver.DescHeap) (driver.DescTable, error) {
	return &descTable{heaps: dh}, nil
}

func (g *gpu) NewPipeline(state any) (driver.Pipeline, error) {
	switch state.(type) {
	case *driver.GraphState, *driver.CompState:
		return &pipeline{}, nil
	default:
		return nil, fmt.Errorf("testgpu: invalid pipeline state %T", state)
	}
}

func (g *gpu) NewBuffer(size int64, visible bool, usg driver.Usage) (driver.Buffer, error) {
	var b []byte
	if visible {
		b = make([]byte, size)
	}
	return &buffer{size: size, visible: visible, data: b}, nil
}

func (g *gpu) NewImage(pf driver.PixelFmt, size driver.Dim3D, layers, levels, samples int, usg driver.Usage) (driver.Image, error) {
	return &image{pf: pf, size: size, layers: layers, levels: levels, samples: samples}, nil
}

func (g *gpu) NewSampler(spln *driver.Sampling) (driver.Sampler, error) { return &sampler{}, nil }

func (g *gpu) Limits() driver.Limits {
	return driver.Limits{
		MaxImage2D: 8192, MaxLayers: 256,
		MaxDescHeaps: 8, MaxDBuffer: 16, MaxDImage: 16, MaxDConstant: 16,
		MaxDTexture: 16, MaxDSampler: 16,
		MaxDBufferRange: 1 << 28, MaxDConstantRange: 1 << 16,
		MaxColorTargets: 8, MaxFBSize: [2]int{8192, 8192}, MaxFBLayers: 256,
		MaxViewports: 8, MaxVertexIn: 16, MaxFragmentIn: 16,
		MaxDispatch: [3]int{65535, 65535, 65535},
	}
}

type destroyed struct{ is bool }

func (d *destroyed) Destroy() { d.is = true }

type shaderCode struct {
	destroyed
	size int
}

type renderPass struct {
	destroyed
	att []driver.Attachment
}

func (r *renderPass) NewFB(iv []driver.ImageView, width, height, layers int) (driver.Framebuf, error) {
	if len(iv) != len(r.att) {
		return nil, fmt.Errorf("testgpu: framebuffer view count %d does not match attachment count %d", len(iv), len(r.att))
	}
	return &framebuf{width: width, height: height, layers: layers}, nil
}

type framebuf struct {
	destroyed
	width, height, layers int
}

type pipeline struct{ destroyed }

type buffer struct {
	destroyed
	size    int64
	visible bool
	data    []byte
}

func (b *buffer) Visible() bool { return b.visible }
func (b *buffer) Bytes() []byte { return b.data }
func (b *buffer) Cap() int64    { return b.size }

type image struct {
	destroyed
	pf                      driver.PixelFmt
	size                    driver.Dim3D
	layers, levels, samples int
}

func (i *image) NewView(typ driver.ViewType, layer, layers, level, levels int) (driver.ImageView, error) {
	return &imageView{img: i, typ: typ}, nil
}

type imageView struct {
	destroyed
	img *image
	typ driver.ViewType
}

type sampler struct{ destroyed }

// descHeap counts the calls to each Set* method for test
// inspection; it does not store the values set and does not
// emulate descriptor-array bounds.
type descHeap struct {
	destroyed
	descs     []driver.Descriptor
	count     int
	setBufN   int
	setImageN int
	setSamplN int
}

func (h *descHeap) New(n int) error { h.count = n; return nil }
func (h *descHeap) SetBuffer(cpy, nr, start int, buf []driver.Buffer, off, size []int64) {
	h.setBufN++
}
func (h *descHeap) SetImage(cpy, nr, start int, iv []driver.ImageView) { h.setImageN++ }
func (h *descHeap) SetSampler(cpy, nr, start int, splr []driver.Sampler) { h.setSamplN++ }
func (h *descHeap) Count() int { return h.count }

// SetBufferCalls returns how many times SetBuffer has been
// called on this heap, for tests asserting on descriptor-set
// materialization counts without depending on this package's
// unexported concrete type.
func (h *descHeap) SetBufferCalls() int { return h.setBufN }

type descTable struct {
	destroyed
	heaps []driver.DescHeap
}

// cmdBuffer records the sequence of calls made to it, enough for
// tests to assert on ordering/arguments without a real backend.
type cmdBuffer struct {
	destroyed
	began, ended bool
	Calls        []string
}

func (c *cmdBuffer) Begin() error {
	c.began, c.ended = true, false
	c.Calls = nil
	return nil
}

func (c *cmdBuffer) log(format string, args ...any) {
	c.Calls = append(c.Calls, fmt.Sprintf(format, args...))
}

// RecordedCalls returns every call logged since the last Begin,
// for tests that assert on call counts/order without depending
// on this package's unexported concrete type.
func (c *cmdBuffer) RecordedCalls() []string { return c.Calls }

func (c *cmdBuffer) BeginPass(pass driver.RenderPass, fb driver.Framebuf, clear []driver.ClearValue) {
	c.log("BeginPass")
}
func (c *cmdBuffer) NextSubpass() { c.log("NextSubpass") }
func (c *cmdBuffer) EndPass()     { c.log("EndPass") }
func (c *cmdBuffer) BeginWork(wait bool) { c.log("BeginWork(%v)", wait) }
func (c *cmdBuffer) EndWork()            { c.log("EndWork") }
func (c *cmdBuffer) BeginBlit(wait bool) { c.log("BeginBlit(%v)", wait) }
func (c *cmdBuffer) EndBlit()            { c.log("EndBlit") }
func (c *cmdBuffer) SetPipeline(pl driver.Pipeline) { c.log("SetPipeline") }
func (c *cmdBuffer) SetViewport(vp []driver.Viewport)  { c.log("SetViewport") }
func (c *cmdBuffer) SetScissor(sciss []driver.Scissor) { c.log("SetScissor") }
func (c *cmdBuffer) SetBlendColor(r, g, b, a float32)  { c.log("SetBlendColor") }
func (c *cmdBuffer) SetStencilRef(value uint32)        { c.log("SetStencilRef") }
func (c *cmdBuffer) SetVertexBuf(start int, buf []driver.Buffer, off []int64) {
	c.log("SetVertexBuf(%d)", start)
}
func (c *cmdBuffer) SetIndexBuf(format driver.IndexFmt, buf driver.Buffer, off int64) {
	c.log("SetIndexBuf")
}
func (c *cmdBuffer) SetDescTableGraph(table driver.DescTable, start int, heapCopy []int, dynOff []uint32) {
	c.log("SetDescTableGraph(%v,%v)", heapCopy, dynOff)
}
func (c *cmdBuffer) SetDescTableComp(table driver.DescTable, start int, heapCopy []int, dynOff []uint32) {
	c.log("SetDescTableComp(%v,%v)", heapCopy, dynOff)
}
func (c *cmdBuffer) Draw(vertCount, instCount, baseVert, baseInst int) {
	c.log("Draw(%d,%d)", vertCount, instCount)
}
func (c *cmdBuffer) DrawIndexed(idxCount, instCount, baseIdx, vertOff, baseInst int) {
	c.log("DrawIndexed(%d,%d)", idxCount, instCount)
}
func (c *cmdBuffer) Dispatch(x, y, z int) { c.log("Dispatch(%d,%d,%d)", x, y, z) }
func (c *cmdBuffer) CopyBuffer(param *driver.BufferCopy) {
	c.log("CopyBuffer")
	from, ok1 := param.From.(*buffer)
	to, ok2 := param.To.(*buffer)
	if ok1 && ok2 && from.data != nil && to.data != nil {
		copy(to.data[param.ToOff:param.ToOff+param.Size], from.data[param.FromOff:param.FromOff+param.Size])
	}
}
func (c *cmdBuffer) CopyImage(param *driver.ImageCopy)     { c.log("CopyImage") }
func (c *cmdBuffer) CopyBufToImg(param *driver.BufImgCopy) { c.log("CopyBufToImg") }
func (c *cmdBuffer) CopyImgToBuf(param *driver.BufImgCopy) { c.log("CopyImgToBuf") }
func (c *cmdBuffer) Fill(buf driver.Buffer, off int64, value byte, size int64) { c.log("Fill") }
func (c *cmdBuffer) Barrier(b []driver.Barrier)       { c.log("Barrier(%d)", len(b)) }
func (c *cmdBuffer) Transition(t []driver.Transition) { c.log("Transition(%d)", len(t)) }
func (c *cmdBuffer) End() error {
	if !c.began {
		return fmt.Errorf("testgpu: End without Begin")
	}
	c.ended = true
	return nil
}
func (c *cmdBuffer) Reset() error {
	c.began, c.ended = false, false
	c.Calls = nil
	return nil
}
