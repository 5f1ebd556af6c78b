// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package render implements a frame render graph on top of the
// driver package: it schedules passes, materializes transient
// images and buffers, synchronizes resource state and drives
// per-frame command recording, backed by caches for pipelines,
// pipeline layouts, descriptor sets and transient sub-allocator
// pools.
package render

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ashfall/forge/driver"
)

// WorkerId identifies one of a Device's per-thread command
// buffer recycling pools. It replaces the thread-local pool
// index used by the reference implementation with an explicit
// argument threaded through the recording API.
type WorkerId int

// Config configures a Device.
type Config struct {
	// DriverName selects a specific registered driver.Driver by
	// name. If empty, the first driver returned by
	// driver.Drivers is used.
	DriverName string

	// Headless, when set, skips any presentation-related setup.
	// render.NewSwapchain will fail on a headless Device.
	Headless bool

	// NumThreads is the number of additional worker threads
	// that will record command buffers concurrently with the
	// main thread. The Device keeps NumThreads+1 command
	// buffer pools, indexed by WorkerId (0 is the main thread).
	NumThreads int

	// Validation enables the underlying API's debug
	// instrumentation, when supported by the driver.
	Validation bool

	// DepthFormatCandidates is the ordered list of depth (or
	// depth/stencil) formats tried when a pass requests a
	// depth attachment without specifying one explicitly.
	// Defaults to {D32f, D24unS8ui, D16un}.
	DepthFormatCandidates []driver.PixelFmt

	// UBOAlignment, VBOAlignment and IBOAlignment set the
	// sub-allocation alignment of the transient uniform,
	// vertex and index buffer pools respectively.
	// They default to 256, 16 and 16 bytes.
	UBOAlignment int64
	VBOAlignment int64
	IBOAlignment int64

	// BlockSize sets the size of each backing buffer allocated
	// by the transient pools. It defaults to 65536 bytes.
	BlockSize int64
}

func (c *Config) setDefaults() {
	if c.NumThreads < 0 {
		c.NumThreads = 0
	}
	if len(c.DepthFormatCandidates) == 0 {
		c.DepthFormatCandidates = []driver.PixelFmt{driver.D32f, driver.D24unS8ui, driver.D16un}
	}
	if c.UBOAlignment <= 0 {
		c.UBOAlignment = 256
	}
	if c.VBOAlignment <= 0 {
		c.VBOAlignment = 16
	}
	if c.IBOAlignment <= 0 {
		c.IBOAlignment = 16
	}
	if c.BlockSize <= 0 {
		c.BlockSize = 65536
	}
}

// ErrNoDriver is returned by NewDevice when no registered
// driver.Driver matches the requested name, or none is
// registered at all.
var ErrNoDriver = errors.New("render: no matching driver")

// Device owns the GPU connection, the long-lived caches
// (pipeline layouts, pipelines) and the transient buffer
// pools shared by every command buffer it records.
//
// Unlike the reference implementation, which kept this state
// behind a package-level singleton, a Device is an ordinary
// value: nothing here is global, so more than one Device may
// coexist in a process (e.g. in tests).
type Device struct {
	cfg Config

	drv driver.Driver
	gpu driver.GPU
	lim driver.Limits

	mu sync.Mutex

	ubo *bufferPool
	vbo *bufferPool
	ibo *bufferPool

	layouts   *layoutCache
	pipelines *pipelineCache
	stage     *stagingPool

	pools []cmdPool
}

// NewDevice opens a driver matching cfg and creates a Device
// around it.
func NewDevice(cfg Config) (*Device, error) {
	cfg.setDefaults()

	var drv driver.Driver
	for _, d := range driver.Drivers() {
		if cfg.DriverName == "" || d.Name() == cfg.DriverName {
			drv = d
			break
		}
	}
	if drv == nil {
		return nil, ErrNoDriver
	}
	gpu, err := drv.Open()
	if err != nil {
		return nil, fmt.Errorf("render: opening driver %q: %w", drv.Name(), err)
	}

	dev := &Device{
		cfg:   cfg,
		drv:   drv,
		gpu:   gpu,
		lim:   gpu.Limits(),
		pools: make([]cmdPool, cfg.NumThreads+1),
	}
	dev.ubo = newBufferPool(dev, cfg.BlockSize, cfg.UBOAlignment, driver.UShaderConst)
	dev.vbo = newBufferPool(dev, cfg.BlockSize, cfg.VBOAlignment, driver.UVertexData)
	dev.ibo = newBufferPool(dev, cfg.BlockSize, cfg.IBOAlignment, driver.UIndexData)
	dev.layouts = newLayoutCache(dev)
	dev.pipelines = newPipelineCache(dev)
	dev.stage = newStagingPool(dev)
	return dev, nil
}

// GPU returns the underlying driver.GPU.
func (d *Device) GPU() driver.GPU { return d.gpu }

// Limits returns the implementation limits reported by the
// underlying driver.GPU.
func (d *Device) Limits() driver.Limits { return d.lim }

// Config returns a copy of the configuration the Device was
// created with (defaults already applied).
func (d *Device) Config() Config { return d.cfg }

// Close waits for all outstanding work to complete, releases
// every cache and pool owned by the Device, and closes the
// underlying driver.
func (d *Device) Close() error {
	if err := d.gpu.WaitIdle(); err != nil {
		return err
	}
	d.pipelines.destroy()
	d.layouts.destroy()
	d.stage.destroy()
	d.ubo.destroy()
	d.vbo.destroy()
	d.ibo.destroy()
	for i := range d.pools {
		d.pools[i].destroy()
	}
	d.drv.Close()
	return nil
}

// cmdPool is the set of command buffers recycled for reuse by
// a single WorkerId. It replaces the reference implementation's
// thread-indexed C arrays of command pools.
type cmdPool struct {
	mu   sync.Mutex
	free []driver.CmdBuffer
}

func (p *cmdPool) get(gpu driver.GPU) (driver.CmdBuffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		cb := p.free[n-1]
		p.free = p.free[:n-1]
		return cb, nil
	}
	return gpu.NewCmdBuffer()
}

func (p *cmdPool) put(cb driver.CmdBuffer) {
	p.mu.Lock()
	p.free = append(p.free, cb)
	p.mu.Unlock()
}

func (p *cmdPool) destroy() {
	p.mu.Lock()
	for _, cb := range p.free {
		cb.Destroy()
	}
	p.free = nil
	p.mu.Unlock()
}

// rawCmdBuffer returns a command buffer for use by the given
// worker, reusing a previously recycled one when available. It
// backs the higher-level CmdBuffer constructor in cmdbuffer.go.
// RecycleCmdBuffer must be called once the caller is done with
// the raw command buffer it wraps (after the buffer has been
// committed and executed).
func (d *Device) rawCmdBuffer(worker WorkerId) (driver.CmdBuffer, error) {
	if int(worker) < 0 || int(worker) >= len(d.pools) {
		return nil, fmt.Errorf("render: invalid WorkerId %d", worker)
	}
	return d.pools[worker].get(d.gpu)
}

// RecycleCmdBuffer returns cb to worker's pool for reuse. cb
// must not be used for recording again until a subsequent call
// to NewCmdBuffer returns it.
func (d *Device) RecycleCmdBuffer(worker WorkerId, cb driver.CmdBuffer) {
	if int(worker) < 0 || int(worker) >= len(d.pools) {
		return
	}
	d.pools[worker].put(cb)
}
