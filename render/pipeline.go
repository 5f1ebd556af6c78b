// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package render

import (
	"fmt"
	"sync"

	"github.com/ashfall/forge/driver"
)

// ShaderModule is a loaded, reflected SPIR-V shader.
type ShaderModule struct {
	code  driver.ShaderCode
	spirv []byte
	stage driver.Stage
	refl  *Reflection
}

// NewShaderModule creates a shader from raw SPIR-V bytes and
// reflects its bindings (see shader.go).
func (d *Device) NewShaderModule(spirv []byte, stage driver.Stage) (*ShaderModule, error) {
	code, err := d.gpu.NewShaderCode(spirv)
	if err != nil {
		return nil, fmt.Errorf("render: new shader code: %w", err)
	}
	refl, err := Reflect(spirv)
	if err != nil {
		code.Destroy()
		return nil, err
	}
	refl.Stage = stage
	return &ShaderModule{code: code, spirv: spirv, stage: stage, refl: refl}, nil
}

// Reflection returns the shader's reflected bindings.
func (s *ShaderModule) Reflection() *Reflection { return s.refl }

// Destroy releases the shader code.
func (s *ShaderModule) Destroy() { s.code.Destroy() }

func (s *ShaderModule) fn(name string) driver.ShaderFunc {
	return driver.ShaderFunc{Code: s.code, Name: name}
}

// GraphicsDesc describes a graphics Pipeline.
type GraphicsDesc struct {
	Vert, Frag *ShaderModule
	VertEntry  string // defaults to "main"
	FragEntry  string
	Input      []driver.VertexIn
	Topology   driver.Topology
	Raster     driver.RasterState
	Samples    int
	DS         driver.DSState
	Blend      driver.BlendState
}

// ComputeDesc describes a compute Pipeline.
type ComputeDesc struct {
	Func      *ShaderModule
	FuncEntry string
}

// passCompat identifies the render-pass compatibility class a
// graphics pipeline instance was built for: matching attachment
// formats, sample count and subpass structure, per SPEC_FULL.md
// §4.4. Compute instances use the zero value, since Pass/Subpass
// do not apply to them.
type passCompat struct {
	pass    driver.RenderPass
	subpass int
}

// Pipeline stores a hashable pipeline description (shader code
// plus fixed-function state) and lazily materializes concrete
// driver.Pipeline instances per render-pass compatibility,
// grounded on original_source/internal.h's MtPipeline/
// PipelineInstance.
type Pipeline struct {
	dev    *Device
	layout *PipelineLayout
	hash   uint64
	compute bool

	// One of these is set, matching compute.
	graphics *GraphicsDesc
	compDesc *ComputeDesc

	mu        sync.Mutex
	instances map[passCompat]driver.Pipeline
}

// Layout returns the pipeline's shared PipelineLayout.
func (p *Pipeline) Layout() *PipelineLayout { return p.layout }

// NewGraphicsPipeline builds a graphics Pipeline from desc,
// acquiring a shared PipelineLayout for its combined shader
// bindings.
func (d *Device) NewGraphicsPipeline(desc GraphicsDesc) (*Pipeline, error) {
	layout, err := d.layouts.acquire([]*Reflection{desc.Vert.refl, desc.Frag.refl})
	if err != nil {
		return nil, err
	}
	h := newHasher()
	h.bytes(desc.Vert.spirv)
	h.bytes(desc.Frag.spirv)
	h.i32(int32(desc.Topology))
	h.i32(int32(desc.Samples))
	hashRaster(&h, desc.Raster)
	hashDS(&h, desc.DS)
	hashBlend(&h, desc.Blend)
	for _, in := range desc.Input {
		h.i32(int32(in.Format))
		h.i32(int32(in.Stride))
		h.i32(int32(in.Nr))
	}
	p := &Pipeline{
		dev:       d,
		layout:    layout,
		hash:      h.sum(),
		graphics:  &desc,
		instances: map[passCompat]driver.Pipeline{},
	}
	d.pipelines.track(p)
	return p, nil
}

// NewComputePipeline builds a compute Pipeline from desc.
func (d *Device) NewComputePipeline(desc ComputeDesc) (*Pipeline, error) {
	layout, err := d.layouts.acquire([]*Reflection{desc.Func.refl})
	if err != nil {
		return nil, err
	}
	h := newHasher()
	h.bytes(desc.Func.spirv)
	p := &Pipeline{
		dev:       d,
		layout:    layout,
		hash:      h.sum(),
		compute:   true,
		compDesc:  &desc,
		instances: map[passCompat]driver.Pipeline{},
	}
	d.pipelines.track(p)
	return p, nil
}

func hashRaster(h *hasher, r driver.RasterState) {
	var b byte
	if r.Clockwise {
		b |= 1
	}
	if r.DepthBias {
		b |= 2
	}
	h.bytes([]byte{b})
	h.i32(int32(r.Cull))
	h.i32(int32(r.Fill))
}

func hashDS(h *hasher, s driver.DSState) {
	var b byte
	if s.DepthTest {
		b |= 1
	}
	if s.DepthWrite {
		b |= 2
	}
	if s.StencilTest {
		b |= 4
	}
	h.bytes([]byte{b})
	h.i32(int32(s.DepthCmp))
}

func hashBlend(h *hasher, s driver.BlendState) {
	var b byte
	if s.IndependentBlend {
		b = 1
	}
	h.bytes([]byte{b})
	for _, c := range s.Color {
		var cb byte
		if c.Blend {
			cb = 1
		}
		h.bytes([]byte{cb})
		h.i32(int32(c.WriteMask))
	}
}

// Instance returns the concrete driver.Pipeline specialized for
// the given render pass and subpass, building and caching one
// on first use. For compute pipelines pass and subpass are
// ignored. passHash is unused here: pass identity (the
// driver.RenderPass value itself changes whenever OnResize
// rebuilds a render pass) together with subpass already fully
// identifies the compatibility class.
func (p *Pipeline) Instance(pass driver.RenderPass, subpass int, passHash uint64) (driver.Pipeline, error) {
	var key passCompat
	if !p.compute {
		key = passCompat{pass: pass, subpass: subpass}
	}

	p.mu.Lock()
	if inst, ok := p.instances[key]; ok {
		p.mu.Unlock()
		return inst, nil
	}
	p.mu.Unlock()

	var inst driver.Pipeline
	var err error
	if p.compute {
		entry := p.compDesc.FuncEntry
		if entry == "" {
			entry = "main"
		}
		state := &driver.CompState{
			Func: driver.ShaderFunc{Code: p.compDesc.Func.code, Name: entry},
			Desc: p.layout.Table(),
		}
		inst, err = p.dev.gpu.NewPipeline(state)
	} else {
		vertEntry, fragEntry := p.graphics.VertEntry, p.graphics.FragEntry
		if vertEntry == "" {
			vertEntry = "main"
		}
		if fragEntry == "" {
			fragEntry = "main"
		}
		state := &driver.GraphState{
			VertFunc: driver.ShaderFunc{Code: p.graphics.Vert.code, Name: vertEntry},
			FragFunc: driver.ShaderFunc{Code: p.graphics.Frag.code, Name: fragEntry},
			Desc:     p.layout.Table(),
			Input:    p.graphics.Input,
			Topology: p.graphics.Topology,
			Raster:   p.graphics.Raster,
			Samples:  p.graphics.Samples,
			DS:       p.graphics.DS,
			Blend:    p.graphics.Blend,
			Pass:     pass,
			Subpass:  subpass,
		}
		inst, err = p.dev.gpu.NewPipeline(state)
	}
	if err != nil {
		return nil, fmt.Errorf("render: new pipeline instance: %w", err)
	}

	p.mu.Lock()
	if existing, ok := p.instances[key]; ok {
		p.mu.Unlock()
		inst.Destroy()
		return existing, nil
	}
	p.instances[key] = inst
	p.mu.Unlock()
	return inst, nil
}

// Destroy releases every cached instance and this pipeline's
// reference to the shared layout. The ShaderModules it was
// built from are not destroyed.
func (p *Pipeline) Destroy() {
	p.dev.pipelines.untrack(p)
	p.mu.Lock()
	for _, inst := range p.instances {
		inst.Destroy()
	}
	p.instances = nil
	p.mu.Unlock()
	p.dev.layouts.release(p.layout)
}

// pipelineCache tracks every Pipeline created by a Device so
// Device.Close can release them, mirroring the teacher's
// pattern of explicit, caller-driven destruction elsewhere in
// the corpus (no pipeline is ever destroyed implicitly except
// at Device.Close).
type pipelineCache struct {
	dev *Device
	mu  sync.Mutex
	all map[*Pipeline]struct{}
}

func newPipelineCache(dev *Device) *pipelineCache {
	return &pipelineCache{dev: dev, all: map[*Pipeline]struct{}{}}
}

func (c *pipelineCache) track(p *Pipeline) {
	c.mu.Lock()
	c.all[p] = struct{}{}
	c.mu.Unlock()
}

func (c *pipelineCache) untrack(p *Pipeline) {
	c.mu.Lock()
	delete(c.all, p)
	c.mu.Unlock()
}

func (c *pipelineCache) destroy() {
	c.mu.Lock()
	all := make([]*Pipeline, 0, len(c.all))
	for p := range c.all {
		all = append(all, p)
	}
	c.mu.Unlock()
	for _, p := range all {
		p.Destroy()
	}
	c.mu.Lock()
	c.all = nil
	c.mu.Unlock()
}
