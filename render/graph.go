// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package render

import (
	"fmt"
	"sort"

	"github.com/ashfall/forge/driver"
	"github.com/ashfall/forge/internal/bitm"
)

// ResourceHandle and PassHandle are integer arena indices into
// a Graph's resources/passes slices, with 0 reserved as a nil
// sentinel. This is adapted from the teacher's node.Node arena
// idiom (node/node.go: Node int, Nil Node = 0, slot reuse
// tracked in a bitm.Bitm) before that package was deleted as
// out of scope (see DESIGN.md) — unlike node.Node's parent/
// child tree, these arenas connect unrelated entries only
// through read/write edges, so there is no tree walk, only a
// topological sort over edges (see bake).
type ResourceHandle int

// NilResource is never a valid ResourceHandle.
const NilResource ResourceHandle = 0

type PassHandle int

// NilPass is never a valid PassHandle.
const NilPass PassHandle = 0

// BackbufferName is the reserved name of the always-present
// image resource representing the swapchain's current target,
// per SPEC_FULL.md §4.6.
const BackbufferName = "backbuffer"

// ReadKind classifies how a pass reads a resource, which
// determines the layout/access/sync bake assigns to it.
type ReadKind int

const (
	ReadSampled ReadKind = iota
	ReadTransferSrc
	ReadStorageBuffer
	ReadDepthStencil // depth/stencil read-only (e.g. post-prepass sampling as an attachment)
)

// WriteKind classifies how a pass writes a resource.
type WriteKind int

const (
	WriteColor WriteKind = iota
	WriteDepthStencil
	WriteStorageBuffer
	WriteTransferDst
)

type passStage int

const (
	StageGraphics passStage = iota
	StageCompute
)

type resourceKind int

const (
	resImage resourceKind = iota
	resBuffer
)

// ImageDesc describes a graph-owned transient image.
type ImageDesc struct {
	Format  driver.PixelFmt
	Size    driver.Dim3D
	Layers  int
	Levels  int
	Samples int
	Usage   driver.Usage
	// FollowsBackbuffer ties Size to the backbuffer's current
	// extent; on Graph.OnResize the image is recreated at the
	// new extent.
	FollowsBackbuffer bool
}

// BufferDesc describes a graph-owned transient buffer.
type BufferDesc struct {
	Size    int64
	Usage   driver.Usage
	Visible bool
}

type rwRef struct {
	res      ResourceHandle
	isWrite  bool
	readKind ReadKind
	wrKind   WriteKind
	colorIdx int // for WriteColor: attachment index
}

type graphResource struct {
	name     string
	kind     resourceKind
	external bool

	imgDesc ImageDesc
	bufDesc BufferDesc

	img  *Image
	view driver.ImageView
	buf  *Buffer

	curLayout driver.Layout
	curAccess driver.Access

	producer PassHandle
}

type clearFn func() driver.ClearValue

type graphPass struct {
	name    string
	stage   passStage
	reads   []rwRef
	writes  []rwRef
	builder func(cb *CmdBuffer) error

	colorClear map[int]clearFn
	dsClear    clearFn

	// Populated by bake.
	colorAtt []ResourceHandle
	dsAtt    ResourceHandle
	rp       driver.RenderPass
	fb       driver.Framebuf
	passHash uint64
	entryT   []driver.Transition
	entryB   []driver.Barrier
}

// BakeIssue names a single problem bake found in the graph.
type BakeIssue struct {
	Pass     string
	Resource string
	Reason   string
}

func (i BakeIssue) String() string {
	return fmt.Sprintf("pass %q, resource %q: %s", i.Pass, i.Resource, i.Reason)
}

// BakeError is returned by Graph.Bake when the declared passes
// and resources violate one of the invariants in SPEC_FULL.md
// §4.6/§7: unknown resource, double writer without an
// intervening read, or similar structural problems. Every
// issue bake found is reported, not just the first.
type BakeError struct {
	Issues []BakeIssue
}

func (e *BakeError) Error() string {
	s := "render: bake failed:"
	for _, i := range e.Issues {
		s += "\n  " + i.String()
	}
	return s
}

// Graph is a declarative DAG of passes reading/writing named
// transient images and buffers. See SPEC_FULL.md §4.6.
type Graph struct {
	dev *Device

	resources []graphResource
	resSlots  bitm.Bitm[uint32]
	resByName map[string]ResourceHandle

	passes   []graphPass
	passSlots bitm.Bitm[uint32]

	backbuffer ResourceHandle

	baked bool
	order []PassHandle
}

// NewGraph creates an empty Graph with its reserved backbuffer
// resource already declared.
func NewGraph(dev *Device) *Graph {
	g := &Graph{dev: dev, resByName: map[string]ResourceHandle{}}
	// Reserve index 0 in both arenas so handle 0 can mean "nil".
	g.resources = append(g.resources, graphResource{})
	g.resSlots.Grow(1)
	g.resSlots.Set(0)
	g.passes = append(g.passes, graphPass{})
	g.passSlots.Grow(1)
	g.passSlots.Set(0)

	g.backbuffer = g.addResource(graphResource{
		name:     BackbufferName,
		kind:     resImage,
		external: true,
	})
	return g
}

func (g *Graph) addResource(r graphResource) ResourceHandle {
	idx, ok := g.resSlots.Search()
	if !ok {
		idx = g.resSlots.Grow(1)
	}
	g.resSlots.Set(idx)
	if idx == len(g.resources) {
		g.resources = append(g.resources, r)
	} else {
		g.resources[idx] = r
	}
	h := ResourceHandle(idx)
	g.resByName[r.name] = h
	return h
}

// AddImage declares a new graph-owned transient image
// resource.
func (g *Graph) AddImage(name string, desc ImageDesc) (ResourceHandle, error) {
	if _, ok := g.resByName[name]; ok {
		return NilResource, fmt.Errorf("render: resource %q already declared", name)
	}
	return g.addResource(graphResource{name: name, kind: resImage, imgDesc: desc}), nil
}

// AddBuffer declares a new graph-owned transient buffer
// resource.
func (g *Graph) AddBuffer(name string, desc BufferDesc) (ResourceHandle, error) {
	if _, ok := g.resByName[name]; ok {
		return NilResource, fmt.Errorf("render: resource %q already declared", name)
	}
	return g.addResource(graphResource{name: name, kind: resBuffer, bufDesc: desc}), nil
}

// AddExternalBuffer declares a buffer resource backed by a
// caller-provided driver.Buffer, not owned or destroyed by the
// Graph.
func (g *Graph) AddExternalBuffer(name string, buf *Buffer) (ResourceHandle, error) {
	if _, ok := g.resByName[name]; ok {
		return NilResource, fmt.Errorf("render: resource %q already declared", name)
	}
	return g.addResource(graphResource{name: name, kind: resBuffer, external: true, buf: buf}), nil
}

// Resource looks up a previously declared resource by name.
func (g *Graph) Resource(name string) (ResourceHandle, bool) {
	h, ok := g.resByName[name]
	return h, ok
}

// AddPass declares a new pass. stage determines whether it
// records a render pass (StageGraphics) or compute work
// (StageCompute).
func (g *Graph) AddPass(name string, stage passStage) PassHandle {
	idx, ok := g.passSlots.Search()
	if !ok {
		idx = g.passSlots.Grow(1)
	}
	g.passSlots.Set(idx)
	p := graphPass{name: name, stage: stage, colorClear: map[int]clearFn{}}
	if idx == len(g.passes) {
		g.passes = append(g.passes, p)
	} else {
		g.passes[idx] = p
	}
	g.baked = false
	return PassHandle(idx)
}

func (g *Graph) pass(h PassHandle) *graphPass { return &g.passes[h] }

// Read declares that pass reads res as kind.
func (g *Graph) Read(pass PassHandle, kind ReadKind, res ResourceHandle) {
	p := g.pass(pass)
	p.reads = append(p.reads, rwRef{res: res, readKind: kind})
	g.baked = false
}

// Write declares that pass writes res as kind. colorIdx is only
// meaningful for WriteColor, selecting the attachment index.
func (g *Graph) Write(pass PassHandle, kind WriteKind, res ResourceHandle, colorIdx int) {
	p := g.pass(pass)
	p.writes = append(p.writes, rwRef{res: res, isWrite: true, wrKind: kind, colorIdx: colorIdx})
	g.baked = false
}

// SetBuilder sets the callback invoked during Record to record
// the pass's commands.
func (g *Graph) SetBuilder(pass PassHandle, fn func(cb *CmdBuffer) error) {
	g.pass(pass).builder = fn
}

// SetColorClearer sets the clear-value callback for color
// attachment i of a graphics pass.
func (g *Graph) SetColorClearer(pass PassHandle, i int, fn func() driver.ClearValue) {
	g.pass(pass).colorClear[i] = fn
}

// SetDepthStencilClearer sets the clear-value callback for the
// depth/stencil attachment of a graphics pass.
func (g *Graph) SetDepthStencilClearer(pass PassHandle, fn func() driver.ClearValue) {
	g.pass(pass).dsClear = fn
}

// SetBackbuffer binds the current frame's swapchain image view
// as the backbuffer resource. It must be called once per frame
// before Record.
func (g *Graph) SetBackbuffer(view driver.ImageView) {
	r := &g.resources[g.backbuffer]
	r.view = view
	r.curLayout = driver.LUndefined
	r.curAccess = driver.ANone
}

func kindLayoutAccess(stage passStage, read bool, rk ReadKind, wk WriteKind) (driver.Layout, driver.Access, driver.Sync) {
	if read {
		switch rk {
		case ReadSampled:
			sync := driver.SFragmentShading
			if stage == StageCompute {
				sync = driver.SComputeShading
			}
			return driver.LShaderRead, driver.AShaderRead, sync
		case ReadTransferSrc:
			return driver.LCopySrc, driver.ACopyRead, driver.SCopy
		case ReadStorageBuffer:
			sync := driver.SFragmentShading
			if stage == StageCompute {
				sync = driver.SComputeShading
			}
			return driver.LCommon, driver.AShaderRead, sync
		case ReadDepthStencil:
			return driver.LDSRead, driver.ADSRead, driver.SDSOutput
		}
	}
	switch wk {
	case WriteColor:
		return driver.LColorTarget, driver.AColorWrite, driver.SColorOutput
	case WriteDepthStencil:
		return driver.LDSTarget, driver.ADSWrite, driver.SDSOutput
	case WriteStorageBuffer:
		sync := driver.SFragmentShading
		if stage == StageCompute {
			sync = driver.SComputeShading
		}
		return driver.LCommon, driver.AShaderWrite, sync
	case WriteTransferDst:
		return driver.LCopyDst, driver.ACopyWrite, driver.SCopy
	}
	return driver.LCommon, driver.ANone, driver.SNone
}

// Bake validates the graph's declarations and computes the
// topological pass order, per-pass entry barriers, and (for
// graphics passes) render passes/framebuffers. See SPEC_FULL.md
// §4.6 for the algorithm this implements.
func (g *Graph) Bake() error {
	var issues []BakeIssue

	// 1. Producer map + unknown-resource / double-writer checks, and
	// (2) edge construction consumer-reads -> producer, all in one
	// declaration-order scan.
	//
	// Per SPEC_FULL.md §4.6 Fail modes, only two writers of the same
	// resource *without an intervening read* is an error: a write,
	// then a read, then another write (e.g. a ping-ponged attachment
	// sampled by an intermediate pass before being written again)
	// must bake successfully. readSince tracks, per resource and in
	// pass declaration order, whether a read has been seen since the
	// last recorded write; a write clears it for the next writer.
	//
	// Edges must be built against the producer as it stood at the
	// time of each read, not the resource's final writer overall —
	// otherwise a later re-write of a ping-ponged resource would
	// wrongly become an ordering dependency of an earlier read. Since
	// reads within a pass are processed before that pass's own
	// writes update producer, a single forward scan gives exactly
	// that: every read sees only strictly-earlier writers.
	producer := map[ResourceHandle]PassHandle{}
	readSince := map[ResourceHandle]bool{}
	indeg := map[PassHandle]int{}
	edges := map[PassHandle][]PassHandle{}
	var live []PassHandle
	for pi := 1; pi < len(g.passes); pi++ {
		if !g.passSlots.IsSet(pi) {
			continue
		}
		live = append(live, PassHandle(pi))
		indeg[PassHandle(pi)] = 0
		p := &g.passes[pi]
		seen := map[PassHandle]bool{}
		for _, r := range p.reads {
			if int(r.res) <= 0 || int(r.res) >= len(g.resources) || !g.resSlots.IsSet(int(r.res)) {
				issues = append(issues, BakeIssue{p.name, "?", "read references unknown resource"})
				continue
			}
			readSince[r.res] = true
			if prod, ok := producer[r.res]; ok && prod != PassHandle(pi) && !seen[prod] {
				edges[prod] = append(edges[prod], PassHandle(pi))
				indeg[PassHandle(pi)]++
				seen[prod] = true
			}
		}
		for _, w := range p.writes {
			if int(w.res) <= 0 || int(w.res) >= len(g.resources) || !g.resSlots.IsSet(int(w.res)) {
				issues = append(issues, BakeIssue{p.name, "?", "write references unknown resource"})
				continue
			}
			if prev, ok := producer[w.res]; ok && !readSince[w.res] {
				issues = append(issues, BakeIssue{p.name, g.resources[w.res].name,
					fmt.Sprintf("written by both pass %q and this pass with no intervening read", g.passes[prev].name)})
			}
			producer[w.res] = PassHandle(pi)
			readSince[w.res] = false
		}
	}
	if len(issues) > 0 {
		return &BakeError{Issues: issues}
	}

	sort.Slice(live, func(i, j int) bool { return live[i] < live[j] })
	var order []PassHandle
	remaining := map[PassHandle]int{}
	for k, v := range indeg {
		remaining[k] = v
	}
	for len(order) < len(live) {
		progressed := false
		for _, pi := range live {
			if remaining[pi] == 0 {
				already := false
				for _, done := range order {
					if done == pi {
						already = true
						break
					}
				}
				if already {
					continue
				}
				order = append(order, pi)
				for _, next := range edges[pi] {
					remaining[next]--
				}
				progressed = true
			}
		}
		if !progressed {
			issues = append(issues, BakeIssue{"", "", "cycle detected among pass dependencies"})
			return &BakeError{Issues: issues}
		}
	}

	// 3-4. Required layout per access, barrier emission.
	for ri := range g.resources {
		if ri == 0 || !g.resSlots.IsSet(ri) {
			continue
		}
		g.resources[ri].curLayout = driver.LUndefined
		g.resources[ri].curAccess = driver.ANone
	}
	for _, pi := range order {
		p := &g.passes[pi]
		p.entryT, p.entryB = nil, nil
		p.colorAtt, p.dsAtt = nil, NilResource
		for _, ref := range append(append([]rwRef{}, p.reads...), p.writes...) {
			res := &g.resources[ref.res]
			layout, access, sync := kindLayoutAccess(p.stage, !ref.isWrite, ref.readKind, ref.wrKind)
			if ref.isWrite {
				switch ref.wrKind {
				case WriteColor:
					for len(p.colorAtt) <= ref.colorIdx {
						p.colorAtt = append(p.colorAtt, NilResource)
					}
					p.colorAtt[ref.colorIdx] = ref.res
				case WriteDepthStencil:
					p.dsAtt = ref.res
				}
			} else if ref.readKind == ReadDepthStencil {
				p.dsAtt = ref.res
			}
			if res.kind == resImage {
				if layout != res.curLayout || access != res.curAccess {
					p.entryT = append(p.entryT, driver.Transition{
						Barrier:      driver.Barrier{SyncBefore: driver.SAll, SyncAfter: sync, AccessBefore: res.curAccess, AccessAfter: access},
						LayoutBefore: res.curLayout,
						LayoutAfter:  layout,
						IView:        res.view,
					})
					res.curLayout, res.curAccess = layout, access
				}
			} else {
				if access != res.curAccess {
					p.entryB = append(p.entryB, driver.Barrier{SyncBefore: driver.SAll, SyncAfter: sync, AccessBefore: res.curAccess, AccessAfter: access})
					res.curAccess = access
				}
			}
		}
	}

	// 5. Materialize resources, render passes and framebuffers.
	if err := g.materializeResources(); err != nil {
		return err
	}
	for _, pi := range order {
		p := &g.passes[pi]
		if p.stage != StageGraphics {
			continue
		}
		if err := g.buildRenderPass(p); err != nil {
			return err
		}
	}

	g.order = order
	g.baked = true
	return nil
}

func (g *Graph) materializeResources() error {
	for ri := 1; ri < len(g.resources); ri++ {
		if !g.resSlots.IsSet(ri) {
			continue
		}
		r := &g.resources[ri]
		if r.external || ri == int(g.backbuffer) {
			continue
		}
		if r.kind == resImage {
			if r.img != nil {
				continue
			}
			img, err := g.dev.NewImage(r.imgDesc.Format, r.imgDesc.Size, r.imgDesc.Layers, r.imgDesc.Levels, r.imgDesc.Samples, r.imgDesc.Usage)
			if err != nil {
				return fmt.Errorf("render: materializing image %q: %w", r.name, err)
			}
			typ := driver.IView2D
			if r.imgDesc.Layers > 1 {
				typ = driver.IView2DArray
			}
			view, err := img.View(typ, 0, r.imgDesc.Layers, 0, r.imgDesc.Levels)
			if err != nil {
				return fmt.Errorf("render: view of image %q: %w", r.name, err)
			}
			r.img, r.view = img, view
		} else {
			if r.buf != nil {
				continue
			}
			buf, err := g.dev.NewBuffer(r.bufDesc.Size, r.bufDesc.Visible, r.bufDesc.Usage)
			if err != nil {
				return fmt.Errorf("render: materializing buffer %q: %w", r.name, err)
			}
			r.buf = buf
		}
	}
	return nil
}

func (g *Graph) buildRenderPass(p *graphPass) error {
	var atts []driver.Attachment
	var sub driver.Subpass
	var views []driver.ImageView
	var extent driver.Dim3D
	for _, ch := range p.colorAtt {
		if ch == NilResource {
			continue
		}
		r := &g.resources[ch]
		idx := len(atts)
		load := driver.LDontCare
		if _, ok := p.colorClear[idx]; ok {
			load = driver.LClear
		}
		atts = append(atts, driver.Attachment{Format: r.imgDesc.Format, Samples: max1(r.imgDesc.Samples), Load: [2]driver.LoadOp{load, driver.LDontCare}, Store: [2]driver.StoreOp{driver.SStore, driver.SDontCare}})
		sub.Color = append(sub.Color, idx)
		views = append(views, r.view)
		extent = resourceExtent(r)
	}
	sub.DS = -1
	if p.dsAtt != NilResource {
		r := &g.resources[p.dsAtt]
		idx := len(atts)
		load := driver.LDontCare
		if p.dsClear != nil {
			load = driver.LClear
		}
		atts = append(atts, driver.Attachment{Format: r.imgDesc.Format, Samples: max1(r.imgDesc.Samples), Load: [2]driver.LoadOp{load, load}, Store: [2]driver.StoreOp{driver.SStore, driver.SStore}})
		sub.DS = idx
		views = append(views, r.view)
		extent = resourceExtent(r)
	}

	rp, err := g.dev.gpu.NewRenderPass(atts, []driver.Subpass{sub})
	if err != nil {
		return fmt.Errorf("render: new render pass for %q: %w", p.name, err)
	}
	fb, err := rp.NewFB(views, extent.Width, extent.Height, 1)
	if err != nil {
		return fmt.Errorf("render: new framebuffer for %q: %w", p.name, err)
	}
	p.rp, p.fb = rp, fb

	h := newHasher()
	for _, a := range atts {
		h.i32(int32(a.Format))
		h.i32(int32(a.Samples))
	}
	p.passHash = h.sum()
	return nil
}

func resourceExtent(r *graphResource) driver.Dim3D {
	if r.imgDesc.Size.Width > 0 {
		return r.imgDesc.Size
	}
	return driver.Dim3D{Width: 1, Height: 1, Depth: 1}
}

// OnResize destroys and recreates every graph-owned image whose
// ImageDesc.FollowsBackbuffer is set, using w/h as the new
// extent, and rebuilds affected framebuffers. The pass order and
// barrier schedule are unaffected, since they depend only on
// declarations, not on extents (SPEC_FULL.md §4.6).
func (g *Graph) OnResize(w, h int) error {
	for ri := 1; ri < len(g.resources); ri++ {
		if !g.resSlots.IsSet(ri) || ri == int(g.backbuffer) {
			continue
		}
		r := &g.resources[ri]
		if r.kind != resImage || !r.imgDesc.FollowsBackbuffer {
			continue
		}
		if r.img != nil {
			r.img.Destroy()
			r.img, r.view = nil, nil
		}
		r.imgDesc.Size = driver.Dim3D{Width: w, Height: h, Depth: 1}
	}
	if !g.baked {
		return nil
	}
	if err := g.materializeResources(); err != nil {
		return err
	}
	for _, pi := range g.order {
		p := &g.passes[pi]
		if p.stage != StageGraphics {
			continue
		}
		if p.fb != nil {
			p.fb.Destroy()
		}
		if err := g.buildRenderPass(p); err != nil {
			return err
		}
	}
	return nil
}

// Consume returns the current driver.ImageView bound to the
// named graph-owned image. Per the Open Question decision
// recorded in SPEC_FULL.md §9, this is a read-only borrowed
// view: the Graph retains ownership and will still destroy or
// recreate the image on a later OnResize, so the view is only
// valid until the next call to Record.
func (g *Graph) Consume(name string) (driver.ImageView, error) {
	h, ok := g.resByName[name]
	if !ok {
		return nil, fmt.Errorf("render: unknown resource %q", name)
	}
	r := &g.resources[h]
	if r.kind != resImage || r.view == nil {
		return nil, fmt.Errorf("render: resource %q has no materialized view", name)
	}
	return r.view, nil
}

// Record records every pass in topological order into a single
// command buffer: entry barriers, then (for graphics passes)
// BeginPass/the pass's builder/EndPass, or (for compute passes)
// BeginWork/the builder/EndWork.
//
// This driver's GPU.Commit submits one WorkItem without any
// queue-family selection, so there is no way to target distinct
// queues for distinct submissions; every pass therefore shares
// one command buffer and one submission, and the "queue change"
// boundaries described in SPEC_FULL.md §4.6 are expressed purely
// by which Begin*/End* section each pass uses within it.
func (g *Graph) Record(worker WorkerId) (*CmdBuffer, error) {
	if !g.baked {
		return nil, fmt.Errorf("render: graph not baked")
	}
	cb, err := g.dev.NewCmdBuffer(worker)
	if err != nil {
		return nil, err
	}
	for _, pi := range g.order {
		p := &g.passes[pi]
		if len(p.entryT) > 0 {
			cb.Transition(p.entryT)
		}
		if len(p.entryB) > 0 {
			cb.Barrier(p.entryB)
		}
		switch p.stage {
		case StageGraphics:
			clears := make([]driver.ClearValue, len(p.colorAtt))
			for i := range clears {
				if fn, ok := p.colorClear[i]; ok {
					clears[i] = fn()
				}
			}
			if p.dsAtt != NilResource && p.dsClear != nil {
				clears = append(clears, p.dsClear())
			}
			cb.BeginPass(p.rp, p.fb, clears, 0, p.passHash)
			if p.builder != nil {
				if err := p.builder(cb); err != nil {
					return nil, err
				}
			}
			cb.EndPass()
		case StageCompute:
			cb.BeginWork(false)
			if p.builder != nil {
				if err := p.builder(cb); err != nil {
					return nil, err
				}
			}
			cb.EndWork()
		}
	}
	return cb, nil
}

// Destroy releases every graph-owned resource and render
// pass/framebuffer.
func (g *Graph) Destroy() {
	for i := range g.passes {
		p := &g.passes[i]
		if p.fb != nil {
			p.fb.Destroy()
		}
		if p.rp != nil {
			p.rp.Destroy()
		}
	}
	for i := range g.resources {
		r := &g.resources[i]
		if r.external {
			continue
		}
		if r.img != nil {
			r.img.Destroy()
		}
		if r.buf != nil {
			r.buf.Destroy()
		}
	}
}
