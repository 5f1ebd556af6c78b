// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package render

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ashfall/forge/driver"
)

// MaxDescriptorSets and MaxDescriptorBindings mirror the hard
// limits documented in original_source/src/motor/graphics/
// vulkan/internal.h (MAX_DESCRIPTOR_SETS / MAX_DESCRIPTOR_BINDINGS
// = 8) and restated in SPEC_FULL.md §6.
const (
	MaxDescriptorSets    = 8
	MaxDescriptorBindings = 8
)

// setBinding is one binding merged across every shader stage of
// a pipeline that references it.
type setBinding struct {
	Binding int
	Type    driver.DescType
	Stages  driver.Stage
	Count   int
	// Dynamic is true when this binding is backed by a
	// driver.DConstantDyn descriptor: its buffer range is bound
	// once and re-ranged per draw through a command-time dynamic
	// offset instead of a fresh descriptor write. Set by
	// buildPipelineLayout, not by shader reflection.
	Dynamic bool
}

// combinedLayout is the union, over every shader stage of a
// pipeline, of per-set bindings and push-constant ranges. It is
// the Go analogue of original_source/src/motor/vulkan/
// pipeline.inl's CombinedSetLayouts, built by
// combined_set_layouts_init.
type combinedLayout struct {
	sets         [][]setBinding
	pushConstant *PushConstantRange
}

// combineReflections merges the reflected bindings of every
// shader stage in a pipeline, the same way
// combined_set_layouts_init unions bindings by index across
// stages (OR-ing stage flags on overlap) and merges
// push-constant ranges.
func combineReflections(refls []*Reflection) (*combinedLayout, error) {
	cl := &combinedLayout{}
	for _, r := range refls {
		for _, b := range r.Bindings {
			if b.Set >= MaxDescriptorSets {
				return nil, fmt.Errorf("render: descriptor set %d exceeds limit of %d", b.Set, MaxDescriptorSets)
			}
			for len(cl.sets) <= b.Set {
				cl.sets = append(cl.sets, nil)
			}
			set := cl.sets[b.Set]
			found := false
			for i := range set {
				if set[i].Binding == b.Binding {
					set[i].Stages |= r.Stage
					found = true
					break
				}
			}
			if !found {
				if len(set) >= MaxDescriptorBindings {
					return nil, fmt.Errorf("render: set %d exceeds %d bindings", b.Set, MaxDescriptorBindings)
				}
				set = append(set, setBinding{Binding: b.Binding, Type: b.Type, Stages: r.Stage, Count: max1(b.Count)})
			}
			cl.sets[b.Set] = set
		}
		if r.PushConstant != nil {
			if cl.pushConstant == nil {
				pc := *r.PushConstant
				cl.pushConstant = &pc
			} else {
				end := cl.pushConstant.Offset + cl.pushConstant.Size
				if e := r.PushConstant.Offset + r.PushConstant.Size; e > end {
					end = e
				}
				if r.PushConstant.Offset < cl.pushConstant.Offset {
					cl.pushConstant.Offset = r.PushConstant.Offset
				}
				cl.pushConstant.Size = end - cl.pushConstant.Offset
			}
		}
	}
	for _, set := range cl.sets {
		sort.Slice(set, func(i, j int) bool { return set[i].Binding < set[j].Binding })
	}
	return cl, nil
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// hash computes the content hash used to key the pipeline
// layout cache, the same way pipeline.inl hashes a
// CombinedSetLayouts with XXH64 (see render/hash.go).
func (cl *combinedLayout) hash() uint64 {
	h := newHasher()
	for _, set := range cl.sets {
		h.i32(int32(len(set)))
		for _, b := range set {
			h.i32(int32(b.Binding))
			h.i32(int32(b.Type))
			h.i32(int32(b.Stages))
			h.i32(int32(b.Count))
		}
	}
	if cl.pushConstant != nil {
		h.i32(int32(cl.pushConstant.Offset))
		h.i32(int32(cl.pushConstant.Size))
	}
	return h.sum()
}

// PipelineLayout is the GPU-side interface shared by every
// pipeline whose combined set layout hashes identically. It
// owns one driver.DescHeap and one descPool per set, composed
// into a single driver.DescTable.
type PipelineLayout struct {
	dev          *Device
	hash         uint64
	cl           *combinedLayout
	heaps        []driver.DescHeap
	table        driver.DescTable
	descPools    []*descPool

	refs int
}

// Sets returns the combined per-set bindings.
func (pl *PipelineLayout) Sets() [][]setBinding { return pl.cl.sets }

// Table returns the driver.DescTable that must be passed to
// driver.GraphState.Desc / driver.CompState.Desc when creating
// a pipeline that uses this layout.
func (pl *PipelineLayout) Table() driver.DescTable { return pl.table }

// PushConstant returns the combined push-constant range, or nil
// if the pipeline declares none.
func (pl *PipelineLayout) PushConstant() *PushConstantRange { return pl.cl.pushConstant }

func buildPipelineLayout(dev *Device, cl *combinedLayout, hash uint64) (*PipelineLayout, error) {
	pl := &PipelineLayout{dev: dev, hash: hash, cl: cl}
	for _, set := range cl.sets {
		var descs []driver.Descriptor
		for bi := range set {
			b := &set[bi]
			typ := b.Type
			if typ == driver.DConstant {
				// Uniform buffer bindings are promoted to
				// DConstantDyn so per-draw offsets can be
				// supplied through SetDescTableGraph/Comp's
				// dynOff without reallocating the descriptor
				// set (SPEC_FULL.md §4.2).
				typ = driver.DConstantDyn
				b.Dynamic = true
			}
			descs = append(descs, driver.Descriptor{
				Type:   typ,
				Stages: b.Stages,
				Nr:     b.Binding,
				Len:    b.Count,
			})
		}
		heap, err := dev.gpu.NewDescHeap(descs)
		if err != nil {
			pl.destroy()
			return nil, fmt.Errorf("render: new desc heap: %w", err)
		}
		pl.heaps = append(pl.heaps, heap)
		pl.descPools = append(pl.descPools, newDescPool(dev, heap, set))
	}
	if len(pl.heaps) > 0 {
		table, err := dev.gpu.NewDescTable(pl.heaps)
		if err != nil {
			pl.destroy()
			return nil, fmt.Errorf("render: new desc table: %w", err)
		}
		pl.table = table
	}
	return pl, nil
}

func (pl *PipelineLayout) destroy() {
	if pl.table != nil {
		pl.table.Destroy()
	}
	for _, p := range pl.descPools {
		p.destroy()
	}
	for _, h := range pl.heaps {
		h.Destroy()
	}
}

// layoutCache deduplicates PipelineLayouts by their combined
// content hash, refcounting shared instances. Grounded on
// original_source/internal.h's MtDevice.pipeline_layout_map and
// PipelineLayout.ref_count.
type layoutCache struct {
	dev    *Device
	mu     sync.Mutex
	byHash map[uint64]*PipelineLayout
}

func newLayoutCache(dev *Device) *layoutCache {
	return &layoutCache{dev: dev, byHash: map[uint64]*PipelineLayout{}}
}

// acquire returns the PipelineLayout for the combined bindings
// of refls, creating and caching one on first use and
// incrementing its reference count on every call.
func (c *layoutCache) acquire(refls []*Reflection) (*PipelineLayout, error) {
	cl, err := combineReflections(refls)
	if err != nil {
		return nil, err
	}
	h := cl.hash()

	c.mu.Lock()
	if pl, ok := c.byHash[h]; ok {
		pl.refs++
		c.mu.Unlock()
		return pl, nil
	}
	c.mu.Unlock()

	pl, err := buildPipelineLayout(c.dev, cl, h)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.byHash[h]; ok {
		existing.refs++
		pl.destroy()
		return existing, nil
	}
	pl.refs = 1
	c.byHash[h] = pl
	return pl, nil
}

// release decrements pl's reference count, destroying it and
// removing it from the cache once no pipeline references it.
func (c *layoutCache) release(pl *PipelineLayout) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pl.refs--
	if pl.refs <= 0 {
		delete(c.byHash, pl.hash)
		pl.destroy()
	}
}

func (c *layoutCache) destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pl := range c.byHash {
		pl.destroy()
	}
	c.byHash = nil
}
