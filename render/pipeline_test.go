// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package render

import (
	"testing"

	"github.com/ashfall/forge/driver"
)

func TestComputePipelineInstanceIsCached(t *testing.T) {
	dev := newTestDevice(t, Config{})
	mod, err := dev.NewShaderModule(buildModule(5), driver.SCompute)
	if err != nil {
		t.Fatalf("NewShaderModule: %v", err)
	}
	defer mod.Destroy()

	p, err := dev.NewComputePipeline(ComputeDesc{Func: mod})
	if err != nil {
		t.Fatalf("NewComputePipeline: %v", err)
	}
	defer p.Destroy()

	inst1, err := p.Instance(nil, 0, 0)
	if err != nil {
		t.Fatalf("Instance: %v", err)
	}
	inst2, err := p.Instance(nil, 0, 0)
	if err != nil {
		t.Fatalf("Instance: %v", err)
	}
	if inst1 != inst2 {
		t.Fatalf("expected a compute pipeline instance to be cached and reused")
	}
}

func TestGraphicsPipelineInstanceDiffersByPass(t *testing.T) {
	dev := newTestDevice(t, Config{})
	vert, err := dev.NewShaderModule(buildModule(0), driver.SVertex)
	if err != nil {
		t.Fatalf("NewShaderModule(vert): %v", err)
	}
	defer vert.Destroy()
	frag, err := dev.NewShaderModule(buildModule(4), driver.SFragment)
	if err != nil {
		t.Fatalf("NewShaderModule(frag): %v", err)
	}
	defer frag.Destroy()

	p, err := dev.NewGraphicsPipeline(GraphicsDesc{
		Vert:     vert,
		Frag:     frag,
		Topology: driver.TTriangle,
		Samples:  1,
	})
	if err != nil {
		t.Fatalf("NewGraphicsPipeline: %v", err)
	}
	defer p.Destroy()

	rp, err := dev.gpu.NewRenderPass(
		[]driver.Attachment{{Format: driver.RGBA8un, Samples: 1, Load: [2]driver.LoadOp{driver.LClear}, Store: [2]driver.StoreOp{driver.SStore}}},
		[]driver.Subpass{{Color: []int{0}, DS: -1}},
	)
	if err != nil {
		t.Fatalf("NewRenderPass: %v", err)
	}
	defer rp.Destroy()

	inst0, err := p.Instance(rp, 0, 1)
	if err != nil {
		t.Fatalf("Instance(subpass 0): %v", err)
	}
	inst0Again, err := p.Instance(rp, 0, 1)
	if err != nil {
		t.Fatalf("Instance(subpass 0) again: %v", err)
	}
	if inst0 != inst0Again {
		t.Fatalf("expected the same (pass, subpass) to reuse a cached instance")
	}

	instDifferentPass, err := p.Instance(nil, 0, 1)
	if err != nil {
		t.Fatalf("Instance(nil pass): %v", err)
	}
	if instDifferentPass == inst0 {
		t.Fatalf("expected a distinct render pass to build a distinct instance")
	}
}
