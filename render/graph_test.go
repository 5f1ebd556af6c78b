// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package render

import (
	"testing"

	"github.com/ashfall/forge/driver"
)

func TestGraphBakeOrdersProducerBeforeConsumer(t *testing.T) {
	dev := newTestDevice(t, Config{})
	g := NewGraph(dev)

	img, err := g.AddImage("gbuffer", ImageDesc{Format: driver.RGBA8un, Size: driver.Dim3D{Width: 64, Height: 64, Depth: 1}, Layers: 1, Levels: 1, Samples: 1, Usage: driver.URenderTarget | driver.UShaderSample})
	if err != nil {
		t.Fatal(err)
	}

	producer := g.AddPass("gbuffer-pass", StageGraphics)
	g.Write(producer, WriteColor, img, 0)

	consumer := g.AddPass("lighting-pass", StageCompute)
	g.Read(consumer, ReadSampled, img)

	if err := g.Bake(); err != nil {
		t.Fatalf("Bake: %v", err)
	}

	posProducer, posConsumer := -1, -1
	for i, h := range g.order {
		if h == producer {
			posProducer = i
		}
		if h == consumer {
			posConsumer = i
		}
	}
	if posProducer < 0 || posConsumer < 0 {
		t.Fatalf("expected both passes in the baked order: %v", g.order)
	}
	if posProducer >= posConsumer {
		t.Fatalf("expected producer (%d) to precede consumer (%d)", posProducer, posConsumer)
	}
}

func TestGraphBakeRejectsUnknownResource(t *testing.T) {
	dev := newTestDevice(t, Config{})
	g := NewGraph(dev)
	p := g.AddPass("pass", StageGraphics)
	g.Write(p, WriteColor, ResourceHandle(999), 0)

	err := g.Bake()
	if err == nil {
		t.Fatalf("expected bake to fail on an unknown resource")
	}
	if _, ok := err.(*BakeError); !ok {
		t.Fatalf("expected a *BakeError, got %T", err)
	}
}

func TestGraphBakeRejectsDoubleWriter(t *testing.T) {
	dev := newTestDevice(t, Config{})
	g := NewGraph(dev)
	img, err := g.AddImage("target", ImageDesc{Format: driver.RGBA8un, Size: driver.Dim3D{Width: 8, Height: 8, Depth: 1}, Layers: 1, Levels: 1, Samples: 1, Usage: driver.URenderTarget})
	if err != nil {
		t.Fatal(err)
	}
	p1 := g.AddPass("p1", StageGraphics)
	g.Write(p1, WriteColor, img, 0)
	p2 := g.AddPass("p2", StageGraphics)
	g.Write(p2, WriteColor, img, 0)

	if err := g.Bake(); err == nil {
		t.Fatalf("expected bake to reject two unordered writers of the same resource")
	}
}

func TestGraphBakeAllowsRewriteAfterInterveningRead(t *testing.T) {
	dev := newTestDevice(t, Config{})
	g := NewGraph(dev)
	img, err := g.AddImage("pingpong", ImageDesc{Format: driver.RGBA8un, Size: driver.Dim3D{Width: 8, Height: 8, Depth: 1}, Layers: 1, Levels: 1, Samples: 1, Usage: driver.URenderTarget | driver.UShaderSample})
	if err != nil {
		t.Fatal(err)
	}
	p1 := g.AddPass("p1", StageGraphics)
	g.Write(p1, WriteColor, img, 0)
	sampler := g.AddPass("sampler", StageCompute)
	g.Read(sampler, ReadSampled, img)
	p2 := g.AddPass("p2", StageGraphics)
	g.Write(p2, WriteColor, img, 0)

	if err := g.Bake(); err != nil {
		t.Fatalf("expected bake to allow a re-write after an intervening read, got: %v", err)
	}

	pos := map[PassHandle]int{}
	for i, h := range g.order {
		pos[h] = i
	}
	if pos[p1] >= pos[sampler] {
		t.Fatalf("expected p1 (%d) to precede sampler (%d)", pos[p1], pos[sampler])
	}
	if pos[sampler] >= pos[p2] {
		t.Fatalf("expected sampler (%d) to precede p2 (%d)", pos[sampler], pos[p2])
	}
}

func TestGraphBakeRewritePingPongDoesNotReorderThreePasses(t *testing.T) {
	// A third pass added after the re-write, reading the
	// re-written resource, must land after p2 and must not be
	// confused with the sampler pass's dependency on p1 — guards
	// against a stale "final writer" collapsing both reads onto
	// whichever write happens to be last in declaration order.
	dev := newTestDevice(t, Config{})
	g := NewGraph(dev)
	img, err := g.AddImage("pingpong", ImageDesc{Format: driver.RGBA8un, Size: driver.Dim3D{Width: 8, Height: 8, Depth: 1}, Layers: 1, Levels: 1, Samples: 1, Usage: driver.URenderTarget | driver.UShaderSample})
	if err != nil {
		t.Fatal(err)
	}
	p1 := g.AddPass("p1", StageGraphics)
	g.Write(p1, WriteColor, img, 0)
	sampler1 := g.AddPass("sampler1", StageCompute)
	g.Read(sampler1, ReadSampled, img)
	p2 := g.AddPass("p2", StageGraphics)
	g.Write(p2, WriteColor, img, 0)
	sampler2 := g.AddPass("sampler2", StageCompute)
	g.Read(sampler2, ReadSampled, img)

	if err := g.Bake(); err != nil {
		t.Fatalf("Bake: %v", err)
	}

	pos := map[PassHandle]int{}
	for i, h := range g.order {
		pos[h] = i
	}
	if !(pos[p1] < pos[sampler1] && pos[sampler1] < pos[p2] && pos[p2] < pos[sampler2]) {
		t.Fatalf("expected order p1 < sampler1 < p2 < sampler2, got positions %v", pos)
	}
}

func TestGraphConsumeReturnsMaterializedView(t *testing.T) {
	dev := newTestDevice(t, Config{})
	g := NewGraph(dev)
	img, err := g.AddImage("shadow", ImageDesc{Format: driver.D32f, Size: driver.Dim3D{Width: 512, Height: 512, Depth: 1}, Layers: 1, Levels: 1, Samples: 1, Usage: driver.URenderTarget | driver.UShaderSample})
	if err != nil {
		t.Fatal(err)
	}
	p := g.AddPass("shadow-pass", StageGraphics)
	g.Write(p, WriteDepthStencil, img, 0)

	if err := g.Bake(); err != nil {
		t.Fatalf("Bake: %v", err)
	}
	view, err := g.Consume("shadow")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if view == nil {
		t.Fatalf("expected a non-nil view after bake")
	}
}

func TestGraphConsumeUnknownResource(t *testing.T) {
	dev := newTestDevice(t, Config{})
	g := NewGraph(dev)
	if _, err := g.Consume("nonexistent"); err == nil {
		t.Fatalf("expected an error for an undeclared resource")
	}
}

func TestGraphRecordRunsEveryPassBuilder(t *testing.T) {
	dev := newTestDevice(t, Config{})
	g := NewGraph(dev)
	img, err := g.AddImage("color", ImageDesc{Format: driver.RGBA8un, Size: driver.Dim3D{Width: 16, Height: 16, Depth: 1}, Layers: 1, Levels: 1, Samples: 1, Usage: driver.URenderTarget})
	if err != nil {
		t.Fatal(err)
	}
	p := g.AddPass("clear-pass", StageGraphics)
	g.Write(p, WriteColor, img, 0)
	ran := false
	g.SetBuilder(p, func(cb *CmdBuffer) error { ran = true; return nil })

	if err := g.Bake(); err != nil {
		t.Fatalf("Bake: %v", err)
	}
	cb, err := g.Record(0)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !ran {
		t.Fatalf("expected the pass builder to run during Record")
	}
	if err := cb.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	cb.Release()
}
