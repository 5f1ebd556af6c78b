// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package render

import (
	"errors"
	"fmt"
	"time"

	"github.com/ashfall/forge/driver"
	"github.com/ashfall/forge/wsi"
)

// FramesInFlight is the number of frames the Swapchain paces
// concurrently: one frame may be recording while up to
// FramesInFlight-1 previous frames are still executing on the
// GPU. SPEC_FULL.md §3.1/§4.7 fixes this at 2.
const FramesInFlight = 2

// ErrHeadless is returned by NewSwapchain when the Device was
// created with Config.Headless set, or when the underlying
// driver.GPU does not implement driver.Presenter.
var ErrHeadless = errors.New("render: device cannot present")

type frameSlot struct {
	done chan *driver.WorkItem
	cb   *CmdBuffer
	idx  int
}

// Swapchain paces frame submission against a presentable window,
// acquiring a backbuffer view each frame and feeding it to a
// Graph via SetBackbuffer, grounded on the reference
// implementation's frame-pacing loop (engine/renderer.go, now
// deleted, see DESIGN.md) rewritten against this driver's
// channel-based WorkItem completion protocol instead of raw
// fences.
type Swapchain struct {
	dev  *Device
	win  wsi.Window
	sc   driver.Swapchain
	w, h int

	frames [FramesInFlight]frameSlot
	cur    int
	frameN int64

	lastBegin time.Time
	dt        time.Duration
}

// NewSwapchain creates a Swapchain presenting to win.
// imageCount is the number of backbuffers the underlying driver
// swapchain maintains; it is independent of FramesInFlight.
func NewSwapchain(dev *Device, win wsi.Window, imageCount int) (*Swapchain, error) {
	if dev.cfg.Headless {
		return nil, ErrHeadless
	}
	pr, ok := dev.gpu.(driver.Presenter)
	if !ok {
		return nil, ErrHeadless
	}
	sc, err := pr.NewSwapchain(win, imageCount)
	if err != nil {
		return nil, fmt.Errorf("render: new swapchain: %w", err)
	}
	s := &Swapchain{dev: dev, win: win, sc: sc, w: win.Width(), h: win.Height()}
	for i := range s.frames {
		s.frames[i].done = make(chan *driver.WorkItem, 1)
	}
	return s, nil
}

// Format returns the pixel format of the swapchain's images.
func (s *Swapchain) Format() driver.PixelFmt { return s.sc.Format() }

// Size returns the window's current width and height.
func (s *Swapchain) Size() (int, int) { return s.w, s.h }

// DeltaTime returns the wall-clock time elapsed between the two
// most recent Begin calls. It is zero before the second Begin.
func (s *Swapchain) DeltaTime() time.Duration { return s.dt }

// Begin waits for the oldest still-in-flight frame in this
// Swapchain's rotation to finish executing, recycling its
// command buffer, then acquires the next backbuffer image,
// binds its view into g through Graph.SetBackbuffer, and
// returns a fresh CmdBuffer ready for Graph.Record's caller to
// submit work into.
//
// Frame pacing is per-Swapchain, not per-Device: a Device may
// drive more than one Swapchain (e.g. multiple windows), each
// with its own independent FramesInFlight rotation.
func (s *Swapchain) Begin(worker WorkerId, g *Graph) (*CmdBuffer, error) {
	now := time.Now()
	if !s.lastBegin.IsZero() {
		s.dt = now.Sub(s.lastBegin)
	}
	s.lastBegin = now

	slot := &s.frames[s.cur]
	if slot.cb != nil {
		item := <-slot.done
		if item.Err != nil {
			return nil, fmt.Errorf("render: frame %d: %w", s.frameN-int64(FramesInFlight), item.Err)
		}
		slot.cb.Release()
		slot.cb = nil
	}

	cb, err := s.dev.NewCmdBuffer(worker)
	if err != nil {
		return nil, err
	}
	idx, err := s.sc.Next(cb.Driver())
	if err != nil {
		cb.Release()
		return nil, err
	}
	g.SetBackbuffer(s.sc.Views()[idx])
	slot.cb, slot.idx = cb, idx
	return cb, nil
}

// End ends cb's recording, presents the just-drawn backbuffer
// and commits cb for execution, signaling this frame slot's
// completion channel once the GPU is done. cb must be the
// *CmdBuffer most recently returned by Begin.
func (s *Swapchain) End(cb *CmdBuffer) error {
	slot := &s.frames[s.cur]
	if err := s.sc.Present(slot.idx, cb.Driver()); err != nil {
		return err
	}
	if err := cb.End(); err != nil {
		return err
	}
	item := &driver.WorkItem{Work: []driver.CmdBuffer{cb.Driver()}, Custom: s.frameN}
	if err := s.dev.gpu.Commit(item, slot.done); err != nil {
		return err
	}
	s.frameN++
	s.cur = (s.cur + 1) % FramesInFlight
	return nil
}

// Recreate destroys and recreates the underlying driver
// swapchain in response to driver.ErrSwapchain, and propagates
// the new extent to g via Graph.OnResize.
func (s *Swapchain) Recreate(g *Graph) error {
	if err := s.sc.Recreate(); err != nil {
		return err
	}
	s.w, s.h = s.win.Width(), s.win.Height()
	return g.OnResize(s.w, s.h)
}

// Destroy waits for every in-flight frame to complete, releases
// their command buffers, and destroys the underlying driver
// swapchain.
func (s *Swapchain) Destroy() {
	for i := range s.frames {
		slot := &s.frames[i]
		if slot.cb == nil {
			continue
		}
		item := <-slot.done
		_ = item
		slot.cb.Release()
		slot.cb = nil
	}
	s.sc.Destroy()
}
