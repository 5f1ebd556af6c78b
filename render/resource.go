// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package render

import (
	"fmt"

	"github.com/ashfall/forge/driver"
)

// Buffer is a GPU buffer owned by a Device.
type Buffer struct {
	dev *Device
	buf driver.Buffer
}

// NewBuffer creates a new buffer of the given size and usage.
func (d *Device) NewBuffer(size int64, visible bool, usage driver.Usage) (*Buffer, error) {
	buf, err := d.gpu.NewBuffer(size, visible, usage)
	if err != nil {
		return nil, fmt.Errorf("render: new buffer: %w", err)
	}
	return &Buffer{dev: d, buf: buf}, nil
}

// Driver returns the underlying driver.Buffer.
func (b *Buffer) Driver() driver.Buffer { return b.buf }

// Cap returns the buffer's capacity in bytes.
func (b *Buffer) Cap() int64 { return b.buf.Cap() }

// Visible reports whether the buffer is host-visible.
func (b *Buffer) Visible() bool { return b.buf.Visible() }

// Bytes returns the mapped byte range of the buffer, or nil if
// it is not host-visible.
func (b *Buffer) Bytes() []byte { return b.buf.Bytes() }

// Destroy releases the buffer.
func (b *Buffer) Destroy() { b.buf.Destroy() }

// Upload copies data into the buffer at the given offset using
// a one-shot staged transfer. It blocks until the copy
// completes.
func (b *Buffer) Upload(off int64, data []byte) error {
	return b.dev.stage.uploadToBuffer(b.buf, off, data)
}

// Image is a GPU image owned by a Device.
type Image struct {
	dev     *Device
	img     driver.Image
	pf      driver.PixelFmt
	size    driver.Dim3D
	layers  int
	levels  int
	samples int
}

// NewImage creates a new image.
func (d *Device) NewImage(pf driver.PixelFmt, size driver.Dim3D, layers, levels, samples int, usage driver.Usage) (*Image, error) {
	img, err := d.gpu.NewImage(pf, size, layers, levels, samples, usage)
	if err != nil {
		return nil, fmt.Errorf("render: new image: %w", err)
	}
	return &Image{dev: d, img: img, pf: pf, size: size, layers: layers, levels: levels, samples: samples}, nil
}

// Driver returns the underlying driver.Image.
func (i *Image) Driver() driver.Image { return i.img }

// Format returns the image's pixel format.
func (i *Image) Format() driver.PixelFmt { return i.pf }

// Size returns the image's base-level dimensions.
func (i *Image) Size() driver.Dim3D { return i.size }

// View creates a new image view.
func (i *Image) View(typ driver.ViewType, layer, layers, level, levels int) (driver.ImageView, error) {
	return i.img.NewView(typ, layer, layers, level, levels)
}

// Destroy releases the image.
func (i *Image) Destroy() { i.img.Destroy() }

// Upload copies tightly packed pixel data into a single
// layer/level of the image using a one-shot staged transfer.
// It blocks until the copy completes.
func (i *Image) Upload(layer, level int, off driver.Off3D, size driver.Dim3D, stride [2]int64, data []byte) error {
	return i.dev.stage.uploadToImage(i.img, layer, level, off, size, stride, data)
}

// Sampler is a GPU image sampler owned by a Device.
type Sampler struct {
	dev *Device
	spl driver.Sampler
}

// NewSampler creates a new sampler.
func (d *Device) NewSampler(spln *driver.Sampling) (*Sampler, error) {
	spl, err := d.gpu.NewSampler(spln)
	if err != nil {
		return nil, fmt.Errorf("render: new sampler: %w", err)
	}
	return &Sampler{dev: d, spl: spl}, nil
}

// Driver returns the underlying driver.Sampler.
func (s *Sampler) Driver() driver.Sampler { return s.spl }

// Destroy releases the sampler.
func (s *Sampler) Destroy() { s.spl.Destroy() }
