// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package render

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// hasher accumulates bytes for a single content hash.
// It wraps xxhash.Digest, which implements the 64-bit
// variant of xxHash, the same algorithm used to key the
// combined set layout and descriptor content caches in
// the reference implementation this package is modeled
// after.
type hasher struct {
	d xxhash.Digest
}

// newHasher returns a ready-to-use hasher.
func newHasher() hasher {
	h := hasher{}
	h.d.Reset()
	return h
}

func (h *hasher) u32(x uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], x)
	h.d.Write(b[:])
}

func (h *hasher) u64(x uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], x)
	h.d.Write(b[:])
}

func (h *hasher) i32(x int32) { h.u32(uint32(x)) }

func (h *hasher) bytes(b []byte) { h.d.Write(b) }

func (h *hasher) str(s string) { h.d.Write([]byte(s)) }

// sum returns the accumulated hash.
func (h *hasher) sum() uint64 { return h.d.Sum64() }

// hashBytes is a convenience one-shot hash of a single
// byte slice.
func hashBytes(b []byte) uint64 { return xxhash.Sum64(b) }
