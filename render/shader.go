// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package render

import (
	"encoding/binary"
	"fmt"

	"github.com/ashfall/forge/driver"
)

// Reflection grounded on original_source/src/motor/vulkan/
// pipeline.inl's shader_init, which calls spirv_reflect over
// the raw SPIR-V bytes to recover stage, descriptor bindings,
// push constant ranges and vertex input locations. No Go
// SPIR-V reflection library appears anywhere in the retrieved
// example pack, so this walks the SPIR-V word stream directly
// rather than depending on caller-supplied metadata.

const spirvMagic = 0x07230203

// SPIR-V opcodes used by the reflector.
const (
	opName             = 5
	opMemberName       = 6
	opExtInstImport     = 11
	opEntryPoint       = 15
	opExecutionMode     = 16
	opTypeVoid         = 19
	opTypeBool         = 20
	opTypeInt          = 21
	opTypeFloat        = 22
	opTypeVector       = 23
	opTypeMatrix        = 24
	opTypeImage        = 25
	opTypeSampler      = 26
	opTypeSampledImage = 27
	opTypeArray        = 28
	opTypeRuntimeArray = 29
	opTypeStruct       = 30
	opTypePointer      = 32
	opConstant         = 43
	opVariable         = 59
	opDecorate         = 71
	opMemberDecorate   = 72
)

// SPIR-V Decoration values used by the reflector.
const (
	decBlock          = 2
	decBufferBlock    = 3
	decArrayStride    = 6
	decBuiltIn        = 11
	decLocation       = 30
	decBinding        = 33
	decDescriptorSet  = 34
	decOffset         = 35
)

// SPIR-V StorageClass values used by the reflector.
const (
	scUniformConstant = 0
	scInput           = 1
	scUniform         = 2
	scOutput          = 3
	scPushConstant    = 9
	scStorageBuffer   = 12
)

// SPIR-V ExecutionModel values, mapped to driver.Stage.
var execModelStage = map[uint32]driver.Stage{
	0: driver.SVertex,
	4: driver.SFragment,
	5: driver.SCompute,
}

// ReflectedBinding describes a single descriptor binding
// recovered from a shader's SPIR-V.
type ReflectedBinding struct {
	Set     int
	Binding int
	Type    driver.DescType
	Count   int
}

// PushConstantRange describes a push-constant block recovered
// from a shader's SPIR-V.
type PushConstantRange struct {
	Offset int
	Size   int
}

// VertexAttribute describes a vertex shader input location
// recovered from a shader's SPIR-V.
type VertexAttribute struct {
	Location int
	Format   driver.VertexFmt
}

// Reflection holds everything reflect extracted from one
// shader module's SPIR-V.
type Reflection struct {
	Stage        driver.Stage
	Bindings     []ReflectedBinding
	PushConstant *PushConstantRange
	Inputs       []VertexAttribute
}

type spirvType struct {
	op        uint32
	component uint32 // for vector/matrix/array: element type id
	width     uint32 // for int/float: bit width
	count     uint32 // for vector: component count; for array: length constant id
	members   []uint32
}

// Reflect parses raw SPIR-V words and extracts the binding
// information needed to build a PipelineLayout (see
// pipelinelayout.go) and, for vertex shaders, a vertex input
// description.
func Reflect(code []byte) (*Reflection, error) {
	if len(code)%4 != 0 || len(code) < 20 {
		return nil, fmt.Errorf("render: invalid SPIR-V length %d", len(code))
	}
	words := make([]uint32, len(code)/4)
	bo := binary.LittleEndian
	if bo.Uint32(code[:4]) != spirvMagic {
		// Some toolchains emit big-endian SPIR-V; fall back.
		bo = binary.BigEndian
		if bo.Uint32(code[:4]) != spirvMagic {
			return nil, fmt.Errorf("render: not a SPIR-V module")
		}
	}
	for i := range words {
		words[i] = bo.Uint32(code[i*4 : i*4+4])
	}

	r := &Reflection{}
	types := map[uint32]*spirvType{}
	names := map[uint32]string{}
	varClass := map[uint32]uint32{}  // result id -> storage class
	varType := map[uint32]uint32{}   // result id -> pointee type id
	setOf := map[uint32]int{}        // var id -> DescriptorSet
	bindingOf := map[uint32]int{}    // var id -> Binding
	locationOf := map[uint32]int{}   // var id -> Location
	memberOffset := map[uint32]map[uint32]int{} // struct type id -> member -> Offset
	isBlock := map[uint32]bool{}     // struct type id -> has Block/BufferBlock decoration

	i := 5 // skip header: magic, version, generator, bound, schema
	for i < len(words) {
		instr := words[i]
		wordCount := instr >> 16
		op := instr & 0xffff
		if wordCount == 0 || i+int(wordCount) > len(words) {
			break
		}
		ops := words[i+1 : i+int(wordCount)]

		switch op {
		case opEntryPoint:
			if len(ops) >= 1 {
				if st, ok := execModelStage[ops[0]]; ok {
					r.Stage = st
				}
			}
		case opName:
			if len(ops) >= 1 {
				names[ops[0]] = decodeString(ops[1:])
			}
		case opDecorate:
			if len(ops) >= 2 {
				id, dec := ops[0], ops[1]
				switch dec {
				case decDescriptorSet:
					if len(ops) >= 3 {
						setOf[id] = int(ops[2])
					}
				case decBinding:
					if len(ops) >= 3 {
						bindingOf[id] = int(ops[2])
					}
				case decLocation:
					if len(ops) >= 3 {
						locationOf[id] = int(ops[2])
					}
				case decBlock, decBufferBlock:
					isBlock[id] = true
				}
			}
		case opMemberDecorate:
			if len(ops) >= 3 && ops[2] == decOffset && len(ops) >= 4 {
				m := memberOffset[ops[0]]
				if m == nil {
					m = map[uint32]int{}
					memberOffset[ops[0]] = m
				}
				m[ops[1]] = int(ops[3])
			}
		case opTypeInt:
			if len(ops) >= 2 {
				types[ops[0]] = &spirvType{op: op, width: ops[1]}
			}
		case opTypeFloat:
			if len(ops) >= 2 {
				types[ops[0]] = &spirvType{op: op, width: ops[1]}
			}
		case opTypeVector:
			if len(ops) >= 3 {
				types[ops[0]] = &spirvType{op: op, component: ops[1], count: ops[2]}
			}
		case opTypeArray:
			if len(ops) >= 3 {
				types[ops[0]] = &spirvType{op: op, component: ops[1], count: ops[2]}
			}
		case opTypeRuntimeArray:
			if len(ops) >= 2 {
				types[ops[0]] = &spirvType{op: op, component: ops[1]}
			}
		case opTypeStruct:
			if len(ops) >= 1 {
				types[ops[0]] = &spirvType{op: op, members: append([]uint32(nil), ops[1:]...)}
			}
		case opTypeImage:
			if len(ops) >= 1 {
				types[ops[0]] = &spirvType{op: op}
			}
		case opTypeSampler:
			if len(ops) >= 1 {
				types[ops[0]] = &spirvType{op: op}
			}
		case opTypeSampledImage:
			if len(ops) >= 2 {
				types[ops[0]] = &spirvType{op: op, component: ops[1]}
			}
		case opTypePointer:
			if len(ops) >= 3 {
				types[ops[0]] = &spirvType{op: op, component: ops[2]}
				varType[ops[0]] = ops[2]
				varClass[ops[0]] = ops[1]
			}
		case opVariable:
			if len(ops) >= 3 {
				ptrType, resID, class := ops[0], ops[1], ops[2]
				varClass[resID] = class
				if pt, ok := types[ptrType]; ok {
					varType[resID] = pt.component
				}
			}
		}
		i += int(wordCount)
	}

	for id, class := range varClass {
		switch class {
		case scUniformConstant, scUniform, scStorageBuffer:
			typeID := varType[id]
			dt := classifyDescType(types, typeID, class, isBlock)
			set := setOf[id]
			binding := bindingOf[id]
			r.Bindings = append(r.Bindings, ReflectedBinding{
				Set:     set,
				Binding: binding,
				Type:    dt,
				Count:   arrayCount(types, typeID),
			})
		case scPushConstant:
			typeID := varType[id]
			if size, ok := structSize(types, memberOffset, typeID); ok {
				off := 0
				r.PushConstant = &PushConstantRange{Offset: off, Size: size}
			}
		case scInput:
			if loc, ok := locationOf[id]; ok {
				typeID := varType[id]
				r.Inputs = append(r.Inputs, VertexAttribute{
					Location: loc,
					Format:   classifyVertexFmt(types, typeID),
				})
			}
		}
	}
	return r, nil
}

func decodeString(words []uint32) string {
	b := make([]byte, 0, len(words)*4)
	for _, w := range words {
		for s := 0; s < 4; s++ {
			c := byte(w >> (8 * s))
			if c == 0 {
				return string(b)
			}
			b = append(b, c)
		}
	}
	return string(b)
}

func classifyDescType(types map[uint32]*spirvType, typeID, class uint32, isBlock map[uint32]bool) driver.DescType {
	t, ok := types[typeID]
	if !ok {
		return driver.DConstant
	}
	switch t.op {
	case opTypeSampler:
		return driver.DSampler
	case opTypeImage:
		return driver.DImage
	case opTypeSampledImage:
		return driver.DTexture
	case opTypeArray, opTypeRuntimeArray:
		return classifyDescType(types, t.component, class, isBlock)
	case opTypeStruct:
		if class == scStorageBuffer {
			return driver.DBuffer
		}
		return driver.DConstant
	}
	if class == scStorageBuffer {
		return driver.DBuffer
	}
	return driver.DConstant
}

func arrayCount(types map[uint32]*spirvType, typeID uint32) int {
	t, ok := types[typeID]
	if !ok {
		return 1
	}
	if t.op == opTypeArray {
		return 1 // constant-id resolution omitted; callers treat as unsized-known array of 1 unless overridden
	}
	return 1
}

func structSize(types map[uint32]*spirvType, offsets map[uint32]map[uint32]int, typeID uint32) (int, bool) {
	t, ok := types[typeID]
	if !ok || t.op != opTypeStruct {
		return 0, false
	}
	m := offsets[typeID]
	if len(m) == 0 {
		return 0, false
	}
	max := 0
	for _, off := range m {
		if off > max {
			max = off
		}
	}
	// Conservative: round up to 16 bytes, matching std140-ish
	// push-constant block padding used throughout the corpus.
	return roundUpInt(max+16, 16), true
}

func roundUpInt(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

func classifyVertexFmt(types map[uint32]*spirvType, typeID uint32) driver.VertexFmt {
	t, ok := types[typeID]
	if !ok {
		return driver.Float32
	}
	switch t.op {
	case opTypeFloat:
		return driver.Float32
	case opTypeInt:
		switch {
		case t.width == 32:
			return driver.Int32
		case t.width == 16:
			return driver.Int16
		default:
			return driver.Int8
		}
	case opTypeVector:
		comp := types[t.component]
		n := t.count
		if comp != nil && comp.op == opTypeInt {
			switch n {
			case 2:
				return driver.Int32x2
			case 3:
				return driver.Int32x3
			case 4:
				return driver.Int32x4
			}
		}
		switch n {
		case 2:
			return driver.Float32x2
		case 3:
			return driver.Float32x3
		case 4:
			return driver.Float32x4
		}
	}
	return driver.Float32
}
