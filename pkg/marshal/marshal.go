// Copyright 2024 The wbridge Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package marshal implements the data marshaler (component C): packing a
// native argument tree to the wire.PackedValue/MemBlock shape and back,
// including the memblock allocation scheme (a pointee's memblock id is
// reserved on first visit, before its contents are packed) that lets
// cyclic struct graphs round-trip safely (spec §4.C, §9).
package marshal

import (
	"encoding/binary"
	"math"

	"github.com/wbridge/wbridge/pkg/rpcerror"
	"github.com/wbridge/wbridge/pkg/typedesc"
	"github.com/wbridge/wbridge/pkg/wire"
)

// Arg is the native-side argument/return value tree: the in-memory
// counterpart of wire.PackedValue, but with pointers represented inline
// (as a nested *Arg) rather than as a memblock index. Pack flattens an
// Arg tree into a wire.PackedValue plus a memblock table; Unpack is the
// inverse.
type Arg struct {
	// Scalar holds the bit pattern of a fundamental, non-pointer value:
	// integers in their natural representation, floats via
	// math.Float{32,64}bits.
	Scalar uint64
	// Elements holds an array type's element-wise values.
	Elements []Arg
	// Fields holds a struct type's field-wise values, in declaration
	// order.
	Fields []Arg
	// Pointer is the pointee value; nil means a null pointer unless
	// Opaque is set (memsync-owned pointer, see below).
	Pointer *Arg
	// Opaque marks a pointer argument whose target is owned by the
	// memsync engine rather than the type tree (spec §4.D): Pack leaves
	// its memblock slot for memsync.Ship to fill in, and does not
	// attempt to pack Pointer as a normal pointee.
	Opaque bool
	// Raw holds the buffer bytes of an Opaque pointer: the content the
	// memsync engine ships outbound (direction in/inout), or the
	// scratch slice write-back overwrites on return (direction
	// out/inout).
	Raw []byte
	// CallbackID is set for KindFunction arguments.
	CallbackID string
	// IsUnit marks the explicit void sentinel.
	IsUnit bool
	// CycleKey, if non-nil, identifies the Go-level identity of the
	// value behind a pointer Arg, so that two Pack calls presented with
	// the same CycleKey (either within one traversal, for self-
	// referential structs, or across two argument positions that alias
	// the same storage) resolve to the same memblock id.
	CycleKey interface{}
}

// Int8, Uint8, ... construct leaf Args for each fundamental integer type.
func Int8(v int8) Arg   { return Arg{Scalar: uint64(uint8(v))} }
func Uint8(v uint8) Arg  { return Arg{Scalar: uint64(v)} }
func Int16(v int16) Arg  { return Arg{Scalar: uint64(uint16(v))} }
func Uint16(v uint16) Arg { return Arg{Scalar: uint64(v)} }
func Int32(v int32) Arg  { return Arg{Scalar: uint64(uint32(v))} }
func Uint32(v uint32) Arg { return Arg{Scalar: uint64(v)} }
func Int64(v int64) Arg  { return Arg{Scalar: uint64(v)} }
func Uint64(v uint64) Arg { return Arg{Scalar: v} }
func Bool(v bool) Arg {
	if v {
		return Arg{Scalar: 1}
	}
	return Arg{Scalar: 0}
}
func Float32(v float32) Arg { return Arg{Scalar: uint64(math.Float32bits(v))} }
func Float64(v float64) Arg { return Arg{Scalar: math.Float64bits(v)} }

// NullPointer constructs a null pointer Arg.
func NullPointer() Arg { return Arg{Pointer: nil} }

// PointerTo constructs a non-null pointer Arg referencing pointee.
func PointerTo(pointee Arg) Arg {
	p := pointee
	return Arg{Pointer: &p}
}

// OpaquePointer constructs a non-null pointer Arg whose memblock is to be
// produced by the memsync engine instead of a recursive Pack, carrying
// raw as its outbound buffer content.
func OpaquePointer(raw []byte) Arg { return Arg{Opaque: true, Raw: raw, Pointer: &Arg{}} }

// CallbackArg constructs a KindFunction argument referencing a
// previously-registered callback id (see pkg/callback).
func CallbackArg(id string) Arg { return Arg{CallbackID: id} }

// Unit constructs the explicit void-return sentinel.
func Unit() Arg { return Arg{IsUnit: true} }

func elementType(t *typedesc.T) *typedesc.T {
	if len(t.ArrayShape) == 0 {
		return t
	}
	clone := *t
	clone.ArrayShape = t.ArrayShape[1:]
	return &clone
}

func pointeeType(t *typedesc.T) *typedesc.T {
	clone := *t
	clone.PointerDepth = t.PointerDepth - 1
	return &clone
}

// EncodeScalar little-endian-encodes a into a byte slice sized to t's
// width (spec §4.C.1: "scalars are widened/truncated to the declared
// width and encoded little-endian").
func EncodeScalar(t *typedesc.T, a Arg, arch typedesc.Arch) ([]byte, error) {
	w, err := typedesc.Width(t, arch)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, w)
	switch w {
	case 1:
		buf[0] = byte(a.Scalar)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(a.Scalar))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(a.Scalar))
	case 8:
		binary.LittleEndian.PutUint64(buf, a.Scalar)
	default:
		return nil, rpcerror.New(rpcerror.TypeUnsupported, "unsupported scalar width %d for %q", w, t.Name)
	}
	return buf, nil
}

// DecodeScalar is the inverse of EncodeScalar.
func DecodeScalar(buf []byte) uint64 {
	switch len(buf) {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf))
	case 8:
		return binary.LittleEndian.Uint64(buf)
	default:
		return 0
	}
}

// Pack walks a per its type description t, producing a wire.PackedValue
// and appending any newly-discovered memblocks to *blocks. memo tracks
// the memblock id already assigned to a given Arg.CycleKey within this
// traversal, so a self-referential struct (or two arguments that alias
// the same storage) only allocates one memblock (spec §9).
func Pack(t *typedesc.T, a Arg, arch typedesc.Arch, memo map[interface{}]int, blocks *[]wire.MemBlock) (wire.PackedValue, error) {
	if a.IsUnit {
		return wire.PackedValue{IsUnit: true}, nil
	}
	if len(t.ArrayShape) > 0 {
		et := elementType(t)
		n := t.ArrayShape[0]
		if len(a.Elements) != n {
			return wire.PackedValue{}, rpcerror.New(rpcerror.TypeUnsupported, "array length mismatch: type wants %d elements, value has %d", n, len(a.Elements))
		}
		out := make([]wire.PackedValue, n)
		for i := range a.Elements {
			pv, err := Pack(et, a.Elements[i], arch, memo, blocks)
			if err != nil {
				return wire.PackedValue{}, err
			}
			out[i] = pv
		}
		return wire.PackedValue{Elements: out}, nil
	}
	if t.IsPointer() {
		if a.Pointer == nil {
			return wire.PackedValue{}, nil
		}
		if a.Opaque {
			// The memsync engine owns this slot; Pack reserves nothing
			// here. The caller (session.Call) fills MemblockIndex in
			// once memsync.Ship has appended the buffer memblock.
			return wire.PackedValue{}, nil
		}
		if a.CycleKey != nil {
			if id, ok := memo[a.CycleKey]; ok {
				idx := id
				return wire.PackedValue{MemblockIndex: &idx}, nil
			}
		}
		pt := pointeeType(t)
		id := len(*blocks)
		*blocks = append(*blocks, wire.MemBlock{})
		if a.CycleKey != nil {
			memo[a.CycleKey] = id
		}
		pv, err := Pack(pt, *a.Pointer, arch, memo, blocks)
		if err != nil {
			return wire.PackedValue{}, err
		}
		(*blocks)[id].Value = &pv
		idx := id
		return wire.PackedValue{MemblockIndex: &idx}, nil
	}
	switch t.Kind {
	case typedesc.KindStruct:
		if len(a.Fields) != len(t.Fields) {
			return wire.PackedValue{}, rpcerror.New(rpcerror.TypeUnsupported, "struct %q expects %d fields, got %d", t.Name, len(t.Fields), len(a.Fields))
		}
		out := make([]wire.PackedValue, len(t.Fields))
		for i, f := range t.Fields {
			pv, err := Pack(f.Type, a.Fields[i], arch, memo, blocks)
			if err != nil {
				return wire.PackedValue{}, err
			}
			out[i] = pv
		}
		return wire.PackedValue{Fields: out}, nil
	case typedesc.KindFunction:
		return wire.PackedValue{CallbackID: a.CallbackID}, nil
	case typedesc.KindFundamental:
		b, err := EncodeScalar(t, a, arch)
		if err != nil {
			return wire.PackedValue{}, err
		}
		return wire.PackedValue{Scalar: b}, nil
	default:
		return wire.PackedValue{}, rpcerror.New(rpcerror.TypeUnsupported, "type %q is opaque", t.Name)
	}
}

// Unpack is the inverse of Pack: given a wire.PackedValue shaped by t and
// the memblocks it may reference, reconstruct the native Arg tree.
func Unpack(t *typedesc.T, v wire.PackedValue, blocks []wire.MemBlock, arch typedesc.Arch) (Arg, error) {
	if v.IsUnit {
		return Arg{IsUnit: true}, nil
	}
	if len(t.ArrayShape) > 0 {
		et := elementType(t)
		out := make([]Arg, len(v.Elements))
		for i := range v.Elements {
			a, err := Unpack(et, v.Elements[i], blocks, arch)
			if err != nil {
				return Arg{}, err
			}
			out[i] = a
		}
		return Arg{Elements: out}, nil
	}
	if t.IsPointer() {
		if v.MemblockIndex == nil {
			return Arg{Pointer: nil}, nil
		}
		idx := *v.MemblockIndex
		if idx < 0 || idx >= len(blocks) {
			return Arg{}, rpcerror.New(rpcerror.MemsyncResolve, "memblock index %d out of range (have %d)", idx, len(blocks))
		}
		blk := blocks[idx]
		if blk.Value == nil {
			// A memsync-owned raw buffer; the caller (memsync.Unship)
			// is responsible for turning Raw bytes into the buffer the
			// user handed in, so here we surface it as an opaque,
			// pointer-valued Arg carrying no structured pointee.
			return Arg{Opaque: true, Pointer: &Arg{}}, nil
		}
		pt := pointeeType(t)
		pointee, err := Unpack(pt, *blk.Value, blocks, arch)
		if err != nil {
			return Arg{}, err
		}
		return Arg{Pointer: &pointee}, nil
	}
	switch t.Kind {
	case typedesc.KindStruct:
		if len(v.Fields) != len(t.Fields) {
			return Arg{}, rpcerror.New(rpcerror.TypeUnsupported, "struct %q expects %d fields, got %d on the wire", t.Name, len(t.Fields), len(v.Fields))
		}
		out := make([]Arg, len(t.Fields))
		for i, f := range t.Fields {
			a, err := Unpack(f.Type, v.Fields[i], blocks, arch)
			if err != nil {
				return Arg{}, err
			}
			out[i] = a
		}
		return Arg{Fields: out}, nil
	case typedesc.KindFunction:
		return Arg{CallbackID: v.CallbackID}, nil
	case typedesc.KindFundamental:
		return Arg{Scalar: DecodeScalar(v.Scalar)}, nil
	default:
		return Arg{}, rpcerror.New(rpcerror.TypeUnsupported, "type %q is opaque", t.Name)
	}
}
