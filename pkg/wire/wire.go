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

// Package wire defines the portable call payload (spec §3): the recursive
// packed-value tree that mirrors a type description, the memblock table
// it references, and the memsync directive shape. These types are the
// data model shared by the client and server ends of the RPC boundary;
// neither side ever transports a language-specific object across it.
package wire

// PackedValue is the wire encoding of a single value, shaped to mirror
// the typedesc.T it was packed from. Exactly the fields relevant to the
// originating type's Kind are populated.
type PackedValue struct {
	// Scalar holds the little-endian raw bytes of a fundamental,
	// non-pointer value.
	Scalar []byte `json:"scalar,omitempty"`
	// Elements holds the element-wise packing of an array type
	// (ArrayShape non-empty on the originating typedesc.T).
	Elements []PackedValue `json:"elements,omitempty"`
	// Fields holds the field-wise packing of a struct type, in
	// declaration order (I3).
	Fields []PackedValue `json:"fields,omitempty"`
	// MemblockIndex is set when the originating type is a pointer
	// (PointerDepth >= 1, or c_void_p): nil means a null pointer,
	// otherwise it is an index into the enclosing CallPayload/
	// ReturnPayload's Memblocks.
	MemblockIndex *int `json:"memblock_index,omitempty"`
	// CallbackID is set when the originating type is KindFunction: the
	// id a prior callback.Registry.Register call assigned.
	CallbackID string `json:"callback_id,omitempty"`
	// IsUnit marks the explicit "void" return sentinel (spec §4.C.4).
	IsUnit bool `json:"is_unit,omitempty"`
}

// MemBlock is one entry of the memblocks table a CallPayload/
// ReturnPayload references by index (I2: every pointer is null or
// references exactly one memblock; there are no orphans by construction
// since memblocks are only ever appended by a pack operation that also
// produces the referencing PackedValue in the same traversal).
type MemBlock struct {
	// Value is set when this memblock was produced by marshal.Pack for a
	// pointer-to-typed-value (struct, scalar, array, pointer-to-pointer).
	Value *PackedValue `json:"value,omitempty"`
	// Raw is set when this memblock was produced by the memsync engine
	// for a buffer whose shape lives outside the type tree (a length-
	// path or null-terminated buffer); it is a flat, already-encoded
	// byte run of ElementCount elements of ElementWidth bytes each.
	Raw []byte `json:"raw,omitempty"`
	// ElementWidth and ElementCount describe Raw; both are zero when
	// Value is set instead.
	ElementWidth uint64 `json:"element_width,omitempty"`
	ElementCount uint64 `json:"element_count,omitempty"`
}

// CallPayload is the outbound request body for a routine call (spec §3).
type CallPayload struct {
	Args      []PackedValue `json:"args"`
	Memblocks []MemBlock    `json:"memblocks"`
}

// ReturnPayload is the inbound reply body. OutArgs carries write-back
// overwrites for any in/out or memsync-declared argument position;
// positions with no overwrite are left as a zero PackedValue and must be
// ignored by the client (spec §4.C.3).
type ReturnPayload struct {
	Value     PackedValue   `json:"value"`
	Memblocks []MemBlock    `json:"memblocks"`
	OutArgs   []PackedValue `json:"out_args,omitempty"`
}

// Direction is a memsync directive's shipping direction (spec §3).
type Direction string

const (
	DirIn    Direction = "in"
	DirOut   Direction = "out"
	DirInOut Direction = "inout"
)

// Valid reports whether d is one of the closed set of directions.
func (d Direction) Valid() bool {
	switch d {
	case DirIn, DirOut, DirInOut:
		return true
	default:
		return false
	}
}

// PathStep is one hop of a memsync pointer_path/length_path: either a
// positional index into an argument list (or array), or a struct field
// name, never both.
type PathStep struct {
	IsField bool   `json:"is_field"`
	Index   int    `json:"index,omitempty"`
	Field   string `json:"field,omitempty"`
}

// Index constructs a positional PathStep.
func Index(i int) PathStep { return PathStep{Index: i} }

// FieldStep constructs a struct-field PathStep.
func FieldStep(name string) PathStep { return PathStep{IsField: true, Field: name} }

// Length is a memsync directive's length_path, one of three forms (spec
// §4.D): a fixed literal, a path to a scalar to read at call time, or the
// null_terminated sentinel.
type Length struct {
	Literal        *int64     `json:"literal,omitempty"`
	Path           []PathStep `json:"path,omitempty"`
	NullTerminated bool       `json:"null_terminated,omitempty"`
}

// LiteralLength constructs a fixed-size Length.
func LiteralLength(n int64) Length { return Length{Literal: &n} }

// PathLength constructs a Length read from another argument at call time.
func PathLength(path ...PathStep) Length { return Length{Path: path} }

// NullTerminatedLength constructs the null_terminated sentinel Length.
func NullTerminatedLength() Length { return Length{NullTerminated: true} }
