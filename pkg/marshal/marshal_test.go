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

package marshal

import (
	"testing"

	"github.com/wbridge/wbridge/pkg/typedesc"
	"github.com/wbridge/wbridge/pkg/wire"
)

func TestEncodeDecodeScalarRoundTrip(t *testing.T) {
	buf, err := EncodeScalar(typedesc.CInt32, Int32(-42), typedesc.X86_64)
	if err != nil {
		t.Fatalf("EncodeScalar: %v", err)
	}
	if len(buf) != 4 {
		t.Fatalf("buf length = %d, want 4", len(buf))
	}
	got := int32(uint32(DecodeScalar(buf)))
	if got != -42 {
		t.Fatalf("DecodeScalar = %d, want -42", got)
	}
}

func TestPackUnpackStructRoundTrip(t *testing.T) {
	point := typedesc.Struct("point", []typedesc.Field{
		{Name: "x", Type: typedesc.CInt32},
		{Name: "y", Type: typedesc.CInt32},
	})
	arg := Arg{Fields: []Arg{Int32(3), Int32(-7)}}

	var blocks []wire.MemBlock
	pv, err := Pack(point, arg, typedesc.X86_64, map[interface{}]int{}, &blocks)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if len(blocks) != 0 {
		t.Fatalf("packing a plain struct should not allocate memblocks, got %d", len(blocks))
	}

	back, err := Unpack(point, pv, blocks, typedesc.X86_64)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if int32(uint32(back.Fields[0].Scalar)) != 3 || int32(uint32(back.Fields[1].Scalar)) != -7 {
		t.Fatalf("round trip fields = %v, want [3 -7]", back.Fields)
	}
}

func TestPackPointerToScalarAllocatesOneMemblock(t *testing.T) {
	ptrType := typedesc.Pointer(typedesc.CInt32)
	arg := PointerTo(Int32(99))

	var blocks []wire.MemBlock
	pv, err := Pack(ptrType, arg, typedesc.X86_64, map[interface{}]int{}, &blocks)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if pv.MemblockIndex == nil || *pv.MemblockIndex != 0 {
		t.Fatalf("expected MemblockIndex 0, got %v", pv.MemblockIndex)
	}
	if len(blocks) != 1 || blocks[0].Value == nil {
		t.Fatalf("expected exactly one value memblock, got %+v", blocks)
	}

	back, err := Unpack(ptrType, pv, blocks, typedesc.X86_64)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if back.Pointer == nil || int32(uint32(back.Pointer.Scalar)) != 99 {
		t.Fatalf("round trip pointee = %v, want 99", back.Pointer)
	}
}

func TestPackNullPointerProducesNoMemblock(t *testing.T) {
	ptrType := typedesc.Pointer(typedesc.CInt32)
	var blocks []wire.MemBlock
	pv, err := Pack(ptrType, NullPointer(), typedesc.X86_64, map[interface{}]int{}, &blocks)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if pv.MemblockIndex != nil {
		t.Fatal("a null pointer must not reference a memblock")
	}
	if len(blocks) != 0 {
		t.Fatalf("a null pointer must not allocate a memblock, got %d", len(blocks))
	}

	back, err := Unpack(ptrType, pv, blocks, typedesc.X86_64)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if back.Pointer != nil {
		t.Fatal("unpacking a null pointer should yield a nil Pointer")
	}
}

func TestPackCyclicStructSharesOneMemblock(t *testing.T) {
	// A self-referential node: node.next may point back to the same
	// underlying value. Two pointer Args sharing a CycleKey must collapse
	// to one memblock rather than looping forever or double-allocating.
	nodeType := typedesc.Pointer(typedesc.CInt32)
	shared := &Arg{Scalar: 7}
	key := shared

	first := Arg{Pointer: shared, CycleKey: key}
	second := Arg{Pointer: shared, CycleKey: key}

	var blocks []wire.MemBlock
	memo := map[interface{}]int{}
	pv1, err := Pack(nodeType, first, typedesc.X86_64, memo, &blocks)
	if err != nil {
		t.Fatalf("Pack first: %v", err)
	}
	pv2, err := Pack(nodeType, second, typedesc.X86_64, memo, &blocks)
	if err != nil {
		t.Fatalf("Pack second: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("expected exactly one memblock for the shared pointee, got %d", len(blocks))
	}
	if *pv1.MemblockIndex != *pv2.MemblockIndex {
		t.Fatalf("both pointer values should reference the same memblock index, got %d and %d", *pv1.MemblockIndex, *pv2.MemblockIndex)
	}
}

func TestPackArrayLengthMismatch(t *testing.T) {
	arrType := typedesc.Array(typedesc.CInt32, 3)
	arg := Arg{Elements: []Arg{Int32(1), Int32(2)}}
	var blocks []wire.MemBlock
	if _, err := Pack(arrType, arg, typedesc.X86_64, map[interface{}]int{}, &blocks); err == nil {
		t.Fatal("packing an array with the wrong element count should fail")
	}
}

func TestUnpackOpaqueMemblockYieldsOpaquePointer(t *testing.T) {
	ptrType := typedesc.Pointer(typedesc.CChar)
	blocks := []wire.MemBlock{{Raw: []byte("hi"), ElementWidth: 1, ElementCount: 2}}
	idx := 0
	pv := wire.PackedValue{MemblockIndex: &idx}

	arg, err := Unpack(ptrType, pv, blocks, typedesc.X86_64)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if !arg.Opaque {
		t.Fatal("a memblock with no Value should unpack to an Opaque pointer Arg")
	}
}
