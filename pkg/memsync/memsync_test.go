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

package memsync

import (
	"testing"

	"github.com/wbridge/wbridge/pkg/marshal"
	"github.com/wbridge/wbridge/pkg/typedesc"
	"github.com/wbridge/wbridge/pkg/wire"
)

func TestValidateRejectsMalformedDirectives(t *testing.T) {
	base := Directive{
		PointerPath: []wire.PathStep{wire.Index(0)},
		Length:      wire.LiteralLength(4),
		ElementType: typedesc.CChar,
		Direction:   wire.DirIn,
	}
	if err := Validate(base); err != nil {
		t.Fatalf("a well-formed directive should validate, got: %v", err)
	}

	noPath := base
	noPath.PointerPath = nil
	if err := Validate(noPath); err == nil {
		t.Error("an empty pointer_path should fail validation")
	}

	noElem := base
	noElem.ElementType = nil
	if err := Validate(noElem); err == nil {
		t.Error("a missing element_type should fail validation")
	}

	noLength := base
	noLength.Length = wire.Length{}
	if err := Validate(noLength); err == nil {
		t.Error("a length_path that is neither literal, path, nor null_terminated should fail validation")
	}

	badDir := base
	badDir.Direction = wire.Direction("sideways")
	if err := Validate(badDir); err == nil {
		t.Error("an invalid direction should fail validation")
	}
}

func TestResolvePointerWalksStructField(t *testing.T) {
	bufType := typedesc.Pointer(typedesc.CChar)
	reqType := typedesc.Struct("request", []typedesc.Field{
		{Name: "data", Type: bufType},
		{Name: "len", Type: typedesc.CInt32},
	})
	args := []marshal.Arg{
		{Fields: []marshal.Arg{marshal.OpaquePointer([]byte("hi")), marshal.Int32(2)}},
	}
	argTypes := []*typedesc.T{reqType}

	d := Directive{
		PointerPath: []wire.PathStep{wire.Index(0), wire.FieldStep("data")},
		Length:      wire.LiteralLength(2),
		ElementType: typedesc.CChar,
		Direction:   wire.DirIn,
	}
	a, resolvedType, err := ResolvePointer(d, args, argTypes)
	if err != nil {
		t.Fatalf("ResolvePointer: %v", err)
	}
	if !resolvedType.IsPointer() {
		t.Fatal("resolved type must be the pointer type, not the pointee")
	}
	if !a.Opaque {
		t.Fatal("resolved Arg should be the opaque buffer pointer placed in the request struct")
	}
}

func TestResolveLengthPathReadsSiblingScalar(t *testing.T) {
	args := []marshal.Arg{marshal.OpaquePointer([]byte("hello")), marshal.Int32(5)}
	argTypes := []*typedesc.T{typedesc.Pointer(typedesc.CChar), typedesc.CInt32}

	d := Directive{
		PointerPath: []wire.PathStep{wire.Index(0)},
		Length:      wire.PathLength(wire.Index(1)),
		ElementType: typedesc.CChar,
		Direction:   wire.DirIn,
	}
	n, err := ResolveLength(d, args, argTypes, typedesc.X86_64, nil)
	if err != nil {
		t.Fatalf("ResolveLength: %v", err)
	}
	if n != 5 {
		t.Fatalf("length = %d, want 5", n)
	}
}

func TestShipInDirectionCopiesBytes(t *testing.T) {
	d := Directive{
		PointerPath: []wire.PathStep{wire.Index(0)},
		Length:      wire.LiteralLength(3),
		ElementType: typedesc.CChar,
		Direction:   wire.DirIn,
	}
	buf := marshal.OpaquePointer([]byte("abcxyz"))
	blk, err := Ship(d, &buf, typedesc.X86_64)
	if err != nil {
		t.Fatalf("Ship: %v", err)
	}
	if string(blk.Raw) != "abc" {
		t.Fatalf("shipped bytes = %q, want %q", blk.Raw, "abc")
	}
	if blk.ElementCount != 3 || blk.ElementWidth != 1 {
		t.Fatalf("count=%d width=%d, want 3/1", blk.ElementCount, blk.ElementWidth)
	}
}

func TestShipOutDirectionZeroesBuffer(t *testing.T) {
	d := Directive{
		PointerPath: []wire.PathStep{wire.Index(0)},
		Length:      wire.LiteralLength(4),
		ElementType: typedesc.CChar,
		Direction:   wire.DirOut,
	}
	buf := marshal.OpaquePointer(nil)
	blk, err := Ship(d, &buf, typedesc.X86_64)
	if err != nil {
		t.Fatalf("Ship: %v", err)
	}
	if len(blk.Raw) != 4 {
		t.Fatalf("zeroed buffer length = %d, want 4", len(blk.Raw))
	}
	for i, b := range blk.Raw {
		if b != 0 {
			t.Fatalf("byte %d = %d, want 0", i, b)
		}
	}
}

func TestShipNullTerminatedStopsAtTerminator(t *testing.T) {
	d := Directive{
		PointerPath: []wire.PathStep{wire.Index(0)},
		Length:      wire.NullTerminatedLength(),
		ElementType: typedesc.CChar,
		Direction:   wire.DirIn,
	}
	buf := marshal.OpaquePointer([]byte("hi\x00garbage"))
	blk, err := Ship(d, &buf, typedesc.X86_64)
	if err != nil {
		t.Fatalf("Ship: %v", err)
	}
	if blk.ElementCount != 2 {
		t.Fatalf("element count = %d, want 2 (excludes the terminator itself)", blk.ElementCount)
	}
	if string(blk.Raw) != "hi\x00" {
		t.Fatalf("shipped bytes = %q, want %q (terminator included in the raw run)", blk.Raw, "hi\x00")
	}
}

func TestShipNullTerminatedMissingTerminatorFails(t *testing.T) {
	d := Directive{
		PointerPath: []wire.PathStep{wire.Index(0)},
		Length:      wire.NullTerminatedLength(),
		ElementType: typedesc.CChar,
		Direction:   wire.DirIn,
	}
	buf := marshal.OpaquePointer([]byte("nozero"))
	if _, err := Ship(d, &buf, typedesc.X86_64); err == nil {
		t.Fatal("a buffer with no terminator byte should fail Ship")
	}
}

func TestUnshipAppliesWriteBackOnlyForOutAndInout(t *testing.T) {
	dIn := Directive{Direction: wire.DirIn}
	bufIn := marshal.Arg{Raw: []byte("original")}
	if err := Unship(dIn, wire.MemBlock{Raw: []byte("ignored")}, &bufIn); err != nil {
		t.Fatalf("Unship (in): %v", err)
	}
	if string(bufIn.Raw) != "original" {
		t.Fatalf("direction \"in\" must not apply write-back, got %q", bufIn.Raw)
	}

	dOut := Directive{Direction: wire.DirOut}
	bufOut := marshal.Arg{Raw: []byte("original")}
	if err := Unship(dOut, wire.MemBlock{Raw: []byte("changed")}, &bufOut); err != nil {
		t.Fatalf("Unship (out): %v", err)
	}
	if string(bufOut.Raw) != "changed" {
		t.Fatalf("direction \"out\" should apply write-back, got %q", bufOut.Raw)
	}
}

func TestPatchIndexInstallsMemblockIndexAtPath(t *testing.T) {
	reqType := typedesc.Struct("request", []typedesc.Field{
		{Name: "data", Type: typedesc.Pointer(typedesc.CChar)},
	})
	pv := []wire.PackedValue{
		{Fields: []wire.PackedValue{{}}},
	}
	path := []wire.PathStep{wire.Index(0), wire.FieldStep("data")}
	if err := PatchIndex(path, pv, []*typedesc.T{reqType}, 5); err != nil {
		t.Fatalf("PatchIndex: %v", err)
	}
	idx := pv[0].Fields[0].MemblockIndex
	if idx == nil || *idx != 5 {
		t.Fatalf("patched MemblockIndex = %v, want 5", idx)
	}
}
