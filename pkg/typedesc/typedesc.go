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

// Package typedesc implements the type description codec (component B):
// a portable, recursive description of a foreign C type, constructors that
// mirror ctypes-style wrapping (Pointer, Array), and the per-session
// memoization that makes struct synthesis idempotent (spec §4.B, I5).
package typedesc

import (
	"fmt"

	"github.com/mohae/deepcopy"

	"github.com/wbridge/wbridge/pkg/rpcerror"
)

// Arch is the guest process word size, mirrored from session config
// (spec §3: "x86"|"x86_64").
type Arch int

const (
	X86 Arch = iota
	X86_64
)

// PointerWidth returns the native pointer width for a, in bytes.
func (a Arch) PointerWidth() uint64 {
	if a == X86 {
		return 4
	}
	return 8
}

// Kind is the tagged-union discriminant of a type description.
type Kind int

const (
	// KindFundamental is a scalar, built from the closed lookup table
	// below (c_int8, c_uint8, ..., c_void_p).
	KindFundamental Kind = iota
	// KindStruct is a named record with ordered fields.
	KindStruct
	// KindFunction describes a callback function pointer's signature.
	KindFunction
	// KindOpaque marks a composite the codec could not classify; any use
	// of an opaque type must fail with rpcerror.TypeUnsupported.
	KindOpaque
)

func (k Kind) String() string {
	switch k {
	case KindFundamental:
		return "fundamental"
	case KindStruct:
		return "struct"
	case KindFunction:
		return "function"
	default:
		return "opaque"
	}
}

// Convention is the calling convention of a library or function pointer.
type Convention int

const (
	CDecl Convention = iota
	StdCall
	OleDLL
)

func (c Convention) String() string {
	switch c {
	case StdCall:
		return "stdcall"
	case OleDLL:
		return "oledll"
	default:
		return "cdecl"
	}
}

// ConventionFromKind maps the client-facing load_library kind (cdll,
// windll, oledll per spec §6) onto a Convention, failing with
// UnknownConvention for anything else.
func ConventionFromKind(kind string) (Convention, error) {
	switch kind {
	case "cdll":
		return CDecl, nil
	case "windll":
		return StdCall, nil
	case "oledll":
		return OleDLL, nil
	default:
		return 0, rpcerror.New(rpcerror.UnknownConvention, "unknown library kind %q", kind)
	}
}

// Field is one ordered (name, type) pair of a struct.
type Field struct {
	Name string
	Type *T
}

// FunctionInfo describes a function-pointer type (component F ties into
// this for callback registration).
type FunctionInfo struct {
	Convention   Convention
	Return       *T
	Args         []*T
	UseErrno     bool
	UseLastError bool
}

// T is the portable, recursive type description of spec §3. The zero
// value is not valid; construct via the Fundamental/Struct/Function/
// Pointer/Array helpers below.
type T struct {
	Kind         Kind
	Name         string
	PointerDepth int
	ArrayShape   []int
	Fields       []Field       // KindStruct only, declaration order
	Function     *FunctionInfo // KindFunction only
}

// fundamentalWidths is the closed lookup table of fundamental type names
// and their base (pointer_depth==0) width in bytes, per spec §4.B.
var fundamentalWidths = map[string]uint64{
	"c_int8":   1,
	"c_uint8":  1,
	"c_int16":  2,
	"c_uint16": 2,
	"c_int32":  4,
	"c_uint32": 4,
	"c_int64":  8,
	"c_uint64": 8,
	"c_float":  4,
	"c_double": 8,
	"c_char":   1,
	"c_wchar":  2,
	"c_void_p": 0, // arch pointer width; see Width()
	"c_bool":   1,
	"c_size_t": 0, // arch pointer width
	"c_ssize_t": 0,
}

// IsFundamentalName reports whether name is in the closed lookup table.
func IsFundamentalName(name string) bool {
	_, ok := fundamentalWidths[name]
	return ok
}

// Fundamental constructs a scalar type description. It panics if name is
// not in the closed lookup table: callers are expected to use the Cxxx
// constants below rather than arbitrary strings; a name arriving over the
// wire is validated separately via Validate.
func Fundamental(name string) *T {
	if !IsFundamentalName(name) {
		panic(fmt.Sprintf("typedesc: unknown fundamental name %q", name))
	}
	return &T{Kind: KindFundamental, Name: name}
}

// Convenience constructors for the closed fundamental set (spec §4.B).
var (
	CInt8    = Fundamental("c_int8")
	CUint8   = Fundamental("c_uint8")
	CInt16   = Fundamental("c_int16")
	CUint16  = Fundamental("c_uint16")
	CInt32   = Fundamental("c_int32")
	CUint32  = Fundamental("c_uint32")
	CInt64   = Fundamental("c_int64")
	CUint64  = Fundamental("c_uint64")
	CFloat   = Fundamental("c_float")
	CDouble  = Fundamental("c_double")
	CChar    = Fundamental("c_char")
	CWchar   = Fundamental("c_wchar")
	CVoidP   = Fundamental("c_void_p")
	CBool    = Fundamental("c_bool")
	CSizeT   = Fundamental("c_size_t")
	CSSizeT  = Fundamental("c_ssize_t")
)

// Struct constructs a named record type with the given ordered fields.
// The same name must always be constructed with the same field shape
// within a session; see Cache.Synthesize for the enforcement point.
func Struct(name string, fields []Field) *T {
	return &T{Kind: KindStruct, Name: name, Fields: fields}
}

// Function constructs a callback/function-pointer type description.
func Function(info FunctionInfo) *T {
	return &T{Kind: KindFunction, Name: "", Function: &info}
}

// Opaque constructs a type the caller could not classify. Using it in a
// call always fails with rpcerror.TypeUnsupported; this exists only so
// an unknown composite has *some* representation on the wire instead of
// silently degrading to a plain integer (explicitly forbidden by §7).
func Opaque(name string) *T {
	return &T{Kind: KindOpaque, Name: name}
}

// Pointer wraps base in one additional level of indirection. Pointer
// depth accumulates: Pointer(Pointer(CInt32)) is int32**.
func Pointer(base *T) *T {
	clone := *base
	clone.PointerDepth = base.PointerDepth + 1
	return &clone
}

// Array wraps base in an additional, outermost fixed dimension.
func Array(base *T, n int) *T {
	clone := *base
	clone.ArrayShape = append([]int{n}, append([]int(nil), base.ArrayShape...)...)
	return &clone
}

// IsPointer reports whether t is used as a pointer value (either
// pointer_depth >= 1, or the fundamental c_void_p base type at
// depth 0).
func (t *T) IsPointer() bool {
	if t.PointerDepth > 0 {
		return true
	}
	return t.Kind == KindFundamental && t.Name == "c_void_p"
}

// Validate recursively checks that t only uses the closed fundamental
// set and contains no KindOpaque node, returning rpcerror.TypeUnsupported
// otherwise (spec §7: degraded fallbacks are not permitted).
func Validate(t *T) error {
	switch t.Kind {
	case KindOpaque:
		return rpcerror.New(rpcerror.TypeUnsupported, "type %q is opaque", t.Name)
	case KindFundamental:
		if !IsFundamentalName(t.Name) {
			return rpcerror.New(rpcerror.TypeUnsupported, "unknown fundamental type %q", t.Name)
		}
		return nil
	case KindStruct:
		for _, f := range t.Fields {
			if err := Validate(f.Type); err != nil {
				return err
			}
		}
		return nil
	case KindFunction:
		if t.Function == nil {
			return rpcerror.New(rpcerror.TypeUnsupported, "function type missing signature")
		}
		if err := Validate(t.Function.Return); err != nil {
			return err
		}
		for _, a := range t.Function.Args {
			if err := Validate(a); err != nil {
				return err
			}
		}
		return nil
	default:
		return rpcerror.New(rpcerror.TypeUnsupported, "unrecognized type kind %d", t.Kind)
	}
}

// Equal reports whether a and b are structurally identical (spec I5):
// same kind, name, pointer depth, array shape, and (recursively) fields
// or function signature. Field and argument order matters (I3).
func Equal(a, b *T) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if a.Kind != b.Kind || a.Name != b.Name || a.PointerDepth != b.PointerDepth {
		return false
	}
	if len(a.ArrayShape) != len(b.ArrayShape) {
		return false
	}
	for i := range a.ArrayShape {
		if a.ArrayShape[i] != b.ArrayShape[i] {
			return false
		}
	}
	switch a.Kind {
	case KindStruct:
		if len(a.Fields) != len(b.Fields) {
			return false
		}
		for i := range a.Fields {
			if a.Fields[i].Name != b.Fields[i].Name || !Equal(a.Fields[i].Type, b.Fields[i].Type) {
				return false
			}
		}
	case KindFunction:
		if (a.Function == nil) != (b.Function == nil) {
			return false
		}
		if a.Function == nil {
			return true
		}
		if a.Function.Convention != b.Function.Convention {
			return false
		}
		if !Equal(a.Function.Return, b.Function.Return) {
			return false
		}
		if len(a.Function.Args) != len(b.Function.Args) {
			return false
		}
		for i := range a.Function.Args {
			if !Equal(a.Function.Args[i], b.Function.Args[i]) {
				return false
			}
		}
	}
	return true
}

// Width returns the marshaled width of a single element of t (ignoring
// ArrayShape), in bytes, for the given guest architecture.
func Width(t *T, arch Arch) (uint64, error) {
	if t.PointerDepth > 0 {
		return arch.PointerWidth(), nil
	}
	switch t.Kind {
	case KindFundamental:
		w, ok := fundamentalWidths[t.Name]
		if !ok {
			return 0, rpcerror.New(rpcerror.TypeUnsupported, "unknown fundamental type %q", t.Name)
		}
		if w == 0 {
			return arch.PointerWidth(), nil
		}
		return w, nil
	case KindStruct:
		layout, err := ComputeLayout(t, arch)
		if err != nil {
			return 0, err
		}
		return layout.Size, nil
	case KindFunction:
		return arch.PointerWidth(), nil
	default:
		return 0, rpcerror.New(rpcerror.TypeUnsupported, "type %q is opaque", t.Name)
	}
}

// Layout is the computed natural-alignment layout of a struct type for a
// given guest architecture (spec §4.B decode: "synthesize a named record
// type with the same field order and natural alignment").
type Layout struct {
	Size    uint64
	Align   uint64
	Offsets []uint64 // parallel to the struct's Fields
}

// ComputeLayout computes field offsets using natural (self) alignment:
// each field is aligned to its own width capped at 8 bytes (a nested
// struct to its strictest member), and the struct's overall size is padded up
// to its own alignment, mirroring standard C struct layout rules.
func ComputeLayout(t *T, arch Arch) (Layout, error) {
	if t.Kind != KindStruct {
		return Layout{}, rpcerror.New(rpcerror.TypeUnsupported, "ComputeLayout called on non-struct %q", t.Name)
	}
	var offset, maxAlign uint64 = 0, 1
	offsets := make([]uint64, len(t.Fields))
	for i, f := range t.Fields {
		w, err := Width(f.Type, arch)
		if err != nil {
			return Layout{}, err
		}
		elemCount := uint64(1)
		for _, dim := range f.Type.ArrayShape {
			elemCount *= uint64(dim)
		}
		align := fieldAlign(f.Type, w, arch)
		if align > maxAlign {
			maxAlign = align
		}
		offset = alignUp(offset, align)
		offsets[i] = offset
		offset += w * elemCount
	}
	size := alignUp(offset, maxAlign)
	return Layout{Size: size, Align: maxAlign, Offsets: offsets}, nil
}

func fieldAlign(t *T, width uint64, arch Arch) uint64 {
	if t.Kind == KindStruct && t.PointerDepth == 0 {
		// A nested struct aligns to its own strictest member.
		if layout, err := ComputeLayout(t, arch); err == nil {
			return layout.Align
		}
		return 1
	}
	if width > 8 {
		return 8
	}
	if width == 0 {
		return 1
	}
	return width
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) / align * align
}

// Cache memoizes struct-type synthesis within one session (spec §4.B:
// "the same portable name always produces the same synthesized type
// within a session"). A struct name redeclared with a different field
// shape fails with TypeConflict (§4.B tie-break).
type Cache struct {
	structs map[string]*T
}

// NewCache constructs an empty per-session memoization cache.
func NewCache() *Cache {
	return &Cache{structs: make(map[string]*T)}
}

// Synthesize returns the canonical, memoized type description for t. Non
// struct types pass through unchanged. The stored copy is deep-copied on
// first sight so that later in-place mutation of the caller's t cannot
// retroactively corrupt the memoized shape used for structural-equality
// checks (I5).
func (c *Cache) Synthesize(t *T) (*T, error) {
	if t.Kind != KindStruct {
		return t, nil
	}
	if err := Validate(t); err != nil {
		return nil, err
	}
	existing, ok := c.structs[t.Name]
	if !ok {
		canon := deepcopy.Copy(t).(*T)
		c.structs[t.Name] = canon
		return canon, nil
	}
	if !Equal(existing, t) {
		return nil, rpcerror.New(rpcerror.TypeConflict, "struct %q redeclared with a different shape", t.Name)
	}
	return existing, nil
}
