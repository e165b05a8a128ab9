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

package registry

import (
	"sync"
	"testing"

	"github.com/wbridge/wbridge/pkg/typedesc"
)

func TestLoadLibraryIsIdempotentPerName(t *testing.T) {
	r := New()
	calls := 0
	load := func(name string, convention typedesc.Convention) (uint64, error) {
		calls++
		return 42, nil
	}
	h1, err := r.LoadLibrary("example.dll", "cdll", nil, load)
	if err != nil {
		t.Fatalf("LoadLibrary: %v", err)
	}
	h2, err := r.LoadLibrary("example.dll", "cdll", nil, load)
	if err != nil {
		t.Fatalf("LoadLibrary (second): %v", err)
	}
	if h1 != h2 {
		t.Fatal("loading the same name twice should return the same handle")
	}
	if calls != 1 {
		t.Fatalf("load() called %d times, want 1", calls)
	}
}

func TestLoadLibraryConcurrentRaceKeepsOneWinner(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	results := make([]*LibraryHandle, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := r.LoadLibrary("race.dll", "cdll", nil, func(name string, convention typedesc.Convention) (uint64, error) {
				return 1, nil
			})
			if err != nil {
				t.Errorf("LoadLibrary: %v", err)
				return
			}
			results[i] = h
		}(i)
	}
	wg.Wait()
	for i := 1; i < len(results); i++ {
		if results[i] != results[0] {
			t.Fatal("concurrent LoadLibrary calls for the same name must converge on one handle")
		}
	}
}

func TestLoadLibraryDefaultsErrnoFlagsFalseRegardlessOfConvention(t *testing.T) {
	r := New()
	load := func(name string, convention typedesc.Convention) (uint64, error) { return 1, nil }

	cdll, err := r.LoadLibrary("a.dll", "cdll", nil, load)
	if err != nil {
		t.Fatalf("LoadLibrary: %v", err)
	}
	if cdll.UseErrno || cdll.UseLastError {
		t.Errorf("a nil params should leave both flags false, got UseErrno=%v UseLastError=%v", cdll.UseErrno, cdll.UseLastError)
	}

	windll, err := r.LoadLibrary("b.dll", "windll", nil, load)
	if err != nil {
		t.Fatalf("LoadLibrary: %v", err)
	}
	if windll.UseErrno || windll.UseLastError {
		t.Errorf("a nil params should leave both flags false regardless of convention, got UseErrno=%v UseLastError=%v", windll.UseErrno, windll.UseLastError)
	}
}

func TestLoadLibraryHonorsExplicitParams(t *testing.T) {
	r := New()
	load := func(name string, convention typedesc.Convention) (uint64, error) { return 1, nil }

	lib, err := r.LoadLibrary("a.dll", "cdll", &LoadParams{UseErrno: true, UseLastError: true}, load)
	if err != nil {
		t.Fatalf("LoadLibrary: %v", err)
	}
	if !lib.UseErrno || !lib.UseLastError {
		t.Errorf("explicit params should be honored verbatim, got UseErrno=%v UseLastError=%v", lib.UseErrno, lib.UseLastError)
	}
}

func TestAttachResolvesOnceAndCaches(t *testing.T) {
	r := New()
	lib, err := r.LoadLibrary("a.dll", "cdll", nil, func(name string, convention typedesc.Convention) (uint64, error) { return 1, nil })
	if err != nil {
		t.Fatalf("LoadLibrary: %v", err)
	}
	resolves := 0
	resolve := func(lib *LibraryHandle, routine string) error { resolves++; return nil }

	h1, err := r.Attach(lib, "add", resolve)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	h2, err := r.Attach(lib, "add", resolve)
	if err != nil {
		t.Fatalf("Attach (second): %v", err)
	}
	if h1 != h2 {
		t.Fatal("attaching the same routine twice should return the same handle")
	}
	if resolves != 1 {
		t.Fatalf("resolve() called %d times, want 1", resolves)
	}
}

func TestRoutineHandleSetTypesIsAtomic(t *testing.T) {
	r := &RoutineHandle{Library: &LibraryHandle{}}
	if r.Declared() {
		t.Fatal("a freshly-constructed routine should not be Declared")
	}
	r.SetTypes([]*typedesc.T{typedesc.CInt32}, typedesc.CInt32)
	if !r.Declared() {
		t.Fatal("after SetTypes the routine should be Declared")
	}
	args, ret := r.Types()
	if len(args) != 1 || ret != typedesc.CInt32 {
		t.Fatalf("Types() = %v, %v; want [c_int32], c_int32", args, ret)
	}
}

func TestRoutineHandleUseErrnoOverridesLibraryDefault(t *testing.T) {
	lib := &LibraryHandle{UseErrno: true, UseLastError: false}
	r := &RoutineHandle{Library: lib}
	if !r.UseErrno() {
		t.Fatal("with no override, routine should inherit the library's UseErrno")
	}
	r.SetUseErrno(false)
	if r.UseErrno() {
		t.Fatal("a per-routine override should take precedence over the library default")
	}
}
