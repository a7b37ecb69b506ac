/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

package finder

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/mandiant/UEReSym/memory"
	"github.com/mandiant/UEReSym/names"
	"github.com/mandiant/UEReSym/objects"
	"github.com/mandiant/UEReSym/offsets"
	"github.com/mandiant/UEReSym/uetest"
)

type fakeObjects []uint64

func (f fakeObjects) Num() int { return len(f) }

func (f fakeObjects) ObjectAt(i int) uint64 {
	if i < 0 || i >= len(f) {
		return 0
	}
	return f[i]
}

func (f fakeObjects) Contains(addr uint64) bool {
	for _, obj := range f {
		if obj == addr {
			return true
		}
	}
	return false
}

type fakeNames struct{}

func (fakeNames) Name(comp, number uint32) (string, error) { return fmt.Sprintf("n%d", comp), nil }
func (fakeNames) IsValidIndex(comp uint32) bool             { return comp < 0x1000 }
func (fakeNames) MaxIndex() uint32                          { return 0x1000 }
func (fakeNames) HasOutlineNumbers() bool                   { return false }

const (
	fakeHeap    = 0x10000000
	fakeObjSize = 0x40
)

// fakeHeapEngine maps n zeroed objects of fakeObjSize bytes and returns an engine over them
// together with the heap bytes.
func fakeHeapEngine(t *testing.T, n int, cfg Config) (*Engine, []byte, fakeObjects) {
	t.Helper()
	snap := memory.NewSnapshot(8)
	heap := make([]byte, n*fakeObjSize)
	if err := snap.AddRegion(memory.Region{Base: fakeHeap, Size: uint64(len(heap)), Prot: memory.ProtRead | memory.ProtWrite}, heap); err != nil {
		t.Fatal(err)
	}
	p, err := memory.New(snap)
	if err != nil {
		t.Fatal(err)
	}
	objs := make(fakeObjects, n)
	for i := range objs {
		objs[i] = fakeHeap + uint64(i*fakeObjSize)
	}
	e := New(p, objs, fakeNames{}, cfg)
	e.tbl = offsets.NewTable()
	return e, heap, objs
}

func TestFlagsQuorum(t *testing.T) {
	tests := []struct {
		quorum int
		hits   int
		want   int
	}{
		{0, 0xA0, 0x10},
		{0, 0x9F, offsets.NotFound},
		{0xFF, 0xFF, 0x10},
		{0xFF, 0xFE, offsets.NotFound},
		{0, 0x100, 0x10},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("quorum %#x hits %#x", tt.quorum, tt.hits), func(t *testing.T) {
			e, heap, _ := fakeHeapEngine(t, 0x100, Config{FlagsQuorum: tt.quorum})
			for i := 0; i < tt.hits; i++ {
				binary.LittleEndian.PutUint32(heap[i*fakeObjSize+0x10:], nativeFlags|0x1000)
			}
			if got := e.findFlags(); got != tt.want {
				t.Errorf("findFlags() = %#x, want %#x", got, tt.want)
			}
		})
	}
}

func TestClassFixedPoint(t *testing.T) {
	const off = 0x10
	put := func(heap []byte, from, to uint64) {
		binary.LittleEndian.PutUint64(heap[from-fakeHeap+off:], to)
	}
	tests := []struct {
		name   string
		link   func(heap []byte, objs fakeObjects)
		wantOK bool
	}{
		{"chain to meta class", func(heap []byte, o fakeObjects) {
			put(heap, o[0], o[2])
			put(heap, o[2], o[3])
			put(heap, o[3], o[3])
		}, true},
		{"cycle", func(heap []byte, o fakeObjects) {
			put(heap, o[0], o[1])
			put(heap, o[1], o[0])
		}, false},
		{"unreadable", func(heap []byte, o fakeObjects) {
			put(heap, o[0], 0x7FFE0000)
		}, false},
		{"null", func(heap []byte, o fakeObjects) {}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, heap, objs := fakeHeapEngine(t, 4, Config{})
			tt.link(heap, objs)
			got, ok := e.classFixedPoint(objs[0], off)
			if ok != tt.wantOK {
				t.Fatalf("classFixedPoint() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != objs[3] {
				t.Errorf("classFixedPoint() = %#x, want %#x", got, objs[3])
			}
		})
	}
}

func TestTestsNativeFlag(t *testing.T) {
	const ff = 0xB8
	tests := []struct {
		name string
		code []byte
		want bool
	}{
		{"dword", []byte{0xF7, 0x81, ff, 0, 0, 0, 0x00, 0x04, 0, 0, 0x75, 0x01, 0xC3, 0xC3}, true},
		{"byte", []byte{0xF6, 0x81, ff + 1, 0, 0, 0, 0x04, 0xC3}, true},
		{"other displacement", []byte{0xF7, 0x81, ff + 4, 0, 0, 0, 0x00, 0x04, 0, 0, 0xC3}, false},
		{"other bit", []byte{0xF7, 0x81, ff, 0, 0, 0, 0x00, 0x08, 0, 0, 0xC3}, false},
		{"ret", []byte{0xC3}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testsNativeFlag(tt.code, 64, ff); got != tt.want {
				t.Errorf("testsNativeFlag() = %v, want %v", got, tt.want)
			}
		})
	}
}

func discover(t *testing.T, img *uetest.Image) *Engine {
	t.Helper()
	p, err := img.Process()
	if err != nil {
		t.Fatal(err)
	}
	objs, err := objects.Locate(p, objects.Options{})
	if err != nil {
		t.Fatalf("objects.Locate() error = %v", err)
	}
	nt, err := names.Locate(p)
	if err != nil {
		t.Fatalf("names.Locate() error = %v", err)
	}
	return New(p, objs, nt, Config{})
}

func TestDiscover(t *testing.T) {
	tests := []struct {
		name string
		opts uetest.Options
	}{
		{"default", uetest.Options{}},
		{"case preserving", uetest.Options{CasePreservingName: true}},
		{"large world", uetest.Options{LargeWorldCoordinates: true}},
		{"flat object array", uetest.Options{FlatObjectArray: true}},
		{"legacy names", uetest.Options{LegacyNames: true}},
		{"uproperty", uetest.Options{UProperty: true}},
		{"outline numbers", uetest.Options{OutlineNumbers: true}},
		{"case preserving outline", uetest.Options{CasePreservingName: true, OutlineNumbers: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := uetest.NewImage(tt.opts)
			got := discover(t, img).Discover()
			for _, name := range img.Offsets().Names() {
				if off, want := got.Get(name), img.Truth[name]; off != want {
					t.Errorf("%s = %#x, want %#x", name, off, want)
				}
			}
			if got.Len() != len(img.Truth) {
				t.Errorf("Len() = %d, want %d", got.Len(), len(img.Truth))
			}
			if got.Features != img.Features {
				t.Errorf("Features = %+v, want %+v", got.Features, img.Features)
			}
		})
	}
}

func TestDiscoverDeterministic(t *testing.T) {
	img := uetest.NewImage(uetest.Options{})
	first := discover(t, img).Discover()
	second := discover(t, img).Discover()
	if !first.Equal(second) {
		t.Errorf("two runs over the same image disagree")
	}
}

func TestFindNext(t *testing.T) {
	img := uetest.NewImage(uetest.Options{})
	e := discover(t, img)
	e.Run()
	want := img.Truth[offsets.UFieldNext]
	min := e.get(offsets.UObjectOuter) + e.ptr()
	if got := e.findNext(min); got != want {
		t.Fatalf("findNext() = %#x, want %#x", got, want)
	}

	// a broken link leaves no offset that fits both pairs
	first := e.v.FindObject("Function", "K2_GetActorLocation")
	img.PutUint64(first+uint64(want), 0)
	if got := e.findNext(min); got != offsets.NotFound {
		t.Errorf("findNext() with a broken link = %#x, want NotFound", got)
	}
}

func TestFixup(t *testing.T) {
	tests := []struct {
		name    string
		opts    uetest.Options
		changes bool
	}{
		{"default", uetest.Options{}, false},
		{"case preserving", uetest.Options{CasePreservingName: true}, true},
		{"case preserving outline", uetest.Options{CasePreservingName: true, OutlineNumbers: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := discover(t, uetest.NewImage(tt.opts))
			first := e.Run()
			before := first.Clone()
			fixed := e.Fixup(first)
			if !first.Equal(before) {
				t.Errorf("Fixup() modified its input")
			}
			if changed := !fixed.Equal(first); changed != tt.changes {
				t.Errorf("Fixup() changed the table: %v, want %v", changed, tt.changes)
			}
		})
	}
}

func TestSearchMissingSamples(t *testing.T) {
	// an object array of unrelated objects: every sample lookup misses and discovery falls
	// back to the usual positions without panicking
	e, _, _ := fakeHeapEngine(t, 0x20, Config{})
	tbl := e.Discover()
	if got := tbl.Get(offsets.UObjectFlags); got != 8 {
		t.Errorf("%s = %#x, want the fallback 0x8", offsets.UObjectFlags, got)
	}
	if tbl.Has(offsets.UObjectProcessEventIndex) {
		t.Errorf("%s resolved without a default object", offsets.UObjectProcessEventIndex)
	}
}
