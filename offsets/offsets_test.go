/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

package offsets

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/mandiant/UEReSym/memory"
)

const heapBase = 0x200000000

// newHeap maps one zeroed page and returns the accessor plus the backing bytes.
func newHeap(t *testing.T) (*memory.Process, []byte) {
	t.Helper()
	data := make([]byte, 0x1000)
	snap := memory.NewSnapshot(8)
	if err := snap.AddRegion(memory.Region{Base: heapBase, Size: 0x1000, Prot: memory.ProtRead | memory.ProtWrite}, data); err != nil {
		t.Fatal(err)
	}
	p, err := memory.New(snap)
	if err != nil {
		t.Fatal(err)
	}
	return p, data
}

func TestSearchPolicies(t *testing.T) {
	passing := map[int]bool{0x10: true, 0x18: true, 0x30: true}
	tests := []struct {
		policy Policy
		want   int
		calls  int
	}{
		{PolicyHighest, 0x30, 8},
		{PolicyLowest, 0x10, 8},
		{PolicyFirst, 0x10, 2},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			calls := 0
			s := Search{Min: 0x8, Max: 0x48, Step: 8, Policy: tt.policy}
			got := s.Run(func(off int) bool { calls++; return passing[off] })
			if got != tt.want {
				t.Errorf("Run() = %#x, want %#x", got, tt.want)
			}
			if calls != tt.calls {
				t.Errorf("accept called %d times, want %d", calls, tt.calls)
			}
		})
	}
}

func TestSearchExclude(t *testing.T) {
	s := Search{Min: 0, Max: 0x20, Step: 4, Exclude: []Span{{Off: 0x10, Size: 8}, {Off: NotFound, Size: 8}}}
	got := s.Candidates(func(int) bool { return true })
	want := []int{0x0, 0x4, 0x8, 0xC, 0x18, 0x1C}
	if len(got) != len(want) {
		t.Fatalf("Candidates() = %#x, want %#x", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Candidates()[%d] = %#x, want %#x", i, got[i], want[i])
		}
	}

	// an 8-byte candidate at 0xC overlaps a field at 0x10
	wide := Search{Min: 0x8, Max: 0x14, Step: 4, Width: 8, Exclude: []Span{{Off: 0x10, Size: 4}}}
	if got := wide.Candidates(func(int) bool { return true }); len(got) != 1 || got[0] != 0x8 {
		t.Errorf("wide Candidates() = %#x, want [0x8]", got)
	}
}

func TestFindValueHighestTieBreak(t *testing.T) {
	p, data := newHeap(t)
	a, b := 0x100, 0x200
	// both offsets 0x8 and 0x20 satisfy every sample
	for _, obj := range []int{a, b} {
		binary.LittleEndian.PutUint32(data[obj+0x8:], 0x3C)
		binary.LittleEndian.PutUint32(data[obj+0x20:], 0x3C)
	}
	// 0x14 only agrees for one sample
	binary.LittleEndian.PutUint32(data[a+0x14:], 0x3C)

	samples := []Sample[uint32]{{Addr: heapBase + uint64(a), Want: 0x3C}, {Addr: heapBase + uint64(b), Want: 0x3C}}
	s := Search{Min: 0x8, Max: 0x40, Step: 4}
	if got := FindValue(p, samples, s); got != 0x20 {
		t.Errorf("FindValue() = %#x, want the higher offset 0x20", got)
	}

	s.Policy = PolicyLowest
	if got := FindValue(p, samples, s); got != 0x8 {
		t.Errorf("FindValue(lowest) = %#x, want 0x8", got)
	}

	if got := FindValue(p, samples[:1], Search{Min: 0x8, Max: 0x40, Step: 4}); got != NotFound {
		t.Errorf("FindValue() with one sample = %#x, want NotFound", got)
	}

	// a sample near the end of the mapping fails for offsets that run off it
	edge := []Sample[uint32]{samples[0], {Addr: heapBase + 0x1000 - 0x10, Want: 0}}
	if got := FindValue(p, edge, Search{Min: 0x8, Max: 0x40, Step: 4}); got != 0x8 {
		t.Errorf("FindValue() near the mapping end = %#x, want 0x8", got)
	}
}

func TestFindPointer(t *testing.T) {
	p, data := newHeap(t)
	target := uint64(heapBase + 0x800)
	binary.LittleEndian.PutUint64(data[0x100+0x28:], target)
	binary.LittleEndian.PutUint64(data[0x200+0x28:], target+0x10)
	samples := []Sample[uint64]{{Addr: heapBase + 0x100, Want: target}, {Addr: heapBase + 0x200, Want: target + 0x10}}
	if got := FindPointer(p, samples, Search{Min: 8, Max: 0x50, Step: 8}); got != 0x28 {
		t.Errorf("FindPointer() = %#x, want 0x28", got)
	}
}

func TestTable(t *testing.T) {
	tbl := NewTable()
	tbl.Set(UObjectFlags, 0x8)
	tbl.Set(UObjectIndex, 0xC)
	tbl.Set(UObjectClass, NotFound)

	if got := tbl.Get(UObjectIndex); got != 0xC {
		t.Errorf("Get(Index) = %#x, want 0xc", got)
	}
	if tbl.Has(UObjectClass) {
		t.Errorf("Has() reports a NotFound entry as resolved")
	}
	if got := tbl.Get(UObjectOuter); got != NotFound {
		t.Errorf("Get() of a missing entry = %d, want NotFound", got)
	}

	clone := tbl.Clone()
	if !clone.Equal(tbl) {
		t.Errorf("Clone() is not Equal to its source")
	}
	clone.Set(UObjectFlags, 0x10)
	if tbl.Get(UObjectFlags) != 0x8 {
		t.Errorf("writing the clone changed the source")
	}
	if clone.Equal(tbl) {
		t.Errorf("Equal() missed a changed value")
	}

	names := tbl.Names()
	if len(names) != 3 || names[0] != UObjectFlags || names[2] != UObjectClass {
		t.Errorf("Names() = %v, want resolution order", names)
	}

	raw, err := json.Marshal(tbl)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"features":{"is_32bit":false,"chunked_object_array":false,"name_pool":false,"use_fproperty":false,"outline_number":false,"case_preserving_name":false,"large_world_coordinates":false,"fname_size":0},"offsets":{"UObject.Flags":"0x8","UObject.Index":"0xc","UObject.Class":null}}`
	if string(raw) != want {
		t.Errorf("json = %s\nwant   %s", raw, want)
	}
}

func TestDefault(t *testing.T) {
	if got := Default(UStructSize, false); got != 0x58 {
		t.Errorf("Default(UStruct.Size) = %#x, want 0x58", got)
	}
	if got := Default(UStructSize, true); got != 0x38 {
		t.Errorf("Default(UStruct.Size, 32-bit) = %#x, want 0x38", got)
	}
	if got := Default("Nope.Nope", false); got != NotFound {
		t.Errorf("Default(unknown) = %d, want NotFound", got)
	}
}
