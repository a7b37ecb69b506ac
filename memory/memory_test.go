/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

package memory

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
)

const (
	testModBase  = 0x140000000
	testText     = testModBase + 0x1000
	testRdata    = testModBase + 0x2000
	testHeap     = 0x200000000
	testPageSize = 0x1000
)

type testImage struct {
	snap  *Snapshot
	text  []byte
	rdata []byte
	heap  []byte
}

func newTestImage(t *testing.T) *testImage {
	t.Helper()
	img := &testImage{
		snap:  NewSnapshot(8),
		text:  make([]byte, testPageSize),
		rdata: make([]byte, testPageSize),
		heap:  make([]byte, 2*testPageSize),
	}
	must := func(err error) {
		if err != nil {
			t.Fatal(err)
		}
	}
	must(img.snap.AddRegion(Region{Base: testText, Size: testPageSize, Prot: ProtRead | ProtExec}, img.text))
	must(img.snap.AddRegion(Region{Base: testRdata, Size: testPageSize, Prot: ProtRead}, img.rdata))
	// heap is two adjacent regions so reads straddling them are exercised
	must(img.snap.AddRegion(Region{Base: testHeap, Size: testPageSize, Prot: ProtRead | ProtWrite}, img.heap[:testPageSize]))
	must(img.snap.AddRegion(Region{Base: testHeap + testPageSize, Size: testPageSize, Prot: ProtRead | ProtWrite}, img.heap[testPageSize:]))
	img.snap.AddModule(Module{
		Name: "Game.exe",
		Base: testModBase,
		Size: 0x3000,
		Sections: []Section{
			{Name: ".text", Base: testText, Size: testPageSize, Prot: ProtRead | ProtExec},
			{Name: ".rdata", Base: testRdata, Size: testPageSize, Prot: ProtRead},
		},
	})
	return img
}

func (img *testImage) process(t *testing.T) *Process {
	t.Helper()
	p, err := New(img.snap)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func putRel32(b []byte, at int, rel int32) {
	binary.LittleEndian.PutUint32(b[at:], uint32(rel))
}

func TestCompilePattern(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
		needle  []byte
	}{
		{"{ 48 8D 0D ?? ?? ?? ?? E8 }", `(?s)\x48\x8D\x0D....\xE8`, []byte{0x48, 0x8D, 0x0D}},
		{"{ 48 8? 05 }", `(?s)\x48[\x80-\x8F]\x05`, []byte{0x48}},
		{"{ (74|75) ?? C6 05 }", `(?s)(\x74|\x75).\xC6\x05`, []byte{0xC6, 0x05}},
		{"{ AA [2-4] BB CC }", `(?s)\xAA.{2,4}\xBB\xCC`, []byte{0xBB, 0xCC}},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			pat, err := CompilePattern(tt.pattern)
			if err != nil {
				t.Fatalf("CompilePattern() error = %v", err)
			}
			if pat.String() != tt.want {
				t.Errorf("regex = %s, want %s", pat.String(), tt.want)
			}
			if string(pat.needle) != string(tt.needle) {
				t.Errorf("needle = % x, want % x", pat.needle, tt.needle)
			}
		})
	}

	for _, bad := range []string{"48 8D", "{ 48 8D", "{ ?8 }", "{ [2] }", "{ (7|75) }", "{ zz }", "{ }"} {
		if _, err := CompilePattern(bad); err == nil {
			t.Errorf("CompilePattern(%q) succeeded, want error", bad)
		}
	}
}

func TestFindPattern(t *testing.T) {
	pat := MustCompilePattern("{ 48 8D 0D ?? ?? ?? ?? E8 }")
	data := []byte{
		0x90, 0x48, 0x8D, 0x0D, 0x0A, 0x0A, 0x0A, 0x0A, 0xE8, // match at 1, wildcards are newlines
		0x48, 0x8D, 0x0D, 0x00, 0x00, 0x00, 0x00, 0xE9, // needle only
		0x48, 0x8D, 0x0D, 0x01, 0x02, 0x03, 0x04, 0xE8, // match at 17
	}
	got := FindPattern(data, pat)
	if len(got) != 2 || got[0] != 1 || got[1] != 17 {
		t.Errorf("FindPattern() = %v, want [1 17]", got)
	}

	if got := FindPattern(data[:8], pat); len(got) != 0 {
		t.Errorf("FindPattern() on truncated data = %v, want none", got)
	}
}

func TestIsReadable(t *testing.T) {
	p := newTestImage(t).process(t)
	tests := []struct {
		name string
		addr uint64
		size int
		want bool
	}{
		{"text start", testText, 8, true},
		{"text end", testText + testPageSize - 8, 8, true},
		{"past text", testText + testPageSize - 4, 8, true}, // runs into .rdata, adjacent
		{"gap before text", testModBase, 8, false},
		{"straddles adjacent heap regions", testHeap + testPageSize - 4, 8, true},
		{"past heap", testHeap + 2*testPageSize - 4, 8, false},
		{"null page", 0x8, 8, false},
		{"non-canonical", 0x0000800000000000, 8, false},
		{"kernel half", 0xFFFF800000000000, 8, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.IsReadable(tt.addr, tt.size); got != tt.want {
				t.Errorf("IsReadable(%#x, %d) = %v, want %v", tt.addr, tt.size, got, tt.want)
			}
		})
	}

	if _, err := p.Read(0x0000800000000000, 4); !errors.Is(err, ErrNonCanonical) {
		t.Errorf("Read(non-canonical) error = %v, want ErrNonCanonical", err)
	}
	if _, err := p.Read(testModBase, 4); !errors.Is(err, ErrUnreadable) {
		t.Errorf("Read(unmapped) error = %v, want ErrUnreadable", err)
	}
	if !p.IsExecutable(testText) || p.IsExecutable(testRdata) {
		t.Errorf("IsExecutable disagrees with region protection")
	}
}

func TestReadAt(t *testing.T) {
	img := newTestImage(t)
	binary.LittleEndian.PutUint64(img.heap[testPageSize-4:], 0xFFFFFFFF_89ABCDEF)
	p := img.process(t)

	base := uint64(testHeap + testPageSize - 4)
	if v, err := ReadAt[uint64](p, base, 0); err != nil || v != 0xFFFFFFFF_89ABCDEF {
		t.Errorf("ReadAt[uint64] = %#x, %v", v, err)
	}
	if v, err := ReadAt[int32](p, base, 4); err != nil || v != -1 {
		t.Errorf("ReadAt[int32] = %d, %v, want -1", v, err)
	}
	if v, err := ReadAt[uint16](p, base, 0); err != nil || v != 0xCDEF {
		t.Errorf("ReadAt[uint16] = %#x, %v", v, err)
	}
	if v, err := ReadAt[uint8](p, base, 3); err != nil || v != 0x89 {
		t.Errorf("ReadAt[uint8] = %#x, %v", v, err)
	}
	if _, err := ReadAt[uint64](p, testHeap+2*testPageSize-4, 0); err == nil {
		t.Errorf("ReadAt past the heap succeeded")
	}
}

func TestResolveRelativeTarget(t *testing.T) {
	img := newTestImage(t)
	// 0x000: lea rcx, [rip+0x100]
	copy(img.text[0:], []byte{0x48, 0x8D, 0x0D})
	putRel32(img.text, 3, 0x100)
	// 0x010: call -0x10
	img.text[0x10] = 0xE8
	putRel32(img.text, 0x11, -0x10)
	// 0x020: jmp short +0x7E
	copy(img.text[0x20:], []byte{0xEB, 0x7E})
	// 0x030: mov rax, [rip+0x1000]
	copy(img.text[0x30:], []byte{0x48, 0x8B, 0x05})
	putRel32(img.text, 0x33, 0x1000)
	// 0x040: ret
	img.text[0x40] = 0xC3
	p := img.process(t)

	tests := []struct {
		name string
		at   uint64
		want uint64
		ok   bool
	}{
		{"lea", testText, testText + 7 + 0x100, true},
		{"call", testText + 0x10, testText + 0x15 - 0x10, true},
		{"jmp short", testText + 0x20, testText + 0x22 + 0x7E, true},
		{"mov rip", testText + 0x30, testText + 0x37 + 0x1000, true},
		{"ret", testText + 0x40, 0, false},
		{"unmapped", testModBase, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := p.ResolveRelativeTarget(tt.at)
			if ok != tt.ok || got != tt.want {
				t.Errorf("ResolveRelativeTarget(%#x) = %#x, %v, want %#x, %v", tt.at, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestScanPattern(t *testing.T) {
	img := newTestImage(t)
	copy(img.text[0x200:], []byte{0x48, 0x8D, 0x0D})
	putRel32(img.text, 0x203, int32(testRdata+0x80-(testText+0x207)))
	copy(img.text[0x207:], []byte{0xE8, 0, 0, 0, 0, 0xC6, 0x05})
	p := img.process(t)

	pat := MustCompilePattern("{ 48 8D 0D ?? ?? ?? ?? E8 ?? ?? ?? ?? C6 05 }")
	if got, ok := p.ScanPattern(pat, testText, testText+testPageSize, false); !ok || got != testText+0x200 {
		t.Errorf("ScanPattern() = %#x, %v, want %#x", got, ok, testText+0x200)
	}
	if got, ok := p.ScanPattern(pat, testText, testText+testPageSize, true); !ok || got != testRdata+0x80 {
		t.Errorf("ScanPattern(relative) = %#x, %v, want %#x", got, ok, testRdata+0x80)
	}
	if _, ok := p.ScanPattern(pat, testText+0x201, testText+testPageSize, false); ok {
		t.Errorf("ScanPattern() found a match outside the range")
	}
}

func TestScanForStringReference(t *testing.T) {
	img := newTestImage(t)
	copy(img.rdata[0x10:], []byte("Nonexistent\x00"))
	copy(img.rdata[0x40:], []byte("None\x00"))
	copy(img.rdata[0x80:], []byte{'N', 0, 'o', 0, 'n', 0, 'e', 0, 0, 0})

	// lea rdx, [rip+x] -> "Nonexistent"
	copy(img.text[0x100:], []byte{0x48, 0x8D, 0x15})
	putRel32(img.text, 0x103, int32(testRdata+0x10-(testText+0x107)))
	// lea rcx, [rip+x] -> "None"
	copy(img.text[0x180:], []byte{0x48, 0x8D, 0x0D})
	putRel32(img.text, 0x183, int32(testRdata+0x40-(testText+0x187)))
	// lea r8, [rip+x] -> L"None"
	copy(img.text[0x200:], []byte{0x4C, 0x8D, 0x05})
	putRel32(img.text, 0x203, int32(testRdata+0x80-(testText+0x207)))
	p := img.process(t)

	if got, ok := p.ScanForStringReference("None", ASCII, testModBase, testModBase+0x3000, true); !ok || got != testText+0x180 {
		t.Errorf("ASCII reference = %#x, %v, want %#x", got, ok, testText+0x180)
	}
	if got, ok := p.ScanForStringReference("None", UTF16, testModBase, testModBase+0x3000, true); !ok || got != testText+0x200 {
		t.Errorf("UTF-16 reference = %#x, %v, want %#x", got, ok, testText+0x200)
	}
	if _, ok := p.ScanForStringReference("Missing", ASCII, testModBase, testModBase+0x3000, false); ok {
		t.Errorf("found a reference to a string that does not exist")
	}
}

func TestIterateVTableFunctions(t *testing.T) {
	img := newTestImage(t)
	// fn0: ret
	img.text[0x000] = 0xC3
	// fn1: jmp -> fn1body
	img.text[0x010] = 0xE9
	putRel32(img.text, 0x011, 0x100-0x15)
	// fn1body: test dword ptr [rcx+0xB0], 0x400; ret
	copy(img.text[0x100:], []byte{0xF7, 0x81, 0xB0, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0xC3})
	// fn2: ret
	img.text[0x020] = 0xC3

	vtable := img.rdata[0x200:]
	binary.LittleEndian.PutUint64(vtable[0:], testText)
	binary.LittleEndian.PutUint64(vtable[8:], testText+0x10)
	binary.LittleEndian.PutUint64(vtable[16:], testText+0x20)
	binary.LittleEndian.PutUint64(vtable[24:], testHeap) // not module code, end of table
	binary.LittleEndian.PutUint64(vtable[32:], testText+0x100)
	p := img.process(t)

	isTest := func(fn uint64, code []byte) bool {
		return len(code) >= 2 && code[0] == 0xF7 && code[1] == 0x81
	}
	fn, idx, ok := p.IterateVTableFunctions(testRdata+0x200, isTest, 0x20)
	if !ok || idx != 1 || fn != testText+0x100 {
		t.Errorf("IterateVTableFunctions() = %#x, %d, %v, want %#x, 1, true", fn, idx, ok, testText+0x100)
	}

	visited := 0
	_, _, ok = p.IterateVTableFunctions(testRdata+0x200, func(uint64, []byte) bool { visited++; return false }, 0x20)
	if ok || visited != 3 {
		t.Errorf("walk visited %d entries, want 3 before the end of the table", visited)
	}
}

func TestSnapshotSaveLoad(t *testing.T) {
	img := newTestImage(t)
	copy(img.heap[0x10:], []byte("snapshot"))
	p := img.process(t)

	snap, err := Capture(context.Background(), p, func(r Region) bool { return r.Prot&ProtWrite != 0 }, 2)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	regions, _ := snap.Regions()
	if len(regions) != 2 {
		t.Fatalf("captured %d regions, want the 2 heap regions", len(regions))
	}

	dir := t.TempDir()
	if err := snap.Save(dir); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err := LoadSnapshot(dir)
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	got, err := loaded.ReadMemory(testHeap+0x10, 8)
	if err != nil || string(got) != "snapshot" {
		t.Errorf("ReadMemory() = %q, %v", got, err)
	}
	mods, _ := loaded.Modules()
	if len(mods) != 1 || mods[0].Name != "Game.exe" || len(mods[0].Sections) != 2 {
		t.Errorf("modules did not survive the round trip: %+v", mods)
	}
	if _, err := loaded.ReadMemory(testText, 1); err == nil {
		t.Errorf("text was filtered out of the capture but is readable")
	}
}

func TestModuleLookup(t *testing.T) {
	p := newTestImage(t).process(t)
	m, err := p.MainModule()
	if err != nil || m.Base != testModBase {
		t.Fatalf("MainModule() = %+v, %v", m, err)
	}
	if _, err := p.Module("game.EXE"); err != nil {
		t.Errorf("Module() is not case-insensitive: %v", err)
	}
	if _, err := p.Module("missing.dll"); !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("Module(missing) error = %v", err)
	}
	if s, ok := p.Section(m, ".rdata"); !ok || s.Base != testRdata {
		t.Errorf("Section(.rdata) = %+v, %v", s, ok)
	}

	empty, err := New(NewSnapshot(8))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := empty.MainModule(); !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("MainModule() on an empty image error = %v", err)
	}
}

// buildPE64 lays out a mapped PE32+ image with .rdata at 0x1000 and .data at 0x2000. .rdata
// holds an export directory naming one variable in .data and an import of one function.
func buildPE64() []byte {
	img := make([]byte, 0x3000)
	le := binary.LittleEndian

	copy(img, "MZ")
	le.PutUint32(img[0x3C:], 0x80)
	copy(img[0x80:], "PE\x00\x00")
	fh := img[0x84:]
	le.PutUint16(fh[0:], 0x8664)
	le.PutUint16(fh[2:], 2)
	le.PutUint16(fh[16:], 0xF0)
	oh := img[0x98:]
	le.PutUint16(oh[0:], 0x20B)
	le.PutUint64(oh[0x18:], testModBase)
	le.PutUint32(oh[0x38:], 0x3000)
	le.PutUint32(oh[0x6C:], 16)
	// export and import directories
	le.PutUint32(oh[0x70:], 0x1000)
	le.PutUint32(oh[0x74:], 0x100)
	le.PutUint32(oh[0x78:], 0x1100)
	le.PutUint32(oh[0x7C:], 0x28)

	for i, s := range []struct {
		name     string
		rva, raw uint32
		chars    uint32
	}{
		{".rdata", 0x1000, 0x400, scnMemRead | 0x40},
		{".data", 0x2000, 0x1400, scnMemRead | scnMemWrite | 0x40},
	} {
		sh := img[0x188+i*40:]
		copy(sh, s.name)
		le.PutUint32(sh[8:], 0x1000)
		le.PutUint32(sh[0xC:], s.rva)
		le.PutUint32(sh[0x10:], 0x1000)
		le.PutUint32(sh[0x14:], s.raw)
		le.PutUint32(sh[0x24:], s.chars)
	}

	ed := img[0x1000:]
	le.PutUint32(ed[12:], 0x1080)
	le.PutUint32(ed[16:], 1)
	le.PutUint32(ed[20:], 1)
	le.PutUint32(ed[24:], 1)
	le.PutUint32(ed[28:], 0x1040)
	le.PutUint32(ed[32:], 0x1048)
	le.PutUint32(ed[36:], 0x1050)
	le.PutUint32(img[0x1040:], 0x2010)
	le.PutUint32(img[0x1048:], 0x1090)
	copy(img[0x1080:], "Game.exe\x00")
	copy(img[0x1090:], "NvOptimusEnablement\x00")

	id := img[0x1100:]
	le.PutUint32(id[0:], 0x1140)
	le.PutUint32(id[12:], 0x1180)
	le.PutUint32(id[16:], 0x1160)
	le.PutUint64(img[0x1140:], 0x11A0)
	le.PutUint64(img[0x1160:], 0x11A0)
	copy(img[0x1180:], "KERNEL32.dll\x00")
	copy(img[0x11A2:], "GetTickCount\x00")
	return img
}

func TestParsePE(t *testing.T) {
	snap := NewSnapshot(8)
	if err := snap.AddRegion(Region{Base: testModBase, Size: 0x3000, Prot: ProtRead | ProtWrite}, buildPE64()); err != nil {
		t.Fatal(err)
	}
	snap.AddModule(Module{Name: "Game.exe", Base: testModBase, Size: 0x3000})
	p, err := New(snap)
	if err != nil {
		t.Fatal(err)
	}
	m, _ := p.MainModule()

	tests := []struct {
		name string
		want Section
	}{
		{".rdata", Section{Name: ".rdata", Base: testModBase + 0x1000, Size: 0x1000, Prot: ProtRead}},
		{".data", Section{Name: ".data", Base: testModBase + 0x2000, Size: 0x1000, Prot: ProtRead | ProtWrite}},
	}
	for _, tt := range tests {
		if got, ok := p.Section(m, tt.name); !ok || got != tt.want {
			t.Errorf("Section(%s) = %+v, %v, want %+v", tt.name, got, ok, tt.want)
		}
	}
	if _, ok := p.Section(m, ".text"); ok {
		t.Errorf("Section(.text) found in an image without one")
	}

	exports, err := p.Exports(m)
	if err != nil {
		t.Fatalf("Exports() error = %v", err)
	}
	want := Export{Name: "NvOptimusEnablement", Ordinal: 1, Address: testModBase + 0x2010}
	if len(exports) != 1 || exports[0] != want {
		t.Errorf("Exports() = %+v, want [%+v]", exports, want)
	}

	imports, err := p.Imports(m)
	if err != nil {
		t.Fatalf("Imports() error = %v", err)
	}
	if len(imports) != 1 || imports[0] != "GetTickCount:KERNEL32.dll" {
		t.Errorf("Imports() = %v, want [GetTickCount:KERNEL32.dll]", imports)
	}
}

func TestParsePERejectsGarbage(t *testing.T) {
	snap := NewSnapshot(8)
	if err := snap.AddRegion(Region{Base: testModBase, Size: testPageSize, Prot: ProtRead}, make([]byte, testPageSize)); err != nil {
		t.Fatal(err)
	}
	snap.AddModule(Module{Name: "Game.exe", Base: testModBase, Size: testPageSize})
	p, err := New(snap)
	if err != nil {
		t.Fatal(err)
	}
	m, _ := p.MainModule()
	if _, err := p.Sections(m); err == nil {
		t.Errorf("Sections() of a page without an MZ header succeeded")
	}
	if _, err := p.Exports(m); err == nil {
		t.Errorf("Exports() of a page without an MZ header succeeded")
	}
}
