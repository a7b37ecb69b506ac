/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

// Package uetest fabricates the memory of a small running game: a main module with code,
// vtables and globals, an object array, a name table, and a reflected type system on a heap.
// Where every field lives is known, so it is the ground truth discovery is tested against.
package uetest

import (
	"encoding/binary"
	"fmt"
	"sort"
	"unicode/utf16"

	"github.com/mandiant/UEReSym/memory"
	"github.com/mandiant/UEReSym/offsets"
)

const (
	ModuleName = "Game.exe"
	ModuleBase = 0x140000000

	textBase   = ModuleBase + 0x1000
	textSize   = 0x10000
	rdataBase  = textBase + textSize
	rdataSize  = 0x8000
	dataBase   = rdataBase + rdataSize
	dataSize   = 0x12000
	moduleSize = dataBase + dataSize - ModuleBase

	NamesBase = 0x200100000
	namesSize = 0x80000
	HeapBase  = 0x200500000
	heapSize  = 0x400000

	// globals inside .data
	objectArrayGlobal = dataBase + 0x100
	gnamesGlobal      = dataBase + 0x200
	poolInitFlag      = dataBase + 0x300
	namePoolGlobal    = dataBase + 0x1000
	dataAllocStart    = 0x11100

	ProcessEventIndex = 0x44
	vtableEntries     = 0x50
	DefaultFillers    = 20
	prefillNames      = 600

	chunkedMaxObjects = 0x210000
)

// Options pick the build configuration being imitated.
type Options struct {
	CasePreservingName    bool
	OutlineNumbers        bool
	LargeWorldCoordinates bool
	FlatObjectArray       bool
	LegacyNames           bool
	// UProperty builds properties as UObjects on the UField chain instead of FFields.
	UProperty bool
	// OmitNameSignature leaves out the code the name table signatures match, so only a
	// reference to "None" leads to the table.
	OmitNameSignature bool
	// Fillers is the number of extra actor classes, each with five native functions and a
	// default object. 0 means DefaultFillers, negative means none.
	Fillers int
}

// Image is a fabricated process. It is a memory.Reader through its Snapshot.
type Image struct {
	*memory.Snapshot

	Options  Options
	Module   memory.Module
	Truth    map[string]int
	Features offsets.Features

	// ObjectArray is the address of the object array struct, NameTable that of the name pool
	// or of the legacy entry array.
	ObjectArray uint64
	NameTable   uint64
	NumObjects  int

	// Objects maps dotted paths like "/Script/CoreUObject.Vector" to addresses.
	Objects      map[string]uint64
	ProcessEvent uint64

	// StructSizes are the sizes the structs report about themselves, by path.
	StructSizes map[string]int

	names map[string]uint32
	segs  []*segment
}

// NewImage builds an image for opts. It panics on impossible option combinations.
func NewImage(opts Options) *Image {
	if opts.OutlineNumbers && opts.LegacyNames {
		panic("uetest: outline numbers need a name pool")
	}
	b := newBuilder(opts)
	b.build()
	return b.img
}

// Process wraps the image in an accessor.
func (img *Image) Process() (*memory.Process, error) {
	return memory.New(img.Snapshot)
}

// Object returns the object at path, panicking if it was never built.
func (img *Image) Object(path string) uint64 {
	obj, ok := img.Objects[path]
	if !ok {
		panic("uetest: no object " + path)
	}
	return obj
}

// NameIndex is the comparison index of a name added to the name table.
func (img *Image) NameIndex(s string) (uint32, bool) {
	idx, ok := img.names[s]
	return idx, ok
}

// Offsets is Truth as a resolved table, in name order.
func (img *Image) Offsets() *offsets.Table {
	keys := make([]string, 0, len(img.Truth))
	for k := range img.Truth {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	t := offsets.NewTable()
	t.Features = img.Features
	for _, k := range keys {
		t.Set(k, img.Truth[k])
	}
	return t
}

// PutUint32 overwrites memory in the built image, for tests that break a structure.
func (img *Image) PutUint32(addr uint64, v uint32) {
	binary.LittleEndian.PutUint32(segmentBytes(img.segs, addr, 4), v)
}

func (img *Image) PutUint64(addr uint64, v uint64) {
	binary.LittleEndian.PutUint64(segmentBytes(img.segs, addr, 8), v)
}

func segmentBytes(segs []*segment, addr uint64, n int) []byte {
	for _, s := range segs {
		if addr >= s.region.Base && addr+uint64(n) <= s.region.End() {
			off := addr - s.region.Base
			return s.data[off : off+uint64(n)]
		}
	}
	panic(fmt.Sprintf("uetest: write outside the image at %#x", addr))
}

type segment struct {
	region memory.Region
	data   []byte
	cur    uint64
}

func newSegment(base, size uint64, prot memory.Protection) *segment {
	return &segment{region: memory.Region{Base: base, Size: size, Prot: prot}, data: make([]byte, size)}
}

func (s *segment) alloc(size, alignment int) uint64 {
	a := uint64(alignment)
	s.cur = (s.cur + a - 1) &^ (a - 1)
	addr := s.region.Base + s.cur
	s.cur += uint64(size)
	if s.cur > uint64(len(s.data)) {
		panic(fmt.Sprintf("uetest: segment at %#x is full", s.region.Base))
	}
	return addr
}

type builder struct {
	img  *Image
	opts Options
	s    shape
	off  map[string]int

	segs                                     []*segment
	header, text, rdata, data, names, heap *segment

	nameIdx     map[string]uint32
	poolCursor  uint32
	legacyCount int

	objects []uint64
	classOf []string
	paths   map[uint64]string
	classes map[string]uint64

	lastChild    map[uint64]uint64
	lastProp     map[uint64]uint64
	fieldClasses map[string]uint64
	fieldClassID uint64

	objVtable, fieldVtable uint64
	retStub, processStub  uint64
}

func newBuilder(opts Options) *builder {
	s := newShape(opts)
	img := &Image{
		Snapshot:    memory.NewSnapshot(8),
		Options:     opts,
		Truth:       s.truth(opts),
		Features:    s.features(opts),
		Objects:     make(map[string]uint64),
		StructSizes: make(map[string]int),
		names:       make(map[string]uint32),
	}
	b := &builder{
		img:          img,
		opts:         opts,
		s:            s,
		off:          img.Truth,
		nameIdx:      img.names,
		paths:        make(map[uint64]string),
		classes:      make(map[string]uint64),
		lastChild:    make(map[uint64]uint64),
		lastProp:     make(map[uint64]uint64),
		fieldClasses: make(map[string]uint64),
	}
	rw := memory.ProtRead | memory.ProtWrite
	b.header = newSegment(ModuleBase, 0x1000, memory.ProtRead)
	b.text = newSegment(textBase, textSize, memory.ProtRead|memory.ProtExec)
	b.rdata = newSegment(rdataBase, rdataSize, memory.ProtRead)
	b.data = newSegment(dataBase, dataSize, rw)
	b.names = newSegment(NamesBase, namesSize, rw)
	b.heap = newSegment(HeapBase, heapSize, rw)
	b.segs = []*segment{b.header, b.text, b.rdata, b.data, b.names, b.heap}
	img.segs = b.segs
	b.data.cur = dataAllocStart
	copy(b.header.data, "MZ")
	return b
}

func (b *builder) at(addr uint64, n int) []byte { return segmentBytes(b.segs, addr, n) }

func (b *builder) u8(addr uint64, v uint8)   { b.at(addr, 1)[0] = v }
func (b *builder) u16(addr uint64, v uint16) { binary.LittleEndian.PutUint16(b.at(addr, 2), v) }
func (b *builder) u32(addr uint64, v uint32) { binary.LittleEndian.PutUint32(b.at(addr, 4), v) }
func (b *builder) u64(addr uint64, v uint64) { binary.LittleEndian.PutUint64(b.at(addr, 8), v) }
func (b *builder) raw(addr uint64, p []byte) { copy(b.at(addr, len(p)), p) }

// field is the address of a named field of obj in this build.
func (b *builder) field(obj uint64, name string) uint64 {
	off, ok := b.off[name]
	if !ok || off == offsets.NotFound {
		panic("uetest: field " + name + " does not exist in this build")
	}
	return obj + uint64(off)
}

func (b *builder) setPtr(obj uint64, name string, v uint64) { b.u64(b.field(obj, name), v) }
func (b *builder) setU32(obj uint64, name string, v uint32) { b.u32(b.field(obj, name), v) }

// tarray writes a TArray header: data pointer, count, capacity.
func (b *builder) tarray(addr, data uint64, n int) {
	b.u64(addr, data)
	b.u32(addr+8, uint32(n))
	b.u32(addr+12, uint32(n))
}

// fstring allocates UTF-16 text and writes an FString header for it at addr.
func (b *builder) fstring(addr uint64, s string) {
	units := utf16.Encode([]rune(s))
	data := b.heap.alloc(2*len(units)+2, 8)
	for i, u := range units {
		b.u16(data+uint64(2*i), u)
	}
	b.tarray(addr, data, len(units)+1)
}

func (b *builder) code(p []byte) uint64 {
	addr := b.text.alloc(len(p), 0x10)
	b.raw(addr, p)
	return addr
}

func rel32(from, to uint64) []byte {
	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], uint32(int32(int64(to)-int64(from))))
	return out[:]
}

func le32(v uint32) []byte {
	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], v)
	return out[:]
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func encodeName(s string) (chars []byte, units int, wide bool) {
	for _, r := range s {
		if r > 0x7F {
			wide = true
			break
		}
	}
	if !wide {
		return []byte(s), len(s), false
	}
	u := utf16.Encode([]rune(s))
	chars = make([]byte, 2*len(u))
	for i, c := range u {
		binary.LittleEndian.PutUint16(chars[2*i:], c)
	}
	return chars, len(u), true
}

func (b *builder) poolStride() uint32 {
	if b.opts.CasePreservingName {
		return 4
	}
	return 2
}

func (b *builder) poolHeaderOffset() uint64 {
	if b.opts.CasePreservingName {
		return 4
	}
	return 0
}

// name interns s and returns its comparison index.
func (b *builder) name(s string) uint32 {
	if idx, ok := b.nameIdx[s]; ok {
		return idx
	}
	var idx uint32
	if b.opts.LegacyNames {
		idx = b.legacyName(s)
	} else {
		chars, units, wide := encodeName(s)
		hdr := uint16(units)<<6 | uint16(units%32)<<1
		if wide {
			hdr |= 1
		}
		idx = b.poolEntry(hdr, chars)
	}
	b.nameIdx[s] = idx
	return idx
}

func (b *builder) poolEntry(hdr uint16, payload []byte) uint32 {
	stride := b.poolStride()
	hdrOff := b.poolHeaderOffset()
	entry := NamesBase + uint64(b.poolCursor)
	idx := b.poolCursor / stride
	if hdrOff != 0 {
		b.u32(entry, idx)
	}
	b.u16(entry+hdrOff, hdr)
	b.raw(entry+hdrOff+2, payload)
	size := uint32(hdrOff) + 2 + uint32(len(payload))
	b.poolCursor += (size + stride - 1) / stride * stride
	return idx
}

// numberedName is the entry an outline-number build keeps for s with a number.
func (b *builder) numberedName(s string, number uint32) uint32 {
	key := fmt.Sprintf("%s#%d", s, number)
	if idx, ok := b.nameIdx[key]; ok {
		return idx
	}
	base := b.name(s)
	idx := b.poolEntry(0, cat(le32(base), le32(number)))
	b.nameIdx[key] = idx
	return idx
}

func (b *builder) legacyName(s string) uint32 {
	idx := uint32(b.legacyCount)
	b.legacyCount++
	chars, _, wide := encodeName(s)
	e := b.names.alloc(0xC+len(chars)+2, 8)
	index := idx << 1
	if wide {
		index |= 1
	}
	b.u32(e+8, index)
	b.raw(e+0xC, chars)
	b.u64(NamesBase+uint64(idx)*8, e)
	return idx
}

// fname writes an FName in this build's encoding.
func (b *builder) fname(addr uint64, s string, number uint32) {
	comp := b.name(s)
	if number != 0 && b.opts.OutlineNumbers {
		comp = b.numberedName(s, number)
	}
	b.u32(addr, comp)
	off := uint64(4)
	if b.opts.CasePreservingName {
		b.u32(addr+4, comp)
		off = 8
	}
	if !b.opts.OutlineNumbers {
		b.u32(addr+off, number)
	}
}
