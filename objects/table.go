/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

// Package objects locates the global object array of a running game and walks it.
package objects

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mandiant/UEReSym/logging"
	"github.com/mandiant/UEReSym/memory"
)

// ErrNotFound means no plausible object array exists anywhere in the target. Nothing else can
// be discovered without one.
var ErrNotFound = errors.New("object array not found")

type Shape int

const (
	ShapeFlat Shape = iota
	ShapeChunked
)

func (s Shape) String() string {
	if s == ShapeChunked {
		return "chunked"
	}
	return "flat"
}

const (
	DefaultChunkSize   = 0x10000
	AlternateChunkSize = 0x8000

	maxObjects = 0x800000
	maxChunks  = 0x1000
	// objects whose pointers are checked before an array is believed
	probeCount = 8
	// the object at this index carries it as its Index, which is how the array proves it is
	// the object array and not some other pointer list
	tagIndex = 5
	tagScan  = 0x20
)

var itemStrides = []int{0x10, 0x18, 0x20}

// Options tune Locate.
type Options struct {
	// FullScan skips the fast pass over the main module's .data section.
	FullScan bool
	// ChunkSizes are the entries-per-chunk candidates for the chunked shape, most likely
	// first. Empty means DefaultChunkSize then AlternateChunkSize.
	ChunkSizes []int
}

func (o Options) chunkSizes() []int {
	if len(o.ChunkSizes) > 0 {
		return o.ChunkSizes
	}
	return []int{DefaultChunkSize, AlternateChunkSize}
}

// Table is a located object array. The shape, element stride and object-pointer position are
// fixed once Locate returns.
type Table struct {
	p *memory.Process

	Base      uint64
	Shape     Shape
	ChunkSize int
	// Stride is the size of one array item, ItemObject the offset of the object pointer in it.
	Stride     int
	ItemObject int

	num    int
	data   uint64   // flat: first item
	chunks []uint64 // chunked: item array of each chunk

	indexOnce sync.Once
	index     map[uint64]int
}

// header positions inside the array struct
type arrayLayout struct {
	objects   []int
	max, num  int
	maxChunks int
	numChunks int
}

func flatLayout(ptr int) arrayLayout {
	return arrayLayout{objects: []int{0}, max: ptr, num: ptr + 4, maxChunks: -1, numChunks: -1}
}

// The chunk pointer moved behind a preallocation pointer in later engine versions, so both
// positions are tried.
func chunkedLayout(ptr int) arrayLayout {
	return arrayLayout{objects: []int{0, ptr}, max: 2 * ptr, num: 2*ptr + 4, maxChunks: 2*ptr + 8, numChunks: 2*ptr + 12}
}

// Locate finds the object array: first in the main module's .data section, then in the whole
// main module, then in every writable region of the process.
func Locate(p *memory.Process, opts Options) (*Table, error) {
	mod, err := p.MainModule()
	if err != nil {
		return nil, err
	}
	log := logging.Named("objects")

	if !opts.FullScan {
		if sec, ok := p.Section(mod, ".data"); ok {
			if t := scan(p, sec.Base, sec.Base+sec.Size, opts); t != nil {
				return t, nil
			}
			log.Warnf("object array not in %s .data, scanning the whole image", mod.Name)
		}
	}
	if t := scan(p, mod.Base, mod.Base+mod.Size, opts); t != nil {
		return t, nil
	}
	log.Warnf("object array not in %s, scanning writable memory", mod.Name)
	for _, r := range p.Regions() {
		if r.Prot&memory.ProtWrite == 0 || (r.Base >= mod.Base && r.End() <= mod.Base+mod.Size) {
			continue
		}
		if t := scan(p, r.Base, r.End(), opts); t != nil {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", mod.Name, ErrNotFound)
}

func scan(p *memory.Process, start, end uint64, opts Options) *Table {
	var found *Table
	ptr := p.PointerSize()
	sizes := opts.chunkSizes()
	p.EachChunk(start, end, false, func(base uint64, data []byte) bool {
		for i := 0; i+4 <= len(data); i += 4 {
			if !plausibleAt(p, data, i, ptr) {
				continue
			}
			addr := base + uint64(i)
			if t, ok := validateFlat(p, addr); ok {
				found = t
				return false
			}
			if t, ok := validateChunked(p, addr, sizes); ok {
				found = t
				return false
			}
		}
		return true
	})
	if found != nil {
		logging.Named("objects").Infof("object array at %#x: %s, %d objects, stride %#x", found.Base, found.Shape, found.num, found.Stride)
	}
	return found
}

// plausibleAt is the cheap filter run on raw chunk bytes: the first pointer slot is non-null
// and some count/max pair at either shape's position is ordered. Candidates near the end of a
// chunk are passed through to the full validators.
func plausibleAt(p *memory.Process, data []byte, i, ptr int) bool {
	if i+4*ptr+0x10 > len(data) {
		return true
	}
	if p.DecodePointer(data, i) == 0 && p.DecodePointer(data, i+ptr) == 0 {
		return false
	}
	for _, off := range []int{ptr, 2 * ptr} {
		max := int32(le32(data[i+off:]))
		num := int32(le32(data[i+off+4:]))
		if num > 0 && num <= max && max <= maxObjects {
			return true
		}
	}
	return false
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func readInt32(p *memory.Process, addr uint64, off int) (int, bool) {
	v, err := memory.ReadAt[int32](p, addr, off)
	if err != nil {
		return 0, false
	}
	return int(v), true
}

// validateFlat checks addr as a flat array: Objects, then Max and Num.
func validateFlat(p *memory.Process, addr uint64) (*Table, bool) {
	l := flatLayout(p.PointerSize())
	max, ok1 := readInt32(p, addr, l.max)
	num, ok2 := readInt32(p, addr, l.num)
	if !ok1 || !ok2 || num < probeCount || num > max || max > maxObjects {
		return nil, false
	}
	data, err := p.ReadPointerAt(addr, l.objects[0])
	if err != nil || !p.IsValidPointer(data) {
		return nil, false
	}
	t := &Table{p: p, Base: addr, Shape: ShapeFlat, num: num, data: data}
	if !t.probeItems(data) {
		return nil, false
	}
	if !hasTag(p, t.ObjectAt(tagIndex), tagIndex) {
		return nil, false
	}
	return t, true
}

// validateChunked checks addr as a chunked array: chunk geometry must agree with the count for
// one of the candidate chunk sizes and every chunk pointer must be readable.
func validateChunked(p *memory.Process, addr uint64, sizes []int) (*Table, bool) {
	l := chunkedLayout(p.PointerSize())
	max, ok1 := readInt32(p, addr, l.max)
	num, ok2 := readInt32(p, addr, l.num)
	maxCh, ok3 := readInt32(p, addr, l.maxChunks)
	numCh, ok4 := readInt32(p, addr, l.numChunks)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, false
	}
	if num <= 0 || num > max || max > maxObjects {
		return nil, false
	}
	if numCh <= 0 || numCh > maxCh || maxCh > maxChunks {
		return nil, false
	}
	var chunkSize int
	for _, cs := range sizes {
		if num/cs+1 == numCh {
			chunkSize = cs
			break
		}
	}
	if chunkSize == 0 {
		return nil, false
	}

	for _, objOff := range l.objects {
		chunks, ok := readChunkPointers(p, addr, objOff, numCh)
		if !ok {
			continue
		}
		t := &Table{p: p, Base: addr, Shape: ShapeChunked, ChunkSize: chunkSize, num: num, chunks: chunks}
		if !t.probeItems(chunks[0]) {
			continue
		}
		t.confirmChunkSize(sizes)
		return t, true
	}
	return nil, false
}

func readChunkPointers(p *memory.Process, addr uint64, objOff, numChunks int) ([]uint64, bool) {
	list, err := p.ReadPointerAt(addr, objOff)
	if err != nil || !p.IsReadable(list, numChunks*p.PointerSize()) {
		return nil, false
	}
	chunks := make([]uint64, numChunks)
	for i := range chunks {
		c, err := p.ReadPointerAt(list, i*p.PointerSize())
		if err != nil || !p.IsValidPointer(c) {
			return nil, false
		}
		chunks[i] = c
	}
	return chunks, true
}

// confirmChunkSize looks at the first item of the second chunk. Its object must carry the
// chunk size as its index; if it carries another candidate's size instead, that one wins.
func (t *Table) confirmChunkSize(sizes []int) {
	if len(t.chunks) < 2 {
		return
	}
	obj, err := t.p.ReadPointerAt(t.chunks[1], t.ItemObject)
	if err != nil || hasTag(t.p, obj, t.ChunkSize) {
		return
	}
	for _, cs := range sizes {
		if cs != t.ChunkSize && hasTag(t.p, obj, cs) {
			logging.Named("objects").Warnf("object array chunk size %#x disagrees with its contents, using %#x", t.ChunkSize, cs)
			t.ChunkSize = cs
			return
		}
	}
}

// probeItems picks the item stride and object-pointer position: the first readable
// pointer-sized field of an item, with every probed object's vtable readable.
func (t *Table) probeItems(items uint64) bool {
	ptr := t.p.PointerSize()
	n := probeCount
	if t.num < n {
		n = t.num
	}
	for _, stride := range itemStrides {
		for off := 0; off < stride; off += ptr {
			if t.itemsValid(items, stride, off, n) {
				t.Stride, t.ItemObject = stride, off
				return true
			}
		}
	}
	return false
}

func (t *Table) itemsValid(items uint64, stride, off, n int) bool {
	for i := 0; i < n; i++ {
		obj, err := t.p.ReadPointerAt(items, i*stride+off)
		if err != nil || !t.p.IsValidPointer(obj) {
			return false
		}
		vft, err := t.p.ReadPointer(obj)
		if err != nil || !t.p.IsValidPointer(vft) {
			return false
		}
	}
	return true
}

// hasTag reports whether obj holds want as a 32-bit value somewhere past its vtable pointer.
func hasTag(p *memory.Process, obj uint64, want int) bool {
	if obj == 0 {
		return false
	}
	for off := p.PointerSize(); off < tagScan; off += 4 {
		v, err := memory.ReadAt[uint32](p, obj, off)
		if err != nil {
			return false
		}
		if int(v) == want {
			return true
		}
	}
	return false
}

// Num is the number of used slots, including ones whose object has since been destroyed.
func (t *Table) Num() int { return t.num }

func (t *Table) Process() *memory.Process { return t.p }

func (t *Table) itemAddr(i int) (uint64, bool) {
	if i < 0 || i >= t.num {
		return 0, false
	}
	if t.Shape == ShapeFlat {
		return t.data + uint64(i*t.Stride), true
	}
	c := i / t.ChunkSize
	if c >= len(t.chunks) {
		return 0, false
	}
	return t.chunks[c] + uint64((i%t.ChunkSize)*t.Stride), true
}

// ObjectAt returns the object in slot i, or 0 for an empty or unreadable slot.
func (t *Table) ObjectAt(i int) uint64 {
	item, ok := t.itemAddr(i)
	if !ok {
		return 0
	}
	obj, err := t.p.ReadPointerAt(item, t.ItemObject)
	if err != nil {
		return 0
	}
	return obj
}

// Handle is one live object: its slot and its address.
type Handle struct {
	Index int
	Addr  uint64
}

func (t *Table) ByIndex(i int) (Handle, bool) {
	obj := t.ObjectAt(i)
	if obj == 0 {
		return Handle{}, false
	}
	return Handle{Index: i, Addr: obj}, true
}

// ForEach visits non-empty slots in index order until fn returns false.
func (t *Table) ForEach(fn func(Handle) bool) {
	for i := 0; i < t.num; i++ {
		if h, ok := t.ByIndex(i); ok && !fn(h) {
			return
		}
	}
}

// Objects returns up to limit live objects from the start of the array (0 means all).
func (t *Table) Objects(limit int) []Handle {
	var out []Handle
	t.ForEach(func(h Handle) bool {
		out = append(out, h)
		return limit <= 0 || len(out) < limit
	})
	return out
}

// IndexOf reports the slot holding addr. The reverse index is built on first use.
func (t *Table) IndexOf(addr uint64) (int, bool) {
	t.indexOnce.Do(func() {
		t.index = make(map[uint64]int, t.num)
		t.ForEach(func(h Handle) bool {
			t.index[h.Addr] = h.Index
			return true
		})
	})
	i, ok := t.index[addr]
	return i, ok
}

// Contains reports whether addr is a live object in the array.
func (t *Table) Contains(addr uint64) bool {
	_, ok := t.IndexOf(addr)
	return ok
}
