/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

// Package names locates the global name table and decodes FNames.
package names

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"unicode/utf16"

	"github.com/mandiant/UEReSym/memory"
)

var ErrNotFound = errors.New("name table not found")

// ErrBadIndex is returned for an index that does not address a name entry.
var ErrBadIndex = errors.New("invalid name index")

type Shape int

const (
	// ShapeLegacy is TNameEntryArray: chunks of pointers to variable length entries.
	ShapeLegacy Shape = iota
	// ShapePool is FNamePool: blocks of entries packed at a fixed stride.
	ShapePool
)

func (s Shape) String() string {
	if s == ShapePool {
		return "pool"
	}
	return "legacy"
}

const (
	// NameSize is the longest name the engine stores.
	NameSize = 1024

	maxPoolBlocks = 8192
	blockOffsets  = 1 << 16

	legacyChunks        = 128
	legacyEntriesChunk  = 16384
	legacyMaxStringScan = 0x20
)

// Table is a located name table.
type Table struct {
	p *memory.Process

	Base  uint64
	Shape Shape

	// pool
	Stride       int
	HeaderOffset int
	currentBlock uint32
	cursor       uint32

	// legacy
	StringOffset int
	numElements  int
	chunks       []uint64

	mu    sync.Mutex
	cache map[uint32]string
}

// pool header fields
func (t *Table) lockSize() int { return t.p.PointerSize() }

func (t *Table) blocksOffset() int { return t.lockSize() + 8 }

// CasePreserving reports whether entries carry a display id ahead of the header, which is
// the case-preserving name build.
func (t *Table) CasePreserving() bool { return t.Shape == ShapePool && t.HeaderOffset != 0 }

// MaxIndex is one past the highest comparison index currently allocated.
func (t *Table) MaxIndex() uint32 {
	if t.Shape == ShapeLegacy {
		return uint32(t.numElements)
	}
	return t.currentBlock<<16 | t.cursor/uint32(t.Stride)
}

func (t *Table) poolEntry(comp uint32) (uint64, bool) {
	block := comp >> 16
	off := (comp & 0xFFFF) * uint32(t.Stride)
	if block > t.currentBlock || (block == t.currentBlock && off >= t.cursor) {
		return 0, false
	}
	base, err := t.p.ReadPointerAt(t.Base, t.blocksOffset()+int(block)*t.p.PointerSize())
	if err != nil || base == 0 {
		return 0, false
	}
	return base + uint64(off), true
}

// Storage lists the memory the entries live in: each pool block, or each chunk and entry of
// a legacy array.
func (t *Table) Storage() []uint64 {
	var out []uint64
	if t.Shape == ShapeLegacy {
		out = append(out, t.chunks...)
		for i := 0; i < t.numElements; i++ {
			if e, ok := t.legacyEntry(uint32(i)); ok {
				out = append(out, e)
			}
		}
		return out
	}
	for block := uint32(0); block <= t.currentBlock; block++ {
		if e, ok := t.poolEntry(block << 16); ok {
			out = append(out, e)
		}
	}
	return out
}

func (t *Table) legacyEntry(index uint32) (uint64, bool) {
	if int(index) >= t.numElements {
		return 0, false
	}
	c := int(index) / legacyEntriesChunk
	if c >= len(t.chunks) {
		return 0, false
	}
	e, err := t.p.ReadPointerAt(t.chunks[c], (int(index)%legacyEntriesChunk)*t.p.PointerSize())
	if err != nil || e == 0 {
		return 0, false
	}
	return e, true
}

// header is the 16-bit pool entry header: wide flag in bit 0, length in the top ten bits.
func (t *Table) header(entry uint64) (length int, wide bool, err error) {
	h, err := memory.ReadAt[uint16](t.p, entry, t.HeaderOffset)
	if err != nil {
		return 0, false, err
	}
	return int(h >> 6), h&1 != 0, nil
}

// IsValidIndex reports whether comp addresses a readable, sanely sized entry.
func (t *Table) IsValidIndex(comp uint32) bool {
	if t.Shape == ShapeLegacy {
		e, ok := t.legacyEntry(comp)
		return ok && t.p.IsReadable(e, t.StringOffset+1)
	}
	e, ok := t.poolEntry(comp)
	if !ok {
		return false
	}
	n, _, err := t.header(e)
	return err == nil && n <= NameSize
}

// String decodes the entry for comp, without any number suffix.
func (t *Table) String(comp uint32) (string, error) {
	t.mu.Lock()
	s, ok := t.cache[comp]
	t.mu.Unlock()
	if ok {
		return s, nil
	}

	var err error
	if t.Shape == ShapeLegacy {
		s, err = t.legacyString(comp)
	} else {
		s, err = t.poolString(comp, 0)
	}
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	t.cache[comp] = s
	t.mu.Unlock()
	return s, nil
}

// Name is the display form of an FName: the entry text, with "_<number-1>" when number is set.
func (t *Table) Name(comp, number uint32) (string, error) {
	s, err := t.String(comp)
	if err != nil {
		return "", err
	}
	return withNumber(s, number), nil
}

func withNumber(s string, number uint32) string {
	if number == 0 {
		return s
	}
	return s + "_" + strconv.FormatUint(uint64(number-1), 10)
}

func (t *Table) poolString(comp uint32, depth int) (string, error) {
	e, ok := t.poolEntry(comp)
	if !ok {
		return "", fmt.Errorf("%#x: %w", comp, ErrBadIndex)
	}
	n, wide, err := t.header(e)
	if err != nil {
		return "", err
	}
	chars := e + uint64(t.HeaderOffset) + 2
	if n == 0 {
		// outline-number entry: the id of the base name and the number follow the header
		if depth > 0 {
			return "", fmt.Errorf("%#x: nested numbered entry: %w", comp, ErrBadIndex)
		}
		id, err1 := memory.ReadAt[uint32](t.p, chars, 0)
		number, err2 := memory.ReadAt[uint32](t.p, chars, 4)
		if err1 != nil || err2 != nil {
			return "", fmt.Errorf("%#x: %w", comp, memory.ErrUnreadable)
		}
		s, err := t.poolString(id, depth+1)
		if err != nil {
			return "", err
		}
		return withNumber(s, number), nil
	}
	if n > NameSize {
		return "", fmt.Errorf("%#x: length %d: %w", comp, n, ErrBadIndex)
	}
	if wide {
		return readWide(t.p, chars, n)
	}
	b, err := t.p.Read(chars, n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readWide(p *memory.Process, addr uint64, n int) (string, error) {
	b, err := p.Read(addr, 2*n)
	if err != nil {
		return "", err
	}
	units := make([]uint16, n)
	for i := range units {
		units[i] = uint16(b[2*i]) | uint16(b[2*i+1])<<8
	}
	return string(utf16.Decode(units)), nil
}

func (t *Table) legacyString(index uint32) (string, error) {
	e, ok := t.legacyEntry(index)
	if !ok {
		return "", fmt.Errorf("%#x: %w", index, ErrBadIndex)
	}
	wide := false
	if t.StringOffset >= 4 {
		v, err := memory.ReadAt[int32](t.p, e, t.StringOffset-4)
		if err != nil {
			return "", err
		}
		wide = v&1 != 0
	}
	addr := e + uint64(t.StringOffset)
	if !wide {
		return t.p.ReadCString(addr, NameSize)
	}
	b := t.p.ReadUpTo(addr, 2*NameSize)
	n := 0
	for n+1 < len(b) && (b[n] != 0 || b[n+1] != 0) {
		n += 2
	}
	return readWide(t.p, addr, n/2)
}

// HasOutlineNumbers reports whether the pool stores numbered names as their own entries,
// which shrinks FName to the comparison index alone.
func (t *Table) HasOutlineNumbers() bool {
	if t.Shape != ShapePool {
		return false
	}
	found := false
	t.eachPoolEntry(func(comp uint32, entry uint64, n int, wide bool) bool {
		if n == 0 {
			id, err := memory.ReadAt[uint32](t.p, entry+uint64(t.HeaderOffset)+2, 0)
			found = err == nil && id < comp && t.IsValidIndex(id)
			return !found
		}
		return true
	})
	return found
}

// Each visits every decodable entry in index order until fn returns false.
func (t *Table) Each(fn func(comp uint32, s string) bool) {
	if t.Shape == ShapeLegacy {
		for i := 0; i < t.numElements; i++ {
			s, err := t.String(uint32(i))
			if err != nil {
				continue
			}
			if !fn(uint32(i), s) {
				return
			}
		}
		return
	}
	t.eachPoolEntry(func(comp uint32, _ uint64, _ int, _ bool) bool {
		s, err := t.String(comp)
		if err != nil {
			return true
		}
		return fn(comp, s)
	})
}

func (t *Table) entrySize(n int, wide bool) int {
	size := t.HeaderOffset + 2
	switch {
	case n == 0:
		size += 8
	case wide:
		size += 2 * n
	default:
		size += n
	}
	return (size + t.Stride - 1) / t.Stride * t.Stride
}

func (t *Table) eachPoolEntry(fn func(comp uint32, entry uint64, n int, wide bool) bool) {
	blockBytes := uint32(blockOffsets * t.Stride)
	for block := uint32(0); block <= t.currentBlock; block++ {
		end := blockBytes
		if block == t.currentBlock {
			end = t.cursor
		}
		for off := uint32(0); off < end; {
			comp := block<<16 | off/uint32(t.Stride)
			e, ok := t.poolEntry(comp)
			if !ok {
				break
			}
			n, wide, err := t.header(e)
			if err != nil || n > NameSize {
				break
			}
			if n == 0 {
				// a zero header followed by a zero id is the unused tail of a block
				if id, err := memory.ReadAt[uint32](t.p, e+uint64(t.HeaderOffset)+2, 0); err != nil || id == 0 {
					break
				}
			}
			if !fn(comp, e, n, wide) {
				return
			}
			off += uint32(t.entrySize(n, wide))
		}
	}
}
