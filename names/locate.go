/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

package names

import (
	"fmt"

	"github.com/mandiant/UEReSym/logging"
	"github.com/mandiant/UEReSym/memory"
)

var (
	// lea rcx, [GNamePool]; call FNamePool::FNamePool; mov byte ptr [bNamePoolInitialized], 1
	poolSignature = memory.MustCompilePattern("{ 48 8D 0D ?? ?? ?? ?? E8 ?? ?? ?? ?? C6 05 ?? ?? ?? ?? 01 }")
	// mov rax, [GNames]; test rax, rax; jnz ...; mov ecx, sizeof(TNameEntryArray)
	legacySignature = memory.MustCompilePattern("{ 48 8B 05 ?? ?? ?? ?? 48 85 C0 75 ?? B9 08 04 00 00 }")
)

const (
	// how far from a "None" reference the fallback looks for the table's address
	noneRefWindow = 0x40
)

// Locate finds the name table of the main module. The signature of the pool constructor is
// tried first, then that of the legacy accessor, then any reference to the literal "None"
// near an instruction that loads a plausible table address.
func Locate(p *memory.Process) (*Table, error) {
	mod, err := p.MainModule()
	if err != nil {
		return nil, err
	}
	log := logging.Named("names")
	code := codeRanges(p, mod)

	for _, r := range code {
		if target, ok := p.ScanPattern(poolSignature, r.Base, r.End(), true); ok {
			if t, ok := validatePool(p, target); ok {
				t.confirm()
				return t, nil
			}
		}
	}
	for _, r := range code {
		if target, ok := p.ScanPattern(legacySignature, r.Base, r.End(), true); ok {
			if t, ok := validateLegacyAt(p, target); ok {
				t.confirm()
				return t, nil
			}
		}
	}

	log.Warnf("no name table signature in %s, trying references to \"None\"", mod.Name)
	for _, enc := range []memory.StringEncoding{memory.UTF16, memory.ASCII} {
		for _, r := range code {
			ref, ok := p.ScanForStringReference("None", enc, r.Base, r.End(), true)
			if !ok {
				continue
			}
			if t, ok := searchNear(p, ref); ok {
				return t, nil
			}
		}
	}
	return nil, fmt.Errorf("%s: %w", mod.Name, ErrNotFound)
}

func codeRanges(p *memory.Process, mod memory.Module) []memory.Region {
	var out []memory.Region
	if secs, err := p.Sections(mod); err == nil {
		for _, s := range secs {
			if s.Prot&memory.ProtExec != 0 {
				out = append(out, memory.Region{Base: s.Base, Size: s.Size, Prot: s.Prot})
			}
		}
	}
	if len(out) == 0 {
		out = append(out, memory.Region{Base: mod.Base, Size: mod.Size, Prot: memory.ProtRead | memory.ProtExec})
	}
	return out
}

// searchNear tries every address loaded by an instruction around ref, as a pool directly and
// as a pointer to the legacy array. The pool has no structural check of its own here, so its
// first entry must decode to "None".
func searchNear(p *memory.Process, ref uint64) (*Table, bool) {
	for addr := ref - noneRefWindow; addr < ref+noneRefWindow; addr++ {
		if addr == ref {
			continue
		}
		target, ok := p.ResolveRelativeTarget(addr)
		if !ok || !p.IsValidPointer(target) {
			continue
		}
		if t, ok := validatePool(p, target); ok {
			if s, err := t.String(0); err == nil && s == "None" {
				return t, true
			}
		}
		if t, ok := validateLegacyAt(p, target); ok {
			t.confirm()
			return t, true
		}
	}
	return nil, false
}

// confirm checks that index 0 is "None". A mismatch is reported but not rejected.
func (t *Table) confirm() {
	log := logging.Named("names")
	if s, err := t.String(0); err != nil || s != "None" {
		log.Warnf("name table at %#x: index 0 is %q, not None", t.Base, s)
		return
	}
	log.Infof("name table at %#x: %s, %d names", t.Base, t.Shape, t.MaxIndex())
}

// validatePool reads the pool header at addr. Beyond the block bookkeeping being in range
// there is no structure to check, the caller decides by decoding entries. The entry header
// position and stride are picked by whichever decodes index 0 as "None".
func validatePool(p *memory.Process, addr uint64) (*Table, bool) {
	t := &Table{p: p, Base: addr, Shape: ShapePool, cache: make(map[uint32]string)}
	cur, err1 := memory.ReadAt[uint32](p, addr, t.lockSize())
	cursor, err2 := memory.ReadAt[uint32](p, addr, t.lockSize()+4)
	if err1 != nil || err2 != nil || cur >= maxPoolBlocks {
		return nil, false
	}
	t.currentBlock, t.cursor = cur, cursor

	t.HeaderOffset, t.Stride = 0, 2
	for _, hdr := range []int{0, 4} {
		probe := &Table{p: p, Base: addr, Shape: ShapePool, HeaderOffset: hdr, Stride: 2 + hdr/2, currentBlock: cur, cursor: cursor, cache: make(map[uint32]string)}
		if s, err := probe.poolString(0, 0); err == nil && s == "None" {
			t.HeaderOffset, t.Stride = probe.HeaderOffset, probe.Stride
			break
		}
	}
	return t, true
}

// validateLegacyAt dereferences the global at addr and validates what it points to.
func validateLegacyAt(p *memory.Process, addr uint64) (*Table, bool) {
	arr, err := p.ReadPointer(addr)
	if err != nil || !p.IsValidPointer(arr) {
		return nil, false
	}
	return validateLegacy(p, arr)
}

// validateLegacy checks a TNameEntryArray: some non-null chunk pointers, nothing but nulls
// after them, and a NumChunks equal to the number of non-null ones.
func validateLegacy(p *memory.Process, addr uint64) (*Table, bool) {
	ptr := p.PointerSize()
	raw, err := p.Read(addr, legacyChunks*ptr+8)
	if err != nil {
		return nil, false
	}
	var chunks []uint64
	i := 0
	for ; i < legacyChunks; i++ {
		c := p.DecodePointer(raw, i*ptr)
		if c == 0 {
			break
		}
		chunks = append(chunks, c)
	}
	for ; i < legacyChunks; i++ {
		if p.DecodePointer(raw, i*ptr) != 0 {
			return nil, false
		}
	}
	numElements := int(int32(le32(raw[legacyChunks*ptr:])))
	numChunks := int(int32(le32(raw[legacyChunks*ptr+4:])))
	if len(chunks) == 0 || numChunks != len(chunks) {
		return nil, false
	}
	if numElements <= 0 || numElements > numChunks*legacyEntriesChunk {
		return nil, false
	}
	for _, c := range chunks {
		if !p.IsValidPointer(c) {
			return nil, false
		}
	}

	t := &Table{p: p, Base: addr, Shape: ShapeLegacy, numElements: numElements, chunks: chunks, cache: make(map[uint32]string)}
	off, ok := t.findStringOffset()
	if !ok {
		return nil, false
	}
	t.StringOffset = off
	return t, true
}

// findStringOffset locates the characters of entry 0, which is always "None".
func (t *Table) findStringOffset() (int, bool) {
	e, ok := t.legacyEntry(0)
	if !ok {
		return 0, false
	}
	b := t.p.ReadUpTo(e, legacyMaxStringScan+5)
	for off := 0; off+5 <= len(b); off += 4 {
		if string(b[off:off+5]) == "None\x00" {
			return off, true
		}
	}
	return 0, false
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
