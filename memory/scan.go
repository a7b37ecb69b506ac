/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

package memory

import (
	"bytes"
	"unicode/utf16"

	"golang.org/x/arch/x86/x86asm"
)

const (
	scanChunk   = 1 << 24
	scanOverlap = 0x100
	// how many bytes of code a vtable predicate gets to look at
	vtableCodeWindow = 0x200
)

// EachChunk hands fn every readable piece of [start, end), in address order. Large regions
// are split into overlapping chunks so a match straddling a chunk edge is still seen. fn
// returns false to stop.
func (p *Process) EachChunk(start, end uint64, executableOnly bool, fn func(base uint64, data []byte) bool) {
	for _, r := range p.Regions() {
		if r.End() <= start || r.Base >= end {
			continue
		}
		if r.Prot&ProtRead == 0 || (executableOnly && r.Prot&ProtExec == 0) {
			continue
		}
		lo, hi := r.Base, r.End()
		if lo < start {
			lo = start
		}
		if hi > end {
			hi = end
		}
		for off := lo; off < hi; off += scanChunk {
			n := hi - off
			if n > scanChunk+scanOverlap {
				n = scanChunk + scanOverlap
			}
			data, err := p.r.ReadMemory(off, int(n))
			if err != nil {
				continue
			}
			if !fn(off, data) {
				return
			}
		}
	}
}

// ScanPatternAll returns every match of pat inside [start, end), ascending, at most limit
// (0 means no limit).
func (p *Process) ScanPatternAll(pat *Pattern, start, end uint64, limit int) []uint64 {
	var out []uint64
	last := uint64(0)
	p.EachChunk(start, end, false, func(base uint64, data []byte) bool {
		for _, m := range FindPattern(data, pat) {
			addr := base + uint64(m)
			// chunk overlap reports the same match twice
			if len(out) > 0 && addr <= last {
				continue
			}
			out = append(out, addr)
			last = addr
			if limit > 0 && len(out) >= limit {
				return false
			}
		}
		return true
	})
	return out
}

// ScanPattern returns the first match of pat inside [start, end). With relative set, the
// match must start on an instruction whose operand is rip-relative (or a rel32 branch), and
// the absolute address it references is returned instead.
func (p *Process) ScanPattern(pat *Pattern, start, end uint64, relative bool) (uint64, bool) {
	matches := p.ScanPatternAll(pat, start, end, 1)
	if len(matches) == 0 {
		return 0, false
	}
	if !relative {
		return matches[0], true
	}
	return p.ResolveRelativeTarget(matches[0])
}

type StringEncoding int

const (
	ASCII StringEncoding = iota
	UTF16
)

// encodeTerminated returns the literal as it sits in memory, including the terminator.
func encodeTerminated(text string, enc StringEncoding) []byte {
	if enc == ASCII {
		return append([]byte(text), 0)
	}
	units := utf16.Encode([]rune(text))
	b := make([]byte, 0, 2*len(units)+2)
	for _, u := range units {
		b = append(b, byte(u), byte(u>>8))
	}
	return append(b, 0, 0)
}

// refCandidate is a cheap opcode filter run before the full decode.
func refCandidate(data []byte, i int, mode int) bool {
	if mode == 32 {
		return data[i] == 0x68
	}
	// REX.W lea r64, [rip+disp32]
	return i+2 < len(data) && data[i]&0xF8 == 0x48 && data[i+1] == 0x8D && data[i+2]&0xC7 == 0x05
}

// ScanForStringReference finds the first instruction in [start, end) that materializes a
// pointer to the string text: a rip-relative lea on x86-64 or a push imm32 on x86. The
// referenced bytes must match text including its terminator.
func (p *Process) ScanForStringReference(text string, enc StringEncoding, start, end uint64, executableOnly bool) (uint64, bool) {
	want := encodeTerminated(text, enc)
	mode := p.mode()
	var found uint64
	ok := false

	p.EachChunk(start, end, executableOnly, func(base uint64, data []byte) bool {
		for i := 0; i < len(data); i++ {
			if !refCandidate(data, i, mode) {
				continue
			}
			inst, err := x86asm.Decode(data[i:], mode)
			if err != nil {
				continue
			}
			if inst.Op != x86asm.LEA && inst.Op != x86asm.PUSH {
				continue
			}
			addr := base + uint64(i)
			target, hit := targetOf(inst, addr, mode)
			if !hit {
				continue
			}
			got, err := p.Read(target, len(want))
			if err != nil || !bytes.Equal(got, want) {
				continue
			}
			found, ok = addr, true
			return false
		}
		return true
	})
	return found, ok
}

// IterateVTableFunctions walks the vtable at vtable. Each entry is followed through at most
// one jmp trampoline and pred gets the function address and up to 0x200 bytes of its code.
// The walk ends at maxCount entries or at the first entry that is not executable module code,
// which is taken as the end of the table. It returns the matching function and its index.
func (p *Process) IterateVTableFunctions(vtable uint64, pred func(fn uint64, code []byte) bool, maxCount int) (uint64, int, bool) {
	for i := 0; i < maxCount; i++ {
		entry, err := p.ReadPointerAt(vtable, i*p.ptrSize)
		if err != nil {
			return 0, -1, false
		}
		if _, inModule := p.ModuleOf(entry); !inModule || !p.IsExecutable(entry) {
			return 0, -1, false
		}
		fn := p.ResolveTrampoline(entry)
		code := p.ReadUpTo(fn, vtableCodeWindow)
		if len(code) == 0 {
			continue
		}
		if pred(fn, code) {
			return fn, i, true
		}
	}
	return 0, -1, false
}
