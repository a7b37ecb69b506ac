/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

package memory

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// maxInstLen is the architectural limit for one x86 instruction.
const maxInstLen = 15

func (p *Process) mode() int {
	if p.ptrSize == 4 {
		return 32
	}
	return 64
}

// DecodeAt decodes the single instruction at addr.
func (p *Process) DecodeAt(addr uint64) (x86asm.Inst, error) {
	b := p.ReadUpTo(addr, maxInstLen)
	if len(b) == 0 {
		return x86asm.Inst{}, fmt.Errorf("%#x: %w", addr, ErrUnreadable)
	}
	return x86asm.Decode(b, p.mode())
}

// ResolveRelativeTarget decodes the instruction at addr and returns the absolute address it
// references. Handled shapes:
//
//	EB/E9 jmp rel, 7x/0F 8x jcc rel, E8 call rel       -> next + rel
//	48 8D/8B ... [rip+disp32] (lea, mov and friends)    -> next + disp32
//	68 imm32 push (32-bit targets)                      -> imm32
//	A1/8B ... [disp32] absolute (32-bit targets)        -> disp32
func (p *Process) ResolveRelativeTarget(addr uint64) (uint64, bool) {
	inst, err := p.DecodeAt(addr)
	if err != nil {
		return 0, false
	}
	return targetOf(inst, addr, p.mode())
}

func targetOf(inst x86asm.Inst, addr uint64, mode int) (uint64, bool) {
	next := addr + uint64(inst.Len)
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		switch v := a.(type) {
		case x86asm.Rel:
			return next + uint64(int64(v)), true
		case x86asm.Mem:
			if v.Base == x86asm.RIP {
				return next + uint64(v.Disp), true
			}
			if mode == 32 && v.Base == 0 && v.Index == 0 {
				return uint64(uint32(v.Disp)), true
			}
		case x86asm.Imm:
			if inst.Op == x86asm.PUSH && mode == 32 {
				return uint64(uint32(v)), true
			}
		}
	}
	return 0, false
}

// ResolveTrampoline follows one unconditional jmp at addr. Anything else is returned as is.
func (p *Process) ResolveTrampoline(addr uint64) uint64 {
	inst, err := p.DecodeAt(addr)
	if err != nil || inst.Op != x86asm.JMP {
		return addr
	}
	if _, ok := inst.Args[0].(x86asm.Rel); !ok {
		return addr
	}
	if target, ok := targetOf(inst, addr, p.mode()); ok {
		return target
	}
	return addr
}

// DecodeAll decodes code linearly for at most max instructions, stopping at the first
// undecodable byte or a ret. It is only meant for short function prologues.
func DecodeAll(code []byte, mode int, max int) []x86asm.Inst {
	insts := make([]x86asm.Inst, 0, max)
	for off := 0; off < len(code) && len(insts) < max; {
		inst, err := x86asm.Decode(code[off:], mode)
		if err != nil || inst.Len == 0 {
			break
		}
		insts = append(insts, inst)
		off += inst.Len
		if inst.Op == x86asm.RET {
			break
		}
	}
	return insts
}
