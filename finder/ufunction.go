/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

package finder

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/mandiant/UEReSym/memory"
	"github.com/mandiant/UEReSym/offsets"
)

const (
	// FUNC_Native
	funcNative = 0x400

	functionWindow = 0x100
	// ProcessEvent sits well inside UObject's vtable, never past this many entries
	maxVTableEntries = 0x150
	prologueInsts    = 0x20
)

var functionSamples = []struct {
	name  string
	flags uint32
}{
	{"K2_GetActorLocation", 0x14420401},
	{"ReceiveBeginPlay", 0x08020800},
	{"GetController", 0x14020401},
}

func (e *Engine) findUFunction() {
	min := e.get(offsets.UStructMinAlignment) + 4
	var samples []offsets.Sample[uint32]
	for _, f := range functionSamples {
		if obj := e.find("Function", f.name); obj != 0 {
			samples = append(samples, offsets.Sample[uint32]{Addr: obj, Want: f.flags})
		}
	}
	flags := e.set(offsets.UFunctionFlags, offsets.FindValue(e.p, samples, e.search(min, functionWindow, 4)), min)
	exec := alignUp(flags+4, e.ptr())
	e.set(offsets.UFunctionExec, e.findExec(exec), exec)
}

// findExec looks for the native thunk: executable, and different for every native function.
func (e *Engine) findExec(min int) int {
	var natives []uint64
	for _, name := range []string{"K2_GetActorLocation", "GetOwner", "GetController"} {
		if obj := e.find("Function", name); obj != 0 {
			natives = append(natives, obj)
		}
	}
	if len(natives) < 2 {
		return offsets.NotFound
	}
	s := e.search(min, min+headerWindow, e.ptr())
	return s.Run(func(off int) bool {
		seen := map[uint64]bool{}
		for _, fn := range natives {
			thunk, err := e.p.ReadPointerAt(fn, off)
			if err != nil || !e.p.IsExecutable(thunk) || seen[thunk] {
				return false
			}
			seen[thunk] = true
		}
		return true
	})
}

// findProcessEvent walks UObject's vtable for the function that tests FUNC_Native in the
// flags of the UFunction it is handed.
func (e *Engine) findProcessEvent() {
	ff, ok := e.tbl.Lookup(offsets.UFunctionFlags)
	obj := e.find("Object", "Default__Object")
	if !ok || obj == 0 {
		e.missing(offsets.UObjectProcessEventIndex)
		return
	}
	vft, err := e.p.ReadPointer(obj)
	if err != nil {
		e.missing(offsets.UObjectProcessEventIndex)
		return
	}
	mode := 64
	if e.p.Is32Bit() {
		mode = 32
	}
	_, idx, found := e.p.IterateVTableFunctions(vft, func(fn uint64, code []byte) bool {
		return testsNativeFlag(code, mode, ff)
	}, maxVTableEntries)
	if !found {
		e.missing(offsets.UObjectProcessEventIndex)
		return
	}
	e.set(offsets.UObjectProcessEventIndex, idx, idx)
}

// testsNativeFlag matches `test dword ptr [reg+FunctionFlags], 400h` and the byte form
// `test byte ptr [reg+FunctionFlags+1], 4` in a function's first instructions.
func testsNativeFlag(code []byte, mode int, flagsOff int) bool {
	for _, inst := range memory.DecodeAll(code, mode, prologueInsts) {
		if inst.Op != x86asm.TEST {
			continue
		}
		m, ok := inst.Args[0].(x86asm.Mem)
		if !ok || m.Base == 0 || m.Base == x86asm.RIP {
			continue
		}
		imm, ok := inst.Args[1].(x86asm.Imm)
		if !ok {
			continue
		}
		switch {
		case m.Disp == int64(flagsOff) && imm == funcNative:
			return true
		case m.Disp == int64(flagsOff)+1 && imm == funcNative>>8:
			return true
		}
	}
	return false
}

// findLevelActors looks for an actor array on the persistent level whose first actor is the
// level's WorldSettings.
func (e *Engine) findLevelActors() {
	min := e.get(offsets.UObjectOuter) + e.ptr()
	level := e.instance("Level")
	settings := e.instance("WorldSettings")
	if level == 0 || settings == 0 {
		e.set(offsets.ULevelActors, offsets.NotFound, min)
		return
	}
	s := e.search(min, min+2*structWindow, e.ptr())
	off := s.Run(func(off int) bool {
		data, num, max, ok := e.tarray(level, off)
		if !ok || num <= 0 || num > max || !e.p.IsReadable(data, int(num)*e.ptr()) {
			return false
		}
		first, err := e.p.ReadPointer(data)
		return err == nil && first == settings
	})
	e.set(offsets.ULevelActors, off, min)
}

// instance is the first object of className that is not its class default object.
func (e *Engine) instance(className string) uint64 {
	for _, obj := range e.v.FindObjects(className) {
		if !strings.HasPrefix(e.v.Name(obj), "Default__") {
			return obj
		}
	}
	return 0
}

// findDataTableRowMap looks for the row map of DT_Items by its two row names.
func (e *Engine) findDataTableRowMap() {
	min := e.get(offsets.UObjectOuter) + e.ptr()
	table := e.instance("DataTable")
	if table == 0 {
		e.set(offsets.UDataTableRowMap, offsets.NotFound, min+e.ptr())
		return
	}
	elem := alignUp(e.tbl.Features.FNameSize, e.ptr()) + 2*e.ptr()
	s := e.search(min, min+structWindow, e.ptr())
	off := s.Run(func(off int) bool {
		data, ok := e.plausibleArray(table, off, 2, elem)
		if !ok {
			return false
		}
		first, ok1 := e.v.ReadFName(data)
		second, ok2 := e.v.ReadFName(data + uint64(elem))
		return ok1 && ok2 && first == "Sword" && second == "Shield"
	})
	e.set(offsets.UDataTableRowMap, off, min+e.ptr())
}
