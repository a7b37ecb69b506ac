/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

package finder

import (
	"strings"

	"github.com/mandiant/UEReSym/memory"
	"github.com/mandiant/UEReSym/offsets"
)

const (
	structWindow = 0x80
	classWindow  = 0x200
	// FField owner pointers sit somewhere in the first bytes of the record
	fieldOwnerWindow = 0x30
)

func (e *Engine) findUStruct() {
	ptr := e.ptr()
	next := e.get(offsets.UFieldNext)
	super := e.set(offsets.UStructSuper, e.findSuper(next+ptr), next+ptr)
	children := e.set(offsets.UStructChildren, e.findChildren(super+ptr), super+ptr)

	if off := e.findChildProperties(children + ptr); off != offsets.NotFound {
		e.set(offsets.UStructChildProperties, off, off)
		e.tbl.Features.UseFProperty = true
		return
	}
	e.log.Warnf("no FField chain on structs, properties are UObjects")
	e.tbl.Features.UseFProperty = false
	e.absent(offsets.UStructChildProperties)
}

func (e *Engine) findSuper(min int) int {
	samples := ptrSamples(
		e.find("Class", "Struct"), e.find("Class", "Field"),
		e.find("Class", "Class"), e.find("Class", "Struct"),
	)
	return offsets.FindPointer(e.p, samples, e.search(min, structWindow, e.ptr(), offsets.UFieldNext))
}

// findChildren accepts a pointer to a member whose Outer is the struct that holds it: a
// function, or a property on builds without FField.
func (e *Engine) findChildren(min int) int {
	owners := []uint64{e.find("Class", "Actor"), e.find("Class", "Pawn")}
	for _, o := range owners {
		if o == 0 {
			return offsets.NotFound
		}
	}
	s := e.search(min, min+3*e.ptr(), e.ptr())
	return s.Run(func(off int) bool {
		for _, owner := range owners {
			child, err := e.p.ReadPointerAt(owner, off)
			if err != nil || !e.objs.Contains(child) {
				return false
			}
			cls := e.v.ClassName(child)
			if cls != "Function" && !strings.HasSuffix(cls, "Property") {
				return false
			}
			if e.v.Outer(child) != owner {
				return false
			}
		}
		return true
	})
}

// findChildProperties accepts a pointer to a record outside the object array that points back
// at the struct within its first few fields.
func (e *Engine) findChildProperties(min int) int {
	owners := []uint64{e.find("ScriptStruct", "Vector"), e.find("ScriptStruct", "Guid")}
	for _, o := range owners {
		if o == 0 {
			return offsets.NotFound
		}
	}
	ptr := e.ptr()
	s := e.search(min, min+2*ptr, ptr, offsets.UStructChildren)
	return s.Run(func(off int) bool {
		for _, owner := range owners {
			field, err := e.p.ReadPointerAt(owner, off)
			if err != nil || !e.p.IsReadable(field, fieldOwnerWindow) || e.objs.Contains(field) {
				return false
			}
			if e.ownerSlot(field, owner) == offsets.NotFound {
				return false
			}
		}
		return true
	})
}

func (e *Engine) ownerSlot(field, owner uint64) int {
	for k := e.ptr(); k < fieldOwnerWindow; k += e.ptr() {
		if v, err := e.p.ReadPointerAt(field, k); err == nil && v == owner {
			return k
		}
	}
	return offsets.NotFound
}

// findStructSize runs once the element size is known, which gives the size of Vector.
func (e *Engine) findStructSize() {
	ptr := e.ptr()
	min := e.get(offsets.UStructChildren) + ptr
	if off, ok := e.tbl.Lookup(offsets.UStructChildProperties); ok {
		min = off + ptr
	}
	vector := e.find("ScriptStruct", "Vector")
	guid := e.find("ScriptStruct", "Guid")
	es := 4
	if e.tbl.Features.LargeWorldCoordinates {
		es = 8
	}
	var samples []offsets.Sample[int32]
	if vector != 0 && guid != 0 {
		samples = []offsets.Sample[int32]{{Addr: guid, Want: 16}, {Addr: vector, Want: int32(3 * es)}}
	}
	size := e.set(offsets.UStructSize, offsets.FindValue(e.p, samples, e.search(min, min+headerWindow, 4)), min)

	align := e.fixed(offsets.UStructMinAlignment, size+4)
	if guid != 0 {
		if v, err := memory.ReadAt[int32](e.p, guid, align); err != nil || v != 4 {
			e.log.Warnf("%s at %#x reads %d for Guid, want 4", offsets.UStructMinAlignment, align, v)
		}
	}
}

func (e *Engine) findUClass() {
	ptr := e.ptr()
	min := alignUp(e.get(offsets.UStructMinAlignment)+4, 8)
	samples := []offsets.Sample[uint64]{}
	for _, c := range []struct {
		name string
		want uint64
	}{
		{"Class", 0x29},
		{"Struct", 0x9},
		{"Function", 0x80009},
		{"Package", 0x400000000},
	} {
		if obj := e.find("Class", c.name); obj != 0 {
			samples = append(samples, offsets.Sample[uint64]{Addr: obj, Want: c.want})
		}
	}
	cast := e.set(offsets.UClassCastFlags, offsets.FindValue(e.p, samples, e.search(min, classWindow, 8)), min)

	cdo := e.set(offsets.UClassDefaultObject, e.findDefaultObject(cast+8), cast+8)
	e.set(offsets.UClassImplementedInterfaces, e.findInterfaces(cdo+ptr), cdo+ptr)
}

func (e *Engine) findDefaultObject(min int) int {
	samples := ptrSamples(
		e.find("Class", "Object"), e.find("Object", "Default__Object"),
		e.find("Class", "Actor"), e.find("Actor", "Default__Actor"),
	)
	return offsets.FindPointer(e.p, samples, e.search(min, min+0x100, e.ptr()))
}

// findInterfaces looks for the FImplementedInterface array: Pawn implements exactly
// NavAgentInterface, Object nothing.
func (e *Engine) findInterfaces(min int) int {
	pawn := e.find("Class", "Pawn")
	object := e.find("Class", "Object")
	nav := e.find("Class", "NavAgentInterface")
	if pawn == 0 || object == 0 || nav == 0 {
		return offsets.NotFound
	}
	elem := 2 * e.ptr()
	s := e.search(min, min+0x120, e.ptr())
	return s.Run(func(off int) bool {
		data, ok := e.plausibleArray(pawn, off, 1, elem)
		if !ok {
			return false
		}
		if first, err := e.p.ReadPointer(data); err != nil || first != nav {
			return false
		}
		_, ok = e.plausibleArray(object, off, 0, elem)
		return ok
	})
}

// findUEnum looks for the name/value pair array of two enums with known entries.
func (e *Engine) findUEnum() {
	ptr := e.ptr()
	min := e.get(offsets.UFieldNext) + ptr
	pair := alignUp(e.tbl.Features.FNameSize, ptr) + 8
	enums := []struct {
		obj   uint64
		n     int
		first string
	}{
		{e.find("Enum", "ENetRole"), 5, "ROLE_None"},
		{e.find("Enum", "EMovementMode"), 8, "MOVE_None"},
	}
	for _, en := range enums {
		if en.obj == 0 {
			e.set(offsets.UEnumNames, offsets.NotFound, min+0x10)
			return
		}
	}
	s := e.search(min, min+headerWindow, ptr)
	off := s.Run(func(off int) bool {
		for _, en := range enums {
			data, ok := e.plausibleArray(en.obj, off, en.n, pair)
			if !ok {
				return false
			}
			if name, ok := e.v.ReadFName(data); !ok || name != en.first {
				return false
			}
		}
		return true
	})
	e.set(offsets.UEnumNames, off, min+0x10)
}
