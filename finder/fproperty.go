/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

package finder

import (
	"strings"

	"github.com/mandiant/UEReSym/memory"
	"github.com/mandiant/UEReSym/offsets"
)

const (
	// CPF_Edit | CPF_BlueprintVisible | CPF_ZeroConstructor | CPF_IsPlainOldData
	propertyFlagsMask = 0x40000205

	fieldWindow    = 0x40
	propertyWindow = 0x30
)

var fieldClassFields = []string{
	offsets.FFieldClassName,
	offsets.FFieldClassId,
	offsets.FFieldClassCastFlags,
	offsets.FFieldClassClassFlags,
	offsets.FFieldClassSuper,
}

// member is the property name of the struct at path, or 0.
func (e *Engine) member(path, name string) uint64 {
	s := e.find("", path)
	if s == 0 {
		return 0
	}
	p := e.v.FindProperty(s, name)
	if p == 0 {
		e.log.Warnf("sample property %s.%s not found", path, name)
	}
	return p
}

func (e *Engine) findProperties() {
	var base int
	if e.tbl.Features.UseFProperty {
		base = e.findFField()
	} else {
		for _, name := range []string{offsets.FFieldClass, offsets.FFieldOwner, offsets.FFieldNext, offsets.FFieldName, offsets.FFieldFlags} {
			e.absent(name)
		}
		for _, name := range fieldClassFields {
			e.absent(name)
		}
		// UProperty is a UField
		base = e.get(offsets.UFieldNext) + e.ptr()
	}
	e.findFProperty(base)
}

// findFField resolves the FField header and returns where FProperty's own fields begin.
func (e *Engine) findFField() int {
	ptr := e.ptr()
	vector := e.find("ScriptStruct", "Vector")
	guid := e.find("ScriptStruct", "Guid")
	x := e.v.Pointer(vector, offsets.UStructChildProperties)
	a := e.v.Pointer(guid, offsets.UStructChildProperties)

	owner := offsets.FindPointer(e.p, ptrSamples(x, vector, a, guid), e.search(ptr, fieldOwnerWindow, ptr))
	owner = e.set(offsets.FFieldOwner, owner, 2*ptr)

	heads := []uint64{x, a}
	class := e.search(ptr, fieldOwnerWindow, ptr, offsets.FFieldOwner).Run(func(off int) bool {
		for _, h := range heads {
			fc, err := e.p.ReadPointerAt(h, off)
			if err != nil || !e.p.IsValidPointer(fc) {
				return false
			}
			if name, ok := e.v.ReadFName(fc); !ok || !strings.HasSuffix(name, "Property") {
				return false
			}
		}
		return true
	})
	e.set(offsets.FFieldClass, class, ptr)

	chains := []struct {
		head  uint64
		names []string
	}{
		{x, []string{"X", "Y", "Z"}},
		{a, []string{"A", "B", "C", "D"}},
	}
	next := e.search(ptr, fieldWindow, ptr, offsets.FFieldClass, offsets.FFieldOwner).Run(func(off int) bool {
		for _, c := range chains {
			if n, ok := e.chainLen(c.head, off); !ok || n != len(c.names) {
				return false
			}
		}
		return true
	})
	next = e.set(offsets.FFieldNext, next, owner+2*ptr)

	s := e.search(ptr, fieldWindow, 4, offsets.FFieldClass, offsets.FFieldOwner, offsets.FFieldNext)
	s.Policy = offsets.PolicyLowest
	name := s.Run(func(off int) bool {
		for _, c := range chains {
			f := c.head
			for _, want := range c.names {
				if got, ok := e.v.ReadFName(f + uint64(off)); !ok || got != want {
					return false
				}
				f = e.v.Pointer(f, offsets.FFieldNext)
			}
		}
		return true
	})
	name = e.set(offsets.FFieldName, name, next+ptr)
	flags := e.fixed(offsets.FFieldFlags, name+e.tbl.Features.FNameSize)

	// FFieldClass: FName, then Id, CastFlags, ClassFlags and SuperClass. Builds with the
	// 12-byte FName shift everything behind the name, which the fixup phase detects.
	e.fixed(offsets.FFieldClassName, 0)
	e.fixed(offsets.FFieldClassId, 8)
	e.fixed(offsets.FFieldClassCastFlags, 0x10)
	e.fixed(offsets.FFieldClassClassFlags, 0x18)
	e.fixed(offsets.FFieldClassSuper, 0x20)

	return alignUp(flags+4, ptr)
}

// chainLen counts the records linked through off from head. A link that is not a readable
// pointer fails the walk.
func (e *Engine) chainLen(head uint64, off int) (int, bool) {
	n := 0
	for f := head; f != 0; n++ {
		if n >= 0x400 || !e.p.IsValidPointer(f) {
			return 0, false
		}
		next, err := e.p.ReadPointerAt(f, off)
		if err != nil {
			return 0, false
		}
		f = next
	}
	return n, true
}

func int32Samples(pairs ...any) []offsets.Sample[int32] {
	var out []offsets.Sample[int32]
	for i := 0; i+1 < len(pairs); i += 2 {
		addr := pairs[i].(uint64)
		if addr == 0 {
			continue
		}
		out = append(out, offsets.Sample[int32]{Addr: addr, Want: int32(pairs[i+1].(int))})
	}
	return out
}

// findFProperty resolves the FProperty fields behind base and the property subclass layout.
func (e *Engine) findFProperty(base int) {
	ptr := e.ptr()
	x, y, z := e.member("/Script/CoreUObject.Vector", "X"), e.member("/Script/CoreUObject.Vector", "Y"), e.member("/Script/CoreUObject.Vector", "Z")
	a, b := e.member("/Script/CoreUObject.Guid", "A"), e.member("/Script/CoreUObject.Guid", "B")
	c, d := e.member("/Script/CoreUObject.Guid", "C"), e.member("/Script/CoreUObject.Guid", "D")
	lo := e.member("/Script/CoreUObject.Box", "Min")
	valid := e.member("/Script/CoreUObject.Box", "IsValid")

	// both float widths are tried; a double Vector means large world coordinates
	es := 4
	window := e.search(base, base+propertyWindow, 4)
	elemSize := offsets.NotFound
	for _, width := range []int{4, 8} {
		elemSize = offsets.FindValue(e.p, int32Samples(x, width, a, 4, lo, 3*width, valid, 1), window)
		if elemSize != offsets.NotFound {
			es = width
			break
		}
	}
	e.tbl.Features.LargeWorldCoordinates = es == 8
	elemSize = e.set(offsets.FPropertyElementSize, elemSize, base+4)

	dim := offsets.FindValue(e.p, int32Samples(x, 1, a, 1), e.search(base, elemSize, 4))
	e.set(offsets.FPropertyArrayDim, dim, elemSize-4)

	pfMin := alignUp(elemSize+4, 8)
	props := []uint64{x, a, lo, valid}
	pf := e.search(pfMin, pfMin+propertyWindow, 8).Run(func(off int) bool {
		for _, p := range props {
			if p == 0 {
				return false
			}
			v, err := memory.ReadAt[uint64](e.p, p, off)
			if err != nil || v&propertyFlagsMask != propertyFlagsMask {
				return false
			}
		}
		return true
	})
	pf = e.set(offsets.FPropertyPropertyFlags, pf, pfMin)

	offSamples := int32Samples(y, es, z, 2*es, b, 4, c, 8, d, 0xC)
	offset := offsets.FindValue(e.p, offSamples, e.search(pf+8, pf+8+propertyWindow, 4, offsets.FPropertyPropertyFlags))
	offset = e.set(offsets.FPropertyOffset, offset, pf+0xC)

	actor := e.find("Class", "Actor")
	pawn := e.find("Class", "Pawn")
	classMin := alignUp(offset+4, ptr)
	classSamples := ptrSamples(
		e.member("/Script/Engine.Actor", "Owner"), actor,
		e.member("/Script/Engine.Actor", "Instigator"), pawn,
		e.member("/Script/Engine.Pawn", "Controller"), actor,
	)
	ps := offsets.FindPointer(e.p, classSamples, e.search(classMin, offset+0x3C, ptr))
	ps = e.set(offsets.FPropertySize, ps, classMin+0x28)
	e.setSubclasses(ps)

	if lo != 0 {
		if got := e.v.Pointer(lo, offsets.StructPropertyStruct); got != e.find("ScriptStruct", "Vector") {
			e.log.Warnf("%s at %#x does not lead from Box.Min to Vector", offsets.StructPropertyStruct, ps)
		}
	}
}

// setSubclasses lays out the property subclasses, which all start right behind FProperty.
func (e *Engine) setSubclasses(ps int) {
	ptr := e.ptr()
	for _, f := range []struct {
		name string
		off  int
	}{
		{offsets.ObjectPropertyClass, ps},
		{offsets.ClassPropertyMetaClass, ps + ptr},
		{offsets.StructPropertyStruct, ps},
		{offsets.ArrayPropertyInner, ps},
		{offsets.EnumPropertyUnderlying, ps},
		{offsets.EnumPropertyEnum, ps + ptr},
		{offsets.BytePropertyEnum, ps},
		{offsets.MapPropertyKey, ps},
		{offsets.MapPropertyValue, ps + ptr},
		{offsets.SetPropertyElement, ps},
		{offsets.DelegatePropertySignature, ps},
		{offsets.BoolPropertyFieldSize, ps},
		{offsets.BoolPropertyByteOffset, ps + 1},
		{offsets.BoolPropertyByteMask, ps + 2},
		{offsets.BoolPropertyFieldMask, ps + 3},
	} {
		e.fixed(f.name, f.off)
	}
}
