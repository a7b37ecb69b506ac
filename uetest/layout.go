/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

package uetest

import "github.com/mandiant/UEReSym/offsets"

// shape is where every field of the fabricated build lives. Everything is derived from the
// FName size, which is what the build options change.
type shape struct {
	fnameSize int
	// shift of everything behind UObject.Name: 0, or 8 when a 12-byte FName pads to 16
	d int
	// shift inside FFieldClass behind its leading FName
	dfc int

	fieldFlags int
	fieldEnd   int
	propBase   int
	propSize   int

	pairSize    int // UEnum name/value pair
	rowElemSize int // UDataTable row map element

	uobjectSize  int
	packageSize  int
	classSize    int
	structSize   int
	functionSize int
	enumSize     int
	levelSize    int
	tableSize    int
	cdoSize      int
	fieldClassSz int
}

func align(v, a int) int { return (v + a - 1) / a * a }

func newShape(opts Options) shape {
	s := shape{fnameSize: 8}
	switch {
	case opts.CasePreservingName && opts.OutlineNumbers:
		s.fnameSize = 8
	case opts.CasePreservingName:
		s.fnameSize = 12
	case opts.OutlineNumbers:
		s.fnameSize = 4
	}
	slot := align(s.fnameSize, 8)
	s.d = slot - 8
	s.dfc = slot - 8

	s.fieldFlags = 0x28 + s.fnameSize
	s.fieldEnd = align(s.fieldFlags+4, 8)
	if opts.UProperty {
		s.propBase = 0x30 + s.d
	} else {
		s.propBase = s.fieldEnd
	}
	s.propSize = s.propBase + 0x18 + slot + 0x20

	s.pairSize = slot + 8
	s.rowElemSize = slot + 0x10

	s.uobjectSize = 0x28 + s.d
	s.packageSize = 0x80 + s.d
	s.classSize = 0x230 + s.d
	s.structSize = 0xC0 + s.d
	s.functionSize = 0xE0 + s.d
	s.enumSize = 0x60 + s.d
	s.levelSize = 0x100 + s.d
	s.tableSize = 0x80 + s.d
	s.cdoSize = 0x40 + s.d
	s.fieldClassSz = 0x40 + s.dfc
	return s
}

// truth is the offset table discovery is expected to produce for opts.
func (s shape) truth(opts Options) map[string]int {
	d := s.d
	t := map[string]int{
		offsets.UObjectFlags:             0x08,
		offsets.UObjectIndex:             0x0C,
		offsets.UObjectClass:             0x10,
		offsets.UObjectName:              0x18,
		offsets.UObjectOuter:             0x20 + d,
		offsets.UObjectProcessEventIndex: ProcessEventIndex,
		offsets.FNameComparisonIndex:     0,
		offsets.FNameNumber:              4,

		offsets.UFieldNext:             0x28 + d,
		offsets.UStructSuper:           0x40 + d,
		offsets.UStructChildren:        0x48 + d,
		offsets.UStructChildProperties: 0x50 + d,
		offsets.UStructSize:            0x58 + d,
		offsets.UStructMinAlignment:    0x5C + d,

		offsets.UClassCastFlags:             0xD8 + d,
		offsets.UClassDefaultObject:         0x110 + d,
		offsets.UClassImplementedInterfaces: 0x1D0 + d,

		offsets.UEnumNames: 0x40 + d,

		offsets.UFunctionFlags: 0xB0 + d,
		offsets.UFunctionExec:  0xD8 + d,

		offsets.FFieldClass: 0x08,
		offsets.FFieldOwner: 0x10,
		offsets.FFieldNext:  0x20,
		offsets.FFieldName:  0x28,
		offsets.FFieldFlags: s.fieldFlags,

		offsets.FFieldClassName:       0,
		offsets.FFieldClassId:         0x08 + s.dfc,
		offsets.FFieldClassCastFlags:  0x10 + s.dfc,
		offsets.FFieldClassClassFlags: 0x18 + s.dfc,
		offsets.FFieldClassSuper:      0x20 + s.dfc,

		offsets.FPropertyArrayDim:      s.propBase,
		offsets.FPropertyElementSize:   s.propBase + 4,
		offsets.FPropertyPropertyFlags: s.propBase + 8,
		offsets.FPropertyOffset:        s.propBase + 0x14,
		offsets.FPropertySize:          s.propSize,

		offsets.ULevelActors:     0x98 + d,
		offsets.UDataTableRowMap: 0x30 + d,
	}
	switch {
	case opts.OutlineNumbers:
		t[offsets.FNameNumber] = offsets.NotFound
	case opts.CasePreservingName:
		t[offsets.FNameNumber] = 8
	}

	ps := s.propSize
	for name, off := range map[string]int{
		offsets.ObjectPropertyClass:       ps,
		offsets.ClassPropertyMetaClass:    ps + 8,
		offsets.StructPropertyStruct:      ps,
		offsets.ArrayPropertyInner:        ps,
		offsets.EnumPropertyUnderlying:    ps,
		offsets.EnumPropertyEnum:          ps + 8,
		offsets.BytePropertyEnum:          ps,
		offsets.MapPropertyKey:            ps,
		offsets.MapPropertyValue:          ps + 8,
		offsets.SetPropertyElement:        ps,
		offsets.DelegatePropertySignature: ps,
		offsets.BoolPropertyFieldSize:     ps,
		offsets.BoolPropertyByteOffset:    ps + 1,
		offsets.BoolPropertyByteMask:      ps + 2,
		offsets.BoolPropertyFieldMask:     ps + 3,
	} {
		t[name] = off
	}

	if opts.UProperty {
		for _, name := range []string{
			offsets.UStructChildProperties,
			offsets.FFieldClass, offsets.FFieldOwner, offsets.FFieldNext, offsets.FFieldName, offsets.FFieldFlags,
			offsets.FFieldClassName, offsets.FFieldClassId, offsets.FFieldClassCastFlags,
			offsets.FFieldClassClassFlags, offsets.FFieldClassSuper,
		} {
			t[name] = offsets.NotFound
		}
	}
	return t
}

func (s shape) features(opts Options) offsets.Features {
	return offsets.Features{
		ChunkedObjectArray:    !opts.FlatObjectArray,
		NamePool:              !opts.LegacyNames,
		UseFProperty:          !opts.UProperty,
		OutlineNumber:         opts.OutlineNumbers,
		CasePreservingName:    opts.CasePreservingName,
		LargeWorldCoordinates: opts.LargeWorldCoordinates,
		FNameSize:             s.fnameSize,
	}
}
