/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

package layout

import (
	"github.com/mandiant/UEReSym/memory"
	"github.com/mandiant/UEReSym/objects"
	"github.com/mandiant/UEReSym/offsets"
)

// enums with more entries than this are treated as unreadable
const maxEnumValues = 0x4000

// EnumInfo is the inferred underlying size of one enum.
type EnumInfo struct {
	Path   string
	Values int
	Max    int64
	Size   int
}

// sizeFor is the smallest unsigned integer size that holds v.
func sizeFor(v int64) int {
	switch {
	case v < 0 || v > 0xFFFFFFFF:
		return 8
	case v > 0xFFFF:
		return 4
	case v > 0xFF:
		return 2
	}
	return 1
}

// Enums sizes every enum in the object array from its largest value, then widens it to the
// element size of any byte or enum property that stores it.
func Enums(v *objects.View, objs objects.Source) []*EnumInfo {
	var out []*EnumInfo
	byAddr := map[uint64]*EnumInfo{}
	var structs []uint64
	for i, n := 0, objs.Num(); i < n; i++ {
		obj := objs.ObjectAt(i)
		if obj == 0 {
			continue
		}
		switch {
		case v.ClassName(obj) == "Enum":
			if e, ok := readEnum(v, obj); ok {
				byAddr[obj] = e
				out = append(out, e)
			}
		case v.IsA(obj, "Struct"):
			structs = append(structs, obj)
		}
	}

	for _, s := range structs {
		for _, p := range v.Properties(s) {
			var enum uint64
			switch v.PropertyClassName(p) {
			case "ByteProperty":
				enum = v.Pointer(p, offsets.BytePropertyEnum)
			case "EnumProperty":
				enum = v.Pointer(p, offsets.EnumPropertyEnum)
			default:
				continue
			}
			e, ok := byAddr[enum]
			if !ok {
				continue
			}
			if size, ok := v.Int32(p, offsets.FPropertyElementSize); ok && int(size) > e.Size && size <= 8 {
				e.Size = int(size)
			}
		}
	}
	return out
}

func readEnum(v *objects.View, obj uint64) (*EnumInfo, bool) {
	off, ok := v.Offsets.Lookup(offsets.UEnumNames)
	if !ok {
		return nil, false
	}
	ptr := v.P.PointerSize()
	data, err := v.P.ReadPointerAt(obj, off)
	if err != nil {
		return nil, false
	}
	num, err := memory.ReadAt[int32](v.P, obj, off+ptr)
	if err != nil || num < 0 || num > maxEnumValues {
		return nil, false
	}
	fname := v.Offsets.Features.FNameSize
	pair := (fname+ptr-1)/ptr*ptr + 8
	e := &EnumInfo{Path: v.Path(obj), Values: int(num), Size: 1}
	for i := 0; i < int(num); i++ {
		val, err := memory.ReadAt[int64](v.P, data, i*pair+pair-8)
		if err != nil {
			return nil, false
		}
		if i == 0 || val > e.Max {
			e.Max = val
		}
	}
	e.Size = sizeFor(e.Max)
	return e, true
}
