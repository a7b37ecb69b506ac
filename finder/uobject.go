/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

package finder

import (
	"github.com/mandiant/UEReSym/memory"
	"github.com/mandiant/UEReSym/offsets"
)

// RF_Public | RF_Standalone | RF_MarkAsNative, carried by everything loaded from native code
const nativeFlags = 0x43

const (
	headerWindow = 0x40
	// reads closer than this to the end of a page are skipped by the Name statistics
	pageSize = 0x1000
	// a comparison index below this counts as suspiciously small
	smallIndex = 0x10
)

func (e *Engine) findUObject() {
	ptr := e.ptr()
	flags := e.set(offsets.UObjectFlags, e.findFlags(), ptr)
	index := e.set(offsets.UObjectIndex, e.findIndex(), flags+4)
	class := e.set(offsets.UObjectClass, e.findClass(), alignUp(index+4, ptr))

	name := class + ptr
	e.tbl.Features.FNameSize = e.findFNameSize(name)
	e.fixed(offsets.FNameComparisonIndex, 0)
	switch {
	case e.tbl.Features.OutlineNumber:
		e.absent(offsets.FNameNumber)
	case e.tbl.Features.FNameSize == 12:
		e.fixed(offsets.FNameNumber, 8)
	default:
		e.fixed(offsets.FNameNumber, 4)
	}
	slot := alignUp(e.tbl.Features.FNameSize, ptr)
	name = e.set(offsets.UObjectName, e.findName(name, slot), name)
	outer := e.set(offsets.UObjectOuter, e.findOuter(name+slot), name+slot)
	e.set(offsets.UFieldNext, e.findNext(outer+ptr), outer+ptr)
}

func (e *Engine) sample() []uint64 {
	n := e.objs.Num()
	if n > e.cfg.FlagsSample {
		n = e.cfg.FlagsSample
	}
	out := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		if obj := e.objs.ObjectAt(i); obj != 0 {
			out = append(out, obj)
		}
	}
	return out
}

// findFlags takes the first offset at which enough of the leading objects carry the native
// flags. Flags differ between objects, so a quorum decides rather than unanimity.
func (e *Engine) findFlags() int {
	objs := e.sample()
	if len(objs) == 0 {
		return offsets.NotFound
	}
	s := offsets.Search{Min: e.ptr(), Max: headerWindow, Step: 4, Policy: offsets.PolicyFirst}
	return s.Run(func(off int) bool {
		hits := 0
		for _, obj := range objs {
			if v, err := memory.ReadAt[uint32](e.p, obj, off); err == nil && v&nativeFlags == nativeFlags {
				hits++
			}
		}
		return hits*0x100 >= e.cfg.FlagsQuorum*len(objs)
	})
}

// findIndex looks for two objects' own slot numbers.
func (e *Engine) findIndex() int {
	n := e.objs.Num()
	var samples []offsets.Sample[int32]
	for _, i := range []int{n / 3, 2 * n / 3} {
		if obj := e.objs.ObjectAt(i); obj != 0 {
			samples = append(samples, offsets.Sample[int32]{Addr: obj, Want: int32(i)})
		}
	}
	return offsets.FindValue(e.p, samples, e.search(e.ptr(), headerWindow, 4, offsets.UObjectFlags))
}

// findClass accepts an offset when following it from two different objects ends, within the
// hop limit, in the same object whose class is itself: the class of all classes.
func (e *Engine) findClass() int {
	var roots []uint64
	for i := 0; i < e.objs.Num() && len(roots) < 2; i++ {
		if obj := e.objs.ObjectAt(i); obj != 0 && (len(roots) == 0 || roots[0] != obj) {
			roots = append(roots, obj)
		}
	}
	if len(roots) < 2 {
		return offsets.NotFound
	}
	s := e.search(e.ptr(), headerWindow, e.ptr(), offsets.UObjectFlags, offsets.UObjectIndex)
	return s.Run(func(off int) bool {
		a, ok1 := e.classFixedPoint(roots[0], off)
		b, ok2 := e.classFixedPoint(roots[1], off)
		return ok1 && ok2 && a == b
	})
}

// classFixedPoint follows off from obj until a pointer refers to itself. A null or unreadable
// pointer anywhere on the way fails the walk.
func (e *Engine) classFixedPoint(obj uint64, off int) (uint64, bool) {
	cur := obj
	for i := 0; i < e.cfg.MaxClassHops; i++ {
		next, err := e.p.ReadPointerAt(cur, off)
		if err != nil || next == 0 || !e.p.IsValidPointer(next) {
			return 0, false
		}
		if next == cur {
			return cur, true
		}
		cur = next
	}
	return 0, false
}

// findFNameSize measures the gap between the start of the Name field and the Outer pointer
// that follows it. A gap of two pointers means the 12-byte case-preserving FName.
func (e *Engine) findFNameSize(name int) int {
	objs := e.sample()
	for _, gap := range []int{8, 16} {
		if e.looksLikeOuter(objs, name+gap) {
			switch {
			case gap == 16:
				return 12
			case e.tbl.Features.OutlineNumber:
				return 4
			}
			return 8
		}
	}
	e.log.Warnf("no Outer behind Name at %#x, assuming an 8-byte FName", name)
	return 8
}

// looksLikeOuter: every value is null or a live object, and at least half are not null.
func (e *Engine) looksLikeOuter(objs []uint64, off int) bool {
	if len(objs) == 0 {
		return false
	}
	nonNull := 0
	for _, obj := range objs {
		v, err := e.p.ReadPointerAt(obj, off)
		if err != nil {
			return false
		}
		if v == 0 {
			continue
		}
		if !e.objs.Contains(v) {
			return false
		}
		nonNull++
	}
	return 2*nonNull >= len(objs)
}

// findName scores every 4-byte position inside the Name slot by the comparison indices the
// whole population holds there: their average must fall inside the band, few may be tiny and
// almost none may be invalid. If several positions pass the first wins.
func (e *Engine) findName(start, slot int) int {
	high := e.cfg.NameBandHigh
	if high <= 0 {
		high = int(e.names.MaxIndex())
	}
	low := e.cfg.NameBandLow

	s := offsets.Search{Min: start, Max: start + slot, Step: 4, Policy: offsets.PolicyLowest}
	candidates := s.Candidates(func(off int) bool {
		var total uint64
		count, small, invalid := 0, 0, 0
		for i, n := 0, e.objs.Num(); i < n; i++ {
			obj := e.objs.ObjectAt(i)
			if obj == 0 || (obj+uint64(off))%pageSize > pageSize-4 {
				continue
			}
			v, err := memory.ReadAt[uint32](e.p, obj, off)
			if err != nil {
				continue
			}
			count++
			total += uint64(v)
			if v < smallIndex {
				small++
			}
			if !e.names.IsValidIndex(v) {
				invalid++
			}
		}
		if count == 0 {
			return false
		}
		avg := total / uint64(count)
		return avg >= uint64(low) && avg <= uint64(high) && small*8 <= count && invalid*0x40 <= count
	})
	if len(candidates) > 1 {
		e.log.Warnf("%d candidates for %s, keeping %#x", len(candidates), offsets.UObjectName, candidates[0])
	}
	return s.Pick(candidates)
}

func (e *Engine) findOuter(min int) int {
	core := e.find("Package", "/Script/CoreUObject")
	samples := ptrSamples(
		e.find("Class", "Object"), core,
		e.find("ScriptStruct", "Vector"), core,
	)
	s := e.search(min, min+2*headerWindow, e.ptr(), offsets.UObjectClass, offsets.UObjectName)
	return offsets.FindPointer(e.p, samples, s)
}

// findNext looks for the link between functions declared one after the other.
func (e *Engine) findNext(min int) int {
	samples := ptrSamples(
		e.find("Function", "K2_GetActorLocation"), e.find("Function", "ReceiveBeginPlay"),
		e.find("Function", "GetController"), e.find("Function", "ReceiveRestart"),
	)
	s := e.search(min, min+headerWindow, e.ptr(), offsets.UObjectClass, offsets.UObjectName, offsets.UObjectOuter)
	return offsets.FindPointer(e.p, samples, s)
}
