/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

package objects

import (
	"strings"
	"sync"

	"github.com/mandiant/UEReSym/memory"
	"github.com/mandiant/UEReSym/offsets"
)

// Source is anything that can hand out live objects by slot. *Table is one.
type Source interface {
	Num() int
	ObjectAt(i int) uint64
}

// NameResolver turns an FName's two halves into text.
type NameResolver interface {
	Name(comparisonIndex, number uint32) (string, error)
}

const (
	// chain walks give up after this many links
	maxChain = 0x400
	maxOuter = 0x20
)

// View reads reflected objects through whatever part of the offset table is resolved so far.
// Accessors whose field is still unresolved return zero values.
type View struct {
	P       *memory.Process
	Objects Source
	Offsets *offsets.Table
	Names   NameResolver

	mu    sync.Mutex
	found map[string]uint64
}

func NewView(p *memory.Process, objs Source, tbl *offsets.Table, names NameResolver) *View {
	return &View{P: p, Objects: objs, Offsets: tbl, Names: names, found: make(map[string]uint64)}
}

func (v *View) each(fn func(obj uint64) bool) {
	for i, n := 0, v.Objects.Num(); i < n; i++ {
		if obj := v.Objects.ObjectAt(i); obj != 0 && !fn(obj) {
			return
		}
	}
}

// Pointer reads the pointer-sized field at addr+offset(field).
func (v *View) Pointer(addr uint64, field string) uint64 {
	off, ok := v.Offsets.Lookup(field)
	if !ok || addr == 0 {
		return 0
	}
	ptr, err := v.P.ReadPointerAt(addr, off)
	if err != nil {
		return 0
	}
	return ptr
}

func (v *View) Int32(addr uint64, field string) (int32, bool) {
	off, ok := v.Offsets.Lookup(field)
	if !ok || addr == 0 {
		return 0, false
	}
	val, err := memory.ReadAt[int32](v.P, addr, off)
	return val, err == nil
}

func (v *View) offsetOr(field string, def int) int {
	if off, ok := v.Offsets.Lookup(field); ok {
		return off
	}
	return def
}

// numberOffset is where FName.Number sits, or NotFound when numbers live in the name entry.
func (v *View) numberOffset() int {
	if off, ok := v.Offsets.Lookup(offsets.FNameNumber); ok {
		return off
	}
	f := v.Offsets.Features
	switch {
	case f.OutlineNumber:
		return offsets.NotFound
	case f.FNameSize == 12 || f.CasePreservingName:
		return 8
	}
	return 4
}

// ReadFName decodes the FName stored at addr.
func (v *View) ReadFName(addr uint64) (string, bool) {
	if v.Names == nil {
		return "", false
	}
	comp, err := memory.ReadAt[uint32](v.P, addr, v.offsetOr(offsets.FNameComparisonIndex, 0))
	if err != nil {
		return "", false
	}
	var number uint32
	if off := v.numberOffset(); off != offsets.NotFound {
		number, err = memory.ReadAt[uint32](v.P, addr, off)
		if err != nil {
			return "", false
		}
	}
	s, err := v.Names.Name(comp, number)
	return s, err == nil
}

// Name is the object's own name, "" if it cannot be read yet.
func (v *View) Name(obj uint64) string {
	off, ok := v.Offsets.Lookup(offsets.UObjectName)
	if !ok || obj == 0 {
		return ""
	}
	s, _ := v.ReadFName(obj + uint64(off))
	return s
}

func (v *View) Class(obj uint64) uint64 { return v.Pointer(obj, offsets.UObjectClass) }
func (v *View) Outer(obj uint64) uint64 { return v.Pointer(obj, offsets.UObjectOuter) }
func (v *View) Super(s uint64) uint64   { return v.Pointer(s, offsets.UStructSuper) }

func (v *View) ClassName(obj uint64) string { return v.Name(v.Class(obj)) }

// Package returns the outermost object in obj's outer chain.
func (v *View) Package(obj uint64) uint64 {
	for i := 0; i < maxOuter; i++ {
		outer := v.Outer(obj)
		if outer == 0 {
			return obj
		}
		obj = outer
	}
	return 0
}

// Path is the object's dotted path from its package, e.g. "/Script/CoreUObject.Object".
func (v *View) Path(obj uint64) string {
	var parts []string
	for i := 0; obj != 0 && i < maxOuter; i++ {
		parts = append(parts, v.Name(obj))
		obj = v.Outer(obj)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, ".")
}

// FullName is "<class> <path>".
func (v *View) FullName(obj uint64) string {
	return v.ClassName(obj) + " " + v.Path(obj)
}

func (v *View) matches(obj uint64, className, name string) bool {
	if strings.ContainsAny(name, "./") {
		if v.Path(obj) != name {
			return false
		}
	} else if v.Name(obj) != name {
		return false
	}
	return className == "" || v.ClassName(obj) == className
}

// FindObject returns the first object of class className (any class when empty) whose name
// is name. A name containing '.' or '/' is matched against the full path instead.
func (v *View) FindObject(className, name string) uint64 {
	key := className + "|" + name
	v.mu.Lock()
	hit, ok := v.found[key]
	v.mu.Unlock()
	if ok {
		return hit
	}

	var obj uint64
	v.each(func(o uint64) bool {
		if v.matches(o, className, name) {
			obj = o
			return false
		}
		return true
	})
	// misses are not cached, a later offset may make the object findable
	if obj != 0 {
		v.mu.Lock()
		v.found[key] = obj
		v.mu.Unlock()
	}
	return obj
}

// FindObjects returns every object whose class is named className.
func (v *View) FindObjects(className string) []uint64 {
	var out []uint64
	v.each(func(obj uint64) bool {
		if v.ClassName(obj) == className {
			out = append(out, obj)
		}
		return true
	})
	return out
}

// IsA reports whether obj's class is className or derives from it.
func (v *View) IsA(obj uint64, className string) bool {
	for c, i := v.Class(obj), 0; c != 0 && i < maxOuter; c, i = v.Super(c), i+1 {
		if v.Name(c) == className {
			return true
		}
	}
	return false
}

func (v *View) walk(start uint64, next string) []uint64 {
	var out []uint64
	for f := start; f != 0 && len(out) < maxChain; f = v.Pointer(f, next) {
		out = append(out, f)
	}
	return out
}

// Children lists s's UField chain: functions, and properties on builds without FField.
func (v *View) Children(s uint64) []uint64 {
	return v.walk(v.Pointer(s, offsets.UStructChildren), offsets.UFieldNext)
}

// Properties lists the properties declared directly on s.
func (v *View) Properties(s uint64) []uint64 {
	if v.Offsets.Features.UseFProperty {
		return v.walk(v.Pointer(s, offsets.UStructChildProperties), offsets.FFieldNext)
	}
	var out []uint64
	for _, c := range v.Children(s) {
		if strings.HasSuffix(v.ClassName(c), "Property") {
			out = append(out, c)
		}
	}
	return out
}

// PropertyName works for both FField and UProperty properties.
func (v *View) PropertyName(prop uint64) string {
	if !v.Offsets.Features.UseFProperty {
		return v.Name(prop)
	}
	off, ok := v.Offsets.Lookup(offsets.FFieldName)
	if !ok || prop == 0 {
		return ""
	}
	s, _ := v.ReadFName(prop + uint64(off))
	return s
}

// PropertyClassName is the name of the property's FFieldClass (or UClass), e.g. "IntProperty".
func (v *View) PropertyClassName(prop uint64) string {
	if !v.Offsets.Features.UseFProperty {
		return v.ClassName(prop)
	}
	fc := v.Pointer(prop, offsets.FFieldClass)
	if fc == 0 {
		return ""
	}
	s, _ := v.ReadFName(fc + uint64(v.offsetOr(offsets.FFieldClassName, 0)))
	return s
}

// FindProperty returns the property of s named name.
func (v *View) FindProperty(s uint64, name string) uint64 {
	for _, p := range v.Properties(s) {
		if v.PropertyName(p) == name {
			return p
		}
	}
	return 0
}
