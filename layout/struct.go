/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

// Package layout infers what reflection leaves out about structs: their used size, their
// real alignment, and whether anything derives from them.
package layout

import (
	"github.com/mandiant/UEReSym/objects"
	"github.com/mandiant/UEReSym/offsets"
)

// Struct is a struct-like type. It is either a Runtime struct read from the process or a
// Predefined one described ahead of time; nothing else implements it.
type Struct interface {
	Path() string
	// Size and MinAlignment are what the type reports about itself.
	Size() int
	MinAlignment() int
	// Super is nil for a root type.
	Super() Struct
	Members() []Member
	isStruct()
}

// Member is one data member of a struct.
type Member struct {
	Name   string
	Offset int
	Size   int
	// Struct is the member's type when the member is itself a struct.
	Struct Struct
}

// Runtime is a UStruct (a script struct or a class) in the target process.
type Runtime struct {
	v    *objects.View
	Addr uint64
}

func NewRuntime(v *objects.View, addr uint64) Runtime {
	return Runtime{v: v, Addr: addr}
}

func (r Runtime) Path() string { return r.v.Path(r.Addr) }

func (r Runtime) Size() int {
	n, _ := r.v.Int32(r.Addr, offsets.UStructSize)
	return int(n)
}

func (r Runtime) MinAlignment() int {
	n, _ := r.v.Int32(r.Addr, offsets.UStructMinAlignment)
	return int(n)
}

func (r Runtime) Super() Struct {
	if super := r.v.Super(r.Addr); super != 0 {
		return NewRuntime(r.v, super)
	}
	return nil
}

func (r Runtime) Members() []Member {
	var out []Member
	for _, p := range r.v.Properties(r.Addr) {
		off, ok1 := r.v.Int32(p, offsets.FPropertyOffset)
		size, ok2 := r.v.Int32(p, offsets.FPropertyElementSize)
		if !ok1 || !ok2 {
			continue
		}
		dim, ok := r.v.Int32(p, offsets.FPropertyArrayDim)
		if !ok || dim < 1 {
			dim = 1
		}
		m := Member{Name: r.v.PropertyName(p), Offset: int(off), Size: int(size * dim)}
		if r.v.PropertyClassName(p) == "StructProperty" {
			if s := r.v.Pointer(p, offsets.StructPropertyStruct); s != 0 {
				m.Struct = NewRuntime(r.v, s)
			}
		}
		out = append(out, m)
	}
	return out
}

func (Runtime) isStruct() {}

// Predefined is a struct the process does not describe, or describes wrongly, given by hand.
type Predefined struct {
	Name      string
	Bytes     int
	Alignment int
	Base      *Predefined
	Fields    []Member
}

func (p *Predefined) Path() string      { return p.Name }
func (p *Predefined) Size() int         { return p.Bytes }
func (p *Predefined) MinAlignment() int { return p.Alignment }

func (p *Predefined) Super() Struct {
	if p.Base == nil {
		return nil
	}
	return p.Base
}

func (p *Predefined) Members() []Member { return p.Fields }
func (*Predefined) isStruct()           {}

// RuntimeStructs lists every struct and class in the object array. Functions are structs too
// but are left out.
func RuntimeStructs(v *objects.View, objs objects.Source) []Struct {
	var out []Struct
	for i, n := 0, objs.Num(); i < n; i++ {
		obj := objs.ObjectAt(i)
		if obj == 0 || !v.IsA(obj, "Struct") || v.IsA(obj, "Function") {
			continue
		}
		out = append(out, NewRuntime(v, obj))
	}
	return out
}
