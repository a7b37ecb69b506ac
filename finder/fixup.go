/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

package finder

import (
	"github.com/mandiant/UEReSym/objects"
	"github.com/mandiant/UEReSym/offsets"
)

// Fixup is the second phase. It re-reads a few records through the complete first-phase table
// and corrects what the first phase could only guess: the FFieldClass layout behind a wide
// FName, and the FName size itself.
func (e *Engine) Fixup(first *offsets.Table) *offsets.Table {
	e.tbl = first.Clone()
	e.v = objects.NewView(e.p, e.objs, e.tbl, e.names)

	e.fixFieldClass()
	e.fixNameSize()

	e.v = objects.NewView(e.p, e.objs, e.tbl, e.names)
	return e.tbl
}

// fixFieldClass: on a standard build SuperClass sits right behind ClassFlags. If none of the
// sample property classes has a pointer there, the class name is the wide FName and every
// field behind it moves by 8.
func (e *Engine) fixFieldClass() {
	flags, ok := e.tbl.Lookup(offsets.FFieldClassClassFlags)
	if !ok {
		return
	}
	var classes []uint64
	for _, m := range [][2]string{
		{"/Script/CoreUObject.Vector", "X"},
		{"/Script/CoreUObject.Guid", "A"},
		{"/Script/CoreUObject.Box", "Min"},
	} {
		if p := e.member(m[0], m[1]); p != 0 {
			if fc := e.v.Pointer(p, offsets.FFieldClass); fc != 0 {
				classes = append(classes, fc)
			}
		}
	}
	if len(classes) == 0 {
		return
	}
	for _, fc := range classes {
		if super, err := e.p.ReadPointerAt(fc, flags+e.ptr()); err == nil && e.p.IsValidPointer(super) {
			return
		}
	}
	e.log.Infof("no SuperClass behind %s, shifting FFieldClass by 8", offsets.FFieldClassClassFlags)
	for _, name := range []string{offsets.FFieldClassId, offsets.FFieldClassCastFlags, offsets.FFieldClassClassFlags, offsets.FFieldClassSuper} {
		e.fixed(name, e.get(name)+8)
	}
	e.tbl.Features.CasePreservingName = true
}

// fixNameSize takes the FName size from a property known to hold exactly one FName.
func (e *Engine) fixNameSize() {
	p := e.member("/Script/CoreUObject.TopLevelAssetPath", "PackageName")
	if p == 0 {
		return
	}
	size, ok := e.v.Int32(p, offsets.FPropertyElementSize)
	if !ok {
		return
	}
	switch size {
	case 4, 8, 12:
	default:
		e.log.Warnf("PackageName reports an FName of %d bytes, keeping %d", size, e.tbl.Features.FNameSize)
		return
	}
	f := &e.tbl.Features
	if int(size) != f.FNameSize {
		e.log.Infof("FName is %d bytes, not %d", size, f.FNameSize)
	}
	f.FNameSize = int(size)
	if name, ok := e.tbl.Lookup(offsets.FFieldName); ok {
		e.fixed(offsets.FFieldFlags, name+f.FNameSize)
	}
	if size == 12 || (f.OutlineNumber && size == 8) {
		f.CasePreservingName = true
	}
}
