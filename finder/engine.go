/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

// Package finder infers where the engine keeps the fields of its reflection records. Each
// field has its own heuristic and later heuristics build on the offsets found before them.
package finder

import (
	"go.uber.org/zap"

	"github.com/mandiant/UEReSym/logging"
	"github.com/mandiant/UEReSym/memory"
	"github.com/mandiant/UEReSym/names"
	"github.com/mandiant/UEReSym/objects"
	"github.com/mandiant/UEReSym/offsets"
)

// ObjectSource is the located object array.
type ObjectSource interface {
	objects.Source
	Contains(addr uint64) bool
}

// NameSource is the located name table.
type NameSource interface {
	objects.NameResolver
	IsValidIndex(comparisonIndex uint32) bool
	MaxIndex() uint32
	HasOutlineNumbers() bool
}

// NoNames stands in for a name table that could not be located. Every lookup fails.
type NoNames struct{}

func (NoNames) Name(comparisonIndex, number uint32) (string, error) {
	return "", names.ErrNotFound
}
func (NoNames) IsValidIndex(comparisonIndex uint32) bool { return false }
func (NoNames) MaxIndex() uint32                         { return 0 }
func (NoNames) HasOutlineNumbers() bool                  { return false }

// Engine runs discovery against one process. It is single threaded: heuristics run in a fixed
// order and each one reads the offsets of the ones before it.
type Engine struct {
	p     *memory.Process
	objs  ObjectSource
	names NameSource
	cfg   Config
	log   *zap.SugaredLogger

	tbl *offsets.Table
	v   *objects.View
}

func New(p *memory.Process, objs ObjectSource, nameTable NameSource, cfg Config) *Engine {
	return &Engine{p: p, objs: objs, names: nameTable, cfg: cfg.withDefaults(), log: logging.Named("finder")}
}

// Discover runs both phases and returns the corrected table.
func (e *Engine) Discover() *offsets.Table {
	return e.Fixup(e.Run())
}

// Run is the first phase: every heuristic once, in dependency order. A field that cannot be
// found is given its usual position and a warning.
func (e *Engine) Run() *offsets.Table {
	e.tbl = offsets.NewTable()
	e.v = objects.NewView(e.p, e.objs, e.tbl, e.names)

	f := &e.tbl.Features
	f.Is32Bit = e.p.Is32Bit()
	if t, ok := e.objs.(*objects.Table); ok {
		f.ChunkedObjectArray = t.Shape == objects.ShapeChunked
	}
	f.NamePool = true
	if t, ok := e.names.(*names.Table); ok {
		f.NamePool = t.Shape == names.ShapePool
	}
	f.OutlineNumber = e.names.HasOutlineNumbers()

	e.findUObject()
	e.findUStruct()
	e.findProperties()
	e.findStructSize()
	e.findUClass()
	e.findUEnum()
	e.findUFunction()
	e.findProcessEvent()
	e.findLevelActors()
	e.findDataTableRowMap()
	return e.tbl
}

// View reads objects through the table the last Run produced.
func (e *Engine) View() *objects.View { return e.v }

func (e *Engine) ptr() int { return e.p.PointerSize() }

func (e *Engine) get(name string) int { return e.tbl.Get(name) }

// set records a search result, substituting def when the search failed.
func (e *Engine) set(name string, off, def int) int {
	if off == offsets.NotFound {
		e.log.Warnf("%s not found, assuming %#x", name, def)
		off = def
	} else {
		e.log.Infof("%s = %#x", name, off)
	}
	e.tbl.Set(name, off)
	return off
}

// fixed records an offset that is derived rather than searched for.
func (e *Engine) fixed(name string, off int) int {
	e.log.Infof("%s = %#x (derived)", name, off)
	e.tbl.Set(name, off)
	return off
}

// missing records a field that has no usual position to fall back to.
func (e *Engine) missing(name string) {
	e.log.Warnf("%s not found", name)
	e.absent(name)
}

func (e *Engine) absent(name string) {
	e.tbl.Set(name, offsets.NotFound)
}

func (e *Engine) search(min, max, step int, exclude ...string) offsets.Search {
	s := offsets.Search{Min: min, Max: max, Step: step, Policy: e.cfg.Policy}
	for _, name := range exclude {
		if off, ok := e.tbl.Lookup(name); ok {
			s.Exclude = append(s.Exclude, offsets.Span{Off: off, Size: e.widthOf(name)})
		}
	}
	return s
}

func (e *Engine) widthOf(name string) int {
	switch name {
	case offsets.UObjectFlags, offsets.UObjectIndex:
		return 4
	case offsets.UObjectName, offsets.FFieldName:
		return alignUp(e.tbl.Features.FNameSize, 4)
	}
	return e.ptr()
}

func alignUp(v, a int) int {
	if a <= 0 {
		return v
	}
	return (v + a - 1) / a * a
}

// find is FindObject with a warning on a miss. Heuristics treat a missing sample as a
// failed search.
func (e *Engine) find(className, name string) uint64 {
	obj := e.v.FindObject(className, name)
	if obj == 0 {
		e.log.Warnf("sample %s %s not found", className, name)
	}
	return obj
}

func ptrSamples(pairs ...uint64) []offsets.Sample[uint64] {
	var out []offsets.Sample[uint64]
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i] == 0 || pairs[i+1] == 0 {
			continue
		}
		out = append(out, offsets.Sample[uint64]{Addr: pairs[i], Want: pairs[i+1]})
	}
	return out
}

// tarray reads a TArray header at addr+off.
func (e *Engine) tarray(addr uint64, off int) (data uint64, num, max int32, ok bool) {
	data, err := e.p.ReadPointerAt(addr, off)
	if err != nil {
		return 0, 0, 0, false
	}
	n, err1 := memory.ReadAt[int32](e.p, addr, off+e.ptr())
	m, err2 := memory.ReadAt[int32](e.p, addr, off+e.ptr()+4)
	if err1 != nil || err2 != nil {
		return 0, 0, 0, false
	}
	return data, n, m, true
}

// plausibleArray is the TArray shape with n elements of size elem.
func (e *Engine) plausibleArray(addr uint64, off int, n int, elem int) (uint64, bool) {
	data, num, max, ok := e.tarray(addr, off)
	if !ok || int(num) != n || num > max {
		return 0, false
	}
	if n == 0 {
		return data, true
	}
	return data, e.p.IsReadable(data, n*elem)
}
