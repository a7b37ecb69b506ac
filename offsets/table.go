/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

// Package offsets holds the resolved offset table and the generic offset search the
// inference heuristics are built on.
package offsets

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/elliotchance/orderedmap"
)

// NotFound is the sentinel every search returns on failure.
const NotFound = -1

// Features are the build-configuration switches discovered alongside the offsets.
type Features struct {
	Is32Bit               bool `json:"is_32bit"`
	ChunkedObjectArray    bool `json:"chunked_object_array"`
	NamePool              bool `json:"name_pool"`
	UseFProperty          bool `json:"use_fproperty"`
	OutlineNumber         bool `json:"outline_number"`
	CasePreservingName    bool `json:"case_preserving_name"`
	LargeWorldCoordinates bool `json:"large_world_coordinates"`
	// FNameSize is the in-memory size of one FName: 4, 8 or 12.
	FNameSize int `json:"fname_size"`
}

// Table maps symbolic field names like "UObject.Flags" to byte offsets. Entries keep the
// order they were resolved in, which is the dependency order of discovery. Discovery is the
// single writer; once it returns the table is only read.
type Table struct {
	offsets  *orderedmap.OrderedMap
	Features Features
}

func NewTable() *Table {
	return &Table{offsets: orderedmap.NewOrderedMap()}
}

// Set records off for name. Setting NotFound is allowed and means "searched, absent".
func (t *Table) Set(name string, off int) {
	t.offsets.Set(name, off)
}

// Lookup returns the offset and whether it was resolved to something other than NotFound.
func (t *Table) Lookup(name string) (int, bool) {
	v, ok := t.offsets.Get(name)
	if !ok {
		return NotFound, false
	}
	off := v.(int)
	return off, off != NotFound
}

// Get returns the offset for name or NotFound.
func (t *Table) Get(name string) int {
	off, _ := t.Lookup(name)
	return off
}

func (t *Table) Has(name string) bool {
	_, ok := t.Lookup(name)
	return ok
}

func (t *Table) Len() int { return t.offsets.Len() }

// Each visits entries in resolution order.
func (t *Table) Each(fn func(name string, off int)) {
	for el := t.offsets.Front(); el != nil; el = el.Next() {
		fn(el.Key.(string), el.Value.(int))
	}
}

func (t *Table) Names() []string {
	out := make([]string, 0, t.Len())
	t.Each(func(name string, _ int) { out = append(out, name) })
	return out
}

// Clone returns an independent copy, used by the fixup phase so the first phase's result
// stays intact.
func (t *Table) Clone() *Table {
	c := NewTable()
	c.Features = t.Features
	t.Each(func(name string, off int) { c.Set(name, off) })
	return c
}

// Equal compares contents and order.
func (t *Table) Equal(o *Table) bool {
	if t.Features != o.Features || t.Len() != o.Len() {
		return false
	}
	a, b := t.offsets.Front(), o.offsets.Front()
	for ; a != nil && b != nil; a, b = a.Next(), b.Next() {
		if a.Key != b.Key || a.Value != b.Value {
			return false
		}
	}
	return true
}

// MarshalJSON emits offsets as an ordered object of hex strings, NotFound as null.
func (t *Table) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"features":`)
	feat, err := json.Marshal(t.Features)
	if err != nil {
		return nil, err
	}
	buf.Write(feat)
	buf.WriteString(`,"offsets":{`)
	first := true
	t.Each(func(name string, off int) {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		buf.WriteString(strconv.Quote(name))
		buf.WriteByte(':')
		if off == NotFound {
			buf.WriteString("null")
		} else {
			buf.WriteString(strconv.Quote(fmt.Sprintf("%#x", off)))
		}
	})
	buf.WriteString("}}")
	return buf.Bytes(), nil
}
