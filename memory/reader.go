/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

// Package memory gives the rest of the tool a platform-neutral view of a target process's
// address space: typed reads, readability tests, module and section lookup, and the scanners
// built on top of them (byte patterns, string references, vtables).
package memory

import (
	"errors"
	"strings"
)

var (
	ErrUnreadable     = errors.New("address range is not readable")
	ErrNonCanonical   = errors.New("address is not canonical")
	ErrModuleNotFound = errors.New("module not found")
)

type Protection uint8

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec
)

func (p Protection) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Region is one contiguous committed mapping with uniform protection.
type Region struct {
	Base uint64     `json:"base"`
	Size uint64     `json:"size"`
	Prot Protection `json:"prot"`
}

func (r Region) End() uint64 { return r.Base + r.Size }

func (r Region) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.End()
}

type Section struct {
	Name string     `json:"name"`
	Base uint64     `json:"base"`
	Size uint64     `json:"size"`
	Prot Protection `json:"prot"`
}

type Module struct {
	Name string `json:"name"`
	Base uint64 `json:"base"`
	Size uint64 `json:"size"`
	// Sections may be supplied by the backend. When empty they are parsed from the image
	// header found in memory.
	Sections []Section `json:"sections,omitempty"`
}

func (m Module) Contains(addr uint64) bool {
	return addr >= m.Base && addr < m.Base+m.Size
}

func (m Module) matches(name string) bool {
	return strings.EqualFold(m.Name, name)
}

// Reader is the capability a backend must provide. A live process, a saved snapshot and the
// synthetic test image all implement it.
type Reader interface {
	// ReadMemory returns exactly size bytes or an error. Partial reads are errors.
	ReadMemory(addr uint64, size int) ([]byte, error)
	// Regions lists committed mappings in ascending address order.
	Regions() ([]Region, error)
	// Modules lists loaded images. The first entry is the main module.
	Modules() ([]Module, error)
	PointerSize() int
}
