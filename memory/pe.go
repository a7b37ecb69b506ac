/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/Binject/debug/pe"
)

// section characteristics
const (
	scnMemExecute = 0x20000000
	scnMemRead    = 0x40000000
	scnMemWrite   = 0x80000000
)

// imageReaderAt exposes a mapped image to the PE parser. Offsets are RVAs.
type imageReaderAt struct {
	p    *Process
	base uint64
	size uint64
}

func (r *imageReaderAt) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 || uint64(off) >= r.size {
		return 0, io.EOF
	}
	n := len(b)
	if uint64(off)+uint64(n) > r.size {
		n = int(r.size - uint64(off))
	}
	got := r.p.ReadUpTo(r.base+uint64(off), n)
	copy(b, got)
	if len(got) < len(b) {
		return len(got), io.EOF
	}
	return len(got), nil
}

func (p *Process) openPE(m Module) (*pe.File, error) {
	hdr, err := p.Read(m.Base, 0x40)
	if err != nil {
		return nil, err
	}
	if hdr[0] != 'M' || hdr[1] != 'Z' {
		return nil, errors.New("missing MZ header")
	}
	lfanew := binary.LittleEndian.Uint32(hdr[0x3C:])
	sig, err := p.Read(m.Base+uint64(lfanew), 4)
	if err != nil {
		return nil, err
	}
	if sig[0] != 'P' || sig[1] != 'E' {
		return nil, errors.New("invalid PE signature")
	}
	return pe.NewFileFromMemory(&imageReaderAt{p: p, base: m.Base, size: m.Size})
}

// Sections returns the section table of m, parsing the in-memory image header unless the
// backend already supplied it.
func (p *Process) Sections(m Module) ([]Section, error) {
	if len(m.Sections) > 0 {
		return m.Sections, nil
	}
	p.mu.Lock()
	cached, ok := p.sections[m.Base]
	p.mu.Unlock()
	if ok {
		return cached, nil
	}

	f, err := p.openPE(m)
	if err != nil {
		return nil, fmt.Errorf("%s: parsing image header: %w", m.Name, err)
	}
	defer f.Close()

	out := make([]Section, 0, len(f.Sections))
	for _, s := range f.Sections {
		sec := Section{
			Name: s.Name,
			Base: m.Base + uint64(s.VirtualAddress),
			Size: uint64(s.VirtualSize),
		}
		if s.Characteristics&scnMemRead != 0 {
			sec.Prot |= ProtRead
		}
		if s.Characteristics&scnMemWrite != 0 {
			sec.Prot |= ProtWrite
		}
		if s.Characteristics&scnMemExecute != 0 {
			sec.Prot |= ProtExec
		}
		out = append(out, sec)
	}

	p.mu.Lock()
	p.sections[m.Base] = out
	p.mu.Unlock()
	return out, nil
}

// Section looks a section of m up by name, e.g. ".data".
func (p *Process) Section(m Module, name string) (Section, bool) {
	secs, err := p.Sections(m)
	if err != nil {
		return Section{}, false
	}
	for _, s := range secs {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}

type Export struct {
	Name    string
	Ordinal uint32
	Address uint64
}

func (p *Process) Exports(m Module) ([]Export, error) {
	f, err := p.openPE(m)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	exports, err := f.Exports()
	if err != nil {
		return nil, err
	}
	out := make([]Export, 0, len(exports))
	for _, e := range exports {
		out = append(out, Export{Name: e.Name, Ordinal: e.Ordinal, Address: m.Base + uint64(e.VirtualAddress)})
	}
	return out, nil
}

// Imports lists imported symbols as "name:library", the format of debug/pe.
func (p *Process) Imports(m Module) ([]string, error) {
	f, err := p.openPE(m)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.ImportedSymbols()
}
