/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

package memory

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"golang.org/x/exp/constraints"
)

// Process is the accessor every locator reads through. It caches the region and module
// lists taken when it was created; call Refresh if the target has mapped new memory since.
type Process struct {
	r       Reader
	ptrSize int

	mu       sync.Mutex
	regions  []Region
	modules  []Module
	sections map[uint64][]Section
}

func New(r Reader) (*Process, error) {
	p := &Process{
		r:        r,
		ptrSize:  r.PointerSize(),
		sections: make(map[uint64][]Section),
	}
	if p.ptrSize != 4 && p.ptrSize != 8 {
		return nil, fmt.Errorf("unsupported pointer size %d", p.ptrSize)
	}
	if err := p.Refresh(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Process) Refresh() error {
	regions, err := p.r.Regions()
	if err != nil {
		return fmt.Errorf("listing regions: %w", err)
	}
	modules, err := p.r.Modules()
	if err != nil {
		return fmt.Errorf("listing modules: %w", err)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Base < regions[j].Base })

	p.mu.Lock()
	defer p.mu.Unlock()
	p.regions = regions
	p.modules = modules
	return nil
}

func (p *Process) PointerSize() int { return p.ptrSize }

func (p *Process) Is32Bit() bool { return p.ptrSize == 4 }

func (p *Process) Regions() []Region {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Region, len(p.regions))
	copy(out, p.regions)
	return out
}

// MainModule is the only lookup whose failure is fatal to the tool.
func (p *Process) MainModule() (Module, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.modules) == 0 {
		return Module{}, ErrModuleNotFound
	}
	return p.modules[0], nil
}

// Module resolves a loaded image by name, case-insensitively. An empty name means the main module.
func (p *Process) Module(name string) (Module, error) {
	if name == "" {
		return p.MainModule()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.modules {
		if m.matches(name) {
			return m, nil
		}
	}
	return Module{}, fmt.Errorf("%s: %w", name, ErrModuleNotFound)
}

// ModuleOf returns the image containing addr.
func (p *Process) ModuleOf(addr uint64) (Module, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.modules {
		if m.Contains(addr) {
			return m, true
		}
	}
	return Module{}, false
}

// IsCanonical rejects addresses that no user-mode pointer can hold. On x86-64 bits 63..47
// must be a sign extension of bit 47, on 32-bit targets the upper half must be clear. The
// first 64K is never mapped on either.
func (p *Process) IsCanonical(addr uint64) bool {
	if addr < 0x10000 {
		return false
	}
	if p.ptrSize == 4 {
		return addr <= 0xFFFFFFFF
	}
	top := addr >> 47
	return top == 0 || top == 0x1FFFF
}

func (p *Process) regionIndex(addr uint64) int {
	i := sort.Search(len(p.regions), func(i int) bool { return p.regions[i].End() > addr })
	if i < len(p.regions) && p.regions[i].Contains(addr) {
		return i
	}
	return -1
}

func (p *Process) hasProt(addr uint64, size int, want Protection) bool {
	if !p.IsCanonical(addr) {
		return false
	}
	if size <= 0 {
		size = 1
	}
	end := addr + uint64(size)
	if end < addr {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.regionIndex(addr)
	if i < 0 {
		return false
	}
	// the range may span several adjacent regions
	for cur := addr; cur < end; i++ {
		if i >= len(p.regions) {
			return false
		}
		r := p.regions[i]
		if !r.Contains(cur) || r.Prot&want != want {
			return false
		}
		cur = r.End()
	}
	return true
}

// IsReadable reports whether [addr, addr+size) is mapped readable.
func (p *Process) IsReadable(addr uint64, size int) bool {
	return p.hasProt(addr, size, ProtRead)
}

func (p *Process) IsExecutable(addr uint64) bool {
	return p.hasProt(addr, 1, ProtRead|ProtExec)
}

// IsValidPointer is the readability test for one pointer-sized slot.
func (p *Process) IsValidPointer(addr uint64) bool {
	return p.IsReadable(addr, p.ptrSize)
}

func (p *Process) Read(addr uint64, size int) ([]byte, error) {
	if !p.IsCanonical(addr) {
		return nil, fmt.Errorf("%#x: %w", addr, ErrNonCanonical)
	}
	if !p.IsReadable(addr, size) {
		return nil, fmt.Errorf("%#x+%#x: %w", addr, size, ErrUnreadable)
	}
	return p.r.ReadMemory(addr, size)
}

// ReadUpTo reads at most size bytes, stopping at the first unreadable byte.
func (p *Process) ReadUpTo(addr uint64, size int) []byte {
	p.mu.Lock()
	i := p.regionIndex(addr)
	avail := uint64(0)
	for cur := addr; i >= 0 && i < len(p.regions) && p.regions[i].Contains(cur) && p.regions[i].Prot&ProtRead != 0; i++ {
		avail = p.regions[i].End() - addr
		cur = p.regions[i].End()
		if avail >= uint64(size) {
			break
		}
	}
	p.mu.Unlock()

	if avail == 0 {
		return nil
	}
	if avail < uint64(size) {
		size = int(avail)
	}
	b, err := p.r.ReadMemory(addr, size)
	if err != nil {
		return nil
	}
	return b
}

// ReadAt reads a little-endian integer of T's width at base+off, checking readability first.
func ReadAt[T constraints.Integer](p *Process, base uint64, off int) (T, error) {
	var zero T
	n := int(unsafe.Sizeof(zero))
	b, err := p.Read(base+uint64(off), n)
	if err != nil {
		return zero, err
	}
	return decodeInt[T](b), nil
}

func decodeInt[T constraints.Integer](b []byte) T {
	switch len(b) {
	case 1:
		return T(b[0])
	case 2:
		return T(binary.LittleEndian.Uint16(b))
	case 4:
		return T(binary.LittleEndian.Uint32(b))
	default:
		return T(binary.LittleEndian.Uint64(b))
	}
}

// ReadPointer reads one target-sized pointer.
func (p *Process) ReadPointer(addr uint64) (uint64, error) {
	if p.ptrSize == 4 {
		v, err := ReadAt[uint32](p, addr, 0)
		return uint64(v), err
	}
	return ReadAt[uint64](p, addr, 0)
}

func (p *Process) ReadPointerAt(base uint64, off int) (uint64, error) {
	return p.ReadPointer(base + uint64(off))
}

// DecodePointer extracts a target-sized pointer from raw bytes.
func (p *Process) DecodePointer(b []byte, off int) uint64 {
	if off < 0 || off+p.ptrSize > len(b) {
		return 0
	}
	if p.ptrSize == 4 {
		return uint64(binary.LittleEndian.Uint32(b[off:]))
	}
	return binary.LittleEndian.Uint64(b[off:])
}

// ReadCString reads a NUL-terminated narrow string of at most max bytes.
func (p *Process) ReadCString(addr uint64, max int) (string, error) {
	b := p.ReadUpTo(addr, max)
	if b == nil {
		return "", fmt.Errorf("%#x: %w", addr, ErrUnreadable)
	}
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), nil
		}
	}
	return string(b), nil
}
