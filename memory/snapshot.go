/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"
)

const manifestName = "snapshot.json"

type snapRegion struct {
	Region
	data []byte
}

// Snapshot is a frozen copy of an address space. It implements Reader, so discovery can be
// replayed offline against it and produce the same result every time.
type Snapshot struct {
	ptrSize int
	modules []Module
	regions []snapRegion
}

func NewSnapshot(ptrSize int) *Snapshot {
	return &Snapshot{ptrSize: ptrSize}
}

// AddRegion maps data at r.Base. The slice is kept, not copied, so writes through it stay
// visible to readers. Overlapping regions are rejected.
func (s *Snapshot) AddRegion(r Region, data []byte) error {
	if uint64(len(data)) != r.Size {
		return fmt.Errorf("region %#x: have %#x bytes, want %#x", r.Base, len(data), r.Size)
	}
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].Base >= r.Base })
	if i > 0 && s.regions[i-1].End() > r.Base {
		return fmt.Errorf("region %#x overlaps %#x", r.Base, s.regions[i-1].Base)
	}
	if i < len(s.regions) && r.End() > s.regions[i].Base {
		return fmt.Errorf("region %#x overlaps %#x", r.Base, s.regions[i].Base)
	}
	s.regions = append(s.regions, snapRegion{})
	copy(s.regions[i+1:], s.regions[i:])
	s.regions[i] = snapRegion{Region: r, data: data}
	return nil
}

func (s *Snapshot) AddModule(m Module) {
	s.modules = append(s.modules, m)
}

func (s *Snapshot) PointerSize() int { return s.ptrSize }

func (s *Snapshot) Modules() ([]Module, error) {
	out := make([]Module, len(s.modules))
	copy(out, s.modules)
	return out, nil
}

func (s *Snapshot) Regions() ([]Region, error) {
	out := make([]Region, 0, len(s.regions))
	for _, r := range s.regions {
		out = append(out, r.Region)
	}
	return out, nil
}

func (s *Snapshot) ReadMemory(addr uint64, size int) ([]byte, error) {
	out := make([]byte, 0, size)
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].End() > addr })
	cur := addr
	for len(out) < size {
		if i >= len(s.regions) || !s.regions[i].Contains(cur) {
			return nil, fmt.Errorf("%#x+%#x: %w", addr, size, ErrUnreadable)
		}
		r := s.regions[i]
		off := cur - r.Base
		n := uint64(size - len(out))
		if off+n > r.Size {
			n = r.Size - off
		}
		out = append(out, r.data[off:off+n]...)
		cur += n
		i++
	}
	return out, nil
}

type manifestRegion struct {
	Region
	File string `json:"file"`
}

type manifest struct {
	PointerSize int              `json:"pointer_size"`
	Modules     []Module         `json:"modules"`
	Regions     []manifestRegion `json:"regions"`
}

// Save writes a JSON manifest plus one raw file per region into dir.
func (s *Snapshot) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	m := manifest{PointerSize: s.ptrSize, Modules: s.modules}
	for _, r := range s.regions {
		name := fmt.Sprintf("region_%016x.bin", r.Base)
		if err := os.WriteFile(filepath.Join(dir, name), r.data, 0o644); err != nil {
			return err
		}
		m.Regions = append(m.Regions, manifestRegion{Region: r.Region, File: name})
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, manifestName), raw, 0o644)
}

func LoadSnapshot(dir string) (*Snapshot, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", manifestName, err)
	}
	s := NewSnapshot(m.PointerSize)
	s.modules = m.Modules
	for _, r := range m.Regions {
		data, err := os.ReadFile(filepath.Join(dir, filepath.Base(r.File)))
		if err != nil {
			return nil, err
		}
		if err := s.AddRegion(r.Region, data); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Capture copies every readable region accepted by keep (nil keeps all) into a new
// Snapshot, reading at most limit regions at once. Regions that fail to read mid-capture
// are dropped; the target may have unmapped them.
func Capture(ctx context.Context, p *Process, keep func(Region) bool, limit int) (*Snapshot, error) {
	var todo []Region
	for _, r := range p.Regions() {
		if r.Prot&ProtRead == 0 || (keep != nil && !keep(r)) {
			continue
		}
		todo = append(todo, r)
	}

	data := make([][]byte, len(todo))
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, r := range todo {
		i, r := i, r
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			b, err := p.r.ReadMemory(r.Base, int(r.Size))
			if err == nil {
				data[i] = b
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s := NewSnapshot(p.ptrSize)
	mods, _ := p.r.Modules()
	for _, m := range mods {
		// resolve sections now so a replay never depends on the header pages
		if secs, err := p.Sections(m); err == nil {
			m.Sections = secs
		}
		s.modules = append(s.modules, m)
	}
	for i, r := range todo {
		if data[i] == nil {
			continue
		}
		if err := s.AddRegion(r, data[i]); err != nil {
			return nil, err
		}
	}
	return s, nil
}
