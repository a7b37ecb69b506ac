/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

package offsets

import (
	"unsafe"

	"github.com/mandiant/UEReSym/memory"
	"golang.org/x/exp/constraints"
)

// Policy picks one offset when several candidates pass a search.
type Policy int

const (
	// PolicyHighest prefers the largest passing offset. Small offsets agree by accident with
	// narrower leading fields more often than the real field does.
	PolicyHighest Policy = iota
	// PolicyLowest prefers the smallest passing offset.
	PolicyLowest
	// PolicyFirst stops at the first passing offset in scan order. It gives the same answer
	// as PolicyLowest without evaluating the rest of the window.
	PolicyFirst
)

func (p Policy) String() string {
	switch p {
	case PolicyHighest:
		return "highest"
	case PolicyLowest:
		return "lowest"
	case PolicyFirst:
		return "first"
	}
	return "unknown"
}

// Span is a byte range already claimed by a known field.
type Span struct {
	Off  int
	Size int
}

// Search is one window of candidate offsets: Min up to (not including) Max in Step strides.
// A candidate of Width bytes that overlaps any Exclude span is skipped.
type Search struct {
	Min, Max int
	Step     int
	Width    int
	Exclude  []Span
	Policy   Policy
}

func (s Search) width() int {
	if s.Width > 0 {
		return s.Width
	}
	return s.step()
}

func (s Search) step() int {
	if s.Step > 0 {
		return s.Step
	}
	return 1
}

func (s Search) excluded(off int) bool {
	w := s.width()
	for _, e := range s.Exclude {
		if e.Off == NotFound {
			continue
		}
		if off < e.Off+e.Size && off+w > e.Off {
			return true
		}
	}
	return false
}

// Candidates returns every passing offset in ascending order.
func (s Search) Candidates(accept func(off int) bool) []int {
	var out []int
	for off := s.Min; off < s.Max; off += s.step() {
		if s.excluded(off) {
			continue
		}
		if accept(off) {
			out = append(out, off)
		}
	}
	return out
}

// Run applies the policy over the window and returns the chosen offset, or NotFound.
func (s Search) Run(accept func(off int) bool) int {
	if s.Policy == PolicyFirst {
		for off := s.Min; off < s.Max; off += s.step() {
			if !s.excluded(off) && accept(off) {
				return off
			}
		}
		return NotFound
	}
	return s.Pick(s.Candidates(accept))
}

// Pick applies the policy to an ascending candidate list.
func (s Search) Pick(candidates []int) int {
	if len(candidates) == 0 {
		return NotFound
	}
	if s.Policy == PolicyHighest {
		return candidates[len(candidates)-1]
	}
	return candidates[0]
}

// Sample is one piece of evidence: the object at Addr is known to hold Want in the field
// being searched for.
type Sample[T constraints.Integer] struct {
	Addr uint64
	Want T
}

// FindValue returns the offset at which every sample holds its expected value. One sample
// is never enough evidence, so fewer than two yields NotFound.
func FindValue[T constraints.Integer](p *memory.Process, samples []Sample[T], s Search) int {
	if len(samples) < 2 {
		return NotFound
	}
	if s.Width == 0 {
		var zero T
		s.Width = int(unsafe.Sizeof(zero))
	}
	return s.Run(func(off int) bool {
		for _, smp := range samples {
			v, err := memory.ReadAt[T](p, smp.Addr, off)
			if err != nil || v != smp.Want {
				return false
			}
		}
		return true
	})
}

// FindPointer is FindValue for target-sized pointers.
func FindPointer(p *memory.Process, samples []Sample[uint64], s Search) int {
	if len(samples) < 2 {
		return NotFound
	}
	if s.Width == 0 {
		s.Width = p.PointerSize()
	}
	return s.Run(func(off int) bool {
		for _, smp := range samples {
			v, err := p.ReadPointerAt(smp.Addr, off)
			if err != nil || v != smp.Want {
				return false
			}
		}
		return true
	})
}
