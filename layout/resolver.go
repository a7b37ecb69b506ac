/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

package layout

import (
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/mandiant/UEReSym/logging"
)

// inheritance chains and nested members are not followed deeper than this
const maxDepth = 0x20

// Info is what the resolver concluded about one struct.
type Info struct {
	Path string
	// Reported is the size the struct reports, Size the part of it the struct itself uses.
	Reported int
	Size     int
	// Alignment is the effective alignment. ExplicitAlignment is set when it exceeds what
	// the struct and its ancestors would give it implicitly.
	Alignment         int
	ExplicitAlignment bool
	// Final is false once some other struct derives from this one.
	Final bool

	s       Struct
	members []Member
	aligned bool
	depth   int
}

// Resolver runs the two passes over a set of structs. Ancestors and member types outside the
// set are pulled in as they are met.
type Resolver struct {
	infos map[string]*Info
	order []*Info
	log   *zap.SugaredLogger
}

func NewResolver(structs []Struct) *Resolver {
	r := &Resolver{infos: make(map[string]*Info), log: logging.Named("layout")}
	for _, s := range structs {
		r.info(s)
	}
	return r
}

func (r *Resolver) info(s Struct) *Info {
	path := s.Path()
	if in, ok := r.infos[path]; ok {
		return in
	}
	in := &Info{
		Path:      path,
		Reported:  s.Size(),
		Size:      s.Size(),
		Alignment: s.MinAlignment(),
		Final:     true,
		s:         s,
		members:   s.Members(),
	}
	if in.Alignment < 1 {
		in.Alignment = 1
	}
	r.infos[path] = in
	r.order = append(r.order, in)
	for a, d := s.Super(), 1; a != nil && d < maxDepth; a, d = a.Super(), d+1 {
		in.depth = d
		r.info(a)
	}
	return in
}

// Resolve runs both passes and returns every struct it saw, in the order it first saw them.
func (r *Resolver) Resolve() []*Info {
	r.alignments()
	r.sizes()
	return append([]*Info(nil), r.order...)
}

// Lookup returns the result for the struct at path.
func (r *Resolver) Lookup(path string) (*Info, bool) {
	in, ok := r.infos[path]
	return in, ok
}

// alignments is pass one. A struct is at least as aligned as its most aligned struct member;
// then the highest alignment along each inheritance chain is handed down it.
func (r *Resolver) alignments() {
	// r.order grows while members are visited
	for i := 0; i < len(r.order); i++ {
		r.alignOf(r.order[i].s, 0)
	}

	byDepth := append([]*Info(nil), r.order...)
	sort.SliceStable(byDepth, func(i, j int) bool { return byDepth[i].depth < byDepth[j].depth })
	for _, in := range byDepth {
		super := in.s.Super()
		if super == nil {
			continue
		}
		parent := r.info(super)
		if in.Alignment <= parent.Alignment {
			in.Alignment = parent.Alignment
			in.ExplicitAlignment = false
		}
	}
}

func (r *Resolver) alignOf(s Struct, depth int) int {
	in := r.info(s)
	if in.aligned || depth >= maxDepth {
		return in.Alignment
	}
	in.aligned = true
	for _, m := range in.members {
		if m.Struct == nil {
			continue
		}
		if a := r.alignOf(m.Struct, depth+1); a > in.Alignment {
			in.Alignment = a
			in.ExplicitAlignment = true
		}
	}
	return in.Alignment
}

// sizes is pass two. A parent ends where the first member of any child begins; the same
// bound carries on through ancestors that declare no members of their own.
func (r *Resolver) sizes() {
	for i := 0; i < len(r.order); i++ {
		in := r.order[i]
		super := in.s.Super()
		if super == nil {
			continue
		}
		parent := r.info(super)
		parent.Final = false

		low := lowestOffset(in.members)
		if low == math.MaxInt {
			continue
		}
		a, d := super, 0
		for ; a != nil && d < maxDepth; a, d = a.Super(), d+1 {
			ai := r.info(a)
			if ai != parent && len(ai.members) > 0 {
				break
			}
			if low < ai.Size {
				r.log.Debugf("%s ends at %#x, not %#x, where %s begins", ai.Path, low, ai.Size, in.Path)
				ai.Size = low
			}
		}
	}
}

func lowestOffset(members []Member) int {
	low := math.MaxInt
	for _, m := range members {
		if m.Offset < low {
			low = m.Offset
		}
	}
	return low
}
