/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

package layout

import (
	"testing"

	"github.com/mandiant/UEReSym/names"
	"github.com/mandiant/UEReSym/objects"
	"github.com/mandiant/UEReSym/offsets"
	"github.com/mandiant/UEReSym/uetest"
)

func TestResolveChain(t *testing.T) {
	member := &Predefined{Name: "Member", Bytes: 8, Alignment: 8}
	grand := &Predefined{Name: "Grand", Bytes: 0x18, Alignment: 4}
	parent := &Predefined{Name: "Parent", Bytes: 0x20, Alignment: 4, Base: grand,
		Fields: []Member{{Name: "Inner", Offset: 0x10, Size: 8, Struct: member}}}
	child := &Predefined{Name: "Child", Bytes: 0x28, Alignment: 4, Base: parent,
		Fields: []Member{{Name: "Value", Offset: 0x8, Size: 4}}}

	r := NewResolver([]Struct{child})
	r.Resolve()

	tests := []struct {
		path     string
		size     int
		final    bool
		align    int
		explicit bool
	}{
		{"Grand", 0x8, false, 4, false},
		{"Parent", 0x8, false, 8, true},
		{"Child", 0x28, true, 8, false},
		{"Member", 0x8, true, 8, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			in, ok := r.Lookup(tt.path)
			if !ok {
				t.Fatalf("Lookup(%s) missing", tt.path)
			}
			if in.Size != tt.size {
				t.Errorf("Size = %#x, want %#x", in.Size, tt.size)
			}
			if in.Final != tt.final {
				t.Errorf("Final = %v, want %v", in.Final, tt.final)
			}
			if in.Alignment != tt.align {
				t.Errorf("Alignment = %d, want %d", in.Alignment, tt.align)
			}
			if in.ExplicitAlignment != tt.explicit {
				t.Errorf("ExplicitAlignment = %v, want %v", in.ExplicitAlignment, tt.explicit)
			}
		})
	}
}

func TestResolveKeepsSizeWithoutMembers(t *testing.T) {
	base := &Predefined{Name: "Base", Bytes: 0x10, Alignment: 8}
	empty := &Predefined{Name: "Empty", Bytes: 0x18, Alignment: 8, Base: base}
	late := &Predefined{Name: "Late", Bytes: 0x20, Alignment: 8, Base: base,
		Fields: []Member{{Name: "Tail", Offset: 0x18, Size: 8}}}
	r := NewResolver([]Struct{empty, late})
	r.Resolve()
	if in, _ := r.Lookup("Base"); in.Size != 0x10 || in.Final {
		t.Errorf("Base size %#x final %v, want 0x10 and false", in.Size, in.Final)
	}
	if in, _ := r.Lookup("Empty"); in.Size != 0x18 || !in.Final {
		t.Errorf("Empty size %#x final %v, want 0x18 and true", in.Size, in.Final)
	}
}

func TestSizeFor(t *testing.T) {
	tests := []struct {
		max  int64
		want int
	}{
		{0, 1}, {0xFF, 1}, {0x100, 2}, {0xFFFF, 2}, {0x10000, 4}, {0xFFFFFFFF, 4}, {0x100000000, 8}, {-1, 8},
	}
	for _, tt := range tests {
		if got := sizeFor(tt.max); got != tt.want {
			t.Errorf("sizeFor(%#x) = %d, want %d", tt.max, got, tt.want)
		}
	}
}

func view(t *testing.T, img *uetest.Image) (*objects.View, *objects.Table) {
	t.Helper()
	p, err := img.Process()
	if err != nil {
		t.Fatal(err)
	}
	objs, err := objects.Locate(p, objects.Options{})
	if err != nil {
		t.Fatalf("objects.Locate() error = %v", err)
	}
	nt, err := names.Locate(p)
	if err != nil {
		t.Fatalf("names.Locate() error = %v", err)
	}
	return objects.NewView(p, objs, img.Offsets(), nt), objs
}

func TestResolveImage(t *testing.T) {
	for _, opts := range []uetest.Options{{}, {LargeWorldCoordinates: true}, {UProperty: true}} {
		img := uetest.NewImage(opts)
		v, objs := view(t, img)
		r := NewResolver(RuntimeStructs(v, objs))
		r.Resolve()

		es := 4
		if opts.LargeWorldCoordinates {
			es = 8
		}
		tests := []struct {
			path  string
			size  int
			align int
			final bool
		}{
			{"/Script/CoreUObject.Guid", 16, 4, true},
			{"/Script/CoreUObject.Vector", 3 * es, es, true},
			{"/Script/Engine.TableRowBase", 8, 8, false},
			{"/Script/Engine.ItemRow", 0x10, 8, true},
			{"/Script/Engine.Actor", 0x290, 8, false},
		}
		for _, tt := range tests {
			in, ok := r.Lookup(tt.path)
			if !ok {
				t.Errorf("%+v: %s not resolved", opts, tt.path)
				continue
			}
			if in.Size != tt.size || in.Alignment != tt.align || in.Final != tt.final {
				t.Errorf("%+v: %s = size %#x align %d final %v, want %#x %d %v",
					opts, tt.path, in.Size, in.Alignment, in.Final, tt.size, tt.align, tt.final)
			}
		}
		if in, ok := r.Lookup("/Script/CoreUObject.Box"); !ok || in.ExplicitAlignment {
			t.Errorf("%+v: Box needs no explicit alignment", opts)
		}
	}
}

func TestEnums(t *testing.T) {
	img := uetest.NewImage(uetest.Options{})
	v, objs := view(t, img)

	// a 4-byte enum property widens the enum it stores
	pawn := img.Object("/Script/Engine.Pawn")
	mode := v.FindProperty(pawn, "LastMovementMode")
	if mode == 0 {
		t.Fatal("LastMovementMode not found")
	}
	img.PutUint32(mode+uint64(img.Truth[offsets.FPropertyElementSize]), 4)

	want := map[string]struct{ values, size int }{
		"/Script/Engine.ENetRole":      {5, 1},
		"/Script/Engine.EMovementMode": {8, 4},
	}
	got := Enums(v, objs)
	if len(got) != len(want) {
		t.Fatalf("len(Enums()) = %d, want %d", len(got), len(want))
	}
	for _, e := range got {
		w, ok := want[e.Path]
		if !ok {
			t.Errorf("unexpected enum %s", e.Path)
			continue
		}
		if e.Values != w.values || e.Size != w.size {
			t.Errorf("%s = %d values size %d, want %d and %d", e.Path, e.Values, e.Size, w.values, w.size)
		}
	}
}
