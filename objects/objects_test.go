/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

package objects

import (
	"errors"
	"reflect"
	"testing"

	"github.com/mandiant/UEReSym/memory"
	"github.com/mandiant/UEReSym/names"
	"github.com/mandiant/UEReSym/offsets"
	"github.com/mandiant/UEReSym/uetest"
)

func process(t *testing.T, img *uetest.Image) *memory.Process {
	t.Helper()
	p, err := img.Process()
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func locate(t *testing.T, opts uetest.Options) (*uetest.Image, *Table) {
	t.Helper()
	img := uetest.NewImage(opts)
	tbl, err := Locate(process(t, img), Options{})
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	return img, tbl
}

func TestLocate(t *testing.T) {
	tests := []struct {
		name  string
		opts  uetest.Options
		shape Shape
	}{
		{"chunked", uetest.Options{}, ShapeChunked},
		{"flat", uetest.Options{FlatObjectArray: true}, ShapeFlat},
		{"chunked case preserving", uetest.Options{CasePreservingName: true}, ShapeChunked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, tbl := locate(t, tt.opts)
			if tbl.Base != img.ObjectArray {
				t.Errorf("Base = %#x, want %#x", tbl.Base, img.ObjectArray)
			}
			if tbl.Shape != tt.shape {
				t.Errorf("Shape = %s, want %s", tbl.Shape, tt.shape)
			}
			if tbl.Num() != img.NumObjects {
				t.Errorf("Num() = %d, want %d", tbl.Num(), img.NumObjects)
			}
			if tbl.Stride != 0x18 || tbl.ItemObject != 0 {
				t.Errorf("item stride %#x, object at %#x, want 0x18 and 0", tbl.Stride, tbl.ItemObject)
			}
			if tt.shape == ShapeChunked && tbl.ChunkSize != DefaultChunkSize {
				t.Errorf("ChunkSize = %#x, want %#x", tbl.ChunkSize, DefaultChunkSize)
			}

			object := img.Object("/Script/CoreUObject.Object")
			if got := tbl.ObjectAt(1); got != object {
				t.Errorf("ObjectAt(1) = %#x, want %#x", got, object)
			}
			actor := img.Object("/Script/Engine.Actor")
			i, ok := tbl.IndexOf(actor)
			if !ok || tbl.ObjectAt(i) != actor {
				t.Errorf("IndexOf(Actor) = %d, %v", i, ok)
			}
			if tbl.Contains(actor + 8) {
				t.Errorf("Contains() true for an address inside an object")
			}
			if got := tbl.ObjectAt(tbl.Num()); got != 0 {
				t.Errorf("ObjectAt(Num()) = %#x, want 0", got)
			}
			if got := len(tbl.Objects(10)); got != 10 {
				t.Errorf("len(Objects(10)) = %d, want 10", got)
			}
		})
	}
}

func TestLocateChunkSizes(t *testing.T) {
	img := uetest.NewImage(uetest.Options{})
	tbl, err := Locate(process(t, img), Options{ChunkSizes: []int{AlternateChunkSize}})
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if tbl.ChunkSize != AlternateChunkSize {
		t.Errorf("ChunkSize = %#x, want %#x", tbl.ChunkSize, AlternateChunkSize)
	}
	if got, want := tbl.ObjectAt(3), img.Object("/Script/CoreUObject.Struct"); got != want {
		t.Errorf("ObjectAt(3) = %#x, want %#x", got, want)
	}
}

func TestLocateRejects(t *testing.T) {
	tests := []struct {
		name    string
		opts    uetest.Options
		corrupt func(img *uetest.Image, p *memory.Process)
	}{
		{"count above max", uetest.Options{}, func(img *uetest.Image, _ *memory.Process) {
			img.PutUint32(img.ObjectArray+0x14, 0x300000)
		}},
		{"chunk count disagrees", uetest.Options{}, func(img *uetest.Image, _ *memory.Process) {
			img.PutUint32(img.ObjectArray+0x1C, 2)
		}},
		{"unreadable chunk", uetest.Options{}, func(img *uetest.Image, p *memory.Process) {
			list, err := p.ReadPointer(img.ObjectArray)
			if err != nil {
				panic(err)
			}
			img.PutUint64(list, 0x7FFE0000)
		}},
		{"too few objects", uetest.Options{FlatObjectArray: true}, func(img *uetest.Image, _ *memory.Process) {
			img.PutUint32(img.ObjectArray+0xC, 4)
		}},
		{"flat count above max", uetest.Options{FlatObjectArray: true}, func(img *uetest.Image, _ *memory.Process) {
			img.PutUint32(img.ObjectArray+0xC, 0x7FFFF)
		}},
		{"flat unreadable objects", uetest.Options{FlatObjectArray: true}, func(img *uetest.Image, _ *memory.Process) {
			img.PutUint64(img.ObjectArray, 0x7FFE0000)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := uetest.NewImage(tt.opts)
			p := process(t, img)
			tt.corrupt(img, p)
			if _, err := Locate(p, Options{}); !errors.Is(err, ErrNotFound) {
				t.Errorf("Locate() error = %v, want ErrNotFound", err)
			}
		})
	}
}

func newView(t *testing.T, opts uetest.Options) (*uetest.Image, *View) {
	t.Helper()
	img, tbl := locate(t, opts)
	nt, err := names.Locate(tbl.Process())
	if err != nil {
		t.Fatalf("names.Locate() error = %v", err)
	}
	return img, NewView(tbl.Process(), tbl, img.Offsets(), nt)
}

func TestView(t *testing.T) {
	for name, opts := range map[string]uetest.Options{
		"default":         {},
		"case preserving": {CasePreservingName: true},
		"outline":         {OutlineNumbers: true},
		"uproperty":       {UProperty: true},
		"lwc":             {LargeWorldCoordinates: true},
	} {
		t.Run(name, func(t *testing.T) {
			img, v := newView(t, opts)
			actor := img.Object("/Script/Engine.Actor")
			if got := v.FindObject("Class", "Actor"); got != actor {
				t.Errorf("FindObject(Class, Actor) = %#x, want %#x", got, actor)
			}
			vector := img.Object("/Script/CoreUObject.Vector")
			if got := v.FindObject("", "/Script/CoreUObject.Vector"); got != vector {
				t.Errorf("FindObject by path = %#x, want %#x", got, vector)
			}
			if got := v.FindObject("Class", "NoSuchClass"); got != 0 {
				t.Errorf("FindObject(NoSuchClass) = %#x, want 0", got)
			}

			pawnPath := "/Game/Maps/Entry.PersistentLevel.DefaultPawn_0"
			pawn := img.Object(pawnPath)
			if got := v.Name(pawn); got != "DefaultPawn_0" {
				t.Errorf("Name() = %q, want DefaultPawn_0", got)
			}
			if got := v.Path(pawn); got != pawnPath {
				t.Errorf("Path() = %q, want %q", got, pawnPath)
			}
			if got := v.FullName(actor); got != "Class /Script/Engine.Actor" {
				t.Errorf("FullName() = %q", got)
			}
			if got, want := v.Package(pawn), img.Object("/Game/Maps/Entry"); got != want {
				t.Errorf("Package() = %#x, want %#x", got, want)
			}
			if !v.IsA(pawn, "Actor") || v.IsA(pawn, "Level") {
				t.Errorf("IsA() wrong for a pawn")
			}
			if got := len(v.FindObjects("Package")); got != 4 {
				t.Errorf("len(FindObjects(Package)) = %d, want 4", got)
			}

			var members []string
			for _, p := range v.Properties(vector) {
				members = append(members, v.PropertyName(p))
			}
			if !reflect.DeepEqual(members, []string{"X", "Y", "Z"}) {
				t.Errorf("Vector properties = %v", members)
			}
			wantKind := "FloatProperty"
			if opts.LargeWorldCoordinates {
				wantKind = "DoubleProperty"
			}
			if got := v.PropertyClassName(v.FindProperty(vector, "Y")); got != wantKind {
				t.Errorf("PropertyClassName(Y) = %q, want %q", got, wantKind)
			}
		})
	}
}

func TestViewChildren(t *testing.T) {
	img, v := newView(t, uetest.Options{})
	var got []string
	for _, c := range v.Children(img.Object("/Script/Engine.Actor")) {
		got = append(got, v.Name(c))
	}
	want := []string{"K2_GetActorLocation", "ReceiveBeginPlay", "GetOwner"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Children(Actor) = %v, want %v", got, want)
	}
}

func TestViewUnresolved(t *testing.T) {
	img, tbl := locate(t, uetest.Options{})
	tbl2 := img.Offsets()
	tbl2.Set(offsets.UObjectOuter, offsets.NotFound)
	v := NewView(tbl.Process(), tbl, tbl2, nil)
	if got := v.Outer(img.Object("/Script/Engine.Actor")); got != 0 {
		t.Errorf("Outer() with the field unresolved = %#x, want 0", got)
	}
	if got := v.Name(img.Object("/Script/Engine.Actor")); got != "" {
		t.Errorf("Name() without a name table = %q, want empty", got)
	}
}
