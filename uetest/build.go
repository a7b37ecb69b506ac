/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

package uetest

import (
	"fmt"
	"unicode/utf16"

	"github.com/mandiant/UEReSym/memory"
	"github.com/mandiant/UEReSym/offsets"
)

// object flags
const (
	flagsNative   = 0x43
	flagsStruct   = 0x4000043
	flagsDefault  = 0x31
	flagsInstance = 0x08
	flagsContent  = 0x03
	fieldFlags    = 0x08
)

// class cast flags
const (
	castField        = 0x1
	castEnum         = 0x4
	castStruct       = 0x8
	castScriptStruct = 0x10
	castClass        = 0x20
	castFunction     = 0x80000
	castPackage      = 0x400000000
)

// function flags
const (
	funcFinal             = 0x1
	funcNative            = 0x400
	funcEvent             = 0x800
	funcPublic            = 0x20000
	funcHasOutParms       = 0x400000
	funcBlueprintCallable = 0x4000000
	funcBlueprintEvent    = 0x8000000
	funcBlueprintPure     = 0x10000000

	funcNativeGetter = funcFinal | funcNative | funcPublic | funcBlueprintCallable | funcBlueprintPure
)

const propFlags = 0x0018001040000205

type fieldClassSpec struct {
	name       string
	cast       uint64
	super      string
	classFlags uint32
}

// supers come before the classes deriving from them
var fieldClassSpecs = []fieldClassSpec{
	{"Property", 0x8000, "", 0x1},
	{"NumericProperty", 0x1008000, "Property", 0x1},
	{"FloatProperty", 0x1008100, "NumericProperty", 0},
	{"DoubleProperty", 0x201008000, "NumericProperty", 0},
	{"IntProperty", 0x1008080, "NumericProperty", 0},
	{"ByteProperty", 0x1008040, "NumericProperty", 0},
	{"BoolProperty", 0x28000, "Property", 0},
	{"NameProperty", 0x8400, "Property", 0},
	{"StructProperty", 0x108000, "Property", 0},
	{"ObjectPropertyBase", 0xC000, "Property", 0x1},
	{"ObjectProperty", 0x1C000, "ObjectPropertyBase", 0},
	{"EnumProperty", 0x1000000008000, "Property", 0},
	{"ArrayProperty", 0x8200, "Property", 0},
}

func fieldClassSpecFor(name string) fieldClassSpec {
	for _, s := range fieldClassSpecs {
		if s.name == name {
			return s
		}
	}
	panic("uetest: unknown property class " + name)
}

var (
	netRoles      = []string{"ROLE_None", "ROLE_SimulatedProxy", "ROLE_AutonomousProxy", "ROLE_Authority", "ROLE_MAX"}
	movementModes = []string{"MOVE_None", "MOVE_Walking", "MOVE_NavWalking", "MOVE_Falling", "MOVE_Swimming", "MOVE_Flying", "MOVE_Custom", "MOVE_MAX"}
)

func (b *builder) build() {
	if b.opts.LegacyNames {
		// chunk 0 of the entry array sits at the start of the names mapping
		b.names.alloc(0x4000*8, 8)
	}
	b.name("None")
	for i := 0; i < prefillNames; i++ {
		b.name(fmt.Sprintf("Prefill_%03d", i))
	}
	b.name("Größe")

	b.emitCode()
	object := b.buildCore()
	engine := b.buildEngine(object)
	b.buildFillers(engine)
	b.buildInstances()

	b.resolveClasses()
	b.finishObjectArray()
	b.finishNames()
	b.finishImage()
}

// place writes the code gen produces for its own load address.
func (b *builder) place(gen func(at uint64) []byte) uint64 {
	at := b.text.alloc(len(gen(0)), 0x10)
	b.raw(at, gen(at))
	return at
}

func (b *builder) emitCode() {
	b.retStub = b.code([]byte{0xC3})
	b.processStub = b.code([]byte{0x48, 0x89, 0x5C, 0x24, 0x08, 0xC3})
	b.emitNameReference()

	// test dword ptr [rcx+FunctionFlags], FUNC_Native; jnz; ret
	ff := uint32(b.off[offsets.UFunctionFlags])
	pe := b.code(cat([]byte{0xF7, 0x81}, le32(ff), le32(funcNative), []byte{0x75, 0x01, 0xC3, 0xC3}))
	jmp := b.place(func(at uint64) []byte { return cat([]byte{0xE9}, rel32(at+5, pe)) })
	b.img.ProcessEvent = pe

	b.objVtable = b.vtable(vtableEntries, map[int]uint64{ProcessEventIndex: jmp})
	b.fieldVtable = b.vtable(8, nil)
}

func (b *builder) vtable(n int, special map[int]uint64) uint64 {
	vt := b.rdata.alloc((n+1)*8, 0x10)
	for i := 0; i < n; i++ {
		fn := b.retStub
		if s, ok := special[i]; ok {
			fn = s
		}
		b.u64(vt+uint64(8*i), fn)
	}
	return vt
}

func (b *builder) emitNameReference() {
	switch {
	case b.opts.OmitNameSignature:
		lit := b.rdata.alloc(10, 8)
		for i, u := range utf16.Encode([]rune("None")) {
			b.u16(lit+uint64(2*i), u)
		}
		b.place(func(at uint64) []byte {
			// lea rdx, [L"None"]
			out := cat([]byte{0x48, 0x8D, 0x15}, rel32(at+7, lit))
			if b.opts.LegacyNames {
				// mov rax, [GNames]
				out = cat(out, []byte{0x48, 0x8B, 0x05}, rel32(at+14, gnamesGlobal))
			} else {
				// lea rcx, [GNamePool]
				out = cat(out, []byte{0x48, 0x8D, 0x0D}, rel32(at+14, namePoolGlobal))
			}
			return cat(out, []byte{0xE8}, rel32(at+19, b.retStub), []byte{0xC3})
		})
	case b.opts.LegacyNames:
		b.place(func(at uint64) []byte {
			return cat(
				[]byte{0x48, 0x8B, 0x05}, rel32(at+7, gnamesGlobal),
				[]byte{0x48, 0x85, 0xC0, 0x75, 0x05, 0xB9, 0x08, 0x04, 0x00, 0x00},
				[]byte{0xE8}, rel32(at+22, b.retStub), []byte{0xC3},
			)
		})
	default:
		b.place(func(at uint64) []byte {
			return cat(
				[]byte{0x48, 0x8D, 0x0D}, rel32(at+7, namePoolGlobal),
				[]byte{0xE8}, rel32(at+12, b.retStub),
				[]byte{0xC6, 0x05}, rel32(at+19, poolInitFlag), []byte{0x01, 0xC3},
			)
		})
	}
}

// newObject allocates a UObject. Its class is looked up by name once everything is built.
func (b *builder) newObject(name string, number uint32, class string, outer uint64, size int, flags uint32) uint64 {
	obj := b.heap.alloc(size, 0x10)
	b.u64(obj, b.objVtable)
	b.setU32(obj, offsets.UObjectFlags, flags)
	b.setU32(obj, offsets.UObjectIndex, uint32(len(b.objects)))
	b.fname(b.field(obj, offsets.UObjectName), name, number)
	b.setPtr(obj, offsets.UObjectOuter, outer)
	b.objects = append(b.objects, obj)
	b.classOf = append(b.classOf, class)

	display := name
	if number != 0 {
		display = fmt.Sprintf("%s_%d", name, number-1)
	}
	path := display
	if outer != 0 {
		path = b.paths[outer] + "." + display
	}
	b.paths[obj] = path
	b.img.Objects[path] = obj
	return obj
}

func (b *builder) newClass(name string, pkg, super uint64, cast uint64, size, alignment int) uint64 {
	c := b.newObject(name, 0, "Class", pkg, b.s.classSize, flagsNative)
	b.setPtr(c, offsets.UStructSuper, super)
	b.setU32(c, offsets.UStructSize, uint32(size))
	b.setU32(c, offsets.UStructMinAlignment, uint32(alignment))
	b.u64(b.field(c, offsets.UClassCastFlags), cast)
	b.classes[name] = c
	b.img.StructSizes[b.paths[c]] = size
	return c
}

func (b *builder) newStruct(name string, pkg, super uint64, size, alignment int) uint64 {
	s := b.newObject(name, 0, "ScriptStruct", pkg, b.s.structSize, flagsStruct)
	b.setPtr(s, offsets.UStructSuper, super)
	b.setU32(s, offsets.UStructSize, uint32(size))
	b.setU32(s, offsets.UStructMinAlignment, uint32(alignment))
	// StructFlags: Native | Atomic | Immutable
	b.u32(s+0xB0+uint64(b.s.d), 0x31)
	b.img.StructSizes[b.paths[s]] = size
	return s
}

func (b *builder) cdo(class uint64, name string, pkg uint64) uint64 {
	obj := b.newObject("Default__"+name, 0, name, pkg, b.s.cdoSize, flagsDefault)
	b.setPtr(class, offsets.UClassDefaultObject, obj)
	return obj
}

func (b *builder) linkChild(owner, child uint64) {
	if last := b.lastChild[owner]; last != 0 {
		b.setPtr(last, offsets.UFieldNext, child)
	} else {
		b.setPtr(owner, offsets.UStructChildren, child)
	}
	b.lastChild[owner] = child
}

func (b *builder) newFunction(owner uint64, name string, flags uint32) uint64 {
	f := b.newObject(name, 0, "Function", owner, b.s.functionSize, flagsNative)
	b.setU32(f, offsets.UFunctionFlags, flags)
	b.setU32(f, offsets.UStructSize, 0x18)
	b.setU32(f, offsets.UStructMinAlignment, 8)
	exec := b.processStub
	if flags&funcNative != 0 {
		// sub rsp, 28h; add rsp, 28h; ret
		exec = b.code([]byte{0x48, 0x83, 0xEC, 0x28, 0x48, 0x83, 0xC4, 0x28, 0xC3})
	}
	b.setPtr(f, offsets.UFunctionExec, exec)
	b.linkChild(owner, f)
	return f
}

func (b *builder) propertyLink(owner uint64) uint64 {
	return owner + 0x70 + uint64(b.s.d)
}

// newProperty builds one property of owner. Linked properties are part of owner's property
// list; the rest are inner properties of containers, owned by another property.
func (b *builder) newProperty(owner uint64, linked bool, kind, name string, offset, size int) uint64 {
	alloc := align(b.s.propSize+0x10, 0x10)
	var p uint64
	if b.opts.UProperty {
		p = b.newObject(name, 0, kind, owner, alloc, flagsNative)
		if linked {
			b.linkChild(owner, p)
		}
	} else {
		p = b.heap.alloc(alloc, 0x10)
		b.u64(p, b.fieldVtable)
		b.setPtr(p, offsets.FFieldClass, b.fieldClass(kind))
		b.setPtr(p, offsets.FFieldOwner, owner)
		if linked {
			b.u8(b.field(p, offsets.FFieldOwner)+8, 1)
		}
		b.fname(b.field(p, offsets.FFieldName), name, 0)
		b.setU32(p, offsets.FFieldFlags, fieldFlags)
	}
	b.setU32(p, offsets.FPropertyArrayDim, 1)
	b.setU32(p, offsets.FPropertyElementSize, uint32(size))
	b.u64(b.field(p, offsets.FPropertyPropertyFlags), propFlags)
	b.setU32(p, offsets.FPropertyOffset, uint32(offset))

	if linked {
		last := b.lastProp[owner]
		if last == 0 {
			b.u64(b.propertyLink(owner), p)
			if !b.opts.UProperty {
				b.setPtr(owner, offsets.UStructChildProperties, p)
			}
		} else if !b.opts.UProperty {
			b.setPtr(last, offsets.FFieldNext, p)
		}
		b.lastProp[owner] = p
	}
	return p
}

func (b *builder) fieldClass(kind string) uint64 {
	if fc, ok := b.fieldClasses[kind]; ok {
		return fc
	}
	spec := fieldClassSpecFor(kind)
	var super uint64
	if spec.super != "" {
		super = b.fieldClass(spec.super)
	}
	fc := b.data.alloc(b.s.fieldClassSz, 8)
	b.fname(fc, kind, 0)
	b.fieldClassID++
	b.u64(b.field(fc, offsets.FFieldClassId), b.fieldClassID)
	b.u64(b.field(fc, offsets.FFieldClassCastFlags), spec.cast)
	b.setU32(fc, offsets.FFieldClassClassFlags, spec.classFlags)
	b.setPtr(fc, offsets.FFieldClassSuper, super)
	b.fieldClasses[kind] = fc
	return fc
}

func (b *builder) newEnum(pkg uint64, name string, values []string) uint64 {
	e := b.newObject(name, 0, "Enum", pkg, b.s.enumSize, flagsNative)
	b.fstring(e+0x30+uint64(b.s.d), name)
	pair := uint64(b.s.pairSize)
	arr := b.heap.alloc(int(pair)*len(values), 8)
	for i, v := range values {
		at := arr + uint64(i)*pair
		b.fname(at, v, 0)
		b.u64(at+pair-8, uint64(i))
	}
	b.tarray(b.field(e, offsets.UEnumNames), arr, len(values))
	return e
}

func (b *builder) buildCore() uint64 {
	s := b.s
	core := b.newObject("/Script/CoreUObject", 0, "Package", 0, s.packageSize, flagsNative)
	object := b.newClass("Object", core, 0, 0, s.uobjectSize, 8)
	field := b.newClass("Field", core, object, castField, 0x30+s.d, 8)
	strct := b.newClass("Struct", core, field, castField|castStruct, 0xB0+s.d, 8)
	b.newClass("Class", core, strct, castField|castStruct|castClass, s.classSize, 8)
	b.newClass("ScriptStruct", core, strct, castField|castStruct|castScriptStruct, s.structSize, 8)
	b.newClass("Function", core, strct, castField|castStruct|castFunction, s.functionSize, 8)
	b.newClass("Enum", core, field, castField|castEnum, s.enumSize, 8)
	b.newClass("Package", core, object, castPackage, s.packageSize, 8)
	b.newClass("Interface", core, object, 0, s.uobjectSize, 8)
	if b.opts.UProperty {
		for _, spec := range fieldClassSpecs {
			super := field
			if spec.super != "" {
				super = b.classes[spec.super]
			}
			b.newClass(spec.name, core, super, castField|spec.cast, align(s.propSize+8, 8), 8)
		}
	}
	b.cdo(object, "Object", core)

	es, floatKind := 4, "FloatProperty"
	if b.opts.LargeWorldCoordinates {
		es, floatKind = 8, "DoubleProperty"
	}
	vector := b.newStruct("Vector", core, 0, 3*es, es)
	for i, n := range []string{"X", "Y", "Z"} {
		b.newProperty(vector, true, floatKind, n, i*es, es)
	}
	guid := b.newStruct("Guid", core, 0, 16, 4)
	for i, n := range []string{"A", "B", "C", "D"} {
		b.newProperty(guid, true, "IntProperty", n, 4*i, 4)
	}
	box := b.newStruct("Box", core, 0, align(6*es+1, es), es)
	lo := b.newProperty(box, true, "StructProperty", "Min", 0, 3*es)
	b.setPtr(lo, offsets.StructPropertyStruct, vector)
	hi := b.newProperty(box, true, "StructProperty", "Max", 3*es, 3*es)
	b.setPtr(hi, offsets.StructPropertyStruct, vector)
	b.newProperty(box, true, "ByteProperty", "IsValid", 6*es, 1)

	fn := s.fnameSize
	path := b.newStruct("TopLevelAssetPath", core, 0, 2*fn, 4)
	b.newProperty(path, true, "NameProperty", "PackageName", 0, fn)
	b.newProperty(path, true, "NameProperty", "AssetName", fn, fn)
	return object
}

func (b *builder) buildEngine(object uint64) uint64 {
	s := b.s
	engine := b.newObject("/Script/Engine", 0, "Package", 0, s.packageSize, flagsNative)
	actor := b.newClass("Actor", engine, object, 0, 0x290, 8)
	pawn := b.newClass("Pawn", engine, actor, 0, 0x328, 8)
	b.newClass("Level", engine, object, 0, 0x398, 8)
	b.newClass("WorldSettings", engine, actor, 0, 0x4A0, 8)
	b.newClass("DataTable", engine, object, 0, 0xB0, 8)
	nav := b.newClass("NavAgentInterface", engine, b.classes["Interface"], 0, s.uobjectSize, 8)

	// Pawn implements NavAgentInterface: { Class, PointerOffset, bImplementedByK2 }
	impl := b.heap.alloc(0x10, 8)
	b.u64(impl, nav)
	b.u32(impl+8, 0x288)
	b.tarray(b.field(pawn, offsets.UClassImplementedInterfaces), impl, 1)

	netRole := b.newEnum(engine, "ENetRole", netRoles)
	movement := b.newEnum(engine, "EMovementMode", movementModes)

	b.newFunction(actor, "K2_GetActorLocation", funcNativeGetter|funcHasOutParms)
	b.newFunction(actor, "ReceiveBeginPlay", funcEvent|funcPublic|funcBlueprintEvent)
	b.newFunction(actor, "GetOwner", funcNativeGetter)
	b.newFunction(pawn, "GetController", funcNativeGetter)
	b.newFunction(pawn, "ReceiveRestart", funcEvent|funcPublic|funcBlueprintEvent)

	hidden := b.newProperty(actor, true, "BoolProperty", "bHidden", 0x58, 1)
	b.u8(b.field(hidden, offsets.BoolPropertyFieldSize), 1)
	b.u8(b.field(hidden, offsets.BoolPropertyByteOffset), 0)
	b.u8(b.field(hidden, offsets.BoolPropertyByteMask), 0x2)
	b.u8(b.field(hidden, offsets.BoolPropertyFieldMask), 0x2)
	role := b.newProperty(actor, true, "ByteProperty", "Role", 0x5C, 1)
	b.setPtr(role, offsets.BytePropertyEnum, netRole)
	tags := b.newProperty(actor, true, "ArrayProperty", "Tags", 0x60, 0x10)
	b.setPtr(tags, offsets.ArrayPropertyInner, b.newProperty(tags, false, "NameProperty", "Tags", 0, s.fnameSize))
	owner := b.newProperty(actor, true, "ObjectProperty", "Owner", 0x140, 8)
	b.setPtr(owner, offsets.ObjectPropertyClass, actor)
	instigator := b.newProperty(actor, true, "ObjectProperty", "Instigator", 0x148, 8)
	b.setPtr(instigator, offsets.ObjectPropertyClass, pawn)

	controller := b.newProperty(pawn, true, "ObjectProperty", "Controller", 0x298, 8)
	b.setPtr(controller, offsets.ObjectPropertyClass, actor)
	mode := b.newProperty(pawn, true, "EnumProperty", "LastMovementMode", 0x2A0, 1)
	b.setPtr(mode, offsets.EnumPropertyUnderlying, b.newProperty(mode, false, "ByteProperty", "UnderlyingType", 0, 1))
	b.setPtr(mode, offsets.EnumPropertyEnum, movement)

	rowBase := b.newStruct("TableRowBase", engine, 0, 8, 8)
	row := b.newStruct("ItemRow", engine, rowBase, 0x10, 8)
	b.newProperty(row, true, "IntProperty", "Count", 0x8, 4)
	b.newProperty(row, true, "FloatProperty", "Weight", 0xC, 4)

	b.cdo(actor, "Actor", engine)
	b.cdo(pawn, "Pawn", engine)
	return engine
}

func (b *builder) buildFillers(engine uint64) {
	n := b.opts.Fillers
	if n == 0 {
		n = DefaultFillers
	}
	actor := b.classes["Actor"]
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("FillerActor%02d", i)
		c := b.newClass(name, engine, actor, 0, 0x2B0+8*i, 8)
		for j := 0; j < 5; j++ {
			b.newFunction(c, fmt.Sprintf("Action%d", j), funcNative|funcPublic|funcBlueprintCallable)
		}
		b.newProperty(c, true, "IntProperty", "Counter", 0x290, 4)
		b.cdo(c, name, engine)
	}
}

func (b *builder) buildInstances() {
	s := b.s
	maps := b.newObject("/Game/Maps/Entry", 0, "Package", 0, s.packageSize, flagsContent)
	level := b.newObject("PersistentLevel", 0, "Level", maps, s.levelSize, flagsInstance)
	settings := b.newObject("WorldSettings", 0, "WorldSettings", level, 0x80+s.d, flagsInstance)
	pawn := b.newObject("DefaultPawn", 1, "Pawn", level, 0x80+s.d, flagsInstance)
	actors := b.heap.alloc(0x10, 8)
	b.u64(actors, settings)
	b.u64(actors+8, pawn)
	b.tarray(b.field(level, offsets.ULevelActors), actors, 2)

	pkg := b.newObject("/Game/Data/DT_Items", 0, "Package", 0, s.packageSize, flagsContent)
	table := b.newObject("DT_Items", 0, "DataTable", pkg, s.tableSize, flagsInstance)
	// RowStruct sits right behind the UObject header
	b.u64(table+uint64(s.uobjectSize), b.img.Objects["/Script/Engine.ItemRow"])
	elem := uint64(s.rowElemSize)
	slot := elem - 0x10
	rows := b.heap.alloc(2*int(elem), 8)
	for i, name := range []string{"Sword", "Shield"} {
		e := rows + uint64(i)*elem
		b.fname(e, name, 0)
		value := b.heap.alloc(0x10, 8)
		b.u32(value+8, uint32(1+i))
		b.u64(e+slot, value)
		b.u32(e+slot+8, 0xFFFFFFFF)
		b.u32(e+slot+12, uint32(i))
	}
	b.tarray(b.field(table, offsets.UDataTableRowMap), rows, 2)
}

func (b *builder) resolveClasses() {
	for i, obj := range b.objects {
		c, ok := b.classes[b.classOf[i]]
		if !ok {
			panic("uetest: no class " + b.classOf[i])
		}
		b.setPtr(obj, offsets.UObjectClass, c)
	}
}

func (b *builder) finishObjectArray() {
	n := len(b.objects)
	const stride = 0x18
	items := b.heap.alloc(n*stride, 0x10)
	for i, obj := range b.objects {
		b.u64(items+uint64(i*stride), obj)
	}

	// FUObjectArray: GC bookkeeping, then the array itself
	b.u32(objectArrayGlobal, uint32(n))
	b.u32(objectArrayGlobal+4, uint32(n-1))
	b.u32(objectArrayGlobal+8, uint32(n))
	objs := uint64(objectArrayGlobal + 0x10)
	if b.opts.FlatObjectArray {
		b.u64(objs, items)
		b.u32(objs+8, 0x20000)
		b.u32(objs+12, uint32(n))
	} else {
		maxChunks := chunkedMaxObjects/0x10000 + 1
		list := b.heap.alloc(maxChunks*8, 8)
		b.u64(list, items)
		b.u64(objs, list)
		b.u32(objs+0x10, chunkedMaxObjects)
		b.u32(objs+0x14, uint32(n))
		b.u32(objs+0x18, uint32(maxChunks))
		b.u32(objs+0x1C, 1)
	}
	b.img.ObjectArray = objs
	b.img.NumObjects = n
}

func (b *builder) finishNames() {
	if b.opts.LegacyNames {
		arr := b.heap.alloc(0x408, 8)
		b.u64(arr, NamesBase)
		b.u32(arr+0x400, uint32(b.legacyCount))
		b.u32(arr+0x404, 1)
		b.u64(gnamesGlobal, arr)
		b.img.NameTable = arr
		return
	}
	b.u32(namePoolGlobal+8, 0)
	b.u32(namePoolGlobal+0xC, b.poolCursor)
	b.u64(namePoolGlobal+0x10, NamesBase)
	b.img.NameTable = namePoolGlobal
}

func (b *builder) finishImage() {
	img := b.img
	img.Module = memory.Module{
		Name: ModuleName,
		Base: ModuleBase,
		Size: moduleSize,
		Sections: []memory.Section{
			{Name: ".text", Base: textBase, Size: textSize, Prot: memory.ProtRead | memory.ProtExec},
			{Name: ".rdata", Base: rdataBase, Size: rdataSize, Prot: memory.ProtRead},
			{Name: ".data", Base: dataBase, Size: dataSize, Prot: memory.ProtRead | memory.ProtWrite},
		},
	}
	for _, s := range b.segs {
		if err := img.AddRegion(s.region, s.data); err != nil {
			panic(err)
		}
	}
	img.AddModule(img.Module)
}
