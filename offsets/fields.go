/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

package offsets

// symbolic field names
const (
	UObjectVft               = "UObject.Vft"
	UObjectFlags             = "UObject.Flags"
	UObjectIndex             = "UObject.Index"
	UObjectClass             = "UObject.Class"
	UObjectName              = "UObject.Name"
	UObjectOuter             = "UObject.Outer"
	UObjectProcessEventIndex = "UObject.ProcessEventIndex"

	FNameComparisonIndex = "FName.ComparisonIndex"
	FNameNumber          = "FName.Number"

	UFieldNext = "UField.Next"

	UStructSuper           = "UStruct.SuperStruct"
	UStructChildren        = "UStruct.Children"
	UStructChildProperties = "UStruct.ChildProperties"
	UStructSize            = "UStruct.Size"
	UStructMinAlignment    = "UStruct.MinAlignment"

	UClassCastFlags             = "UClass.CastFlags"
	UClassDefaultObject         = "UClass.ClassDefaultObject"
	UClassImplementedInterfaces = "UClass.ImplementedInterfaces"

	UEnumNames = "UEnum.Names"

	UFunctionFlags = "UFunction.FunctionFlags"
	UFunctionExec  = "UFunction.ExecFunction"

	FFieldClass = "FField.Class"
	FFieldOwner = "FField.Owner"
	FFieldNext  = "FField.Next"
	FFieldName  = "FField.Name"
	FFieldFlags = "FField.Flags"

	FFieldClassName       = "FFieldClass.Name"
	FFieldClassId         = "FFieldClass.Id"
	FFieldClassCastFlags  = "FFieldClass.CastFlags"
	FFieldClassClassFlags = "FFieldClass.ClassFlags"
	FFieldClassSuper      = "FFieldClass.SuperClass"

	FPropertyArrayDim      = "FProperty.ArrayDim"
	FPropertyElementSize   = "FProperty.ElementSize"
	FPropertyPropertyFlags = "FProperty.PropertyFlags"
	FPropertyOffset        = "FProperty.Offset_Internal"
	FPropertySize          = "FProperty.Size"

	ObjectPropertyClass       = "ObjectProperty.PropertyClass"
	ClassPropertyMetaClass    = "ClassProperty.MetaClass"
	StructPropertyStruct      = "StructProperty.Struct"
	ArrayPropertyInner        = "ArrayProperty.Inner"
	EnumPropertyUnderlying    = "EnumProperty.UnderlyingProp"
	EnumPropertyEnum          = "EnumProperty.Enum"
	BytePropertyEnum          = "ByteProperty.Enum"
	MapPropertyKey            = "MapProperty.KeyProp"
	MapPropertyValue          = "MapProperty.ValueProp"
	SetPropertyElement        = "SetProperty.ElementProp"
	DelegatePropertySignature = "DelegateProperty.SignatureFunction"
	BoolPropertyFieldSize     = "BoolProperty.FieldSize"
	BoolPropertyByteOffset    = "BoolProperty.ByteOffset"
	BoolPropertyByteMask      = "BoolProperty.ByteMask"
	BoolPropertyFieldMask     = "BoolProperty.FieldMask"

	ULevelActors     = "ULevel.Actors"
	UDataTableRowMap = "UDataTable.RowMap"
)

// FieldInfo is the documented fallback for one field, used when its search fails and no
// better default can be derived from its neighbours.
type FieldInfo struct {
	Name     string
	Offset64 int
	Offset32 int
}

// defaults follow a stock UE5 shipping build
var defaults = []FieldInfo{
	{UObjectFlags, 0x08, 0x04},
	{UObjectIndex, 0x0C, 0x08},
	{UObjectClass, 0x10, 0x0C},
	{UObjectName, 0x18, 0x10},
	{UObjectOuter, 0x20, 0x18},
	{UFieldNext, 0x28, 0x1C},
	{UStructSuper, 0x40, 0x2C},
	{UStructChildren, 0x48, 0x30},
	{UStructChildProperties, 0x50, 0x34},
	{UStructSize, 0x58, 0x38},
	{UStructMinAlignment, 0x5C, 0x3C},
	{UClassCastFlags, 0xD8, 0x90},
	{UClassDefaultObject, 0x110, 0xB0},
	{UEnumNames, 0x40, 0x28},
	{UFunctionFlags, 0xB0, 0x80},
	{UFunctionExec, 0xD8, 0x98},
	{FFieldClass, 0x08, 0x04},
	{FFieldOwner, 0x10, 0x08},
	{FFieldNext, 0x20, 0x10},
	{FFieldName, 0x28, 0x14},
	{FFieldFlags, 0x30, 0x1C},
	{FFieldClassName, 0x00, 0x00},
	{FFieldClassId, 0x08, 0x08},
	{FFieldClassCastFlags, 0x10, 0x10},
	{FFieldClassClassFlags, 0x18, 0x18},
	{FFieldClassSuper, 0x20, 0x20},
	{FPropertyArrayDim, 0x38, 0x20},
	{FPropertyElementSize, 0x3C, 0x24},
	{FPropertyPropertyFlags, 0x40, 0x28},
	{FPropertyOffset, 0x4C, 0x34},
	{FPropertySize, 0x78, 0x50},
	{ULevelActors, 0x98, 0x58},
	{UDataTableRowMap, 0x30, 0x20},
}

// Default returns the documented fallback for name, or NotFound if there is none.
func Default(name string, is32Bit bool) int {
	for _, f := range defaults {
		if f.Name == name {
			if is32Bit {
				return f.Offset32
			}
			return f.Offset64
		}
	}
	return NotFound
}
