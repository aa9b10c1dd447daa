// Package binaryload reads Il2CppCodeRegistration and
// Il2CppMetadataRegistration from a located pair of virtual addresses
// and walks every array and record they root: method/invoker/generic-
// method pointer tables, Il2CppType records, the field-offsets region,
// generic instances, the generic-method and method-spec tables, and
// (v24.2+) the code-gen-modules array with its per-module RGCTX data.
// Grounded on
// original_source/il2cpp_dumper_py/il2cpp/base.py's Il2Cpp.init /
// auto_plus_init, projected onto the version-aware schema (§4.B) the
// way metadata.go projects global-metadata.dat's tables.
package binaryload

import (
	"errors"
	"fmt"

	"github.com/go-kratos/kratos/v2/log"

	"github.com/il2cppdump/il2cppcore/bytestream"
	"github.com/il2cppdump/il2cppcore/formats"
	"github.com/il2cppdump/il2cppcore/locator"
	"github.com/il2cppdump/il2cppcore/schema"
)

// ErrFieldOffsetNotApplicable is returned by FieldOffset when the
// lookup does not resolve, mirroring get_field_offset_from_index's
// blanket except-return-(-1).
var ErrFieldOffsetNotApplicable = errors.New("binaryload: field offset not applicable")

// codeRegistrationStruct mirrors Il2CppCodeRegistration. Field order
// follows the sequence base.py's _load_pointers consults them in;
// the exact on-disk layout of this struct was not present in the
// retrieval pack's filtered structures.py (see DESIGN.md), so the
// layout here follows the widely published IL2CPP runtime struct
// ordering rather than a pack-local source.
var codeRegistrationStruct = &schema.Struct{
	Name: "Il2CppCodeRegistration",
	Fields: []schema.Field{
		schema.MaxVersion(schema.U32("method_pointers_count"), 24.1),
		schema.MaxVersion(schema.Ptr("method_pointers"), 24.1),

		schema.MinVersion(schema.U32("reverse_pinvoke_wrapper_count"), 22),
		schema.MinVersion(schema.Ptr("reverse_pinvoke_wrappers"), 22),

		schema.U32("generic_method_pointers_count"),
		schema.Ptr("generic_method_pointers"),

		schema.U32("invoker_pointers_count"),
		schema.Ptr("invoker_pointers"),

		schema.Versioned(schema.U32("custom_attribute_count"), 0, 26.99),
		schema.Versioned(schema.Ptr("custom_attribute_generators"), 0, 26.99),

		schema.MinVersion(schema.U32("unresolved_virtual_call_count"), 22),
		schema.MinVersion(schema.Ptr("unresolved_virtual_call_pointers"), 22),

		schema.U32("interop_data_count"),
		schema.Ptr("interop_data"),

		schema.U32("windows_runtime_factory_count"),
		schema.Ptr("windows_runtime_factory_table"),

		schema.MinVersion(schema.U32("code_gen_modules_count"), 24.2),
		schema.MinVersion(schema.Ptr("code_gen_modules"), 24.2),
	},
}

// metadataRegistrationStruct mirrors Il2CppMetadataRegistration, in
// the order §3's data-model list enumerates them.
var metadataRegistrationStruct = &schema.Struct{
	Name: "Il2CppMetadataRegistration",
	Fields: []schema.Field{
		schema.U32("generic_classes_count"),
		schema.Ptr("generic_classes"),

		schema.U32("generic_insts_count"),
		schema.Ptr("generic_insts"),

		schema.U32("generic_method_table_count"),
		schema.Ptr("generic_method_table"),

		schema.U32("types_count"),
		schema.Ptr("types"),

		schema.U32("method_specs_count"),
		schema.Ptr("method_specs"),

		schema.U32("field_offsets_count"),
		schema.Ptr("field_offsets"),

		schema.U32("type_definition_sizes_count"),
		schema.Ptr("type_definition_sizes"),

		schema.Versioned(schema.U32("metadata_usages_count"), 0, 26.99),
		schema.Versioned(schema.Ptr("metadata_usages"), 0, 26.99),
	},
}

// methodSpecStruct is fixed-size (3 int32) at every version, matching
// base.py's hand-unpacked "<iii".
var methodSpecStruct = &schema.Struct{
	Name: "Il2CppMethodSpec",
	Fields: []schema.Field{
		schema.I32("method_definition_index"),
		schema.I32("class_index_index"),
		schema.I32("method_index_index"),
	},
}

// genericMethodFuncDefStruct mirrors Il2CppGenericMethodFunctionsDefinitions:
// an index into the method-spec table plus the (methodIndex,
// invokerIndex) pair base.py calls "indices".
var genericMethodFuncDefStruct = &schema.Struct{
	Name: "Il2CppGenericMethodFunctionsDefinitions",
	Fields: []schema.Field{
		schema.I32("generic_method_index"),
		schema.I32("method_index"),
		schema.I32("invoker_index"),
	},
}

// codeGenModuleStruct mirrors Il2CppCodeGenModule (v24.2+).
var codeGenModuleStruct = &schema.Struct{
	Name: "Il2CppCodeGenModule",
	Fields: []schema.Field{
		schema.Ptr("module_name"),
		schema.U32("method_pointer_count"),
		schema.Ptr("method_pointers"),
		schema.Ptr("invoker_indices"),
		schema.Ptr("reverse_pinvoke_wrapper_indices"),
		schema.U32("rgctx_ranges_count"),
		schema.Ptr("rgctx_ranges"),
		schema.U32("rgctxs_count"),
		schema.Ptr("rgctxs"),
	},
}

// tokenRangePairStruct mirrors Il2CppTokenRangePair: a metadata token
// plus a (start, length) range into a module's RGCTX table.
var tokenRangePairStruct = &schema.Struct{
	Name: "Il2CppTokenRangePair",
	Fields: []schema.Field{
		schema.I32("token"),
		schema.I32("start"),
		schema.I32("length"),
	},
}

// rgctxDefinitionStruct mirrors Il2CppRGCTXDefinition. Pre-27.2 it is
// a (kind, data-pointer) pair; v27.2+ keeps kind and replaces the data
// pointer with one encoded 64-bit integer (§9 design notes).
var rgctxDefinitionStruct = &schema.Struct{
	Name: "Il2CppRGCTXDefinition",
	Fields: []schema.Field{
		schema.I32("kind"),
		schema.MaxVersion(schema.Ptr("data"), 27.1),
		schema.MinVersion(schema.I64("encoded"), 27.2),
	},
}

// Il2CppTypeEnum discriminants consulted by this package and the
// type-name resolver (§4.G); values match the IL2CPP runtime's
// Il2CppTypeEnum.
const (
	TypeVoid       = 0x01
	TypeBoolean    = 0x02
	TypeChar       = 0x03
	TypeI1         = 0x04
	TypeU1         = 0x05
	TypeI2         = 0x06
	TypeU2         = 0x07
	TypeI4         = 0x08
	TypeU4         = 0x09
	TypeI8         = 0x0a
	TypeU8         = 0x0b
	TypeR4         = 0x0c
	TypeR8         = 0x0d
	TypeString     = 0x0e
	TypePtr        = 0x0f
	TypeByRef      = 0x10
	TypeValueType  = 0x11
	TypeClass      = 0x12
	TypeVar        = 0x13
	TypeArray      = 0x14
	TypeGenericInst = 0x15
	TypeTypedByRef = 0x16
	TypeI          = 0x18
	TypeU          = 0x19
	TypeFnPtr      = 0x1b
	TypeObject     = 0x1c
	TypeSZArray    = 0x1d
	TypeMVar       = 0x1e
	TypeCModReqd   = 0x1f
	TypeCModOpt    = 0x20
	TypeInternal   = 0x21
	TypeModifier   = 0x40
	TypeSentinel   = 0x41
	TypePinned     = 0x45
)

// Il2CppType is one decoded type record: the raw 12-byte union plus
// its unpacked bitfield.
type Il2CppType struct {
	VA        uint64
	Datapoint uint64
	Bits      uint32

	Attrs     uint16
	Type      uint8
	NumMods   uint8
	ByRef     bool
	Pinned    bool
	ValueType bool
}

// decodeTypeBits implements the v27.2 bitfield split documented in
// §9: pre-27.2 packs (attrs:16, type:8, num_mods:6, byref:1, pinned:1)
// with value-type-ness derived from the type discriminant; v27.2+
// narrows num_mods to 5 bits, carves out an explicit valuetype bit,
// and relocates pinned to bit 30.
func decodeTypeBits(version float64, bits uint32) (attrs uint16, typ uint8, numMods uint8, byRef, pinned, valueType bool) {
	attrs = uint16(bits & 0xFFFF)
	typ = uint8((bits >> 16) & 0xFF)
	if version >= 27.2 {
		numMods = uint8((bits >> 24) & 0x1F)
		valueType = (bits>>29)&1 != 0
		pinned = (bits>>30)&1 != 0
		byRef = (bits>>31)&1 != 0
		return
	}
	numMods = uint8((bits >> 24) & 0x3F)
	byRef = (bits>>30)&1 != 0
	pinned = (bits>>31)&1 != 0
	valueType = typ == TypeValueType
	return
}

// GenericInst mirrors Il2CppGenericInst: a length and a pointer to a
// type_argc-element array of Il2CppType pointers.
type GenericInst struct {
	TypeArgc uint64
	TypeArgv uint64
}

// MethodSpec mirrors Il2CppMethodSpec.
type MethodSpec struct {
	MethodDefinitionIndex int32
	ClassIndexIndex       int32
	MethodIndexIndex      int32
}

// Options configures the binary loader.
type Options struct {
	Logger *log.Helper

	// FieldOffsetsArePointers overrides the v21 probe (SPEC_FULL §9
	// open question): nil means "probe as documented".
	FieldOffsetsArePointers *bool
}

// Loader is a fully-walked binary: both registration roots and every
// array/table they reference.
type Loader struct {
	img     formats.Image
	reader  *bytestream.Reader
	ptrSize uint64
	logger  *log.Helper

	Version                float64
	CodeRegistrationVA      uint64
	MetadataRegistrationVA  uint64
	CodeRegistration        schema.Values
	MetadataRegistration    schema.Values

	MethodPointers                []uint64
	GenericMethodPointers         []uint64
	InvokerPointers                []uint64
	CustomAttributeGenerators      []uint64
	ReversePInvokeWrappers         []uint64
	UnresolvedVirtualCallPointers  []uint64
	MetadataUsages                 []uint64

	Types      []*Il2CppType
	typeByVA   map[uint64]*Il2CppType

	fieldOffsetsArePointers bool
	fieldOffsets            []uint64

	GenericInstPointers []uint64
	GenericInsts        []GenericInst

	GenericMethodTable []schema.Values
	MethodSpecs        []MethodSpec

	// MethodDefinitionMethodSpecs maps a method-definition index to the
	// indices into MethodSpecs that specialize it.
	MethodDefinitionMethodSpecs map[int32][]int
	// MethodSpecGenericMethodPointer maps an index into MethodSpecs to
	// the generic-method pointer realizing it.
	MethodSpecGenericMethodPointer map[int]uint64

	// CodeGenModules, CodeGenModuleMethodPointers and
	// RGCTXsByModule are keyed by module (assembly) name, v24.2+ only.
	CodeGenModules             map[string]schema.Values
	CodeGenModuleMethodPointers map[string][]uint64
	RGCTXsByModule             map[string]map[int32][]schema.Values

	anomalies []string
}

// New reads both registration structs at the given VAs and walks
// every table they root. version is the metadata-derived IL2CPP
// version prior to any binary-side subversion correction; New applies
// both correction passes (§4.E's invoker-gated pass, then this
// package's generic-method/reverse-pinvoke/interop-gated pass) before
// settling on a final Version.
func New(img formats.Image, codeRegVA, metaRegVA uint64, version float64, opts Options) (*Loader, error) {
	l := &Loader{
		img:                            img,
		reader:                         img.Reader(),
		ptrSize:                        uint64(img.PointerSize()),
		logger:                         opts.Logger,
		Version:                        version,
		CodeRegistrationVA:             codeRegVA,
		MetadataRegistrationVA:         metaRegVA,
		typeByVA:                       map[uint64]*Il2CppType{},
		MethodDefinitionMethodSpecs:    map[int32][]int{},
		MethodSpecGenericMethodPointer: map[int]uint64{},
		CodeGenModules:                 map[string]schema.Values{},
		CodeGenModuleMethodPointers:   map[string][]uint64{},
		RGCTXsByModule:                 map[string]map[int32][]schema.Values{},
	}

	if err := l.readCodeRegistration(); err != nil {
		return nil, err
	}
	if err := l.correctSubversions(); err != nil {
		return nil, err
	}

	mr, err := l.readStructAt(l.MetadataRegistrationVA, metadataRegistrationStruct)
	if err != nil {
		return nil, fmt.Errorf("binaryload: reading Il2CppMetadataRegistration: %w", err)
	}
	l.MetadataRegistration = mr

	if err := l.loadPointers(); err != nil {
		return nil, err
	}
	if err := l.loadTypes(); err != nil {
		return nil, err
	}
	if err := l.loadFieldOffsets(opts.FieldOffsetsArePointers); err != nil {
		return nil, err
	}
	if err := l.loadGenerics(); err != nil {
		return nil, err
	}
	if l.Version >= 24.2 {
		if err := l.loadCodeGenModules(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *Loader) readCodeRegistration() error {
	cr, err := l.readStructAt(l.CodeRegistrationVA, codeRegistrationStruct)
	if err != nil {
		return fmt.Errorf("binaryload: reading Il2CppCodeRegistration: %w", err)
	}
	l.CodeRegistration = cr
	return nil
}

// correctSubversions applies both subversion-auto-correction passes
// (§4.E) back to back, re-reading Il2CppCodeRegistration after either
// fires. They are gated on disjoint fields and apply different VA
// shifts, so both always run rather than short-circuiting each other.
func (l *Loader) correctSubversions() error {
	invokerCount, _ := l.CodeRegistration["invoker_pointers_count"].(uint32)
	if newVersion, newVA, corrected := locator.CorrectCodeRegistrationSubversion(l.Version, invokerCount, l.CodeRegistrationVA, l.ptrSize); corrected {
		l.warn(fmt.Sprintf("invoker_pointers_count %d exceeds sanity ceiling at v%v; correcting to v%v", invokerCount, l.Version, newVersion))
		l.Version = newVersion
		l.CodeRegistrationVA = newVA
		if err := l.readCodeRegistration(); err != nil {
			return err
		}
	}

	genericMethodCount, _ := l.CodeRegistration["generic_method_pointers_count"].(uint32)
	reversePInvokeCount, _ := l.CodeRegistration["reverse_pinvoke_wrapper_count"].(uint32)
	interopDataCount, _ := l.CodeRegistration["interop_data_count"].(uint32)
	if newVersion, newVA, corrected := correctSubversion2(l.Version, genericMethodCount, reversePInvokeCount, interopDataCount, l.ptrSize, l.CodeRegistrationVA); corrected {
		l.warn(fmt.Sprintf("second subversion pass: v%v -> v%v", l.Version, newVersion))
		l.Version = newVersion
		l.CodeRegistrationVA = newVA
		if err := l.readCodeRegistration(); err != nil {
			return err
		}
	}
	return nil
}

// correctSubversion2 implements base.py's auto_plus_init ladder: it
// gates on generic_method_pointers_count (v31/v29), on
// reverse_pinvoke_wrapper_count (v27/v24.4), and on interop_data_count
// == 0 (v24.2) — distinct fields from §4.E's invoker_pointers_count
// gate, and a distinct pointer-size shift per branch. v24.4 shifts the
// VA unconditionally (matching the original literally) and only also
// renames the version to 24.5 when the reverse-pinvoke count confirms
// it; v31 shifts without renaming, also matching the original.
func correctSubversion2(version float64, genericMethodPointersCount, reversePInvokeWrapperCount, interopDataCount uint32, ptrSize, codeRegVA uint64) (newVersion float64, newVA uint64, corrected bool) {
	const limit = 0x50000
	switch version {
	case 31:
		if genericMethodPointersCount > limit {
			return version, codeRegVA - ptrSize*2, true
		}
	case 29:
		if genericMethodPointersCount > limit {
			return 29.1, codeRegVA - ptrSize*2, true
		}
	case 27:
		if reversePInvokeWrapperCount > limit {
			return 27.1, codeRegVA - ptrSize, true
		}
	case 24.4:
		shifted := codeRegVA - ptrSize*2
		if reversePInvokeWrapperCount > limit {
			return 24.5, shifted - ptrSize, true
		}
		return version, shifted, true
	case 24.2:
		if interopDataCount == 0 {
			return 24.3, codeRegVA - ptrSize*2, true
		}
	}
	return version, codeRegVA, false
}

func (l *Loader) readStructAt(va uint64, s *schema.Struct) (schema.Values, error) {
	off, err := l.img.VAToOffset(va)
	if err != nil {
		return nil, err
	}
	l.reader.Seek(off)
	return s.ReadInto(l.reader, l.Version)
}

func (l *Loader) readPointerArrayAt(va uint64, count uint64) ([]uint64, error) {
	if count == 0 {
		return nil, nil
	}
	off, err := l.img.VAToOffset(va)
	if err != nil {
		return nil, err
	}
	l.reader.Seek(off)
	return l.reader.ReadPointerArray(count)
}

func (l *Loader) u32(v schema.Values, name string) uint32 {
	x, _ := v[name].(uint32)
	return x
}

func (l *Loader) ptr(v schema.Values, name string) uint64 {
	x, _ := v[name].(uint64)
	return x
}

// loadPointers implements base.py's _load_pointers.
func (l *Loader) loadPointers() error {
	cr := l.CodeRegistration
	mr := l.MetadataRegistration
	var err error

	if l.Version <= 24.1 {
		if n := l.u32(cr, "method_pointers_count"); n > 0 {
			if l.MethodPointers, err = l.readPointerArrayAt(l.ptr(cr, "method_pointers"), uint64(n)); err != nil {
				return err
			}
		}
	}

	if n := l.u32(cr, "generic_method_pointers_count"); n > 0 {
		if l.GenericMethodPointers, err = l.readPointerArrayAt(l.ptr(cr, "generic_method_pointers"), uint64(n)); err != nil {
			return err
		}
	}

	if n := l.u32(cr, "invoker_pointers_count"); n > 0 {
		if l.InvokerPointers, err = l.readPointerArrayAt(l.ptr(cr, "invoker_pointers"), uint64(n)); err != nil {
			return err
		}
	}

	if l.Version < 27 {
		if n := l.u32(cr, "custom_attribute_count"); n > 0 {
			if l.CustomAttributeGenerators, err = l.readPointerArrayAt(l.ptr(cr, "custom_attribute_generators"), uint64(n)); err != nil {
				return err
			}
		}
	}

	if l.Version > 16 && l.Version < 27 {
		if n := l.u32(mr, "metadata_usages_count"); n > 0 {
			if l.MetadataUsages, err = l.readPointerArrayAt(l.ptr(mr, "metadata_usages"), uint64(n)); err != nil {
				return err
			}
		}
	}

	if l.Version >= 22 {
		if n := l.u32(cr, "reverse_pinvoke_wrapper_count"); n > 0 {
			if l.ReversePInvokeWrappers, err = l.readPointerArrayAt(l.ptr(cr, "reverse_pinvoke_wrappers"), uint64(n)); err != nil {
				return err
			}
		}
		if n := l.u32(cr, "unresolved_virtual_call_count"); n > 0 {
			if l.UnresolvedVirtualCallPointers, err = l.readPointerArrayAt(l.ptr(cr, "unresolved_virtual_call_pointers"), uint64(n)); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadTypes implements base.py's _load_types (the type-record half;
// field offsets are split into loadFieldOffsets below).
func (l *Loader) loadTypes() error {
	mr := l.MetadataRegistration
	count := l.u32(mr, "types_count")
	pointers, err := l.readPointerArrayAt(l.ptr(mr, "types"), uint64(count))
	if err != nil {
		return err
	}

	l.Types = make([]*Il2CppType, 0, len(pointers))
	for _, p := range pointers {
		off, err := l.img.VAToOffset(p)
		if err != nil {
			l.warn(fmt.Sprintf("type pointer %#x outside any loaded region", p))
			continue
		}
		l.reader.Seek(off)
		datapoint, err := l.reader.ReadUint64()
		if err != nil {
			return fmt.Errorf("binaryload: reading Il2CppType at %#x: %w", p, err)
		}
		bits, err := l.reader.ReadUint32()
		if err != nil {
			return fmt.Errorf("binaryload: reading Il2CppType at %#x: %w", p, err)
		}
		attrs, typ, numMods, byRef, pinned, valueType := decodeTypeBits(l.Version, bits)
		t := &Il2CppType{
			VA:        p,
			Datapoint: datapoint,
			Bits:      bits,
			Attrs:     attrs,
			Type:      typ,
			NumMods:   numMods,
			ByRef:     byRef,
			Pinned:    pinned,
			ValueType: valueType,
		}
		l.Types = append(l.Types, t)
		l.typeByVA[p] = t
	}
	return nil
}

// TypeAt returns the decoded Il2CppType whose pointer in the types
// array was va, mirroring get_il2cpp_type.
func (l *Loader) TypeAt(va uint64) (*Il2CppType, bool) {
	t, ok := l.typeByVA[va]
	return t, ok
}

// loadFieldOffsets implements the flat-array-vs-per-type-pointer-table
// detection (§4.F item 4, §9's v21 open question with its caller
// override).
func (l *Loader) loadFieldOffsets(override *bool) error {
	mr := l.MetadataRegistration
	count := l.u32(mr, "field_offsets_count")
	va := l.ptr(mr, "field_offsets")

	switch {
	case override != nil:
		l.fieldOffsetsArePointers = *override
	case l.Version > 21:
		l.fieldOffsetsArePointers = true
	case l.Version == 21:
		probeCount := uint64(count)
		if probeCount > 6 {
			probeCount = 6
		}
		probe, err := l.readPointerArrayAt(va, probeCount)
		if err != nil {
			return err
		}
		l.fieldOffsetsArePointers = len(probe) == 6 &&
			probe[0] == 0 && probe[1] == 0 && probe[2] == 0 &&
			probe[3] == 0 && probe[4] == 0 && probe[5] > 0
	default:
		l.fieldOffsetsArePointers = false
	}

	if l.fieldOffsetsArePointers {
		offsets, err := l.readPointerArrayAt(va, uint64(count))
		if err != nil {
			return err
		}
		l.fieldOffsets = offsets
		return nil
	}

	off, err := l.img.VAToOffset(va)
	if err != nil {
		return err
	}
	l.reader.Seek(off)
	u32s, err := l.reader.ReadUint32Array(uint64(count))
	if err != nil {
		return err
	}
	l.fieldOffsets = make([]uint64, len(u32s))
	for i, v := range u32s {
		l.fieldOffsets[i] = uint64(v)
	}
	return nil
}

// FieldOffset implements get_field_offset_from_index (§4.F "Field
// offset lookup"). Failures return ErrFieldOffsetNotApplicable rather
// than a bogus offset.
func (l *Loader) FieldOffset(typeIndex, fieldIndexInType, globalFieldIndex int32, isValueType, isStatic bool) (int64, error) {
	var offset int64 = -1

	if l.fieldOffsetsArePointers {
		if typeIndex < 0 || int(typeIndex) >= len(l.fieldOffsets) {
			return -1, ErrFieldOffsetNotApplicable
		}
		tablePtr := l.fieldOffsets[typeIndex]
		if tablePtr == 0 {
			return -1, ErrFieldOffsetNotApplicable
		}
		off, err := l.img.VAToOffset(tablePtr)
		if err != nil {
			return -1, ErrFieldOffsetNotApplicable
		}
		l.reader.Seek(off + uint64(fieldIndexInType)*4)
		v, err := l.reader.ReadInt32()
		if err != nil {
			return -1, ErrFieldOffsetNotApplicable
		}
		offset = int64(v)
	} else {
		if globalFieldIndex < 0 || int(globalFieldIndex) >= len(l.fieldOffsets) {
			return -1, ErrFieldOffsetNotApplicable
		}
		offset = int64(l.fieldOffsets[globalFieldIndex])
	}

	if offset > 0 && isValueType && !isStatic {
		if l.ptrSize == 4 {
			offset -= 8
		} else {
			offset -= 16
		}
	}
	return offset, nil
}

// loadGenerics implements base.py's _load_generics.
func (l *Loader) loadGenerics() error {
	mr := l.MetadataRegistration

	instCount := l.u32(mr, "generic_insts_count")
	instPointers, err := l.readPointerArrayAt(l.ptr(mr, "generic_insts"), uint64(instCount))
	if err != nil {
		return err
	}
	l.GenericInstPointers = instPointers

	l.GenericInsts = make([]GenericInst, 0, len(instPointers))
	for _, p := range instPointers {
		off, err := l.img.VAToOffset(p)
		if err != nil {
			l.warn(fmt.Sprintf("generic inst pointer %#x outside any loaded region", p))
			continue
		}
		l.reader.Seek(off)
		argc, err := l.reader.ReadUint64()
		if err != nil {
			return err
		}
		argv, err := l.reader.ReadUint64()
		if err != nil {
			return err
		}
		l.GenericInsts = append(l.GenericInsts, GenericInst{TypeArgc: argc, TypeArgv: argv})
	}

	gmtCount := l.u32(mr, "generic_method_table_count")
	if gmtCount > 0 {
		off, err := l.img.VAToOffset(l.ptr(mr, "generic_method_table"))
		if err != nil {
			return err
		}
		l.reader.Seek(off)
		l.GenericMethodTable = make([]schema.Values, 0, gmtCount)
		for i := uint32(0); i < gmtCount; i++ {
			v, err := genericMethodFuncDefStruct.ReadInto(l.reader, l.Version)
			if err != nil {
				return fmt.Errorf("binaryload: reading generic method table[%d]: %w", i, err)
			}
			l.GenericMethodTable = append(l.GenericMethodTable, v)
		}
	}

	specCount := l.u32(mr, "method_specs_count")
	if specCount > 0 {
		off, err := l.img.VAToOffset(l.ptr(mr, "method_specs"))
		if err != nil {
			return err
		}
		l.reader.Seek(off)
		l.MethodSpecs = make([]MethodSpec, specCount)
		for i := uint32(0); i < specCount; i++ {
			v, err := methodSpecStruct.ReadInto(l.reader, l.Version)
			if err != nil {
				return fmt.Errorf("binaryload: reading method spec[%d]: %w", i, err)
			}
			l.MethodSpecs[i] = MethodSpec{
				MethodDefinitionIndex: v["method_definition_index"].(int32),
				ClassIndexIndex:       v["class_index_index"].(int32),
				MethodIndexIndex:      v["method_index_index"].(int32),
			}
		}
	}

	for _, table := range l.GenericMethodTable {
		specIdx := int(table["generic_method_index"].(int32))
		if specIdx < 0 || specIdx >= len(l.MethodSpecs) {
			l.warn(fmt.Sprintf("generic method table entry references out-of-range method spec %d", specIdx))
			continue
		}
		spec := l.MethodSpecs[specIdx]
		methodDefIdx := spec.MethodDefinitionIndex
		l.MethodDefinitionMethodSpecs[methodDefIdx] = append(l.MethodDefinitionMethodSpecs[methodDefIdx], specIdx)

		methodIdx := int(table["method_index"].(int32))
		if methodIdx >= 0 && methodIdx < len(l.GenericMethodPointers) {
			l.MethodSpecGenericMethodPointer[specIdx] = l.GenericMethodPointers[methodIdx]
		}
	}
	return nil
}

// loadCodeGenModules implements base.py's _load_code_gen_modules
// (v24.2+).
func (l *Loader) loadCodeGenModules() error {
	cr := l.CodeRegistration
	count := l.u32(cr, "code_gen_modules_count")
	modulePointers, err := l.readPointerArrayAt(l.ptr(cr, "code_gen_modules"), uint64(count))
	if err != nil {
		return err
	}

	for _, p := range modulePointers {
		module, err := l.readStructAt(p, codeGenModuleStruct)
		if err != nil {
			return fmt.Errorf("binaryload: reading Il2CppCodeGenModule at %#x: %w", p, err)
		}
		nameOff, err := l.img.VAToOffset(l.ptr(module, "module_name"))
		if err != nil {
			return err
		}
		name, err := l.reader.ReadCStringAt(nameOff)
		if err != nil {
			return err
		}
		l.CodeGenModules[name] = module

		methodPtrCount := l.u32(module, "method_pointer_count")
		methodPtrs, err := l.readPointerArrayAt(l.ptr(module, "method_pointers"), uint64(methodPtrCount))
		if err != nil {
			// original_source swallows this failure and synthesizes a
			// zero-filled table rather than aborting the whole load.
			l.warn(fmt.Sprintf("module %s: method pointer table unreadable, using zero-filled placeholder", name))
			methodPtrs = make([]uint64, methodPtrCount)
		}
		l.CodeGenModuleMethodPointers[name] = methodPtrs

		rgctxDict := map[int32][]schema.Values{}
		l.RGCTXsByModule[name] = rgctxDict

		rgctxCount := l.u32(module, "rgctxs_count")
		rangeCount := l.u32(module, "rgctx_ranges_count")
		if rgctxCount == 0 || rangeCount == 0 {
			continue
		}

		rgctxOff, err := l.img.VAToOffset(l.ptr(module, "rgctxs"))
		if err != nil {
			return err
		}
		l.reader.Seek(rgctxOff)
		rgctxs := make([]schema.Values, rgctxCount)
		for i := uint32(0); i < rgctxCount; i++ {
			v, err := rgctxDefinitionStruct.ReadInto(l.reader, l.Version)
			if err != nil {
				return fmt.Errorf("binaryload: module %s: reading rgctx[%d]: %w", name, i, err)
			}
			rgctxs[i] = v
		}

		rangeOff, err := l.img.VAToOffset(l.ptr(module, "rgctx_ranges"))
		if err != nil {
			return err
		}
		l.reader.Seek(rangeOff)
		for i := uint32(0); i < rangeCount; i++ {
			v, err := tokenRangePairStruct.ReadInto(l.reader, l.Version)
			if err != nil {
				return fmt.Errorf("binaryload: module %s: reading rgctx range[%d]: %w", name, i, err)
			}
			start := v["start"].(int32)
			length := v["length"].(int32)
			if start < 0 || length < 0 || int(start+length) > len(rgctxs) {
				l.warn(fmt.Sprintf("module %s: rgctx range [%d,%d) out of bounds", name, start, start+length))
				continue
			}
			rgctxDict[v["token"].(int32)] = rgctxs[start : start+length]
		}
	}
	return nil
}

// MethodPointer implements get_method_pointer (§4.F "Method pointer
// lookup"): v24.2+ selects the owning module by assembly name and
// indexes by the low 24 bits of the method token; earlier versions
// index the flat method-pointers array by method_index.
func (l *Loader) MethodPointer(imageName string, methodToken uint32, methodIndex int32) uint64 {
	if l.Version >= 24.2 {
		ptrs := l.CodeGenModuleMethodPointers[imageName]
		idx := methodToken & 0x00FFFFFF
		if idx > 0 && int(idx) <= len(ptrs) {
			return ptrs[idx-1]
		}
		return 0
	}
	if methodIndex >= 0 && int(methodIndex) < len(l.MethodPointers) {
		return l.MethodPointers[methodIndex]
	}
	return 0
}

func (l *Loader) warn(msg string) {
	l.anomalies = append(l.anomalies, msg)
	if l.logger != nil {
		l.logger.Warnf("binaryload: %s", msg)
	}
}

// Anomalies returns the non-fatal warnings collected while loading.
func (l *Loader) Anomalies() []string { return l.anomalies }

// Reader exposes the underlying byte stream, for components that need
// to read additional regions (e.g. the resolver reading an
// Il2CppGenericClass pointed to by a GENERICINST's datapoint).
func (l *Loader) Reader() *bytestream.Reader { return l.reader }

// VAToOffset exposes the image's VA translation for callers that read
// structures this package does not bulk-load (e.g. the name resolver
// reading an Il2CppGenericClass on demand).
func (l *Loader) VAToOffset(va uint64) (uint64, error) { return l.img.VAToOffset(va) }

// PointerSize reports the image's pointer width in bytes.
func (l *Loader) PointerSize() uint64 { return l.ptrSize }

// IsDumped reports whether the image is a memory dump, consulted by
// the resolver's image-base-relative handle translation on v27+
// dumped files (§4.G).
func (l *Loader) IsDumped() bool { return l.img.IsDumped() }

// ImageBase exposes the image's base VA, used by the same v27+
// dumped-file handle translation.
func (l *Loader) ImageBase() uint64 { return l.img.ImageBase() }

// ReadStructAt reads one version-aware struct at va, exposed so the
// resolver can read Il2CppGenericClass records on demand the way
// base.py's map_vatr_class does, without this package needing to know
// the resolver's struct layout.
func (l *Loader) ReadStructAt(va uint64, s *schema.Struct) (schema.Values, error) {
	return l.readStructAt(va, s)
}

// ReadPointerArrayAt reads count pointer-sized words at va, exposed so
// the resolver can read an on-demand Il2CppGenericInst's type_argv
// array (base.py's map_vatr_array).
func (l *Loader) ReadPointerArrayAt(va uint64, count uint64) ([]uint64, error) {
	return l.readPointerArrayAt(va, count)
}
