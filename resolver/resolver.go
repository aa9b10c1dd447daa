// Package resolver turns the raw tables the metadata loader and
// binary loader expose into the names a human-readable dump wants:
// type names, type-definition names, method-spec names, and decoded
// default values. Grounded on
// original_source/il2cpp_dumper_py/executor/il2cpp_executor.py's
// Il2CppExecutor, carrying over its three memoization caches and its
// version-gated handle-translation branches (§4.G).
package resolver

import (
	"fmt"

	"github.com/go-kratos/kratos/v2/log"

	"github.com/il2cppdump/il2cppcore/binaryload"
	"github.com/il2cppdump/il2cppcore/metadata"
	"github.com/il2cppdump/il2cppcore/schema"
)

// genericClassStruct mirrors Il2CppGenericClass. As with
// Il2CppCodeRegistration in the binary loader, the retrieval pack's
// filtered structures.py carries no concrete field layout (see
// DESIGN.md) — this follows the widely published runtime layout:
// pre-27 a 32-bit type-definition index followed by a generic context
// (two pointers); v27+ a pointer-sized type handle in its place. The
// pre-27/64-bit case pads four bytes between the index and the
// context so the pointers stay naturally aligned, mirrored explicitly
// below since schema.Struct has no padding primitive for a field whose
// width depends on a sibling field's width.
type genericClass struct {
	TypeDefinitionIndex int32
	Type                uint64
	ClassInst           uint64
	MethodInst           uint64
}

// genericInst mirrors Il2CppGenericInst as read on demand at an
// arbitrary VA (as opposed to binaryload.Loader.GenericInsts, which is
// the bulk-loaded table indexed by position). Same 16-byte-on-64-bit
// layout base.py's _load_generics reads with a fixed "<QQ" unpack.
type genericInst struct {
	TypeArgc uint64
	TypeArgv uint64
}

// primitiveNames is the static primitive-name table (§4.G).
var primitiveNames = map[uint8]string{
	binaryload.TypeVoid:    "void",
	binaryload.TypeBoolean: "bool",
	binaryload.TypeChar:    "char",
	binaryload.TypeI1:      "sbyte",
	binaryload.TypeU1:      "byte",
	binaryload.TypeI2:      "short",
	binaryload.TypeU2:      "ushort",
	binaryload.TypeI4:      "int",
	binaryload.TypeU4:      "uint",
	binaryload.TypeI8:      "long",
	binaryload.TypeU8:      "ulong",
	binaryload.TypeR4:      "float",
	binaryload.TypeR8:      "double",
	binaryload.TypeString:  "string",
	binaryload.TypeObject:  "object",
	binaryload.TypeI:       "IntPtr",
	binaryload.TypeU:       "UIntPtr",
}

type typeNameKey struct {
	datapoint    uint64
	bits         uint32
	addNamespace bool
	isNested     bool
}

type genericInstParamsKey struct {
	typeArgv uint64
	typeArgc uint64
}

type genericContainerParamsKey struct {
	paramStart int32
	typeArgc   int32
}

type typeDefNameKey struct {
	typeDefIndex    int32
	addNamespace    bool
	genericParam    bool
}

type methodSpecKey struct {
	index        int
	addNamespace bool
}

type methodSpecName struct {
	TypeName   string
	MethodName string
}

// Resolver ties the metadata tables to the binary loader's types,
// generic instances and method specs, producing the names and
// default values a dump sink wants.
type Resolver struct {
	meta *metadata.Metadata
	bin  *binaryload.Loader
	log  *log.Helper

	typeNameCache              map[typeNameKey]string
	genericClassCache          map[uint64]genericClass
	genericInstCache           map[uint64]genericInst
	genericInstParamsCache     map[genericInstParamsKey]string
	genericContainerParamsCache map[genericContainerParamsKey]string
	typeDefNameCache           map[typeDefNameKey]string
	methodSpecNameCache        map[methodSpecKey]methodSpecName
}

// Options configures the resolver.
type Options struct {
	Logger *log.Helper
}

// New builds a resolver over an already-loaded metadata file and
// binary.
func New(meta *metadata.Metadata, bin *binaryload.Loader, opts Options) *Resolver {
	return &Resolver{
		meta: meta,
		bin:  bin,
		log:  opts.Logger,

		typeNameCache:               map[typeNameKey]string{},
		genericClassCache:           map[uint64]genericClass{},
		genericInstCache:            map[uint64]genericInst{},
		genericInstParamsCache:      map[genericInstParamsKey]string{},
		genericContainerParamsCache: map[genericContainerParamsKey]string{},
		typeDefNameCache:            map[typeDefNameKey]string{},
		methodSpecNameCache:         map[methodSpecKey]methodSpecName{},
	}
}

// TypeName implements the type_name contract (§4.G), memoized on
// (datapoint, bits, addNamespace, isNested).
func (r *Resolver) TypeName(t *binaryload.Il2CppType, addNamespace, isNested bool) string {
	key := typeNameKey{t.Datapoint, t.Bits, addNamespace, isNested}
	if s, ok := r.typeNameCache[key]; ok {
		return s
	}
	s := r.typeNameImpl(t, addNamespace, isNested)
	r.typeNameCache[key] = s
	return s
}

func (r *Resolver) typeNameImpl(t *binaryload.Il2CppType, addNamespace, isNested bool) string {
	switch t.Type {
	case binaryload.TypeArray:
		if elem, ok := r.bin.TypeAt(t.Datapoint); ok {
			return r.TypeName(elem, addNamespace, false) + "[,]"
		}
		return "object[,]"

	case binaryload.TypeSZArray:
		if elem, ok := r.bin.TypeAt(t.Datapoint); ok {
			return r.TypeName(elem, addNamespace, false) + "[]"
		}
		return "object[]"

	case binaryload.TypePtr:
		if pointee, ok := r.bin.TypeAt(t.Datapoint); ok {
			return r.TypeName(pointee, addNamespace, false) + "*"
		}
		return "void*"

	case binaryload.TypeVar, binaryload.TypeMVar:
		if param, ok := r.genericParameterFromType(t); ok {
			name, _ := r.meta.StringAt(param["name_index"].(int32))
			return name
		}
		return "T"

	case binaryload.TypeClass, binaryload.TypeValueType, binaryload.TypeGenericInst:
		return r.classOrValueTypeName(t, addNamespace, isNested)
	}

	if name, ok := primitiveNames[t.Type]; ok {
		return name
	}
	return fmt.Sprintf("UnknownType(%#x)", t.Type)
}

func (r *Resolver) classOrValueTypeName(t *binaryload.Il2CppType, addNamespace, isNested bool) string {
	var typeDef schema.Values
	var gc *genericClass

	if t.Type == binaryload.TypeGenericInst {
		cls, err := r.genericClassAt(t.Datapoint)
		if err != nil {
			r.warn(fmt.Sprintf("reading Il2CppGenericClass at %#x: %v", t.Datapoint, err))
			return "UnknownType"
		}
		gc = &cls
		td, ok := r.typeDefFromGenericClass(cls)
		if !ok {
			return "UnknownType"
		}
		typeDef = td
	} else {
		td, ok := r.typeDefFromType(t)
		if !ok {
			return "UnknownType"
		}
		typeDef = td
	}

	result := ""
	declaringIdx := typeDef["declaring_type_index"].(int32)
	if declaringIdx != -1 {
		if declaring, ok := r.bin.TypeAt(r.typeVAByIndex(declaringIdx)); ok {
			result += r.TypeName(declaring, addNamespace, true) + "."
		}
	} else if addNamespace {
		if ns, _ := r.meta.StringAt(typeDef["namespace_index"].(int32)); ns != "" {
			result += ns + "."
		}
	}

	name, _ := r.meta.StringAt(typeDef["name_index"].(int32))
	result += stripGenericArity(name)

	if isNested {
		return result
	}

	if gc != nil {
		inst, err := r.genericInstAt(gc.ClassInst)
		if err == nil {
			result += r.genericInstParams(inst)
		}
	} else if gcIdx, ok := typeDef["generic_container_index"].(int32); ok && gcIdx >= 0 {
		if int(gcIdx) < len(r.meta.GenericContainers) {
			result += r.genericContainerParams(r.meta.GenericContainers[gcIdx])
		}
	}
	return result
}

// typeVAByIndex finds the VA of the types-array entry whose klass
// index equals idx — used when resolving a declaring type from a
// type-definition index. Pre-27 binaries expose the type's datapoint
// as the klass index directly, so this is a linear scan over the
// small declaring-type case; dumped v27+ binaries instead carry a
// type_handle that this package doesn't reconstruct from an index
// alone (declaring-type resolution in that case is left to the
// type_handle already embedded on the type itself, reached via the
// type's own Il2CppType record rather than this helper).
func (r *Resolver) typeVAByIndex(idx int32) uint64 {
	for _, t := range r.bin.Types {
		if (t.Type == binaryload.TypeClass || t.Type == binaryload.TypeValueType) && int32(t.Datapoint) == idx {
			return t.VA
		}
	}
	return 0
}

// typeDefFromType implements _get_type_definition_from_type: v27+
// dumped files carry an image-base-relative type handle; earlier
// versions (and non-dumped v27+ files) store the type-definition index
// directly in datapoint.
func (r *Resolver) typeDefFromType(t *binaryload.Il2CppType) (schema.Values, bool) {
	if r.bin.Version >= 27 && r.bin.IsDumped() {
		return r.typeDefByHandle(t.Datapoint)
	}
	idx := int32(t.Datapoint)
	if idx < 0 || int(idx) >= len(r.meta.TypeDefs) {
		return nil, false
	}
	return r.meta.TypeDefs[idx], true
}

func (r *Resolver) typeDefByHandle(handle uint64) (schema.Values, bool) {
	size := typeDefSize(r.meta.Version, r.bin.PointerSize() == 4)
	offset := handle - r.bin.ImageBase() - uint64(r.meta.Header.I32("type_definitions_offset"))
	if size == 0 {
		return nil, false
	}
	idx := offset / size
	if int(idx) < 0 || int(idx) >= len(r.meta.TypeDefs) {
		return nil, false
	}
	return r.meta.TypeDefs[idx], true
}

func (r *Resolver) genericParameterFromType(t *binaryload.Il2CppType) (schema.Values, bool) {
	if r.bin.Version >= 27 && r.bin.IsDumped() {
		size := genericParamSize(r.meta.Version, r.bin.PointerSize() == 4)
		if size == 0 {
			return nil, false
		}
		offset := t.Datapoint - r.bin.ImageBase() - uint64(r.meta.Header.I32("generic_parameters_offset"))
		idx := offset / size
		if int(idx) < 0 || int(idx) >= len(r.meta.GenericParameters) {
			return nil, false
		}
		return r.meta.GenericParameters[idx], true
	}
	idx := int32(t.Datapoint)
	if idx < 0 || int(idx) >= len(r.meta.GenericParameters) {
		return nil, false
	}
	return r.meta.GenericParameters[idx], true
}

// typeDefFromGenericClass implements _get_generic_class_type_definition.
func (r *Resolver) typeDefFromGenericClass(gc genericClass) (schema.Values, bool) {
	if r.bin.Version >= 27 {
		t, ok := r.bin.TypeAt(gc.Type)
		if !ok {
			return nil, false
		}
		return r.typeDefFromType(t)
	}
	if gc.TypeDefinitionIndex == -1 {
		return nil, false
	}
	if int(gc.TypeDefinitionIndex) >= len(r.meta.TypeDefs) {
		return nil, false
	}
	return r.meta.TypeDefs[gc.TypeDefinitionIndex], true
}

// genericClassAt reads an Il2CppGenericClass at va, memoized by va.
func (r *Resolver) genericClassAt(va uint64) (genericClass, error) {
	if gc, ok := r.genericClassCache[va]; ok {
		return gc, nil
	}
	off, err := r.bin.VAToOffset(va)
	if err != nil {
		return genericClass{}, err
	}
	reader := r.bin.Reader()
	reader.Seek(off)

	var gc genericClass
	if r.bin.Version >= 27 {
		typeHandle, err := reader.ReadPointer()
		if err != nil {
			return genericClass{}, err
		}
		gc.Type = typeHandle
	} else {
		idx, err := reader.ReadInt32()
		if err != nil {
			return genericClass{}, err
		}
		gc.TypeDefinitionIndex = idx
		if r.bin.PointerSize() == 8 {
			if _, err := reader.ReadUint32(); err != nil { // alignment padding
				return genericClass{}, err
			}
		}
	}
	classInst, err := reader.ReadPointer()
	if err != nil {
		return genericClass{}, err
	}
	methodInst, err := reader.ReadPointer()
	if err != nil {
		return genericClass{}, err
	}
	gc.ClassInst = classInst
	gc.MethodInst = methodInst

	r.genericClassCache[va] = gc
	return gc, nil
}

// genericInstAt reads an Il2CppGenericInst at va on demand, memoized
// by va — distinct from binaryload.Loader.GenericInsts, which is the
// bulk-loaded table indexed by position in the generic_insts array.
func (r *Resolver) genericInstAt(va uint64) (genericInst, error) {
	if gi, ok := r.genericInstCache[va]; ok {
		return gi, nil
	}
	off, err := r.bin.VAToOffset(va)
	if err != nil {
		return genericInst{}, err
	}
	reader := r.bin.Reader()
	reader.Seek(off)
	argc, err := reader.ReadUint64()
	if err != nil {
		return genericInst{}, err
	}
	argv, err := reader.ReadUint64()
	if err != nil {
		return genericInst{}, err
	}
	gi := genericInst{TypeArgc: argc, TypeArgv: argv}
	r.genericInstCache[va] = gi
	return gi, nil
}

// genericInstParams implements _get_generic_inst_params, memoized on
// (type_argv, type_argc).
func (r *Resolver) genericInstParams(gi genericInst) string {
	key := genericInstParamsKey{gi.TypeArgv, gi.TypeArgc}
	if s, ok := r.genericInstParamsCache[key]; ok {
		return s
	}
	pointers, err := r.bin.ReadPointerArrayAt(gi.TypeArgv, gi.TypeArgc)
	if err != nil {
		r.warn(fmt.Sprintf("reading generic inst type_argv at %#x: %v", gi.TypeArgv, err))
		pointers = nil
	}
	names := make([]string, 0, len(pointers))
	for _, p := range pointers {
		if t, ok := r.bin.TypeAt(p); ok {
			names = append(names, r.TypeName(t, false, false))
		} else {
			names = append(names, "?")
		}
	}
	s := "<" + joinComma(names) + ">"
	r.genericInstParamsCache[key] = s
	return s
}

// genericInstParamsByIndex resolves generic-inst parameters for a
// method-spec's class_index_index/method_index_index, which index
// directly into binaryload.Loader.GenericInsts rather than naming a
// VA, mirroring method_spec.class_index_index indexing
// il2cpp.generic_insts as a Python list.
func (r *Resolver) genericInstParamsByIndex(index int32) string {
	if index < 0 || int(index) >= len(r.bin.GenericInsts) {
		return "<?>"
	}
	return r.genericInstParams(genericInst(r.bin.GenericInsts[index]))
}

// genericContainerParams implements _get_generic_container_params,
// memoized on (generic_parameter_start, type_argc).
func (r *Resolver) genericContainerParams(container schema.Values) string {
	start := container["generic_parameter_start"].(int32)
	argc := container["type_argc"].(int32)
	key := genericContainerParamsKey{start, argc}
	if s, ok := r.genericContainerParamsCache[key]; ok {
		return s
	}
	names := make([]string, 0, argc)
	for i := int32(0); i < argc; i++ {
		idx := start + i
		if idx < 0 || int(idx) >= len(r.meta.GenericParameters) {
			names = append(names, "?")
			continue
		}
		param := r.meta.GenericParameters[idx]
		name, _ := r.meta.StringAt(param["name_index"].(int32))
		names = append(names, name)
	}
	s := "<" + joinComma(names) + ">"
	r.genericContainerParamsCache[key] = s
	return s
}

// TypeDefName implements get_type_def_name, memoized on
// (typeDefIndex, addNamespace, genericParameter).
func (r *Resolver) TypeDefName(typeDefIndex int32, addNamespace, genericParameter bool) string {
	key := typeDefNameKey{typeDefIndex, addNamespace, genericParameter}
	if s, ok := r.typeDefNameCache[key]; ok {
		return s
	}
	if typeDefIndex < 0 || int(typeDefIndex) >= len(r.meta.TypeDefs) {
		return "UnknownType"
	}
	typeDef := r.meta.TypeDefs[typeDefIndex]

	prefix := ""
	declaringIdx := typeDef["declaring_type_index"].(int32)
	if declaringIdx != -1 {
		if declaring, ok := r.bin.TypeAt(r.typeVAByIndex(declaringIdx)); ok {
			prefix = r.TypeName(declaring, addNamespace, true) + "."
		}
	} else if addNamespace {
		if ns, _ := r.meta.StringAt(typeDef["namespace_index"].(int32)); ns != "" {
			prefix = ns + "."
		}
	}

	name, _ := r.meta.StringAt(typeDef["name_index"].(int32))
	gcIdx, _ := typeDef["generic_container_index"].(int32)
	if gcIdx >= 0 {
		name = stripGenericArity(name)
		if genericParameter && int(gcIdx) < len(r.meta.GenericContainers) {
			name += r.genericContainerParams(r.meta.GenericContainers[gcIdx])
		}
	}

	result := prefix + name
	r.typeDefNameCache[key] = result
	return result
}

// MethodSpecName implements get_method_spec_name, returning
// (typeName, methodName), memoized on (spec index, addNamespace).
func (r *Resolver) MethodSpecName(specIndex int, addNamespace bool) (string, string) {
	key := methodSpecKey{specIndex, addNamespace}
	if n, ok := r.methodSpecNameCache[key]; ok {
		return n.TypeName, n.MethodName
	}
	if specIndex < 0 || specIndex >= len(r.bin.MethodSpecs) {
		return "UnknownType", "UnknownMethod"
	}
	spec := r.bin.MethodSpecs[specIndex]
	if int(spec.MethodDefinitionIndex) < 0 || int(spec.MethodDefinitionIndex) >= len(r.meta.MethodDefs) {
		return "UnknownType", "UnknownMethod"
	}
	methodDef := r.meta.MethodDefs[spec.MethodDefinitionIndex]
	declaringType := methodDef["declaring_type"].(int32)
	typeName := r.TypeDefName(declaringType, addNamespace, false)

	if spec.ClassIndexIndex != -1 {
		typeName += r.genericInstParamsByIndex(spec.ClassIndexIndex)
	}

	methodName, _ := r.meta.StringAt(methodDef["name_index"].(int32))
	if spec.MethodIndexIndex != -1 {
		methodName += r.genericInstParamsByIndex(spec.MethodIndexIndex)
	}

	r.methodSpecNameCache[key] = methodSpecName{TypeName: typeName, MethodName: methodName}
	return typeName, methodName
}

// DefaultValue implements try_get_default_value (§4.G): given a
// default-value type index and data index, seeks to the default-value
// blob and decodes one value whose shape follows the resolved type's
// primitive kind. Returns (false, rawOffset) on an undecodable shape,
// matching the original's blanket except-fallback.
func (r *Resolver) DefaultValue(typeIndex int32, dataIndex int32) (bool, interface{}) {
	rawOffset := r.meta.DefaultValueDataOffset(dataIndex)
	if typeIndex < 0 || int(typeIndex) >= len(r.bin.Types) {
		return false, rawOffset
	}
	t := r.bin.Types[typeIndex]
	reader := r.meta.Reader()
	reader.Seek(rawOffset)

	switch t.Type {
	case binaryload.TypeBoolean:
		v, err := reader.ReadBool()
		if err != nil {
			return false, rawOffset
		}
		return true, v
	case binaryload.TypeU1:
		v, err := reader.ReadUint8()
		if err != nil {
			return false, rawOffset
		}
		return true, v
	case binaryload.TypeI1:
		v, err := reader.ReadInt8()
		if err != nil {
			return false, rawOffset
		}
		return true, v
	case binaryload.TypeChar:
		v, err := reader.ReadUint16()
		if err != nil {
			return false, rawOffset
		}
		return true, rune(v)
	case binaryload.TypeU2:
		v, err := reader.ReadUint16()
		if err != nil {
			return false, rawOffset
		}
		return true, v
	case binaryload.TypeI2:
		v, err := reader.ReadInt16()
		if err != nil {
			return false, rawOffset
		}
		return true, v
	case binaryload.TypeU4:
		if r.meta.Version >= 29 {
			v, err := reader.ReadCompressedUint32()
			if err != nil {
				return false, rawOffset
			}
			return true, v
		}
		v, err := reader.ReadUint32()
		if err != nil {
			return false, rawOffset
		}
		return true, v
	case binaryload.TypeI4:
		if r.meta.Version >= 29 {
			v, err := reader.ReadCompressedInt32()
			if err != nil {
				return false, rawOffset
			}
			return true, v
		}
		v, err := reader.ReadInt32()
		if err != nil {
			return false, rawOffset
		}
		return true, v
	case binaryload.TypeU8:
		v, err := reader.ReadUint64()
		if err != nil {
			return false, rawOffset
		}
		return true, v
	case binaryload.TypeI8:
		v, err := reader.ReadInt64()
		if err != nil {
			return false, rawOffset
		}
		return true, v
	case binaryload.TypeR4:
		v, err := reader.ReadFloat32()
		if err != nil {
			return false, rawOffset
		}
		return true, v
	case binaryload.TypeR8:
		v, err := reader.ReadFloat64()
		if err != nil {
			return false, rawOffset
		}
		return true, v
	case binaryload.TypeString:
		if r.meta.Version >= 29 {
			length, err := reader.ReadCompressedInt32()
			if err != nil {
				return false, rawOffset
			}
			if length == -1 {
				return true, nil
			}
			b, err := reader.ReadBytes(uint64(length))
			if err != nil {
				return false, rawOffset
			}
			return true, string(b)
		}
		length, err := reader.ReadInt32()
		if err != nil {
			return false, rawOffset
		}
		b, err := reader.ReadBytes(uint64(length))
		if err != nil {
			return false, rawOffset
		}
		return true, string(b)
	}
	return false, rawOffset
}

func (r *Resolver) warn(msg string) {
	if r.log != nil {
		r.log.Warnf("resolver: %s", msg)
	}
}

func stripGenericArity(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == '`' {
			return name[:i]
		}
	}
	return name
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

// typeDefSize and genericParamSize return the on-disk size of
// Il2CppTypeDefinition / Il2CppGenericParameter at a version, used by
// the v27+ dumped-file handle-to-index translation. They delegate to
// metadata.TypeDefSizeOf and metadata.GenericParameterSizeOf, since
// typeDefStruct/genericParameterStruct are package-private there
// (§4.B, §4.G).
func typeDefSize(version float64, is32Bit bool) uint64 {
	return metadata.TypeDefSizeOf(version, is32Bit)
}

func genericParamSize(version float64, is32Bit bool) uint64 {
	return metadata.GenericParameterSizeOf(version, is32Bit)
}
