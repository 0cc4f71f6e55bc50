package transcoder

import (
	"reflect"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/errors"
	"github.com/wippyai/ffi-runtime/memory"
	iabi "github.com/wippyai/ffi-runtime/transcoder/internal/abi"
	"github.com/wippyai/ffi-runtime/transcoder/internal/layout"
	"github.com/wippyai/ffi-runtime/transcoder/internal/types"
)

// maxClassifiedSize is the largest aggregate whose scalar members are
// recorded for register classification. Larger aggregates always travel in
// memory.
const maxClassifiedSize = 32

var (
	pointerType      = reflect.TypeFor[memory.Pointer]()
	blockType        = reflect.TypeFor[*memory.Block]()
	structHandleType = reflect.TypeFor[*Struct]()
	unionType        = reflect.TypeFor[Union]()
	longType         = reflect.TypeFor[Long]()
	ulongType        = reflect.TypeFor[ULong]()
	wstringType      = reflect.TypeFor[WString]()
	stringType       = reflect.TypeFor[string]()
	nativeMappedType = reflect.TypeFor[NativeMapped]()
	callableType     = reflect.TypeFor[Callable]()
)

// Compiler computes and caches native layouts for one platform. It is safe
// for concurrent use; when two goroutines compile the same type at once the
// first stored layout wins and both callers receive it.
type Compiler struct {
	cache    *xsync.MapOf[cacheKey, *CompiledType]
	platform abi.Platform
}

type cacheKey struct {
	goType reflect.Type
	mapper *TypeMapper
	rule   AlignmentRule
}

type compileState struct {
	building map[cacheKey]*CompiledType
}

func NewCompiler(p abi.Platform) *Compiler {
	return &Compiler{
		cache:    xsync.NewMapOf[cacheKey, *CompiledType](),
		platform: p,
	}
}

var compilers = xsync.NewMapOf[string, *Compiler]()

// CompilerFor returns the process-wide compiler for platform p.
func CompilerFor(p abi.Platform) *Compiler {
	c, _ := compilers.LoadOrCompute(p.Name, func() *Compiler {
		return NewCompiler(p)
	})
	return c
}

func (c *Compiler) Platform() abi.Platform {
	return c.platform
}

// Compile returns the layout of t. Layouts of fixed-size types are cached,
// so identical (t, rule, mapper) combinations return the same pointer.
// Configuration problems such as a field order that does not match the
// structure are reported here, on first compilation.
func (c *Compiler) Compile(t reflect.Type, rule AlignmentRule, mapper *TypeMapper) (*CompiledType, error) {
	if t == nil {
		return nil, errors.New(errors.PhaseLayout, errors.KindNilPointer).
			Detail("Go type cannot be nil").
			Build()
	}

	key := cacheKey{goType: t, rule: rule, mapper: mapper}
	if cached, ok := c.cache.Load(key); ok {
		return cached, nil
	}

	st := &compileState{building: make(map[cacheKey]*CompiledType)}
	ct, err := c.compile(t, rule, mapper, nil, st)
	if err != nil {
		return nil, err
	}
	if ct.Variable {
		return ct, nil
	}
	actual, _ := c.cache.LoadOrStore(key, ct)
	return actual, nil
}

// CompileValue returns the layout of v's type, computed for v itself when
// the size depends on the value. Such instance layouts are fresh on every
// call.
func (c *Compiler) CompileValue(v reflect.Value, rule AlignmentRule, mapper *TypeMapper) (*CompiledType, error) {
	if !v.IsValid() {
		return nil, errors.New(errors.PhaseLayout, errors.KindNilPointer).
			Detail("cannot compute layout of nil").
			Build()
	}
	ct, err := c.Compile(v.Type(), rule, mapper)
	if err != nil || !ct.Variable {
		return ct, err
	}
	return c.instance(ct, v, nil)
}

// CachedCount returns the number of cached layouts.
func (c *Compiler) CachedCount() int {
	return c.cache.Size()
}

func (c *Compiler) compile(t reflect.Type, rule AlignmentRule, mapper *TypeMapper, path []string, st *compileState) (*CompiledType, error) {
	if conv, ok := mapper.Lookup(t); ok {
		return c.compileConverted(t, conv, rule, path, st)
	}

	switch t {
	case pointerType:
		return c.reference(t, KindPointer), nil
	case blockType:
		return c.reference(t, KindBlock), nil
	case structHandleType:
		return c.reference(t, KindStructHandle), nil
	case wstringType:
		return c.reference(t, KindWString), nil
	case longType:
		return c.scalar(t, types.ScalarKind(c.platform.LongSize, true)), nil
	case ulongType:
		return c.scalar(t, types.ScalarKind(c.platform.LongSize, false)), nil
	}

	if proto, ok := mappedProto(t); ok {
		return c.compileMapped(t, proto, rule, path, st)
	}
	if t.Kind() == reflect.Func || t.Implements(callableType) {
		return c.reference(t, KindCallback), nil
	}

	switch t.Kind() {
	case reflect.Bool:
		return c.scalar(t, KindBool), nil
	case reflect.Int8:
		return c.scalar(t, KindS8), nil
	case reflect.Uint8:
		return c.scalar(t, KindU8), nil
	case reflect.Int16:
		return c.scalar(t, KindS16), nil
	case reflect.Uint16:
		return c.scalar(t, KindU16), nil
	case reflect.Int32:
		return c.scalar(t, KindS32), nil
	case reflect.Uint32:
		return c.scalar(t, KindU32), nil
	case reflect.Int64:
		return c.scalar(t, KindS64), nil
	case reflect.Uint64:
		return c.scalar(t, KindU64), nil
	case reflect.Int:
		return c.scalar(t, types.ScalarKind(c.platform.PointerSize, true)), nil
	case reflect.Uint, reflect.Uintptr:
		return c.scalar(t, types.ScalarKind(c.platform.PointerSize, false)), nil
	case reflect.Float32:
		return c.scalar(t, KindF32), nil
	case reflect.Float64:
		return c.scalar(t, KindF64), nil
	case reflect.UnsafePointer:
		return c.reference(t, KindPointer), nil
	case reflect.String:
		return c.reference(t, KindString), nil
	case reflect.Struct:
		return c.compileStruct(t, rule, mapper, path, st)
	case reflect.Pointer:
		return c.compilePointer(t, rule, mapper, path, st)
	case reflect.Array:
		return c.compileArray(t, rule, mapper, path, st)
	case reflect.Slice:
		return c.compileSlice(t, rule, mapper, path, st)
	case reflect.Interface:
		if t.NumMethod() == 0 {
			return c.reference(t, KindObject), nil
		}
	}

	return nil, errors.UnsupportedType(errors.PhaseLayout, path, t.String())
}

func (c *Compiler) scalar(t reflect.Type, k TypeKind) *CompiledType {
	ak := abiKind(k)
	return &CompiledType{
		GoType: t,
		Kind:   k,
		Size:   ak.Size(),
		Align:  ak.Size(),
		ABI:    abi.Scalar(ak, c.platform),
	}
}

func (c *Compiler) reference(t reflect.Type, k TypeKind) *CompiledType {
	return &CompiledType{
		GoType: t,
		Kind:   k,
		Size:   c.platform.PointerSize,
		Align:  c.platform.PointerSize,
		ABI:    abi.Scalar(abi.Pointer, c.platform),
	}
}

func abiKind(k TypeKind) abi.Kind {
	switch k {
	case KindBool, KindS32:
		return abi.Sint32
	case KindS8:
		return abi.Sint8
	case KindU8:
		return abi.Uint8
	case KindS16:
		return abi.Sint16
	case KindU16:
		return abi.Uint16
	case KindU32:
		return abi.Uint32
	case KindS64:
		return abi.Sint64
	case KindU64:
		return abi.Uint64
	case KindF32:
		return abi.Float32
	case KindF64:
		return abi.Float64
	}
	return abi.Pointer
}

// mappedProto returns a zero value of t through which NativeMapped methods
// can be called.
func mappedProto(t reflect.Type) (NativeMapped, bool) {
	switch {
	case t.Kind() == reflect.Interface:
		return nil, false
	case t.Kind() == reflect.Pointer:
		if !t.Implements(nativeMappedType) {
			return nil, false
		}
		nm, ok := reflect.New(t.Elem()).Interface().(NativeMapped)
		return nm, ok
	case reflect.PointerTo(t).Implements(nativeMappedType):
		nm, ok := reflect.New(t).Interface().(NativeMapped)
		return nm, ok
	}
	return nil, false
}

func (c *Compiler) compileNative(owner, native reflect.Type, rule AlignmentRule, path []string, st *compileState) (*CompiledType, error) {
	if native == nil {
		return nil, errors.New(errors.PhaseLayout, errors.KindInvalidData).
			Path(path...).
			GoType(owner.String()).
			Detail("native type is nil").
			Build()
	}
	if native == owner {
		return nil, errors.New(errors.PhaseLayout, errors.KindInvalidData).
			Path(path...).
			GoType(owner.String()).
			Detail("native type maps to itself").
			Build()
	}
	ct, err := c.compile(native, rule, nil, path, st)
	if err != nil {
		return nil, err
	}
	if ct.Variable || ct.Kind == KindSlice {
		return nil, errors.New(errors.PhaseLayout, errors.KindUnsupported).
			Path(path...).
			GoType(owner.String()).
			NativeType(native.String()).
			Detail("native side must have a fixed size").
			Build()
	}
	return ct, nil
}

func (c *Compiler) compileConverted(t reflect.Type, conv Converter, rule AlignmentRule, path []string, st *compileState) (*CompiledType, error) {
	native, err := c.compileNative(t, conv.NativeType(), rule, path, st)
	if err != nil {
		return nil, err
	}
	return &CompiledType{
		GoType:    t,
		Kind:      KindConverted,
		Converter: conv,
		Native:    native,
		Size:      native.Size,
		Align:     native.Align,
		ABI:       native.ABI,
	}, nil
}

func (c *Compiler) compileMapped(t reflect.Type, proto NativeMapped, rule AlignmentRule, path []string, st *compileState) (*CompiledType, error) {
	native, err := c.compileNative(t, proto.NativeType(), rule, path, st)
	if err != nil {
		return nil, err
	}
	return &CompiledType{
		GoType: t,
		Kind:   KindMapped,
		Native: native,
		Size:   native.Size,
		Align:  native.Align,
		ABI:    native.ABI,
	}, nil
}

func (c *Compiler) compilePointer(t reflect.Type, rule AlignmentRule, mapper *TypeMapper, path []string, st *compileState) (*CompiledType, error) {
	elem, err := c.compile(t.Elem(), rule, mapper, path, st)
	if err != nil {
		return nil, err
	}

	ct := c.reference(t, KindScalarRef)
	ct.Elem = elem
	switch elem.Kind {
	case KindStruct, KindUnion:
		ct.Kind = KindStructRef
		return ct, nil
	case KindPointer:
		return ct, nil
	case KindMapped, KindConverted:
		if elem.Native.Kind.IsScalar() || elem.Native.Kind == KindPointer {
			return ct, nil
		}
	default:
		if elem.Kind.IsScalar() {
			return ct, nil
		}
	}
	return nil, errors.New(errors.PhaseLayout, errors.KindUnsupported).
		Path(path...).
		GoType(t.String()).
		Detail("pointers must reference a structure or a scalar").
		Build()
}

func (c *Compiler) compileArray(t reflect.Type, rule AlignmentRule, mapper *TypeMapper, path []string, st *compileState) (*CompiledType, error) {
	elem, err := c.element(t, rule, mapper, path, st)
	if err != nil {
		return nil, err
	}
	n := t.Len()
	if n > iabi.MaxArrayLength {
		return nil, errors.Overflow(errors.PhaseLayout, path, n, t.String())
	}
	size, ok := iabi.SafeMul(uint64(n), elem.Size)
	if !ok {
		return nil, errors.Overflow(errors.PhaseLayout, path, n, t.String())
	}
	info := layout.Array(layout.Member{Size: elem.Size, Align: elem.Align}, uint64(n))
	ct := c.reference(t, KindArray)
	ct.Elem = elem
	ct.Len = n
	ct.Size = size
	ct.Align = info.Align
	return ct, nil
}

func (c *Compiler) compileSlice(t reflect.Type, rule AlignmentRule, mapper *TypeMapper, path []string, st *compileState) (*CompiledType, error) {
	switch t.Elem() {
	case stringType:
		return c.reference(t, KindStringArray), nil
	case wstringType:
		return c.reference(t, KindWStringArray), nil
	}
	elem, err := c.element(t, rule, mapper, path, st)
	if err != nil {
		return nil, err
	}
	ct := c.reference(t, KindSlice)
	ct.Elem = elem
	ct.Size = 0
	ct.Align = elem.Align
	return ct, nil
}

func (c *Compiler) element(t reflect.Type, rule AlignmentRule, mapper *TypeMapper, path []string, st *compileState) (*CompiledType, error) {
	elem, err := c.compile(t.Elem(), rule, mapper, path, st)
	if err != nil {
		return nil, err
	}
	if elem.Variable || elem.Kind == KindSlice {
		return nil, errors.New(errors.PhaseLayout, errors.KindUnsupported).
			Path(path...).
			GoType(t.String()).
			Detail("array elements must have a fixed size").
			Build()
	}
	return elem, nil
}

type declaredField struct {
	typ      reflect.Type
	name     string
	index    int
	volatile bool
	readOnly bool
}

func (c *Compiler) compileStruct(t reflect.Type, rule AlignmentRule, mapper *TypeMapper, path []string, st *compileState) (*CompiledType, error) {
	key := cacheKey{goType: t, rule: rule, mapper: mapper}
	if ct, ok := st.building[key]; ok {
		return ct, nil
	}
	if ct, ok := c.cache.Load(key); ok {
		return ct, nil
	}

	proto := reflect.New(t).Interface()
	if p, ok := proto.(AlignmentProvider); ok {
		rule = p.AlignmentRule()
	}
	if p, ok := proto.(MapperProvider); ok {
		mapper = p.TypeMapper()
	}

	kind := KindStruct
	if isUnion(t) {
		kind = KindUnion
	}
	ct := &CompiledType{
		GoType: t,
		Kind:   kind,
		Rule:   rule.Effective(c.platform),
		Mapper: mapper,
	}
	st.building[key] = ct
	defer delete(st.building, key)

	decl, err := declaredFields(t, proto, path)
	if err != nil {
		return nil, err
	}

	ct.Fields = make([]Field, len(decl))
	members := make([]layout.Member, len(decl))
	for i, d := range decl {
		fieldPath := append(path[:len(path):len(path)], d.name)
		ft, err := c.compile(d.typ, rule, mapper, fieldPath, st)
		if err != nil {
			return nil, err
		}
		if ft.Kind == KindSlice || ft.Variable {
			ct.Variable = true
		}
		ct.Fields[i] = Field{
			Type:     ft,
			Name:     d.name,
			Index:    d.index,
			Size:     ft.Size,
			Volatile: d.volatile,
			ReadOnly: d.readOnly,
		}
		members[i] = layout.Member{Size: ft.Size, Align: ft.Align}
	}

	c.applyLayout(ct, members)

	if ct.Variable {
		return ct, nil
	}
	actual, _ := c.cache.LoadOrStore(key, ct)
	return actual, nil
}

func (c *Compiler) applyLayout(ct *CompiledType, members []layout.Member) {
	lr := ct.Rule.layoutRule(c.platform)
	var info layout.Info
	if ct.Kind == KindUnion {
		info = layout.Union(members, lr, c.platform.MaxAlignment)
	} else {
		info = layout.Struct(members, lr, c.platform.MaxAlignment)
	}
	for i := range ct.Fields {
		ct.Fields[i].Offset = info.Offsets[i]
	}
	ct.Size = info.Size
	ct.Align = info.Align
	ct.ABI = aggregateABI(ct)
}

// instance computes the layout of a variable-size type for one value.
func (c *Compiler) instance(ct *CompiledType, v reflect.Value, path []string) (*CompiledType, error) {
	switch ct.Kind {
	case KindSlice:
		n := v.Len()
		if n > iabi.MaxArrayLength {
			return nil, errors.Overflow(errors.PhaseLayout, path, n, ct.GoType.String())
		}
		size, ok := iabi.SafeMul(uint64(n), ct.Elem.Size)
		if !ok {
			return nil, errors.Overflow(errors.PhaseLayout, path, n, ct.GoType.String())
		}
		out := *ct
		out.Len = n
		out.Size = size
		out.Variable = true
		out.instance = true
		return &out, nil

	case KindStruct, KindUnion:
		if !ct.Variable || ct.instance {
			return ct, nil
		}
		if v.Kind() == reflect.Pointer {
			v = v.Elem()
		}
		out := *ct
		out.Fields = make([]Field, len(ct.Fields))
		members := make([]layout.Member, len(ct.Fields))
		for i, f := range ct.Fields {
			ft := f.Type
			if ft.Kind == KindSlice || ft.Variable {
				var err error
				ft, err = c.instance(ft, v.Field(f.Index), append(path[:len(path):len(path)], f.Name))
				if err != nil {
					return nil, err
				}
			}
			out.Fields[i] = f
			out.Fields[i].Type = ft
			out.Fields[i].Size = ft.Size
			members[i] = layout.Member{Size: ft.Size, Align: ft.Align}
		}
		out.instance = true
		c.applyLayout(&out, members)
		return &out, nil
	}
	return ct, nil
}

// resolve returns the concrete layout of v, computing an instance layout
// when ct is variable.
func (c *Compiler) resolve(ct *CompiledType, v reflect.Value, path []string) (*CompiledType, error) {
	if !ct.Variable || ct.instance {
		return ct, nil
	}
	return c.instance(ct, v, path)
}

func aggregateABI(ct *CompiledType) abi.Type {
	t := abi.Type{Kind: abi.Struct, Size: ct.Size, Align: ct.Align}
	if ct.Size <= maxClassifiedSize {
		t.Members = appendMembers(nil, ct, 0)
	}
	return t
}

func appendMembers(dst []abi.Member, ct *CompiledType, base uint64) []abi.Member {
	switch ct.Kind {
	case KindStruct, KindUnion:
		for _, f := range ct.Fields {
			dst = appendMembers(dst, f.Type, base+f.Offset)
		}
	case KindArray, KindSlice:
		for i := 0; i < ct.Len; i++ {
			dst = appendMembers(dst, ct.Elem, base+uint64(i)*ct.Elem.Size)
		}
	case KindMapped, KindConverted:
		dst = appendMembers(dst, ct.Native, base)
	default:
		dst = append(dst, abi.Member{Offset: base, Kind: ct.ABI.Kind, Size: ct.ABI.Size})
	}
	return dst
}

func isUnion(t reflect.Type) bool {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous && f.Type == unionType {
			return true
		}
	}
	return false
}

func declaredFields(t reflect.Type, proto any, path []string) ([]declaredField, error) {
	var decl []declaredField
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.Anonymous && sf.Type == unionType {
			continue
		}
		if !sf.IsExported() {
			continue
		}
		tag, hasTag := sf.Tag.Lookup("ffi")
		if tag == "-" {
			continue
		}
		d := declaredField{typ: sf.Type, name: sf.Name, index: i}
		if hasTag {
			name, volatile, readOnly := parseTag(tag)
			if name != "" {
				d.name = name
			}
			d.volatile = volatile
			d.readOnly = readOnly
		}
		decl = append(decl, d)
	}

	if len(decl) == 0 {
		return nil, errors.New(errors.PhaseLayout, errors.KindFieldMissing).
			Path(path...).
			GoType(t.String()).
			Detail("structure has no fields").
			Build()
	}

	fo, ok := proto.(FieldOrderer)
	if !ok {
		return decl, nil
	}
	return orderFields(t, decl, fo.FieldOrder())
}

func orderFields(t reflect.Type, decl []declaredField, order []string) ([]declaredField, error) {
	byName := make(map[string]int, len(decl))
	for i, d := range decl {
		byName[d.name] = i
	}

	ordered := make([]declaredField, 0, len(decl))
	used := make(map[string]bool, len(order))
	var extra []string
	for _, name := range order {
		i, ok := byName[name]
		if !ok || used[name] {
			extra = append(extra, name)
			continue
		}
		used[name] = true
		ordered = append(ordered, decl[i])
	}

	var missing []string
	for _, d := range decl {
		if !used[d.name] {
			missing = append(missing, d.name)
		}
	}

	if len(missing) > 0 || len(extra) > 0 {
		return nil, errors.FieldOrder(t.String(), missing, extra)
	}
	return ordered, nil
}

func parseTag(tag string) (name string, volatile, readOnly bool) {
	parts := strings.Split(tag, ",")
	name = strings.TrimSpace(parts[0])
	for _, opt := range parts[1:] {
		switch strings.TrimSpace(opt) {
		case "volatile":
			volatile = true
		case "readonly":
			readOnly = true
		}
	}
	return name, volatile, readOnly
}
