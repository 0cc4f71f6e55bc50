package errors

import (
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
)

// Phase is the stage of a native interaction that failed.
type Phase string

const (
	PhaseLayout   Phase = "layout"   // structure layout and type registration
	PhaseEncode   Phase = "encode"   // Go to native
	PhaseDecode   Phase = "decode"   // native to Go
	PhaseLink     Phase = "link"     // symbol resolution
	PhaseInvoke   Phase = "invoke"   // call frame construction and dispatch
	PhaseNative   Phase = "native"   // error reported by native code
	PhaseCallback Phase = "callback" // native to Go callback dispatch
	PhaseMemory   Phase = "memory"   // native memory access and allocation
	PhaseLoad     Phase = "load"     // library loading
	PhaseParse    Phase = "parse"    // declaration parsing
)

// Kind is what went wrong, independent of the phase.
type Kind string

const (
	KindTypeMismatch   Kind = "type_mismatch"
	KindOutOfBounds    Kind = "out_of_bounds"
	KindInvalidData    Kind = "invalid_data"
	KindUnsupported    Kind = "unsupported"
	KindAllocation     Kind = "allocation"
	KindFieldMissing   Kind = "field_missing"
	KindFieldUnknown   Kind = "field_unknown"
	KindFieldOrder     Kind = "field_order"
	KindOverflow       Kind = "overflow"
	KindNilPointer     Kind = "nil_pointer"
	KindUnresolved     Kind = "unresolved_symbol"
	KindArgCount       Kind = "arg_count"
	KindNotFound       Kind = "not_found"
	KindNotInitialized Kind = "not_initialized"
	KindInvalidInput   Kind = "invalid_input"
	KindClosed         Kind = "closed"
	KindNative         Kind = "native_error"
	KindPanic          Kind = "panic"
)

// Error is returned by every package of the runtime. Path is the field path
// inside the value being marshaled; Symbol is the native function involved.
// Code is only meaningful for KindNative.
type Error struct {
	Value      any
	Cause      error
	Phase      Phase
	Kind       Kind
	GoType     string
	NativeType string
	Symbol     string
	Detail     string
	Path       []string
	Code       int
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Phase, e.Kind)
	if e.Symbol != "" {
		b.WriteString(" in " + e.Symbol)
	}
	if len(e.Path) > 0 {
		b.WriteString(" at " + strings.Join(e.Path, "."))
	}

	var types []string
	if e.GoType != "" {
		types = append(types, "Go type "+e.GoType)
	}
	if e.NativeType != "" {
		types = append(types, "native type "+e.NativeType)
	}
	sep := ": "
	if len(types) > 0 {
		b.WriteString(sep + strings.Join(types, ", "))
		sep = " - "
	}
	if e.Detail != "" {
		b.WriteString(sep + e.Detail)
	}

	if e.Kind == KindNative {
		b.WriteString(" (code " + strconv.Itoa(e.Code) + ")")
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: " + e.Cause.Error() + ")")
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same phase and kind, so a zero-field
// template works as an errors.Is target.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Phase == t.Phase && e.Kind == t.Kind
}

// Builder assembles an Error field by field.
type Builder struct {
	err Error
}

func New(phase Phase, kind Kind) *Builder {
	return &Builder{err: Error{Phase: phase, Kind: kind}}
}

func (b *Builder) Path(path ...string) *Builder { b.err.Path = path; return b }
func (b *Builder) GoType(t string) *Builder { b.err.GoType = t; return b }
func (b *Builder) NativeType(t string) *Builder { b.err.NativeType = t; return b }
func (b *Builder) Symbol(name string) *Builder { b.err.Symbol = name; return b }
func (b *Builder) Code(code int) *Builder { b.err.Code = code; return b }
func (b *Builder) Value(v any) *Builder { b.err.Value = v; return b }
func (b *Builder) Cause(err error) *Builder { b.err.Cause = err; return b }

// Detail sets the message, formatting it when args are given.
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	b.err.Detail = msg
	return b
}

func (b *Builder) Build() *Error {
	return &b.err
}

func newErr(phase Phase, kind Kind, path []string, detail string) *Error {
	return &Error{Phase: phase, Kind: kind, Path: path, Detail: detail}
}

func TypeMismatch(phase Phase, path []string, goType, nativeType string) *Error {
	e := newErr(phase, KindTypeMismatch, path, "")
	e.GoType, e.NativeType = goType, nativeType
	return e
}

// UnsupportedType reports a Go type with no native mapping.
func UnsupportedType(phase Phase, path []string, goType string) *Error {
	e := newErr(phase, KindUnsupported, path, "no native mapping for type")
	e.GoType = goType
	return e
}

func AllocationFailed(phase Phase, size, align uint64) *Error {
	return newErr(phase, KindAllocation, nil, fmt.Sprintf("failed to allocate %d bytes (align %d)", size, align))
}

// FieldOrder reports a declared field order that does not name exactly the
// structure's fields.
func FieldOrder(goType string, missing, extra []string) *Error {
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "fields not in order list: "+strings.Join(missing, ", "))
	}
	if len(extra) > 0 {
		parts = append(parts, "order list names unknown fields: "+strings.Join(extra, ", "))
	}
	e := newErr(PhaseLayout, KindFieldOrder, nil, strings.Join(parts, "; "))
	e.GoType = goType
	return e
}

func FieldUnknown(phase Phase, path []string, fieldName string) *Error {
	return newErr(phase, KindFieldUnknown, path, fmt.Sprintf("unknown field %q", fieldName))
}

func Unsupported(phase Phase, what string) *Error {
	return newErr(phase, KindUnsupported, nil, what)
}

// OutOfBounds reports an access of length bytes at offset into a region of
// size bytes.
func OutOfBounds(phase Phase, path []string, offset, length, size uint64) *Error {
	e := newErr(phase, KindOutOfBounds, path,
		fmt.Sprintf("access of %d bytes at offset %d out of bounds (size %d)", length, offset, size))
	e.Value = offset
	return e
}

func NilPointer(phase Phase, path []string, goType string) *Error {
	e := newErr(phase, KindNilPointer, path, "nil pointer")
	e.GoType = goType
	return e
}

func Overflow(phase Phase, path []string, value any, targetType string) *Error {
	e := newErr(phase, KindOverflow, path, fmt.Sprintf("value %v overflows %s", value, targetType))
	e.NativeType, e.Value = targetType, value
	return e
}

func InvalidData(phase Phase, path []string, detail string) *Error {
	return newErr(phase, KindInvalidData, path, detail)
}

func InvalidInput(phase Phase, detail string) *Error {
	return newErr(phase, KindInvalidInput, nil, detail)
}

func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	e := newErr(phase, kind, nil, detail)
	e.Cause = cause
	return e
}

// Unresolved is the link error for a symbol the library does not export.
func Unresolved(symbol string, cause error) *Error {
	e := newErr(PhaseLink, KindUnresolved, nil, "symbol not found")
	e.Symbol, e.Cause = symbol, cause
	return e
}

func ArgCount(symbol string, count, maxArgs int) *Error {
	e := newErr(PhaseInvoke, KindArgCount, nil,
		fmt.Sprintf("%d arguments exceed the maximum of %d", count, maxArgs))
	e.Symbol, e.Value = symbol, count
	return e
}

// Native wraps an error code reported by native code, such as errno.
func Native(symbol string, code int, message string) *Error {
	e := newErr(PhaseNative, KindNative, nil, message)
	e.Symbol, e.Code = symbol, code
	return e
}

// NativeCode returns the code of the first native error in err's chain.
func NativeCode(err error) (int, bool) {
	var e *Error
	if stderrors.As(err, &e) && e.Kind == KindNative {
		return e.Code, true
	}
	return 0, false
}

func Closed(phase Phase, what string) *Error {
	return newErr(phase, KindClosed, nil, what+" is closed")
}

func NotInitialized(phase Phase, component string) *Error {
	return newErr(phase, KindNotInitialized, nil, component+" not initialized")
}

func NotFound(phase Phase, what, name string) *Error {
	return newErr(phase, KindNotFound, nil, fmt.Sprintf("%s %q not found", what, name))
}

// Load reports a library that could not be opened or instantiated.
func Load(detail string, cause error) *Error {
	return Wrap(PhaseLoad, KindInvalidData, cause, detail)
}

func ParseFailed(what string, cause error) *Error {
	return Wrap(PhaseParse, KindInvalidData, cause, "parse "+what)
}
