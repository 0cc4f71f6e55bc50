package main

import (
	"bytes"
	"fmt"
	"io"
	"reflect"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/wippyai/ffi-runtime/memory"
	"github.com/wippyai/ffi-runtime/transcoder"
)

// File is a set of C structure declarations:
//
//	structs:
//	  - name: point
//	    fields:
//	      - {name: x, type: int}
//	      - {name: y, type: int}
//	  - name: value
//	    union: true
//	    fields:
//	      - {name: i, type: long}
//	      - {name: d, type: double}
//	      - {name: tag, type: char, count: 4}
//
// A field type is a C scalar name or an earlier structure.
type File struct {
	Structs []StructDecl `yaml:"structs"`
}

type StructDecl struct {
	Name   string      `yaml:"name"`
	Union  bool        `yaml:"union"`
	Fields []FieldDecl `yaml:"fields"`
}

type FieldDecl struct {
	Name  string `yaml:"name"`
	Type  string `yaml:"type"`
	Count int    `yaml:"count"`
}

var scalarTypes = map[string]reflect.Type{
	"bool":               reflect.TypeFor[bool](),
	"char":               reflect.TypeFor[int8](),
	"signed char":        reflect.TypeFor[int8](),
	"unsigned char":      reflect.TypeFor[uint8](),
	"short":              reflect.TypeFor[int16](),
	"unsigned short":     reflect.TypeFor[uint16](),
	"int":                reflect.TypeFor[int32](),
	"unsigned":           reflect.TypeFor[uint32](),
	"unsigned int":       reflect.TypeFor[uint32](),
	"long":               reflect.TypeFor[transcoder.Long](),
	"unsigned long":      reflect.TypeFor[transcoder.ULong](),
	"long long":          reflect.TypeFor[int64](),
	"unsigned long long": reflect.TypeFor[uint64](),
	"int8_t":             reflect.TypeFor[int8](),
	"uint8_t":            reflect.TypeFor[uint8](),
	"int16_t":            reflect.TypeFor[int16](),
	"uint16_t":           reflect.TypeFor[uint16](),
	"int32_t":            reflect.TypeFor[int32](),
	"uint32_t":           reflect.TypeFor[uint32](),
	"int64_t":            reflect.TypeFor[int64](),
	"uint64_t":           reflect.TypeFor[uint64](),
	"float":              reflect.TypeFor[float32](),
	"double":             reflect.TypeFor[float64](),
	"void*":              reflect.TypeFor[memory.Pointer](),
	"pointer":            reflect.TypeFor[memory.Pointer](),
	"char*":              reflect.TypeFor[string](),
	"wchar_t*":           reflect.TypeFor[transcoder.WString](),
}

var unionField = reflect.StructField{
	Name:      "Union",
	Type:      reflect.TypeFor[transcoder.Union](),
	Anonymous: true,
}

// Decl is a declared structure with its Go type.
type Decl struct {
	Name  string
	Union bool
	Type  reflect.Type
}

// ParseFile reads declarations and builds their Go types in order.
func ParseFile(r io.Reader) ([]Decl, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse declarations: %w", err)
	}
	return f.Build()
}

// Build turns the declarations into Go struct types. Field names are kept
// as ffi tags so layouts report the C names.
func (f *File) Build() ([]Decl, error) {
	known := make(map[string]reflect.Type, len(f.Structs))
	decls := make([]Decl, 0, len(f.Structs))
	for _, sd := range f.Structs {
		if sd.Name == "" {
			return nil, fmt.Errorf("structure without a name")
		}
		if _, dup := known[sd.Name]; dup {
			return nil, fmt.Errorf("structure %s declared twice", sd.Name)
		}
		if len(sd.Fields) == 0 {
			return nil, fmt.Errorf("structure %s has no fields", sd.Name)
		}

		var fields []reflect.StructField
		used := make(map[string]bool, len(sd.Fields)+1)
		if sd.Union {
			fields = append(fields, unionField)
			used[unionField.Name] = true
		}
		seen := make(map[string]bool, len(sd.Fields))
		for i, fd := range sd.Fields {
			if fd.Name == "" {
				return nil, fmt.Errorf("%s: field %d has no name", sd.Name, i)
			}
			if seen[fd.Name] {
				return nil, fmt.Errorf("%s: field %s declared twice", sd.Name, fd.Name)
			}
			seen[fd.Name] = true

			t, err := fieldType(fd, known)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", sd.Name, fd.Name, err)
			}
			fields = append(fields, reflect.StructField{
				Name: goName(fd.Name, i, used),
				Type: t,
				Tag:  reflect.StructTag(fmt.Sprintf(`ffi:%q`, fd.Name)),
			})
		}
		t := reflect.StructOf(fields)
		known[sd.Name] = t
		decls = append(decls, Decl{Name: sd.Name, Union: sd.Union, Type: t})
	}
	return decls, nil
}

func fieldType(fd FieldDecl, known map[string]reflect.Type) (reflect.Type, error) {
	name := normalizeType(fd.Type)
	t, ok := scalarTypes[name]
	if !ok {
		name = strings.TrimPrefix(strings.TrimPrefix(name, "struct "), "union ")
		t, ok = known[name]
	}
	if !ok {
		return nil, fmt.Errorf("unknown type %q", fd.Type)
	}
	switch {
	case fd.Count < 0:
		return nil, fmt.Errorf("negative count %d", fd.Count)
	case fd.Count > 0:
		return reflect.ArrayOf(fd.Count, t), nil
	}
	return t, nil
}

// normalizeType collapses whitespace and attaches pointer stars.
func normalizeType(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return strings.ReplaceAll(s, " *", "*")
}

// goName derives an unused exported Go identifier from a C member name.
func goName(c string, i int, used map[string]bool) string {
	var b strings.Builder
	upper := true
	for _, r := range c {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			upper = true
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	name := b.String()
	if name == "" || !unicode.IsUpper([]rune(name)[0]) || used[name] {
		name = fmt.Sprintf("F%d%s", i, name)
	}
	used[name] = true
	return name
}
