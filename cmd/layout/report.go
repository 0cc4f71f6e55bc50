package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/itchyny/gojq"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/transcoder"
)

// Layout is the native layout of one structure on one platform under one
// alignment rule.
type Layout struct {
	Struct   string        `json:"struct"`
	Union    bool          `json:"union,omitempty"`
	Platform string        `json:"platform"`
	Rule     string        `json:"rule"`
	Size     uint64        `json:"size"`
	Align    uint64        `json:"align"`
	Fields   []FieldLayout `json:"fields"`
}

type FieldLayout struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Offset uint64 `json:"offset"`
	Size   uint64 `json:"size"`
	Pad    uint64 `json:"pad,omitempty"` // padding before the field
}

// Compute lays out every declaration on each platform under each rule.
func Compute(decls []Decl, platforms []abi.Platform, rules []transcoder.AlignmentRule) ([]Layout, error) {
	var out []Layout
	for _, d := range decls {
		for _, p := range platforms {
			c := transcoder.CompilerFor(p)
			for _, r := range rules {
				ct, err := c.Compile(d.Type, r, nil)
				if err != nil {
					return nil, fmt.Errorf("%s on %s (%s): %w", d.Name, p.Name, r, err)
				}
				out = append(out, newLayout(d, p, r, ct))
			}
		}
	}
	return out, nil
}

func newLayout(d Decl, p abi.Platform, r transcoder.AlignmentRule, ct *transcoder.CompiledType) Layout {
	l := Layout{
		Struct:   d.Name,
		Union:    d.Union,
		Platform: p.Name,
		Rule:     r.String(),
		Size:     ct.Size,
		Align:    ct.Align,
	}
	if r == transcoder.AlignDefault {
		l.Rule += " (" + r.Effective(p).String() + ")"
	}
	end := uint64(0)
	for _, f := range ct.Fields {
		fl := FieldLayout{
			Name:   f.Name,
			Kind:   kindName(f.Type),
			Offset: f.Offset,
			Size:   f.Size,
		}
		if !d.Union && f.Offset > end {
			fl.Pad = f.Offset - end
		}
		if e := f.Offset + f.Size; e > end {
			end = e
		}
		l.Fields = append(l.Fields, fl)
	}
	return l
}

func kindName(ct *transcoder.CompiledType) string {
	switch ct.Kind {
	case transcoder.KindArray:
		return kindName(ct.Elem) + "[" + strconv.Itoa(ct.Len) + "]"
	}
	return ct.Kind.String()
}

// Tail returns the trailing padding of l.
func (l Layout) Tail() uint64 {
	end := uint64(0)
	for _, f := range l.Fields {
		if e := f.Offset + f.Size; e > end {
			end = e
		}
	}
	return l.Size - end
}

// WriteJSON writes the layouts as an indented JSON array.
func WriteJSON(w io.Writer, layouts []Layout) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(layouts)
}

// Query runs a jq program over the JSON form of layouts and writes each
// result on its own line.
func Query(w io.Writer, layouts []Layout, program string) error {
	q, err := gojq.Parse(program)
	if err != nil {
		return fmt.Errorf("parse query: %w", err)
	}
	code, err := gojq.Compile(q)
	if err != nil {
		return fmt.Errorf("compile query: %w", err)
	}

	// gojq works on plain JSON values
	data, err := json.Marshal(layouts)
	if err != nil {
		return err
	}
	var input any
	if err := json.Unmarshal(data, &input); err != nil {
		return err
	}

	iter := code.Run(input)
	for {
		v, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, ok := v.(error); ok {
			if halt, ok := err.(*gojq.HaltError); ok && halt.Value() == nil {
				return nil
			}
			return fmt.Errorf("run query: %w", err)
		}
		if s, ok := v.(string); ok {
			fmt.Fprintln(w, s)
			continue
		}
		out, err := gojq.Marshal(v)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(out))
	}
}

var (
	nameStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	kindStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	padStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// WriteText prints one table per layout. Styles are applied only when
// styled is set.
func WriteText(w io.Writer, layouts []Layout, styled bool) {
	render := func(s lipgloss.Style, text string) string {
		if !styled {
			return text
		}
		return s.Render(text)
	}
	for i, l := range layouts {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w, render(titleStyle, title(l)))
		for _, f := range l.Fields {
			if f.Pad > 0 {
				fmt.Fprintln(w, render(padStyle, fmt.Sprintf("  %6s  (%d bytes padding)", "", f.Pad)))
			}
			fmt.Fprintf(w, "  %6d  %-24s %s\n",
				f.Offset,
				render(nameStyle, f.Name),
				render(kindStyle, fmt.Sprintf("%s, %d bytes", f.Kind, f.Size)))
		}
		if tail := l.Tail(); tail > 0 {
			fmt.Fprintln(w, render(padStyle, fmt.Sprintf("  %6s  (%d bytes trailing padding)", "", tail)))
		}
	}
}

func title(l Layout) string {
	kw := "struct"
	if l.Union {
		kw = "union"
	}
	return fmt.Sprintf("%s %s  %s/%s  size %d align %d",
		kw, l.Struct, l.Platform, strings.ToLower(l.Rule), l.Size, l.Align)
}
