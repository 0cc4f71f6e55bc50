package abi

import (
	"fmt"
	"strings"
)

// CallingConvention selects how arguments are passed to a native function.
type CallingConvention uint8

const (
	// ConventionC is the platform's default C calling convention.
	ConventionC CallingConvention = iota
	// ConventionAlt is the platform's alternate convention (stdcall on
	// windows/386). It is identical to ConventionC on every other platform.
	ConventionAlt
)

func (c CallingConvention) String() string {
	switch c {
	case ConventionC:
		return "c"
	case ConventionAlt:
		return "alt"
	}
	return fmt.Sprintf("convention(%d)", uint8(c))
}

// ParseConvention parses a convention name. Accepts "c", "cdecl", "alt" and
// "stdcall".
func ParseConvention(s string) (CallingConvention, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "c", "cdecl", "default":
		return ConventionC, nil
	case "alt", "stdcall":
		return ConventionAlt, nil
	}
	return ConventionC, fmt.Errorf("unknown calling convention %q", s)
}

// UnmarshalText implements encoding.TextUnmarshaler for configuration files.
func (c *CallingConvention) UnmarshalText(text []byte) error {
	v, err := ParseConvention(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (c CallingConvention) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}
