package transcoder

import (
	"strings"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/errors"
	"github.com/wippyai/ffi-runtime/transcoder/internal/layout"
)

// AlignmentRule selects how structure members are padded.
type AlignmentRule uint8

const (
	// AlignDefault follows the platform C compiler: MSVC on Windows, GNUC
	// everywhere else.
	AlignDefault AlignmentRule = iota
	// AlignNone packs members back to back with no padding.
	AlignNone
	// AlignGNUC caps member alignment at the platform maximum, so 64-bit
	// members are 4-byte aligned on i386.
	AlignGNUC
	// AlignMSVC caps member alignment at 8 bytes.
	AlignMSVC
)

var alignmentNames = [...]string{
	AlignDefault: "default",
	AlignNone:    "none",
	AlignGNUC:    "gnuc",
	AlignMSVC:    "msvc",
}

func (r AlignmentRule) String() string {
	if int(r) < len(alignmentNames) {
		return alignmentNames[r]
	}
	return "unknown"
}

// ParseAlignment parses a rule name.
func ParseAlignment(s string) (AlignmentRule, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default", "natural":
		return AlignDefault, nil
	case "none", "packed":
		return AlignNone, nil
	case "gnuc", "gcc":
		return AlignGNUC, nil
	case "msvc":
		return AlignMSVC, nil
	}
	return AlignDefault, errors.InvalidInput(errors.PhaseParse, "unknown alignment rule "+s)
}

func (r *AlignmentRule) UnmarshalText(text []byte) error {
	v, err := ParseAlignment(string(text))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

func (r AlignmentRule) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Effective resolves AlignDefault for platform p.
func (r AlignmentRule) Effective(p abi.Platform) AlignmentRule {
	if r != AlignDefault {
		return r
	}
	if p.MSVC {
		return AlignMSVC
	}
	return AlignGNUC
}

func (r AlignmentRule) layoutRule(p abi.Platform) layout.Rule {
	switch r.Effective(p) {
	case AlignNone:
		return layout.None
	case AlignMSVC:
		return layout.MSVC
	default:
		return layout.GNUC
	}
}
