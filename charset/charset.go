package charset

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"

	"github.com/wippyai/ffi-runtime/abi"
)

// EnvEncoding names the environment variable holding the process-wide
// default encoding for char* strings.
const EnvEncoding = "FFI_RUNTIME_ENCODING"

// Charset converts between Go strings and NUL-terminated native text.
type Charset interface {
	// Name returns the canonical name of the encoding.
	Name() string
	// Encode converts s to native bytes without a terminator.
	Encode(s string) ([]byte, error)
	// Decode converts native bytes without a terminator to a Go string.
	Decode(b []byte) (string, error)
	// UnitSize is the width of one code unit and of the terminator.
	UnitSize() int
}

type textCharset struct {
	enc  encoding.Encoding
	name string
	unit int
}

func (c *textCharset) Name() string  { return c.name }
func (c *textCharset) UnitSize() int { return c.unit }

func (c *textCharset) Encode(s string) ([]byte, error) {
	return encoding.ReplaceUnsupported(c.enc.NewEncoder()).Bytes([]byte(s))
}

func (c *textCharset) Decode(b []byte) (string, error) {
	out, err := c.enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ascii maps everything outside 7-bit ASCII to '?' on encode and U+FFFD on decode.
type ascii struct{}

func (ascii) Name() string  { return "US-ASCII" }
func (ascii) UnitSize() int { return 1 }

func (ascii) Encode(s string) ([]byte, error) {
	out, err := encoding.ReplaceUnsupported(charmap.ISO8859_1.NewEncoder()).Bytes([]byte(s))
	if err != nil {
		return nil, err
	}
	for i, c := range out {
		if c > 0x7f {
			out[i] = '?'
		}
	}
	return out, nil
}

func (ascii) Decode(b []byte) (string, error) {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		if c > 0x7f {
			sb.WriteRune('�')
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String(), nil
}

var (
	UTF8    Charset = &textCharset{enc: unicode.UTF8, name: "UTF-8", unit: 1}
	Latin1  Charset = &textCharset{enc: charmap.ISO8859_1, name: "ISO-8859-1", unit: 1}
	ASCII   Charset = ascii{}
	UTF16LE Charset = &textCharset{enc: unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM), name: "UTF-16LE", unit: 2}
	UTF16BE Charset = &textCharset{enc: unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM), name: "UTF-16BE", unit: 2}
	UTF32LE Charset = &textCharset{enc: utf32.UTF32(utf32.LittleEndian, utf32.IgnoreBOM), name: "UTF-32LE", unit: 4}
	UTF32BE Charset = &textCharset{enc: utf32.UTF32(utf32.BigEndian, utf32.IgnoreBOM), name: "UTF-32BE", unit: 4}
)

var builtin = map[string]Charset{
	"utf-8":      UTF8,
	"utf8":       UTF8,
	"us-ascii":   ASCII,
	"ascii":      ASCII,
	"iso-8859-1": Latin1,
	"latin1":     Latin1,
	"utf-16le":   UTF16LE,
	"utf-16be":   UTF16BE,
	"utf-32le":   UTF32LE,
	"utf-32be":   UTF32BE,
}

// Lookup resolves an encoding by name. Besides the built-in names, any
// IANA-registered charset supported by golang.org/x/text is accepted.
func Lookup(name string) (Charset, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if cs, ok := builtin[key]; ok {
		return cs, nil
	}
	enc, err := ianaindex.IANA.Encoding(key)
	if err != nil {
		return nil, fmt.Errorf("unknown encoding %q: %w", name, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("encoding %q is not supported", name)
	}
	canonical, err := ianaindex.IANA.Name(enc)
	if err != nil {
		canonical = name
	}
	return &textCharset{enc: enc, name: canonical, unit: 1}, nil
}

// Wide returns the wchar_t encoding of platform p.
func Wide(p abi.Platform) Charset {
	if p.WCharSize == 2 {
		return UTF16LE
	}
	return UTF32LE
}

var (
	defaultCharset atomic.Pointer[Charset]
	defaultOnce    sync.Once
)

// Default returns the process-wide char* encoding. It is initialized from
// FFI_RUNTIME_ENCODING and falls back to UTF-8.
func Default() Charset {
	defaultOnce.Do(func() {
		if defaultCharset.Load() != nil {
			return
		}
		cs := UTF8
		if name := os.Getenv(EnvEncoding); name != "" {
			if found, err := Lookup(name); err == nil {
				cs = found
			}
		}
		defaultCharset.CompareAndSwap(nil, &cs)
	})
	return *defaultCharset.Load()
}

// SetDefault replaces the process-wide char* encoding.
func SetDefault(cs Charset) {
	if cs == nil {
		cs = UTF8
	}
	defaultCharset.Store(&cs)
}
