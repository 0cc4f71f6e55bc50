package runtime

import (
	"bytes"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/callback"
	"github.com/wippyai/ffi-runtime/charset"
	"github.com/wippyai/ffi-runtime/errors"
	"github.com/wippyai/ffi-runtime/transcoder"
)

// Options configure how a library converts values and calls functions.
type Options struct {
	// TypeMapper converts Go types without a native representation.
	TypeMapper *transcoder.TypeMapper `yaml:"-"`
	// Alignment is the default structure alignment rule.
	Alignment transcoder.AlignmentRule `yaml:"alignment"`
	// Encoding names the charset of narrow strings. Empty selects
	// charset.Default().
	Encoding string `yaml:"encoding"`
	// Convention is the calling convention of functions and callbacks
	// without their own.
	Convention abi.CallingConvention `yaml:"convention"`
	// AllowObjects lets arbitrary Go values pass to native code as opaque
	// handles.
	AllowObjects bool `yaml:"allow_objects"`
	// ThrowLastError turns a non-zero errno after a call into an error.
	ThrowLastError bool `yaml:"throw_last_error"`
	// Synchronized serializes all calls into the library.
	Synchronized bool `yaml:"synchronized"`

	// Callback failures and thread setup.
	CallbackHandler callback.Handler           `yaml:"-"`
	Threads         callback.ThreadInitializer `yaml:"-"`
	ThreadPolicy    callback.ThreadPolicy      `yaml:"-"`
}

// Option configures Options.
type Option func(*Options)

func WithTypeMapper(m *transcoder.TypeMapper) Option {
	return func(o *Options) { o.TypeMapper = m }
}

func WithAlignment(r transcoder.AlignmentRule) Option {
	return func(o *Options) { o.Alignment = r }
}

func WithEncoding(name string) Option {
	return func(o *Options) { o.Encoding = name }
}

func WithConvention(c abi.CallingConvention) Option {
	return func(o *Options) { o.Convention = c }
}

func WithAllowObjects() Option {
	return func(o *Options) { o.AllowObjects = true }
}

func WithThrowLastError() Option {
	return func(o *Options) { o.ThrowLastError = true }
}

func WithSynchronized() Option {
	return func(o *Options) { o.Synchronized = true }
}

// WithCallbackHandler routes callback failures to h instead of the log.
func WithCallbackHandler(h callback.Handler) Option {
	return func(o *Options) { o.CallbackHandler = h }
}

// WithThreadInitializer prepares threads that enter Go through callbacks.
func WithThreadInitializer(init callback.ThreadInitializer, policy callback.ThreadPolicy) Option {
	return func(o *Options) {
		o.Threads = init
		o.ThreadPolicy = policy
	}
}

// WithOptions replaces all settings with opts, typically from ParseOptions.
func WithOptions(opts Options) Option {
	return func(o *Options) { *o = opts }
}

// ParseOptions decodes options from YAML:
//
//	alignment: gnuc
//	encoding: ISO-8859-1
//	convention: c
//	allow_objects: false
//	throw_last_error: true
//	synchronized: false
//
// Unknown keys are rejected.
func ParseOptions(data []byte) (Options, error) {
	var o Options
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&o); err != nil && err != io.EOF {
		return Options{}, errors.ParseFailed("library options", err)
	}
	if _, err := o.charset(); err != nil {
		return Options{}, err
	}
	return o, nil
}

func buildOptions(opts []Option) (Options, error) {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	if _, err := o.charset(); err != nil {
		return Options{}, err
	}
	return o, nil
}

// charset resolves Encoding. A nil charset defers to charset.Default().
func (o Options) charset() (charset.Charset, error) {
	if o.Encoding == "" {
		return nil, nil
	}
	cs, err := charset.Lookup(o.Encoding)
	if err != nil {
		return nil, errors.New(errors.PhaseLayout, errors.KindInvalidInput).
			Cause(err).
			Detail("unknown encoding %q", o.Encoding).
			Build()
	}
	return cs, nil
}
