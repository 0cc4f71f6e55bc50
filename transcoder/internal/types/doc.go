// Package types defines the kinds the transcoder compiles Go types into.
//
// A Kind decides which encoder and decoder path a value takes: scalars move
// through a single machine word, references through an address that may own
// temporary native storage, and aggregates are laid out inline.
//
// This package is internal to the transcoder.
package types
