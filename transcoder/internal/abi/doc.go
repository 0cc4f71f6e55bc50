// Package abi provides internal utilities for native value conversion.
//
// # Contents
//
//   - coerce.go: numeric coercion of converter results and loosely typed arguments
//   - helpers.go: overflow-checked arithmetic, word truncation and sign extension
//
// This package is internal to the transcoder.
package abi
