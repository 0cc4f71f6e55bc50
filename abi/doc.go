// Package abi describes native targets and the raw call frames exchanged
// with native call engines.
//
// A Platform captures the data model (pointer, long and wchar_t widths, the
// maximum member alignment and the default structure layout flavor). Kind and
// Type describe values as a calling convention sees them, and Frame and Result
// carry marshaled arguments and return values between the value codec and an
// engine.
package abi
