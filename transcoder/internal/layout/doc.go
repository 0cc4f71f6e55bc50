// Package layout computes C structure and union layouts.
//
// Members are placed in declaration order. Each starts at the running offset
// rounded up to its alignment under the active rule, and the aggregate size
// is rounded up to the strongest member alignment:
//
//	Rule   member alignment               trailing padding
//	────────────────────────────────────────────────────────
//	None   1                              none
//	GNUC   min(natural, platform maximum)  to aggregate alignment
//	MSVC   min(natural, 8)                 to aggregate alignment
//
// GNUC and MSVC differ on 32-bit targets: i386 System V aligns 64-bit
// members to 4 bytes, Windows to 8.
//
// This package is internal to the transcoder.
package layout
