// Package isa models compiled method bodies as edit-addressable
// instruction streams.
//
// This package contains:
//   - Opcode definitions and per-opcode metadata
//   - Tagged operand representation (int, string, member reference, jump target)
//   - Identity-addressed instruction streams with stable IDs across edits
//   - A builder for emitting instruction sequences
//   - A disassembler for diagnostics
package isa
