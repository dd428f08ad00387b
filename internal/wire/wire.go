// Package wire provides the fixed-width, length-prefixed binary encoding
// used for every request/response and opcode registration crossing the
// client↔server and server↔server RPC transport (§4.1, §6).
//
// Encoding rules:
//   - All multi-byte integers are big-endian.
//   - All data is aligned to 4-byte boundaries.
//   - Variable-length byte strings are preceded by a 4-byte length and
//     padded with zero bytes to the next 4-byte boundary.
//
// This package has no dependency on any other unifyfs package: it is a
// protocol-agnostic binary codec, reusable by any future wire format.
package wire
