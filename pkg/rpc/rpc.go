// Package rpc implements the transport linking clients to their
// co-located server and servers to one another (§4.1): a typed call
// (request bytes) -> (response bytes) over a registered opcode, plus an
// orthogonal bulk primitive for large payloads. One call may be in flight
// per connection at a time; a connection's bulk handles must outlive any
// transfer issued against them.
package rpc

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/marmos91/unifyfs/internal/wire"
)

// frame is call|ok|errFrame, written as a single byte
// tag ahead of an opcode/payload so both directions of a connection share
// one framing format.
type frameKind byte

const (
	frameCall frameKind = iota
	frameOK
	frameErr
)

// writeFrame writes one message: kind, opcode, opaque payload. The frame
// is assembled in a scratch buffer first since internal/wire's encode
// helpers write into a *bytes.Buffer rather than an arbitrary io.Writer.
func writeFrame(w *bufio.Writer, kind frameKind, op wire.Opcode, payload []byte) error {
	var buf bytes.Buffer
	buf.WriteByte(byte(kind))
	if err := wire.WriteString(&buf, string(op)); err != nil {
		return err
	}
	if err := wire.WriteOpaque(&buf, payload); err != nil {
		return err
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	return w.Flush()
}

func readFrame(r io.Reader) (frameKind, wire.Opcode, []byte, error) {
	var kindByte [1]byte
	if _, err := io.ReadFull(r, kindByte[:]); err != nil {
		return 0, "", nil, err
	}

	op, err := wire.DecodeString(r)
	if err != nil {
		return 0, "", nil, fmt.Errorf("rpc: read opcode: %w", err)
	}
	payload, err := wire.DecodeOpaque(r)
	if err != nil {
		return 0, "", nil, fmt.Errorf("rpc: read payload: %w", err)
	}
	return frameKind(kindByte[0]), wire.Opcode(op), payload, nil
}

// Handler processes one call's payload and returns a response payload or
// an error; the error's text is sent back in an error frame and
// Client.Call returns it to its caller as a Go error.
type Handler func(req []byte) ([]byte, error)

// HandlerTable maps each registered opcode to its handler. Both sides of a
// transport must agree on the opcode set (§4.1); there's no negotiation.
type HandlerTable map[wire.Opcode]Handler
