package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// WriteOpaque encodes a byte slice as length + data + zero padding to the
// next 4-byte boundary.
func WriteOpaque(buf *bytes.Buffer, data []byte) error {
	length := uint32(len(data))
	if err := WriteUint32(buf, length); err != nil {
		return fmt.Errorf("write opaque length: %w", err)
	}
	if _, err := buf.Write(data); err != nil {
		return fmt.Errorf("write opaque data: %w", err)
	}
	return writePadding(buf, length)
}

// WriteString encodes a string using the same length+data+padding scheme as
// WriteOpaque.
func WriteString(buf *bytes.Buffer, s string) error {
	return WriteOpaque(buf, []byte(s))
}

func writePadding(buf *bytes.Buffer, dataLen uint32) error {
	padding := (4 - (dataLen % 4)) % 4
	if padding == 0 {
		return nil
	}
	var zeros [3]byte
	if _, err := buf.Write(zeros[:padding]); err != nil {
		return fmt.Errorf("write padding: %w", err)
	}
	return nil
}

// WriteUint32 encodes a big-endian uint32.
func WriteUint32(buf *bytes.Buffer, v uint32) error {
	if err := binary.Write(buf, binary.BigEndian, v); err != nil {
		return fmt.Errorf("write uint32: %w", err)
	}
	return nil
}

// WriteUint64 encodes a big-endian uint64.
func WriteUint64(buf *bytes.Buffer, v uint64) error {
	if err := binary.Write(buf, binary.BigEndian, v); err != nil {
		return fmt.Errorf("write uint64: %w", err)
	}
	return nil
}

// WriteInt64 encodes a big-endian two's-complement int64.
func WriteInt64(buf *bytes.Buffer, v int64) error {
	if err := binary.Write(buf, binary.BigEndian, v); err != nil {
		return fmt.Errorf("write int64: %w", err)
	}
	return nil
}

// WriteBool encodes a bool as a uint32 (0 = false, 1 = true).
func WriteBool(buf *bytes.Buffer, v bool) error {
	var n uint32
	if v {
		n = 1
	}
	return WriteUint32(buf, n)
}
