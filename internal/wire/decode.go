package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxOpaqueLength bounds a single variable-length field, guarding against a
// corrupt or hostile length prefix forcing an unbounded allocation. fmap
// payloads (§3) are the largest field this codec carries and stay well
// under this.
const maxOpaqueLength = 16 * 1024 * 1024

// DecodeOpaque reads a length-prefixed, zero-padded byte slice.
func DecodeOpaque(r io.Reader) ([]byte, error) {
	length, err := DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}
	if length > maxOpaqueLength {
		return nil, fmt.Errorf("opaque length %d exceeds maximum %d", length, maxOpaqueLength)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read data: %w", err)
	}

	padding := (4 - (length % 4)) % 4
	if padding > 0 {
		var pad [3]byte
		if _, err := io.ReadFull(r, pad[:padding]); err != nil {
			return nil, fmt.Errorf("skip padding: %w", err)
		}
	}
	return data, nil
}

// DecodeString reads a length-prefixed string using the same framing as
// DecodeOpaque.
func DecodeString(r io.Reader) (string, error) {
	data, err := DecodeOpaque(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeUint32 reads a big-endian uint32.
func DecodeUint32(r io.Reader) (uint32, error) {
	var v uint32
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return 0, fmt.Errorf("read uint32: %w", err)
	}
	return v, nil
}

// DecodeUint64 reads a big-endian uint64.
func DecodeUint64(r io.Reader) (uint64, error) {
	var v uint64
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return 0, fmt.Errorf("read uint64: %w", err)
	}
	return v, nil
}

// DecodeInt64 reads a big-endian two's-complement int64.
func DecodeInt64(r io.Reader) (int64, error) {
	var v int64
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return 0, fmt.Errorf("read int64: %w", err)
	}
	return v, nil
}

// DecodeBool reads a uint32 and reports whether it is non-zero.
func DecodeBool(r io.Reader) (bool, error) {
	v, err := DecodeUint32(r)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}
