// Package codec reads and writes the tag/wire-type binary envelope carried
// inside upstream WebSocket frames, and normalizes decoded frames into
// typed inbound events.
package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame is returned for truncated or otherwise undecodable input.
	ErrMalformedFrame = errors.New("codec: malformed frame")
	// ErrUnknownFrameKind is returned when a frame decodes but matches no known kind.
	ErrUnknownFrameKind = errors.New("codec: unknown frame kind")
)

// WireType is the low three bits of a field key.
type WireType uint8

const (
	WireVarint  WireType = 0
	WireFixed64 WireType = 1
	WireBytes   WireType = 2
	WireFixed32 WireType = 5
)

const maxVarintLen = 10

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, args...))
}

// readUvarint decodes a varint from b, returning the value and bytes used.
func readUvarint(b []byte) (uint64, int, error) {
	var v uint64
	for i := 0; i < len(b) && i < maxVarintLen; i++ {
		c := b[i]
		if i == maxVarintLen-1 && c > 1 {
			return 0, 0, malformed("varint overflows 64 bits")
		}
		v |= uint64(c&0x7f) << (7 * uint(i))
		if c < 0x80 {
			return v, i + 1, nil
		}
	}
	if len(b) >= maxVarintLen {
		return 0, 0, malformed("varint too long")
	}
	return 0, 0, malformed("truncated varint")
}

func appendUvarint(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

func appendFixed64(dst []byte, v uint64) []byte {
	return append(dst,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

func appendFixed32(dst []byte, v uint32) []byte {
	return append(dst, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func readFixed64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func readFixed32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
