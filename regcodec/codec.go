// Package regcodec encodes and decodes typed values to and from the raw
// register buffers Modbus moves on the wire, including 32-bit word
// swapping and single-bit access within a 16-bit word. It mirrors the
// binary.BigEndian discipline the teacher's Modbus frame codec uses,
// extended with a configurable endianness and the Float/Bit types the
// datamap's Entry can declare.
package regcodec

import (
	"fmt"
	"math"

	"github.com/yarosdev/modbusdb/regkey"
)

// Type is one of the value types a register-scope entry can declare.
type Type uint8

const (
	Int16 Type = iota + 1
	UInt16
	Int32
	UInt32
	Float
	// Bit addresses a single bit inside one 16-bit word; the word itself
	// is always transported as UInt16 on the wire.
	Bit
)

func (t Type) String() string {
	switch t {
	case Int16:
		return "Int16"
	case UInt16:
		return "UInt16"
	case Int32:
		return "Int32"
	case UInt32:
		return "UInt32"
	case Float:
		return "Float"
	case Bit:
		return "Bit"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// RegisterCount returns how many 16-bit registers a value of type t occupies.
func RegisterCount(t Type) int {
	switch t {
	case Int32, UInt32, Float:
		return 2
	default:
		return 1
	}
}

// Encode produces a byte buffer of length 2*RegisterCount(t) holding value.
// bigEndian selects the byte order within each 16-bit word; for the
// 2-register types the high word always comes first (SwapWords reverses it).
func Encode(value float64, t Type, bigEndian bool) ([]byte, error) {
	n := RegisterCount(t)
	buf := make([]byte, 2*n)

	put16 := func(off int, v uint16) {
		if bigEndian {
			buf[off] = byte(v >> 8)
			buf[off+1] = byte(v)
		} else {
			buf[off] = byte(v)
			buf[off+1] = byte(v >> 8)
		}
	}
	put32 := func(v uint32) {
		hi := uint16(v >> 16)
		lo := uint16(v)
		put16(0, hi)
		put16(2, lo)
	}

	switch t {
	case Int16:
		put16(0, uint16(int16(value)))
	case UInt16, Bit:
		put16(0, uint16(value))
	case Int32:
		put32(uint32(int32(value)))
	case UInt32:
		put32(uint32(value))
	case Float:
		put32(math.Float32bits(float32(value)))
	default:
		return nil, fmt.Errorf("regcodec: unsupported type %s", t)
	}

	return buf, nil
}

// Decode reads a buffer of length 2*RegisterCount(t) and returns the value.
func Decode(buf []byte, t Type, bigEndian bool) (float64, error) {
	n := RegisterCount(t)
	if len(buf) != 2*n {
		return 0, fmt.Errorf("regcodec: buffer length %d, want %d for type %s: %w", len(buf), 2*n, t, regkey.ErrValidation)
	}

	get16 := func(off int) uint16 {
		if bigEndian {
			return uint16(buf[off])<<8 | uint16(buf[off+1])
		}
		return uint16(buf[off+1])<<8 | uint16(buf[off])
	}
	get32 := func() uint32 {
		hi := get16(0)
		lo := get16(2)
		return uint32(hi)<<16 | uint32(lo)
	}

	switch t {
	case Int16:
		return float64(int16(get16(0))), nil
	case UInt16, Bit:
		return float64(get16(0)), nil
	case Int32:
		return float64(int32(get32())), nil
	case UInt32:
		return float64(get32()), nil
	case Float:
		return float64(math.Float32frombits(get32())), nil
	default:
		return 0, fmt.Errorf("regcodec: unsupported type %s", t)
	}
}

// SwapWords returns a new 4-byte buffer holding buf's two 16-bit halves
// in swapped order; buf itself is not modified. buf must have length exactly 4; this is only meaningful for
// the 2-register types (Int32/UInt32/Float).
func SwapWords(buf []byte) ([]byte, error) {
	if len(buf) != 4 {
		return nil, fmt.Errorf("regcodec: SwapWords requires a 4-byte buffer, got %d: %w", len(buf), regkey.ErrValidation)
	}
	out := make([]byte, 4)
	out[0], out[1] = buf[2], buf[3]
	out[2], out[3] = buf[0], buf[1]
	return out, nil
}

// GetBit returns 0 or 1, the value of bit i (0-15) within word.
func GetBit(word uint16, i uint8) (uint8, error) {
	if i > 15 {
		return 0, fmt.Errorf("regcodec: bit index %d out of range [0,15]: %w", i, regkey.ErrValidation)
	}
	if word&(1<<i) != 0 {
		return 1, nil
	}
	return 0, nil
}

// SetBit returns word with bit i (0-15) set to on.
func SetBit(word uint16, i uint8, on bool) (uint16, error) {
	if i > 15 {
		return 0, fmt.Errorf("regcodec: bit index %d out of range [0,15]: %w", i, regkey.ErrValidation)
	}
	if on {
		return word | (1 << i), nil
	}
	return word &^ (1 << i), nil
}
