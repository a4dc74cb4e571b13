// Package codec implements the function-code address translation and
// register scaling rules for the Fuji "Frenic"-style drive family
// (spec.md §4.1), ported from the original function_code_to_coil table.
package codec

import (
	"fmt"
	"math"
	"strconv"

	"github.com/levitree/vfdgw/internal/vfd"
)

// groupTable maps the one-character function-code group to its 5-bit group
// index. Case is significant; this is the exact table from spec.md §4.1 /
// the original Frenic.py.
var groupTable = map[byte]uint16{
	'F': 0,
	'E': 1,
	'C': 2,
	'P': 3,
	'H': 4,
	'A': 5,
	'o': 6,
	'S': 7,
	'M': 8,
	'r': 10,
	'J': 13,
	'y': 14,
	'W': 15,
	'X': 16,
	'Z': 17,
	'b': 18,
	'd': 19,
}

// ErrUnknownCode is returned when the group letter has no entry in the
// table, or the remainder of the code isn't a decimal index.
var ErrUnknownCode = fmt.Errorf("codec: unknown function code")

// ErrIndexOutOfRange is returned when the decimal index doesn't fit in 8
// bits.
var ErrIndexOutOfRange = fmt.Errorf("codec: index out of range")

// EncodeAddress splits a symbolic function code such as "M05" into a
// one-character group and a decimal index, and returns the 16-bit holding
// register address (group<<8 | index).
func EncodeAddress(code string) (uint16, error) {
	if len(code) < 2 {
		return 0, ErrUnknownCode
	}
	group, ok := groupTable[code[0]]
	if !ok {
		return 0, ErrUnknownCode
	}
	idx, err := strconv.Atoi(code[1:])
	if err != nil {
		return 0, ErrUnknownCode
	}
	if idx < 0 || idx > 0xFF {
		return 0, ErrIndexOutOfRange
	}
	return group<<8 | uint16(idx), nil
}

// Frenic scaling helpers (spec.md §4.1). Raw values are the 16-bit register
// words as read from the holding-register block; the results are the
// physical quantities they represent.

// ScaleFrequency converts a raw frequency register (hundredths of Hz) to Hz.
func ScaleFrequency(raw uint16) float64 {
	return float64(raw) / 100.0
}

// ScaleVoltage converts a raw voltage register (tenths of V) to V.
func ScaleVoltage(raw uint16) float64 {
	return float64(raw) / 10.0
}

// ScaleCurrent converts a raw current register (hundredths of A) to A.
func ScaleCurrent(raw uint16) float64 {
	return float64(raw) / 100.0
}

// ScalePower converts a raw power register (hundredths of W) to W.
func ScalePower(raw uint16) float64 {
	return float64(raw) / 100.0
}

// ScaleMaxFrequency converts the F03 register (tenths of Hz) to an integer
// Hz ceiling, truncating as the original does (int(state[0] / 10)).
func ScaleMaxFrequency(raw uint16) int {
	return int(raw / 10)
}

// EncodeFrequencyCommand encodes a target frequency in Hz into the raw
// value written to S05, floor(freq*100) (spec.md §4.5.2, P2).
func EncodeFrequencyCommand(freqHz float64) uint16 {
	return uint16(math.Floor(freqHz * 100))
}

// DecodeMode applies the mode decoder (spec.md §4.5.1, P4) to a raw command
// or status word: bit0 set -> FORWARD; else bit1 set -> REVERSE; else STOP.
// OFFLINE is never produced here; it's a mirror-only marker set by failure
// handling.
func DecodeMode(word uint16) vfd.DriveMode {
	switch {
	case word&0b01 != 0:
		return vfd.ModeForward
	case word&0b10 != 0:
		return vfd.ModeReverse
	default:
		return vfd.ModeStop
	}
}
