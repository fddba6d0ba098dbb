package peerwire

import (
	"fmt"
	"strings"

	"github.com/bits-and-blooms/bitset"
)

// Bitfield records which pieces a remote peer has. It only grows: setting an
// index past the end pads with absent pieces, nothing is ever removed.
type Bitfield struct {
	bits   *bitset.BitSet
	length uint
}

// NewBitfield decodes raw, the payload of a bitfield message, reading the bits
// of each byte most-significant first. A nil or empty raw gives an empty
// Bitfield.
func NewBitfield(raw []byte) *Bitfield {
	n := uint(len(raw)) * 8
	b := &Bitfield{bits: bitset.New(n), length: n}
	for i, c := range raw {
		for bit := uint(0); bit < 8; bit++ {
			if c&(0x80>>bit) != 0 {
				b.bits.Set(uint(i)*8 + bit)
			}
		}
	}
	return b
}

// Set marks piece index as present, growing the field when needed.
// Negative indices are ignored.
func (b *Bitfield) Set(index int) {
	if index < 0 {
		return
	}
	i := uint(index)
	b.bits.Set(i)
	if i >= b.length {
		b.length = i + 1
	}
}

// Has reports whether piece index is present. Indices past the end are
// absent.
func (b *Bitfield) Has(index int) bool {
	if index < 0 || uint(index) >= b.length {
		return false
	}
	return b.bits.Test(uint(index))
}

// Len is the number of entries, present or not.
func (b *Bitfield) Len() int {
	return int(b.length)
}

// Count is the number of present pieces.
func (b *Bitfield) Count() int {
	return int(b.bits.Count())
}

// Bytes encodes the field back into wire form, MSB first, zero padded.
func (b *Bitfield) Bytes() []byte {
	out := make([]byte, (b.length+7)/8)
	for i := uint(0); i < b.length; i++ {
		if b.bits.Test(i) {
			out[i/8] |= 0x80 >> (i % 8)
		}
	}
	return out
}

// Clone returns an independent copy, used to hand out read-only views.
func (b *Bitfield) Clone() *Bitfield {
	return &Bitfield{bits: b.bits.Clone(), length: b.length}
}

// String renders the field as a run of "0" and "1", one per piece.
func (b *Bitfield) String() string {
	var sb strings.Builder
	sb.Grow(int(b.length))
	for i := uint(0); i < b.length; i++ {
		if b.bits.Test(i) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

// ValidateBitfield checks a bitfield payload against the torrent's piece
// count: the byte length must be exactly ceil(numPieces/8) and the spare
// bits of the last byte must be clear.
func ValidateBitfield(raw []byte, numPieces int) error {
	want := (numPieces + 7) / 8
	if len(raw) != want {
		return fmt.Errorf("%w: %d bytes for %d pieces, want %d", ErrMalformedBitfield, len(raw), numPieces, want)
	}
	if spare := want*8 - numPieces; spare > 0 {
		mask := byte(1<<uint(spare)) - 1
		if raw[len(raw)-1]&mask != 0 {
			return fmt.Errorf("%w: spare bits set", ErrMalformedBitfield)
		}
	}
	return nil
}
