package crypt

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// BlockSequence is the fixed-width unit the engine operates on: 32-bit
// big-endian words plus an exact significant-byte count. The byte count is
// authoritative; the final word may carry zero padding that is not part of
// the payload.
type BlockSequence struct {
	Words    []uint32
	SigBytes int
}

func ToBlockSequence(b []byte) BlockSequence {
	words := make([]uint32, (len(b)+3)/4)
	for i, c := range b {
		words[i>>2] |= uint32(c) << (24 - uint(i%4)*8)
	}
	return BlockSequence{Words: words, SigBytes: len(b)}
}

// Bytes inverts ToBlockSequence exactly, including for empty and
// word-unaligned inputs.
func (s BlockSequence) Bytes() []byte {
	out := make([]byte, s.SigBytes)
	for i := 0; i < s.SigBytes; i++ {
		out[i] = byte(s.Words[i>>2] >> (24 - uint(i%4)*8))
	}
	return out
}

// Marshal lays the sequence out as a length header followed by the word
// stream. This is the serialized form the engine seals.
func (s BlockSequence) Marshal() []byte {
	buf := make([]byte, 4+len(s.Words)*4)
	binary.BigEndian.PutUint32(buf[0:4], uint32(s.SigBytes))
	for i, w := range s.Words {
		binary.BigEndian.PutUint32(buf[4+i*4:], w)
	}
	return buf
}

func UnmarshalBlockSequence(b []byte) (BlockSequence, error) {
	if len(b) < 4 || (len(b)-4)%4 != 0 {
		return BlockSequence{}, errors.New("malformed block sequence")
	}
	sigBytes := int(binary.BigEndian.Uint32(b[0:4]))
	words := make([]uint32, (len(b)-4)/4)
	for i := range words {
		words[i] = binary.BigEndian.Uint32(b[4+i*4:])
	}
	if sigBytes > len(words)*4 || (sigBytes+3)/4 != len(words) {
		return BlockSequence{}, errors.New("block sequence length mismatch")
	}
	return BlockSequence{Words: words, SigBytes: sigBytes}, nil
}
