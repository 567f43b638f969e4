package crypt

import (
	"bytes"
	"testing"
)

func TestBlockSequence_RoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x01},
		{0x01, 0x02},
		{0x01, 0x02, 0x03},
		{0x01, 0x02, 0x03, 0x04},
		{0x01, 0x02, 0x03, 0x04, 0x05},
		bytes.Repeat([]byte{0xAB}, 1024),
		bytes.Repeat([]byte{0x00}, 7),
	}
	for _, in := range cases {
		seq := ToBlockSequence(in)
		if seq.SigBytes != len(in) {
			t.Errorf("SigBytes = %d, want %d", seq.SigBytes, len(in))
		}
		out := seq.Bytes()
		if !bytes.Equal(out, in) {
			t.Errorf("round trip mismatch for %d bytes: got %v want %v", len(in), out, in)
		}
	}
}

func TestBlockSequence_MarshalRoundTrip(t *testing.T) {
	in := []byte("unaligned payload!")
	raw := ToBlockSequence(in).Marshal()
	seq, err := UnmarshalBlockSequence(raw)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !bytes.Equal(seq.Bytes(), in) {
		t.Errorf("marshal round trip mismatch: got %q", seq.Bytes())
	}
}

func TestBlockSequence_UnalignedPadding(t *testing.T) {
	// 5 bytes occupy two words; the trailing 3 bytes of the second word
	// must stay zero and must not leak into the output.
	seq := ToBlockSequence([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	if len(seq.Words) != 2 {
		t.Fatalf("expected 2 words, got %d", len(seq.Words))
	}
	if seq.Words[1] != 0xFF000000 {
		t.Errorf("padding bytes not zero: %08x", seq.Words[1])
	}
	if got := seq.Bytes(); len(got) != 5 {
		t.Errorf("expected 5 bytes back, got %d", len(got))
	}
}

func TestUnmarshalBlockSequence_Malformed(t *testing.T) {
	cases := [][]byte{
		nil,
		{0x00},
		{0x00, 0x00, 0x00},
		{0x00, 0x00, 0x00, 0x09, 0x00, 0x00, 0x00, 0x00}, // claims 9 bytes, holds 1 word
		{0x00, 0x00, 0x00, 0x01},                          // claims 1 byte, holds 0 words
	}
	for i, in := range cases {
		if _, err := UnmarshalBlockSequence(in); err == nil {
			t.Errorf("case %d: expected error for malformed input", i)
		}
	}
}
