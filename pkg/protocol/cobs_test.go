package protocol_test

import (
	"bytes"
	"testing"

	"taplog/pkg/protocol"
)

func TestCobsDecodeSimple(t *testing.T) {
	decoded, err := protocol.CobsDecode([]byte{0x03, 0x11, 0x22})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decoded) != 2 || decoded[0] != 0x11 || decoded[1] != 0x22 {
		t.Fatalf("unexpected decode result: %v", decoded)
	}
}

func TestCobsDecodeInvalid(t *testing.T) {
	if _, err := protocol.CobsDecode([]byte{0x00, 0x01}); err == nil {
		t.Fatalf("expected error for invalid code 0x00")
	}
}

func TestCobsEncodeRoundTrip(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = byte(i%255 + 1)
	}
	inputs := [][]byte{
		{0x11, 0x00, 0x22},
		{0x00},
		{0x00, 0x00, 0x05, 0xC1, 0x07, 0x01, 0x00},
		long,
	}
	for _, in := range inputs {
		frame := protocol.CobsEncode(in)
		if bytes.IndexByte(frame, 0x00) >= 0 {
			t.Fatalf("encoded frame contains delimiter: %v", frame)
		}
		out, err := protocol.CobsDecode(frame)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !bytes.Equal(in, out) {
			t.Fatalf("round trip mismatch: got %v want %v", out, in)
		}
	}
}
