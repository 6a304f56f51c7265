package protocol_test

import (
	"testing"

	"taplog/pkg/protocol"
)

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	_, err := protocol.NewRegistry(
		protocol.Descriptor{ID: 1, Name: "a", Kind: protocol.KindUint8},
		protocol.Descriptor{ID: 1, Name: "b", Kind: protocol.KindUint8},
	)
	if err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestNewRegistryRejectsUnencodableKind(t *testing.T) {
	_, err := protocol.NewRegistry(protocol.Descriptor{ID: 3, Name: "wide", Kind: protocol.KindFloat64})
	if err == nil {
		t.Fatalf("expected error for 8-byte kind")
	}
}

func TestDefaultRegistry(t *testing.T) {
	reg := protocol.DefaultRegistry()
	if reg.Len() != 4 {
		t.Fatalf("unexpected registry size: %d", reg.Len())
	}
	desc, ok := reg.Lookup(7)
	if !ok || desc.Name != "LEDStatus" || desc.Kind != protocol.KindUint8 {
		t.Fatalf("unexpected descriptor: %+v", desc)
	}
	if _, ok := reg.Lookup(3); ok {
		t.Fatalf("id 3 should be absent")
	}
	descs := reg.Descriptors()
	for i := 1; i < len(descs); i++ {
		if descs[i-1].ID >= descs[i].ID {
			t.Fatalf("descriptors not sorted: %+v", descs)
		}
	}
}

func TestParseKind(t *testing.T) {
	cases := map[string]protocol.Kind{
		"uint8_t":              protocol.KindUint8,
		" volatile float ":     protocol.KindFloat32,
		"static const int32_t": protocol.KindInt32,
		"u32":                  protocol.KindUint32,
		"_Bool":                protocol.KindBool,
	}
	for in, want := range cases {
		got, err := protocol.ParseKind(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("parse %q: got %s want %s", in, got, want)
		}
	}
	if _, err := protocol.ParseKind("char*"); err == nil {
		t.Fatalf("expected error for pointer type")
	}
}

func TestKindDecodeLittleEndian(t *testing.T) {
	v, err := protocol.KindUint32.Decode([]byte{0x01, 0x02, 0x03, 0x04})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v != uint32(0x04030201) {
		t.Fatalf("unexpected value: 0x%x", v)
	}

	v, err = protocol.KindUint32.Decode([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v != uint32(4294967295) {
		t.Fatalf("unexpected max value: %v", v)
	}

	if _, err := protocol.KindUint8.Decode([]byte{0x01, 0x02}); err == nil {
		t.Fatalf("expected length mismatch")
	}
}
