package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Kind is the numeric representation of a variable value on the wire.
// Multi-byte kinds are little-endian, matching the device firmware.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindUint8
	KindInt8
	KindBool
	KindUint16
	KindInt16
	KindUint32
	KindInt32
	KindFloat32
	KindUint64
	KindInt64
	KindFloat64
)

// ParseKind maps a C type name (as written in firmware sources and in the
// [[variables]] config table) to a Kind.
func ParseKind(ctype string) (Kind, error) {
	switch NormalizeCType(ctype) {
	case "uint8_t", "u8", "unsigned char":
		return KindUint8, nil
	case "int8_t", "i8", "signed char":
		return KindInt8, nil
	case "bool", "_bool":
		return KindBool, nil
	case "uint16_t", "u16":
		return KindUint16, nil
	case "int16_t", "i16":
		return KindInt16, nil
	case "uint32_t", "u32":
		return KindUint32, nil
	case "int32_t", "i32":
		return KindInt32, nil
	case "float", "f32":
		return KindFloat32, nil
	case "uint64_t", "u64":
		return KindUint64, nil
	case "int64_t", "i64":
		return KindInt64, nil
	case "double", "f64":
		return KindFloat64, nil
	default:
		return KindInvalid, fmt.Errorf("unsupported c type %q", ctype)
	}
}

// NormalizeCType lowercases a C type and strips qualifiers and extra spaces.
func NormalizeCType(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "\t", " ")
	for strings.Contains(s, "  ") {
		s = strings.ReplaceAll(s, "  ", " ")
	}
	for _, q := range []string{"static ", "const ", "volatile "} {
		s = strings.TrimPrefix(s, q)
	}
	return strings.TrimSpace(s)
}

// Size is the value width in bytes, 0 for KindInvalid.
func (k Kind) Size() int {
	switch k {
	case KindUint8, KindInt8, KindBool:
		return 1
	case KindUint16, KindInt16:
		return 2
	case KindUint32, KindInt32, KindFloat32:
		return 4
	case KindUint64, KindInt64, KindFloat64:
		return 8
	default:
		return 0
	}
}

func (k Kind) String() string {
	switch k {
	case KindUint8:
		return "uint8_t"
	case KindInt8:
		return "int8_t"
	case KindBool:
		return "bool"
	case KindUint16:
		return "uint16_t"
	case KindInt16:
		return "int16_t"
	case KindUint32:
		return "uint32_t"
	case KindInt32:
		return "int32_t"
	case KindFloat32:
		return "float"
	case KindUint64:
		return "uint64_t"
	case KindInt64:
		return "int64_t"
	case KindFloat64:
		return "double"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Decode converts exactly Size() bytes into a Go value of the matching type.
func (k Kind) Decode(data []byte) (any, error) {
	size := k.Size()
	if size == 0 {
		return nil, fmt.Errorf("decode %s: invalid kind", k)
	}
	if len(data) != size {
		return nil, fmt.Errorf("%w: got %d bytes want %d for %s", ErrLengthMismatch, len(data), size, k)
	}

	switch k {
	case KindUint8:
		return data[0], nil
	case KindInt8:
		return int8(data[0]), nil
	case KindBool:
		return data[0] != 0, nil
	case KindUint16:
		return binary.LittleEndian.Uint16(data), nil
	case KindInt16:
		return int16(binary.LittleEndian.Uint16(data)), nil
	case KindUint32:
		return binary.LittleEndian.Uint32(data), nil
	case KindInt32:
		return int32(binary.LittleEndian.Uint32(data)), nil
	case KindFloat32:
		return math.Float32frombits(binary.LittleEndian.Uint32(data)), nil
	case KindUint64:
		return binary.LittleEndian.Uint64(data), nil
	case KindInt64:
		return int64(binary.LittleEndian.Uint64(data)), nil
	default:
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), nil
	}
}

// Append encodes v in this kind's wire form and appends it to dst.
func (k Kind) Append(dst []byte, v float64) ([]byte, error) {
	switch k {
	case KindUint8:
		return append(dst, uint8(v)), nil
	case KindInt8:
		return append(dst, uint8(int8(v))), nil
	case KindBool:
		if v != 0 {
			return append(dst, 1), nil
		}
		return append(dst, 0), nil
	case KindUint16:
		return binary.LittleEndian.AppendUint16(dst, uint16(v)), nil
	case KindInt16:
		return binary.LittleEndian.AppendUint16(dst, uint16(int16(v))), nil
	case KindUint32:
		return binary.LittleEndian.AppendUint32(dst, uint32(v)), nil
	case KindInt32:
		return binary.LittleEndian.AppendUint32(dst, uint32(int32(v))), nil
	case KindFloat32:
		return binary.LittleEndian.AppendUint32(dst, math.Float32bits(float32(v))), nil
	case KindUint64:
		return binary.LittleEndian.AppendUint64(dst, uint64(v)), nil
	case KindInt64:
		return binary.LittleEndian.AppendUint64(dst, uint64(int64(v))), nil
	case KindFloat64:
		return binary.LittleEndian.AppendUint64(dst, math.Float64bits(v)), nil
	default:
		return nil, fmt.Errorf("encode %s: invalid kind", k)
	}
}

// Float64 widens a decoded value for plotting and aggregation.
func Float64(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case uint8:
		return float64(n), true
	case int8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case int16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
