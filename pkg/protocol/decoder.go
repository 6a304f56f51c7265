package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Record type tags. The tag fixes the number of value bytes that follow the
// variable id.
const (
	TagByte uint8 = 0xC1
	TagWord uint8 = 0xC4
)

// DefaultHeaderSize is the number of payload bytes ahead of the first
// record: a reserved byte and the bundle id.
const DefaultHeaderSize = 2

var (
	ErrUnknownVariableID  = errors.New("unknown variable id")
	ErrLengthMismatch     = errors.New("value length mismatch")
	ErrTruncatedPacket    = errors.New("truncated packet")
	ErrUnsupportedTypeTag = errors.New("unsupported type tag")
)

// DecodeError locates a decode failure inside a packet payload.
type DecodeError struct {
	Offset int
	Tag    uint8
	ID     uint8
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode record at offset %d (tag 0x%02x, id 0x%02x): %v", e.Offset, e.Tag, e.ID, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// TagWidth returns the value width announced by a record tag.
func TagWidth(tag uint8) (int, bool) {
	switch tag {
	case TagByte:
		return 1, true
	case TagWord:
		return 4, true
	default:
		return 0, false
	}
}

// TagForSize is the inverse of TagWidth.
func TagForSize(size int) (uint8, bool) {
	switch size {
	case 1:
		return TagByte, true
	case 4:
		return TagWord, true
	default:
		return 0, false
	}
}

type Decoder struct {
	registry   *Registry
	headerSize int
}

type DecoderOption func(*Decoder)

// WithHeaderSize sets where records start. Firmware that inserts an extra
// header byte after the bundle id uses 3.
func WithHeaderSize(n int) DecoderOption {
	return func(d *Decoder) {
		if n >= DefaultHeaderSize {
			d.headerSize = n
		}
	}
}

func NewDecoder(reg *Registry, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		registry:   reg,
		headerSize: DefaultHeaderSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Decoder) HeaderSize() int {
	return d.headerSize
}

func (d *Decoder) Registry() *Registry {
	return d.registry
}

// Decode parses one packet. offsetMillis converts device log seconds to host
// milliseconds since the Unix epoch.
func (d *Decoder) Decode(pkt RawPacket, offsetMillis int64) (Bundle, error) {
	data := pkt.Data
	if len(data) < d.headerSize {
		return Bundle{}, &DecodeError{Offset: len(data), Err: fmt.Errorf("%w: %d byte payload shorter than %d byte header", ErrTruncatedPacket, len(data), d.headerSize)}
	}

	vars, err := d.Records(data[d.headerSize:])
	if err != nil {
		var derr *DecodeError
		if errors.As(err, &derr) {
			derr.Offset += d.headerSize
		}
		return Bundle{}, err
	}

	return Bundle{
		ID:        data[1],
		Variables: vars,
		LogTime:   time.UnixMilli(int64(pkt.LogTime)*1000 + offsetMillis),
	}, nil
}

// Records parses a header-less run of records. Offsets in returned errors are
// relative to records.
func (d *Decoder) Records(records []byte) ([]Variable, error) {
	vars := make([]Variable, 0, len(records)/3)
	i := 0
	for i < len(records) {
		if i+2 > len(records) {
			return nil, &DecodeError{Offset: i, Tag: records[i], Err: fmt.Errorf("%w: record header needs 2 bytes, %d left", ErrTruncatedPacket, len(records)-i)}
		}
		tag := records[i]
		id := records[i+1]

		width, ok := TagWidth(tag)
		if !ok {
			return nil, &DecodeError{Offset: i, Tag: tag, ID: id, Err: ErrUnsupportedTypeTag}
		}
		// An unregistered id is reported even when its value is cut short.
		desc, ok := d.registry.Lookup(id)
		if !ok {
			return nil, &DecodeError{Offset: i, Tag: tag, ID: id, Err: ErrUnknownVariableID}
		}
		start := i + 2
		end := start + width
		if end > len(records) {
			return nil, &DecodeError{Offset: i, Tag: tag, ID: id, Err: fmt.Errorf("%w: value needs %d bytes, %d left", ErrTruncatedPacket, width, len(records)-start)}
		}
		if desc.Kind.Size() != width {
			return nil, &DecodeError{Offset: i, Tag: tag, ID: id, Err: fmt.Errorf("%w: %s is %d bytes, tag carries %d", ErrLengthMismatch, desc.Name, desc.Kind.Size(), width)}
		}

		raw := append([]byte(nil), records[start:end]...)
		value, err := desc.Kind.Decode(raw)
		if err != nil {
			return nil, &DecodeError{Offset: i, Tag: tag, ID: id, Err: err}
		}
		vars = append(vars, Variable{ID: id, Name: desc.Name, Raw: raw, Value: value})
		i = end
	}
	return vars, nil
}
