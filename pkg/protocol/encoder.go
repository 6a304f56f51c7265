package protocol

import "fmt"

// NewPayload returns a packet header for bundleID, zero-filled up to
// headerSize.
func NewPayload(bundleID uint8, headerSize int) []byte {
	if headerSize < DefaultHeaderSize {
		headerSize = DefaultHeaderSize
	}
	out := make([]byte, headerSize, headerSize+16)
	out[1] = bundleID
	return out
}

// AppendRecord encodes one variable value as a tagged record.
func AppendRecord(dst []byte, desc Descriptor, value float64) ([]byte, error) {
	tag, ok := TagForSize(desc.Kind.Size())
	if !ok {
		return nil, fmt.Errorf("variable 0x%02x (%s): %s has no record encoding", desc.ID, desc.Name, desc.Kind)
	}
	dst = append(dst, tag, desc.ID)
	return desc.Kind.Append(dst, value)
}
