package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"taplog/pkg/protocol"
)

// FeedHeaderSize is the timing header ahead of the payload in a feed frame:
// sendTime and logTime, both u32 little-endian seconds.
const FeedHeaderSize = 8

var (
	ErrShortFrame    = errors.New("feed frame shorter than timing header")
	ErrQueueOverflow = errors.New("datalog queue overflow")
)

// ParseFeedFrame converts a COBS-decoded feed frame into a RawPacket.
func ParseFeedFrame(frame []byte) (protocol.RawPacket, error) {
	if len(frame) < FeedHeaderSize {
		return protocol.RawPacket{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
	}
	return protocol.RawPacket{
		SendTime: binary.LittleEndian.Uint32(frame[0:4]),
		LogTime:  binary.LittleEndian.Uint32(frame[4:8]),
		Data:     append([]byte(nil), frame[FeedHeaderSize:]...),
	}, nil
}

// EncodeFeedFrame is the inverse of ParseFeedFrame including COBS stuffing
// and the 0x00 delimiter.
func EncodeFeedFrame(pkt protocol.RawPacket) []byte {
	raw := make([]byte, FeedHeaderSize, FeedHeaderSize+len(pkt.Data))
	binary.LittleEndian.PutUint32(raw[0:4], pkt.SendTime)
	binary.LittleEndian.PutUint32(raw[4:8], pkt.LogTime)
	raw = append(raw, pkt.Data...)
	return append(protocol.CobsEncode(raw), 0x00)
}
