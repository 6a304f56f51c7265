package datalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taplog/pkg/metrics"
	"taplog/pkg/protocol"
	"taplog/pkg/transport"
)

// Policy decides what a fetch does with a packet the decoder rejects.
type Policy uint8

const (
	// FailFast aborts the fetch and returns no bundles.
	FailFast Policy = iota
	// SkipAndCollect drops the packet, records it in Result.Failed and
	// keeps decoding.
	SkipAndCollect
)

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail-fast", "failfast":
		return FailFast, nil
	case "skip", "skip-and-collect":
		return SkipAndCollect, nil
	default:
		return FailFast, fmt.Errorf("unknown decode policy %q", s)
	}
}

func (p Policy) String() string {
	if p == SkipAndCollect {
		return "skip"
	}
	return "fail-fast"
}

// PacketError is a decode failure of the packet at Index in fetch order.
type PacketError struct {
	Index  int
	Packet protocol.RawPacket
	Err    error
}

func (e *PacketError) Error() string {
	return fmt.Sprintf("datalog packet %d: %v", e.Index, e.Err)
}

func (e *PacketError) Unwrap() error {
	return e.Err
}

// maxPrealloc bounds the packet buffer reserved up front; the count comes
// from the device and may be anything.
const maxPrealloc = 1024

// Result of one fetch. OffsetMillis is host minus device clock derived from
// the first packet; it is zero when the queue was empty.
type Result struct {
	RunID        string
	Count        uint32
	OffsetMillis int64
	Bundles      []protocol.Bundle
	Failed       []PacketError
}

// TimeOffset is hostNow in milliseconds minus the device send time.
func TimeOffset(hostNow time.Time, sendTime uint32) int64 {
	return hostNow.UnixMilli() - int64(sendTime)*1000
}

// Fetcher drains a device datalog queue and decodes it.
type Fetcher struct {
	src     transport.Datalog
	decoder *protocol.Decoder
	policy  Policy
	now     func() time.Time
	log     *zap.Logger
}

type Option func(*Fetcher)

func WithPolicy(p Policy) Option {
	return func(f *Fetcher) {
		f.policy = p
	}
}

// WithClock replaces time.Now as the host clock used for the offset.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(f *Fetcher) {
		if log != nil {
			f.log = log
		}
	}
}

func NewFetcher(src transport.Datalog, decoder *protocol.Decoder, opts ...Option) *Fetcher {
	f := &Fetcher{
		src:     src,
		decoder: decoder,
		policy:  FailFast,
		now:     time.Now,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchAll reads the packet count, dequeues that many packets one request
// at a time and decodes them in order. Any transport failure aborts the
// whole fetch; decode failures follow the policy.
func (f *Fetcher) FetchAll(ctx context.Context) (Result, error) {
	start := time.Now()
	defer func() {
		metrics.FetchDuration.Observe(time.Since(start).Seconds())
	}()
	res := Result{RunID: uuid.NewString()}
	log := f.log.With(zap.String("run", res.RunID))

	count, err := f.src.PacketCount(ctx)
	if err != nil {
		metrics.FetchErrors.WithLabelValues(transport.OpPacketCount).Inc()
		return Result{}, transport.Wrap(transport.OpPacketCount, err)
	}
	res.Count = count

	packets := make([]protocol.RawPacket, 0, min(count, maxPrealloc))
	for i := uint32(0); i < count; i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		pkt, err := f.src.DequeueOnePacket(ctx)
		if err != nil {
			metrics.FetchErrors.WithLabelValues(transport.OpDequeue).Inc()
			log.Warn("datalog dequeue failed", zap.Uint32("index", i), zap.Uint32("count", count), zap.Error(err))
			return Result{}, transport.Wrap(transport.OpDequeue, fmt.Errorf("packet %d of %d: %w", i+1, count, err))
		}
		if i == 0 {
			res.OffsetMillis = TimeOffset(f.now(), pkt.SendTime)
		}
		packets = append(packets, pkt)
	}
	metrics.PacketsFetched.Add(float64(len(packets)))

	res.Bundles = make([]protocol.Bundle, 0, len(packets))
	for i, pkt := range packets {
		bundle, err := f.decoder.Decode(pkt, res.OffsetMillis)
		if err != nil {
			metrics.DecodeErrors.WithLabelValues(decodeReason(err)).Inc()
			perr := PacketError{Index: i, Packet: pkt, Err: err}
			if f.policy == FailFast {
				return Result{}, &perr
			}
			log.Warn("datalog packet skipped", zap.Int("index", i), zap.Error(err))
			res.Failed = append(res.Failed, perr)
			continue
		}
		res.Bundles = append(res.Bundles, bundle)
	}
	metrics.BundlesDecoded.Add(float64(len(res.Bundles)))
	if count > 0 {
		metrics.TimeOffset.Set(float64(res.OffsetMillis))
	}

	log.Debug("datalog fetched",
		zap.Uint32("count", count),
		zap.Int("bundles", len(res.Bundles)),
		zap.Int("failed", len(res.Failed)),
		zap.Int64("offset_ms", res.OffsetMillis),
	)
	return res, nil
}

func decodeReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrUnknownVariableID):
		return "unknown_variable_id"
	case errors.Is(err, protocol.ErrLengthMismatch):
		return "length_mismatch"
	case errors.Is(err, protocol.ErrTruncatedPacket):
		return "truncated_packet"
	case errors.Is(err, protocol.ErrUnsupportedTypeTag):
		return "unsupported_type_tag"
	default:
		return "other"
	}
}
