package main

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"taplog/pkg/protocol"
	"taplog/pkg/transport"
)

const (
	mockBootSeconds = 1000
	mockWaveFreqHz  = 0.2
	mockVoltageBase = 3.3
	mockVoltageAmp  = 0.15
	mockTempBase    = 24.0
	mockTempAmp     = 1.5
)

// mockSource synthesizes datalog packets for every variable of a registry,
// stamped with a device clock that started mockBootSeconds before start.
type mockSource struct {
	reg        *protocol.Registry
	headerSize int
	start      time.Time
	seq        uint8
}

func newMockSource(reg *protocol.Registry, headerSize int, start time.Time) *mockSource {
	return &mockSource{reg: reg, headerSize: headerSize, start: start}
}

func (m *mockSource) next(now time.Time) (protocol.RawPacket, error) {
	elapsed := now.Sub(m.start).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	deviceSec := uint32(mockBootSeconds + int64(elapsed))

	data := protocol.NewPayload(m.seq, m.headerSize)
	var err error
	for _, desc := range m.reg.Descriptors() {
		data, err = protocol.AppendRecord(data, desc, mockValue(desc, elapsed, m.seq))
		if err != nil {
			return protocol.RawPacket{}, err
		}
	}
	m.seq++
	return protocol.RawPacket{SendTime: deviceSec, LogTime: deviceSec, Data: data}, nil
}

func mockValue(desc protocol.Descriptor, t float64, seq uint8) float64 {
	phase := float64(desc.ID)
	wave := math.Sin(2.0*math.Pi*mockWaveFreqHz*t + phase)
	switch desc.Kind {
	case protocol.KindFloat32, protocol.KindFloat64:
		if desc.ID%2 == 0 {
			return mockTempBase + mockTempAmp*wave
		}
		return mockVoltageBase + mockVoltageAmp*wave
	case protocol.KindBool, protocol.KindUint8:
		return float64(seq % 2)
	default:
		return float64(seq)
	}
}

// runMockFeed enqueues hz packets per second until ctx is done.
func runMockFeed(ctx context.Context, queue transport.Queue, src *mockSource, hz int, log *zap.Logger) error {
	if hz <= 0 {
		hz = 10
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			pkt, err := src.next(now)
			if err != nil {
				return err
			}
			if dropped := queue.Enqueue(pkt); dropped > 0 {
				log.Debug("mock queue full", zap.Int("dropped", dropped))
			}
		}
	}
}
