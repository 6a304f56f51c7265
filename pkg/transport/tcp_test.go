package transport_test

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"

	"taplog/pkg/protocol"
	"taplog/pkg/transport"
)

func TestListenerFeedsQueue(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	dev := transport.NewMemoryDevice()
	errs := make(chan error, 8)
	l := transport.StartListener(ctx, ln.Addr().String(), dev,
		transport.WithReconnectInterval(10*time.Millisecond),
		transport.WithDialTimeout(200*time.Millisecond),
		transport.WithReadTimeout(20*time.Millisecond),
		transport.WithBufferSize(128),
		transport.WithErrorHandler(func(err error) {
			select {
			case errs <- err:
			default:
			}
		}),
	)
	defer func() {
		cancel()
		<-l.Done()
	}()

	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	defer conn.Close()

	first := transport.EncodeFeedFrame(protocol.RawPacket{SendTime: 10, LogTime: 9, Data: []byte{0x00, 0x05, 0xC1, 0x07, 0x01}})
	second := transport.EncodeFeedFrame(protocol.RawPacket{SendTime: 11, LogTime: 11, Data: []byte{0x00, 0x06}})

	// Split the first frame across a read deadline.
	if _, err := conn.Write(first[:3]); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := conn.Write(append(first[3:], second...)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := conn.Write([]byte{0x02, 0x01, 0x00}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if err := dev.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForCount(t, dev, 2)

	pkt, err := dev.DequeueOnePacket(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if pkt.SendTime != 10 || pkt.LogTime != 9 || len(pkt.Data) != 5 || pkt.Data[1] != 0x05 {
		t.Fatalf("unexpected first packet: %+v", pkt)
	}
	pkt, err = dev.DequeueOnePacket(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if pkt.SendTime != 11 || pkt.Data[1] != 0x06 {
		t.Fatalf("unexpected second packet: %+v", pkt)
	}

	select {
	case err := <-errs:
		if err == nil {
			t.Fatalf("expected short frame error")
		}
	case <-time.After(1 * time.Second):
		t.Fatalf("timeout waiting for short frame error")
	}
}

func waitForCount(t *testing.T, dev *transport.MemoryDevice, want uint32) {
	t.Helper()
	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		n, err := dev.PacketCount(context.Background())
		if err != nil {
			t.Fatalf("packet count: %v", err)
		}
		if n >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d queued packets", want)
}
