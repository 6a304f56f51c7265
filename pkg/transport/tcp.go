package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"taplog/pkg/protocol"
)

// Queue receives packets read from a feed.
type Queue interface {
	Enqueue(pkts ...protocol.RawPacket) int
}

// Listener dials a datalog relay and moves every COBS frame it sends into a
// Queue, reconnecting with linear backoff.
type Listener struct {
	addr         string
	queue        Queue
	reconnect    time.Duration
	reconnectMax time.Duration
	bufSize      int
	dialTimeout  time.Duration
	readTimeout  time.Duration
	errorHandler func(error)
	done         chan struct{}
}

type Option func(*Listener)

func WithReconnectInterval(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.reconnect = d
		}
	}
}

func WithReconnectMax(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.reconnectMax = d
		}
	}
}

func WithBufferSize(n int) Option {
	return func(l *Listener) {
		if n > 0 {
			l.bufSize = n
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.dialTimeout = d
		}
	}
}

func WithReadTimeout(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.readTimeout = d
		}
	}
}

func WithErrorHandler(fn func(error)) Option {
	return func(l *Listener) {
		if fn != nil {
			l.errorHandler = fn
		}
	}
}

func StartListener(ctx context.Context, addr string, queue Queue, opts ...Option) *Listener {
	l := &Listener{
		addr:         addr,
		queue:        queue,
		reconnect:    1 * time.Second,
		reconnectMax: 30 * time.Second,
		bufSize:      64 * 1024,
		dialTimeout:  5 * time.Second,
		readTimeout:  500 * time.Millisecond,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.run(ctx)
	return l
}

// Done is closed once the listener goroutine has exited.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)
	attempt := 0
	dialer := net.Dialer{Timeout: l.dialTimeout}
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := dialer.DialContext(ctx, "tcp", l.addr)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.handleError(fmt.Errorf("dial feed %s: %w", l.addr, err))
			attempt++
			l.sleepBackoff(ctx, attempt)
			continue
		}

		attempt = 0
		err = l.handleConn(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.handleError(fmt.Errorf("read feed %s: %w", l.addr, err))
		}
		l.sleepBackoff(ctx, 1)
	}
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn) error {
	reader := bufio.NewReaderSize(conn, l.bufSize)
	var pending []byte
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if l.readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(l.readTimeout))
		}
		chunk, err := reader.ReadBytes(0x00)
		pending = append(pending, chunk...)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			return err
		}

		frame := pending[:len(pending)-1]
		pending = nil
		if len(frame) == 0 {
			continue
		}
		l.deliver(frame)
	}
}

func (l *Listener) deliver(frame []byte) {
	decoded, err := protocol.CobsDecode(frame)
	if err != nil {
		l.handleError(fmt.Errorf("decode feed frame: %w", err))
		return
	}
	pkt, err := ParseFeedFrame(decoded)
	if err != nil {
		l.handleError(err)
		return
	}
	if dropped := l.queue.Enqueue(pkt); dropped > 0 {
		l.handleError(fmt.Errorf("%w: dropped %d oldest packet(s)", ErrQueueOverflow, dropped))
	}
}

func (l *Listener) sleepBackoff(ctx context.Context, attempt int) {
	wait := min(l.reconnect*time.Duration(attempt), l.reconnectMax)
	timer := time.NewTimer(wait)
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	timer.Stop()
}

func (l *Listener) handleError(err error) {
	if l.errorHandler != nil {
		l.errorHandler(err)
	}
}
