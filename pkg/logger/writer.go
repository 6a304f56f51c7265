package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"taplog/pkg/engine"
)

const (
	FormatJSONL = "jsonl"
	FormatCBOR  = "cbor"
)

var cborMode cbor.EncMode

func init() {
	var err error
	cborMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("logger: cbor encoder initialization failed: " + err.Error())
	}
}

type encoder interface {
	Encode(v any) error
}

// Writer archives hub events as a stream of records, one JSON object per
// line or one CBOR data item per record.
type Writer struct {
	enc     encoder
	log     *zap.Logger
	written int
	failed  int
}

type Option func(*Writer)

func WithLogger(log *zap.Logger) Option {
	return func(w *Writer) {
		if log != nil {
			w.log = log
		}
	}
}

func NewJSONLWriter(w io.Writer, opts ...Option) *Writer {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return newWriter(enc, opts)
}

// NewCBORWriter writes an RFC 8742 CBOR sequence using deterministic
// encoding.
func NewCBORWriter(w io.Writer, opts ...Option) *Writer {
	return newWriter(cborMode.NewEncoder(w), opts)
}

// NewWriter picks the encoder by format name.
func NewWriter(format string, w io.Writer, opts ...Option) (*Writer, error) {
	if err := CheckFormat(format); err != nil {
		return nil, err
	}
	if format == FormatCBOR {
		return NewCBORWriter(w, opts...), nil
	}
	return NewJSONLWriter(w, opts...), nil
}

// CheckFormat accepts "", FormatJSONL and FormatCBOR.
func CheckFormat(format string) error {
	switch format {
	case "", FormatJSONL, FormatCBOR:
		return nil
	default:
		return fmt.Errorf("unsupported record format %q", format)
	}
}

func newWriter(enc encoder, opts []Option) *Writer {
	w := &Writer{enc: enc, log: zap.NewNop()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Writer) Write(ev engine.Event) error {
	if err := w.enc.Encode(NewRecord(ev)); err != nil {
		w.failed++
		return fmt.Errorf("encode %s event: %w", ev.Kind, err)
	}
	w.written++
	return nil
}

// Consume writes events until in is closed or ctx is done. Encode failures
// are logged and skipped.
func (w *Writer) Consume(ctx context.Context, in <-chan engine.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			if err := w.Write(ev); err != nil {
				w.log.Warn("event not archived", zap.Error(err))
			}
		}
	}
}

// Stats returns the number of records written and rejected. It is only
// meaningful once Consume has returned.
func (w *Writer) Stats() (written int, failed int) {
	return w.written, w.failed
}
