package logger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// OpenOutput opens the archive destination. An empty path or "-" is stdout,
// which is never closed. A ".zst" suffix compresses the stream.
func OpenOutput(path string) (io.WriteCloser, error) {
	path = strings.TrimSpace(path)
	if path == "" || path == "-" {
		return nopCloser{os.Stdout}, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log output: %w", err)
	}
	if !strings.HasSuffix(path, ".zst") {
		return f, nil
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	return &zstdFile{Encoder: zw, file: f}, nil
}

// FormatForPath guesses the record format from the file name.
func FormatForPath(path string) string {
	trimmed := strings.TrimSuffix(path, ".zst")
	if strings.HasSuffix(trimmed, ".cbor") || strings.HasSuffix(trimmed, ".cborseq") {
		return FormatCBOR
	}
	return FormatJSONL
}

type zstdFile struct {
	*zstd.Encoder
	file *os.File
}

func (z *zstdFile) Close() error {
	return errors.Join(z.Encoder.Close(), z.file.Close())
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error {
	return nil
}
