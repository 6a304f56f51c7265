package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"taplog/pkg/logger"
)

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"help"}, &stdout, &stderr); code != 0 {
		t.Fatalf("unexpected exit code: %d", code)
	}
	if !strings.Contains(stdout.String(), "tapd fetch") {
		t.Fatalf("usage missing fetch: %q", stdout.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"flash"}, &stdout, &stderr); code != 2 {
		t.Fatalf("unexpected exit code: %d", code)
	}
	if !strings.Contains(stderr.String(), "unknown command: flash") {
		t.Fatalf("unexpected stderr: %q", stderr.String())
	}
}

func TestFetchMockWritesJSONL(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "tapd.toml")
	var stdout, stderr bytes.Buffer
	code := run([]string{"fetch", "-c", cfgPath, "--mock", "3", "--log-level", "error"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("unexpected exit code %d: %s", code, stderr.String())
	}

	var records []logger.Record
	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		var rec logger.Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("decode line %q: %v", scanner.Text(), err)
		}
		records = append(records, rec)
	}
	if len(records) != 3 {
		t.Fatalf("unexpected record count: %d", len(records))
	}
	for i, rec := range records {
		if rec.Event != "bundle" || rec.BundleID != logger.FormatID(uint8(i)) {
			t.Fatalf("unexpected record %d: %+v", i, rec)
		}
		if len(rec.Variables) != 4 {
			t.Fatalf("record %d has %d variables", i, len(rec.Variables))
		}
	}
	if !strings.Contains(stderr.String(), "[Fetch] 3 packet(s), 3 bundle(s), 0 failed") {
		t.Fatalf("unexpected summary: %q", stderr.String())
	}
}

func TestFetchMockWritesCompressedCBOR(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "tapd.toml")
	outPath := filepath.Join(dir, "out", "bundles.cbor.zst")

	var stdout, stderr bytes.Buffer
	code := run([]string{"fetch", "-c", cfgPath, "--mock", "2", "--log", outPath, "--log-level", "error"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("unexpected exit code %d: %s", code, stderr.String())
	}
	if stdout.Len() != 0 {
		t.Fatalf("records leaked to stdout: %q", stdout.String())
	}

	f, err := os.Open(outPath)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer zr.Close()

	dec := cbor.NewDecoder(zr)
	count := 0
	for {
		var rec logger.Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			t.Fatalf("decode record: %v", err)
		}
		if rec.Event != "bundle" {
			t.Fatalf("unexpected record: %+v", rec)
		}
		count++
	}
	if count != 2 {
		t.Fatalf("unexpected record count: %d", count)
	}
}

type brokenOutput struct{}

func (brokenOutput) Write([]byte) (int, error) {
	return 0, errors.New("no space left on device")
}

func TestFetchFailsWhenRecordsCannotBeWritten(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "tapd.toml")
	var stderr bytes.Buffer
	code := run([]string{"fetch", "-c", cfgPath, "--mock", "2", "--log-level", "error"}, brokenOutput{}, &stderr)
	if code != 1 {
		t.Fatalf("unexpected exit code %d: %s", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "2 bundle(s) drained, write failed") {
		t.Fatalf("unexpected stderr: %q", stderr.String())
	}
	if strings.Contains(stderr.String(), "[Fetch]") {
		t.Fatalf("success summary printed after lost records: %q", stderr.String())
	}
}

func TestFetchRejectsInvalidConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "tapd.toml")
	if err := os.WriteFile(cfgPath, []byte("[tapd.datalog]\npolicy = \"retry\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var stdout, stderr bytes.Buffer
	if code := run([]string{"fetch", "-c", cfgPath, "--mock", "1"}, &stdout, &stderr); code != 2 {
		t.Fatalf("unexpected exit code: %d", code)
	}
	if !strings.Contains(stderr.String(), "tapd.datalog.policy") {
		t.Fatalf("unexpected stderr: %q", stderr.String())
	}
}

func TestSerialPrintsConfiguredSerial(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "tapd.toml")
	if err := os.WriteFile(cfgPath, []byte("[tapd.server]\nserial = \"TAP-0007\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var stdout, stderr bytes.Buffer
	if code := run([]string{"serial", "-c", cfgPath, "--log-level", "error"}, &stdout, &stderr); code != 0 {
		t.Fatalf("unexpected exit code %d: %s", code, stderr.String())
	}
	if got := strings.TrimSpace(stdout.String()); got != "TAP-0007" {
		t.Fatalf("unexpected serial: %q", got)
	}
}
