package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"taplog/pkg/config"
)

func TestSyncScansRecursivelyAndIgnoresDirs(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "tapd.toml")
	mustWrite(t, cfgPath, `[project]
name = "demo"
scan_root = "."
recursive = true
extensions = [".h", ".c"]
ignore_dirs = ["Drivers", ".git", "build"]
`)

	mustWrite(t, filepath.Join(dir, "Core", "Src", "main.c"), `
// @tap:var id=0x07 name=LEDStatus
static volatile uint8_t led_status;

/* @tap:var id=1 */
float supply_v = 0.0f;
`)
	mustWrite(t, filepath.Join(dir, "Drivers", "ignored.c"), `
// @tap:var id=0x02
uint32_t ignored;
`)

	var out bytes.Buffer
	var errOut bytes.Buffer
	code := run([]string{"sync", "--config", cfgPath}, &out, &errOut)
	if code != 0 {
		t.Fatalf("sync failed code=%d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "Updated") || !strings.Contains(out.String(), "2 variable(s)") {
		t.Fatalf("unexpected output: %q", out.String())
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("load synced config: %v", err)
	}
	if len(cfg.Variables) != 2 {
		t.Fatalf("expected 2 variables, got %d", len(cfg.Variables))
	}
	first, second := cfg.Variables[0], cfg.Variables[1]
	if first.ID != 0x01 || first.Name != "supply_v" || first.CType != "float" {
		t.Fatalf("unexpected first variable: %#v", first)
	}
	if second.ID != 0x07 || second.Name != "LEDStatus" || second.CType != "uint8_t" {
		t.Fatalf("unexpected second variable: %#v", second)
	}
	if second.Source != "Core/Src/main.c:led_status" {
		t.Fatalf("unexpected source: %s", second.Source)
	}

	out.Reset()
	if code := run([]string{"sync", "--config", cfgPath}, &out, &errOut); code != 0 {
		t.Fatalf("second sync failed code=%d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "No variable changes") {
		t.Fatalf("unexpected output on second sync: %q", out.String())
	}
}

func TestSyncFailsOnPointer(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "tapd.toml")
	mustWrite(t, filepath.Join(dir, "bad.c"), `
// @tap:var id=0x03
uint8_t *buffer;
`)

	var out, errOut bytes.Buffer
	if code := run([]string{"sync", "-c", cfgPath}, &out, &errOut); code != 1 {
		t.Fatalf("unexpected exit code: %d", code)
	}
	if !strings.Contains(errOut.String(), "sync failed") {
		t.Fatalf("unexpected stderr: %q", errOut.String())
	}
	if _, err := os.Stat(cfgPath); !os.IsNotExist(err) {
		t.Fatalf("failed sync must not write the config: %v", err)
	}
}

func TestListPrintsDefaultVariables(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "tapd.toml")
	var out, errOut bytes.Buffer
	if code := run([]string{"list", "--config", cfgPath}, &out, &errOut); code != 0 {
		t.Fatalf("list failed code=%d stderr=%s", code, errOut.String())
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("unexpected list output: %q", out.String())
	}
	if !strings.HasPrefix(lines[3], "0x07") || !strings.Contains(lines[3], "LEDStatus") {
		t.Fatalf("unexpected last line: %q", lines[3])
	}
}

func TestUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"gen"}, &out, &errOut); code != 2 {
		t.Fatalf("unexpected exit code: %d", code)
	}
}

func mustWrite(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
