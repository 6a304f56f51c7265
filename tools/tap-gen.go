package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"taplog/pkg/config"
	"taplog/pkg/logger"
)

func main() {
	code := run(os.Args[1:], os.Stdout, os.Stderr)
	os.Exit(code)
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}

	switch args[0] {
	case "sync":
		return runSync(args[1:], stdout, stderr)
	case "list":
		return runList(args[1:], stdout, stderr)
	case "-h", "--help", "help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintln(stderr, "unknown command:", args[0])
		printUsage(stderr)
		return 2
	}
}

func parse(fs *pflag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0, false
		}
		return 2, false
	}
	return 0, true
}

func runSync(args []string, stdout io.Writer, stderr io.Writer) int {
	fsync := pflag.NewFlagSet("sync", pflag.ContinueOnError)
	fsync.SetOutput(stderr)

	configPath := fsync.StringP("config", "c", config.DefaultConfigPath, "tapd TOML config path")
	scanRootOverride := fsync.String("scan-root", "", "optional scan root override")

	if code, ok := parse(fsync, args); !ok {
		return code
	}

	cfg, changed, err := config.SyncVariables(*configPath, *scanRootOverride)
	if err != nil {
		fmt.Fprintln(stderr, "sync failed:", err)
		return 1
	}

	if changed {
		fmt.Fprintf(stdout, "[Sync] Updated %s with %d variable(s)\n", *configPath, len(cfg.Variables))
	} else {
		fmt.Fprintf(stdout, "[Sync] No variable changes in %s (%d variable(s))\n", *configPath, len(cfg.Variables))
	}
	return 0
}

func runList(args []string, stdout io.Writer, stderr io.Writer) int {
	flist := pflag.NewFlagSet("list", pflag.ContinueOnError)
	flist.SetOutput(stderr)

	configPath := flist.StringP("config", "c", config.DefaultConfigPath, "tapd TOML config path")

	if code, ok := parse(flist, args); !ok {
		return code
	}

	cfg, _, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, "load failed:", err)
		return 1
	}
	reg, err := cfg.Registry()
	if err != nil {
		fmt.Fprintln(stderr, "load failed:", err)
		return 1
	}

	sources := make(map[uint16]string, len(cfg.Variables))
	for _, v := range cfg.Variables {
		sources[v.ID] = v.Source
	}
	for _, desc := range reg.Descriptors() {
		line := fmt.Sprintf("%s  %-10s %s", logger.FormatID(desc.ID), desc.Kind, desc.Name)
		if src := sources[uint16(desc.ID)]; src != "" {
			line += "  (" + src + ")"
		}
		fmt.Fprintln(stdout, line)
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  go run tools/tap-gen.go sync [--config path] [--scan-root path]")
	fmt.Fprintln(w, "  go run tools/tap-gen.go list [--config path]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  sync   scan C files for @tap:var and sync tapd.toml")
	fmt.Fprintln(w, "  list   print the datalog variable table")
}
