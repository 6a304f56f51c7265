package config

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"taplog/pkg/protocol"
)

// A firmware variable is annotated with a comment directly above its
// declaration:
//
//	// @tap:var id=0x07 name=LEDStatus
//	static volatile uint8_t led_status;
var syncTagBodyRegexp = regexp.MustCompile(`@tap:var\s+id=(0x[0-9A-Fa-f]+|[0-9]+)(?:\s+name=([A-Za-z_][A-Za-z0-9_]*))?`)

var syncIdentRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type syncTagMatch struct {
	endByte int
	line    int
	id      uint16
	name    string
}

type syncDiscoveredVariable struct {
	ID     uint16
	Name   string
	Named  bool
	CType  string
	Source string
}

// SyncVariables scans firmware sources for @tap:var annotations and rewrites
// [[variables]]. The [tapd.*] sections are preserved. A variable without an
// explicit name= keeps the name it already has in the config, and falls
// back to its C identifier. Finding no annotation is an error: an empty
// table loads as the stock variable set.
func SyncVariables(configPath string, scanRootOverride string) (Config, bool, error) {
	if strings.TrimSpace(configPath) == "" {
		configPath = DefaultConfigPath
	}

	cfg, exists, err := LoadOrDefault(configPath)
	if err != nil {
		return Config{}, false, err
	}
	if !exists || cfg.stockVariables {
		cfg.Variables = nil
	}

	discovered, err := syncDiscoverVariables(cfg, scanRootOverride)
	if err != nil {
		return Config{}, false, err
	}

	if len(discovered) == 0 {
		return Config{}, false, fmt.Errorf("no @tap:var annotations found")
	}

	merged := syncMergeVariables(cfg.Variables, discovered)
	old := append([]VariableDef(nil), cfg.Variables...)
	sortVariables(old)
	changed := !reflect.DeepEqual(old, merged)

	cfg.Variables = merged
	cfg.stockVariables = false
	if !exists || changed {
		if err := cfg.Save(configPath); err != nil {
			return Config{}, false, err
		}
		return cfg, true, nil
	}
	return cfg, false, nil
}

func syncMergeVariables(existing []VariableDef, discovered []syncDiscoveredVariable) []VariableDef {
	oldByID := make(map[uint16]VariableDef, len(existing))
	for _, v := range existing {
		oldByID[v.ID] = v
	}

	merged := make([]VariableDef, 0, len(discovered))
	for _, d := range discovered {
		name := d.Name
		if old, ok := oldByID[d.ID]; ok && !d.Named && old.Name != "" {
			name = old.Name
		}
		merged = append(merged, VariableDef{
			ID:     d.ID,
			Name:   name,
			CType:  d.CType,
			Source: d.Source,
		})
	}
	sortVariables(merged)
	return merged
}

func syncDiscoverVariables(cfg Config, scanRootOverride string) ([]syncDiscoveredVariable, error) {
	scanRoot := cfg.ScanRootPath()
	if strings.TrimSpace(scanRootOverride) != "" {
		scanRoot = scanRootOverride
	}
	if scanRoot == "" {
		scanRoot = cfg.Project.ScanRoot
	}
	if !filepath.IsAbs(scanRoot) {
		scanRoot = filepath.Clean(filepath.Join(filepath.Dir(cfg.ConfigPath()), scanRoot))
	}

	exts := make(map[string]struct{}, len(cfg.Project.Extensions))
	for _, ext := range cfg.Project.Extensions {
		exts[strings.ToLower(ext)] = struct{}{}
	}
	ignores := make(map[string]struct{}, len(cfg.Project.IgnoreDirs))
	for _, name := range cfg.Project.IgnoreDirs {
		ignores[name] = struct{}{}
	}

	found := make([]syncDiscoveredVariable, 0)
	seenIDs := make(map[uint16]string)

	walkErr := filepath.WalkDir(scanRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != scanRoot {
				if !cfg.Project.Recursive {
					return filepath.SkipDir
				}
				if _, skip := ignores[d.Name()]; skip {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if _, ok := exts[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}

		vars, err := syncParseTaggedFile(path, scanRoot)
		if err != nil {
			return err
		}
		for _, v := range vars {
			if prev, dup := seenIDs[v.ID]; dup {
				return fmt.Errorf("duplicate variable id 0x%02x in %s and %s", v.ID, prev, v.Source)
			}
			seenIDs[v.ID] = v.Source
			found = append(found, v)
		}
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })
	return found, nil
}

// syncParseTag extracts the single @tap:var tag of a comment. ok is false
// when the comment carries none.
func syncParseTag(comment string, path string, line int) (tag syncTagMatch, end int, ok bool, err error) {
	matches := syncTagBodyRegexp.FindAllStringSubmatchIndex(comment, -1)
	if len(matches) == 0 {
		return syncTagMatch{}, 0, false, nil
	}
	if len(matches) > 1 {
		return syncTagMatch{}, 0, false, fmt.Errorf("multiple @tap:var tags in one comment block at %s:%d", path, line)
	}
	m := matches[0]
	idStr := comment[m[2]:m[3]]
	id64, err := strconv.ParseUint(idStr, 0, 16)
	if err != nil {
		return syncTagMatch{}, 0, false, fmt.Errorf("invalid variable id %q in %s:%d", idStr, path, line)
	}
	if id64 > 0xFF {
		return syncTagMatch{}, 0, false, fmt.Errorf("variable id out of range (%s) in %s:%d", idStr, path, line)
	}
	tag = syncTagMatch{line: line, id: uint16(id64)}
	if m[4] >= 0 {
		tag.name = comment[m[4]:m[5]]
	}
	return tag, m[1], true, nil
}

// syncVariableFromDecl checks a declaration found after tag and builds the
// discovered variable.
func syncVariableFromDecl(tag syncTagMatch, ctype string, ident string, path string, scanRoot string) (syncDiscoveredVariable, error) {
	ctype = protocol.NormalizeCType(ctype)
	kind, err := protocol.ParseKind(ctype)
	if err != nil {
		return syncDiscoveredVariable{}, fmt.Errorf("@tap:var id=0x%02x in %s:%d: %w", tag.id, path, tag.line, err)
	}
	if _, ok := protocol.TagForSize(kind.Size()); !ok {
		return syncDiscoveredVariable{}, fmt.Errorf("@tap:var id=0x%02x in %s:%d: %s values cannot be datalogged", tag.id, path, tag.line, kind)
	}
	if !syncIdentRegexp.MatchString(ident) {
		return syncDiscoveredVariable{}, fmt.Errorf("@tap:var id=0x%02x in %s:%d: invalid identifier %q", tag.id, path, tag.line, ident)
	}

	source, relErr := filepath.Rel(scanRoot, path)
	if relErr != nil {
		source = path
	}

	out := syncDiscoveredVariable{
		ID:     tag.id,
		Name:   ident,
		CType:  kind.String(),
		Source: filepath.ToSlash(source) + ":" + ident,
	}
	if tag.name != "" {
		out.Name = tag.name
		out.Named = true
	}
	return out, nil
}
