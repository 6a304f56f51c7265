//go:build !cgo

package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

var (
	syncCommentRegexp = regexp.MustCompile(`(?m)//[^\r\n]*|(?s:/\*.*?\*/)`)
	syncDeclRegexp    = regexp.MustCompile(`^(?:(?:static|extern|const|volatile)\s+)*([A-Za-z_][A-Za-z0-9_]*(?:\s+[A-Za-z_][A-Za-z0-9_]*)?)\s+([A-Za-z_][A-Za-z0-9_]*)\s*(?:=[^;]*)?$`)
)

// syncParseTaggedFile pairs every tag with the statement that follows its
// comment. Comments are blanked first so byte offsets stay valid.
func syncParseTaggedFile(path string, scanRoot string) ([]syncDiscoveredVariable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	content := string(data)

	comments := syncCommentRegexp.FindAllStringIndex(content, -1)
	type located struct {
		tag        syncTagMatch
		commentEnd int
	}
	tags := make([]located, 0)
	for _, cm := range comments {
		line := strings.Count(content[:cm[0]], "\n") + 1
		tag, end, ok, err := syncParseTag(content[cm[0]:cm[1]], path, line)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		tag.endByte = cm[0] + end
		tags = append(tags, located{tag: tag, commentEnd: cm[1]})
	}
	if len(tags) == 0 {
		return nil, nil
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].tag.endByte < tags[j].tag.endByte })

	blank := syncCommentRegexp.ReplaceAllStringFunc(content, func(c string) string {
		return strings.Repeat(" ", len(c))
	})

	used := make(map[int]struct{})
	out := make([]syncDiscoveredVariable, 0, len(tags))
	for _, lt := range tags {
		tag := lt.tag
		rest := blank[lt.commentEnd:]
		start := len(rest) - len(strings.TrimLeft(rest, " \t\r\n"))
		semi := strings.IndexByte(rest[start:], ';')
		if start == len(rest) || semi < 0 {
			return nil, fmt.Errorf("@tap:var id=0x%02x in %s:%d has no following declaration", tag.id, path, tag.line)
		}
		stmtStart := lt.commentEnd + start
		if _, dup := used[stmtStart]; dup {
			return nil, fmt.Errorf("@tap:var id=0x%02x in %s:%d annotates an already tagged declaration", tag.id, path, tag.line)
		}
		used[stmtStart] = struct{}{}

		stmt := strings.Join(strings.Fields(rest[start:start+semi]), " ")
		if strings.ContainsAny(stmt, "*[](),{}") {
			return nil, fmt.Errorf("@tap:var id=0x%02x in %s:%d: only scalar variables can be datalogged", tag.id, path, tag.line)
		}
		m := syncDeclRegexp.FindStringSubmatch(stmt)
		if m == nil {
			return nil, fmt.Errorf("@tap:var id=0x%02x in %s:%d: unsupported declaration %q", tag.id, path, tag.line, stmt)
		}

		v, err := syncVariableFromDecl(tag, m[1], m[2], path, scanRoot)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
