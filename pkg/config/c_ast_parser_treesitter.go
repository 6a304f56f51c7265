//go:build cgo

package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	tsc "github.com/smacker/go-tree-sitter/c"
)

type syncDecl struct {
	startByte uint32
	line      int
	ctype     string
	ident     string
	err       error
}

func syncParseTaggedFile(path string, scanRoot string) ([]syncDiscoveredVariable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	root := sitter.Parse(data, tsc.GetLanguage())
	tags, err := syncCollectCommentTags(root, data, path)
	if err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		return nil, nil
	}

	decls := syncCollectDeclarations(root, data, path)
	used := make(map[int]struct{})
	out := make([]syncDiscoveredVariable, 0, len(tags))
	for _, tag := range tags {
		idx := sort.Search(len(decls), func(i int) bool { return int(decls[i].startByte) >= tag.endByte })
		if idx == len(decls) {
			return nil, fmt.Errorf("@tap:var id=0x%02x in %s:%d has no following declaration", tag.id, path, tag.line)
		}
		if _, dup := used[idx]; dup {
			return nil, fmt.Errorf("@tap:var id=0x%02x in %s:%d annotates an already tagged declaration", tag.id, path, tag.line)
		}
		used[idx] = struct{}{}

		decl := decls[idx]
		if decl.err != nil {
			return nil, fmt.Errorf("@tap:var id=0x%02x in %s:%d: %w", tag.id, path, tag.line, decl.err)
		}
		v, err := syncVariableFromDecl(tag, decl.ctype, decl.ident, path, scanRoot)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func syncCollectCommentTags(root *sitter.Node, data []byte, path string) ([]syncTagMatch, error) {
	tags := make([]syncTagMatch, 0)
	err := syncWalkNode(root, func(node *sitter.Node) error {
		if node.Type() != "comment" {
			return nil
		}
		line := int(node.StartPoint().Row) + 1
		tag, end, ok, err := syncParseTag(node.Content(data), path, line)
		if err != nil || !ok {
			return err
		}
		tag.endByte = int(node.StartByte()) + end
		tags = append(tags, tag)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].endByte < tags[j].endByte })
	return tags, nil
}

// syncCollectDeclarations records every declaration. Unsupported shapes are
// kept with an error so they only fail when a tag points at them.
func syncCollectDeclarations(root *sitter.Node, data []byte, path string) []syncDecl {
	decls := make([]syncDecl, 0)
	_ = syncWalkNode(root, func(node *sitter.Node) error {
		if node.Type() != "declaration" {
			return nil
		}
		decls = append(decls, syncParseDeclarationNode(node, data))
		return nil
	})
	sort.Slice(decls, func(i, j int) bool { return decls[i].startByte < decls[j].startByte })
	return decls
}

func syncParseDeclarationNode(node *sitter.Node, data []byte) syncDecl {
	decl := syncDecl{startByte: node.StartByte(), line: int(node.StartPoint().Row) + 1}

	typeNode := node.ChildByFieldName("type")
	if typeNode == nil || typeNode.IsNull() {
		decl.err = fmt.Errorf("declaration missing type")
		return decl
	}
	switch typeNode.Type() {
	case "struct_specifier", "union_specifier", "enum_specifier":
		decl.err = fmt.Errorf("unsupported aggregate declaration")
		return decl
	}
	decl.ctype = typeNode.Content(data)

	declarators := syncChildNodesByFieldName(node, "declarator")
	if len(declarators) != 1 {
		decl.err = fmt.Errorf("unsupported multi declarator")
		return decl
	}
	d := declarators[0]
	if syncHasNodeType(d, "pointer_declarator") || syncHasNodeType(d, "array_declarator") || syncHasNodeType(d, "function_declarator") {
		decl.err = fmt.Errorf("only scalar variables can be datalogged")
		return decl
	}
	if d.Type() == "init_declarator" {
		d = d.ChildByFieldName("declarator")
	}
	nameNode := syncFindFirstNodeByType(d, "identifier")
	if nameNode == nil || nameNode.IsNull() {
		decl.err = fmt.Errorf("declaration has no identifier")
		return decl
	}
	decl.ident = strings.TrimSpace(nameNode.Content(data))
	return decl
}

func syncFindFirstNodeByType(node *sitter.Node, nodeType string) *sitter.Node {
	if node == nil || node.IsNull() {
		return nil
	}
	if node.Type() == nodeType {
		return node
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		if found := syncFindFirstNodeByType(node.Child(i), nodeType); found != nil {
			return found
		}
	}
	return nil
}

func syncHasNodeType(node *sitter.Node, nodeType string) bool {
	return syncFindFirstNodeByType(node, nodeType) != nil
}

func syncChildNodesByFieldName(node *sitter.Node, field string) []*sitter.Node {
	out := make([]*sitter.Node, 0)
	for i := 0; i < int(node.ChildCount()); i++ {
		if node.FieldNameForChild(i) == field {
			out = append(out, node.Child(i))
		}
	}
	return out
}

func syncWalkNode(node *sitter.Node, visit func(*sitter.Node) error) error {
	if node == nil || node.IsNull() {
		return nil
	}
	if err := visit(node); err != nil {
		return err
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		if err := syncWalkNode(node.Child(i), visit); err != nil {
			return err
		}
	}
	return nil
}
