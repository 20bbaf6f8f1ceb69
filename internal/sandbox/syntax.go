package sandbox

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// SyntaxIssue locates the first parse error found in a Python source.
type SyntaxIssue struct {
	File string
	Line int
}

func (s *SyntaxIssue) String() string {
	if s.File == "" {
		return fmt.Sprintf("syntax error at line %d", s.Line)
	}
	return fmt.Sprintf("syntax error in %s at line %d", s.File, s.Line)
}

// CheckPythonSyntax parses source as Python and returns the first syntax
// error, or nil when the parse is clean. Parsers are created per call; the
// function is safe for concurrent use.
func CheckPythonSyntax(ctx context.Context, file string, source []byte) (*SyntaxIssue, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", file, err)
	}
	defer tree.Close()

	errNode := firstErrorNode(tree.RootNode())
	if errNode == nil {
		return nil, nil
	}
	return &SyntaxIssue{
		File: file,
		Line: int(errNode.StartPoint().Row) + 1,
	}, nil
}

// firstErrorNode walks the tree depth-first for the first error or missing
// node.
func firstErrorNode(node *sitter.Node) *sitter.Node {
	if node == nil {
		return nil
	}
	if node.IsError() || node.IsMissing() {
		return node
	}
	for i := uint32(0); i < node.ChildCount(); i++ {
		if found := firstErrorNode(node.Child(int(i))); found != nil {
			return found
		}
	}
	return nil
}
