package main

import (
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// goSources lists every Go file of the module's own packages.
func goSources(t *testing.T) []string {
	t.Helper()
	var files []string
	for _, dir := range []string{"../../cmd", "../../internal"} {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.HasSuffix(path, ".go") {
				files = append(files, path)
			}
			return nil
		})
		require.NoError(t, err)
	}
	require.NotEmpty(t, files)
	return files
}

// TestSourcesUseTabIndentation checks that no line outside a raw string or a
// comment is indented with spaces, and that if/for bodies span lines.
func TestSourcesUseTabIndentation(t *testing.T) {
	for _, path := range goSources(t) {
		src, err := os.ReadFile(path)
		require.NoError(t, err)
		fset := token.NewFileSet()
		f, err := parser.ParseFile(fset, path, src, parser.ParseComments)
		require.NoError(t, err, path)

		skip := map[int]bool{}
		span := func(from, to token.Pos) {
			for l := fset.Position(from).Line + 1; l <= fset.Position(to).Line; l++ {
				skip[l] = true
			}
		}
		for _, cg := range f.Comments {
			span(cg.Pos(), cg.End())
		}
		oneLine := func(b *ast.BlockStmt) bool {
			return b != nil && len(b.List) > 0 && fset.Position(b.Lbrace).Line == fset.Position(b.Rbrace).Line
		}
		ast.Inspect(f, func(n ast.Node) bool {
			switch n := n.(type) {
			case *ast.BasicLit:
				if n.Kind == token.STRING && strings.HasPrefix(n.Value, "`") {
					span(n.Pos(), n.End())
				}
			case *ast.IfStmt:
				assert.False(t, oneLine(n.Body), "%s: one-line if body", fset.Position(n.Pos()))
				if e, ok := n.Else.(*ast.BlockStmt); ok {
					assert.False(t, oneLine(e), "%s: one-line else body", fset.Position(e.Pos()))
				}
			case *ast.ForStmt:
				assert.False(t, oneLine(n.Body), "%s: one-line for body", fset.Position(n.Pos()))
			case *ast.RangeStmt:
				assert.False(t, oneLine(n.Body), "%s: one-line range body", fset.Position(n.Pos()))
			}
			return true
		})

		for i, line := range strings.Split(string(src), "\n") {
			if skip[i+1] {
				continue
			}
			assert.False(t, strings.HasPrefix(line, " "), "%s:%d is indented with spaces", path, i+1)
		}
	}
}
