// Package sandbox statically verifies a code unit before anything executes it. It never
// runs the code; the verdict is recomputed on every load attempt.
package sandbox

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"
	"strings"

	"golang.org/x/tools/go/ast/inspector"

	"fundengine/src/sdk"
)

// Tier is the capability level a unit claims.
type Tier string

const (
	TierStrategy Tier = "strategy"
	TierAnalysis Tier = "analysis"
)

// Code enumerates rejection reasons.
type Code string

const (
	CodeParseError        Code = "parse_error"
	CodeUnknownTier       Code = "unknown_tier"
	CodeImportNotAllowed  Code = "import_not_allowed"
	CodeSymbolNotAllowed  Code = "symbol_not_allowed"
	CodeRootErrorCatch    Code = "root_error_catch"
	CodePrivateReflection Code = "private_reflection"
	CodeNativeExtension   Code = "native_extension"
	CodeGoroutine         Code = "goroutine"
	CodeInitFunction      Code = "init_function"
	CodeMissingEntrypoint Code = "missing_entrypoint"
	CodeQueryNotConstant  Code = "query_not_constant"
	CodeQueryNullByte     Code = "query_null_byte"
	CodeQueryMutation     Code = "query_mutation"
)

// Violation is one structured finding. Line is zero when not tied to a position.
type Violation struct {
	Code   Code   `json:"code"`
	Detail string `json:"detail"`
	Line   int    `json:"line,omitempty"`
}

// Verdict is Accepted when Violations is empty.
type Verdict struct {
	Tier       Tier        `json:"tier"`
	Package    string      `json:"package,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
}

func (v Verdict) Accepted() bool { return len(v.Violations) == 0 }

// Err returns nil for an accepted verdict and a *RejectedError otherwise.
func (v Verdict) Err() error {
	if v.Accepted() {
		return nil
	}
	return &RejectedError{Verdict: v}
}

// Codes lists the distinct violation codes in order of first appearance.
func (v Verdict) Codes() []Code {
	seen := map[Code]bool{}
	var out []Code
	for _, x := range v.Violations {
		if !seen[x.Code] {
			seen[x.Code] = true
			out = append(out, x.Code)
		}
	}
	return out
}

// RejectedError carries a rejected verdict through error returns.
type RejectedError struct {
	Verdict Verdict
}

func (e *RejectedError) Error() string {
	parts := make([]string, 0, len(e.Verdict.Violations))
	for _, v := range e.Verdict.Violations {
		parts = append(parts, fmt.Sprintf("%s(%s)", v.Code, v.Detail))
	}
	return fmt.Sprintf("%s unit rejected: %s", e.Verdict.Tier, strings.Join(parts, "; "))
}

// Entrypoint returns the function a unit of tier must define.
func Entrypoint(tier Tier) string {
	if tier == TierAnalysis {
		return sdk.AnalysisEntrypoint
	}
	return sdk.StrategyEntrypoint
}

type checker struct {
	fset    *token.FileSet
	tier    Tier
	imports map[string]string // local name -> import path
	out     []Violation
}

func (c *checker) add(code Code, pos token.Pos, format string, args ...interface{}) {
	line := 0
	if pos.IsValid() {
		line = c.fset.Position(pos).Line
	}
	c.out = append(c.out, Violation{Code: code, Detail: fmt.Sprintf(format, args...), Line: line})
}

// Validate parses src and checks it against the capability rules of tier.
func Validate(src []byte, tier Tier) Verdict {
	verdict := Verdict{Tier: tier}
	if tier != TierStrategy && tier != TierAnalysis {
		verdict.Violations = []Violation{{Code: CodeUnknownTier, Detail: string(tier)}}
		return verdict
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "unit.go", src, parser.ParseComments)
	if err != nil {
		verdict.Violations = []Violation{{Code: CodeParseError, Detail: err.Error()}}
		return verdict
	}
	verdict.Package = file.Name.Name

	c := &checker{fset: fset, tier: tier, imports: map[string]string{}}
	c.checkImports(file)
	c.checkDirectives(file)
	c.walk(file)
	c.checkEntrypoint(file)

	verdict.Violations = dedupe(c.out)
	return verdict
}

func dedupe(in []Violation) []Violation {
	type key struct {
		code Code
		line int
	}
	seen := make(map[key]bool, len(in))
	out := in[:0]
	for _, v := range in {
		k := key{v.Code, v.Line}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	return out
}

func (c *checker) checkImports(file *ast.File) {
	for _, spec := range file.Imports {
		path, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			c.add(CodeParseError, spec.Pos(), "bad import path %s", spec.Path.Value)
			continue
		}
		if code, bad := forbidden[path]; bad {
			c.add(code, spec.Pos(), "import %q", path)
			continue
		}
		if _, ok := allowed[path]; !ok {
			c.add(CodeImportNotAllowed, spec.Pos(), "import %q", path)
			continue
		}

		name := path[strings.LastIndex(path, "/")+1:]
		if spec.Name != nil {
			if spec.Name.Name == "." || spec.Name.Name == "_" {
				c.add(CodeImportNotAllowed, spec.Pos(), "%s import of %q", spec.Name.Name, path)
				continue
			}
			name = spec.Name.Name
		}
		c.imports[name] = path
	}
}

// checkDirectives scans comments for compiler and cgo directives.
func (c *checker) checkDirectives(file *ast.File) {
	for _, group := range file.Comments {
		for _, comment := range group.List {
			text := strings.TrimSpace(strings.TrimPrefix(comment.Text, "//"))
			switch {
			case strings.HasPrefix(text, "go:linkname"):
				c.add(CodePrivateReflection, comment.Pos(), "go:linkname directive")
			case strings.HasPrefix(text, "#cgo"), strings.HasPrefix(text, "go:cgo_"):
				c.add(CodeNativeExtension, comment.Pos(), "cgo directive")
			case strings.HasPrefix(text, "go:"):
				c.add(CodePrivateReflection, comment.Pos(), "compiler directive %q", text)
			}
		}
	}
}

func (c *checker) walk(file *ast.File) {
	in := inspector.New([]*ast.File{file})
	filter := []ast.Node{
		(*ast.GoStmt)(nil),
		(*ast.CallExpr)(nil),
		(*ast.SelectorExpr)(nil),
		(*ast.BasicLit)(nil),
		(*ast.FuncDecl)(nil),
	}
	in.Preorder(filter, func(n ast.Node) {
		switch node := n.(type) {
		case *ast.GoStmt:
			c.add(CodeGoroutine, node.Pos(), "go statement")

		case *ast.FuncDecl:
			if node.Recv == nil && node.Name.Name == "init" {
				c.add(CodeInitFunction, node.Pos(), "init function")
			}

		case *ast.CallExpr:
			c.checkCall(node)

		case *ast.SelectorExpr:
			c.checkSelector(node)

		case *ast.BasicLit:
			if node.Kind != token.STRING {
				return
			}
			if s, err := strconv.Unquote(node.Value); err == nil && containsExtensionLoad(s) {
				c.add(CodeNativeExtension, node.Pos(), "extension loading in string literal")
			}
		}
	})
}

func (c *checker) checkCall(call *ast.CallExpr) {
	if ident, ok := call.Fun.(*ast.Ident); ok && ident.Name == "recover" && ident.Obj == nil {
		c.add(CodeRootErrorCatch, call.Pos(), "recover() swallows panics that must propagate")
		return
	}

	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "Query" || c.tier != TierAnalysis {
		return
	}
	if len(call.Args) == 0 {
		c.add(CodeQueryNotConstant, call.Pos(), "Query without query text")
		return
	}
	text, ok := constantString(call.Args[0])
	if !ok {
		c.add(CodeQueryNotConstant, call.Args[0].Pos(), "query text must be a string literal")
		return
	}
	for _, v := range CheckQuery(text) {
		v.Line = c.fset.Position(call.Args[0].Pos()).Line
		c.out = append(c.out, v)
	}
}

func (c *checker) checkSelector(sel *ast.SelectorExpr) {
	if strings.HasPrefix(sel.Sel.Name, "_") {
		c.add(CodePrivateReflection, sel.Pos(), "access to %s", sel.Sel.Name)
		return
	}
	ident, ok := sel.X.(*ast.Ident)
	if !ok || ident.Obj != nil {
		return
	}
	path, imported := c.imports[ident.Name]
	if !imported {
		return
	}
	if !AllowedMember(path, sel.Sel.Name) {
		c.add(CodeSymbolNotAllowed, sel.Pos(), "%s.%s", path, sel.Sel.Name)
	}
}

func (c *checker) checkEntrypoint(file *ast.File) {
	want := Entrypoint(c.tier)
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Recv != nil || fn.Name.Name != want {
			continue
		}
		if fn.Type.Params.NumFields() != 1 || fn.Type.Results.NumFields() != 1 {
			c.add(CodeMissingEntrypoint, fn.Pos(), "%s must take one argument and return one value", want)
		}
		return
	}
	c.add(CodeMissingEntrypoint, token.NoPos, "no func %s", want)
}

// constantString folds a string literal or a concatenation of string literals.
func constantString(expr ast.Expr) (string, bool) {
	switch e := expr.(type) {
	case *ast.BasicLit:
		if e.Kind != token.STRING {
			return "", false
		}
		s, err := strconv.Unquote(e.Value)
		return s, err == nil
	case *ast.ParenExpr:
		return constantString(e.X)
	case *ast.BinaryExpr:
		if e.Op != token.ADD {
			return "", false
		}
		l, ok := constantString(e.X)
		if !ok {
			return "", false
		}
		r, ok := constantString(e.Y)
		if !ok {
			return "", false
		}
		return l + r, true
	}
	return "", false
}
