package gocode

import (
	"errors"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"go/types"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ErrFuncNotFound is returned when a source has no matching function.
var ErrFuncNotFound = errors.New("function not found")

// Param is one named parameter of a function declaration.
type Param struct {
	Name string
	Type string
}

func (p Param) String() string { return p.Name + " " + p.Type }

// FuncParams returns the parameter list of recv.name in src, one entry per
// name. recv "" selects a plain function.
func FuncParams(src []byte, recv, name string) ([]Param, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "", src, parser.SkipObjectResolution)
	if err != nil {
		return nil, fmt.Errorf("FuncParams: %w", err)
	}
	fd := findFunc(f, recv, name)
	if fd == nil {
		return nil, fmt.Errorf("FuncParams %s: %w", qualified(recv, name), ErrFuncNotFound)
	}
	return fieldParams(fd.Type.Params), nil
}

// FuncResults returns the result types of recv.name in src.
func FuncResults(src []byte, recv, name string) ([]string, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "", src, parser.SkipObjectResolution)
	if err != nil {
		return nil, fmt.Errorf("FuncResults: %w", err)
	}
	fd := findFunc(f, recv, name)
	if fd == nil {
		return nil, fmt.Errorf("FuncResults %s: %w", qualified(recv, name), ErrFuncNotFound)
	}
	var out []string
	for _, p := range fieldParams(fd.Type.Results) {
		out = append(out, p.Type)
	}
	return out, nil
}

// ParamsEqual reports whether two parameter lists are identical in names,
// types and order.
func ParamsEqual(a, b []Param) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func fieldParams(fl *ast.FieldList) []Param {
	if fl == nil {
		return nil
	}
	var out []Param
	for _, field := range fl.List {
		typ := types.ExprString(field.Type)
		if len(field.Names) == 0 {
			out = append(out, Param{Type: typ})
			continue
		}
		for _, n := range field.Names {
			out = append(out, Param{Name: n.Name, Type: typ})
		}
	}
	return out
}

func qualified(recv, name string) string {
	if recv == "" {
		return name
	}
	return recv + "." + name
}

func findFunc(f *ast.File, recv, name string) *ast.FuncDecl {
	for _, d := range f.Decls {
		fd, ok := d.(*ast.FuncDecl)
		if !ok || fd.Name.Name != name {
			continue
		}
		if recvTypeName(fd) == recv {
			return fd
		}
	}
	return nil
}

func recvTypeName(fd *ast.FuncDecl) string {
	if fd.Recv == nil || len(fd.Recv.List) == 0 {
		return ""
	}
	t := fd.Recv.List[0].Type
	if star, ok := t.(*ast.StarExpr); ok {
		t = star.X
	}
	switch x := t.(type) {
	case *ast.Ident:
		return x.Name
	case *ast.IndexExpr:
		if id, ok := x.X.(*ast.Ident); ok {
			return id.Name
		}
	}
	return ""
}

type importSpec struct {
	alias string
	path  string
}

func (s importSpec) name() string {
	if s.alias != "" {
		return s.alias
	}
	return defaultImportName(s.path)
}

var versionSuffix = regexp.MustCompile(`^v[0-9]+$`)

// defaultImportName guesses the package name of an import path the way
// goimports does for the common cases.
func defaultImportName(p string) string {
	base := path.Base(p)
	if versionSuffix.MatchString(base) && path.Dir(p) != "." {
		base = path.Base(path.Dir(p))
	}
	if i := strings.Index(base, ".v"); i > 0 {
		base = base[:i]
	}
	base = strings.TrimPrefix(base, "go-")
	return strings.Map(func(r rune) rune {
		if r == '-' || r == '.' {
			return -1
		}
		return r
	}, base)
}

type parsed struct {
	src  []byte
	fset *token.FileSet
	file *ast.File
}

func parse(name string, src []byte) (*parsed, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, name, src, parser.ParseComments|parser.SkipObjectResolution)
	if err != nil {
		return nil, err
	}
	return &parsed{src: src, fset: fset, file: f}, nil
}

// PackageClause returns the package name declared by src.
func PackageClause(src []byte) (string, error) {
	f, err := parser.ParseFile(token.NewFileSet(), "src.go", src, parser.PackageClauseOnly)
	if err != nil {
		return "", err
	}
	return f.Name.Name, nil
}

func (p *parsed) off(pos token.Pos) int { return p.fset.Position(pos).Offset }

func (p *parsed) imports() []importSpec {
	var out []importSpec
	for _, is := range p.file.Imports {
		s := importSpec{}
		s.path, _ = strconv.Unquote(is.Path.Value)
		if is.Name != nil {
			s.alias = is.Name.Name
		}
		out = append(out, s)
	}
	return out
}

// declText returns the source of a declaration including its doc comment.
func (p *parsed) declText(d ast.Decl) string {
	start := d.Pos()
	switch x := d.(type) {
	case *ast.FuncDecl:
		if x.Doc != nil {
			start = x.Doc.Pos()
		}
	case *ast.GenDecl:
		if x.Doc != nil {
			start = x.Doc.Pos()
		}
	}
	return string(p.src[p.off(start):p.off(d.End())])
}

func isImportDecl(d ast.Decl) bool {
	gd, ok := d.(*ast.GenDecl)
	return ok && gd.Tok == token.IMPORT
}

// declaresType reports whether d is a type declaration of exactly name.
func declaresType(d ast.Decl, name string) bool {
	gd, ok := d.(*ast.GenDecl)
	if !ok || gd.Tok != token.TYPE || len(gd.Specs) != 1 {
		return false
	}
	ts, ok := gd.Specs[0].(*ast.TypeSpec)
	return ok && ts.Name.Name == name
}

// ReplaceFuncBody splices the body of recv.name from candidate into stub.
// Everything in stub outside that body is kept as is, including the
// signature. Other declarations in candidate (helpers, constants) are
// appended, except its own declaration of recv. Imports are merged and
// pruned to those still referenced.
func ReplaceFuncBody(stub, candidate []byte, recv, name string) ([]byte, error) {
	sp, err := parse("stub.go", stub)
	if err != nil {
		return nil, fmt.Errorf("ReplaceFuncBody: parse stub: %w", err)
	}
	cp, err := parse("candidate.go", candidate)
	if err != nil {
		return nil, fmt.Errorf("ReplaceFuncBody: parse candidate: %w", err)
	}
	sfd := findFunc(sp.file, recv, name)
	cfd := findFunc(cp.file, recv, name)
	if sfd == nil || sfd.Body == nil {
		return nil, fmt.Errorf("ReplaceFuncBody: stub %s: %w", qualified(recv, name), ErrFuncNotFound)
	}
	if cfd == nil || cfd.Body == nil {
		return nil, fmt.Errorf("ReplaceFuncBody: candidate %s: %w", qualified(recv, name), ErrFuncNotFound)
	}

	body := string(cp.src[cp.off(cfd.Body.Lbrace) : cp.off(cfd.Body.Rbrace)+1])

	var decls []string
	for _, d := range sp.file.Decls {
		if isImportDecl(d) {
			continue
		}
		if d == ast.Decl(sfd) {
			text := sp.declText(d)
			cut := sp.off(sfd.Body.Lbrace) - sp.off(sfd.Pos())
			if sfd.Doc != nil {
				cut += sp.off(sfd.Pos()) - sp.off(sfd.Doc.Pos())
			}
			decls = append(decls, text[:cut]+body)
			continue
		}
		decls = append(decls, sp.declText(d))
	}
	for _, d := range cp.file.Decls {
		if isImportDecl(d) || d == ast.Decl(cfd) || declaresType(d, recv) {
			continue
		}
		decls = append(decls, cp.declText(d))
	}

	imports := map[string]importSpec{}
	for _, s := range append(sp.imports(), cp.imports()...) {
		if _, ok := imports[s.path]; !ok {
			imports[s.path] = s
		}
	}
	return assemble(sp.file.Name.Name, imports, decls)
}

func assemble(pkg string, imports map[string]importSpec, decls []string) ([]byte, error) {
	var body strings.Builder
	for _, d := range decls {
		body.WriteString(d)
		body.WriteString("\n\n")
	}
	used, err := usedPackages(pkg, body.String())
	if err != nil {
		return nil, fmt.Errorf("assemble: %w", err)
	}

	var specs []importSpec
	for _, s := range imports {
		if s.alias == "_" || s.alias == "." || used[s.name()] {
			specs = append(specs, s)
		}
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].path < specs[j].path })

	var f file
	f.P("package ", pkg)
	f.P()
	if len(specs) > 0 {
		f.P("import (")
		for _, s := range specs {
			if s.alias != "" {
				f.P("	", s.alias, " ", strconv.Quote(s.path))
			} else {
				f.P("	", strconv.Quote(s.path))
			}
		}
		f.P(")")
		f.P()
	}
	f.buf.WriteString(body.String())
	src, err := format.Source(f.buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("assemble: %w", err)
	}
	return src, nil
}

// usedPackages collects the identifiers used as selector operands, which
// covers every package reference.
func usedPackages(pkg, body string) (map[string]bool, error) {
	f, err := parser.ParseFile(token.NewFileSet(), "", "package "+pkg+"\n\n"+body, parser.SkipObjectResolution)
	if err != nil {
		return nil, err
	}
	used := map[string]bool{}
	ast.Inspect(f, func(n ast.Node) bool {
		if sel, ok := n.(*ast.SelectorExpr); ok {
			if id, ok := sel.X.(*ast.Ident); ok {
				used[id.Name] = true
			}
		}
		return true
	})
	return used, nil
}

var goFence = regexp.MustCompile("(?s)```(?:go|golang)?[ \t]*\n(.*?)```")

// ExtractGoSource pulls a Go file out of a model answer: the first fenced
// block that declares a package, else the whole text.
func ExtractGoSource(text string) string {
	for _, m := range goFence.FindAllStringSubmatch(text, -1) {
		if strings.Contains(m[1], "package ") {
			return strings.TrimSpace(m[1]) + "\n"
		}
	}
	return strings.TrimSpace(text) + "\n"
}
