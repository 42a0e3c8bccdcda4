// Package gocode renders the Go sources of a synthesized guard module and
// splices model-written function bodies into frozen stubs.
package gocode

import (
	"bytes"
	"fmt"
	"go/format"
	"strings"

	"github.com/triage-ai/palisade/services/policy_guard/internal/model"
	"github.com/triage-ai/palisade/services/policy_guard/internal/toolinfo"
)

// RuntimeModule is the module generated code imports the guard runtime from.
const RuntimeModule = "github.com/triage-ai/palisade/services/policy_guard"

// GuardImport is the import path of the rule engine.
const GuardImport = RuntimeModule + "/guard"

const (
	guardserverImport = RuntimeModule + "/guardserver"
	generatedHeader   = "// Code generated by policy-guard-build. DO NOT EDIT."
)

// Receiver and method names of an item check.
const (
	CheckType   = "Checker"
	CheckMethod = "Check"
)

// DomainFile and MockFile are the artifact names of the domain package.
const (
	DomainFile = "domain/domain.go"
	MockFile   = "domain/mock.go"
)

func GuardDir(tool string) string { return "guards/" + toolinfo.PackageName(tool) }

func GuardFile(tool string) string { return GuardDir(tool) + "/guard.go" }

func ItemDir(tool, item string) string { return GuardDir(tool) + "/" + toolinfo.PackageName(item) }

func ItemFile(tool, item string) string { return ItemDir(tool, item) + "/check.go" }

func ItemTestFile(tool, item string) string { return ItemDir(tool, item) + "/check_test.go" }

// file accumulates generated source line by line.
type file struct {
	buf bytes.Buffer
}

func (f *file) P(v ...any) {
	for _, x := range v {
		fmt.Fprint(&f.buf, x)
	}
	f.buf.WriteByte('\n')
}

func (f *file) artifact(name string) (model.CodeArtifact, error) {
	src, err := format.Source(f.buf.Bytes())
	if err != nil {
		return model.CodeArtifact{}, fmt.Errorf("format %s: %w", name, err)
	}
	return model.CodeArtifact{Name: name, Content: string(src)}, nil
}

// comment renders text as // lines wrapped near 80 columns.
func comment(indent, text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	var lines []string
	var cur strings.Builder
	for _, w := range fields {
		if cur.Len() > 0 && cur.Len()+1+len(w) > 76-len(indent) {
			lines = append(lines, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	lines = append(lines, cur.String())
	for i, l := range lines {
		lines[i] = indent + "// " + l
	}
	return strings.Join(lines, "\n")
}

// paramList renders "ctx context.Context, a float64, ..." for a tool.
func paramList(t *toolinfo.ToolInfo) string {
	sig := t.RenderSignature()
	return strings.TrimSuffix(strings.TrimPrefix(sig, "("), ")")
}

// argNames renders "ctx, a, b" for a tool.
func argNames(t *toolinfo.ToolInfo) string {
	names := []string{"ctx"}
	for _, p := range t.Parameters {
		names = append(names, toolinfo.GoParamName(p.Name))
	}
	return strings.Join(names, ", ")
}
