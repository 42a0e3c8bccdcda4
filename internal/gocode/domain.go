package gocode

import (
	"strconv"

	"github.com/triage-ai/palisade/services/policy_guard/internal/model"
	"github.com/triage-ai/palisade/services/policy_guard/internal/toolinfo"
)

// RenderDomain renders domain/domain.go: the API interface with one method
// per tool and an adapter from guard.ToolInvoker.
func RenderDomain(cat toolinfo.Catalog) (model.CodeArtifact, error) {
	var f file
	f.P(generatedHeader)
	f.P()
	f.P("// Package domain is the tool surface available to guards.")
	f.P("package domain")
	f.P()
	f.P("import (")
	f.P(`	"context"`)
	f.P()
	f.P(`	`, strconv.Quote(GuardImport))
	f.P(")")
	f.P()
	f.P("// API calls the application's tools.")
	f.P("type API interface {")
	for i := range cat {
		t := &cat[i]
		if c := comment("\t", t.Description); c != "" {
			f.P(c)
		}
		f.P("\t", toolinfo.GoIdent(t.Name), "(", paramList(t), ") (", t.GoReturnType(), ", error)")
	}
	f.P("}")
	f.P()
	f.P("type invokerAPI struct {")
	f.P("	inv guard.ToolInvoker")
	f.P("}")
	f.P()
	f.P("// NewInvokerAPI adapts a tool invoker to API.")
	f.P("func NewInvokerAPI(inv guard.ToolInvoker) API {")
	f.P("	return invokerAPI{inv: inv}")
	f.P("}")
	for i := range cat {
		t := &cat[i]
		ret := t.GoReturnType()
		f.P()
		f.P("func (api invokerAPI) ", toolinfo.GoIdent(t.Name), "(", paramList(t), ") (", ret, ", error) {")
		f.P("	var out ", ret)
		f.P("	err := api.inv.Invoke(ctx, ", strconv.Quote(t.Name), ", map[string]any{")
		for _, p := range t.Parameters {
			f.P("		", strconv.Quote(p.Name), ": ", toolinfo.GoParamName(p.Name), ",")
		}
		f.P("	}, &out)")
		f.P("	return out, err")
		f.P("}")
	}
	return f.artifact(DomainFile)
}

// RenderMock renders domain/mock.go: a Mock implementing API through
// per-tool func fields, for generated tests.
func RenderMock(cat toolinfo.Catalog) (model.CodeArtifact, error) {
	var f file
	f.P(generatedHeader)
	f.P()
	f.P("package domain")
	f.P()
	f.P(`import "context"`)
	f.P()
	f.P("// Mock implements API with one func field per tool. Calls to a tool")
	f.P("// whose field is nil return zero values.")
	f.P("type Mock struct {")
	for i := range cat {
		t := &cat[i]
		f.P("\t", toolinfo.GoIdent(t.Name), "Func func(", paramList(t), ") (", t.GoReturnType(), ", error)")
	}
	f.P("}")
	f.P()
	f.P("var _ API = (*Mock)(nil)")
	for i := range cat {
		t := &cat[i]
		ident := toolinfo.GoIdent(t.Name)
		f.P()
		f.P("func (api *Mock) ", ident, "(", paramList(t), ") (", t.GoReturnType(), ", error) {")
		f.P("	if api.", ident, "Func == nil {")
		f.P("		var zero ", t.GoReturnType())
		f.P("		return zero, nil")
		f.P("	}")
		f.P("	return api.", ident, "Func(", argNames(t), ")")
		f.P("}")
	}
	return f.artifact(MockFile)
}
