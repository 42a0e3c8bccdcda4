package gocode

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/triage-ai/palisade/services/policy_guard/internal/model"
	"github.com/triage-ai/palisade/services/policy_guard/internal/toolinfo"
)

// RenderItemStub renders the frozen stub of one policy item check. The
// Check method's parameter list is the tool's signature verbatim.
func RenderItemStub(module string, t *toolinfo.ToolInfo, item *model.PolicyGuardSpecItem) (model.CodeArtifact, error) {
	var f file
	f.P("package ", toolinfo.PackageName(item.Name))
	f.P()
	f.P("import (")
	f.P(`	"context"`)
	f.P()
	f.P("	", strconv.Quote(module+"/domain"))
	f.P(")")
	f.P()
	f.P(fmt.Sprintf("// %s enforces the %q policy of the %s tool.", CheckType, item.Name, t.Name))
	if c := comment("", item.Description); c != "" {
		f.P("//")
		f.P(c)
	}
	f.P("type ", CheckType, " struct {")
	f.P("	API domain.API")
	f.P("}")
	f.P()
	f.P("// ", CheckMethod, " returns a *guard.Violation when the call breaks the policy.")
	f.P("func (c *", CheckType, ") ", CheckMethod, t.RenderSignature(), " error {")
	f.P("	return nil")
	f.P("}")
	return f.artifact(ItemFile(t.Name, item.Name))
}

// RenderGuard renders guards/<tool>/guard.go: the aggregate check that runs
// every item inside its rule scope, and the init hook registering it.
func RenderGuard(module string, t *toolinfo.ToolInfo, items []*model.PolicyGuardSpecItem) (model.CodeArtifact, error) {
	if len(items) == 0 {
		return model.CodeArtifact{}, fmt.Errorf("RenderGuard %s: no policy items", t.Name)
	}
	var f file
	f.P(generatedHeader)
	f.P()
	f.P("// Package ", toolinfo.PackageName(t.Name), " guards calls to the ", t.Name, " tool.")
	f.P("package ", toolinfo.PackageName(t.Name))
	f.P()
	f.P("import (")
	f.P(`	"context"`)
	if len(t.Parameters) > 0 {
		f.P(`	"fmt"`)
	}
	f.P()
	f.P("	", strconv.Quote(GuardImport))
	f.P("	", strconv.Quote(module+"/domain"))
	for _, it := range items {
		f.P("	", strconv.Quote(module+"/"+ItemDir(t.Name, it.Name)))
	}
	f.P(")")
	f.P()
	f.P("// ToolName is the tool this package guards.")
	f.P("const ToolName = ", strconv.Quote(t.Name))
	f.P()
	f.P("// Guard holds one checker per policy item.")
	f.P("type Guard struct {")
	f.P("	API domain.API")
	for _, it := range items {
		f.P("	", itemField(it), " *", toolinfo.PackageName(it.Name), ".", CheckType)
	}
	f.P("}")
	f.P()
	f.P("func New(api domain.API) *Guard {")
	f.P("	return &Guard{")
	f.P("		API: api,")
	for _, it := range items {
		f.P("		", itemField(it), ": &", toolinfo.PackageName(it.Name), ".", CheckType, "{API: api},")
	}
	f.P("	}")
	f.P("}")
	f.P()
	f.P("// Check runs every policy item in order inside the ", t.Name, " rule scope")
	f.P("// and returns the first failure.")
	f.P("func (g *Guard) Check", t.RenderSignature(), " error {")
	f.P("	ctx = guard.Scope(ctx, ToolName)")
	for _, it := range items {
		f.P("	if err := guard.Check(ctx, ", strconv.Quote(it.Name), ", func(ctx context.Context) error {")
		f.P("		return g.", itemField(it), ".Check(", argNames(t), ")")
		f.P("	}); err != nil {")
		f.P("		return err")
		f.P("	}")
	}
	f.P("	return nil")
	f.P("}")
	f.P()
	f.P("func init() {")
	f.P("	guard.Register(ToolName, func(ctx context.Context, args guard.Args, inv guard.ToolInvoker) error {")
	if len(t.Parameters) > 0 {
		f.P("		var (")
		for _, p := range t.Parameters {
			f.P("			", toolinfo.GoParamName(p.Name), " ", p.GoType())
		}
		f.P("		)")
		for _, p := range t.Parameters {
			decode := "Decode"
			if p.Required {
				decode = "Require"
			}
			f.P("		if err := args.", decode, "(", strconv.Quote(p.Name), ", &", toolinfo.GoParamName(p.Name), "); err != nil {")
			f.P(`			return fmt.Errorf("%s: %w", ToolName, err)`)
			f.P("		}")
		}
	}
	f.P("		return New(domain.NewInvokerAPI(inv)).Check(", argNames(t), ")")
	f.P("	})")
	f.P("}")
	return f.artifact(GuardFile(t.Name))
}

func itemField(it *model.PolicyGuardSpecItem) string {
	return toolinfo.GoIdent(it.Name) + "Check"
}

// RenderServerMain renders cmd/guard-server/main.go, linking every guard
// package into a guard service binary.
func RenderServerMain(module string, tools []string) (model.CodeArtifact, error) {
	var f file
	f.P(generatedHeader)
	f.P()
	f.P("package main")
	f.P()
	f.P("import (")
	f.P("	", strconv.Quote(guardserverImport))
	f.P()
	for _, tool := range tools {
		f.P("	_ ", strconv.Quote(module+"/"+GuardDir(tool)))
	}
	f.P(")")
	f.P()
	f.P("func main() {")
	f.P("	guardserver.Main()")
	f.P("}")
	return f.artifact("cmd/guard-server/main.go")
}

// RenderGoMod renders the go.mod of the generated module. runtimeDir, when
// set, points a replace directive at a local checkout of the runtime.
func RenderGoMod(module, goVersion, runtimeVersion, runtimeDir string) model.CodeArtifact {
	if runtimeVersion == "" {
		runtimeVersion = "v0.0.0"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "module %s\n\ngo %s\n\nrequire %s %s\n", module, goVersion, RuntimeModule, runtimeVersion)
	if runtimeDir != "" {
		fmt.Fprintf(&b, "\nreplace %s => %s\n", RuntimeModule, runtimeDir)
	}
	return model.CodeArtifact{Name: "go.mod", Content: b.String()}
}
