package synth

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/triage-ai/palisade/services/policy_guard/internal/model"
)

//go:embed prompts/*.md
var promptFS embed.FS

const (
	promptToolDependencies = "tool_dependencies"
	promptGenerateTests    = "generate_tests"
	promptImproveCheck     = "improve_check"
)

var prompts = template.Must(template.New("prompts").
	Funcs(template.FuncMap{"join": strings.Join}).
	ParseFS(promptFS, "prompts/*.md"))

type promptData struct {
	ToolName     string
	Package      string
	Signature    string
	GuardImport  string
	DomainImport string
	Stub         string
	Domain       string
	Mock         string
	Current      string
	Candidates   []string
	Deps         []string
	Comments     []string
	Schema       string
}

func render(name string, data promptData) (string, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Task: %s\n\n", name)
	if err := prompts.ExecuteTemplate(&b, name+".md", data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return b.String(), nil
}

type itemView struct {
	Name               string   `json:"name"`
	Description        string   `json:"description"`
	References         []string `json:"references,omitempty"`
	ComplianceExamples []string `json:"compliance_examples"`
	ViolationExamples  []string `json:"violation_examples"`
}

func itemMessage(it *model.PolicyGuardSpecItem) string {
	data, err := json.MarshalIndent(itemView{
		Name:               it.Name,
		Description:        it.Description,
		References:         it.References,
		ComplianceExamples: it.ComplianceExamples,
		ViolationExamples:  it.ViolationExamples,
	}, "", "  ")
	if err != nil {
		return it.Description
	}
	return "Policy Item:\n" + string(data)
}
