package specgen

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/triage-ai/palisade/services/policy_guard/internal/llm"
	"github.com/triage-ai/palisade/services/policy_guard/internal/model"
	"github.com/triage-ai/palisade/services/policy_guard/internal/toolinfo"
)

//go:embed prompts/*.md
var promptFS embed.FS

// Prompt names. The rendered system prompt starts with "Task: <name>".
const (
	promptCreatePolicies    = "create_policies"
	promptAddPolicies       = "add_policies"
	promptReviewRelevance   = "review_relevance"
	promptAddReferences     = "add_references"
	promptSelfContained     = "self_contained"
	promptReviewFeasibility = "review_feasibility"
	promptCreateExamples    = "create_examples"
)

var prompts = template.Must(template.New("prompts").ParseFS(promptFS, "prompts/*.md"))

type promptData struct {
	ToolName      string
	ExampleNumber int
	Schema        string
}

// systemPrompt renders a named prompt, embedding the schema of the
// response type.
func systemPrompt(name, toolName string, response any, exampleNumber int) (string, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Task: %s\n\n", name)
	err := prompts.ExecuteTemplate(&b, name+".md", promptData{
		ToolName:      toolName,
		ExampleNumber: exampleNumber,
		Schema:        llm.SchemaText(response),
	})
	if err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return b.String(), nil
}

// itemView is the part of an item shown to the model.
type itemView struct {
	Name               string   `json:"name"`
	Description        string   `json:"description"`
	References         []string `json:"references,omitempty"`
	ComplianceExamples []string `json:"compliance_examples,omitempty"`
	ViolationExamples  []string `json:"violation_examples,omitempty"`
}

func viewOf(it *model.PolicyGuardSpecItem) itemView {
	return itemView{
		Name:               it.Name,
		Description:        it.Description,
		References:         it.References,
		ComplianceExamples: it.ComplianceExamples,
		ViolationExamples:  it.ViolationExamples,
	}
}

func mustJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// userContext renders the shared user message sections.
type userContext struct {
	policy string
	tools  map[string]string
	tool   *toolinfo.ToolInfo
}

func (u userContext) render(withPolicy bool, sections ...string) string {
	var b strings.Builder
	if withPolicy {
		b.WriteString("Policy Document:\n")
		b.WriteString(u.policy)
		b.WriteString("\n\n")
	}
	b.WriteString("Tools Descriptions:\n")
	b.WriteString(mustJSON(u.tools))
	b.WriteString("\n\nTarget Tool:\n")
	b.WriteString(mustJSON(u.tool))
	for _, s := range sections {
		b.WriteString("\n\n")
		b.WriteString(s)
	}
	return b.String()
}
