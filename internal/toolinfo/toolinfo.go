package toolinfo

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ToolInfo is the uniform description of one guardable operation.
// Immutable once extracted by an adapter.
type ToolInfo struct {
	Name        string         `json:"name" yaml:"name" validate:"required,toolname"`
	Signature   string         `json:"signature" yaml:"signature"`
	Description string         `json:"description" yaml:"description"`
	Parameters  []Param        `json:"parameters" yaml:"parameters" validate:"dive"`
	Returns     map[string]any `json:"returns,omitempty" yaml:"returns,omitempty"` // JSON Schema, nil if unknown
	ReadOnly    bool           `json:"read_only" yaml:"read_only"`
}

// Param is a single declared tool parameter. Order in ToolInfo.Parameters
// is the declaration order and is preserved into generated signatures.
type Param struct {
	Name        string         `json:"name" yaml:"name" validate:"required,toolname"`
	Type        string         `json:"type" yaml:"type" validate:"omitempty,oneof=string integer number boolean array object"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool           `json:"required" yaml:"required"`
	Schema      map[string]any `json:"schema,omitempty" yaml:"schema,omitempty"`
}

var toolNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_\-.]*$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("toolname", func(fl validator.FieldLevel) bool {
		return toolNameRe.MatchString(fl.Field().String())
	})
	return v
}

// Validate checks the structural constraints of a ToolInfo.
func (t *ToolInfo) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("tool %q: %w", t.Name, err)
	}
	seen := make(map[string]bool, len(t.Parameters))
	for _, p := range t.Parameters {
		if seen[p.Name] {
			return fmt.Errorf("tool %q: duplicate parameter %q", t.Name, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// Param returns the named parameter.
func (t *ToolInfo) Param(name string) (Param, bool) {
	for _, p := range t.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// ArgumentSchema returns an object JSON Schema describing the tool's arguments.
func (t *ToolInfo) ArgumentSchema() map[string]any {
	props := make(map[string]any, len(t.Parameters))
	required := make([]any, 0, len(t.Parameters))
	for _, p := range t.Parameters {
		props[p.Name] = p.JSONSchema()
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// JSONSchema returns the parameter schema, synthesized from Type when the
// adapter did not record one.
func (p Param) JSONSchema() map[string]any {
	if p.Schema != nil {
		return p.Schema
	}
	s := map[string]any{}
	if p.Type != "" {
		s["type"] = p.Type
	}
	if p.Description != "" {
		s["description"] = p.Description
	}
	return s
}

// GoType maps the parameter's JSON type to the Go type used in generated code.
func (p Param) GoType() string {
	return goTypeOf(p.Type, p.Schema)
}

func goTypeOf(typ string, schema map[string]any) string {
	if typ == "" && schema != nil {
		typ, _ = schema["type"].(string)
	}
	switch typ {
	case "string":
		return "string"
	case "integer":
		return "int"
	case "number":
		return "float64"
	case "boolean":
		return "bool"
	case "array":
		if items, ok := schema["items"].(map[string]any); ok {
			return "[]" + goTypeOf("", items)
		}
		return "[]any"
	case "object":
		return "map[string]any"
	default:
		return "any"
	}
}

// GoReturnType maps the tool's declared result schema to a Go type.
func (t *ToolInfo) GoReturnType() string {
	if t.Returns == nil {
		return "any"
	}
	return goTypeOf("", t.Returns)
}

// RenderSignature renders the Go parameter list used by the tool's guard:
// a leading context followed by every declared parameter in order.
func (t *ToolInfo) RenderSignature() string {
	parts := make([]string, 0, len(t.Parameters)+1)
	parts = append(parts, "ctx context.Context")
	for _, p := range t.Parameters {
		parts = append(parts, GoParamName(p.Name)+" "+p.GoType())
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Catalog is an ordered set of tools.
type Catalog []ToolInfo

// NewCatalog validates tools, fills in missing signatures and sorts by name.
func NewCatalog(tools []ToolInfo) (Catalog, error) {
	seen := make(map[string]bool, len(tools))
	out := make(Catalog, 0, len(tools))
	for _, t := range tools {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("duplicate tool %q", t.Name)
		}
		seen[t.Name] = true
		if t.Signature == "" {
			t.Signature = t.RenderSignature()
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get returns the tool with the given name.
func (c Catalog) Get(name string) (*ToolInfo, bool) {
	for i := range c {
		if c[i].Name == name {
			return &c[i], true
		}
	}
	return nil, false
}

// Names lists tool names in catalog order.
func (c Catalog) Names() []string {
	names := make([]string, len(c))
	for i, t := range c {
		names[i] = t.Name
	}
	return names
}

// Descriptions maps every tool name to its description.
func (c Catalog) Descriptions() map[string]string {
	m := make(map[string]string, len(c))
	for _, t := range c {
		m[t.Name] = t.Description
	}
	return m
}

// ReadOnly returns the read-only tools other than exclude.
func (c Catalog) ReadOnly(exclude string) Catalog {
	var out Catalog
	for _, t := range c {
		if t.ReadOnly && t.Name != exclude {
			out = append(out, t)
		}
	}
	return out
}

// Filter keeps the named tools. An empty list keeps everything.
func (c Catalog) Filter(names []string) Catalog {
	if len(names) == 0 {
		return c
	}
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}
	var out Catalog
	for _, t := range c {
		if keep[t.Name] {
			out = append(out, t)
		}
	}
	return out
}
