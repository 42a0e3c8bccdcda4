package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// PolicyGuardSpecItem is one atomic, independently checkable policy statement
// about one tool.
type PolicyGuardSpecItem struct {
	Name               string         `json:"name"`
	Description        string         `json:"description"`
	References         []string       `json:"references"`
	ComplianceExamples []string       `json:"compliance_examples"`
	ViolationExamples  []string       `json:"violation_examples"`
	Debug              map[string]any `json:"debug,omitempty"`
}

// SetDebug records a diagnostic value on the item.
func (it *PolicyGuardSpecItem) SetDebug(key string, val any) {
	if it.Debug == nil {
		it.Debug = make(map[string]any)
	}
	it.Debug[key] = val
}

// SpecDebug holds audit data for a spec. Archived items live here, never deleted.
type SpecDebug struct {
	Archive []*PolicyGuardSpecItem `json:"archive,omitempty"`
	Steps   []string               `json:"steps,omitempty"`
}

// PolicyGuardSpec is the ordered list of active policy items for one tool.
type PolicyGuardSpec struct {
	ToolName    string                 `json:"tool_name"`
	PolicyItems []*PolicyGuardSpecItem `json:"policy_items"`
	Debug       SpecDebug              `json:"debug"`
}

// NewPolicyGuardSpec creates an empty spec for a tool.
func NewPolicyGuardSpec(toolName string) *PolicyGuardSpec {
	return &PolicyGuardSpec{ToolName: toolName, PolicyItems: []*PolicyGuardSpecItem{}}
}

// Archive moves the given items out of the active list into Debug.Archive,
// recording reason on each. Items not in the spec are ignored.
func (s *PolicyGuardSpec) Archive(reason string, items ...*PolicyGuardSpecItem) {
	if len(items) == 0 {
		return
	}
	drop := make(map[*PolicyGuardSpecItem]bool, len(items))
	for _, it := range items {
		drop[it] = true
	}
	kept := make([]*PolicyGuardSpecItem, 0, len(s.PolicyItems))
	for _, it := range s.PolicyItems {
		if drop[it] {
			it.SetDebug("archive_reason", reason)
			s.Debug.Archive = append(s.Debug.Archive, it)
			continue
		}
		kept = append(kept, it)
	}
	s.PolicyItems = kept
}

// Item returns the active item with the given name.
func (s *PolicyGuardSpec) Item(name string) *PolicyGuardSpecItem {
	for _, it := range s.PolicyItems {
		if it.Name == name {
			return it
		}
	}
	return nil
}

// SpecFileName is the file a final spec is stored under.
func SpecFileName(toolName string) string {
	return toolName + ".json"
}

// StepFileName is the audit file written after a pipeline step.
func StepFileName(toolName, step string) string {
	return toolName + "_" + step + ".json"
}

// SaveSpec writes spec as indented JSON to dir/name.
func SaveSpec(dir, name string, spec *PolicyGuardSpec) error {
	return SaveJSON(filepath.Join(dir, name), spec)
}

// LoadSpec reads a spec from path.
func LoadSpec(path string) (*PolicyGuardSpec, error) {
	var spec PolicyGuardSpec
	if err := LoadJSON(path, &spec); err != nil {
		return nil, err
	}
	if spec.PolicyItems == nil {
		spec.PolicyItems = []*PolicyGuardSpecItem{}
	}
	return &spec, nil
}

// LoadSpecs reads the final spec of each named tool from dir.
func LoadSpecs(dir string, toolNames []string) ([]*PolicyGuardSpec, error) {
	specs := make([]*PolicyGuardSpec, 0, len(toolNames))
	for _, name := range toolNames {
		spec, err := LoadSpec(filepath.Join(dir, SpecFileName(name)))
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// SaveJSON marshals v with indentation and writes it, creating parent dirs.
func SaveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("SaveJSON: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("SaveJSON: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("SaveJSON: %w", err)
	}
	return nil
}

// LoadJSON reads path and unmarshals it into v.
func LoadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("LoadJSON: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("LoadJSON %s: %w", path, err)
	}
	return nil
}
