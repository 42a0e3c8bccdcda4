package model

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/triage-ai/palisade/services/policy_guard/internal/toolinfo"
)

// CodeArtifact is a named source unit. Name is a slash-separated path
// relative to the directory the artifact is saved under.
type CodeArtifact struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Save writes the artifact under dir, creating parent directories.
func (a CodeArtifact) Save(dir string) error {
	path := filepath.Join(dir, filepath.FromSlash(a.Name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("save %s: %w", a.Name, err)
	}
	if err := os.WriteFile(path, []byte(a.Content), 0o644); err != nil {
		return fmt.Errorf("save %s: %w", a.Name, err)
	}
	return nil
}

// Dir is the slash-separated directory part of the artifact name.
func (a CodeArtifact) Dir() string {
	return filepath.ToSlash(filepath.Dir(filepath.FromSlash(a.Name)))
}

// LoadArtifact reads dir/name.
func LoadArtifact(dir, name string) (CodeArtifact, error) {
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
	if err != nil {
		return CodeArtifact{}, fmt.Errorf("load %s: %w", name, err)
	}
	return CodeArtifact{Name: name, Content: string(data)}, nil
}

// ToolChecksCodeResult is the synthesis output for one tool.
type ToolChecksCodeResult struct {
	Tool       *PolicyGuardSpec `json:"tool"`
	CheckFnSrc CodeArtifact     `json:"check_fn_src"`
	ItemSrcs   []CodeArtifact   `json:"item_srcs"`
	TestFiles  []CodeArtifact   `json:"test_files"`
}

// ResultFile is the manifest name inside a synthesis output directory.
const ResultFile = "result.json"

// ToolGuardsCodeGenerationResult is the top-level synthesis result and the
// manifest the runtime loads.
type ToolGuardsCodeGenerationResult struct {
	OutputPath string                           `json:"output_path"`
	Module     string                           `json:"module"`
	DomainFile CodeArtifact                     `json:"domain_file"`
	Tools      map[string]*ToolChecksCodeResult `json:"tools"`
	// Catalog describes every tool the guards were generated against.
	Catalog toolinfo.Catalog `json:"catalog,omitempty"`
}

// Save writes the manifest to OutputPath/result.json.
func (r *ToolGuardsCodeGenerationResult) Save() error {
	return SaveJSON(filepath.Join(r.OutputPath, ResultFile), r)
}

// ToolNames lists the guarded tools in name order.
func (r *ToolGuardsCodeGenerationResult) ToolNames() []string {
	names := make([]string, 0, len(r.Tools))
	for name := range r.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadResult reads the manifest from an output directory.
func LoadResult(outputDir string) (*ToolGuardsCodeGenerationResult, error) {
	var r ToolGuardsCodeGenerationResult
	if err := LoadJSON(filepath.Join(outputDir, ResultFile), &r); err != nil {
		return nil, err
	}
	if r.Tools == nil {
		r.Tools = map[string]*ToolChecksCodeResult{}
	}
	return &r, nil
}
