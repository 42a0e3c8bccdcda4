// Package registry serves the policy guard specs of each project.
package registry

import (
	"context"

	"github.com/triage-ai/palisade/services/policy_guard/internal/model"
)

// SpecRegistry provides policy guard specs for a project.
type SpecRegistry interface {
	// GetSpec returns the spec for a project+tool pair.
	// Returns nil if the tool has no published spec.
	GetSpec(ctx context.Context, projectID, toolName string) (*model.PolicyGuardSpec, error)
}

// ManifestRegistry serves the specs of the currently loaded guard manifest
// to every project.
type ManifestRegistry struct {
	manifest func() *model.ToolGuardsCodeGenerationResult
}

func NewManifestRegistry(manifest func() *model.ToolGuardsCodeGenerationResult) *ManifestRegistry {
	return &ManifestRegistry{manifest: manifest}
}

func (r *ManifestRegistry) GetSpec(_ context.Context, _, toolName string) (*model.PolicyGuardSpec, error) {
	m := r.manifest()
	if m == nil {
		return nil, nil
	}
	res, ok := m.Tools[toolName]
	if !ok || res == nil {
		return nil, nil
	}
	return res.Tool, nil
}
