package model

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSpec() *PolicyGuardSpec {
	spec := NewPolicyGuardSpec("book_reservation")
	spec.PolicyItems = append(spec.PolicyItems,
		&PolicyGuardSpecItem{
			Name:               "passenger_limit",
			Description:        "A reservation can have at most 5 passengers.",
			References:         []string{"at most five passengers"},
			ComplianceExamples: []string{"Booking with 5 passengers"},
			ViolationExamples:  []string{"Booking with 6 passengers"},
		},
		&PolicyGuardSpecItem{
			Name:        "payment_on_file",
			Description: "Payment methods must already be in the user profile.",
			References:  []string{"payment methods must already be in user profile"},
		},
	)
	return spec
}

func TestSpec_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	spec := sampleSpec()
	spec.Archive("not relevant", spec.PolicyItems[1])

	require.NoError(t, SaveSpec(dir, SpecFileName(spec.ToolName), spec))
	loaded, err := LoadSpec(filepath.Join(dir, "book_reservation.json"))
	require.NoError(t, err)

	assert.Equal(t, spec.ToolName, loaded.ToolName)
	require.Len(t, loaded.PolicyItems, 1)
	assert.Equal(t, spec.PolicyItems[0].Description, loaded.PolicyItems[0].Description)
	assert.Equal(t, spec.PolicyItems[0].References, loaded.PolicyItems[0].References)
	assert.Equal(t, spec.PolicyItems[0].ComplianceExamples, loaded.PolicyItems[0].ComplianceExamples)
	assert.Equal(t, spec.PolicyItems[0].ViolationExamples, loaded.PolicyItems[0].ViolationExamples)
	require.Len(t, loaded.Debug.Archive, 1)
	assert.Equal(t, "payment_on_file", loaded.Debug.Archive[0].Name)
	assert.Equal(t, "not relevant", loaded.Debug.Archive[0].Debug["archive_reason"])
}

func TestSpec_ArchiveKeepsOrder(t *testing.T) {
	spec := sampleSpec()
	third := &PolicyGuardSpecItem{Name: "third"}
	spec.PolicyItems = append(spec.PolicyItems, third)

	spec.Archive("dup", spec.PolicyItems[1])
	require.Len(t, spec.PolicyItems, 2)
	assert.Equal(t, "passenger_limit", spec.PolicyItems[0].Name)
	assert.Equal(t, "third", spec.PolicyItems[1].Name)
	assert.Nil(t, spec.Item("payment_on_file"))

	spec.Archive("unknown", &PolicyGuardSpecItem{Name: "stranger"})
	assert.Len(t, spec.PolicyItems, 2)
	assert.Len(t, spec.Debug.Archive, 1)
}

func TestResult_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	res := &ToolGuardsCodeGenerationResult{
		OutputPath: dir,
		Module:     "airline",
		DomainFile: CodeArtifact{Name: "domain/domain.go", Content: "package domain\n"},
		Tools: map[string]*ToolChecksCodeResult{
			"book_reservation": {Tool: sampleSpec(), CheckFnSrc: CodeArtifact{Name: "guards/book_reservation/guard.go"}},
		},
	}
	require.NoError(t, res.Save())

	loaded, err := LoadResult(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"book_reservation"}, loaded.ToolNames())
	assert.Equal(t, "guards/book_reservation/guard.go", loaded.Tools["book_reservation"].CheckFnSrc.Name)
}

func TestArtifact_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	a := CodeArtifact{Name: "guards/divide/guard.go", Content: "package divide\n"}
	require.NoError(t, a.Save(dir))
	assert.Equal(t, "guards/divide", a.Dir())

	b, err := LoadArtifact(dir, a.Name)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
