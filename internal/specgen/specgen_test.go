package specgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/policy_guard/internal/llm"
	"github.com/triage-ai/palisade/services/policy_guard/internal/model"
	"github.com/triage-ai/palisade/services/policy_guard/internal/toolinfo"
)

const airlinePolicy = `Reservations may include at most five passengers.
Cancellations are allowed within 24 hours of booking.
Basic economy   tickets cannot be modified.`

// fakeLLM answers GenerateJSON by the task named on the first line of the
// system prompt.
type fakeLLM struct {
	mu       sync.Mutex
	handlers map[string]func(user string) (any, error)
	calls    map[string]int
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{handlers: map[string]func(string) (any, error){}, calls: map[string]int{}}
}

func (f *fakeLLM) on(task string, h func(user string) (any, error)) {
	f.handlers[task] = h
}

func (f *fakeLLM) count(task string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[task]
}

func (f *fakeLLM) Generate(context.Context, []llm.Message) (string, error) {
	return "", errors.New("not scripted")
}

func (f *fakeLLM) GenerateJSON(_ context.Context, msgs []llm.Message, out any) error {
	first, _, _ := strings.Cut(msgs[0].Content, "\n")
	task := strings.TrimPrefix(first, "Task: ")
	f.mu.Lock()
	f.calls[task]++
	h := f.handlers[task]
	f.mu.Unlock()
	if h == nil {
		return fmt.Errorf("unexpected task %q", task)
	}
	v, err := h(msgs[len(msgs)-1].Content)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// scriptedOracle hands out the scripted votes of each item in turn.
type scriptedOracle struct {
	relevance   map[string][]RelevanceJudgment
	feasibility map[string][]FeasibilityJudgment
	mu          sync.Mutex
	next        map[string]int
	calls       atomic.Int32
}

func (o *scriptedOracle) turn(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.next == nil {
		o.next = map[string]int{}
	}
	i := o.next[key]
	o.next[key]++
	return i
}

func (o *scriptedOracle) JudgeRelevance(_ context.Context, req JudgeRequest) (*RelevanceJudgment, error) {
	o.calls.Add(1)
	votes, ok := o.relevance[req.Item.Name]
	if !ok {
		return &RelevanceJudgment{IsRelevant: true, IsToolSpecific: true, CanBeValidated: true}, nil
	}
	v := votes[o.turn("r:"+req.Item.Name)%len(votes)]
	return &v, nil
}

func (o *scriptedOracle) JudgeFeasibility(_ context.Context, req JudgeRequest) (*FeasibilityJudgment, error) {
	o.calls.Add(1)
	votes, ok := o.feasibility[req.Item.Name]
	if !ok {
		return &FeasibilityJudgment{CanBeValidated: true}, nil
	}
	v := votes[o.turn("f:"+req.Item.Name)%len(votes)]
	return &v, nil
}

func airlineCatalog(t *testing.T) toolinfo.Catalog {
	t.Helper()
	cat, err := toolinfo.NewCatalog([]toolinfo.ToolInfo{
		{
			Name:        "book_reservation",
			Description: "Book a flight reservation.",
			Parameters: []toolinfo.Param{
				{Name: "user_id", Type: "string", Required: true},
				{Name: "passengers", Type: "array", Required: true},
			},
		},
		{
			Name:        "cancel_reservation",
			Description: "Cancel a reservation.",
			Parameters:  []toolinfo.Param{{Name: "reservation_id", Type: "string", Required: true}},
		},
		{
			Name:        "get_reservation_details",
			Description: "Look up a reservation.",
			Parameters:  []toolinfo.Param{{Name: "reservation_id", Type: "string", Required: true}},
			ReadOnly:    true,
		},
	})
	require.NoError(t, err)
	return cat
}

func items(list ...itemDraft) func(string) (any, error) {
	return func(string) (any, error) { return policyList{PolicyItems: list}, nil }
}

func none(string) (any, error) { return policyList{}, nil }

func intPtr(n int) *int { return &n }

func vote(relevant, specific, validated bool) RelevanceJudgment {
	return RelevanceJudgment{IsRelevant: relevant, IsToolSpecific: specific, CanBeValidated: validated, Comments: "not convinced"}
}

func TestGenerateSpec_FullPipeline(t *testing.T) {
	f := newFakeLLM()
	f.on(promptCreatePolicies, items(
		itemDraft{
			Name:        "Passenger Limit",
			Description: "A reservation must not include more than five passengers.",
			References:  []string{"reservations may include at most FIVE passengers."},
		},
		itemDraft{
			Name:        "premium lounge",
			Description: "Premium passengers get lounge access.",
		},
	))
	f.on(promptAddPolicies, none)
	f.on(promptAddReferences, func(string) (any, error) {
		return referencesResponse{References: []string{
			"Reservations may include at most five passengers.",
			"passengers may bring pets",
		}}, nil
	})
	f.on(promptSelfContained, func(string) (any, error) {
		return selfContainedResponse{IsSelfContained: true}, nil
	})
	f.on(promptCreateExamples, func(string) (any, error) {
		return examplesResponse{
			ComplianceExamples: []string{"book with 1 passenger", "book with 5 passengers"},
			ViolationExamples:  []string{"book with 6 passengers", "book with 9 passengers"},
		}, nil
	})
	oracle := &scriptedOracle{relevance: map[string][]RelevanceJudgment{
		// is_relevant 0.6, is_tool_specific 0.4, can_be_validated 1.0
		"premium_lounge": {
			vote(true, true, true), vote(true, true, true), vote(true, false, true),
			vote(false, false, true), vote(false, false, true),
		},
		// 0.8, 0.6, 0.6
		"passenger_limit": {
			vote(true, true, true), vote(true, true, true), vote(true, true, true),
			vote(true, false, false), vote(false, false, false),
		},
	}}

	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.WorkDir = dir
	cfg.ExampleNumber = intPtr(2)
	g := New(f, oracle, airlinePolicy, airlineCatalog(t), cfg, zap.NewNop())

	spec, err := g.GenerateSpec(context.Background(), "book_reservation")
	require.NoError(t, err)

	require.Len(t, spec.PolicyItems, 1)
	item := spec.PolicyItems[0]
	assert.Equal(t, "passenger_limit", item.Name)
	assert.Equal(t, []string{"Reservations may include at most five passengers."}, item.References)
	assert.Equal(t, []string{"passengers may bring pets"}, item.Debug["unmatched_references"])
	assert.Len(t, item.ComplianceExamples, 2)
	assert.Len(t, item.ViolationExamples, 2)

	require.Len(t, spec.Debug.Archive, 1)
	archived := spec.Debug.Archive[0]
	assert.Equal(t, "premium_lounge", archived.Name)
	assert.Equal(t, archiveReasonRelevance, archived.Debug["archive_reason"])
	assert.Contains(t, archived.Debug["comments"], "not convinced")
	fractions := archived.Debug["relevance_fractions"].(map[string]float64)
	assert.InDelta(t, 0.4, fractions[CriterionToolSpecific], 1e-9)

	assert.Equal(t, []string{
		"CREATE_POLICIES",
		"ADD_POLICIES_0", "ADD_POLICIES_1", "ADD_POLICIES_2",
		"REVIEW_POLICIES",
		"CORRECT_REFERENCES",
		"REVIEW_POLICIES_SELF_CONTAINED",
		"REVIEW_POLICIES_FEASIBILITY",
		"EXAMPLE_CREATION",
	}, spec.Debug.Steps)
	assert.Equal(t, 3, f.count(promptAddPolicies))

	for _, step := range spec.Debug.Steps {
		assert.FileExists(t, filepath.Join(dir, model.StepFileName("book_reservation", step)))
	}
	saved, err := model.LoadSpec(filepath.Join(dir, model.SpecFileName("book_reservation")))
	require.NoError(t, err)
	require.Len(t, saved.PolicyItems, 1)
	assert.Equal(t, "passenger_limit", saved.PolicyItems[0].Name)
	require.Len(t, saved.Debug.Archive, 1)
}

func TestGenerateSpec_EmptyShortCircuits(t *testing.T) {
	f := newFakeLLM()
	f.on(promptCreatePolicies, none)
	f.on(promptAddPolicies, none)
	oracle := &scriptedOracle{}

	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.WorkDir = dir
	g := New(f, oracle, airlinePolicy, airlineCatalog(t), cfg, zap.NewNop())

	spec, err := g.GenerateSpec(context.Background(), "get_reservation_details")
	require.NoError(t, err)
	assert.Empty(t, spec.PolicyItems)
	assert.Equal(t, []string{"CREATE_POLICIES", "ADD_POLICIES_0", "ADD_POLICIES_1", "ADD_POLICIES_2"}, spec.Debug.Steps)
	assert.Zero(t, oracle.calls.Load())
	assert.Zero(t, f.count(promptCreateExamples))
	assert.FileExists(t, filepath.Join(dir, "get_reservation_details.json"))
}

func TestGenerateSpec_AddPoliciesKeepsExistingItems(t *testing.T) {
	f := newFakeLLM()
	f.on(promptCreatePolicies, items(itemDraft{Name: "passenger limit", Description: "At most five passengers."}))
	f.on(promptAddPolicies, func(user string) (any, error) {
		if !strings.Contains(user, "Current Policy Items:") || !strings.Contains(user, "passenger_limit") {
			return nil, errors.New("current items not shown")
		}
		return policyList{PolicyItems: []itemDraft{
			{Name: "passenger limit", Description: "No more than five travellers per booking."},
			{Name: "", Description: "Basic economy bookings cannot be changed."},
		}}, nil
	})
	cfg := DefaultConfig()
	cfg.Steps = []Step{StepCreatePolicies, StepAddPolicies}
	cfg.AddIterations = 1
	cfg.ExampleNumber = intPtr(0)
	g := New(f, &scriptedOracle{}, airlinePolicy, airlineCatalog(t), cfg, zap.NewNop())

	spec, err := g.GenerateSpec(context.Background(), "book_reservation")
	require.NoError(t, err)

	var names []string
	for _, it := range spec.PolicyItems {
		names = append(names, it.Name)
		assert.NotNil(t, it.ComplianceExamples)
		assert.Empty(t, it.ViolationExamples)
	}
	assert.Equal(t, []string{"passenger_limit", "passenger_limit_2", "basic_economy_bookings_cannot_be"}, names)
	assert.Equal(t, "At most five passengers.", spec.PolicyItems[0].Description)
	assert.Zero(t, f.count(promptCreateExamples))
}

func TestGenerateSpec_SelfContainedRewrite(t *testing.T) {
	f := newFakeLLM()
	f.on(promptCreatePolicies, items(itemDraft{Name: "cancel window", Description: "Cancellation follows section 2."}))
	f.on(promptSelfContained, func(string) (any, error) {
		return selfContainedResponse{
			IsSelfContained:        false,
			AlternativeDescription: "A reservation may be cancelled only within 24 hours of booking.",
		}, nil
	})
	cfg := DefaultConfig()
	cfg.Steps = []Step{StepCreatePolicies, StepReviewSelfContained}
	cfg.ExampleNumber = intPtr(0)
	g := New(f, &scriptedOracle{}, airlinePolicy, airlineCatalog(t), cfg, zap.NewNop())

	spec, err := g.GenerateSpec(context.Background(), "cancel_reservation")
	require.NoError(t, err)
	require.Len(t, spec.PolicyItems, 1)
	it := spec.PolicyItems[0]
	assert.Equal(t, "A reservation may be cancelled only within 24 hours of booking.", it.Description)
	assert.Equal(t, "Cancellation follows section 2.", it.Debug["original_description"])
}

func TestGenerateSpec_FeasibilityArchive(t *testing.T) {
	f := newFakeLLM()
	f.on(promptCreatePolicies, items(
		itemDraft{Name: "loyalty tier", Description: "Gold members may book six passengers."},
		itemDraft{Name: "passenger limit", Description: "At most five passengers."},
	))
	oracle := &scriptedOracle{feasibility: map[string][]FeasibilityJudgment{
		"loyalty_tier": {
			{CanBeValidated: true},
			{RejectionReason: "missing_tool", MissingToolDescription: "get_membership_tier(user_id)"},
			{RejectionReason: "missing_tool", Comments: "membership data is not reachable"},
		},
	}}
	cfg := DefaultConfig()
	cfg.Steps = []Step{StepCreatePolicies, StepReviewFeasibility}
	cfg.ExampleNumber = intPtr(0)
	g := New(f, oracle, airlinePolicy, airlineCatalog(t), cfg, zap.NewNop())

	spec, err := g.GenerateSpec(context.Background(), "book_reservation")
	require.NoError(t, err)
	require.Len(t, spec.PolicyItems, 1)
	assert.Equal(t, "passenger_limit", spec.PolicyItems[0].Name)

	require.Len(t, spec.Debug.Archive, 1)
	archived := spec.Debug.Archive[0]
	assert.Equal(t, archiveReasonFeasibility, archived.Debug["archive_reason"])
	assert.Equal(t, "missing_tool", archived.Debug["rejection_reason"])
	assert.Equal(t, "get_membership_tier(user_id)", archived.Debug["missing_tool_description"])
	assert.Equal(t, []string{"membership data is not reachable"}, archived.Debug["feasibility_comments"])
	assert.Equal(t, int32(6), oracle.calls.Load())
}

func TestGenerateSpecs_IsolatesToolFailures(t *testing.T) {
	f := newFakeLLM()
	f.on(promptCreatePolicies, func(user string) (any, error) {
		if strings.Contains(user, `"name": "cancel_reservation"`) {
			return nil, errors.New("model unavailable")
		}
		return policyList{PolicyItems: []itemDraft{{Name: "limit", Description: "At most five passengers."}}}, nil
	})
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Steps = []Step{StepCreatePolicies}
	cfg.ExampleNumber = intPtr(0)
	cfg.WorkDir = dir
	g := New(f, &scriptedOracle{}, airlinePolicy, airlineCatalog(t), cfg, zap.NewNop())

	specs, err := g.GenerateSpecs(context.Background(), []string{"book_reservation", "cancel_reservation"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancel_reservation")
	assert.Contains(t, err.Error(), "model unavailable")
	require.Len(t, specs, 1)
	assert.Equal(t, "book_reservation", specs[0].ToolName)
	assert.FileExists(t, filepath.Join(dir, "book_reservation.json"))
	_, statErr := os.Stat(filepath.Join(dir, "cancel_reservation.json"))
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(filepath.Join(dir, "get_reservation_details.json"))
	assert.True(t, os.IsNotExist(statErr), "tools outside tools2guard must not be processed")
}

func TestGenerateSpec_UnknownTool(t *testing.T) {
	g := New(newFakeLLM(), nil, airlinePolicy, airlineCatalog(t), DefaultConfig(), zap.NewNop())
	_, err := g.GenerateSpec(context.Background(), "fly_to_moon")
	assert.Error(t, err)
}

func TestAggregateRelevance(t *testing.T) {
	// 0.6, 0.4, 1.0 archives on the second criterion.
	v := AggregateRelevance([]*RelevanceJudgment{
		{IsRelevant: true, IsToolSpecific: true, CanBeValidated: true},
		{IsRelevant: true, IsToolSpecific: true, CanBeValidated: true},
		{IsRelevant: true, IsToolSpecific: false, CanBeValidated: true, Comments: "generic"},
		{IsRelevant: false, IsToolSpecific: false, CanBeValidated: true},
		{IsRelevant: false, IsToolSpecific: false, CanBeValidated: true, Comments: "other tool"},
	}, 0.5)
	assert.True(t, v.Archive)
	assert.InDelta(t, 0.6, v.Fractions[CriterionRelevant], 1e-9)
	assert.InDelta(t, 0.4, v.Fractions[CriterionToolSpecific], 1e-9)
	assert.InDelta(t, 1.0, v.Fractions[CriterionValidatable], 1e-9)
	assert.Equal(t, "generic\nother tool", v.Comments)

	// Exactly at the threshold archives too.
	v = AggregateRelevance([]*RelevanceJudgment{
		{IsRelevant: true, IsToolSpecific: true, CanBeValidated: true},
		{IsRelevant: false, IsToolSpecific: true, CanBeValidated: true},
	}, 0.5)
	assert.True(t, v.Archive)

	assert.False(t, AggregateRelevance(nil, 0.5).Archive)
}

func TestAggregateFeasibility(t *testing.T) {
	v := AggregateFeasibility([]*FeasibilityJudgment{
		{CanBeValidated: true},
		{CanBeValidated: false, RejectionReason: "too_vague"},
	}, 0.5)
	assert.False(t, v.Archive, "half the committee is enough")
	assert.InDelta(t, 0.5, v.Fraction, 1e-9)

	v = AggregateFeasibility([]*FeasibilityJudgment{
		{RejectionReason: "too_vague"},
		{RejectionReason: "missing_tool"},
		{RejectionReason: "too_vague"},
	}, 0.5)
	assert.True(t, v.Archive)
	assert.Equal(t, "too_vague", v.RejectionReason())
}

func TestReconcileReferences(t *testing.T) {
	kept, unmatched := ReconcileReferences(airlinePolicy, []string{
		"Cancellations are allowed within 24 hours of booking.",
		`"Reservations may include at most five passengers."`,
		"basic economy tickets cannot be modified",
		"Cancellations are allowed within 24 hours of booking.",
		"refunds are always granted",
		"   ",
	})
	assert.Equal(t, []string{
		"Cancellations are allowed within 24 hours of booking.",
		"Reservations may include at most five passengers.",
		"Basic economy   tickets cannot be modified",
	}, kept)
	assert.Equal(t, []string{"refunds are always granted"}, unmatched)

	for _, ref := range kept {
		assert.Contains(t, airlinePolicy, ref)
	}
}

func TestReconcileReferences_InvalidUTF8(t *testing.T) {
	doc := "Refunds need approval\xff"
	kept, unmatched := ReconcileReferences(doc, []string{"refunds need APPROVAL\uFFFD", "refunds NEED approval"})
	assert.Empty(t, unmatched)
	assert.Equal(t, []string{doc, "Refunds need approval"}, kept)
}

func TestConfigDefaults_KeepZeroThresholds(t *testing.T) {
	cfg := Config{RelevanceThreshold: Threshold(0), FeasibilityThreshold: Threshold(0)}.withDefaults()
	assert.Equal(t, 0.0, *cfg.RelevanceThreshold)
	assert.Equal(t, 0.0, *cfg.FeasibilityThreshold)

	cfg = Config{}.withDefaults()
	assert.Equal(t, 0.5, *cfg.RelevanceThreshold)
	assert.Equal(t, 0.5, *cfg.FeasibilityThreshold)
}

func TestReconcileReferences_AcrossLines(t *testing.T) {
	kept, unmatched := ReconcileReferences(airlinePolicy, []string{"five passengers. cancellations"})
	require.Empty(t, unmatched)
	assert.Equal(t, []string{"five passengers.\nCancellations"}, kept)
}

func TestSystemPromptNamesTask(t *testing.T) {
	sys, err := systemPrompt(promptCreateExamples, "book_reservation", &examplesResponse{}, 3)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sys, "Task: create_examples\n"))
	assert.Contains(t, sys, "book_reservation")
	assert.Contains(t, sys, "exactly 3 compliance examples")
	assert.Contains(t, sys, "violation_examples")
}

func TestParseStep(t *testing.T) {
	s, err := ParseStep("REVIEW_POLICIES_FEASIBILITY")
	require.NoError(t, err)
	assert.Equal(t, StepReviewFeasibility, s)
	_, err = ParseStep("REVIEW")
	assert.Error(t, err)
}
