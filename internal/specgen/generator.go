// Package specgen turns a policy document into one PolicyGuardSpec per tool
// through a fixed sequence of generation and review steps.
package specgen

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/triage-ai/palisade/services/policy_guard/internal/llm"
	"github.com/triage-ai/palisade/services/policy_guard/internal/model"
	"github.com/triage-ai/palisade/services/policy_guard/internal/toolinfo"
)

// Step is one stage of the spec pipeline.
type Step string

const (
	StepCreatePolicies       Step = "CREATE_POLICIES"
	StepAddPolicies          Step = "ADD_POLICIES"
	StepReviewPolicies       Step = "REVIEW_POLICIES"
	StepCorrectReferences    Step = "CORRECT_REFERENCES"
	StepReviewSelfContained  Step = "REVIEW_POLICIES_SELF_CONTAINED"
	StepReviewFeasibility    Step = "REVIEW_POLICIES_FEASIBILITY"
	StepExampleCreation      Step = "EXAMPLE_CREATION"
	archiveReasonRelevance        = "relevance_review"
	archiveReasonFeasibility      = "feasibility_review"
)

// AllSteps lists the optional steps in execution order. EXAMPLE_CREATION is
// not optional and always runs last.
var AllSteps = []Step{
	StepCreatePolicies,
	StepAddPolicies,
	StepReviewPolicies,
	StepCorrectReferences,
	StepReviewSelfContained,
	StepReviewFeasibility,
}

// ParseStep accepts a step name.
func ParseStep(s string) (Step, error) {
	for _, st := range append(AllSteps, StepExampleCreation) {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown spec step %q", s)
}

// Config controls the pipeline. Zero sample counts and nil thresholds take
// the defaults; start from DefaultConfig to get the default AddIterations.
type Config struct {
	// Steps enabled; nil enables all.
	Steps         []Step
	AddIterations int
	// ExampleNumber: nil lets the model choose, 0 disables examples, n > 0
	// asks for exactly n of each kind.
	ExampleNumber      *int
	RelevanceSamples   int
	FeasibilitySamples int
	// Thresholds are affirmative vote fractions in [0, 1]; 0 is a valid
	// setting.
	RelevanceThreshold   *float64
	FeasibilityThreshold *float64
	// WorkDir receives per-step audit files and final specs. Empty disables
	// persistence.
	WorkDir string
}

func DefaultConfig() Config {
	return Config{
		AddIterations:        3,
		RelevanceSamples:     5,
		FeasibilitySamples:   3,
		RelevanceThreshold:   Threshold(0.5),
		FeasibilityThreshold: Threshold(0.5),
	}
}

// Threshold returns a pointer for Config thresholds.
func Threshold(f float64) *float64 { return &f }

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RelevanceSamples <= 0 {
		c.RelevanceSamples = d.RelevanceSamples
	}
	if c.FeasibilitySamples <= 0 {
		c.FeasibilitySamples = d.FeasibilitySamples
	}
	if c.RelevanceThreshold == nil {
		c.RelevanceThreshold = d.RelevanceThreshold
	}
	if c.FeasibilityThreshold == nil {
		c.FeasibilityThreshold = d.FeasibilityThreshold
	}
	return c
}

func (c Config) enabled(s Step) bool {
	if c.Steps == nil {
		return true
	}
	for _, st := range c.Steps {
		if st == s {
			return true
		}
	}
	return false
}

// Generator runs the spec pipeline for the tools of one catalog.
type Generator struct {
	gen     llm.Generator
	oracle  Oracle
	policy  string
	catalog toolinfo.Catalog
	tools   map[string]string
	cfg     Config
	logger  *zap.Logger
}

// New builds a generator. A nil oracle judges through gen.
func New(gen llm.Generator, oracle Oracle, policy string, catalog toolinfo.Catalog, cfg Config, logger *zap.Logger) *Generator {
	if oracle == nil {
		oracle = NewLLMOracle(gen)
	}
	return &Generator{
		gen:     gen,
		oracle:  oracle,
		policy:  policy,
		catalog: catalog,
		tools:   catalog.Descriptions(),
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// GenerateSpecs runs the pipeline for every tool in tools2guard (all tools
// when empty), in parallel. A failing tool does not stop the others: specs
// of the tools that finished are returned together with the combined
// errors of the ones that did not.
func (g *Generator) GenerateSpecs(ctx context.Context, tools2guard []string) ([]*model.PolicyGuardSpec, error) {
	selected := g.catalog.Filter(tools2guard)
	specs := make([]*model.PolicyGuardSpec, len(selected))
	errs := make([]error, len(selected))

	var eg errgroup.Group
	for i := range selected {
		name := selected[i].Name
		eg.Go(func() error {
			spec, err := g.GenerateSpec(ctx, name)
			if err != nil {
				errs[i] = fmt.Errorf("tool %s: %w", name, err)
				return nil
			}
			specs[i] = spec
			return nil
		})
	}
	_ = eg.Wait()

	out := make([]*model.PolicyGuardSpec, 0, len(specs))
	for _, s := range specs {
		if s != nil {
			out = append(out, s)
		}
	}
	g.logger.Info("spec generation finished",
		zap.Int("tools", len(selected)),
		zap.Int("succeeded", len(out)),
	)
	return out, multierr.Combine(errs...)
}

// GenerateSpec runs every enabled step for one tool.
func (g *Generator) GenerateSpec(ctx context.Context, toolName string) (*model.PolicyGuardSpec, error) {
	tool, ok := g.catalog.Get(toolName)
	if !ok {
		return nil, fmt.Errorf("GenerateSpec: unknown tool %q", toolName)
	}
	start := time.Now()
	log := g.logger.With(zap.String("tool", toolName))
	spec := model.NewPolicyGuardSpec(toolName)
	uc := userContext{policy: g.policy, tools: g.tools, tool: tool}

	if g.cfg.enabled(StepCreatePolicies) {
		if err := g.createPolicies(ctx, uc, spec); err != nil {
			return nil, err
		}
		if err := g.persist(spec, string(StepCreatePolicies)); err != nil {
			return nil, err
		}
	}
	if g.cfg.enabled(StepAddPolicies) {
		for i := 0; i < g.cfg.AddIterations; i++ {
			if err := g.addPolicies(ctx, uc, spec); err != nil {
				return nil, err
			}
			if err := g.persist(spec, string(StepAddPolicies)+"_"+strconv.Itoa(i)); err != nil {
				return nil, err
			}
		}
	}
	if len(spec.PolicyItems) == 0 {
		log.Info("no policy items, nothing to review")
		return spec, g.persistFinal(spec)
	}

	steps := []struct {
		step Step
		run  func(context.Context, userContext, *model.PolicyGuardSpec) error
	}{
		{StepReviewPolicies, g.reviewRelevance},
		{StepCorrectReferences, g.correctReferences},
		{StepReviewSelfContained, g.ensureSelfContained},
		{StepReviewFeasibility, g.reviewFeasibility},
	}
	for _, s := range steps {
		if !g.cfg.enabled(s.step) {
			continue
		}
		if err := s.run(ctx, uc, spec); err != nil {
			return nil, fmt.Errorf("%s: %w", s.step, err)
		}
		if err := g.persist(spec, string(s.step)); err != nil {
			return nil, err
		}
	}

	if err := g.createExamples(ctx, uc, spec); err != nil {
		return nil, fmt.Errorf("%s: %w", StepExampleCreation, err)
	}
	if err := g.persist(spec, string(StepExampleCreation)); err != nil {
		return nil, err
	}

	log.Info("spec generated",
		zap.Int("items", len(spec.PolicyItems)),
		zap.Int("archived", len(spec.Debug.Archive)),
		zap.Duration("took", time.Since(start)),
	)
	return spec, g.persistFinal(spec)
}

func (g *Generator) persist(spec *model.PolicyGuardSpec, step string) error {
	spec.Debug.Steps = append(spec.Debug.Steps, step)
	if g.cfg.WorkDir == "" {
		return nil
	}
	return model.SaveSpec(g.cfg.WorkDir, model.StepFileName(spec.ToolName, step), spec)
}

func (g *Generator) persistFinal(spec *model.PolicyGuardSpec) error {
	if g.cfg.WorkDir == "" {
		return nil
	}
	return model.SaveSpec(g.cfg.WorkDir, model.SpecFileName(spec.ToolName), spec)
}

// itemDraft is a policy item as proposed by the model.
type itemDraft struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	References  []string `json:"references,omitempty"`
}

type policyList struct {
	PolicyItems []itemDraft `json:"policy_items"`
}

func (g *Generator) askPolicies(ctx context.Context, prompt string, uc userContext, spec *model.PolicyGuardSpec) error {
	var resp policyList
	sys, err := systemPrompt(prompt, spec.ToolName, &resp, 0)
	if err != nil {
		return err
	}
	var sections []string
	if len(spec.PolicyItems) > 0 {
		views := make([]itemView, len(spec.PolicyItems))
		for i, it := range spec.PolicyItems {
			views[i] = viewOf(it)
		}
		sections = append(sections, "Current Policy Items:\n"+mustJSON(views))
	}
	msgs := []llm.Message{llm.System(sys), llm.User(uc.render(true, sections...))}
	if err := g.gen.GenerateJSON(ctx, msgs, &resp); err != nil {
		return fmt.Errorf("%s: %w", prompt, err)
	}
	names := newItemNamer(spec)
	for _, d := range resp.PolicyItems {
		if d.Description == "" {
			continue
		}
		spec.PolicyItems = append(spec.PolicyItems, &model.PolicyGuardSpecItem{
			Name:               names.next(d.Name, d.Description),
			Description:        d.Description,
			References:         d.References,
			ComplianceExamples: []string{},
			ViolationExamples:  []string{},
		})
	}
	return nil
}

func (g *Generator) createPolicies(ctx context.Context, uc userContext, spec *model.PolicyGuardSpec) error {
	return g.askPolicies(ctx, promptCreatePolicies, uc, spec)
}

// addPolicies appends newly found items. Existing items are never replaced.
func (g *Generator) addPolicies(ctx context.Context, uc userContext, spec *model.PolicyGuardSpec) error {
	return g.askPolicies(ctx, promptAddPolicies, uc, spec)
}

// forEachItem runs fn concurrently for every active item and waits for all.
func forEachItem(ctx context.Context, items []*model.PolicyGuardSpecItem, fn func(ctx context.Context, i int, it *model.PolicyGuardSpecItem) error) error {
	eg, ctx := errgroup.WithContext(ctx)
	for i, it := range items {
		eg.Go(func() error { return fn(ctx, i, it) })
	}
	return eg.Wait()
}

// sample issues n independent oracle calls concurrently and joins them.
func sample[T any](ctx context.Context, n int, call func(ctx context.Context) (*T, error)) ([]*T, error) {
	out := make([]*T, n)
	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		eg.Go(func() error {
			v, err := call(ctx)
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Generator) request(uc userContext, it *model.PolicyGuardSpecItem) JudgeRequest {
	return JudgeRequest{Policy: uc.policy, Tools: uc.tools, Tool: uc.tool, Item: it}
}

func (g *Generator) reviewRelevance(ctx context.Context, uc userContext, spec *model.PolicyGuardSpec) error {
	items := append([]*model.PolicyGuardSpecItem(nil), spec.PolicyItems...)
	verdicts := make([]RelevanceVerdict, len(items))
	err := forEachItem(ctx, items, func(ctx context.Context, i int, it *model.PolicyGuardSpecItem) error {
		req := g.request(uc, it)
		votes, err := sample(ctx, g.cfg.RelevanceSamples, func(ctx context.Context) (*RelevanceJudgment, error) {
			return g.oracle.JudgeRelevance(ctx, req)
		})
		if err != nil {
			return err
		}
		verdicts[i] = AggregateRelevance(votes, *g.cfg.RelevanceThreshold)
		return nil
	})
	if err != nil {
		return err
	}

	var archived []*model.PolicyGuardSpecItem
	for i, it := range items {
		v := verdicts[i]
		it.SetDebug("relevance_fractions", v.Fractions)
		if v.Archive {
			it.SetDebug("comments", v.Comments)
			archived = append(archived, it)
		}
	}
	spec.Archive(archiveReasonRelevance, archived...)
	g.logger.Debug("relevance review done",
		zap.String("tool", spec.ToolName),
		zap.Int("archived", len(archived)),
		zap.Int("kept", len(spec.PolicyItems)),
	)
	return nil
}

type referencesResponse struct {
	References []string `json:"references"`
}

func (g *Generator) correctReferences(ctx context.Context, uc userContext, spec *model.PolicyGuardSpec) error {
	proposed := make([][]string, len(spec.PolicyItems))
	err := forEachItem(ctx, spec.PolicyItems, func(ctx context.Context, i int, it *model.PolicyGuardSpecItem) error {
		var resp referencesResponse
		sys, err := systemPrompt(promptAddReferences, spec.ToolName, &resp, 0)
		if err != nil {
			return err
		}
		msgs := []llm.Message{llm.System(sys), llm.User(uc.render(true, "Policy Item:\n"+mustJSON(viewOf(it))))}
		if err := g.gen.GenerateJSON(ctx, msgs, &resp); err != nil {
			return fmt.Errorf("%s: %w", promptAddReferences, err)
		}
		proposed[i] = resp.References
		return nil
	})
	if err != nil {
		return err
	}
	for i, it := range spec.PolicyItems {
		kept, unmatched := ReconcileReferences(g.policy, proposed[i])
		it.References = kept
		if len(unmatched) > 0 {
			it.SetDebug("unmatched_references", unmatched)
			g.logger.Warn("references not found in policy document",
				zap.String("tool", spec.ToolName),
				zap.String("item", it.Name),
				zap.Int("unmatched", len(unmatched)),
			)
		}
	}
	return nil
}

type selfContainedResponse struct {
	IsSelfContained        bool   `json:"is_self_contained"`
	AlternativeDescription string `json:"alternative_description,omitempty"`
}

func (g *Generator) ensureSelfContained(ctx context.Context, uc userContext, spec *model.PolicyGuardSpec) error {
	results := make([]selfContainedResponse, len(spec.PolicyItems))
	err := forEachItem(ctx, spec.PolicyItems, func(ctx context.Context, i int, it *model.PolicyGuardSpecItem) error {
		sys, err := systemPrompt(promptSelfContained, spec.ToolName, &results[i], 0)
		if err != nil {
			return err
		}
		msgs := []llm.Message{llm.System(sys), llm.User(uc.render(true, "Policy Item:\n"+mustJSON(viewOf(it))))}
		if err := g.gen.GenerateJSON(ctx, msgs, &results[i]); err != nil {
			return fmt.Errorf("%s: %w", promptSelfContained, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i, it := range spec.PolicyItems {
		r := results[i]
		if r.IsSelfContained {
			continue
		}
		if r.AlternativeDescription == "" {
			g.logger.Error("item is not self-contained but no alternative was given",
				zap.String("tool", spec.ToolName),
				zap.String("item", it.Name),
			)
			continue
		}
		it.SetDebug("original_description", it.Description)
		it.Description = r.AlternativeDescription
	}
	return nil
}

func (g *Generator) reviewFeasibility(ctx context.Context, uc userContext, spec *model.PolicyGuardSpec) error {
	items := append([]*model.PolicyGuardSpecItem(nil), spec.PolicyItems...)
	verdicts := make([]FeasibilityVerdict, len(items))
	err := forEachItem(ctx, items, func(ctx context.Context, i int, it *model.PolicyGuardSpecItem) error {
		req := g.request(uc, it)
		votes, err := sample(ctx, g.cfg.FeasibilitySamples, func(ctx context.Context) (*FeasibilityJudgment, error) {
			return g.oracle.JudgeFeasibility(ctx, req)
		})
		if err != nil {
			return err
		}
		verdicts[i] = AggregateFeasibility(votes, *g.cfg.FeasibilityThreshold)
		return nil
	})
	if err != nil {
		return err
	}

	var archived []*model.PolicyGuardSpecItem
	for i, it := range items {
		v := verdicts[i]
		if !v.Archive {
			continue
		}
		it.SetDebug("feasibility_fraction", v.Fraction)
		it.SetDebug("feasibility_reasons", v.Reasons)
		it.SetDebug("rejection_reason", v.RejectionReason())
		it.SetDebug("missing_tool_description", v.MissingToolDescription)
		it.SetDebug("feasibility_comments", v.Comments)
		archived = append(archived, it)
	}
	spec.Archive(archiveReasonFeasibility, archived...)
	return nil
}

type examplesResponse struct {
	ComplianceExamples []string `json:"compliance_examples"`
	ViolationExamples  []string `json:"violation_examples"`
}

// createExamples always runs. ExampleNumber 0 clears examples without
// calling the model.
func (g *Generator) createExamples(ctx context.Context, uc userContext, spec *model.PolicyGuardSpec) error {
	fixed := 0
	if n := g.cfg.ExampleNumber; n != nil {
		if *n <= 0 {
			for _, it := range spec.PolicyItems {
				it.ComplianceExamples = []string{}
				it.ViolationExamples = []string{}
			}
			return nil
		}
		fixed = *n
	}
	var mu sync.Mutex
	return forEachItem(ctx, spec.PolicyItems, func(ctx context.Context, _ int, it *model.PolicyGuardSpecItem) error {
		var resp examplesResponse
		sys, err := systemPrompt(promptCreateExamples, spec.ToolName, &resp, fixed)
		if err != nil {
			return err
		}
		msgs := []llm.Message{llm.System(sys), llm.User(uc.render(false, "Policy Item:\n"+mustJSON(viewOf(it))))}
		if err := g.gen.GenerateJSON(ctx, msgs, &resp); err != nil {
			return fmt.Errorf("%s: %w", promptCreateExamples, err)
		}
		mu.Lock()
		defer mu.Unlock()
		it.ComplianceExamples = nonNil(resp.ComplianceExamples)
		it.ViolationExamples = nonNil(resp.ViolationExamples)
		return nil
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// itemNamer hands out snake_case item names that stay distinct after
// conversion to Go package names.
type itemNamer struct {
	used map[string]bool
}

func newItemNamer(spec *model.PolicyGuardSpec) *itemNamer {
	n := &itemNamer{used: map[string]bool{}}
	for _, it := range spec.PolicyItems {
		n.used[toolinfo.PackageName(it.Name)] = true
	}
	for _, it := range spec.Debug.Archive {
		n.used[toolinfo.PackageName(it.Name)] = true
	}
	return n
}

func (n *itemNamer) next(name, description string) string {
	base := toolinfo.SnakeCase(name)
	if base == "" {
		base = toolinfo.SnakeCase(firstWords(description, 5))
	}
	if base == "" {
		base = "policy_item"
	}
	candidate := base
	for i := 2; n.used[toolinfo.PackageName(candidate)]; i++ {
		candidate = base + "_" + strconv.Itoa(i)
	}
	n.used[toolinfo.PackageName(candidate)] = true
	return candidate
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}
