// Package synth turns policy guard specs into a Go module of guard checks,
// each with a generated test suite that passes against it.
package synth

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/triage-ai/palisade/services/policy_guard/internal/gocode"
	"github.com/triage-ai/palisade/services/policy_guard/internal/llm"
	"github.com/triage-ai/palisade/services/policy_guard/internal/model"
	"github.com/triage-ai/palisade/services/policy_guard/internal/toolchain"
	"github.com/triage-ai/palisade/services/policy_guard/internal/toolinfo"
)

var (
	// ErrBoundExceeded means an item check did not pass its tests within
	// MaxToolImprovements improvement attempts.
	ErrBoundExceeded = errors.New("repair bound exceeded")
	// ErrTestGeneration means no usable test file was produced within
	// MaxTestGenTrials attempts.
	ErrTestGeneration = errors.New("test generation failed")
)

// ToolError is a terminal synthesis failure of one tool.
type ToolError struct {
	Tool string
	Item string
	Err  error
}

func (e *ToolError) Error() string {
	if e.Item == "" {
		return fmt.Sprintf("synthesize %s: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("synthesize %s/%s: %v", e.Tool, e.Item, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

type Config struct {
	// OutputPath is the root of the generated module.
	OutputPath string
	// Module is the module path of the generated code.
	Module         string
	GoVersion      string
	RuntimeVersion string
	// RuntimeDir, when set, replaces the runtime module with a local
	// checkout.
	RuntimeDir          string
	MaxToolImprovements int
	MaxTestGenTrials    int
	// DebugDir receives every intermediate candidate when set.
	DebugDir string
}

func DefaultConfig() Config {
	return Config{
		Module:              "policyguards",
		GoVersion:           "1.25",
		MaxToolImprovements: 5,
		MaxTestGenTrials:    3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Module == "" {
		c.Module = d.Module
	}
	if c.GoVersion == "" {
		c.GoVersion = d.GoVersion
	}
	if c.MaxToolImprovements <= 0 {
		c.MaxToolImprovements = d.MaxToolImprovements
	}
	if c.MaxTestGenTrials <= 0 {
		c.MaxTestGenTrials = d.MaxTestGenTrials
	}
	return c
}

// moduleTidier is implemented by checkers that can resolve the generated
// module's requirements.
type moduleTidier interface {
	ModTidy(ctx context.Context, dir string) error
}

// Synthesizer generates, tests and repairs guard checks.
type Synthesizer struct {
	gen     llm.Generator
	checker toolchain.StaticChecker
	runner  toolchain.TestRunner
	catalog toolinfo.Catalog
	cfg     Config
	logger  *zap.Logger

	domain model.CodeArtifact
	mock   model.CodeArtifact
}

func New(gen llm.Generator, checker toolchain.StaticChecker, runner toolchain.TestRunner, catalog toolinfo.Catalog, cfg Config, logger *zap.Logger) *Synthesizer {
	return &Synthesizer{
		gen:     gen,
		checker: checker,
		runner:  runner,
		catalog: catalog,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// Synthesize builds a guard for every spec with at least one policy item.
// Tools are synthesized in parallel and fail independently: the returned
// result holds the tools that succeeded and is saved as the manifest, and
// the error combines a *ToolError per failed tool.
func (s *Synthesizer) Synthesize(ctx context.Context, specs []*model.PolicyGuardSpec) (*model.ToolGuardsCodeGenerationResult, error) {
	if s.cfg.OutputPath == "" {
		return nil, errors.New("Synthesize: output path is required")
	}
	start := time.Now()
	if err := s.prepare(ctx); err != nil {
		return nil, err
	}

	var guarded []*model.PolicyGuardSpec
	for _, spec := range specs {
		if len(spec.PolicyItems) == 0 {
			s.logger.Info("no policy items, tool skipped", zap.String("tool", spec.ToolName))
			continue
		}
		guarded = append(guarded, spec)
	}

	results := make([]*model.ToolChecksCodeResult, len(guarded))
	errs := make([]error, len(guarded))
	var eg errgroup.Group
	for i, spec := range guarded {
		eg.Go(func() error {
			res, err := s.synthesizeTool(ctx, spec)
			if err != nil {
				s.logger.Error("tool synthesis failed", zap.String("tool", spec.ToolName), zap.Error(err))
				errs[i] = err
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = eg.Wait()

	out := &model.ToolGuardsCodeGenerationResult{
		OutputPath: s.cfg.OutputPath,
		Module:     s.cfg.Module,
		DomainFile: s.domain,
		Tools:      map[string]*model.ToolChecksCodeResult{},
		Catalog:    s.catalog,
	}
	var tools []string
	for i, res := range results {
		if res == nil {
			continue
		}
		out.Tools[guarded[i].ToolName] = res
		tools = append(tools, guarded[i].ToolName)
	}
	sort.Strings(tools)

	main, err := gocode.RenderServerMain(s.cfg.Module, tools)
	if err != nil {
		return nil, err
	}
	if err := s.save(main); err != nil {
		return nil, err
	}
	if err := s.tidy(ctx); err != nil {
		return nil, err
	}
	if err := out.Save(); err != nil {
		return nil, fmt.Errorf("Synthesize: %w", err)
	}
	s.logger.Info("guard synthesis finished",
		zap.Int("tools", len(guarded)),
		zap.Int("succeeded", len(tools)),
		zap.Duration("took", time.Since(start)),
	)
	return out, multierr.Combine(errs...)
}

// prepare writes the module skeleton shared by every tool.
func (s *Synthesizer) prepare(ctx context.Context) error {
	var err error
	if s.domain, err = gocode.RenderDomain(s.catalog); err != nil {
		return err
	}
	if s.mock, err = gocode.RenderMock(s.catalog); err != nil {
		return err
	}
	gomod := gocode.RenderGoMod(s.cfg.Module, s.cfg.GoVersion, s.cfg.RuntimeVersion, s.cfg.RuntimeDir)
	for _, a := range []model.CodeArtifact{gomod, s.domain, s.mock} {
		if err := s.save(a); err != nil {
			return err
		}
	}
	return s.tidy(ctx)
}

func (s *Synthesizer) tidy(ctx context.Context) error {
	t, ok := s.checker.(moduleTidier)
	if !ok {
		return nil
	}
	return t.ModTidy(ctx, s.cfg.OutputPath)
}

func (s *Synthesizer) save(a model.CodeArtifact) error {
	return a.Save(s.cfg.OutputPath)
}

// trace keeps an intermediate candidate for later inspection.
func (s *Synthesizer) trace(tool, item, step string, trial int, content string) {
	if s.cfg.DebugDir == "" {
		return
	}
	a := model.CodeArtifact{
		Name:    filepath.ToSlash(filepath.Join(tool, item, strconv.Itoa(trial)+"_"+step+".go.txt")),
		Content: content,
	}
	if err := a.Save(s.cfg.DebugDir); err != nil {
		s.logger.Warn("failed to save debug artifact", zap.String("name", a.Name), zap.Error(err))
	}
}

func (s *Synthesizer) synthesizeTool(ctx context.Context, spec *model.PolicyGuardSpec) (*model.ToolChecksCodeResult, error) {
	t, ok := s.catalog.Get(spec.ToolName)
	if !ok {
		return nil, &ToolError{Tool: spec.ToolName, Err: errors.New("tool is not in the catalog")}
	}
	items := spec.PolicyItems
	srcs := make([]model.CodeArtifact, len(items))
	tests := make([]model.CodeArtifact, len(items))

	eg, ctx := errgroup.WithContext(ctx)
	for i, it := range items {
		eg.Go(func() error {
			src, test, err := s.synthesizeItem(ctx, t, it)
			if err != nil {
				return &ToolError{Tool: t.Name, Item: it.Name, Err: err}
			}
			srcs[i], tests[i] = src, test
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	check, err := gocode.RenderGuard(s.cfg.Module, t, items)
	if err != nil {
		return nil, &ToolError{Tool: t.Name, Err: err}
	}
	if err := s.save(check); err != nil {
		return nil, &ToolError{Tool: t.Name, Err: err}
	}
	diags, err := s.checker.Vet(ctx, s.cfg.OutputPath, "./"+gocode.GuardDir(t.Name))
	if err != nil {
		return nil, &ToolError{Tool: t.Name, Err: err}
	}
	if errs := toolchain.Errors(diags); len(errs) > 0 {
		return nil, &ToolError{Tool: t.Name, Err: fmt.Errorf("aggregate check: %s", strings.Join(diagStrings(errs), "; "))}
	}
	return &model.ToolChecksCodeResult{
		Tool:       spec,
		CheckFnSrc: check,
		ItemSrcs:   srcs,
		TestFiles:  tests,
	}, nil
}

func (s *Synthesizer) synthesizeItem(ctx context.Context, t *toolinfo.ToolInfo, it *model.PolicyGuardSpecItem) (src, test model.CodeArtifact, err error) {
	log := s.logger.With(zap.String("tool", t.Name), zap.String("item", it.Name))
	stub, err := gocode.RenderItemStub(s.cfg.Module, t, it)
	if err != nil {
		return src, test, err
	}
	if err := s.save(stub); err != nil {
		return src, test, err
	}
	deps, err := s.dependencies(ctx, t, it)
	if err != nil {
		return src, test, err
	}
	log.Debug("dependencies discovered", zap.Strings("deps", deps))

	w := &itemWork{s: s, t: t, it: it, stub: stub, deps: deps, log: log}
	if test, err = w.generateTests(ctx); err != nil {
		return src, test, err
	}
	if src, err = w.repair(ctx); err != nil {
		return src, test, err
	}
	return src, test, nil
}

type dependenciesResponse struct {
	Tools []string `json:"tools"`
}

// dependencies asks which read-only tools an item needs. Names that are not
// read-only tools of the catalog are dropped.
func (s *Synthesizer) dependencies(ctx context.Context, t *toolinfo.ToolInfo, it *model.PolicyGuardSpecItem) ([]string, error) {
	candidates := s.catalog.ReadOnly(t.Name)
	if len(candidates) == 0 {
		return nil, nil
	}
	var resp dependenciesResponse
	sys, err := render(promptToolDependencies, promptData{
		ToolName:   t.Name,
		Candidates: candidates.Names(),
		Schema:     llm.SchemaText(&resp),
	})
	if err != nil {
		return nil, err
	}
	user := itemMessage(it) + "\n\nDomain:\n```go\n" + s.domain.Content + "```"
	if err := s.gen.GenerateJSON(ctx, []llm.Message{llm.System(sys), llm.User(user)}, &resp); err != nil {
		return nil, fmt.Errorf("dependencies: %w", err)
	}
	allowed := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		allowed[c.Name] = true
	}
	seen := map[string]bool{}
	var deps []string
	for _, name := range resp.Tools {
		name = strings.TrimSpace(name)
		if !allowed[name] {
			s.logger.Debug("dropping unknown dependency", zap.String("tool", t.Name), zap.String("dependency", name))
			continue
		}
		if !seen[name] {
			seen[name] = true
			deps = append(deps, name)
		}
	}
	sort.Strings(deps)
	return deps, nil
}
