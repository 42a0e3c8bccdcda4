// Command policy-guard-build turns a policy document and a tool catalog into
// policy guard specs and a Go module of synthesized guards.
//
//	policy-guard-build [spec|synth|all]
//
// spec writes the specs under the work directory; synth reads them back and
// synthesizes guards into the output directory; all (the default) runs both.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/policy_guard/internal/config"
	"github.com/triage-ai/palisade/services/policy_guard/internal/llm"
	"github.com/triage-ai/palisade/services/policy_guard/internal/model"
	"github.com/triage-ai/palisade/services/policy_guard/internal/registry"
	"github.com/triage-ai/palisade/services/policy_guard/internal/specgen"
	"github.com/triage-ai/palisade/services/policy_guard/internal/synth"
	"github.com/triage-ai/palisade/services/policy_guard/internal/toolchain"
	"github.com/triage-ai/palisade/services/policy_guard/internal/toolinfo"
)

func main() {
	cmd := "all"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	if cmd != "spec" && cmd != "synth" && cmd != "all" {
		fmt.Fprintf(os.Stderr, "usage: %s [spec|synth|all]\n", filepath.Base(os.Args[0]))
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	runID := uuid.New().String()
	logger := config.MustBuildLogger(cfg.LogLevel).With(zap.String("run_id", runID))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cmd, cfg, logger); err != nil {
		logger.Error("build failed", zap.String("command", cmd), zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, cfg *config.Config, logger *zap.Logger) error {
	bc := cfg.Build
	logger.Info("starting policy guard build",
		zap.String("command", cmd),
		zap.String("policy", bc.PolicyPath),
		zap.String("catalog", bc.CatalogPath),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.String("llm_model", cfg.LLM.Model),
	)

	if bc.CatalogPath == "" {
		return errors.New("catalog path is required (POLICY_GUARD_CATALOG)")
	}
	catalog, err := toolinfo.LoadCatalog(bc.CatalogPath, bc.CatalogFormat)
	if err != nil {
		return err
	}
	logger.Info("catalog loaded", zap.Int("tools", len(catalog)))

	gen, err := newGenerator(cfg.LLM, logger)
	if err != nil {
		return err
	}

	var specs []*model.PolicyGuardSpec
	var buildErr error
	if cmd == "synth" {
		names := bc.Tools
		if len(names) == 0 {
			names = catalog.Names()
		}
		specs, err = loadSpecs(bc.WorkDir, names)
		if err != nil {
			return err
		}
	} else {
		specs, buildErr = generateSpecs(ctx, gen, catalog, bc, logger)
		if len(specs) == 0 {
			return buildErr
		}
		if err := publish(ctx, cfg, specs, logger); err != nil {
			return err
		}
		if cmd == "spec" {
			return buildErr
		}
	}

	goTool := toolchain.NewGo(bc.GoBin, bc.GoTimeout, logger)
	scfg := synth.Config{
		OutputPath:          bc.OutputPath,
		Module:              bc.Module,
		GoVersion:           bc.GoVersion,
		RuntimeVersion:      bc.RuntimeVersion,
		RuntimeDir:          bc.RuntimeDir,
		MaxToolImprovements: bc.MaxToolImprovements,
		MaxTestGenTrials:    bc.MaxTestGenTrials,
	}
	if bc.Debug {
		scfg.DebugDir = filepath.Join(bc.WorkDir, "debug")
	}
	result, err := synth.New(gen, goTool, goTool, catalog, scfg, logger).Synthesize(ctx, specs)
	if result != nil {
		logger.Info("guards written",
			zap.String("output", result.OutputPath),
			zap.Strings("tools", result.ToolNames()),
		)
	}
	return errors.Join(buildErr, err)
}

func newGenerator(c config.LLMConfig, logger *zap.Logger) (*llm.Client, error) {
	p, err := llm.NewProvider(c.Provider, c.APIKey, c.BaseURL, c.Model, c.MaxTokens)
	if err != nil {
		return nil, err
	}
	opts := llm.DefaultOptions()
	opts.MaxRetries = c.MaxRetries
	if c.CallTimeout > 0 {
		opts.CallTimeout = c.CallTimeout
	}
	return llm.NewClient(p, opts, logger), nil
}

func generateSpecs(ctx context.Context, gen llm.Generator, catalog toolinfo.Catalog, bc config.BuildConfig, logger *zap.Logger) ([]*model.PolicyGuardSpec, error) {
	if bc.PolicyPath == "" {
		return nil, errors.New("policy path is required (POLICY_GUARD_POLICY)")
	}
	policy, err := os.ReadFile(bc.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}

	sc := specgen.Config{
		AddIterations:        bc.AddIterations,
		ExampleNumber:        bc.ExampleNumber,
		RelevanceSamples:     bc.RelevanceSamples,
		FeasibilitySamples:   bc.FeasibilitySamples,
		RelevanceThreshold:   specgen.Threshold(bc.RelevanceThreshold),
		FeasibilityThreshold: specgen.Threshold(bc.FeasibilityThreshold),
		WorkDir:              bc.WorkDir,
	}
	if len(bc.Steps) > 0 {
		sc.Steps = make([]specgen.Step, 0, len(bc.Steps))
		for _, s := range bc.Steps {
			st, err := specgen.ParseStep(s)
			if err != nil {
				return nil, err
			}
			sc.Steps = append(sc.Steps, st)
		}
	}
	return specgen.New(gen, nil, string(policy), catalog, sc, logger).GenerateSpecs(ctx, bc.Tools)
}

// loadSpecs reads the final specs a previous spec run left in workDir.
// Tools without a spec file are skipped.
func loadSpecs(workDir string, names []string) ([]*model.PolicyGuardSpec, error) {
	var present []string
	for _, name := range names {
		if _, err := os.Stat(filepath.Join(workDir, model.SpecFileName(name))); err == nil {
			present = append(present, name)
		}
	}
	if len(present) == 0 {
		return nil, fmt.Errorf("no specs found in %s", workDir)
	}
	return model.LoadSpecs(workDir, present)
}

// publish stores the specs in the spec registry when a project is set.
func publish(ctx context.Context, cfg *config.Config, specs []*model.PolicyGuardSpec, logger *zap.Logger) error {
	project := cfg.Build.PublishProject
	if project == "" {
		return nil
	}
	if !cfg.Registry.Enabled() {
		return errors.New("publish needs POSTGRES_DSN or POLICY_GUARD_SPEC_DB")
	}
	store, err := registry.OpenStore(ctx, cfg.Registry.PostgresDSN, cfg.Registry.SQLitePath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	reg := registry.NewCachedRegistry(registry.CachedRegistryConfig{Store: store, Logger: logger})
	if err := reg.Publish(ctx, project, specs...); err != nil {
		return err
	}
	logger.Info("specs published", zap.String("project", project), zap.Int("specs", len(specs)))
	return nil
}
