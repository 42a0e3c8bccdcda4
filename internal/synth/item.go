package synth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/policy_guard/internal/gocode"
	"github.com/triage-ai/palisade/services/policy_guard/internal/llm"
	"github.com/triage-ai/palisade/services/policy_guard/internal/model"
	"github.com/triage-ai/palisade/services/policy_guard/internal/toolchain"
	"github.com/triage-ai/palisade/services/policy_guard/internal/toolinfo"
)

// itemWork is the synthesis state of one policy item.
type itemWork struct {
	s    *Synthesizer
	t    *toolinfo.ToolInfo
	it   *model.PolicyGuardSpecItem
	stub model.CodeArtifact
	deps []string
	log  *zap.Logger
}

func (w *itemWork) pkgDir() string {
	return "./" + gocode.ItemDir(w.t.Name, w.it.Name)
}

func (w *itemWork) prompt(name string, current string, comments []string) (string, error) {
	return render(name, promptData{
		ToolName:     w.t.Name,
		Package:      toolinfo.PackageName(w.it.Name),
		Signature:    w.t.RenderSignature(),
		GuardImport:  gocode.GuardImport,
		DomainImport: w.s.cfg.Module + "/domain",
		Stub:         w.stub.Content,
		Domain:       w.s.domain.Content,
		Mock:         w.s.mock.Content,
		Current:      current,
		Deps:         w.deps,
		Comments:     comments,
	})
}

// generateTests asks for a test file until one vets cleanly and builds
// against the stub. Failing tests are expected at this point.
func (w *itemWork) generateTests(ctx context.Context) (model.CodeArtifact, error) {
	var comments []string
	for trial := 0; trial < w.s.cfg.MaxTestGenTrials; trial++ {
		sys, err := w.prompt(promptGenerateTests, "", comments)
		if err != nil {
			return model.CodeArtifact{}, err
		}
		text, err := w.s.gen.Generate(ctx, []llm.Message{llm.System(sys), llm.User(itemMessage(w.it))})
		if err != nil {
			return model.CodeArtifact{}, fmt.Errorf("generate tests: %w", err)
		}
		test := model.CodeArtifact{
			Name:    gocode.ItemTestFile(w.t.Name, w.it.Name),
			Content: gocode.ExtractGoSource(text),
		}
		w.s.trace(w.t.Name, w.it.Name, "check_test", trial, test.Content)
		if err := w.s.save(test); err != nil {
			return model.CodeArtifact{}, err
		}
		comments, err = w.reviewTests(ctx, test)
		if err != nil {
			return model.CodeArtifact{}, err
		}
		if len(comments) == 0 {
			w.log.Debug("tests generated", zap.Int("trial", trial))
			return test, nil
		}
		w.log.Debug("generated tests rejected", zap.Int("trial", trial), zap.Strings("problems", comments))
	}
	return model.CodeArtifact{}, fmt.Errorf("%w after %d trials: %s",
		ErrTestGeneration, w.s.cfg.MaxTestGenTrials, strings.Join(comments, "; "))
}

// reviewTests returns the problems that make a test file unusable.
func (w *itemWork) reviewTests(ctx context.Context, test model.CodeArtifact) ([]string, error) {
	want := toolinfo.PackageName(w.it.Name)
	pkg, err := gocode.PackageClause([]byte(test.Content))
	if err != nil {
		return []string{"the test file does not parse: " + err.Error()}, nil
	}
	if pkg != want {
		return []string{fmt.Sprintf("the test file must be in package %s, not %s", want, pkg)}, nil
	}
	diags, err := w.s.checker.Vet(ctx, w.s.cfg.OutputPath, w.pkgDir())
	if err != nil {
		return nil, err
	}
	if errs := toolchain.Errors(diags); len(errs) > 0 {
		return diagStrings(errs), nil
	}
	report, err := w.s.runner.Test(ctx, w.s.cfg.OutputPath, w.pkgDir())
	if err != nil {
		return nil, err
	}
	if !report.Collected {
		return reportComments(report), nil
	}
	if len(report.Tests) == 0 {
		return []string{"the test file contains no tests"}, nil
	}
	return nil, nil
}

// repair runs the tests against the current check and asks for improvements
// until they pass. Each improvement attempt counts against
// MaxToolImprovements, whether it is rejected for its signature, rejected
// by the static checker, or fails the tests.
func (w *itemWork) repair(ctx context.Context) (model.CodeArtifact, error) {
	current := w.stub.Content
	prev := current
	var comments []string
	needTest := true
	for improvements := 0; ; improvements++ {
		if needTest {
			report, err := w.s.runner.Test(ctx, w.s.cfg.OutputPath, w.pkgDir())
			if err != nil {
				return model.CodeArtifact{}, err
			}
			if report.Passed() {
				w.log.Info("check accepted", zap.Int("improvements", improvements))
				return model.CodeArtifact{Name: w.stub.Name, Content: current}, nil
			}
			comments = reportComments(report)
		}
		if improvements >= w.s.cfg.MaxToolImprovements {
			return model.CodeArtifact{}, fmt.Errorf("%w after %d improvements: %s",
				ErrBoundExceeded, w.s.cfg.MaxToolImprovements, strings.Join(comments, "; "))
		}

		w.log.Debug("improving check", zap.Int("trial", improvements), zap.Int("comments", len(comments)))
		candidate, err := w.improve(ctx, prev, comments)
		if err != nil {
			return model.CodeArtifact{}, err
		}
		w.s.trace(w.t.Name, w.it.Name, "check", improvements, candidate)

		next, problems, err := w.accept(ctx, candidate, current)
		if err != nil {
			return model.CodeArtifact{}, err
		}
		if len(problems) > 0 {
			prev, comments, needTest = candidate, problems, false
			continue
		}
		current, prev, needTest = next, next, true
	}
}

func (w *itemWork) improve(ctx context.Context, prev string, comments []string) (string, error) {
	sys, err := w.prompt(promptImproveCheck, prev, comments)
	if err != nil {
		return "", err
	}
	text, err := w.s.gen.Generate(ctx, []llm.Message{llm.System(sys), llm.User(itemMessage(w.it))})
	if err != nil {
		return "", fmt.Errorf("improve check: %w", err)
	}
	return gocode.ExtractGoSource(text), nil
}

// accept splices a candidate into the stub, keeping the frozen signature,
// and vets it. On problems the previous source is restored on disk.
func (w *itemWork) accept(ctx context.Context, candidate, current string) (string, []string, error) {
	want, err := gocode.FuncParams([]byte(w.stub.Content), gocode.CheckType, gocode.CheckMethod)
	if err != nil {
		return "", nil, err
	}
	got, err := gocode.FuncParams([]byte(candidate), gocode.CheckType, gocode.CheckMethod)
	if err != nil {
		if errors.Is(err, gocode.ErrFuncNotFound) {
			return "", []string{fmt.Sprintf("the file must declare func (c *%s) %s%s error",
				gocode.CheckType, gocode.CheckMethod, w.t.RenderSignature())}, nil
		}
		return "", []string{"the file does not parse: " + err.Error()}, nil
	}
	if !gocode.ParamsEqual(got, want) {
		return "", []string{fmt.Sprintf("the signature of %s.%s must not change: got (%s), want (%s)",
			gocode.CheckType, gocode.CheckMethod, joinParams(got), joinParams(want))}, nil
	}
	spliced, err := gocode.ReplaceFuncBody([]byte(w.stub.Content), []byte(candidate), gocode.CheckType, gocode.CheckMethod)
	if err != nil {
		return "", []string{err.Error()}, nil
	}
	next := model.CodeArtifact{Name: w.stub.Name, Content: string(spliced)}
	if err := w.s.save(next); err != nil {
		return "", nil, err
	}
	diags, err := w.s.checker.Vet(ctx, w.s.cfg.OutputPath, w.pkgDir())
	if err != nil {
		return "", nil, err
	}
	if errs := toolchain.Errors(diags); len(errs) > 0 {
		restore := model.CodeArtifact{Name: w.stub.Name, Content: current}
		if err := w.s.save(restore); err != nil {
			return "", nil, err
		}
		return "", diagStrings(errs), nil
	}
	return next.Content, nil, nil
}

func reportComments(r *toolchain.TestReport) []string {
	out := append([]string(nil), r.Errors...)
	if !r.Collected && len(out) == 0 && r.BuildOutput != "" {
		out = append(out, "tests do not build: "+r.BuildOutput)
	}
	if len(out) == 0 {
		out = append(out, "tests failed")
	}
	return out
}

func diagStrings(diags []toolchain.Diagnostic) []string {
	out := make([]string, len(diags))
	for i, d := range diags {
		out[i] = d.String()
	}
	return out
}

func joinParams(ps []gocode.Param) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = p.String()
	}
	return strings.Join(parts, ", ")
}
