package guardserver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/policy_guard/guard"
	"github.com/triage-ai/palisade/services/policy_guard/internal/auth"
	"github.com/triage-ai/palisade/services/policy_guard/internal/engine"
	"github.com/triage-ai/palisade/services/policy_guard/internal/engine/evaluators"
	"github.com/triage-ai/palisade/services/policy_guard/internal/model"
	"github.com/triage-ai/palisade/services/policy_guard/internal/storage"
	"github.com/triage-ai/palisade/services/policy_guard/internal/toolinfo"
)

type captureWriter struct {
	mu     sync.Mutex
	events []*storage.GuardCheckEvent
}

func (w *captureWriter) Write(e *storage.GuardCheckEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, e)
}

func (w *captureWriter) Close() {}

func (w *captureWriter) last() *storage.GuardCheckEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.events) == 0 {
		return nil
	}
	return w.events[len(w.events)-1]
}

func passengerGuard(ctx context.Context, args guard.Args, _ guard.ToolInvoker) error {
	return guard.Check(ctx, "book_reservation", func(ctx context.Context) error {
		return guard.Check(ctx, "passenger_limit", func(ctx context.Context) error {
			var n int
			if err := args.Require("passengers", &n); err != nil {
				return err
			}
			if n > 5 {
				return guard.Violatef(ctx, "at most 5 passengers per reservation, got %d", n)
			}
			return nil
		})
	})
}

// writeManifest saves a manifest guarding book_reservation into a temp dir.
func writeManifest(t *testing.T) string {
	t.Helper()
	catalog, err := toolinfo.NewCatalog([]toolinfo.ToolInfo{{
		Name: "book_reservation",
		Parameters: []toolinfo.Param{
			{Name: "user_id", Type: "string", Required: true},
			{Name: "passengers", Type: "integer", Required: true},
		},
	}})
	if err != nil {
		t.Fatal(err)
	}
	spec := model.NewPolicyGuardSpec("book_reservation")
	spec.PolicyItems = append(spec.PolicyItems, &model.PolicyGuardSpecItem{
		Name:        "passenger limit",
		Description: "A reservation holds at most five passengers.",
	})
	dir := t.TempDir()
	m := &model.ToolGuardsCodeGenerationResult{
		OutputPath: dir,
		Module:     "policyguards",
		Tools:      map[string]*model.ToolChecksCodeResult{"book_reservation": {Tool: spec}},
		Catalog:    catalog,
	}
	if err := m.Save(); err != nil {
		t.Fatal(err)
	}
	return dir
}

type fixture struct {
	svc    *Service
	writer *captureWriter
}

func newFixture(t *testing.T, mode string) *fixture {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	guards := guard.NewRegistry()
	if err := guards.Register("book_reservation", passengerGuard); err != nil {
		t.Fatal(err)
	}
	eng := engine.NewEngine([]engine.Evaluator{
		evaluators.NewSchemaEvaluator(),
		evaluators.NewPolicyEvaluator(guards),
	}, time.Second, logger)
	w := &captureWriter{}
	svc := NewService(Options{
		Engine: eng,
		Auth:   auth.NewStaticAuthenticator(mode),
		Writer: w,
		Guards: guards,
		Logger: logger,
	})
	if err := svc.Reload(writeManifest(t)); err != nil {
		t.Fatal(err)
	}
	return &fixture{svc: svc, writer: w}
}

var enforceProject = &auth.ProjectContext{ProjectID: "proj-1", Mode: auth.ModeEnforce}

func TestCheck_Allow(t *testing.T) {
	f := newFixture(t, auth.ModeEnforce)
	resp, err := f.svc.Check(context.Background(), enforceProject, &CheckRequest{
		ToolName:  "book_reservation",
		Arguments: map[string]any{"user_id": "mia_li_3668", "passengers": 2},
	}, "grpc")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Verdict != engine.VerdictAllow {
		t.Fatalf("expected allow, got %s (%s)", resp.Verdict, resp.Reason)
	}
	if resp.RequestID == "" {
		t.Fatal("expected a request id")
	}
	ev := f.writer.last()
	if ev == nil || ev.RequestID != resp.RequestID || ev.ProjectID != "proj-1" || ev.Source != "grpc" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if len(ev.Evaluators) != 2 || ev.Evaluators[0] != "schema" || ev.Evaluators[1] != "policy" {
		t.Fatalf("unexpected evaluators %v", ev.Evaluators)
	}
}

func TestCheck_PolicyViolation(t *testing.T) {
	f := newFixture(t, auth.ModeEnforce)
	resp, err := f.svc.Check(context.Background(), enforceProject, &CheckRequest{
		ToolName:  "book_reservation",
		Arguments: map[string]any{"user_id": "mia_li_3668", "passengers": 6},
	}, "http")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Verdict != engine.VerdictDeny {
		t.Fatalf("expected deny, got %s", resp.Verdict)
	}
	if len(resp.Violations) != 1 {
		t.Fatalf("expected one violation, got %+v", resp.Violations)
	}
	v := resp.Violations[0]
	if v.Evaluator != "policy" || len(v.RulePath) != 2 || v.RulePath[1] != "passenger_limit" {
		t.Fatalf("unexpected violation %+v", v)
	}
	ev := f.writer.last()
	if !ev.Enforced || ev.ViolationRules[0] != "book_reservation/passenger_limit" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestCheck_SchemaViolation(t *testing.T) {
	f := newFixture(t, auth.ModeEnforce)
	resp, err := f.svc.Check(context.Background(), enforceProject, &CheckRequest{
		ToolName:  "book_reservation",
		Arguments: map[string]any{"user_id": "mia_li_3668"},
	}, "grpc")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Verdict != engine.VerdictDeny {
		t.Fatalf("expected deny for missing passengers, got %s", resp.Verdict)
	}
	found := false
	for _, v := range resp.Violations {
		if v.Evaluator == "schema" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a schema violation, got %+v", resp.Violations)
	}
}

func TestCheck_ShadowAllowsButRecords(t *testing.T) {
	f := newFixture(t, auth.ModeShadow)
	project := &auth.ProjectContext{ProjectID: "proj-2", Mode: auth.ModeShadow}
	resp, err := f.svc.Check(context.Background(), project, &CheckRequest{
		ToolName:  "book_reservation",
		Arguments: map[string]any{"user_id": "u", "passengers": 9},
	}, "grpc")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Verdict != engine.VerdictAllow || !resp.Shadow {
		t.Fatalf("expected shadow allow, got %+v", resp)
	}
	if len(resp.Violations) == 0 {
		t.Fatal("expected violations to be reported in shadow mode")
	}
	ev := f.writer.last()
	if ev.Verdict != engine.VerdictDeny || ev.Enforced {
		t.Fatalf("expected unenforced deny event, got verdict=%s enforced=%v", ev.Verdict, ev.Enforced)
	}
}

func TestCheck_UnguardedToolAllowed(t *testing.T) {
	f := newFixture(t, auth.ModeEnforce)
	resp, err := f.svc.Check(context.Background(), enforceProject, &CheckRequest{
		ToolName:  "get_user_details",
		Arguments: map[string]any{"user_id": "u"},
	}, "grpc")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Verdict != engine.VerdictAllow {
		t.Fatalf("expected allow, got %s", resp.Verdict)
	}
}

func TestCheck_MissingToolName(t *testing.T) {
	f := newFixture(t, auth.ModeEnforce)
	_, err := f.svc.Check(context.Background(), enforceProject, &CheckRequest{}, "grpc")
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if f.writer.last() != nil {
		t.Fatal("invalid requests must not be recorded")
	}
}

func TestReload_KeepsPreviousManifestOnError(t *testing.T) {
	f := newFixture(t, auth.ModeEnforce)
	if err := f.svc.Reload(t.TempDir()); err == nil {
		t.Fatal("expected error for a directory without a manifest")
	}
	m := f.svc.Manifest()
	if m == nil || len(m.Tools) != 1 {
		t.Fatalf("expected previous manifest to stay active, got %+v", m)
	}
}

func TestReload_RejectsUnlinkedTool(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	svc := NewService(Options{
		Engine: engine.NewEngine(nil, time.Second, logger),
		Auth:   auth.NewStaticAuthenticator(""),
		Guards: guard.NewRegistry(),
		Logger: logger,
	})
	err := svc.Reload(writeManifest(t))
	if !errors.Is(err, guard.ErrNoGuard) {
		t.Fatalf("expected ErrNoGuard, got %v", err)
	}
	if svc.Manifest() != nil {
		t.Fatal("expected no active manifest")
	}
}

func TestSpec_FromManifest(t *testing.T) {
	f := newFixture(t, auth.ModeEnforce)
	spec, err := f.svc.Spec(context.Background(), enforceProject, "book_reservation")
	if err != nil {
		t.Fatal(err)
	}
	if spec == nil || len(spec.PolicyItems) != 1 {
		t.Fatalf("unexpected spec %+v", spec)
	}
	spec, err = f.svc.Spec(context.Background(), enforceProject, "cancel_reservation")
	if err != nil || spec != nil {
		t.Fatalf("expected no spec, got %+v, %v", spec, err)
	}
}
