package guardserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/triage-ai/palisade/services/policy_guard/internal/auth"
	"github.com/triage-ai/palisade/services/policy_guard/internal/engine"
	"github.com/triage-ai/palisade/services/policy_guard/internal/model"
)

const testKey = "Bearer pgk_test_key_123456"

func doHTTP(t *testing.T, f *fixture, method, path, body, authz string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	NewHTTPHandler(f.svc).ServeHTTP(rec, req)
	return rec
}

func TestHTTP_Check(t *testing.T) {
	f := newFixture(t, auth.ModeEnforce)

	rec := doHTTP(t, f, http.MethodPost, "/v1/guard/check",
		`{"tool_name":"book_reservation","arguments":{"user_id":"u","passengers":8}}`, testKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp CheckResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Verdict != engine.VerdictDeny || len(resp.Violations) != 1 {
		t.Fatalf("expected deny with one violation, got %+v", resp)
	}
	if ev := f.writer.last(); ev.Source != "http" {
		t.Fatalf("expected http source, got %s", ev.Source)
	}
}

func TestHTTP_ShadowMode(t *testing.T) {
	f := newFixture(t, auth.ModeShadow)

	rec := doHTTP(t, f, http.MethodPost, "/v1/guard/check",
		`{"tool_name":"book_reservation","arguments":{"user_id":"u","passengers":8}}`, testKey)
	var resp CheckResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Verdict != engine.VerdictAllow || !resp.Shadow || len(resp.Violations) == 0 {
		t.Fatalf("expected shadow allow with violations, got %+v", resp)
	}
}

func TestHTTP_Unauthenticated(t *testing.T) {
	f := newFixture(t, auth.ModeEnforce)

	for _, authz := range []string{"", "Bearer sk_not_a_guard_key"} {
		rec := doHTTP(t, f, http.MethodPost, "/v1/guard/check", `{"tool_name":"book_reservation"}`, authz)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("authorization %q: expected 401, got %d", authz, rec.Code)
		}
	}
	if f.writer.last() != nil {
		t.Fatal("unauthenticated requests must not be recorded")
	}
}

func TestHTTP_BadRequest(t *testing.T) {
	f := newFixture(t, auth.ModeEnforce)

	rec := doHTTP(t, f, http.MethodPost, "/v1/guard/check", `{"arguments":{}}`, testKey)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHTTP_Specs(t *testing.T) {
	f := newFixture(t, auth.ModeEnforce)

	rec := doHTTP(t, f, http.MethodGet, "/v1/specs/book_reservation", "", testKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var spec model.PolicyGuardSpec
	if err := json.Unmarshal(rec.Body.Bytes(), &spec); err != nil {
		t.Fatal(err)
	}
	if spec.ToolName != "book_reservation" || len(spec.PolicyItems) != 1 {
		t.Fatalf("unexpected spec %+v", spec)
	}

	rec = doHTTP(t, f, http.MethodGet, "/v1/specs/cancel_reservation", "", testKey)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHTTP_Health(t *testing.T) {
	f := newFixture(t, auth.ModeEnforce)

	rec := doHTTP(t, f, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "book_reservation") {
		t.Fatalf("expected guarded tools in health, got %s", rec.Body.String())
	}
}
