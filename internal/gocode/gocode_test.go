package gocode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triage-ai/palisade/services/policy_guard/internal/model"
	"github.com/triage-ai/palisade/services/policy_guard/internal/toolinfo"
)

const testModule = "example.com/airline"

func testCatalog(t *testing.T) toolinfo.Catalog {
	t.Helper()
	cat, err := toolinfo.NewCatalog([]toolinfo.ToolInfo{
		{
			Name:        "book_reservation",
			Description: "Book a reservation for the given passengers.",
			Parameters: []toolinfo.Param{
				{Name: "user_id", Type: "string", Required: true},
				{Name: "passengers", Type: "array", Required: true, Schema: map[string]any{
					"type": "array", "items": map[string]any{"type": "object"},
				}},
				{Name: "insurance", Type: "boolean"},
			},
			Returns: map[string]any{"type": "object"},
		},
		{
			Name:     "get_user_details",
			ReadOnly: true,
			Parameters: []toolinfo.Param{
				{Name: "user_id", Type: "string", Required: true},
			},
			Returns: map[string]any{"type": "object"},
		},
		{
			Name: "divide",
			Parameters: []toolinfo.Param{
				{Name: "a", Type: "number", Required: true},
				{Name: "b", Type: "number", Required: true},
			},
			Returns: map[string]any{"type": "number"},
		},
	})
	require.NoError(t, err)
	return cat
}

func TestRenderDomain(t *testing.T) {
	cat := testCatalog(t)
	a, err := RenderDomain(cat)
	require.NoError(t, err)
	assert.Equal(t, DomainFile, a.Name)
	assert.Contains(t, a.Content, "BookReservation(ctx context.Context, userID string, passengers []map[string]any, insurance bool) (map[string]any, error)")
	assert.Contains(t, a.Content, "Divide(ctx context.Context, a float64, b float64) (float64, error)")
	assert.Contains(t, a.Content, `err := api.inv.Invoke(ctx, "get_user_details", map[string]any{`)
	assert.Contains(t, a.Content, `"user_id": userID,`)

	m, err := RenderMock(cat)
	require.NoError(t, err)
	assert.Contains(t, m.Content, "func (api *Mock) Divide(ctx context.Context, a float64, b float64) (float64, error) {")
	assert.Contains(t, m.Content, "return api.DivideFunc(ctx, a, b)")
}

func TestRenderItemStub_SignatureMatchesTool(t *testing.T) {
	cat := testCatalog(t)
	tool, _ := cat.Get("book_reservation")
	item := &model.PolicyGuardSpecItem{Name: "passenger_limit", Description: "No more than five passengers may be booked on one reservation."}

	a, err := RenderItemStub(testModule, tool, item)
	require.NoError(t, err)
	assert.Equal(t, "guards/bookreservation/passengerlimit/check.go", a.Name)
	assert.True(t, strings.HasPrefix(a.Content, "package passengerlimit\n"))
	assert.Contains(t, a.Content, "func (c *Checker) Check"+tool.Signature+" error {")

	params, err := FuncParams([]byte(a.Content), CheckType, CheckMethod)
	require.NoError(t, err)
	assert.Equal(t, []Param{
		{"ctx", "context.Context"},
		{"userID", "string"},
		{"passengers", "[]map[string]any"},
		{"insurance", "bool"},
	}, params)

	results, err := FuncResults([]byte(a.Content), CheckType, CheckMethod)
	require.NoError(t, err)
	assert.Equal(t, []string{"error"}, results)
}

func TestRenderGuard(t *testing.T) {
	cat := testCatalog(t)
	tool, _ := cat.Get("book_reservation")
	items := []*model.PolicyGuardSpecItem{{Name: "passenger_limit"}, {Name: "insurance_rules"}}

	a, err := RenderGuard(testModule, tool, items)
	require.NoError(t, err)
	assert.Equal(t, "guards/bookreservation/guard.go", a.Name)
	c := a.Content
	assert.Contains(t, c, `"example.com/airline/guards/bookreservation/passengerlimit"`)
	assert.Contains(t, c, `ctx = guard.Scope(ctx, ToolName)`)
	assert.Contains(t, c, `guard.Check(ctx, "passenger_limit", func(ctx context.Context) error {`)
	assert.Contains(t, c, `return g.PassengerLimitCheck.Check(ctx, userID, passengers, insurance)`)
	assert.Contains(t, c, `args.Require("user_id", &userID)`)
	assert.Contains(t, c, `args.Decode("insurance", &insurance)`)
	assert.Less(t, strings.Index(c, `"passenger_limit"`), strings.Index(c, `"insurance_rules"`))

	aggregate, err := FuncParams([]byte(c), "Guard", "Check")
	require.NoError(t, err)
	stub, err := RenderItemStub(testModule, tool, items[0])
	require.NoError(t, err)
	itemParams, err := FuncParams([]byte(stub.Content), CheckType, CheckMethod)
	require.NoError(t, err)
	assert.True(t, ParamsEqual(aggregate, itemParams))

	_, err = RenderGuard(testModule, tool, nil)
	assert.Error(t, err)
}

func TestRenderServerMainAndGoMod(t *testing.T) {
	a, err := RenderServerMain(testModule, []string{"book_reservation", "divide"})
	require.NoError(t, err)
	assert.Contains(t, a.Content, `_ "example.com/airline/guards/bookreservation"`)
	assert.Contains(t, a.Content, `guardserver.Main()`)

	mod := RenderGoMod(testModule, "1.25.0", "", "/src/policy_guard")
	assert.Equal(t, "go.mod", mod.Name)
	assert.Contains(t, mod.Content, "module example.com/airline\n")
	assert.Contains(t, mod.Content, "require "+RuntimeModule+" v0.0.0\n")
	assert.Contains(t, mod.Content, "replace "+RuntimeModule+" => /src/policy_guard\n")
}

const divideStub = `package nozerodivisor

import (
	"context"

	"example.com/calc/domain"
)

// Checker enforces the policy.
type Checker struct {
	API domain.API
}

// Check returns a violation when the call breaks the policy.
func (c *Checker) Check(ctx context.Context, a float64, b float64) error {
	return nil
}
`

const divideCandidate = "Here is the implementation:\n\n```go\n" + `package nozerodivisor

import (
	"context"
	"fmt"
	"math"

	"example.com/calc/domain"
	"github.com/triage-ai/palisade/services/policy_guard/guard"
)

type Checker struct {
	API domain.API
}

const epsilon = 1e-12

func (c *Checker) Check(ctx context.Context, a float64, b float64) error {
	if isZero(b) {
		return guard.Violate(ctx, "the divisor must not be zero")
	}
	return nil
}

// isZero treats tiny divisors as zero.
func isZero(x float64) bool { return math.Abs(x) < epsilon }
` + "```\n"

func TestReplaceFuncBody(t *testing.T) {
	candidate := ExtractGoSource(divideCandidate)
	require.True(t, strings.HasPrefix(candidate, "package nozerodivisor"))

	out, err := ReplaceFuncBody([]byte(divideStub), []byte(candidate), CheckType, CheckMethod)
	require.NoError(t, err)
	src := string(out)

	assert.Contains(t, src, `return guard.Violate(ctx, "the divisor must not be zero")`)
	assert.Contains(t, src, "// Check returns a violation when the call breaks the policy.")
	assert.Contains(t, src, "func isZero(x float64) bool")
	assert.Contains(t, src, "const epsilon = 1e-12")
	assert.Contains(t, src, `"math"`)
	assert.Contains(t, src, `"github.com/triage-ai/palisade/services/policy_guard/guard"`)
	assert.NotContains(t, src, `"fmt"`, "unused import should be pruned")
	assert.Equal(t, 1, strings.Count(src, "type Checker struct"))

	before, err := FuncParams([]byte(divideStub), CheckType, CheckMethod)
	require.NoError(t, err)
	after, err := FuncParams(out, CheckType, CheckMethod)
	require.NoError(t, err)
	assert.True(t, ParamsEqual(before, after))
}

func TestReplaceFuncBody_Errors(t *testing.T) {
	_, err := ReplaceFuncBody([]byte(divideStub), []byte("package x\n\nfunc Other() {}\n"), CheckType, CheckMethod)
	assert.ErrorIs(t, err, ErrFuncNotFound)

	_, err = ReplaceFuncBody([]byte(divideStub), []byte("not go at all"), CheckType, CheckMethod)
	assert.Error(t, err)
}

func TestFuncParams_DetectsSignatureDrift(t *testing.T) {
	drifted := strings.Replace(divideStub, "a float64, b float64", "a, b int", 1)
	want, err := FuncParams([]byte(divideStub), CheckType, CheckMethod)
	require.NoError(t, err)
	got, err := FuncParams([]byte(drifted), CheckType, CheckMethod)
	require.NoError(t, err)
	assert.Equal(t, []Param{{"ctx", "context.Context"}, {"a", "int"}, {"b", "int"}}, got)
	assert.False(t, ParamsEqual(want, got))

	renamed := strings.Replace(divideStub, "a float64, b float64", "x float64, b float64", 1)
	got, err = FuncParams([]byte(renamed), CheckType, CheckMethod)
	require.NoError(t, err)
	assert.False(t, ParamsEqual(want, got))
}

func TestDefaultImportName(t *testing.T) {
	cases := map[string]string{
		"fmt":                                    "fmt",
		"net/http":                               "http",
		"gopkg.in/yaml.v3":                       "yaml",
		"github.com/jackc/pgx/v5":                "pgx",
		"github.com/go-playground/validator/v10": "validator",
		"github.com/mattn/go-isatty":             "isatty",
		"example.com/calc/domain":                "domain",
	}
	for in, want := range cases {
		assert.Equal(t, want, defaultImportName(in), in)
	}
}

func TestExtractGoSource_PlainText(t *testing.T) {
	assert.Equal(t, "package x\n", ExtractGoSource("  package x  \n"))
}

func TestPackageClause(t *testing.T) {
	name, err := PackageClause([]byte("// header\n\npackage passengerlimit\n\nfunc x() {}\n"))
	require.NoError(t, err)
	assert.Equal(t, "passengerlimit", name)

	_, err = PackageClause([]byte("func x() {}"))
	assert.Error(t, err)
}
