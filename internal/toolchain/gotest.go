package toolchain

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
)

// Outcome of a single test.
type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeFail Outcome = "fail"
	OutcomeSkip Outcome = "skip"
)

// TestCase is the result of one test function or subtest.
type TestCase struct {
	Package string
	Name    string
	Outcome Outcome
	Output  string
}

// TestReport summarizes one go test run.
type TestReport struct {
	// Collected is false when the tests could not be built.
	Collected   bool
	BuildOutput string
	Tests       []TestCase
	// Errors holds one message per failing test and per build failure.
	Errors []string
}

// Failed lists failing tests.
func (r *TestReport) Failed() []TestCase {
	var out []TestCase
	for _, tc := range r.Tests {
		if tc.Outcome == OutcomeFail {
			out = append(out, tc)
		}
	}
	return out
}

// Passed reports a built run with no failing test.
func (r *TestReport) Passed() bool {
	return r.Collected && len(r.Errors) == 0
}

// testEvent is a go test -json (test2json) record.
type testEvent struct {
	Action     string
	Package    string
	ImportPath string
	Test       string
	Output     string
}

// Test runs go test -json. Test failures are reported in the TestReport,
// not as an error.
func (g *Go) Test(ctx context.Context, dir string, patterns ...string) (*TestReport, error) {
	if len(patterns) == 0 {
		patterns = []string{"./..."}
	}
	args := append([]string{"test", "-json", "-count=1"}, patterns...)
	stdout, stderr, err := g.run(ctx, dir, args...)
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("go test: %w", err)
		}
	}
	// Compile errors go to stderr; they are folded in as build output.
	report, perr := ParseTestJSON(io.MultiReader(bytes.NewReader(stdout), bytes.NewReader(stderr)))
	if perr != nil {
		return nil, fmt.Errorf("go test: %w", perr)
	}
	if err != nil && len(report.Errors) == 0 {
		// Non-zero exit without a recognizable failure, e.g. a panic in TestMain.
		report.Collected = false
		report.Errors = append(report.Errors, "go test failed: "+strings.TrimSpace(string(stderr)))
	}
	return report, nil
}

// ParseTestJSON folds a test2json stream into a report. Non-JSON lines are
// treated as build output.
func ParseTestJSON(r io.Reader) (*TestReport, error) {
	type key struct{ pkg, test string }
	outputs := map[key]*strings.Builder{}
	outcomes := map[key]Outcome{}
	var order []key
	var build strings.Builder
	buildFailed := false
	pkgFailed := map[string]bool{}
	pkgTestFailed := map[string]bool{}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev testEvent
		if line[0] != '{' || json.Unmarshal(line, &ev) != nil {
			build.Write(line)
			build.WriteByte('\n')
			continue
		}
		switch ev.Action {
		case "build-output":
			build.WriteString(ev.Output)
			continue
		case "build-fail":
			buildFailed = true
			continue
		}
		if ev.Test == "" {
			if ev.Action == "output" && strings.Contains(ev.Output, "[build failed]") {
				buildFailed = true
			}
			if ev.Action == "output" && strings.Contains(ev.Output, "[setup failed]") {
				buildFailed = true
			}
			if ev.Action == "fail" {
				pkgFailed[ev.Package] = true
			}
			continue
		}
		k := key{ev.Package, ev.Test}
		if _, seen := outputs[k]; !seen {
			outputs[k] = &strings.Builder{}
			order = append(order, k)
		}
		switch ev.Action {
		case "output":
			outputs[k].WriteString(ev.Output)
		case "pass", "fail", "skip":
			outcomes[k] = Outcome(ev.Action)
			if ev.Action == "fail" {
				pkgTestFailed[ev.Package] = true
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	report := &TestReport{Collected: !buildFailed, BuildOutput: strings.TrimSpace(build.String())}
	for _, k := range order {
		outcome, ok := outcomes[k]
		if !ok {
			// Started but never finished: the binary crashed or timed out.
			outcome = OutcomeFail
		}
		tc := TestCase{Package: k.pkg, Name: k.test, Outcome: outcome, Output: outputs[k].String()}
		report.Tests = append(report.Tests, tc)
		if outcome == OutcomeFail {
			pkgTestFailed[k.pkg] = true
			report.Errors = append(report.Errors, fmt.Sprintf("%s failed:\n%s", tc.Name, strings.TrimSpace(tc.Output)))
		}
	}
	if buildFailed {
		msg := "build failed"
		if report.BuildOutput != "" {
			msg += ":\n" + report.BuildOutput
		}
		report.Errors = append(report.Errors, msg)
	} else {
		var pkgs []string
		for pkg := range pkgFailed {
			if !pkgTestFailed[pkg] {
				pkgs = append(pkgs, pkg)
			}
		}
		sort.Strings(pkgs)
		for _, pkg := range pkgs {
			report.Errors = append(report.Errors, pkg+" failed outside of any test")
		}
	}
	return report, nil
}
