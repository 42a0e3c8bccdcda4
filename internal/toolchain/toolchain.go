// Package toolchain runs the Go toolchain against a generated guard module:
// go vet as the static checker and go test -json as the test runner.
package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Severity of a diagnostic.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Diagnostic is one static-check finding.
type Diagnostic struct {
	File     string
	Line     int
	Column   int
	Severity string
	Message  string
}

func (d Diagnostic) String() string {
	if d.File == "" {
		return d.Message
	}
	return fmt.Sprintf("%s:%d:%d: %s", d.File, d.Line, d.Column, d.Message)
}

// Errors filters diagnostics down to errors.
func Errors(diags []Diagnostic) []Diagnostic {
	var out []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			out = append(out, d)
		}
	}
	return out
}

// StaticChecker reports type and vet errors for packages under dir.
type StaticChecker interface {
	Vet(ctx context.Context, dir string, patterns ...string) ([]Diagnostic, error)
}

// TestRunner runs tests for packages under dir.
type TestRunner interface {
	Test(ctx context.Context, dir string, patterns ...string) (*TestReport, error)
}

// Go invokes the go command.
type Go struct {
	Bin     string
	Env     []string
	Timeout time.Duration
	logger  *zap.Logger
}

func NewGo(bin string, timeout time.Duration, logger *zap.Logger) *Go {
	if bin == "" {
		bin = "go"
	}
	return &Go{Bin: bin, Timeout: timeout, logger: logger}
}

var (
	_ StaticChecker = (*Go)(nil)
	_ TestRunner    = (*Go)(nil)
)

func (g *Go) run(ctx context.Context, dir string, args ...string) (stdout, stderr []byte, err error) {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, g.Bin, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), g.Env...)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut

	start := time.Now()
	err = cmd.Run()
	g.logger.Debug("go command finished",
		zap.Strings("args", args),
		zap.String("dir", dir),
		zap.Duration("took", time.Since(start)),
		zap.Error(err),
	)
	if ctx.Err() != nil {
		return out.Bytes(), errOut.Bytes(), fmt.Errorf("go %s: %w", args[0], ctx.Err())
	}
	return out.Bytes(), errOut.Bytes(), err
}

// ModTidy resolves the generated module's dependencies.
func (g *Go) ModTidy(ctx context.Context, dir string) error {
	_, stderr, err := g.run(ctx, dir, "mod", "tidy")
	if err != nil {
		return fmt.Errorf("go mod tidy: %w: %s", err, strings.TrimSpace(string(stderr)))
	}
	return nil
}

// Vet runs go vet. A non-zero exit with parseable findings is not an error.
func (g *Go) Vet(ctx context.Context, dir string, patterns ...string) ([]Diagnostic, error) {
	if len(patterns) == 0 {
		patterns = []string{"./..."}
	}
	_, stderr, err := g.run(ctx, dir, append([]string{"vet"}, patterns...)...)
	diags := ParseVet(stderr)
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("go vet: %w", err)
		}
		if len(diags) == 0 {
			diags = append(diags, Diagnostic{Severity: SeverityError, Message: strings.TrimSpace(string(stderr))})
		}
	}
	return diags, nil
}

var vetLine = regexp.MustCompile(`^(.+?\.go):(\d+):(?:(\d+):)?\s*(.*)$`)

// ParseVet parses go vet output. Lines of the form file:line[:col]: msg are
// positioned errors, "# pkg" headers are skipped, indented lines continue
// the previous finding and anything else is an unpositioned error.
func ParseVet(out []byte) []Diagnostic {
	var diags []Diagnostic
	for _, line := range strings.Split(string(out), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "go: downloading") {
			continue
		}
		trimmed = strings.TrimPrefix(trimmed, "vet: ")
		if m := vetLine.FindStringSubmatch(trimmed); m != nil {
			ln, _ := strconv.Atoi(m[2])
			col, _ := strconv.Atoi(m[3])
			diags = append(diags, Diagnostic{
				File:     strings.TrimPrefix(m[1], "./"),
				Line:     ln,
				Column:   col,
				Severity: SeverityError,
				Message:  m[4],
			})
			continue
		}
		if n := len(diags); n > 0 && (strings.HasPrefix(line, "\t") || strings.HasPrefix(line, " ")) {
			diags[n-1].Message += "\n" + trimmed
			continue
		}
		diags = append(diags, Diagnostic{Severity: SeverityError, Message: trimmed})
	}
	return diags
}
