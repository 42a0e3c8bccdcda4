package guard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/policy_guard/internal/model"
)

// ErrNoGuard is returned by Load when a manifest tool has no linked guard.
var ErrNoGuard = errors.New("no guard linked for tool")

// GuardFunc is the aggregate guard of one tool. It returns nil when the call
// complies, a *Violation when it does not, or any other error when the guard
// itself failed.
type GuardFunc func(ctx context.Context, args Args, inv ToolInvoker) error

type guardEntry struct {
	tool string
	fn   GuardFunc
}

// Registry holds guards in an arena indexed by tool name.
type Registry struct {
	mu       sync.RWMutex
	arena    []guardEntry
	index    map[string]int
	manifest *model.ToolGuardsCodeGenerationResult
}

func NewRegistry() *Registry {
	return &Registry{index: map[string]int{}}
}

var defaultRegistry = NewRegistry()

// Default is the registry generated guard packages register into.
func Default() *Registry { return defaultRegistry }

// Register adds a guard to the default registry. It panics if the tool is
// registered twice, so it is meant for init functions.
func Register(tool string, fn GuardFunc) {
	if err := defaultRegistry.Register(tool, fn); err != nil {
		panic(err)
	}
}

func (r *Registry) Register(tool string, fn GuardFunc) error {
	if tool == "" || fn == nil {
		return errors.New("Register: tool name and guard are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.index[tool]; dup {
		return fmt.Errorf("Register: guard for %q already registered", tool)
	}
	r.index[tool] = len(r.arena)
	r.arena = append(r.arena, guardEntry{tool: tool, fn: fn})
	return nil
}

func (r *Registry) Lookup(tool string) (GuardFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[tool]
	if !ok {
		return nil, false
	}
	return r.arena[i].fn, true
}

// Tools lists registered tools in registration order.
func (r *Registry) Tools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.arena))
	for i, e := range r.arena {
		names[i] = e.tool
	}
	return names
}

// Load reads the manifest in outputDir and verifies that every tool it lists
// has a linked guard. On success the manifest becomes the active one.
func (r *Registry) Load(outputDir string) (*model.ToolGuardsCodeGenerationResult, error) {
	m, err := model.LoadResult(outputDir)
	if err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	var missing []string
	for _, tool := range m.ToolNames() {
		if _, ok := r.Lookup(tool); !ok {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("Load %s: %w: %s", outputDir, ErrNoGuard, strings.Join(missing, ", "))
	}
	r.mu.Lock()
	r.manifest = m
	r.mu.Unlock()
	return m, nil
}

// Manifest returns the last successfully loaded manifest, or nil.
func (r *Registry) Manifest() *model.ToolGuardsCodeGenerationResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.manifest
}

// GuardToolCall runs the guard for tool against args. Unguarded tools pass.
// A panicking guard is reported as an error, not as a violation.
func (r *Registry) GuardToolCall(ctx context.Context, tool string, args map[string]any, inv ToolInvoker) (err error) {
	fn, ok := r.Lookup(tool)
	if !ok {
		logger().Debug("no guard for tool", zap.String("tool", tool))
		return nil
	}
	if inv == nil {
		inv = NoInvoker
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("GuardToolCall %s: guard panicked: %v", tool, rec)
		}
	}()
	return fn(ctx, Args(args), inv)
}

// Load verifies outputDir against the default registry.
func Load(outputDir string) (*model.ToolGuardsCodeGenerationResult, error) {
	return defaultRegistry.Load(outputDir)
}

// GuardToolCall runs a guard from the default registry.
func GuardToolCall(ctx context.Context, tool string, args map[string]any, inv ToolInvoker) error {
	return defaultRegistry.GuardToolCall(ctx, tool, args, inv)
}
