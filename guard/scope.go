// Package guard is the runtime rule engine used by synthesized guards.
//
// Rule scopes are carried by context.Context: each scope is an immutable link
// to its parent, so concurrent evaluations never observe each other's path
// and leaving a scope needs no cleanup.
package guard

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

type scopeKey struct{}

type scopeNode struct {
	name   string
	parent *scopeNode
	depth  int
}

// Scope returns a context in which the named rule is the innermost active rule.
func Scope(ctx context.Context, name string) context.Context {
	parent, _ := ctx.Value(scopeKey{}).(*scopeNode)
	depth := 1
	if parent != nil {
		depth = parent.depth + 1
	}
	return context.WithValue(ctx, scopeKey{}, &scopeNode{name: name, parent: parent, depth: depth})
}

// RulePath returns the active rule names, outermost first.
func RulePath(ctx context.Context) []string {
	n, _ := ctx.Value(scopeKey{}).(*scopeNode)
	if n == nil {
		return nil
	}
	path := make([]string, n.depth)
	for i := n.depth - 1; n != nil; i, n = i-1, n.parent {
		path[i] = n.name
	}
	return path
}

// Rule wraps fn so every call runs inside the named rule scope.
func Rule(name string, fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return fn(Scope(ctx, name))
	}
}

// Check runs fn once inside the named rule scope.
func Check(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return fn(Scope(ctx, name))
}

var pkgLogger atomic.Pointer[zap.Logger]

// SetLogger sets the logger used for swallowed condition failures.
// Defaults to zap.L().
func SetLogger(l *zap.Logger) {
	pkgLogger.Store(l)
}

func logger() *zap.Logger {
	if l := pkgLogger.Load(); l != nil {
		return l
	}
	return zap.L()
}
