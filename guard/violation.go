package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Violation is the structured signal that a guarded tool call fails a policy.
// RulePath is the stack of active rule scopes when it was raised.
type Violation struct {
	Message  string
	RulePath []string
}

func (v *Violation) Error() string {
	if len(v.RulePath) == 0 {
		return "policy violation: " + v.Message
	}
	return fmt.Sprintf("policy violation [%s]: %s", strings.Join(v.RulePath, " > "), v.Message)
}

// Violate builds a violation attributed to the rules active in ctx.
func Violate(ctx context.Context, msg string) *Violation {
	return &Violation{Message: msg, RulePath: RulePath(ctx)}
}

// Violatef is Violate with formatting.
func Violatef(ctx context.Context, format string, args ...any) *Violation {
	return Violate(ctx, fmt.Sprintf(format, args...))
}

// AsViolation extracts a violation from an error chain.
func AsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}
