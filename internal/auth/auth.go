// Package auth authenticates callers of the guard service by API key.
package auth

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/metadata"
)

// KeyPrefix starts every guard service API key.
const KeyPrefix = "pgk_"

// Project modes.
const (
	// ModeEnforce returns deny verdicts to the caller.
	ModeEnforce = "enforce"
	// ModeShadow records deny verdicts but answers allow.
	ModeShadow = "shadow"
)

// Authenticator validates incoming requests and returns a ProjectContext.
type Authenticator interface {
	Authenticate(ctx context.Context) (*ProjectContext, error)
}

// ProjectContext holds the authenticated project's identity and configuration.
type ProjectContext struct {
	ProjectID string
	Mode      string // ModeEnforce or ModeShadow
	// FailOpen allows a tool call when its guards cannot be evaluated.
	FailOpen bool
}

// Shadow reports whether deny verdicts are only recorded.
func (p *ProjectContext) Shadow() bool {
	return p.Mode == ModeShadow
}

// ErrUnauthenticated is returned when no valid credentials are found.
var ErrUnauthenticated = errors.New("unauthenticated")

// ExtractBearerToken extracts a pgk_ API key from gRPC metadata.
func ExtractBearerToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrUnauthenticated
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", ErrUnauthenticated
	}
	return ParseBearer(values[0])
}

// ParseBearer extracts a pgk_ API key from an Authorization header value.
func ParseBearer(header string) (string, error) {
	token := strings.TrimSpace(header)
	token = strings.TrimPrefix(token, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	if !strings.HasPrefix(token, KeyPrefix) {
		return "", ErrUnauthenticated
	}
	return token, nil
}

// WithAuthorization returns a context carrying header as incoming
// authorization metadata, so HTTP requests authenticate like gRPC ones.
func WithAuthorization(ctx context.Context, header string) context.Context {
	md, _ := metadata.FromIncomingContext(ctx)
	md = md.Copy()
	md.Set("authorization", header)
	return metadata.NewIncomingContext(ctx, md)
}
