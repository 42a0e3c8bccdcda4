package auth

import (
	"context"
)

// StaticAuthenticator is a development-only authenticator that accepts any pgk_ key.
type StaticAuthenticator struct {
	mode string
}

func NewStaticAuthenticator(mode string) *StaticAuthenticator {
	if mode == "" {
		mode = ModeEnforce
	}
	return &StaticAuthenticator{mode: mode}
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context) (*ProjectContext, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}
	return &ProjectContext{
		ProjectID: "static-" + prefixOf(token),
		Mode:      a.mode,
		FailOpen:  true,
	}, nil
}

func prefixOf(token string) string {
	if len(token) < prefixLen {
		return token
	}
	return token[:prefixLen]
}
