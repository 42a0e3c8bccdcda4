package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Role tags a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged entry in a conversation.
type Message struct {
	Role    Role
	Content string
}

// System builds a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User builds a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant builds an assistant message.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// Completion is one raw response from a provider.
type Completion struct {
	Text string
	// Truncated is set when the provider stopped on its output-length limit.
	Truncated bool
}

// Provider is the single "generate text from messages" primitive.
// Implementations map provider-specific failures onto ErrRateLimited and ErrTimeout.
type Provider interface {
	Complete(ctx context.Context, msgs []Message) (*Completion, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, msgs []Message) (*Completion, error)

func (f ProviderFunc) Complete(ctx context.Context, msgs []Message) (*Completion, error) {
	return f(ctx, msgs)
}

var (
	// ErrRateLimited marks a provider rate-limit failure. Retried.
	ErrRateLimited = errors.New("rate limited")
	// ErrTimeout marks a provider or per-call timeout. Retried.
	ErrTimeout = errors.New("generation timeout")
	// ErrNoStructuredOutput is returned when no response parsed into the expected shape.
	ErrNoStructuredOutput = errors.New("no structured output")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout)
}

// Generator is what pipeline stages depend on.
type Generator interface {
	Generate(ctx context.Context, msgs []Message) (string, error)
	GenerateJSON(ctx context.Context, msgs []Message, out any) error
}

// NewProvider builds a provider by kind: "openai" (also any OpenAI-compatible
// endpoint via baseURL) or "anthropic".
func NewProvider(kind, apiKey, baseURL, model string, maxTokens int64) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "openai", "":
		return NewOpenAIProvider(apiKey, baseURL, model, maxTokens), nil
	case "anthropic":
		return NewAnthropicProvider(apiKey, baseURL, model, maxTokens), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", kind)
	}
}
