package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ContinuePrompt is sent after a truncated answer.
const ContinuePrompt = "Continue the previous answer starting exactly from the last incomplete sentence. Do not repeat anything. Do not add any prefix."

// Options bounds the client's retry and continuation behavior.
type Options struct {
	MaxRetries        int           // transient failures per call
	MaxContinuations  int           // re-prompts after truncation
	StructuredRetries int           // attempts to get parseable structured output
	CallTimeout       time.Duration // per provider call, 0 = none
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries:        5,
		MaxContinuations:  8,
		StructuredRetries: 5,
		CallTimeout:       5 * time.Minute,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
	}
}

// Client wraps a Provider with continuation handling, transient-error retry
// and structured output extraction. Safe for concurrent use.
type Client struct {
	provider Provider
	opts     Options
	logger   *zap.Logger
}

// NewClient creates a Client.
func NewClient(p Provider, opts Options, logger *zap.Logger) *Client {
	return &Client{provider: p, opts: opts, logger: logger}
}

// Generate returns the full text answer, following truncated responses with
// continuation prompts and concatenating the parts.
func (c *Client) Generate(ctx context.Context, msgs []Message) (string, error) {
	conversation := append([]Message(nil), msgs...)
	var answer strings.Builder
	for i := 0; ; i++ {
		comp, err := c.complete(ctx, conversation)
		if err != nil {
			return "", fmt.Errorf("Generate: %w", err)
		}
		answer.WriteString(comp.Text)
		if !comp.Truncated {
			return answer.String(), nil
		}
		if i >= c.opts.MaxContinuations {
			c.logger.Warn("continuation limit reached, returning truncated answer",
				zap.Int("continuations", i),
			)
			return answer.String(), nil
		}
		conversation = append(conversation, Assistant(comp.Text), User(ContinuePrompt))
	}
}

func (c *Client) complete(ctx context.Context, msgs []Message) (*Completion, error) {
	var out *Completion
	op := func() error {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if c.opts.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.opts.CallTimeout)
		}
		defer cancel()

		comp, err := c.provider.Complete(callCtx, msgs)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %v", ErrTimeout, err)
			}
			if IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = comp
		return nil
	}
	err := backoff.RetryNotify(op, c.backOff(ctx, c.opts.MaxRetries), func(err error, wait time.Duration) {
		c.logger.Warn("generative call failed, retrying",
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// backOff is exponential with jitter, capped at maxRetries retries.
func (c *Client) backOff(ctx context.Context, maxRetries int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.Multiplier = 1.5
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx)
}
