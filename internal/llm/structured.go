package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	ijsonschema "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
)

var fencedJSON = regexp.MustCompile("(?s)```json\\s*(.*?)```")

// ExtractJSON finds the structured payload in a model answer: a ```json
// fenced block first, otherwise the first balanced brace span that is valid
// JSON.
func ExtractJSON(text string) ([]byte, error) {
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		return []byte(strings.TrimSpace(m[1])), nil
	}
	for from := 0; from < len(text); {
		off := strings.IndexByte(text[from:], '{')
		if off < 0 {
			break
		}
		start := from + off
		if end := balancedEnd(text, start); end > 0 {
			if span := text[start:end]; json.Valid([]byte(span)) {
				return []byte(span), nil
			}
		}
		from = start + 1
	}
	return nil, ErrNoStructuredOutput
}

// balancedEnd returns the index just past the brace closing the one at
// start, or -1 when it is never closed.
func balancedEnd(text string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

// GenerateJSON asks for an answer until it parses into out and validates
// against the JSON Schema reflected from out's type.
func (c *Client) GenerateJSON(ctx context.Context, msgs []Message, out any) error {
	sch, err := compiledSchemaFor(out)
	if err != nil {
		return fmt.Errorf("GenerateJSON: %w", err)
	}

	attempt := 0
	op := func() error {
		attempt++
		text, err := c.Generate(ctx, msgs)
		if err != nil {
			return backoff.Permanent(err)
		}
		raw, err := ExtractJSON(text)
		if err != nil {
			return err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNoStructuredOutput, err)
		}
		if err := sch.Validate(doc); err != nil {
			return fmt.Errorf("%w: %v", ErrNoStructuredOutput, err)
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%w: %v", ErrNoStructuredOutput, err)
		}
		return nil
	}
	err = backoff.RetryNotify(op, c.backOff(ctx, c.opts.StructuredRetries), func(err error, wait time.Duration) {
		c.logger.Warn("structured output not parseable, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		return fmt.Errorf("GenerateJSON: %w", err)
	}
	return nil
}

var schemaCache sync.Map // reflect.Type -> *schemaEntry

type schemaEntry struct {
	text     string
	compiled *jsonschema.Schema
}

func reflector() *ijsonschema.Reflector {
	return &ijsonschema.Reflector{
		Anonymous:                 true,
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
}

func schemaEntryFor(v any) (*schemaEntry, error) {
	t := reflect.TypeOf(v)
	if cached, ok := schemaCache.Load(t); ok {
		return cached.(*schemaEntry), nil
	}
	s := reflector().Reflect(v)
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("response.json", doc); err != nil {
		return nil, err
	}
	compiled, err := c.Compile("response.json")
	if err != nil {
		return nil, err
	}
	entry := &schemaEntry{text: string(data), compiled: compiled}
	schemaCache.Store(t, entry)
	return entry, nil
}

func compiledSchemaFor(v any) (*jsonschema.Schema, error) {
	e, err := schemaEntryFor(v)
	if err != nil {
		return nil, err
	}
	return e.compiled, nil
}

// SchemaText renders the JSON Schema of v's type for inclusion in prompts.
func SchemaText(v any) string {
	e, err := schemaEntryFor(v)
	if err != nil {
		return "{}"
	}
	return e.text
}
