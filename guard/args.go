package guard

import (
	"encoding/json"
	"fmt"
)

// Args holds the named arguments of a tool call.
type Args map[string]any

// Decode stores the named argument into out. A missing argument leaves out
// untouched.
func (a Args) Decode(name string, out any) error {
	v, ok := a[name]
	if !ok || v == nil {
		return nil
	}
	if err := decodeResult(v, out); err != nil {
		return fmt.Errorf("argument %q: %w", name, err)
	}
	return nil
}

// Require is Decode for a required argument.
func (a Args) Require(name string, out any) error {
	if _, ok := a[name]; !ok {
		return fmt.Errorf("argument %q is required", name)
	}
	return a.Decode(name, out)
}

// ParseArgs decodes a JSON object of arguments.
func ParseArgs(raw []byte) (Args, error) {
	var a Args
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("ParseArgs: %w", err)
	}
	if a == nil {
		a = Args{}
	}
	return a, nil
}
