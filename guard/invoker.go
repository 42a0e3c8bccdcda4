package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/triage-ai/palisade/services/policy_guard/internal/toolinfo"
)

var (
	// ErrUnknownTool is returned when an invoker has no backend for a tool.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrNoInvoker is returned by a guard that needs tool data when no
	// invoker was configured.
	ErrNoInvoker = errors.New("no tool invoker configured")
)

// ToolInvoker calls a tool by name with named arguments and decodes the result
// into out. out may be nil to discard the result.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool string, args map[string]any, out any) error
}

// ToolFunc is one entry of a FuncInvoker table.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// FuncInvoker dispatches through a name to function table.
type FuncInvoker map[string]ToolFunc

func (f FuncInvoker) Invoke(ctx context.Context, tool string, args map[string]any, out any) error {
	fn, ok := f[tool]
	if !ok {
		return fmt.Errorf("Invoke %s: %w", tool, ErrUnknownTool)
	}
	res, err := fn(ctx, args)
	if err != nil {
		return fmt.Errorf("Invoke %s: %w", tool, err)
	}
	return decodeResult(res, out)
}

// MethodInvoker dispatches to exported methods of an object shaped
// func(context.Context, In) (Out, error). Tool names are the snake_case form
// of the method name; arguments are decoded into In through JSON.
type MethodInvoker struct {
	methods map[string]reflect.Value
}

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

// NewMethodInvoker collects the tool-shaped methods of obj.
func NewMethodInvoker(obj any) (*MethodInvoker, error) {
	v := reflect.ValueOf(obj)
	if !v.IsValid() {
		return nil, errors.New("NewMethodInvoker: nil object")
	}
	t := v.Type()
	m := &MethodInvoker{methods: map[string]reflect.Value{}}
	for i := 0; i < t.NumMethod(); i++ {
		method := t.Method(i)
		if !method.IsExported() {
			continue
		}
		ft := method.Type
		// receiver, ctx, in
		if ft.NumIn() != 3 || ft.In(1) != ctxType || ft.NumOut() != 2 || ft.Out(1) != errType {
			continue
		}
		m.methods[toolinfo.SnakeCase(method.Name)] = v.Method(i)
	}
	if len(m.methods) == 0 {
		return nil, fmt.Errorf("NewMethodInvoker: %s has no tool methods", t)
	}
	return m, nil
}

// Tools lists the tool names the invoker serves.
func (m *MethodInvoker) Tools() []string {
	names := make([]string, 0, len(m.methods))
	for name := range m.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *MethodInvoker) Invoke(ctx context.Context, tool string, args map[string]any, out any) error {
	fn, ok := m.methods[tool]
	if !ok {
		return fmt.Errorf("Invoke %s: %w", tool, ErrUnknownTool)
	}
	in := reflect.New(fn.Type().In(1))
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("Invoke %s: encode args: %w", tool, err)
	}
	if err := json.Unmarshal(raw, in.Interface()); err != nil {
		return fmt.Errorf("Invoke %s: decode args: %w", tool, err)
	}
	res := fn.Call([]reflect.Value{reflect.ValueOf(ctx), in.Elem()})
	if errv := res[1]; !errv.IsNil() {
		return fmt.Errorf("Invoke %s: %w", tool, errv.Interface().(error))
	}
	return decodeResult(res[0].Interface(), out)
}

// ToolCaller is a remote tool-calling protocol client.
type ToolCaller interface {
	CallTool(ctx context.Context, tool string, args map[string]any) (any, error)
}

// ProtocolInvoker dispatches every call through a ToolCaller.
type ProtocolInvoker struct {
	Caller ToolCaller
}

func (p ProtocolInvoker) Invoke(ctx context.Context, tool string, args map[string]any, out any) error {
	if p.Caller == nil {
		return ErrNoInvoker
	}
	res, err := p.Caller.CallTool(ctx, tool, args)
	if err != nil {
		return fmt.Errorf("Invoke %s: %w", tool, err)
	}
	return decodeResult(res, out)
}

type noInvoker struct{}

func (noInvoker) Invoke(context.Context, string, map[string]any, any) error { return ErrNoInvoker }

// NoInvoker fails every call with ErrNoInvoker.
var NoInvoker ToolInvoker = noInvoker{}

// decodeResult stores res into out, directly when the types line up and
// through a JSON round trip otherwise.
func decodeResult(res any, out any) error {
	if out == nil {
		return nil
	}
	ov := reflect.ValueOf(out)
	if ov.Kind() != reflect.Pointer || ov.IsNil() {
		return fmt.Errorf("decode result: out must be a non-nil pointer, got %T", out)
	}
	if res == nil {
		return nil
	}
	rv := reflect.ValueOf(res)
	if rv.Type().AssignableTo(ov.Elem().Type()) {
		ov.Elem().Set(rv)
		return nil
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}
