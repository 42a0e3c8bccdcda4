package toolinfo

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// FuncSpec declares a plain Go function as a tool. Go does not keep parameter
// names at runtime, so they are listed explicitly in ParamNames.
type FuncSpec struct {
	Name        string
	Description string
	ParamNames  []string
	ReadOnly    bool
	Fn          any
}

// FromFuncs builds tools from plain functions. A leading context.Context
// parameter is not part of the tool's parameters.
func FromFuncs(specs ...FuncSpec) ([]ToolInfo, error) {
	tools := make([]ToolInfo, 0, len(specs))
	for _, s := range specs {
		ft := reflect.TypeOf(s.Fn)
		if ft == nil || ft.Kind() != reflect.Func {
			return nil, fmt.Errorf("FromFuncs: %q is not a function", s.Name)
		}
		first := 0
		if ft.NumIn() > 0 && ft.In(0) == contextType {
			first = 1
		}
		if ft.NumIn()-first != len(s.ParamNames) {
			return nil, fmt.Errorf("FromFuncs: %q takes %d parameters, %d names given", s.Name, ft.NumIn()-first, len(s.ParamNames))
		}
		t := ToolInfo{Name: s.Name, Description: s.Description, ReadOnly: s.ReadOnly}
		for i, name := range s.ParamNames {
			in := ft.In(first + i)
			schema := schemaOf(in, 0)
			typ, _ := schema["type"].(string)
			t.Parameters = append(t.Parameters, Param{
				Name:     name,
				Type:     typ,
				Required: in.Kind() != reflect.Ptr,
				Schema:   schema,
			})
		}
		t.Returns = returnSchema(ft)
		tools = append(tools, t)
	}
	return tools, nil
}

// MethodOptions tunes FromMethods.
type MethodOptions struct {
	Descriptions map[string]string // keyed by tool name
	ReadOnly     map[string]bool   // keyed by tool name; defaults to a get/list/find/search prefix
}

// FromMethods builds one tool per exported method of obj with the shape
// func(ctx context.Context, in T) (R, error) where T is a struct. The tool name
// is the snake_case method name; parameters are T's JSON fields.
func FromMethods(obj any, opts MethodOptions) ([]ToolInfo, error) {
	v := reflect.ValueOf(obj)
	if !v.IsValid() {
		return nil, fmt.Errorf("FromMethods: nil object")
	}
	vt := v.Type()
	var tools []ToolInfo
	for i := 0; i < vt.NumMethod(); i++ {
		m := vt.Method(i)
		ft := m.Type // includes receiver
		if ft.NumIn() != 3 || ft.In(1) != contextType || ft.NumOut() != 2 || ft.Out(1) != errorType {
			continue
		}
		in := ft.In(2)
		for in.Kind() == reflect.Ptr {
			in = in.Elem()
		}
		if in.Kind() != reflect.Struct {
			continue
		}
		name := SnakeCase(m.Name)
		t := ToolInfo{
			Name:        name,
			Description: opts.Descriptions[name],
			ReadOnly:    readOnlyDefault(name),
		}
		if ro, ok := opts.ReadOnly[name]; ok {
			t.ReadOnly = ro
		}
		for j := 0; j < in.NumField(); j++ {
			f := in.Field(j)
			if !f.IsExported() {
				continue
			}
			pname, omitempty := jsonName(f)
			if pname == "-" {
				continue
			}
			schema := schemaOf(f.Type, 0)
			if d := f.Tag.Get("description"); d != "" {
				schema["description"] = d
			}
			typ, _ := schema["type"].(string)
			t.Parameters = append(t.Parameters, Param{
				Name:        pname,
				Type:        typ,
				Description: f.Tag.Get("description"),
				Required:    !omitempty && f.Type.Kind() != reflect.Ptr,
				Schema:      schema,
			})
		}
		if s := schemaOf(ft.Out(0), 0); len(s) > 0 {
			t.Returns = s
		}
		tools = append(tools, t)
	}
	if len(tools) == 0 {
		return nil, fmt.Errorf("FromMethods: %s has no tool-shaped methods", vt)
	}
	return tools, nil
}

func readOnlyDefault(name string) bool {
	for _, p := range []string{"get_", "list_", "find_", "search_", "lookup_"} {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func jsonName(f reflect.StructField) (string, bool) {
	tag := f.Tag.Get("json")
	if tag == "" {
		return SnakeCase(f.Name), false
	}
	parts := strings.Split(tag, ",")
	name := parts[0]
	if name == "" {
		name = SnakeCase(f.Name)
	}
	omit := false
	for _, p := range parts[1:] {
		if p == "omitempty" || p == "omitzero" {
			omit = true
		}
	}
	return name, omit
}

func returnSchema(ft reflect.Type) map[string]any {
	for i := 0; i < ft.NumOut(); i++ {
		if ft.Out(i) == errorType {
			continue
		}
		if s := schemaOf(ft.Out(i), 0); len(s) > 0 {
			return s
		}
	}
	return nil
}

func schemaOf(t reflect.Type, depth int) map[string]any {
	if depth > 8 {
		return map[string]any{}
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return map[string]any{"type": "string"}
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	case reflect.Slice, reflect.Array:
		return map[string]any{"type": "array", "items": schemaOf(t.Elem(), depth+1)}
	case reflect.Map:
		return map[string]any{"type": "object"}
	case reflect.Struct:
		props := map[string]any{}
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name, _ := jsonName(f)
			if name == "-" {
				continue
			}
			props[name] = schemaOf(f.Type, depth+1)
		}
		return map[string]any{"type": "object", "properties": props}
	default:
		return map[string]any{}
	}
}
