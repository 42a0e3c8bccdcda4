package toolinfo

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

var httpMethods = []string{"get", "post", "put", "patch", "delete"}

// FromOpenAPI normalizes an OpenAPI 3 document (YAML or JSON) into tools.
// Each operation becomes one tool named by its operationId; GET operations
// are read-only. Property order of request bodies is preserved.
func FromOpenAPI(doc []byte) ([]ToolInfo, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return nil, fmt.Errorf("FromOpenAPI: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, fmt.Errorf("FromOpenAPI: empty document")
	}
	o := &oasDoc{root: root.Content[0]}

	paths := o.resolve(mapGet(o.root, "paths"))
	if paths == nil {
		return nil, fmt.Errorf("FromOpenAPI: no paths")
	}

	var tools []ToolInfo
	for _, path := range mapKeys(paths) {
		item := o.resolve(mapGet(paths, path))
		shared := o.parameters(mapGet(item, "parameters"))
		for _, method := range httpMethods {
			op := o.resolve(mapGet(item, method))
			if op == nil {
				continue
			}
			t, err := o.operation(method, path, op, shared)
			if err != nil {
				return nil, fmt.Errorf("FromOpenAPI: %s %s: %w", method, path, err)
			}
			tools = append(tools, t)
		}
	}
	return tools, nil
}

type oasDoc struct {
	root *yaml.Node
}

func (o *oasDoc) operation(method, path string, op *yaml.Node, shared []Param) (ToolInfo, error) {
	name := scalar(mapGet(op, "operationId"))
	if name == "" {
		name = SnakeCase(method + " " + path)
	}
	var desc []string
	if s := scalar(mapGet(op, "summary")); s != "" {
		desc = append(desc, s)
	}
	if s := scalar(mapGet(op, "description")); s != "" {
		desc = append(desc, s)
	}

	params := append([]Param(nil), shared...)
	params = append(params, o.parameters(mapGet(op, "parameters"))...)

	if body := o.resolve(mapGet(op, "requestBody")); body != nil {
		schema := o.resolve(mapGet(mapGet(mapGet(body, "content"), "application/json"), "schema"))
		if schema != nil {
			required := map[string]bool{}
			if req := mapGet(schema, "required"); req != nil {
				for _, n := range req.Content {
					required[n.Value] = true
				}
			}
			props := mapGet(schema, "properties")
			for _, pname := range mapKeys(props) {
				ps := o.resolve(mapGet(props, pname))
				p, err := o.param(pname, ps, required[pname], scalar(mapGet(ps, "description")))
				if err != nil {
					return ToolInfo{}, err
				}
				params = append(params, p)
			}
		}
	}

	t := ToolInfo{
		Name:        name,
		Description: strings.Join(desc, "\n"),
		Parameters:  params,
		ReadOnly:    method == "get",
	}
	if resp := o.resolve(mapGet(mapGet(op, "responses"), "200")); resp != nil {
		if rs := o.resolve(mapGet(mapGet(mapGet(resp, "content"), "application/json"), "schema")); rs != nil {
			var v map[string]any
			if err := o.inline(rs).Decode(&v); err == nil {
				t.Returns = v
			}
		}
	}
	return t, nil
}

func (o *oasDoc) parameters(list *yaml.Node) []Param {
	if list == nil {
		return nil
	}
	var out []Param
	for _, n := range list.Content {
		n = o.resolve(n)
		name := scalar(mapGet(n, "name"))
		if name == "" {
			continue
		}
		p, err := o.param(name, o.resolve(mapGet(n, "schema")), scalar(mapGet(n, "required")) == "true", scalar(mapGet(n, "description")))
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (o *oasDoc) param(name string, schema *yaml.Node, required bool, desc string) (Param, error) {
	p := Param{Name: name, Required: required, Description: desc}
	if schema == nil {
		return p, nil
	}
	var s map[string]any
	if err := o.inline(schema).Decode(&s); err != nil {
		return p, err
	}
	p.Schema = s
	p.Type, _ = s["type"].(string)
	return p, nil
}

// resolve follows a local "$ref" chain.
func (o *oasDoc) resolve(n *yaml.Node) *yaml.Node {
	for i := 0; n != nil && i < 16; i++ {
		ref := scalar(mapGet(n, "$ref"))
		if ref == "" {
			return n
		}
		n = o.lookup(ref)
	}
	return n
}

func (o *oasDoc) lookup(ref string) *yaml.Node {
	if !strings.HasPrefix(ref, "#/") {
		return nil
	}
	cur := o.root
	for _, part := range strings.Split(strings.TrimPrefix(ref, "#/"), "/") {
		part = strings.ReplaceAll(strings.ReplaceAll(part, "~1", "/"), "~0", "~")
		cur = mapGet(cur, part)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// inline returns a copy of n with every local $ref replaced by its target.
func (o *oasDoc) inline(n *yaml.Node) *yaml.Node {
	return o.inlineDepth(n, 0)
}

func (o *oasDoc) inlineDepth(n *yaml.Node, depth int) *yaml.Node {
	if n == nil || depth > 32 {
		return n
	}
	n = o.resolve(n)
	if n == nil {
		return nil
	}
	cp := *n
	cp.Content = make([]*yaml.Node, len(n.Content))
	for i, c := range n.Content {
		cp.Content[i] = o.inlineDepth(c, depth+1)
	}
	return &cp
}

func mapGet(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

func mapKeys(n *yaml.Node) []string {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	keys := make([]string, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		keys = append(keys, n.Content[i].Value)
	}
	return keys
}

func scalar(n *yaml.Node) string {
	if n == nil || n.Kind != yaml.ScalarNode {
		return ""
	}
	return n.Value
}
