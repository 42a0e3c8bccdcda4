package toolinfo

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// FromMCP normalizes an MCP tools/list payload, either {"tools": [...]} or a
// bare array, into tools. A tool is read-only when its annotations carry
// readOnlyHint: true.
func FromMCP(doc []byte) ([]ToolInfo, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return nil, fmt.Errorf("FromMCP: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, fmt.Errorf("FromMCP: empty document")
	}
	list := root.Content[0]
	if list.Kind == yaml.MappingNode {
		list = mapGet(list, "tools")
	}
	if list == nil || list.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("FromMCP: expected a tool list")
	}

	o := &oasDoc{root: root.Content[0]}
	tools := make([]ToolInfo, 0, len(list.Content))
	for _, n := range list.Content {
		t := ToolInfo{
			Name:        scalar(mapGet(n, "name")),
			Description: scalar(mapGet(n, "description")),
			ReadOnly:    scalar(mapGet(mapGet(n, "annotations"), "readOnlyHint")) == "true",
		}
		schema := mapGet(n, "inputSchema")
		required := map[string]bool{}
		if req := mapGet(schema, "required"); req != nil {
			for _, r := range req.Content {
				required[r.Value] = true
			}
		}
		props := mapGet(schema, "properties")
		for _, pname := range mapKeys(props) {
			ps := mapGet(props, pname)
			p, err := o.param(pname, ps, required[pname], scalar(mapGet(ps, "description")))
			if err != nil {
				return nil, fmt.Errorf("FromMCP: tool %q: %w", t.Name, err)
			}
			t.Parameters = append(t.Parameters, p)
		}
		if out := mapGet(n, "outputSchema"); out != nil {
			var v map[string]any
			if err := out.Decode(&v); err == nil {
				t.Returns = v
			}
		}
		tools = append(tools, t)
	}
	return tools, nil
}
