package toolinfo

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog document formats.
const (
	FormatOpenAPI = "openapi"
	FormatMCP     = "mcp"
	// FormatYAML is a plain list of ToolInfo, {"tools": [...]} or bare.
	FormatYAML = "yaml"
)

// FromYAML reads a list of ToolInfo written out by hand.
func FromYAML(doc []byte) ([]ToolInfo, error) {
	var wrapped struct {
		Tools []ToolInfo `yaml:"tools"`
	}
	if err := yaml.Unmarshal(doc, &wrapped); err == nil && len(wrapped.Tools) > 0 {
		return wrapped.Tools, nil
	}
	var tools []ToolInfo
	if err := yaml.Unmarshal(doc, &tools); err != nil {
		return nil, fmt.Errorf("FromYAML: %w", err)
	}
	return tools, nil
}

// DetectFormat guesses the catalog format of doc.
func DetectFormat(doc []byte) string {
	head := doc
	if len(head) > 4096 {
		head = head[:4096]
	}
	switch {
	case bytes.Contains(head, []byte("openapi")) || bytes.Contains(head, []byte("swagger")):
		return FormatOpenAPI
	case bytes.Contains(head, []byte("inputSchema")):
		return FormatMCP
	default:
		return FormatYAML
	}
}

// LoadCatalog reads a catalog file. An empty format is detected from the
// content.
func LoadCatalog(path, format string) (Catalog, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadCatalog: %w", err)
	}
	if format == "" {
		format = DetectFormat(doc)
	}
	var tools []ToolInfo
	switch strings.ToLower(format) {
	case FormatOpenAPI:
		tools, err = FromOpenAPI(doc)
	case FormatMCP:
		tools, err = FromMCP(doc)
	case FormatYAML:
		tools, err = FromYAML(doc)
	default:
		return nil, fmt.Errorf("LoadCatalog %s: unknown format %q", filepath.Base(path), format)
	}
	if err != nil {
		return nil, fmt.Errorf("LoadCatalog %s: %w", filepath.Base(path), err)
	}
	return NewCatalog(tools)
}
