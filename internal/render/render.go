// Package render writes a crawl tree to disk in one of the supported
// snapshot formats.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/crawler"
)

// Format names a snapshot encoding
type Format string

const (
	FormatTXT     Format = "txt"
	FormatJSON    Format = "json"
	FormatYAML    Format = "yaml"
	FormatParquet Format = "parquet"
)

// Formats lists the supported encodings
var Formats = []Format{FormatTXT, FormatJSON, FormatYAML, FormatParquet}

// ParseFormat accepts a format name case-insensitively. "yml" is an alias
// for yaml
func ParseFormat(s string) (Format, error) {
	name := strings.ToLower(s)
	if name == "yml" {
		name = string(FormatYAML)
	}
	for _, f := range Formats {
		if string(f) == name {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown output format %q", s)
}

// DefaultPath is the output file used when none is configured
func (f Format) DefaultPath() string {
	return "log." + string(f)
}

// Write encodes tree to w
func Write(w io.Writer, format Format, tree *crawler.Node) error {
	if tree == nil {
		return fmt.Errorf("render %s: empty tree", format)
	}

	switch format {
	case FormatTXT:
		_, err := io.WriteString(w, Text(tree)+"\n")
		return err
	case FormatJSON:
		return json.NewEncoder(w).Encode(tree)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(tree); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	case FormatParquet:
		return writeParquet(w, tree)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

// WriteFile replaces path with the encoded tree
func WriteFile(path string, format Format, tree *crawler.Node) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}

	if err := Write(f, format, tree); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
