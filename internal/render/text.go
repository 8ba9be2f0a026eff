package render

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss/tree"

	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/crawler"
)

// Text renders the crawl tree as an indented tree listing. Each node lists
// its attributes, sorted by name, before its children
func Text(root *crawler.Node) string {
	lines := strings.Split(textTree(root).String(), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " ")
	}
	return strings.Join(lines, "\n")
}

func textTree(n *crawler.Node) *tree.Tree {
	t := tree.Root(label(n))

	names := make([]string, 0, len(n.Attributes))
	for name := range n.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		attr := n.Attributes[name]
		t.Child(fmt.Sprintf("%s: %v (%s)", name, attr.Value, attr.DataType))
	}

	if n.Error != "" {
		t.Child("error: " + n.Error)
	}
	for _, child := range n.Children {
		if len(child.Attributes) == 0 && child.Error == "" && len(child.Children) == 0 {
			t.Child(label(child))
			continue
		}
		t.Child(textTree(child))
	}
	return t
}

func label(n *crawler.Node) string {
	name := n.BrowseName
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Sprintf("%s [%s] %s", name, n.NodeClass, n.NodeID)
}
