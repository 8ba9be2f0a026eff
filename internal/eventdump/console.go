package eventdump

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/ua"
)

const separator = "-----------------------"

// ConsoleRenderer prints one block per event: a separator, then one line
// per non-null field. NodeId values are resolved to browse names first, so
// each block is written with a single Write
type ConsoleRenderer struct {
	w     io.Writer
	label lipgloss.Style
	kind  lipgloss.Style
	name  lipgloss.Style
}

// NewConsoleRenderer creates a renderer writing to w. Colors follow the
// capabilities of w
func NewConsoleRenderer(w io.Writer) *ConsoleRenderer {
	r := lipgloss.NewRenderer(w)
	return &ConsoleRenderer{
		w:     w,
		label: r.NewStyle().Foreground(lipgloss.Color("3")),
		kind:  r.NewStyle().Foreground(lipgloss.Color("6")),
		name:  r.NewStyle().Foreground(lipgloss.Color("6")).Bold(true),
	}
}

// Render implements Renderer
func (c *ConsoleRenderer) Render(ctx context.Context, task DumpTask) error {
	var b strings.Builder
	b.WriteString(separator)
	b.WriteByte('\n')

	for i, v := range task.Values {
		if v.IsNull() {
			continue
		}
		field := ""
		if i < len(task.FieldNames) {
			field = task.FieldNames[i]
		}

		if v.Type == ua.TypeNodeID {
			id := ua.NodeID(fmt.Sprint(v.Value))
			name := c.resolve(ctx, task.Resolver, id)
			fmt.Fprintf(&b, "%s %s %s ( %s )\n",
				c.label.Render(pad(name, 20)+" "+pad(field, 15)),
				c.kind.Render(pad(v.Type.String(), 10)),
				c.name.Render(name),
				pad(string(id), 20))
			continue
		}

		fmt.Fprintf(&b, "%s %s %v\n",
			c.label.Render(pad("", 20)+" "+pad(field, 15)),
			c.kind.Render(pad(v.Type.String(), 10)),
			v.Value)
	}

	_, err := io.WriteString(c.w, b.String())
	return err
}

func (c *ConsoleRenderer) resolve(ctx context.Context, r Resolver, id ua.NodeID) string {
	if r == nil {
		return string(id)
	}
	name, err := r.BrowseName(ctx, id)
	if err != nil || name == "" {
		return string(id)
	}
	return name
}

// pad truncates or right-pads s to exactly n runes
func pad(s string, n int) string {
	r := []rune(s)
	if len(r) >= n {
		return string(r[:n])
	}
	return s + strings.Repeat(" ", n-len(r))
}
