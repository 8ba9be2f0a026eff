package eventdump

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/ua"
)

type mapResolver map[ua.NodeID]string

func (m mapResolver) BrowseName(ctx context.Context, id ua.NodeID) (string, error) {
	return m[id], nil
}

func TestConsoleRenderer_Render(t *testing.T) {
	var buf bytes.Buffer
	r := NewConsoleRenderer(&buf)

	task := DumpTask{
		Resolver:   mapResolver{"i=2041": "BaseEventType"},
		FieldNames: []string{"EventType", "SourceNode", "Message", "Severity", "Time"},
		Values: ua.EventFields{
			{Type: ua.TypeNodeID, Value: ua.NodeID("i=2041")},
			{Type: ua.TypeNodeID, Value: ua.NodeID("ns=2;s=Unknown")},
			{Type: ua.TypeLocalizedText, Value: "Tank level high"},
			{Type: ua.TypeUInt16, Value: uint16(500)},
			{},
		},
	}
	require.NoError(t, r.Render(context.Background(), task))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, separator, lines[0])

	assert.True(t, strings.HasPrefix(lines[1], pad("BaseEventType", 20)+" EventType"))
	assert.Contains(t, lines[1], "NodeId")
	assert.Contains(t, lines[1], "( i=2041")

	// unresolvable ids fall back to the id itself
	assert.True(t, strings.HasPrefix(lines[2], "ns=2;s=Unknown"))

	assert.True(t, strings.HasPrefix(lines[3], strings.Repeat(" ", 21)+"Message"))
	// the type column is cut to 10 runes
	assert.Contains(t, lines[3], pad("LocalizedText", 10)+" Tank level high")
	assert.True(t, strings.HasSuffix(lines[3], "Tank level high"))

	assert.Contains(t, lines[4], "Severity")
	assert.True(t, strings.HasSuffix(lines[4], "500"))
}

func TestConsoleRenderer_NilResolver(t *testing.T) {
	var buf bytes.Buffer
	task := DumpTask{
		FieldNames: []string{"SourceNode"},
		Values:     ua.EventFields{{Type: ua.TypeNodeID, Value: ua.NodeID("ns=3;i=7")}},
	}
	require.NoError(t, NewConsoleRenderer(&buf).Render(context.Background(), task))
	assert.Contains(t, buf.String(), "ns=3;i=7")
}

func TestPad(t *testing.T) {
	assert.Equal(t, "ab   ", pad("ab", 5))
	assert.Equal(t, "abcde", pad("abcdefgh", 5))
	assert.Equal(t, "äö ", pad("äö", 3))
	assert.Equal(t, "", pad("x", 0))
}
