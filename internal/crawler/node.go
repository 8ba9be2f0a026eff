package crawler

import (
	"encoding/json"
	"math"
	"time"

	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/ua"
)

// Node is one entry of the crawl tree. A node that could not be read or
// browsed carries an Error marker and no children
type Node struct {
	NodeID      ua.NodeID            `json:"nodeId" yaml:"nodeId"`
	BrowseName  string               `json:"browseName" yaml:"browseName"`
	DisplayName string               `json:"displayName,omitempty" yaml:"displayName,omitempty"`
	NodeClass   ua.NodeClass         `json:"nodeClass" yaml:"nodeClass"`
	Attributes  map[string]Attribute `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Error       string               `json:"error,omitempty" yaml:"error,omitempty"`
	Children    []*Node              `json:"children,omitempty" yaml:"children,omitempty"`
}

// Attribute is one attribute value read from the server
type Attribute struct {
	DataType ua.DataType `json:"dataType" yaml:"dataType"`
	Value    any         `json:"value" yaml:"value"`
}

// MarshalJSON writes NaN and infinite floats as null
func (a Attribute) MarshalJSON() ([]byte, error) {
	type plain Attribute
	return json.Marshal(plain{DataType: a.DataType, Value: finite(a.Value)})
}

func finite(v any) any {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
	case float32:
		if f := float64(x); math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
	case []float64:
		out := make([]any, len(x))
		for i, f := range x {
			out[i] = finite(f)
		}
		return out
	case []float32:
		out := make([]any, len(x))
		for i, f := range x {
			out[i] = finite(f)
		}
		return out
	}
	return v
}

// Walk calls fn for n and every descendant, parents before children
func (n *Node) Walk(fn func(node *Node, depth int)) {
	n.walk(fn, 0)
}

func (n *Node) walk(fn func(*Node, int), depth int) {
	fn(n, depth)
	for _, child := range n.Children {
		child.walk(fn, depth+1)
	}
}

// Stats counts the remote calls of one crawl
type Stats struct {
	ReadCount        int64         `json:"readCount" yaml:"readCount"`
	BrowseCount      int64         `json:"browseCount" yaml:"browseCount"`
	TransactionCount int64         `json:"transactionCount" yaml:"transactionCount"`
	NodeCount        int           `json:"nodeCount" yaml:"nodeCount"`
	ErrorCount       int           `json:"errorCount" yaml:"errorCount"`
	Elapsed          time.Duration `json:"elapsed" yaml:"elapsed"`
}
