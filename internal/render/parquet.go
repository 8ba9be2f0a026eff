package render

import (
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"

	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/crawler"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/ua"
)

// NodeRow is one crawl tree node flattened for columnar export
type NodeRow struct {
	NodeID      string `parquet:"node_id,zstd"`
	ParentID    string `parquet:"parent_id,optional,zstd"`
	Depth       int32  `parquet:"depth"`
	BrowseName  string `parquet:"browse_name,zstd"`
	DisplayName string `parquet:"display_name,optional,zstd"`
	NodeClass   string `parquet:"node_class,zstd"`
	DataType    string `parquet:"data_type,optional"`
	Value       string `parquet:"value,optional,zstd"`
	Error       string `parquet:"error,optional,zstd"`
}

// Rows flattens tree in depth-first order, parents before children
func Rows(root *crawler.Node) []NodeRow {
	var rows []NodeRow
	var visit func(n *crawler.Node, parent ua.NodeID, depth int)
	visit = func(n *crawler.Node, parent ua.NodeID, depth int) {
		row := NodeRow{
			NodeID:      string(n.NodeID),
			ParentID:    string(parent),
			Depth:       int32(depth),
			BrowseName:  n.BrowseName,
			DisplayName: n.DisplayName,
			NodeClass:   n.NodeClass.String(),
			Error:       n.Error,
		}
		if v, ok := n.Attributes[ua.AttributeValue.String()]; ok {
			row.DataType = v.DataType.String()
			row.Value = fmt.Sprint(v.Value)
		}
		rows = append(rows, row)

		for _, child := range n.Children {
			visit(child, n.NodeID, depth+1)
		}
	}
	visit(root, "", 0)
	return rows
}

func writeParquet(w io.Writer, tree *crawler.Node) error {
	writer := parquet.NewGenericWriter[NodeRow](w, parquet.Compression(&parquet.Zstd))

	if _, err := writer.Write(Rows(tree)); err != nil {
		writer.Close()
		return fmt.Errorf("write rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}
