// Package ua holds the protocol-neutral view of an OPC UA server that the
// crawler works against: endpoints, node identifiers, attribute values and
// the Transport interfaces implemented by the wire-level client.
package ua

import (
	"fmt"
	"regexp"
	"strconv"
)

// NodeID is the string form of an OPC UA node identifier, e.g. "i=85" or
// "ns=2;s=Line1.Temperature"
type NodeID string

// Well-known nodes in namespace 0
const (
	ObjectsFolder         NodeID = "i=85"
	ServerObject          NodeID = "i=2253"
	ServerNamespaceArray  NodeID = "i=2255"
	HierarchicalReference NodeID = "i=33"
)

var nsPattern = regexp.MustCompile(`^ns=(\d+);`)

// Namespace returns the namespace index encoded in the id (0 when absent)
func (id NodeID) Namespace() uint16 {
	m := nsPattern.FindStringSubmatch(string(id))
	if m == nil {
		return 0
	}
	n, err := strconv.ParseUint(m[1], 10, 16)
	if err != nil {
		return 0
	}
	return uint16(n)
}

func (id NodeID) String() string { return string(id) }

// NodeClass mirrors the OPC UA NodeClass enumeration
type NodeClass uint32

const (
	NodeClassUnspecified   NodeClass = 0
	NodeClassObject        NodeClass = 1
	NodeClassVariable      NodeClass = 2
	NodeClassMethod        NodeClass = 4
	NodeClassObjectType    NodeClass = 8
	NodeClassVariableType  NodeClass = 16
	NodeClassReferenceType NodeClass = 32
	NodeClassDataType      NodeClass = 64
	NodeClassView          NodeClass = 128
)

func (c NodeClass) String() string {
	switch c {
	case NodeClassObject:
		return "Object"
	case NodeClassVariable:
		return "Variable"
	case NodeClassMethod:
		return "Method"
	case NodeClassObjectType:
		return "ObjectType"
	case NodeClassVariableType:
		return "VariableType"
	case NodeClassReferenceType:
		return "ReferenceType"
	case NodeClassDataType:
		return "DataType"
	case NodeClassView:
		return "View"
	case NodeClassUnspecified:
		return "Unspecified"
	default:
		return fmt.Sprintf("NodeClass(%d)", uint32(c))
	}
}

// MarshalText renders the class name in JSON and YAML snapshots
func (c NodeClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// AttributeID mirrors the OPC UA attribute identifiers
type AttributeID uint32

const (
	AttributeNodeID        AttributeID = 1
	AttributeNodeClass     AttributeID = 2
	AttributeBrowseName    AttributeID = 3
	AttributeDisplayName   AttributeID = 4
	AttributeDescription   AttributeID = 5
	AttributeEventNotifier AttributeID = 12
	AttributeValue         AttributeID = 13
	AttributeDataType      AttributeID = 14
)

func (a AttributeID) String() string {
	switch a {
	case AttributeNodeID:
		return "nodeId"
	case AttributeNodeClass:
		return "nodeClass"
	case AttributeBrowseName:
		return "browseName"
	case AttributeDisplayName:
		return "displayName"
	case AttributeDescription:
		return "description"
	case AttributeEventNotifier:
		return "eventNotifier"
	case AttributeValue:
		return "value"
	case AttributeDataType:
		return "dataType"
	default:
		return fmt.Sprintf("attribute(%d)", uint32(a))
	}
}

// DataType is the OPC UA built-in type id of a variant
type DataType uint8

const (
	TypeNull            DataType = 0
	TypeBoolean         DataType = 1
	TypeSByte           DataType = 2
	TypeByte            DataType = 3
	TypeInt16           DataType = 4
	TypeUInt16          DataType = 5
	TypeInt32           DataType = 6
	TypeUInt32          DataType = 7
	TypeInt64           DataType = 8
	TypeUInt64          DataType = 9
	TypeFloat           DataType = 10
	TypeDouble          DataType = 11
	TypeString          DataType = 12
	TypeDateTime        DataType = 13
	TypeGUID            DataType = 14
	TypeByteString      DataType = 15
	TypeXMLElement      DataType = 16
	TypeNodeID          DataType = 17
	TypeExpandedNodeID  DataType = 18
	TypeStatusCode      DataType = 19
	TypeQualifiedName   DataType = 20
	TypeLocalizedText   DataType = 21
	TypeExtensionObject DataType = 22
	TypeDataValue       DataType = 23
	TypeVariant         DataType = 24
	TypeDiagnosticInfo  DataType = 25
)

var dataTypeNames = [...]string{
	"Null", "Boolean", "SByte", "Byte", "Int16", "UInt16", "Int32", "UInt32",
	"Int64", "UInt64", "Float", "Double", "String", "DateTime", "Guid",
	"ByteString", "XmlElement", "NodeId", "ExpandedNodeId", "StatusCode",
	"QualifiedName", "LocalizedText", "ExtensionObject", "DataValue",
	"Variant", "DiagnosticInfo",
}

func (t DataType) String() string {
	if int(t) < len(dataTypeNames) {
		return dataTypeNames[t]
	}
	return fmt.Sprintf("DataType(%d)", uint8(t))
}

// MarshalText renders the type name in JSON and YAML snapshots
func (t DataType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Variant is a typed value. NodeId values carry a NodeID, qualified names
// and localized texts are flattened to their text
type Variant struct {
	Type  DataType
	Value any
}

// IsNull reports whether the variant carries no value
func (v Variant) IsNull() bool {
	return v.Type == TypeNull || v.Value == nil
}

// DataValue is one attribute read result. Err is set when the server
// returned a bad status for the attribute
type DataValue struct {
	Value Variant
	Err   error
}

// ReadValueID addresses one attribute of one node
type ReadValueID struct {
	NodeID      NodeID
	AttributeID AttributeID
}

// Reference is one forward hierarchical reference returned by Browse
type Reference struct {
	NodeID        NodeID
	BrowseName    string
	DisplayName   string
	NodeClass     NodeClass
	ReferenceType NodeID
}

// EventFields is one event notification: values in select-clause order
type EventFields []Variant
