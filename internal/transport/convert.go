package transport

import (
	"errors"
	"io"

	"github.com/gopcua/opcua/id"
	gua "github.com/gopcua/opcua/ua"

	crawlerrors "github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/errors"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/ua"
)

// Status codes that mean the server refused the user identity
var authStatuses = []gua.StatusCode{
	gua.StatusBadUserAccessDenied,
	gua.StatusBadIdentityTokenInvalid,
	gua.StatusBadIdentityTokenRejected,
	gua.StatusBadUserSignatureInvalid,
}

// Status codes that mean the secure channel is gone
var dropStatuses = []gua.StatusCode{
	gua.StatusBadSecureChannelClosed,
	gua.StatusBadConnectionClosed,
	gua.StatusBadServerNotConnected,
	gua.StatusBadCommunicationError,
}

func isBad(code gua.StatusCode) bool {
	return uint32(code)&0xC0000000 == 0x80000000
}

func matchesStatus(err error, codes []gua.StatusCode) bool {
	for _, code := range codes {
		if errors.Is(err, code) {
			return true
		}
	}
	return false
}

// sessionError tags identity rejections with ErrAuthentication
func sessionError(err error) error {
	if matchesStatus(err, authStatuses) {
		return crawlerrors.Wrap(crawlerrors.ErrAuthentication, "activate session", err)
	}
	return err
}

func isDrop(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || matchesStatus(err, dropStatuses)
}

func securityMode(m ua.SecurityMode) gua.MessageSecurityMode {
	switch m {
	case ua.SecurityModeSign:
		return gua.MessageSecurityModeSign
	case ua.SecurityModeSignAndEncrypt:
		return gua.MessageSecurityModeSignAndEncrypt
	default:
		return gua.MessageSecurityModeNone
	}
}

// selectEndpoint returns the endpoint offering policy and mode, or nil
func selectEndpoint(endpoints []*gua.EndpointDescription, policy ua.SecurityPolicy, mode ua.SecurityMode) *gua.EndpointDescription {
	want := securityMode(mode)
	for _, ep := range endpoints {
		if ep == nil {
			continue
		}
		if ep.SecurityPolicyURI == policy.URI() && ep.SecurityMode == want {
			return ep
		}
	}
	return nil
}

// serverCertificate prefers the selected endpoint's certificate and falls
// back to the first endpoint that carries one
func serverCertificate(endpoints []*gua.EndpointDescription, selected *gua.EndpointDescription) []byte {
	if selected != nil && len(selected.ServerCertificate) > 0 {
		return selected.ServerCertificate
	}
	for _, ep := range endpoints {
		if ep != nil && len(ep.ServerCertificate) > 0 {
			return ep.ServerCertificate
		}
	}
	return nil
}

// tokenPolicyID returns the id of the first user token policy of the given
// type, or "" when the endpoint is unknown or offers none
func tokenPolicyID(ep *gua.EndpointDescription, tokenType gua.UserTokenType) string {
	if ep == nil {
		return ""
	}
	for _, t := range ep.UserIdentityTokens {
		if t != nil && t.TokenType == tokenType {
			return t.PolicyID
		}
	}
	return ""
}

func nodeID(n *gua.NodeID) ua.NodeID {
	if n == nil {
		return ""
	}
	return ua.NodeID(n.String())
}

func expandedNodeID(n *gua.ExpandedNodeID) ua.NodeID {
	if n == nil {
		return ""
	}
	return nodeID(n.NodeID)
}

// variant flattens a wire variant. Node ids become ua.NodeID, qualified
// names and localized texts become their text
func variant(v *gua.Variant) ua.Variant {
	if v == nil || v.Value() == nil {
		return ua.Variant{}
	}

	switch x := v.Value().(type) {
	case *gua.NodeID:
		return ua.Variant{Type: ua.TypeNodeID, Value: nodeID(x)}
	case *gua.ExpandedNodeID:
		return ua.Variant{Type: ua.TypeExpandedNodeID, Value: expandedNodeID(x)}
	case *gua.QualifiedName:
		return ua.Variant{Type: ua.TypeQualifiedName, Value: x.Name}
	case *gua.LocalizedText:
		return ua.Variant{Type: ua.TypeLocalizedText, Value: x.Text}
	default:
		return ua.Variant{Type: ua.DataType(v.Type()), Value: x}
	}
}

func dataValue(dv *gua.DataValue) ua.DataValue {
	if dv == nil {
		return ua.DataValue{}
	}
	if isBad(dv.Status) {
		return ua.DataValue{Err: dv.Status}
	}
	return ua.DataValue{Value: variant(dv.Value)}
}

func references(refs []*gua.ReferenceDescription) []ua.Reference {
	out := make([]ua.Reference, 0, len(refs))
	for _, r := range refs {
		if r == nil || !r.IsForward {
			continue
		}
		ref := ua.Reference{
			NodeID:        expandedNodeID(r.NodeID),
			NodeClass:     ua.NodeClass(r.NodeClass),
			ReferenceType: nodeID(r.ReferenceTypeID),
		}
		if r.BrowseName != nil {
			ref.BrowseName = r.BrowseName.Name
		}
		if r.DisplayName != nil {
			ref.DisplayName = r.DisplayName.Text
		}
		out = append(out, ref)
	}
	return out
}

func browseDescription(n *gua.NodeID) *gua.BrowseDescription {
	return &gua.BrowseDescription{
		NodeID:          n,
		BrowseDirection: gua.BrowseDirectionForward,
		ReferenceTypeID: gua.NewNumericNodeID(0, id.HierarchicalReferences),
		IncludeSubtypes: true,
		ResultMask:      uint32(gua.BrowseResultMaskAll),
	}
}

// eventFilter selects fields of BaseEventType by browse name
func eventFilter(fields []string) *gua.EventFilter {
	clauses := make([]*gua.SimpleAttributeOperand, 0, len(fields))
	for _, field := range fields {
		clauses = append(clauses, &gua.SimpleAttributeOperand{
			TypeDefinitionID: gua.NewNumericNodeID(0, id.BaseEventType),
			BrowsePath:       []*gua.QualifiedName{{NamespaceIndex: 0, Name: field}},
			AttributeID:      gua.AttributeIDValue,
		})
	}
	return &gua.EventFilter{
		SelectClauses: clauses,
		WhereClause:   &gua.ContentFilter{},
	}
}

func eventFields(fields []*gua.Variant) ua.EventFields {
	out := make(ua.EventFields, len(fields))
	for i, f := range fields {
		out[i] = variant(f)
	}
	return out
}
