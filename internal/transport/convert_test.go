package transport

import (
	"crypto/x509"
	"fmt"
	"io"
	"testing"
	"time"

	gua "github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	crawlerrors "github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/errors"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/ua"
)

func TestVariant(t *testing.T) {
	tests := []struct {
		name string
		in   *gua.Variant
		want ua.Variant
	}{
		{name: "nil", in: nil, want: ua.Variant{}},
		{name: "double", in: gua.MustVariant(12.5), want: ua.Variant{Type: ua.TypeDouble, Value: 12.5}},
		{name: "int32", in: gua.MustVariant(int32(2)), want: ua.Variant{Type: ua.TypeInt32, Value: int32(2)}},
		{name: "string", in: gua.MustVariant("urn:server"), want: ua.Variant{Type: ua.TypeString, Value: "urn:server"}},
		{
			name: "node id",
			in:   gua.MustVariant(gua.NewNumericNodeID(0, 2041)),
			want: ua.Variant{Type: ua.TypeNodeID, Value: ua.NodeID("i=2041")},
		},
		{
			name: "qualified name",
			in:   gua.MustVariant(&gua.QualifiedName{NamespaceIndex: 2, Name: "Pump"}),
			want: ua.Variant{Type: ua.TypeQualifiedName, Value: "Pump"},
		},
		{
			name: "localized text",
			in:   gua.MustVariant(&gua.LocalizedText{Text: "Main pump"}),
			want: ua.Variant{Type: ua.TypeLocalizedText, Value: "Main pump"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, variant(tt.in))
		})
	}
}

func TestDataValue(t *testing.T) {
	bad := dataValue(&gua.DataValue{Status: gua.StatusBadAttributeIDInvalid})
	assert.ErrorIs(t, bad.Err, gua.StatusBadAttributeIDInvalid)

	good := dataValue(&gua.DataValue{Status: gua.StatusOK, Value: gua.MustVariant(true)})
	require.NoError(t, good.Err)
	assert.Equal(t, ua.Variant{Type: ua.TypeBoolean, Value: true}, good.Value)

	assert.Equal(t, ua.DataValue{}, dataValue(nil))
}

func TestReferences(t *testing.T) {
	refs := references([]*gua.ReferenceDescription{
		{
			ReferenceTypeID: gua.NewNumericNodeID(0, 35),
			IsForward:       true,
			NodeID:          gua.NewExpandedNodeID(gua.NewStringNodeID(2, "Line1"), "", 0),
			BrowseName:      &gua.QualifiedName{NamespaceIndex: 2, Name: "Line1"},
			DisplayName:     &gua.LocalizedText{Text: "Line 1"},
			NodeClass:       gua.NodeClassObject,
		},
		{IsForward: false, NodeID: gua.NewExpandedNodeID(gua.NewNumericNodeID(0, 84), "", 0)},
		nil,
	})

	require.Len(t, refs, 1)
	assert.Equal(t, ua.Reference{
		NodeID:        "ns=2;s=Line1",
		BrowseName:    "Line1",
		DisplayName:   "Line 1",
		NodeClass:     ua.NodeClassObject,
		ReferenceType: "i=35",
	}, refs[0])
}

func TestSelectEndpoint(t *testing.T) {
	none := &gua.EndpointDescription{
		SecurityPolicyURI: ua.SecurityPolicyNone.URI(),
		SecurityMode:      gua.MessageSecurityModeNone,
	}
	signed := &gua.EndpointDescription{
		SecurityPolicyURI: ua.SecurityPolicyBasic256.URI(),
		SecurityMode:      gua.MessageSecurityModeSign,
		ServerCertificate: []byte{0xde, 0xad},
		UserIdentityTokens: []*gua.UserTokenPolicy{
			{PolicyID: "anon", TokenType: gua.UserTokenTypeAnonymous},
			{PolicyID: "user", TokenType: gua.UserTokenTypeUserName},
		},
	}
	endpoints := []*gua.EndpointDescription{nil, none, signed}

	assert.Same(t, signed, selectEndpoint(endpoints, ua.SecurityPolicyBasic256, ua.SecurityModeSign))
	assert.Same(t, none, selectEndpoint(endpoints, ua.SecurityPolicyNone, ua.SecurityModeNone))
	assert.Nil(t, selectEndpoint(endpoints, ua.SecurityPolicyBasic256, ua.SecurityModeSignAndEncrypt))

	// the probe endpoint carries no certificate of its own
	assert.Equal(t, []byte{0xde, 0xad}, serverCertificate(endpoints, none))
	assert.Nil(t, serverCertificate([]*gua.EndpointDescription{none}, none))

	assert.Equal(t, "user", tokenPolicyID(signed, gua.UserTokenTypeUserName))
	assert.Equal(t, "anon", tokenPolicyID(signed, gua.UserTokenTypeAnonymous))
	assert.Empty(t, tokenPolicyID(none, gua.UserTokenTypeAnonymous))
	assert.Empty(t, tokenPolicyID(nil, gua.UserTokenTypeAnonymous))
}

func TestErrorClassification(t *testing.T) {
	denied := fmt.Errorf("activate: %w", gua.StatusBadUserAccessDenied)
	err := sessionError(denied)
	assert.ErrorIs(t, err, crawlerrors.ErrAuthentication)
	assert.ErrorIs(t, err, gua.StatusBadUserAccessDenied)

	timeout := sessionError(gua.StatusBadTimeout)
	assert.NotErrorIs(t, timeout, crawlerrors.ErrAuthentication)

	assert.True(t, isDrop(io.EOF))
	assert.True(t, isDrop(fmt.Errorf("read: %w", gua.StatusBadSecureChannelClosed)))
	assert.False(t, isDrop(gua.StatusBadNodeIDUnknown))

	assert.True(t, isBad(gua.StatusBadNodeIDUnknown))
	assert.False(t, isBad(gua.StatusOK))
}

func TestEventFilter(t *testing.T) {
	filter := eventFilter([]string{"EventId", "SourceNode"})
	require.Len(t, filter.SelectClauses, 2)
	assert.Equal(t, "SourceNode", filter.SelectClauses[1].BrowsePath[0].Name)
	assert.Equal(t, gua.AttributeIDValue, filter.SelectClauses[1].AttributeID)

	fields := eventFields([]*gua.Variant{gua.MustVariant(gua.NewNumericNodeID(0, 2253)), nil})
	assert.Equal(t, ua.EventFields{{Type: ua.TypeNodeID, Value: ua.NodeID("i=2253")}, {}}, fields)
}

func TestGenerateCertificate(t *testing.T) {
	cert, err := generateCertificate(ApplicationURI, time.Hour)
	require.NoError(t, err)

	parsed, err := x509.ParseCertificate(cert.der)
	require.NoError(t, err)
	require.Len(t, parsed.URIs, 1)
	assert.Equal(t, ApplicationURI, parsed.URIs[0].String())
	assert.True(t, parsed.NotAfter.After(time.Now()))
	assert.NoError(t, cert.key.Validate())
}

func TestSecurityMode(t *testing.T) {
	assert.Equal(t, gua.MessageSecurityModeNone, securityMode(ua.SecurityModeNone))
	assert.Equal(t, gua.MessageSecurityModeSign, securityMode(ua.SecurityModeSign))
	assert.Equal(t, gua.MessageSecurityModeSignAndEncrypt, securityMode(ua.SecurityModeSignAndEncrypt))
}
