package ua

import (
	"fmt"
	"strings"
	"time"
)

// SecurityMode is the message security mode of a secure channel
type SecurityMode int

const (
	SecurityModeInvalid SecurityMode = iota
	SecurityModeNone
	SecurityModeSign
	SecurityModeSignAndEncrypt
)

func (m SecurityMode) String() string {
	switch m {
	case SecurityModeNone:
		return "None"
	case SecurityModeSign:
		return "Sign"
	case SecurityModeSignAndEncrypt:
		return "SignAndEncrypt"
	default:
		return fmt.Sprintf("SecurityMode(%d)", int(m))
	}
}

// ParseSecurityMode accepts the mode names case-insensitively. An empty
// string is None
func ParseSecurityMode(s string) (SecurityMode, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return SecurityModeNone, nil
	case "sign":
		return SecurityModeSign, nil
	case "signandencrypt":
		return SecurityModeSignAndEncrypt, nil
	default:
		return SecurityModeInvalid, fmt.Errorf("invalid security mode %q, should be one of None Sign SignAndEncrypt", s)
	}
}

// SecurityPolicy is a named cryptographic profile
type SecurityPolicy string

const (
	SecurityPolicyNone                SecurityPolicy = "None"
	SecurityPolicyBasic128Rsa15       SecurityPolicy = "Basic128Rsa15"
	SecurityPolicyBasic256            SecurityPolicy = "Basic256"
	SecurityPolicyBasic256Sha256      SecurityPolicy = "Basic256Sha256"
	SecurityPolicyAes128Sha256RsaOaep SecurityPolicy = "Aes128_Sha256_RsaOaep"
	SecurityPolicyAes256Sha256RsaPss  SecurityPolicy = "Aes256_Sha256_RsaPss"
)

const securityPolicyURIPrefix = "http://opcfoundation.org/UA/SecurityPolicy#"

// SecurityPolicies lists the supported profiles
var SecurityPolicies = []SecurityPolicy{
	SecurityPolicyNone,
	SecurityPolicyBasic128Rsa15,
	SecurityPolicyBasic256,
	SecurityPolicyBasic256Sha256,
	SecurityPolicyAes128Sha256RsaOaep,
	SecurityPolicyAes256Sha256RsaPss,
}

// ParseSecurityPolicy accepts a policy name or its full URI. An empty
// string is None
func ParseSecurityPolicy(s string) (SecurityPolicy, error) {
	if s == "" {
		return SecurityPolicyNone, nil
	}
	name := strings.TrimPrefix(s, securityPolicyURIPrefix)
	for _, p := range SecurityPolicies {
		if strings.EqualFold(string(p), name) {
			return p, nil
		}
	}
	return "", fmt.Errorf("invalid security policy %q", s)
}

// URI returns the policy URI used on the wire
func (p SecurityPolicy) URI() string {
	return securityPolicyURIPrefix + string(p)
}

// Endpoint identifies the server and the security to negotiate with it.
// It is treated as immutable once a connection attempt begins
type Endpoint struct {
	URL               string
	SecurityMode      SecurityMode
	SecurityPolicy    SecurityPolicy
	ServerCertificate []byte
}

// Probe returns the unsecured endpoint used to discover the server identity
func Probe(url string) Endpoint {
	return Endpoint{
		URL:            url,
		SecurityMode:   SecurityModeNone,
		SecurityPolicy: SecurityPolicyNone,
	}
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s [%s/%s]", e.URL, e.SecurityMode, e.SecurityPolicy)
}

// InfiniteTimeout asks the server for the longest session lifetime it allows
const InfiniteTimeout time.Duration = -1

// SessionRequest carries what the server needs to create a session
type SessionRequest struct {
	Identity *Identity // nil = anonymous
	Timeout  time.Duration
}
