package transport

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"time"
)

// ApplicationURI identifies this client to servers
const ApplicationURI = "urn:opc-ua-node-crawler:client"

type clientCertificate struct {
	der []byte
	key *rsa.PrivateKey
}

// generateCertificate creates the self-signed application instance
// certificate required by Sign and SignAndEncrypt channels
func generateCertificate(appURI string, validFor time.Duration) (*clientCertificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	uri, err := url.Parse(appURI)
	if err != nil {
		return nil, fmt.Errorf("parse application uri: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	host, _ := os.Hostname()
	notBefore := time.Now().Add(-time.Minute)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "opc-ua-node-crawler",
			Organization: []string{"opc-ua-node-crawler"},
		},
		NotBefore: notBefore,
		NotAfter:  notBefore.Add(validFor),
		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment |
			x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		URIs:                  []*url.URL{uri},
	}
	if host != "" {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return &clientCertificate{der: der, key: key}, nil
}
