// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package opcua_plugin

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/url"
	"time"
)

// GenerateCertWithMode generates a self-signed RSA client certificate suitable
// for OPC UA Part 6. Key size and signature algorithm follow the security policy.
// The key usage bits are the same for every security mode.
func GenerateCertWithMode(
	validFor time.Duration,
	securityMode string,
	securityPolicy string,
) (certPEM, keyPEM []byte, clientName string, err error) {
	rsaBits := 2048
	signatureAlgorithm := x509.SHA256WithRSA
	switch securityPolicy {
	case "Basic256":
		signatureAlgorithm = x509.SHA1WithRSA
	case "Basic128Rsa15":
		rsaBits = 1024
		signatureAlgorithm = x509.SHA1WithRSA
	}

	priv, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to generate private key: %w", err)
	}

	// 127 bits keeps the DER integer positive
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to generate serial number: %w", err)
	}

	clientUID := randomString(8)
	appURI, err := url.Parse("urn:" + ApplicationName + ":client-" + clientUID)
	if err != nil {
		return nil, nil, "", err
	}

	// Start of the year, PLC clocks are often off by hours or days
	now := time.Now().UTC()
	notBefore := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   ApplicationName + "-" + clientUID,
			Organization: []string{"UMH"},
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validFor),
		BasicConstraintsValid: true,
		SignatureAlgorithm:    signatureAlgorithm,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		KeyUsage: x509.KeyUsageDigitalSignature |
			x509.KeyUsageContentCommitment |
			x509.KeyUsageKeyEncipherment |
			x509.KeyUsageDataEncipherment |
			x509.KeyUsageCertSign,
		URIs: []*url.URL{appURI},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	return certPEM, keyPEM, template.Subject.CommonName, nil
}

func randomString(length int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	result := make([]byte, length)
	for i := range result {
		randInt, _ := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		result[i] = letters[randInt.Int64()]
	}
	return string(result)
}
