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
	"crypto/rsa"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
)

const (
	// ApplicationName is announced to the server in every session.
	ApplicationName = "opcua-amqp-bridge"

	// Default session timeout if none is configured
	SessionTimeout = 10 * time.Second

	certificateValidity = 10 * 365 * 24 * time.Hour
)

// clientOptions builds the options for a direct connection to address using
// the configured security mode and policy. Endpoint discovery is skipped: the
// bridge opens a session per request and discovery would double the round trips.
func (e *EndpointClient) clientOptions(address string) ([]opcua.Option, error) {
	securityMode := ua.MessageSecurityModeNone
	if e.cfg.SecurityMode != "" {
		securityMode = ua.MessageSecurityModeFromString(e.cfg.SecurityMode)
		if securityMode == ua.MessageSecurityModeInvalid {
			return nil, fmt.Errorf("unknown security mode %q", e.cfg.SecurityMode)
		}
	}

	securityPolicyURI := ua.SecurityPolicyURINone
	if e.cfg.SecurityPolicy != "" {
		securityPolicyURI = ua.FormatSecurityPolicyURI(e.cfg.SecurityPolicy)
	}

	if (securityMode == ua.MessageSecurityModeNone) != (securityPolicyURI == ua.SecurityPolicyURINone) {
		return nil, fmt.Errorf("security mode %s and policy %s do not match", securityMode, e.cfg.SecurityPolicy)
	}

	authType := ua.UserTokenTypeAnonymous
	if e.cfg.Username != "" && e.cfg.Password != "" {
		authType = ua.UserTokenTypeUserName
	}

	// Never handed to the server, only used to derive the channel settings
	directEndpoint := &ua.EndpointDescription{
		EndpointURL:       address,
		SecurityMode:      securityMode,
		SecurityPolicyURI: securityPolicyURI,
	}

	opts := []opcua.Option{opcua.SecurityFromEndpoint(directEndpoint, authType)}
	if authType == ua.UserTokenTypeUserName {
		opts = append(opts, opcua.AuthUsername(e.cfg.Username, e.cfg.Password))
	}

	if securityMode != ua.MessageSecurityModeNone {
		cert, err := e.certificate()
		if err != nil {
			return nil, err
		}
		opts = append(opts, opcua.PrivateKey(cert.key), opcua.Certificate(cert.der))
	}

	sessionTimeout := e.cfg.SessionTimeout
	if sessionTimeout <= 0 {
		sessionTimeout = SessionTimeout
	}

	opts = append(opts,
		opcua.SessionName(ApplicationName),
		opcua.ApplicationName(ApplicationName),
		opcua.SessionTimeout(sessionTimeout),
		opcua.AutoReconnect(false),
	)
	return opts, nil
}

type clientCertificate struct {
	der []byte
	key *rsa.PrivateKey
}

// certificate generates the client certificate once and reuses it for every session.
func (e *EndpointClient) certificate() (*clientCertificate, error) {
	e.certOnce.Do(func() {
		certPEM, keyPEM, clientName, err := GenerateCertWithMode(certificateValidity, e.cfg.SecurityMode, e.cfg.SecurityPolicy)
		if err != nil {
			e.certErr = fmt.Errorf("failed to generate certificate: %w", err)
			return
		}

		pair, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			e.certErr = fmt.Errorf("failed to parse certificate: %w", err)
			return
		}

		pk, ok := pair.PrivateKey.(*rsa.PrivateKey)
		if !ok {
			e.certErr = errors.New("invalid private key type")
			return
		}

		e.log.Infof("Generated client certificate %s for policy %s", clientName, strings.TrimSpace(e.cfg.SecurityPolicy))
		e.cert = &clientCertificate{der: pair.Certificate[0], key: pk}
	})
	return e.cert, e.certErr
}
