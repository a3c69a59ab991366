// Copyright 2023 Kami
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

package transport

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/nexusreactor/nexus/errs"
)

// FactoryConfig enumerates the TLS configuration a TransportFactory builds
// from, matching spec.md §6's TransportFactory configuration surface.
type FactoryConfig struct {
	Secure bool

	// KeystoreFile is a PEM bundle containing the server's leaf certificate
	// chain followed by its private key. KeystorePassword is accepted for
	// interface parity with encrypted keystore formats but is not applied to
	// PEM material.
	KeystoreFile     string
	KeystorePassword string
	KeystoreFormat   string

	// CipherSuites and NamedGroups are colon-separated lists, per spec.md §6.
	CipherSuites string
	NamedGroups  string

	// SNIHostnames maps a ClientHello server name to a PEM keystore file
	// holding that host's certificate + key, for GetCertificate to select
	// among.
	SNIHostnames    map[string]string
	SNIDefaultAlias string

	NeedClientAuth bool

	// ApplicationProtocols is the ALPN list offered (client) or accepted
	// (server).
	ApplicationProtocols []string

	MaxNetInSize int
}

// TransportFactory holds the TLS configuration shared by listening,
// accepted and outbound endpoints (spec.md §4.7). It creates no sockets or
// endpoints itself: Listen and Dial do, taking their TLS settings from
// EndpointConfig.
type TransportFactory struct {
	cfg       FactoryConfig
	serverTLS *tls.Config
	clientTLS *tls.Config
}

// NewTransportFactory validates and compiles cfg into ready-to-use
// *tls.Config values. Returns a ConfigError-classified error for invalid
// keystore/certificate material, per spec.md §7.
func NewTransportFactory(cfg FactoryConfig) (*TransportFactory, error) {
	f := &TransportFactory{cfg: cfg}
	if !cfg.Secure {
		return f, nil
	}

	var defaultCert *tls.Certificate
	if cfg.KeystoreFile != "" {
		cert, err := loadKeystore(cfg.KeystoreFile)
		if err != nil {
			return nil, errs.New(errs.ConfigError, "", err)
		}
		defaultCert = cert
	}

	byHost := make(map[string]*tls.Certificate, len(cfg.SNIHostnames))
	for host, path := range cfg.SNIHostnames {
		cert, err := loadKeystore(path)
		if err != nil {
			return nil, errs.New(errs.ConfigError, "", fmt.Errorf("sni host %q: %w", host, err))
		}
		byHost[host] = cert
	}

	suites, err := parseCipherSuites(cfg.CipherSuites)
	if err != nil {
		return nil, errs.New(errs.ConfigError, "", err)
	}
	curves, err := parseCurves(cfg.NamedGroups)
	if err != nil {
		return nil, errs.New(errs.ConfigError, "", err)
	}

	clientAuth := tls.NoClientCert
	if cfg.NeedClientAuth {
		clientAuth = tls.RequireAndVerifyClientCert
	}

	base := &tls.Config{
		CipherSuites:     suites,
		CurvePreferences: curves,
		ClientAuth:       clientAuth,
		NextProtos:       cfg.ApplicationProtocols,
	}
	if defaultCert != nil {
		base.Certificates = []tls.Certificate{*defaultCert}
	}

	server := base.Clone()
	server.GetCertificate = func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		if cert, ok := byHost[hello.ServerName]; ok {
			return cert, nil
		}
		if alias, ok := byHost[cfg.SNIDefaultAlias]; ok {
			return alias, nil
		}
		if defaultCert != nil {
			return defaultCert, nil
		}
		return nil, errs.New(errs.TlsError, hello.ServerName, fmt.Errorf("no certificate for server name %q", hello.ServerName))
	}
	f.serverTLS = server

	client := base.Clone()
	f.clientTLS = client

	return f, nil
}

// ServerTLSConfig returns the *tls.Config accepted endpoints are constructed
// with, or nil when the factory is plaintext-only.
func (f *TransportFactory) ServerTLSConfig() *tls.Config { return f.serverTLS }

// ClientTLSConfig returns the *tls.Config outbound endpoints are constructed
// with, or nil when the factory is plaintext-only.
func (f *TransportFactory) ClientTLSConfig() *tls.Config { return f.clientTLS }

// EndpointConfig derives the EndpointConfig shared by every endpoint this
// factory constructs; immediatelySecure is false for STARTTLS-style
// listeners that start plaintext.
func (f *TransportFactory) EndpointConfig(client, immediatelySecure bool) EndpointConfig {
	cfg := EndpointConfig{MaxIncomingBytes: f.cfg.MaxNetInSize}
	if client {
		cfg.TLSConfig = f.clientTLS
	} else {
		cfg.TLSConfig = f.serverTLS
	}
	cfg.ImmediatelySecure = immediatelySecure && f.cfg.Secure
	return cfg
}

func loadKeystore(pemFile string) (*tls.Certificate, error) {
	raw, err := os.ReadFile(pemFile)
	if err != nil {
		return nil, err
	}
	var certDER [][]byte
	var keyDER []byte
	rest := raw
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			certDER = append(certDER, block.Bytes)
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			keyDER = block.Bytes
		}
	}
	if len(certDER) == 0 || keyDER == nil {
		return nil, fmt.Errorf("keystore %q: missing certificate or private key PEM block", pemFile)
	}
	cert, err := tls.X509KeyPair(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER[0]}),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}))
	if err != nil {
		return nil, err
	}
	for _, der := range certDER[1:] {
		cert.Certificate = append(cert.Certificate, der)
	}
	if leaf, err := x509.ParseCertificate(certDER[0]); err == nil {
		cert.Leaf = leaf
	}
	return &cert, nil
}

var cipherSuiteByName = func() map[string]uint16 {
	m := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		m[s.Name] = s.ID
	}
	for _, s := range tls.InsecureCipherSuites() {
		m[s.Name] = s.ID
	}
	return m
}()

func parseCipherSuites(spec string) ([]uint16, error) {
	if spec == "" {
		return nil, nil
	}
	var out []uint16
	for _, name := range strings.Split(spec, ":") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id, ok := cipherSuiteByName[name]
		if !ok {
			return nil, fmt.Errorf("unknown cipher suite %q", name)
		}
		out = append(out, id)
	}
	return out, nil
}

var curveByName = map[string]tls.CurveID{
	"X25519": tls.X25519,
	"P-256":  tls.CurveP256,
	"P-384":  tls.CurveP384,
	"P-521":  tls.CurveP521,
}

func parseCurves(spec string) ([]tls.CurveID, error) {
	if spec == "" {
		return nil, nil
	}
	var out []tls.CurveID
	for _, name := range strings.Split(spec, ":") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id, ok := curveByName[name]
		if !ok {
			return nil, fmt.Errorf("unknown named group %q", name)
		}
		out = append(out, id)
	}
	return out, nil
}
