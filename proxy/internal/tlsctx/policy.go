// MIT License
//
// Copyright (c) 2023 TTBT Enterprises LLC
// Copyright (c) 2023 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package tlsctx builds the server and client TLS configurations of the
// proxy from a shared protocol and cipher policy.
package tlsctx

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
	"software.sslmate.com/src/go-pkcs12"
)

// ErrConfig is wrapped by every error caused by an invalid TLS
// configuration. These errors are fatal.
var ErrConfig = errors.New("invalid tls configuration")

// The versions that can be enabled, in increasing order.
var knownVersions = []struct {
	name string
	v    uint16
}{
	{"TLSv1.0", tls.VersionTLS10},
	{"TLSv1.1", tls.VersionTLS11},
	{"TLSv1.2", tls.VersionTLS12},
	{"TLSv1.3", tls.VersionTLS13},
}

// DefaultVersions is used when the policy doesn't list any.
var DefaultVersions = []string{"TLSv1.2", "TLSv1.3"}

// DefaultServerCiphers are the TLS 1.2 suites offered by the server when no
// cipher list is configured: ECDHE with an AEAD, none of which are on the
// HTTP/2 blacklist. TLS 1.3 suites are not configurable.
var DefaultServerCiphers = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
}

// LegacyServerCiphers are added to DefaultServerCiphers when a version
// before TLS 1.2 is enabled. These versions have no AEAD suites.
var LegacyServerCiphers = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
	tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
	tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
}

// ProtoMask converts a list of version names into the range of enabled
// versions. allowed has an entry for each listed version, which matters when
// the list has holes, e.g. TLSv1.0 and TLSv1.2 without TLSv1.1. SSLv2 and
// SSLv3 are never allowed.
func ProtoMask(list []string) (minV, maxV uint16, allowed map[uint16]bool, err error) {
	if len(list) == 0 {
		list = DefaultVersions
	}
	allowed = make(map[uint16]bool)
	for _, name := range list {
		v, ok := versionByName(name)
		if !ok {
			return 0, 0, nil, fmt.Errorf("%w: unsupported protocol version %q", ErrConfig, name)
		}
		allowed[v] = true
	}
	for _, kv := range knownVersions {
		if !allowed[kv.v] {
			continue
		}
		if minV == 0 {
			minV = kv.v
		}
		maxV = kv.v
	}
	return minV, maxV, allowed, nil
}

func versionByName(name string) (uint16, bool) {
	if strings.EqualFold(name, "TLSv1") {
		return tls.VersionTLS10, true
	}
	for _, kv := range knownVersions {
		if strings.EqualFold(name, kv.name) {
			return kv.v, true
		}
	}
	return 0, false
}

// ParseCiphers parses a colon or comma separated list of cipher suite names,
// as returned by tls.CipherSuiteName. An empty string returns nil.
func ParseCiphers(s string) ([]uint16, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	byName := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		byName[cs.Name] = cs.ID
	}
	for _, cs := range tls.InsecureCipherSuites() {
		byName[cs.Name] = cs.ID
	}
	var out []uint16
	for _, name := range strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == ',' }) {
		name = strings.TrimSpace(name)
		id, ok := byName[strings.ToUpper(name)]
		if !ok {
			return nil, fmt.Errorf("%w: unknown cipher suite %q", ErrConfig, name)
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty cipher list %q", ErrConfig, s)
	}
	return out, nil
}

// LoadDHParams reads PKCS#3 Diffie-Hellman parameters from a PEM file.
func LoadDHParams(file string) (p, g *big.Int, err error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	block, _ := pem.Decode(b)
	if block == nil || block.Type != "DH PARAMETERS" {
		return nil, nil, fmt.Errorf("%w: %s: no DH PARAMETERS block", ErrConfig, file)
	}
	p, g = new(big.Int), new(big.Int)
	var seq cryptobyte.String
	in := cryptobyte.String(block.Bytes)
	if !in.ReadASN1(&seq, cbasn1.SEQUENCE) || !seq.ReadASN1Integer(p) || !seq.ReadASN1Integer(g) {
		return nil, nil, fmt.Errorf("%w: %s: malformed DH parameters", ErrConfig, file)
	}
	if p.Sign() <= 0 || p.Bit(0) == 0 || g.Cmp(big.NewInt(1)) <= 0 || g.Cmp(p) >= 0 {
		return nil, nil, fmt.Errorf("%w: %s: invalid DH parameters", ErrConfig, file)
	}
	return p, g, nil
}

// LoadKeyPair reads a certificate chain and its private key. When password
// is set, keyFile is a PKCS#12 file protected by that password. The chain
// comes from certFile if it is set, and from the PKCS#12 file otherwise.
func LoadKeyPair(certFile, keyFile, password string) (tls.Certificate, error) {
	if password == "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("%w: %s: %w", ErrConfig, certFile, err)
		}
		return cert, nil
	}
	p12, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	key, leaf, chain, err := pkcs12.DecodeChain(p12, password)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: %s: %w", ErrConfig, keyFile, err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: %s: %w", ErrConfig, keyFile, err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	var certPEM []byte
	if certFile != "" {
		if certPEM, err = os.ReadFile(certFile); err != nil {
			return tls.Certificate{}, fmt.Errorf("%w: %w", ErrConfig, err)
		}
	} else {
		for _, c := range append([]*x509.Certificate{leaf}, chain...) {
			certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
		}
	}
	// X509KeyPair checks that the key matches the leaf.
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: %s: %w", ErrConfig, keyFile, err)
	}
	return cert, nil
}

func loadCertPool(pool *x509.CertPool, file string) error {
	b, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if !pool.AppendCertsFromPEM(b) {
		return fmt.Errorf("%w: %s: no certificates", ErrConfig, file)
	}
	return nil
}
