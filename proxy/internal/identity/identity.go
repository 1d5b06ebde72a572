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

// Package identity extracts the names that a certificate is valid for and
// checks them against the expected identity of a peer.
package identity

import (
	"bytes"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/c2FmZQ/tlsfront/proxy/internal/hostmatch"
)

const namesCacheSize = 256

var (
	oidSubjectAltName = asn1.ObjectIdentifier{2, 5, 29, 17}
	oidCommonName     = asn1.ObjectIdentifier{2, 5, 4, 3}

	tagDNSName   = cbasn1.Tag(2).ContextSpecific()
	tagIPAddress = cbasn1.Tag(7).ContextSpecific()
)

var (
	// ErrVerification is wrapped by every error returned by CheckCert.
	ErrVerification     = errors.New("certificate verification failed")
	ErrNoCertificate    = fmt.Errorf("%w: no certificate found", ErrVerification)
	ErrHostnameMismatch = fmt.Errorf("%w: hostname does not match", ErrVerification)
)

// Names are the identities that a certificate is valid for.
type Names struct {
	DNSNames   []string
	IPAddrs    [][]byte
	CommonName string
}

// ExtractNames returns the DNS names and IP addresses of the certificate's
// subject alternative name extension, and the first common name of its
// subject.
//
// The extension is decoded from its raw bytes. A DNS name that contains a
// NUL byte is dropped, as is a common name that contains one. IP addresses
// are kept in their raw form. A malformed extension yields no names.
func ExtractNames(cert *x509.Certificate) Names {
	var n Names
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(oidSubjectAltName) {
			continue
		}
		dns, ips, ok := parseSAN(ext.Value)
		if ok {
			n.DNSNames, n.IPAddrs = dns, ips
		}
		break
	}
	for _, atv := range cert.Subject.Names {
		if !atv.Type.Equal(oidCommonName) {
			continue
		}
		cn, ok := atv.Value.(string)
		if !ok || strings.IndexByte(cn, 0) >= 0 {
			continue
		}
		n.CommonName = cn
		break
	}
	return n
}

func parseSAN(der []byte) (dns []string, ips [][]byte, ok bool) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, nil, false
	}
	for !seq.Empty() {
		var v cryptobyte.String
		var tag cbasn1.Tag
		if !seq.ReadAnyASN1(&v, &tag) {
			return nil, nil, false
		}
		switch tag {
		case tagDNSName:
			if bytes.IndexByte(v, 0) >= 0 {
				continue
			}
			dns = append(dns, string(v))
		case tagIPAddress:
			ips = append(ips, bytes.Clone(v))
		}
	}
	return dns, ips, true
}

// Target is the identity that a peer is expected to have.
type Target struct {
	// Host is a DNS name or an IP address literal.
	Host string
	// Addr is the address that the connection was made to. It is used
	// instead of Host when Host is an IP address.
	Addr netip.Addr
}

// NewTarget returns the Target for host and the remote address of a
// connection.
func NewTarget(host string, remote net.Addr) Target {
	t := Target{Host: host}
	if a, ok := remote.(*net.TCPAddr); ok {
		t.Addr = a.AddrPort().Addr().Unmap()
	}
	return t
}

// VerifyHostname reports whether n contains the target's identity.
//
// When the host is an IP address, the raw bytes of the address are compared
// with the IP addresses of n, with no IPv4/IPv6 translation. If n has no IP
// addresses, the host is compared with the common name instead. Otherwise,
// the host is matched against the DNS names of n, or against the common name
// when there are none.
func VerifyHostname(t Target, n Names) bool {
	host := strings.TrimSuffix(strings.TrimPrefix(t.Host, "["), "]")
	if ip, err := netip.ParseAddr(host); err == nil {
		if len(n.IPAddrs) == 0 {
			return n.CommonName != "" && hostmatch.EqualFold(n.CommonName, host)
		}
		addr := t.Addr
		if !addr.IsValid() {
			addr = ip
		}
		raw := addr.AsSlice()
		for _, a := range n.IPAddrs {
			if bytes.Equal(a, raw) {
				return true
			}
		}
		return false
	}
	if len(n.DNSNames) == 0 {
		return n.CommonName != "" && hostmatch.Match(n.CommonName, t.Host)
	}
	for _, name := range n.DNSNames {
		if hostmatch.Match(name, t.Host) {
			return true
		}
	}
	return false
}

// Verifier checks the certificates presented by TLS servers.
type Verifier struct {
	roots *x509.CertPool
	names *lru.Cache[[32]byte, Names]
}

// NewVerifier returns a Verifier that trusts roots. A nil pool means the
// system roots.
func NewVerifier(roots *x509.CertPool) (*Verifier, error) {
	c, err := lru.New[[32]byte, Names](namesCacheSize)
	if err != nil {
		return nil, err
	}
	return &Verifier{roots: roots, names: c}, nil
}

// Names returns the names of cert. Results are cached by certificate hash.
func (v *Verifier) Names(cert *x509.Certificate) Names {
	key := sha256.Sum256(cert.Raw)
	if n, ok := v.names.Get(key); ok {
		return n
	}
	n := ExtractNames(cert)
	v.names.Add(key, n)
	return n
}

// CheckCert verifies the peer certificate chain of cs against the trusted
// roots, and then checks that the leaf certificate is valid for t.
func (v *Verifier) CheckCert(cs tls.ConnectionState, t Target) error {
	_, err := v.Verify(cs, t)
	return err
}

// Verify is like CheckCert, and also returns the verified chains.
func (v *Verifier) Verify(cs tls.ConnectionState, t Target) ([][]*x509.Certificate, error) {
	if len(cs.PeerCertificates) == 0 {
		return nil, ErrNoCertificate
	}
	chains, err := VerifyChain(cs.PeerCertificates, v.roots, x509.ExtKeyUsageServerAuth)
	if err != nil {
		return nil, err
	}
	if !VerifyHostname(t, v.Names(cs.PeerCertificates[0])) {
		return nil, fmt.Errorf("%w: %q", ErrHostnameMismatch, t.Host)
	}
	return chains, nil
}
