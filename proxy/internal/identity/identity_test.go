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

package identity

import (
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/go-test/deep"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/c2FmZQ/tlsfront/certmanager"
)

type sanEntry struct {
	tag   cbasn1.Tag
	value []byte
}

func rawSAN(t *testing.T, entries ...sanEntry) pkix.Extension {
	t.Helper()
	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for _, e := range entries {
			b.AddASN1(e.tag, func(b *cryptobyte.Builder) {
				b.AddBytes(e.value)
			})
		}
	})
	der, err := b.Bytes()
	if err != nil {
		t.Fatalf("cryptobyte: %v", err)
	}
	return pkix.Extension{Id: asn1.ObjectIdentifier{2, 5, 29, 17}, Value: der}
}

func TestExtractNames(t *testing.T) {
	cm, err := certmanager.New("root-ca.example.com", t.Logf)
	if err != nil {
		t.Fatalf("certmanager.New: %v", err)
	}
	cert, err := cm.Issue(certmanager.CertOptions{
		CommonName:  "cn.example.com",
		DNSNames:    []string{"a.example.com", "*.b.example.com"},
		IPAddresses: []net.IP{net.ParseIP("192.0.2.1"), net.ParseIP("2001:db8::1")},
	})
	if err != nil {
		t.Fatalf("cm.Issue: %v", err)
	}
	got := ExtractNames(cert.Leaf)
	want := Names{
		DNSNames:   []string{"a.example.com", "*.b.example.com"},
		IPAddrs:    [][]byte{{192, 0, 2, 1}, netip.MustParseAddr("2001:db8::1").AsSlice()},
		CommonName: "cn.example.com",
	}
	if diff := deep.Equal(got, want); diff != nil {
		t.Errorf("ExtractNames: %v", diff)
	}
}

func TestExtractNamesEmbeddedNUL(t *testing.T) {
	cm, err := certmanager.New("root-ca.example.com", t.Logf)
	if err != nil {
		t.Fatalf("certmanager.New: %v", err)
	}
	cert, err := cm.Issue(certmanager.CertOptions{
		CommonName: "evil.com\x00good.com",
		ExtraExtensions: []pkix.Extension{rawSAN(t,
			sanEntry{tagDNSName, []byte("good.com\x00evil.com")},
			sanEntry{tagDNSName, []byte("ok.example.com")},
			sanEntry{tagIPAddress, []byte{10, 0, 0, 1}},
		)},
	})
	if err != nil {
		t.Fatalf("cm.Issue: %v", err)
	}
	got := ExtractNames(cert.Leaf)
	want := Names{
		DNSNames: []string{"ok.example.com"},
		IPAddrs:  [][]byte{{10, 0, 0, 1}},
	}
	if diff := deep.Equal(got, want); diff != nil {
		t.Errorf("ExtractNames: %v", diff)
	}
	for _, host := range []string{"good.com", "evil.com", "good.com\x00evil.com"} {
		if VerifyHostname(Target{Host: host}, got) {
			t.Errorf("VerifyHostname(%q) = true", host)
		}
	}
}

func TestExtractNamesNoSAN(t *testing.T) {
	cm, err := certmanager.New("root-ca.example.com", t.Logf)
	if err != nil {
		t.Fatalf("certmanager.New: %v", err)
	}
	cert, err := cm.Issue(certmanager.CertOptions{CommonName: "only-cn.example.com"})
	if err != nil {
		t.Fatalf("cm.Issue: %v", err)
	}
	got := ExtractNames(cert.Leaf)
	if diff := deep.Equal(got, Names{CommonName: "only-cn.example.com"}); diff != nil {
		t.Errorf("ExtractNames: %v", diff)
	}
	if !VerifyHostname(Target{Host: "only-cn.example.com"}, got) {
		t.Error("VerifyHostname should fall back to the common name")
	}
}

func TestMalformedSAN(t *testing.T) {
	if dns, ips, ok := parseSAN([]byte{0x30, 0x05, 0x82, 0x07, 'a'}); ok || dns != nil || ips != nil {
		t.Errorf("parseSAN(truncated) = %v, %v, %v", dns, ips, ok)
	}
	if _, _, ok := parseSAN([]byte{0x30, 0x00, 0x00}); ok {
		t.Error("parseSAN(trailing data) should fail")
	}
}

func TestVerifyHostname(t *testing.T) {
	names := Names{
		DNSNames:   []string{"a.example.com", "*.w.example.com"},
		IPAddrs:    [][]byte{{192, 0, 2, 1}, netip.MustParseAddr("2001:db8::1").AsSlice()},
		CommonName: "cn.example.com",
	}
	for _, tc := range []struct {
		target Target
		names  Names
		want   bool
	}{
		{Target{Host: "a.example.com"}, names, true},
		{Target{Host: "A.Example.COM"}, names, true},
		{Target{Host: "b.example.com"}, names, false},
		{Target{Host: "x.w.example.com"}, names, true},
		{Target{Host: "cn.example.com"}, names, false},
		{Target{Host: "192.0.2.1"}, names, true},
		{Target{Host: "192.0.2.2"}, names, false},
		{Target{Host: "2001:db8::1"}, names, true},
		{Target{Host: "[2001:db8::1]"}, names, true},
		// The connected address is used when it is known.
		{Target{Host: "192.0.2.2", Addr: netip.MustParseAddr("192.0.2.1")}, names, true},
		{Target{Host: "192.0.2.1", Addr: netip.MustParseAddr("192.0.2.9")}, names, false},
		// IPv4 SANs don't match IPv4-mapped IPv6 addresses.
		{Target{Host: "::ffff:192.0.2.1"}, names, false},
		// A numeric host falls back to the common name only without IP SANs.
		{Target{Host: "192.0.2.7"}, Names{CommonName: "192.0.2.7"}, true},
		{Target{Host: "192.0.2.7"}, Names{DNSNames: []string{"192.0.2.7"}, IPAddrs: [][]byte{{1, 2, 3, 4}}, CommonName: "192.0.2.7"}, false},
		// A DNS host falls back to the common name only without DNS SANs.
		{Target{Host: "x.example.com"}, Names{CommonName: "*.example.com"}, true},
		{Target{Host: "x.example.com"}, Names{DNSNames: []string{"y.example.com"}, CommonName: "*.example.com"}, false},
		{Target{Host: "x.example.com"}, Names{}, false},
	} {
		if got := VerifyHostname(tc.target, tc.names); got != tc.want {
			t.Errorf("VerifyHostname(%+v, %+v) = %v, want %v", tc.target, tc.names, got, tc.want)
		}
	}
}

func TestNewTarget(t *testing.T) {
	got := NewTarget("backend.example.com", &net.TCPAddr{IP: net.ParseIP("192.0.2.5"), Port: 443})
	want := Target{Host: "backend.example.com", Addr: netip.MustParseAddr("192.0.2.5")}
	if got != want {
		t.Errorf("NewTarget() = %+v, want %+v", got, want)
	}
}

func TestCheckCert(t *testing.T) {
	cm, err := certmanager.New("root-ca.example.com", t.Logf)
	if err != nil {
		t.Fatalf("certmanager.New: %v", err)
	}
	other, err := certmanager.New("other-ca.example.com", t.Logf)
	if err != nil {
		t.Fatalf("certmanager.New: %v", err)
	}
	good, err := cm.Issue(certmanager.CertOptions{DNSNames: []string{"backend.example.com"}})
	if err != nil {
		t.Fatalf("cm.Issue: %v", err)
	}
	untrusted, err := other.Issue(certmanager.CertOptions{DNSNames: []string{"backend.example.com"}})
	if err != nil {
		t.Fatalf("other.Issue: %v", err)
	}
	expired, err := cm.Issue(certmanager.CertOptions{
		DNSNames:  []string{"backend.example.com"},
		NotBefore: time.Now().Add(-2 * time.Hour),
		NotAfter:  time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("cm.Issue: %v", err)
	}
	clientOnly, err := cm.Issue(certmanager.CertOptions{
		DNSNames:    []string{"backend.example.com"},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		t.Fatalf("cm.Issue: %v", err)
	}

	v, err := NewVerifier(cm.RootCACertPool())
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	state := func(c *tls.Certificate) tls.ConnectionState {
		var cs tls.ConnectionState
		for _, b := range c.Certificate {
			cert, err := x509.ParseCertificate(b)
			if err != nil {
				t.Fatalf("x509.ParseCertificate: %v", err)
			}
			cs.PeerCertificates = append(cs.PeerCertificates, cert)
		}
		return cs
	}
	target := Target{Host: "backend.example.com"}

	if err := v.CheckCert(state(good), target); err != nil {
		t.Errorf("CheckCert(good) = %v", err)
	}
	chains, err := v.Verify(state(good), target)
	if err != nil {
		t.Fatalf("Verify(good) = %v", err)
	}
	if len(chains) == 0 || len(chains[0]) < 2 {
		t.Fatalf("Verify(good) returned chains %v", chains)
	}
	if got, want := chains[0][len(chains[0])-1].Subject.CommonName, "root-ca.example.com"; got != want {
		t.Errorf("Verify(good) root = %q, want %q", got, want)
	}
	if err := v.CheckCert(tls.ConnectionState{}, target); !errors.Is(err, ErrNoCertificate) {
		t.Errorf("CheckCert(no cert) = %v, want ErrNoCertificate", err)
	}
	if err := v.CheckCert(state(good), Target{Host: "other.example.com"}); !errors.Is(err, ErrHostnameMismatch) {
		t.Errorf("CheckCert(wrong host) = %v, want ErrHostnameMismatch", err)
	}
	for _, tc := range []struct {
		name string
		cert *tls.Certificate
		code int
	}{
		{"untrusted", untrusted, CodeUnableToGetIssuerCert},
		{"expired", expired, CodeCertHasExpired},
		{"wrong usage", clientOnly, CodeInvalidPurpose},
	} {
		err := v.CheckCert(state(tc.cert), target)
		if !errors.Is(err, ErrVerification) {
			t.Errorf("%s: CheckCert() = %v, want ErrVerification", tc.name, err)
		}
		var ce *ChainError
		if !errors.As(err, &ce) {
			t.Fatalf("%s: CheckCert() = %T, want *ChainError", tc.name, err)
		}
		if got, want := ce.Code, tc.code; got != want {
			t.Errorf("%s: Code = %d, want %d", tc.name, got, want)
		}
		if got, want := ce.Depth, 0; got != want {
			t.Errorf("%s: Depth = %d, want %d", tc.name, got, want)
		}
	}
}

func TestVerifierNamesCache(t *testing.T) {
	cm, err := certmanager.New("root-ca.example.com", t.Logf)
	if err != nil {
		t.Fatalf("certmanager.New: %v", err)
	}
	cert, err := cm.Issue(certmanager.CertOptions{DNSNames: []string{"a.example.com"}})
	if err != nil {
		t.Fatalf("cm.Issue: %v", err)
	}
	v, err := NewVerifier(nil)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	n1 := v.Names(cert.Leaf)
	if got := v.names.Len(); got != 1 {
		t.Errorf("cache len = %d, want 1", got)
	}
	n2 := v.Names(cert.Leaf)
	if diff := deep.Equal(n1, n2); diff != nil {
		t.Errorf("Names: %v", diff)
	}
	if got := v.names.Len(); got != 1 {
		t.Errorf("cache len = %d, want 1", got)
	}
}
