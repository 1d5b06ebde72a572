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

package tlsctx

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"

	"github.com/c2FmZQ/tlsfront/proxy/internal/alpn"
	"github.com/c2FmZQ/tlsfront/proxy/internal/identity"
	"github.com/c2FmZQ/tlsfront/proxy/internal/metrics"
)

// ClientOptions configure the context used to connect to the downstream
// server.
type ClientOptions struct {
	// Host is the expected identity of the server. It is a DNS name or
	// an IP address.
	Host string
	// CACertFile is added to the system's trust store.
	CACertFile string
	// CertFile and KeyFile are the client certificate.
	CertFile string
	KeyFile  string
	// ALPN defaults to h2.
	ALPN *alpn.Preferences
	// Revocation, if set, checks the revocation status of the server's
	// verified chains.
	Revocation RevocationChecker
}

// RevocationChecker checks the revocation status of verified certificate
// chains. stapled is the OCSP response sent by the server, if any.
// ocspcache.OCSPCache implements it.
type RevocationChecker interface {
	VerifyChains(ctx context.Context, chains [][]*x509.Certificate, stapled []byte) error
}

// ClientContext creates TLS client connections that check the server's
// identity.
type ClientContext struct {
	Config     *tls.Config
	Verifier   *identity.Verifier
	Revocation RevocationChecker
	Host       string

	versionCheck func(tls.ConnectionState) error
	logger       Logger
}

// NewClientContext returns a client context. It uses the builder's protocol
// versions and, when one is configured, its cipher list. Go's defaults are
// used otherwise.
func (b *Builder) NewClientContext(o ClientOptions) (*ClientContext, error) {
	roots, err := x509.SystemCertPool()
	if err != nil {
		b.logger.Errorf("System cert pool: %v", err)
		roots = x509.NewCertPool()
	}
	if o.CACertFile != "" {
		if err := loadCertPool(roots, o.CACertFile); err != nil {
			return nil, err
		}
	}
	v, err := identity.NewVerifier(roots)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	prefs := o.ALPN
	if prefs == nil {
		if prefs, err = alpn.NewPreferences([]string{alpn.H2}); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
	}
	tc := &tls.Config{
		MinVersion:    b.minV,
		MaxVersion:    b.maxV,
		CipherSuites:  b.clientCiphers,
		NextProtos:    prefs.Strings(),
		Renegotiation: tls.RenegotiateNever,
		ServerName:    o.Host,
		// The server's certificate is checked by CheckCert in
		// VerifyConnection.
		InsecureSkipVerify: true,
	}
	if o.CertFile != "" || o.KeyFile != "" {
		cert, err := LoadKeyPair(o.CertFile, o.KeyFile, b.policy.PrivateKeyPassword)
		if err != nil {
			return nil, err
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	cc := &ClientContext{
		Config:     tc,
		Verifier:   v,
		Revocation: o.Revocation,
		Host:       o.Host,
		logger:     b.logger,
	}
	if b.holes {
		cc.versionCheck = b.verifyVersion
	}
	return cc, nil
}

// Client returns a TLS client connection on top of conn. The server's
// certificate must be valid for the context's host, or for the address of
// conn when the host is an IP address. protos, when set, replace the
// context's ALPN list.
func (c *ClientContext) Client(conn net.Conn, protos ...string) *tls.Conn {
	return c.client(context.Background(), conn, protos...)
}

func (c *ClientContext) client(ctx context.Context, conn net.Conn, protos ...string) *tls.Conn {
	tc := c.Config.Clone()
	if len(protos) > 0 {
		tc.NextProtos = protos
	}
	t := identity.NewTarget(c.Host, conn.RemoteAddr())
	tc.VerifyConnection = func(cs tls.ConnectionState) error {
		if c.versionCheck != nil {
			if err := c.versionCheck(cs); err != nil {
				metrics.DownstreamVerifyFailures.WithLabelValues("version").Inc()
				return err
			}
		}
		chains, err := c.Verifier.Verify(cs, t)
		if err != nil {
			metrics.DownstreamVerifyFailures.WithLabelValues(verifyFailureReason(err)).Inc()
			c.logger.Errorf("Downstream %s [%s]: %v", conn.RemoteAddr(), c.Host, err)
			return err
		}
		if c.Revocation == nil {
			return nil
		}
		if err := c.Revocation.VerifyChains(ctx, chains, cs.OCSPResponse); err != nil {
			metrics.DownstreamVerifyFailures.WithLabelValues("revocation").Inc()
			c.logger.Errorf("Downstream %s [%s]: revocation check: %v", conn.RemoteAddr(), c.Host, err)
			return fmt.Errorf("%w: revocation check: %w", identity.ErrVerification, err)
		}
		return nil
	}
	return tls.Client(conn, tc)
}

// Handshake is a convenience wrapper around Client and HandshakeContext.
// The revocation check, if any, uses ctx. conn is closed on failure.
func (c *ClientContext) Handshake(ctx context.Context, conn net.Conn, protos ...string) (*tls.Conn, error) {
	tc := c.client(ctx, conn, protos...)
	if err := tc.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tc, nil
}

func verifyFailureReason(err error) string {
	var ce *identity.ChainError
	switch {
	case errors.Is(err, identity.ErrNoCertificate):
		return "no-certificate"
	case errors.Is(err, identity.ErrHostnameMismatch):
		return "hostname"
	case errors.As(err, &ce):
		return "chain"
	default:
		return "other"
	}
}
