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
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync/atomic"

	"github.com/c2FmZQ/tlsfront/proxy/internal/alpn"
	"github.com/c2FmZQ/tlsfront/proxy/internal/certtrie"
	"github.com/c2FmZQ/tlsfront/proxy/internal/identity"
	"github.com/c2FmZQ/tlsfront/proxy/internal/metrics"
	"github.com/c2FmZQ/tlsfront/proxy/internal/netw"
	"github.com/c2FmZQ/tlsfront/proxy/internal/ticketkeys"
)

const (
	alertBadCertificate  = tls.AlertError(0x2a)
	alertProtocolVersion = tls.AlertError(0x46)
	alertNoRenegotiation = tls.AlertError(0x64)
)

// Logger is the logging interface used by this package.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Errorf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

// Policy is shared by all the contexts of a Builder.
type Policy struct {
	// Versions are the enabled protocol versions, e.g. "TLSv1.2".
	Versions []string
	// Ciphers overrides the TLS 1.2 cipher suites.
	Ciphers     string
	DHParamFile string

	// VerifyClient requires a client certificate signed by one of the CAs
	// in VerifyClientCACert.
	VerifyClient       bool
	VerifyClientCACert string

	// PrivateKeyPassword, if set, means that the key files are PKCS#12.
	PrivateKeyPassword string

	ALPN    *alpn.Preferences
	Tickets *ticketkeys.Manager
	Logger  Logger
}

// KeyPair names a certificate file and its private key file.
type KeyPair struct {
	CertFile string
	KeyFile  string
}

// Builder creates TLS contexts that share a Policy.
type Builder struct {
	policy   Policy
	logger   Logger
	minV     uint16
	maxV     uint16
	versions map[uint16]bool
	holes    bool
	ciphers  []uint16

	// Only set when a cipher list is configured.
	clientCiphers []uint16
	clientCAs     *x509.CertPool
}

// NewBuilder validates the policy and returns a Builder. All errors wrap
// ErrConfig.
func NewBuilder(p Policy) (*Builder, error) {
	b := &Builder{policy: p, logger: p.Logger}
	if b.logger == nil {
		b.logger = nopLogger{}
	}
	var err error
	if b.minV, b.maxV, b.versions, err = ProtoMask(p.Versions); err != nil {
		return nil, err
	}
	for v := b.minV; v <= b.maxV; v++ {
		if !b.versions[v] {
			b.holes = true
		}
	}
	if b.clientCiphers, err = ParseCiphers(p.Ciphers); err != nil {
		return nil, err
	}
	b.ciphers = b.clientCiphers
	if b.ciphers == nil {
		b.ciphers = DefaultServerCiphers
		if b.minV < tls.VersionTLS12 {
			b.ciphers = append(slices.Clone(DefaultServerCiphers), LegacyServerCiphers...)
		}
	}
	if p.DHParamFile != "" {
		dp, _, err := LoadDHParams(p.DHParamFile)
		if err != nil {
			return nil, err
		}
		b.logger.Infof("Loaded %d-bit DH parameters from %s; only ECDHE key exchange is used", dp.BitLen(), p.DHParamFile)
	}
	if p.VerifyClient {
		if p.VerifyClientCACert == "" {
			return nil, fmt.Errorf("%w: client verification requires a CA certificate", ErrConfig)
		}
		b.clientCAs = x509.NewCertPool()
		if err := loadCertPool(b.clientCAs, p.VerifyClientCACert); err != nil {
			return nil, err
		}
	}
	if b.policy.ALPN == nil {
		if b.policy.ALPN, err = alpn.NewPreferences([]string{alpn.H2, "http/1.1"}); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
	}
	return b, nil
}

// Context is a server TLS configuration with exactly one certificate.
type Context struct {
	// Config is a template. Each handshake uses a clone of it.
	Config   *tls.Config
	Leaf     *x509.Certificate
	Names    identity.Names
	CertFile string
	KeyFile  string

	cert atomic.Pointer[tls.Certificate]
}

// Certificate returns the certificate presented by this context.
func (c *Context) Certificate() *tls.Certificate {
	return c.cert.Load()
}

// SetOCSPStaple replaces the OCSP response stapled to the certificate.
// Handshakes that are already in progress are not affected.
func (c *Context) SetOCSPStaple(staple []byte) {
	cert := *c.cert.Load()
	cert.OCSPStaple = staple
	c.cert.Store(&cert)
}

// NewContext loads a certificate and creates a context for it.
func (b *Builder) NewContext(certFile, keyFile string) (*Context, error) {
	cert, err := LoadKeyPair(certFile, keyFile, b.policy.PrivateKeyPassword)
	if err != nil {
		return nil, err
	}
	if cert.Leaf == nil {
		if cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrConfig, certFile, err)
		}
	}
	ctx := &Context{
		Leaf:     cert.Leaf,
		Names:    identity.ExtractNames(cert.Leaf),
		CertFile: certFile,
		KeyFile:  keyFile,
	}
	ctx.cert.Store(&cert)

	tc := &tls.Config{
		MinVersion:       b.minV,
		MaxVersion:       b.maxV,
		CipherSuites:     b.ciphers,
		CurvePreferences: []tls.CurveID{tls.CurveP256},
		NextProtos:       b.policy.ALPN.Strings(),
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return ctx.cert.Load(), nil
		},
	}
	if b.holes {
		tc.VerifyConnection = b.verifyVersion
	}
	if b.policy.VerifyClient {
		// The chain is verified in VerifyPeerCertificate so that the
		// failure can be logged with its code and depth. ClientCAs are
		// only sent to the client in the certificate request.
		tc.ClientAuth = tls.RequireAnyClientCert
		tc.ClientCAs = b.clientCAs
		tc.VerifyPeerCertificate = b.verifyClientCert
	}
	ctx.Config = tc
	return ctx, nil
}

func (b *Builder) verifyVersion(cs tls.ConnectionState) error {
	if !b.versions[cs.Version] {
		b.logger.Errorf("Rejected protocol version %s", tls.VersionName(cs.Version))
		return alertProtocolVersion
	}
	return nil
}

// verifyClientCert is only called when the client sent a certificate.
// RequireAnyClientCert rejects the others.
func (b *Builder) verifyClientCert(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		c, err := x509.ParseCertificate(raw)
		if err != nil {
			metrics.ClientCertFailures.WithLabelValues("parse").Inc()
			b.logger.Errorf("Client certificate verification failed: %v", err)
			return alertBadCertificate
		}
		certs = append(certs, c)
	}
	_, err := identity.VerifyChain(certs, b.clientCAs, x509.ExtKeyUsageClientAuth)
	var ce *identity.ChainError
	if errors.As(err, &ce) {
		metrics.ClientCertFailures.WithLabelValues(strconv.Itoa(ce.Code)).Inc()
		b.logger.Errorf("Client certificate verification failed: code=%d depth=%d subject=%q: %v", ce.Code, ce.Depth, certs[0].Subject, ce.Err)
		return alertBadCertificate
	}
	if err != nil {
		metrics.ClientCertFailures.WithLabelValues("other").Inc()
		b.logger.Errorf("Client certificate verification failed: %v", err)
		return alertBadCertificate
	}
	return nil
}

// ServerContexts is the set of server contexts. It selects one of them for
// each handshake.
type ServerContexts struct {
	b       *Builder
	Default *Context
	Subs    []*Context

	// nil when there are no sub-certificates.
	trie *certtrie.Trie[*Context]
}

// NewServerContexts creates the default context and one context for each
// sub-certificate. The names of the sub-certificates are registered first,
// so they win over the default certificate when a name appears in both.
// The first certificate registered for a name wins.
func (b *Builder) NewServerContexts(def KeyPair, subs []KeyPair) (*ServerContexts, error) {
	sc := &ServerContexts{b: b}
	var err error
	if sc.Default, err = b.NewContext(def.CertFile, def.KeyFile); err != nil {
		return nil, fmt.Errorf("default certificate: %w", err)
	}
	if len(subs) == 0 {
		return sc, nil
	}
	sc.trie = certtrie.New[*Context]()
	for i, kp := range subs {
		ctx, err := b.NewContext(kp.CertFile, kp.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("sub certificate %d: %w", i, err)
		}
		sc.Subs = append(sc.Subs, ctx)
		if err := sc.register(ctx); err != nil {
			return nil, fmt.Errorf("sub certificate %d: %w", i, err)
		}
	}
	if err := sc.register(sc.Default); err != nil {
		return nil, fmt.Errorf("default certificate: %w", err)
	}
	return sc, nil
}

func (sc *ServerContexts) register(ctx *Context) error {
	if len(ctx.Names.DNSNames) == 0 && ctx.Names.CommonName == "" {
		return fmt.Errorf("%w: %s: certificate has no DNS names", ErrConfig, ctx.CertFile)
	}
	for _, n := range ctx.Names.DNSNames {
		sc.trie.Insert(n, ctx)
	}
	sc.trie.Insert(ctx.Names.CommonName, ctx)
	return nil
}

// Lookup returns the context for serverName, and whether it was found in
// the lookup trie. The default context is returned when it wasn't.
func (sc *ServerContexts) Lookup(serverName string) (*Context, bool) {
	if sc.trie == nil || serverName == "" {
		return sc.Default, false
	}
	if ctx, ok := sc.trie.Lookup(serverName); ok {
		return ctx, true
	}
	return sc.Default, false
}

// All returns the default context followed by the sub-certificate contexts.
func (sc *ServerContexts) All() []*Context {
	return append([]*Context{sc.Default}, sc.Subs...)
}

// TLSConfig returns the configuration to use with tls.Server. The context
// for each handshake is chosen by GetConfigForClient.
func (sc *ServerContexts) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:         sc.b.minV,
		MaxVersion:         sc.b.maxV,
		GetConfigForClient: sc.getConfigForClient,
	}
}

func (sc *ServerContexts) getConfigForClient(hello *tls.ClientHelloInfo) (*tls.Config, error) {
	if c, ok := hello.Conn.(*netw.Conn); ok && c.HandshakeDone() {
		c.MarkRenegotiation()
		return nil, alertNoRenegotiation
	}
	ctx, found := sc.Lookup(hello.ServerName)
	if found {
		metrics.SNILookups.WithLabelValues("match").Inc()
	} else {
		metrics.SNILookups.WithLabelValues("default").Inc()
		if hello.ServerName != "" {
			sc.b.logger.Debugf("No certificate for %q, using default", hello.ServerName)
		}
	}
	tc := ctx.Config.Clone()

	// No overlap means no protocol, and the handshake continues.
	tc.NextProtos = nil
	offer := hello.SupportedProtos
	if slices.Contains(offer, alpn.H2) && !sc.b.canNegotiateTLS12(hello) {
		offer = slices.DeleteFunc(slices.Clone(offer), func(p string) bool { return p == alpn.H2 })
	}
	if proto, ok := alpn.SelectALPNStrings(offer, sc.b.policy.ALPN); ok {
		tc.NextProtos = []string{proto}
	}

	// The whole handshake uses the same ring, even if a new one is
	// published in the meantime.
	var ring *ticketkeys.Ring
	m := sc.b.policy.Tickets
	if m != nil {
		ring = m.Snapshot()
	}
	if ring.Len() > 0 {
		tc.WrapSession = m.WrapSession(ring)
		tc.UnwrapSession = m.UnwrapSession(ring)
	} else {
		tc.SessionTicketsDisabled = true
	}
	return tc, nil
}

// canNegotiateTLS12 reports whether the handshake will use TLS 1.2 or
// later. The negotiated version is the highest one offered by the client
// within the server's range. It must also be enabled, or the handshake
// fails in verifyVersion.
func (b *Builder) canNegotiateTLS12(hello *tls.ClientHelloInfo) bool {
	var best uint16
	for _, v := range hello.SupportedVersions {
		if v >= b.minV && v <= b.maxV && v > best {
			best = v
		}
	}
	return best >= tls.VersionTLS12 && b.versions[best]
}

// CheckHTTP2Requirement reports whether the connection may use HTTP/2. The
// negotiated version must be TLS 1.2 or later.
func CheckHTTP2Requirement(cs tls.ConnectionState) bool {
	return cs.Version >= tls.VersionTLS12
}
