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

package proxy

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/ocsp"

	"github.com/c2FmZQ/tlsfront/certmanager"
)

type testEnv struct {
	t    *testing.T
	dir  string
	cm   *certmanager.CertManager
	ca   string
	pool *x509.CertPool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cm, err := certmanager.New("root-ca.example.com", t.Logf)
	if err != nil {
		t.Fatalf("certmanager.New: %v", err)
	}
	dir := t.TempDir()
	ca := filepath.Join(dir, "ca.pem")
	if err := cm.WriteRootCAPEM(ca); err != nil {
		t.Fatalf("WriteRootCAPEM: %v", err)
	}
	return &testEnv{t: t, dir: dir, cm: cm, ca: ca, pool: cm.RootCACertPool()}
}

func (e *testEnv) issue(name string) *tls.Certificate {
	e.t.Helper()
	cert, err := e.cm.Issue(certmanager.CertOptions{CommonName: name, DNSNames: []string{name}})
	if err != nil {
		e.t.Fatalf("Issue: %v", err)
	}
	return cert
}

func (e *testEnv) keyPair(name string) *ConfigKeyPair {
	e.t.Helper()
	certFile, keyFile, err := certmanager.WritePEM(e.dir, strings.ReplaceAll(name, "*", "_"), e.issue(name))
	if err != nil {
		e.t.Fatalf("WritePEM: %v", err)
	}
	return &ConfigKeyPair{CertFile: certFile, KeyFile: keyFile}
}

// newBackend starts a TLS server that reports the protocol and the host of
// each request.
func (e *testEnv) newBackend(name string) *httptest.Server {
	e.t.Helper()
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprintf(w, "proto=%s host=%s", req.Proto, req.Host)
	}))
	srv.EnableHTTP2 = true
	srv.TLS = &tls.Config{
		Certificates: []tls.Certificate{*e.issue(name)},
		NextProtos:   []string{"h2", "http/1.1"},
	}
	srv.StartTLS()
	e.t.Cleanup(srv.Close)
	return srv
}

func (e *testEnv) config(backend *httptest.Server) *Config {
	def := e.keyPair("www.example.com")
	return &Config{
		ListenAddr: "localhost:0",
		CacheDir:   e.t.TempDir(),
		MaxOpen:    100,
		TLS: &ConfigTLS{
			CertFile: def.CertFile,
			KeyFile:  def.KeyFile,
			SubCerts: []*ConfigKeyPair{e.keyPair("*.example.org")},
		},
		Downstream: &ConfigDownstream{
			Address: backend.Listener.Addr().String(),
			Host:    "backend.example.com",
			CACert:  e.ca,
		},
	}
}

func (e *testEnv) startProxy(cfg *Config) *Proxy {
	e.t.Helper()
	if err := cfg.Check(); err != nil {
		e.t.Fatalf("Check: %v", err)
	}
	p, err := New(cfg, []byte("test"), zaptest.NewLogger(e.t).Sugar())
	if err != nil {
		e.t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		cancel()
		e.t.Fatalf("Start: %v", err)
	}
	e.t.Cleanup(func() {
		cancel()
		p.Stop()
	})
	return p
}

type getResult struct {
	proto string
	code  int
	cn    string
	body  string
}

func (e *testEnv) get(p *Proxy, serverName string, h2 bool) (getResult, error) {
	tc := &tls.Config{
		ServerName: serverName,
		RootCAs:    e.pool,
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, p.Addr().String())
		},
		TLSClientConfig:   tc,
		ForceAttemptHTTP2: h2,
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport, Timeout: 10 * time.Second}
	resp, err := client.Get("https://" + serverName + "/")
	if err != nil {
		return getResult{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return getResult{}, err
	}
	return getResult{
		proto: resp.Proto,
		code:  resp.StatusCode,
		cn:    resp.TLS.PeerCertificates[0].Subject.CommonName,
		body:  string(body),
	}, nil
}

func TestProxy(t *testing.T) {
	env := newTestEnv(t)
	backend := env.newBackend("backend.example.com")
	p := env.startProxy(env.config(backend))

	for _, tc := range []struct {
		serverName string
		h2         bool
		want       getResult
	}{
		{
			serverName: "www.example.com",
			h2:         true,
			want:       getResult{proto: "HTTP/2.0", code: 200, cn: "www.example.com", body: "proto=HTTP/2.0 host=www.example.com"},
		},
		{
			serverName: "www.example.com",
			h2:         false,
			want:       getResult{proto: "HTTP/1.1", code: 200, cn: "www.example.com", body: "proto=HTTP/2.0 host=www.example.com"},
		},
		{
			serverName: "foo.example.org",
			h2:         true,
			want:       getResult{proto: "HTTP/2.0", code: 200, cn: "*.example.org", body: "proto=HTTP/2.0 host=foo.example.org"},
		},
	} {
		got, err := env.get(p, tc.serverName, tc.h2)
		if err != nil {
			t.Fatalf("get(%q, %v): %v", tc.serverName, tc.h2, err)
		}
		if got != tc.want {
			t.Errorf("get(%q, %v) = %+v, want %+v", tc.serverName, tc.h2, got, tc.want)
		}
	}

	// Unknown names get the default certificate.
	tc := &tls.Config{ServerName: "unknown.example.net", InsecureSkipVerify: true}
	conn, err := tls.Dial("tcp", p.Addr().String(), tc)
	if err != nil {
		t.Fatalf("tls.Dial: %v", err)
	}
	defer conn.Close()
	if got, want := conn.ConnectionState().PeerCertificates[0].Subject.CommonName, "www.example.com"; got != want {
		t.Errorf("CommonName = %q, want %q", got, want)
	}
}

func TestDownstreamHTTP1(t *testing.T) {
	env := newTestEnv(t)
	backend := env.newBackend("backend.example.com")
	cfg := env.config(backend)
	cfg.Downstream.ALPN = []string{"http/1.1"}
	p := env.startProxy(cfg)

	got, err := env.get(p, "www.example.com", true)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if want := "proto=HTTP/1.1 host=www.example.com"; got.body != want {
		t.Errorf("body = %q, want %q", got.body, want)
	}
}

func TestDownstreamVerification(t *testing.T) {
	env := newTestEnv(t)
	backend := env.newBackend("backend.example.com")

	for _, tc := range []struct {
		name string
		mod  func(*ConfigDownstream)
	}{
		{"wrong host", func(c *ConfigDownstream) { c.Host = "other.example.com" }},
		{"untrusted", func(c *ConfigDownstream) { c.CACert = "" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := env.config(backend)
			tc.mod(cfg.Downstream)
			p := env.startProxy(cfg)
			got, err := env.get(p, "www.example.com", true)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if want := http.StatusBadGateway; got.code != want {
				t.Errorf("code = %d, want %d", got.code, want)
			}
		})
	}
}

// ocspResponder answers all OCSP requests with the same status.
func ocspResponder(t *testing.T, issuer *tls.Certificate, status int) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ocspReq, err := ocsp.ParseRequest(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		now := time.Now()
		tmpl := ocsp.Response{
			Status:       status,
			SerialNumber: ocspReq.SerialNumber,
			ThisUpdate:   now.Add(-time.Minute),
			NextUpdate:   now.Add(time.Hour),
		}
		if status == ocsp.Revoked {
			tmpl.RevokedAt = now.Add(-time.Minute)
		}
		resp, err := ocsp.CreateResponse(issuer.Leaf, issuer.Leaf, tmpl, issuer.PrivateKey.(crypto.Signer))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("content-type", "application/ocsp-response")
		w.Write(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDownstreamRevocation(t *testing.T) {
	env := newTestEnv(t)
	inter, err := env.cm.Issue(certmanager.CertOptions{CommonName: "intermediate-ca", IsCA: true})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	for _, tc := range []struct {
		name   string
		status int
		check  bool
		want   int
	}{
		{"good", ocsp.Good, true, http.StatusOK},
		{"revoked", ocsp.Revoked, true, http.StatusBadGateway},
		{"revoked unchecked", ocsp.Revoked, false, http.StatusOK},
	} {
		t.Run(tc.name, func(t *testing.T) {
			responder := ocspResponder(t, inter, tc.status)
			cert, err := env.cm.Issue(certmanager.CertOptions{
				CommonName: "backend.example.com",
				DNSNames:   []string{"backend.example.com"},
				OCSPServer: []string{responder.URL},
				Parent:     inter,
			})
			if err != nil {
				t.Fatalf("Issue: %v", err)
			}
			backend := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				fmt.Fprintf(w, "proto=%s host=%s", req.Proto, req.Host)
			}))
			backend.EnableHTTP2 = true
			backend.TLS = &tls.Config{
				Certificates: []tls.Certificate{*cert},
				NextProtos:   []string{"h2", "http/1.1"},
			}
			backend.StartTLS()
			t.Cleanup(backend.Close)

			cfg := env.config(backend)
			cfg.Downstream.CheckRevocation = tc.check
			p := env.startProxy(cfg)
			got, err := env.get(p, "www.example.com", true)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.code != tc.want {
				t.Errorf("code = %d, want %d", got.code, tc.want)
			}
		})
	}
}

func TestNewConfigError(t *testing.T) {
	env := newTestEnv(t)
	backend := env.newBackend("backend.example.com")

	for _, tc := range []struct {
		name string
		mod  func(*Config)
	}{
		{"missing cert", func(c *Config) { c.TLS.CertFile = filepath.Join(env.dir, "nonexistent.pem") }},
		{"bad sub key", func(c *Config) { c.TLS.SubCerts[0].KeyFile = c.TLS.CertFile }},
		{"client ca", func(c *Config) { c.TLS.VerifyClientCACert = filepath.Join(env.dir, "nonexistent.pem") }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := env.config(backend)
			cfg.TLS.VerifyClient = true
			cfg.TLS.VerifyClientCACert = env.ca
			tc.mod(cfg)
			if err := cfg.Check(); err != nil {
				t.Fatalf("Check: %v", err)
			}
			_, err := New(cfg, []byte("test"), zaptest.NewLogger(t).Sugar())
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("New() err = %v, want %v", err, ErrConfig)
			}
		})
	}
}

func TestHandshakeRateLimit(t *testing.T) {
	env := newTestEnv(t)
	backend := env.newBackend("backend.example.com")
	cfg := env.config(backend)
	cfg.MaxHandshakeRate = 0.001
	p := env.startProxy(cfg)

	tc := &tls.Config{ServerName: "www.example.com", RootCAs: env.pool}
	conn, err := tls.Dial("tcp", p.Addr().String(), tc)
	if err != nil {
		t.Fatalf("tls.Dial: %v", err)
	}
	conn.Close()
	if conn, err := tls.Dial("tcp", p.Addr().String(), tc); err == nil {
		conn.Close()
		t.Fatal("second handshake succeeded")
	}
}

func TestMaxOpen(t *testing.T) {
	env := newTestEnv(t)
	backend := env.newBackend("backend.example.com")
	cfg := env.config(backend)
	cfg.MaxOpen = 1
	p := env.startProxy(cfg)

	tc := &tls.Config{ServerName: "www.example.com", RootCAs: env.pool}
	conn, err := tls.Dial("tcp", p.Addr().String(), tc)
	if err != nil {
		t.Fatalf("tls.Dial: %v", err)
	}
	defer conn.Close()
	if conn2, err := tls.Dial("tcp", p.Addr().String(), tc); err == nil {
		conn2.Close()
		t.Fatal("second connection succeeded")
	}
	conn.Close()

	// The slot is released when the connection closes.
	deadline := time.Now().Add(5 * time.Second)
	for p.inConns.len() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	conn, err = tls.Dial("tcp", p.Addr().String(), tc)
	if err != nil {
		t.Fatalf("tls.Dial: %v", err)
	}
	conn.Close()
}

func TestSessionResumption(t *testing.T) {
	env := newTestEnv(t)
	backend := env.newBackend("backend.example.com")
	p := env.startProxy(env.config(backend))

	tc := &tls.Config{
		ServerName:         "www.example.com",
		RootCAs:            env.pool,
		MaxVersion:         tls.VersionTLS12,
		ClientSessionCache: tls.NewLRUClientSessionCache(10),
	}
	for i, want := range []bool{false, true} {
		conn, err := tls.Dial("tcp", p.Addr().String(), tc)
		if err != nil {
			t.Fatalf("tls.Dial: %v", err)
		}
		if got := conn.ConnectionState().DidResume; got != want {
			t.Errorf("[%d] DidResume = %v, want %v", i, got, want)
		}
		conn.Close()
	}
	if got, want := p.tickets.Snapshot().Len(), 1; got != want {
		t.Errorf("ticket keys = %d, want %d", got, want)
	}
}

func TestShutdown(t *testing.T) {
	env := newTestEnv(t)
	backend := env.newBackend("backend.example.com")
	p := env.startProxy(env.config(backend))

	if _, err := env.get(p, "www.example.com", false); err != nil {
		t.Fatalf("get: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)
	if ctx.Err() != nil {
		t.Errorf("Shutdown timed out")
	}
	if _, err := net.Dial("tcp", p.Addr().String()); err == nil {
		t.Error("listener still accepts connections")
	}
}
