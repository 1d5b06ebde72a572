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

package ocspcache

import (
	"bytes"
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c2FmZQ/storage"
	storagecrypto "github.com/c2FmZQ/storage/crypto"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/ocsp"

	"github.com/c2FmZQ/tlsfront/certmanager"
)

type responder struct {
	issuer *tls.Certificate
	status atomic.Int32
	hits   atomic.Int32
}

func (r *responder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.hits.Add(1)
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
		Status:       int(r.status.Load()),
		SerialNumber: ocspReq.SerialNumber,
		ThisUpdate:   now.Add(-time.Minute),
		NextUpdate:   now.Add(48 * time.Hour),
	}
	if tmpl.Status == ocsp.Revoked {
		tmpl.RevokedAt = now.Add(-time.Minute)
	}
	resp, err := ocsp.CreateResponse(r.issuer.Leaf, r.issuer.Leaf, tmpl, r.issuer.PrivateKey.(crypto.Signer))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("content-type", "application/ocsp-response")
	w.Write(resp)
}

type target struct {
	cert *tls.Certificate
}

func (t *target) Certificate() *tls.Certificate {
	return t.cert
}

func (t *target) SetOCSPStaple(b []byte) {
	c := *t.cert
	c.OCSPStaple = b
	t.cert = &c
}

func TestStaple(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	cm, err := certmanager.New("root-ca", t.Logf)
	if err != nil {
		t.Fatalf("certmanager.New: %v", err)
	}
	inter, err := cm.Issue(certmanager.CertOptions{CommonName: "intermediate-ca", IsCA: true})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	r := &responder{issuer: inter}
	r.status.Store(ocsp.Good)
	srv := httptest.NewServer(r)
	defer srv.Close()

	leaf, err := cm.Issue(certmanager.CertOptions{
		CommonName: "www.example.com",
		DNSNames:   []string{"www.example.com"},
		OCSPServer: []string{srv.URL},
		Parent:     inter,
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	noOCSP, err := cm.Issue(certmanager.CertOptions{CommonName: "no-ocsp.example.com", Parent: inter})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	mk, err := storagecrypto.CreateAESMasterKeyForTest()
	if err != nil {
		t.Fatalf("CreateAESMasterKeyForTest: %v", err)
	}
	store := storage.New(t.TempDir(), mk)
	c, err := New(store, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	staple, err := c.Staple(ctx, leaf)
	if err != nil {
		t.Fatalf("Staple: %v", err)
	}
	resp, err := ocsp.ParseResponseForCert(staple, leaf.Leaf, inter.Leaf)
	if err != nil {
		t.Fatalf("ocsp.ParseResponseForCert: %v", err)
	}
	if resp.Status != ocsp.Good {
		t.Errorf("Status = %v, want Good", resp.Status)
	}
	if _, err := c.Staple(ctx, leaf); err != nil {
		t.Fatalf("Staple: %v", err)
	}
	if got, want := r.hits.Load(), int32(1); got != want {
		t.Errorf("responder hits = %d, want %d", got, want)
	}
	if _, err := c.Staple(ctx, noOCSP); !errors.Is(err, ErrNoServer) {
		t.Errorf("Staple(no ocsp server) err = %v, want ErrNoServer", err)
	}
	if _, err := c.Staple(ctx, &tls.Certificate{Certificate: leaf.Certificate[:1]}); !errors.Is(err, ErrNoIssuer) {
		t.Errorf("Staple(no issuer) err = %v, want ErrNoIssuer", err)
	}

	t1 := &target{cert: leaf}
	t2 := &target{cert: noOCSP}
	c.Refresh(ctx, t1, t2)
	if !bytes.Equal(t1.cert.OCSPStaple, staple) {
		t.Error("target wasn't stapled")
	}
	if t2.cert.OCSPStaple != nil {
		t.Error("target without OCSP server was stapled")
	}

	// Responses survive a restart.
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	c2, err := New(store, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c2.Staple(ctx, leaf); err != nil {
		t.Fatalf("Staple: %v", err)
	}
	if got, want := r.hits.Load(), int32(1); got != want {
		t.Errorf("responder hits = %d, want %d", got, want)
	}
}

func TestVerifyChains(t *testing.T) {
	cm, err := certmanager.New("root-ca", t.Logf)
	if err != nil {
		t.Fatalf("certmanager.New: %v", err)
	}
	inter, err := cm.Issue(certmanager.CertOptions{CommonName: "intermediate-ca", IsCA: true})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	r := &responder{issuer: inter}
	srv := httptest.NewServer(r)
	defer srv.Close()

	issue := func(name string) *tls.Certificate {
		c, err := cm.Issue(certmanager.CertOptions{
			CommonName: name,
			OCSPServer: []string{srv.URL},
			Parent:     inter,
		})
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		return c
	}
	good := issue("good.example.com")
	revoked := issue("revoked.example.com")

	c, err := New(nil, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	r.status.Store(ocsp.Good)
	if err := c.VerifyChains(ctx, [][]*x509.Certificate{{good.Leaf, inter.Leaf}}, nil); err != nil {
		t.Errorf("VerifyChains(good) = %v", err)
	}
	r.status.Store(ocsp.Revoked)
	if err := c.VerifyChains(ctx, [][]*x509.Certificate{{revoked.Leaf, inter.Leaf}}, nil); !errors.Is(err, ErrRevoked) {
		t.Errorf("VerifyChains(revoked) = %v, want ErrRevoked", err)
	}
	if _, err := c.Staple(ctx, revoked); !errors.Is(err, ErrRevoked) {
		t.Errorf("Staple(revoked) = %v, want ErrRevoked", err)
	}
	// The good response is cached.
	if err := c.VerifyChains(ctx, [][]*x509.Certificate{{good.Leaf, inter.Leaf}}, nil); err != nil {
		t.Errorf("VerifyChains(good) = %v", err)
	}
}
