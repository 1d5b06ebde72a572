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

// Package ocspcache fetches and caches OCSP responses. They are used to
// staple the server certificates, and to check the revocation status of
// certificate chains.
package ocspcache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/hashicorp/go-retryablehttp"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/ocsp"

	"github.com/c2FmZQ/tlsfront/proxy/internal/metrics"
)

const (
	ocspCacheSize = 200
	ocspFile      = "ocsp-cache"

	// A staple is refreshed when it expires within this margin.
	stapleMargin = 24 * time.Hour
	userAgent    = "tlsfront"
)

var (
	ErrRevoked      = errors.New("revoked cert")
	ErrUnknown      = errors.New("unknown cert")
	ErrProtocol     = errors.New("protocol error")
	ErrNoServer     = errors.New("no ocsp server")
	ErrNoIssuer     = errors.New("no issuer in chain")
	errOCSPInternal = errors.New("internal error")
)

// Logger is the logging interface used by this package.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Errorf(format string, args ...any)
}

// New returns a new cache. Responses are saved in store, which may be nil.
func New(store *storage.Storage, logger Logger) (*OCSPCache, error) {
	c, err := lru.New2Q[string, *ocsp.Response](ocspCacheSize)
	if err != nil {
		return nil, fmt.Errorf("lru.New2Q: %w", err)
	}
	cache := &OCSPCache{
		store:  store,
		cache:  c,
		client: retryablehttp.NewClient(),
		logger: logger,
	}
	cache.client.Logger = nil
	cache.client.RetryMax = 2
	if store != nil {
		var empty []ocspCacheItem
		store.CreateEmptyFile(ocspFile, &empty)
		cache.load()
	}
	return cache, nil
}

// OCSPCache is a cache of OCSP responses, keyed by the hash of the
// certificate.
type OCSPCache struct {
	store  *storage.Storage
	cache  *lru.TwoQueueCache[string, *ocsp.Response]
	client *retryablehttp.Client
	logger Logger
}

type ocspCacheItem struct {
	Key   string
	Value []byte
}

// Stapled is implemented by server contexts whose certificate gets an OCSP
// staple.
type Stapled interface {
	Certificate() *tls.Certificate
	SetOCSPStaple([]byte)
}

func (c *OCSPCache) load() {
	var items []ocspCacheItem
	if err := c.store.ReadDataFile(ocspFile, &items); err != nil {
		c.logger.Errorf("OCSP ReadDataFile: %v", err)
		return
	}
	now := time.Now()
	for _, item := range items {
		if resp, err := ocsp.ParseResponse(item.Value, nil); err == nil && now.Before(resp.NextUpdate) {
			c.cache.Add(item.Key, resp)
		}
	}
}

// FlushLoop saves the cache to storage every minute until ctx is canceled.
func (c *OCSPCache) FlushLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if err := c.Flush(); err != nil {
				c.logger.Errorf("OCSP flush: %v", err)
			}
			return
		case <-time.After(time.Minute):
			if err := c.Flush(); err != nil {
				c.logger.Errorf("OCSP flush: %v", err)
			}
		}
	}
}

// Flush saves the unexpired responses to storage.
func (c *OCSPCache) Flush() error {
	if c.store == nil {
		return nil
	}
	var items []ocspCacheItem
	now := time.Now()
	for _, k := range c.cache.Keys() {
		if v, ok := c.cache.Peek(k); ok {
			if now.After(v.NextUpdate) {
				continue
			}
			items = append(items, ocspCacheItem{
				Key:   k,
				Value: v.Raw,
			})
		}
	}
	return c.store.SaveDataFile(ocspFile, &items)
}

// Staple returns a good OCSP response for the leaf of cert. The issuer must
// be the second certificate of the chain.
func (c *OCSPCache) Staple(ctx context.Context, cert *tls.Certificate) ([]byte, error) {
	if len(cert.Certificate) < 2 {
		return nil, ErrNoIssuer
	}
	leaf := cert.Leaf
	if leaf == nil {
		var err error
		if leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return nil, err
		}
	}
	if len(leaf.OCSPServer) == 0 {
		return nil, ErrNoServer
	}
	issuer, err := x509.ParseCertificate(cert.Certificate[1])
	if err != nil {
		return nil, err
	}
	resp, err := c.Response(ctx, leaf, issuer, stapleMargin)
	if err != nil {
		return nil, err
	}
	if resp.Status != ocsp.Good {
		return nil, ErrRevoked
	}
	return resp.Raw, nil
}

// Refresh staples the certificate of each target. A target keeps its
// current staple when a good response can't be obtained.
func (c *OCSPCache) Refresh(ctx context.Context, targets ...Stapled) {
	for _, t := range targets {
		cert := t.Certificate()
		staple, err := c.Staple(ctx, cert)
		switch {
		case errors.Is(err, ErrNoServer) || errors.Is(err, ErrNoIssuer):
			metrics.OCSPStaples.WithLabelValues("skipped").Inc()
			continue
		case err != nil:
			metrics.OCSPStaples.WithLabelValues("error").Inc()
			c.logger.Errorf("OCSP staple for %s: %v", subject(cert), err)
			continue
		}
		if !bytes.Equal(staple, cert.OCSPStaple) {
			metrics.OCSPStaples.WithLabelValues("updated").Inc()
			c.logger.Infof("OCSP staple updated for %s", subject(cert))
			t.SetOCSPStaple(staple)
		}
	}
}

// RefreshLoop calls Refresh now and then at every interval until ctx is
// canceled.
func (c *OCSPCache) RefreshLoop(ctx context.Context, interval time.Duration, targets ...Stapled) {
	for {
		c.Refresh(ctx, targets...)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func subject(cert *tls.Certificate) string {
	if cert.Leaf != nil {
		return cert.Leaf.Subject.String()
	}
	return "?"
}

// VerifyChains checks the revocation status of verified chains. stapled is
// the OCSP response sent by the peer, if any. It returns nil when every
// certificate of at least one chain is good, or has no OCSP server.
func (c *OCSPCache) VerifyChains(ctx context.Context, chains [][]*x509.Certificate, stapled []byte) error {
	if stapled != nil && len(chains) > 0 && len(chains[0]) > 1 {
		cert, issuer := chains[0][0], chains[0][1]
		if resp, err := ocsp.ParseResponseForCert(stapled, cert, issuer); err == nil && time.Now().Before(resp.NextUpdate) && resp.Status == ocsp.Good {
			hash := certHash(cert.Raw)
			if resp, ok := c.cache.Get(hash); ok && resp.Status == ocsp.Revoked {
				// A revoked cert can't become good again.
				return ErrRevoked
			}
			c.cache.Add(hash, resp)
		}
	}
	var lastError error
nextChain:
	for _, chain := range chains {
		for i, cert := range chain {
			if len(cert.OCSPServer) == 0 {
				continue
			}
			issuer := cert
			if i+1 < len(chain) {
				issuer = chain[i+1]
			}
			resp, err := c.Response(ctx, cert, issuer, 0)
			if err == errOCSPInternal {
				continue
			}
			if err != nil {
				lastError = err
				continue nextChain
			}
			switch resp.Status {
			case ocsp.Revoked:
				c.logger.Errorf("OCSP: %q is revoked", cert.Subject.String())
				lastError = ErrRevoked
				continue nextChain
			case ocsp.Unknown:
				c.logger.Errorf("OCSP: %q is unknown", cert.Subject.String())
				lastError = ErrUnknown
				continue nextChain
			case ocsp.Good:
				c.logger.Debugf("OCSP: %q is good", cert.Subject.String())
				lastError = nil
			default:
				c.logger.Errorf("OCSP: %q has unexpected status %v", cert.Subject.String(), resp.Status)
				lastError = ErrProtocol
				continue nextChain
			}
		}
		// Every cert in the chain is good.
		break
	}
	return lastError
}

func certHash(b []byte) string {
	hash := sha256.Sum256(b)
	return hex.EncodeToString(hash[:])
}

// Response returns the OCSP response for cert. A cached response is used if
// it is still valid margin from now.
func (c *OCSPCache) Response(ctx context.Context, cert, issuer *x509.Certificate, margin time.Duration) (*ocsp.Response, error) {
	hash := certHash(cert.Raw)
	if resp, ok := c.cache.Get(hash); ok && time.Now().Add(margin).Before(resp.NextUpdate) {
		return resp, nil
	}
	resp, err := c.fetchOCSP(ctx, cert, issuer)
	if err == nil {
		c.cache.Add(hash, resp)
	}
	return resp, err
}

func (c *OCSPCache) fetchOCSP(ctx context.Context, cert, issuer *x509.Certificate) (*ocsp.Response, error) {
	ocspReq, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		c.logger.Errorf("ocsp.CreateRequest: %v", err)
		return nil, errOCSPInternal
	}
	var ocspResp *ocsp.Response
	for _, server := range cert.OCSPServer {
		ocspResp, err = c.fetchOneOCSP(ctx, cert, issuer, ocspReq, server)
		if err != nil || ocspResp.Status == ocsp.Unknown {
			continue
		}
		break
	}
	return ocspResp, err
}

func (c *OCSPCache) fetchOneOCSP(ctx context.Context, cert, issuer *x509.Certificate, ocspReq []byte, server string) (*ocsp.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, server, bytes.NewReader(ocspReq))
	if err != nil {
		c.logger.Errorf("http.NewRequest: %v", err)
		return nil, errOCSPInternal
	}
	httpReq.Header.Set("content-type", "application/ocsp-request")
	httpReq.Header.Set("accept", "application/ocsp-response")
	httpReq.Header.Set("user-agent", userAgent)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		c.logger.Errorf("OCSP %s: %v", server, err)
		return nil, ErrProtocol
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(&io.LimitedReader{R: httpResp.Body, N: 4096})
	if err != nil {
		c.logger.Errorf("OCSP body: %v", err)
		return nil, ErrProtocol
	}
	ocspResp, err := ocsp.ParseResponse(body, issuer)
	if err != nil {
		c.logger.Errorf("ocsp.ParseResponse for %s from %s: %v", cert.Subject, server, err)
		return nil, ErrProtocol
	}
	return ocspResp, nil
}
