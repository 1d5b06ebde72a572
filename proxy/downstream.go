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
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"golang.org/x/net/http2"

	"github.com/c2FmZQ/tlsfront/proxy/internal/alpn"
	"github.com/c2FmZQ/tlsfront/proxy/internal/metrics"
	"github.com/c2FmZQ/tlsfront/proxy/internal/ocspcache"
	"github.com/c2FmZQ/tlsfront/proxy/internal/tlsctx"
)

// Downstream is the server where requests are forwarded.
type Downstream struct {
	cfg    *ConfigDownstream
	client *tlsctx.ClientContext
	proto  string
	dialer net.Dialer
}

// NewDownstream returns a Downstream that uses the default TLS policy. It is
// meant for clients that only need Dial. OCSP responses aren't persisted.
func NewDownstream(cfg *ConfigDownstream, logger Logger) (*Downstream, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	b, err := tlsctx.NewBuilder(tlsctx.Policy{Logger: logger})
	if err != nil {
		return nil, err
	}
	var oc *ocspcache.OCSPCache
	if cfg.CheckRevocation {
		if oc, err = ocspcache.New(nil, logger); err != nil {
			return nil, err
		}
	}
	return newDownstream(b, cfg, oc)
}

func newDownstream(b *tlsctx.Builder, cfg *ConfigDownstream, oc *ocspcache.OCSPCache) (*Downstream, error) {
	d := &Downstream{
		cfg:    cfg,
		proto:  cfg.ALPN[0],
		dialer: net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second},
	}
	if cfg.NoTLS {
		return d, nil
	}
	prefs, err := alpn.NewPreferences(cfg.ALPN)
	if err != nil {
		return nil, fmt.Errorf("%w: downstream.alpn: %w", ErrConfig, err)
	}
	opts := tlsctx.ClientOptions{
		Host:       cfg.Host,
		CACertFile: cfg.CACert,
		CertFile:   cfg.ClientCertFile,
		KeyFile:    cfg.ClientKeyFile,
		ALPN:       prefs,
	}
	if cfg.CheckRevocation && oc != nil {
		opts.Revocation = oc
	}
	if d.client, err = b.NewClientContext(opts); err != nil {
		return nil, err
	}
	return d, nil
}

// Dial connects to the downstream server. With TLS, the server's
// certificate must be valid for the configured host. protos, when set,
// replace the configured ALPN list.
func (d *Downstream) Dial(ctx context.Context, protos ...string) (net.Conn, error) {
	conn, err := d.dialer.DialContext(ctx, "tcp", d.cfg.Address)
	if err != nil {
		metrics.DownstreamDials.WithLabelValues("error").Inc()
		return nil, err
	}
	if d.client == nil {
		metrics.DownstreamDials.WithLabelValues("ok").Inc()
		return conn, nil
	}
	tc, err := d.client.Handshake(ctx, conn, protos...)
	if err != nil {
		metrics.DownstreamDials.WithLabelValues("tls-error").Inc()
		return nil, fmt.Errorf("%s: %w", d.cfg.Address, err)
	}
	metrics.DownstreamDials.WithLabelValues("ok").Inc()
	return tc, nil
}

type funcRoundTripper func(req *http.Request) (*http.Response, error)

func (rt funcRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return rt(req)
}

func (d *Downstream) transport() http.RoundTripper {
	h1 := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return d.Dial(ctx, "http/1.1")
		},
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return d.Dial(ctx, "http/1.1")
		},
		MaxIdleConns:          100,
		IdleConnTimeout:       30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	h2 := &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			conn, err := d.Dial(ctx, alpn.H2)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*tls.Conn); ok {
				if cs := tc.ConnectionState(); cs.NegotiatedProtocol != alpn.H2 || !tlsctx.CheckHTTP2Requirement(cs) {
					conn.Close()
					return nil, errors.New("downstream server doesn't support h2")
				}
			}
			return conn, nil
		},
		DisableCompression: true,
		AllowHTTP:          true,
		ReadIdleTimeout:    30 * time.Second,
		WriteByteTimeout:   30 * time.Second,
	}
	return funcRoundTripper(func(req *http.Request) (*http.Response, error) {
		if d.proto == alpn.H2 {
			return h2.RoundTrip(req)
		}
		return h1.RoundTrip(req)
	})
}

func (d *Downstream) reverseProxy(p *Proxy) http.Handler {
	target := &url.URL{Scheme: "https", Host: d.cfg.Address}
	if d.cfg.NoTLS {
		target.Scheme = "http"
	}
	return &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.Out.Host = r.In.Host
			r.SetXForwarded()
		},
		Transport: d.transport(),
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			p.logErrorF("PRX %s ➔ %s %s: %v", req.RemoteAddr, req.Method, req.URL, err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}
