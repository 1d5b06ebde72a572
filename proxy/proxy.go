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

// Package proxy is a TLS front end. It terminates TLS connections, selects
// the certificate by server name, and forwards the HTTP requests to a
// downstream server over a verified TLS connection.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
	"github.com/pires/go-proxyproto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"golang.org/x/net/http2"
	"golang.org/x/net/idna"
	"golang.org/x/time/rate"

	"github.com/c2FmZQ/tlsfront/proxy/internal/alpn"
	"github.com/c2FmZQ/tlsfront/proxy/internal/metrics"
	"github.com/c2FmZQ/tlsfront/proxy/internal/netw"
	"github.com/c2FmZQ/tlsfront/proxy/internal/ocspcache"
	"github.com/c2FmZQ/tlsfront/proxy/internal/ticketkeys"
	"github.com/c2FmZQ/tlsfront/proxy/internal/tlsctx"
)

const (
	startTimeKey  = "s"
	connIDKey     = "id"
	serverNameKey = "sn"
	protoKey      = "p"
	reportEndKey  = "re"
	proxyProtoKey = "pp"

	handshakeTimeout    = 2 * time.Minute
	ocspRefreshInterval = time.Hour
)

// Proxy receives TLS connections and forwards the requests to the
// downstream server.
type Proxy struct {
	cfg    *Config
	logger Logger

	ctx      context.Context
	cancel   func()
	listener net.Listener

	mk         crypto.MasterKey
	store      *storage.Storage
	tickets    *ticketkeys.Manager
	rotator    *ticketkeys.Rotator
	contexts   *tlsctx.ServerContexts
	downstream *Downstream
	ocspCache  *ocspcache.OCSPCache
	limiter    *rate.Limiter

	handler       http.Handler
	httpConnChan  chan net.Conn
	httpServer    *http.Server
	h2Server      *http2.Server
	metricsServer *http.Server

	mu         sync.Mutex
	connClosed *sync.Cond
	inConns    *connTracker
}

// New returns a new initialized Proxy. The master key in cfg.CacheDir is
// protected with passphrase. It is created if it doesn't exist.
func New(cfg *Config, passphrase []byte, logger Logger) (*Proxy, error) {
	p := &Proxy{
		cfg:     cfg,
		logger:  logger,
		inConns: newConnTracker(),
	}
	p.connClosed = sync.NewCond(&p.mu)
	ilog := filteredLogger{p}

	if err := os.MkdirAll(cfg.CacheDir, 0o700); err != nil {
		return nil, err
	}
	opts := []crypto.Option{
		crypto.WithAlgo(crypto.PickFastest),
		crypto.WithLogger(storageLogger{ilog}),
	}
	mkFile := filepath.Join(cfg.CacheDir, "masterkey")
	mk, err := crypto.ReadMasterKey(passphrase, mkFile, opts...)
	if errors.Is(err, os.ErrNotExist) {
		if mk, err = crypto.CreateMasterKey(opts...); err != nil {
			return nil, errors.New("failed to create master key")
		}
		err = mk.Save(passphrase, mkFile)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", mkFile, err)
	}
	p.mk = mk
	p.store = storage.New(cfg.CacheDir, mk)

	p.tickets = ticketkeys.NewManager(ilog)
	if files := cfg.TLS.TicketKeys.Files; len(files) > 0 {
		ring, err := ticketkeys.LoadKeyFiles(files...)
		if err != nil {
			return nil, fmt.Errorf("%w: tls.ticketKeys.files: %w", ErrConfig, err)
		}
		p.tickets.Publish(ring)
	} else if p.rotator, err = ticketkeys.NewRotator(p.store, p.tickets, cfg.TLS.TicketKeys.MaxKeys); err != nil {
		return nil, fmt.Errorf("ticket keys: %w", err)
	}

	prefs, err := alpn.NewPreferences(cfg.TLS.ALPN)
	if err != nil {
		return nil, fmt.Errorf("%w: tls.alpn: %w", ErrConfig, err)
	}
	b, err := tlsctx.NewBuilder(tlsctx.Policy{
		Versions:           cfg.TLS.Versions,
		Ciphers:            cfg.TLS.Ciphers,
		DHParamFile:        cfg.TLS.DHParamFile,
		VerifyClient:       cfg.TLS.VerifyClient,
		VerifyClientCACert: cfg.TLS.VerifyClientCACert,
		PrivateKeyPassword: cfg.TLS.PrivateKeyPassword,
		ALPN:               prefs,
		Tickets:            p.tickets,
		Logger:             ilog,
	})
	if err != nil {
		return nil, err
	}
	subs := make([]tlsctx.KeyPair, 0, len(cfg.TLS.SubCerts))
	for _, sc := range cfg.TLS.SubCerts {
		subs = append(subs, tlsctx.KeyPair{CertFile: sc.CertFile, KeyFile: sc.KeyFile})
	}
	if p.contexts, err = b.NewServerContexts(tlsctx.KeyPair{CertFile: cfg.TLS.CertFile, KeyFile: cfg.TLS.KeyFile}, subs); err != nil {
		return nil, err
	}
	if p.ocspCache, err = ocspcache.New(p.store, ilog); err != nil {
		return nil, err
	}
	if p.downstream, err = newDownstream(b, cfg.Downstream, p.ocspCache); err != nil {
		return nil, err
	}
	if r := cfg.MaxHandshakeRate; r > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(r), max(1, int(r)))
	}
	p.handler = p.logHandler(p.downstream.reverseProxy(p))
	return p, nil
}

// Start starts the TLS front end. It runs in background until the context
// is canceled.
func (p *Proxy) Start(ctx context.Context) error {
	listener, err := netw.Listen("tcp", p.cfg.ListenAddr)
	if err != nil {
		return err
	}
	p.listener = listener
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.httpConnChan = make(chan net.Conn)
	p.httpServer = p.startInternalHTTPServer(p.handler, p.httpConnChan)
	p.h2Server = &http2.Server{
		IdleTimeout: 30 * time.Second,
		CountError: func(errType string) {
			p.logger.Debugf("http2 server error: %s", errType)
		},
	}

	if p.cfg.MetricsAddr != "" {
		ml, err := net.Listen("tcp", p.cfg.MetricsAddr)
		if err != nil {
			p.listener.Close()
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
		p.metricsServer = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go p.serveHTTP(p.metricsServer, ml)
	}

	if p.rotator != nil {
		if err := p.rotator.Start(p.ctx, p.cfg.TLS.TicketKeys.Rotate); err != nil {
			p.Stop()
			return err
		}
	} else {
		go func() {
			if err := p.tickets.Watch(p.ctx, p.cfg.TLS.TicketKeys.Files...); err != nil {
				p.logErrorF("Ticket key watcher: %v", err)
			}
		}()
	}
	if *p.cfg.TLS.OCSPStapling {
		var targets []ocspcache.Stapled
		for _, c := range p.contexts.All() {
			targets = append(targets, c)
		}
		go p.ocspCache.RefreshLoop(p.ctx, ocspRefreshInterval, targets...)
	}
	go p.ocspCache.FlushLoop(p.ctx)
	go p.ctxWait()
	go p.acceptLoop()
	return nil
}

// Addr returns the address of the TLS listener.
func (p *Proxy) Addr() net.Addr {
	return p.listener.Addr()
}

func (p *Proxy) ctxWait() {
	<-p.ctx.Done()
	p.Stop()
}

func (p *Proxy) acceptLoop() {
	p.logger.Infof("Accepting TLS connections on %s %s", p.listener.Addr().Network(), p.listener.Addr())
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				p.logger.Infof("TLS Accept loop terminated")
				break
			}
			p.logErrorF("TLS Accept: %v", err)
			continue
		}
		go p.handleConnection(conn.(*netw.Conn))
	}
}

// Stop closes all connections and stops all goroutines.
func (p *Proxy) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	mk := p.mk
	p.mk = nil
	p.mu.Unlock()

	if p.listener != nil {
		p.listener.Close()
	}
	if p.httpServer != nil {
		p.httpServer.Close()
	}
	if p.metricsServer != nil {
		p.metricsServer.Close()
	}
	for _, conn := range p.inConns.slice() {
		conn.Close()
	}
	if mk != nil {
		mk.Wipe()
	}
}

// Shutdown gracefully shuts down the proxy, waiting for all existing
// connections to close or ctx to be canceled.
func (p *Proxy) Shutdown(ctx context.Context) {
	p.listener.Close()
	if p.httpServer != nil {
		p.httpServer.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for p.inConns.len() > 0 {
			p.connClosed.Wait()
		}
		close(done)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
	p.Stop()
}

func (p *Proxy) acceptProxyHeader(addr net.Addr) bool {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return false
	}
	for _, n := range p.cfg.acceptProxyFrom {
		if n.Contains(tcpAddr.IP) {
			return true
		}
	}
	return false
}

func (p *Proxy) handleConnection(conn *netw.Conn) {
	metrics.ConnectionsTotal.Inc()
	defer func() {
		if r := recover(); r != nil {
			p.logErrorF("%s: PANIC: %v", conn.RemoteAddr(), r)
			conn.Close()
		}
	}()
	closeConnNeeded := true
	defer func() {
		if closeConnNeeded {
			conn.Close()
		}
	}()
	conn.SetAnnotation(startTimeKey, time.Now())
	conn.SetAnnotation(connIDKey, xid.New().String())
	if p.acceptProxyHeader(conn.RemoteAddr()) {
		conn.Conn = proxyproto.NewConn(conn.Conn)
		conn.SetAnnotation(proxyProtoKey, true)
	}
	numOpen := p.inConns.add(conn)
	metrics.ConnectionsActive.Inc()
	conn.OnClose(func() {
		p.inConns.remove(conn)
		metrics.ConnectionsActive.Dec()
		if conn.Annotation(reportEndKey, false).(bool) {
			startTime := conn.Annotation(startTimeKey, time.Time{}).(time.Time)
			p.logConnF("END %s; Dur:%s Recv:%d Sent:%d", formatConnDesc(conn),
				time.Since(startTime).Truncate(time.Millisecond), conn.BytesReceived(), conn.BytesSent())
		}
		p.mu.Lock()
		p.connClosed.Broadcast()
		p.mu.Unlock()
	})
	if numOpen > p.cfg.MaxOpen {
		p.logErrorF("BAD %s: too many open connections: %d > %d", formatConnDesc(conn), numOpen, p.cfg.MaxOpen)
		sendCloseNotify(conn)
		return
	}
	if p.limiter != nil && !p.limiter.Allow() {
		metrics.Handshakes.WithLabelValues("rate-limited").Inc()
		p.logErrorF("BAD %s: handshake rate limit exceeded", formatConnDesc(conn))
		sendHandshakeFailure(conn)
		return
	}
	setKeepAlive(conn)
	conn.OnRenegotiation(func() {
		metrics.Renegotiations.Inc()
		p.logErrorF("BAD %s: TLS renegotiation detected, closing connection", formatConnDesc(conn))
		conn.Close()
	})

	tc := tls.Server(conn, p.contexts.TLSConfig())
	ctx, cancel := context.WithTimeout(p.ctx, handshakeTimeout)
	err := tc.HandshakeContext(ctx)
	cancel()
	if err != nil {
		metrics.Handshakes.WithLabelValues("error").Inc()
		p.logErrorF("BAD %s: handshake: %v", formatConnDesc(conn), unwrapErr(err))
		return
	}
	conn.MarkHandshakeDone()
	metrics.Handshakes.WithLabelValues("ok").Inc()

	cs := tc.ConnectionState()
	conn.SetAnnotation(serverNameKey, cs.ServerName)
	conn.SetAnnotation(protoKey, cs.NegotiatedProtocol)
	conn.SetAnnotation(reportEndKey, true)
	p.logConnF("CON %s", formatConnDesc(conn))

	if cs.NegotiatedProtocol == alpn.H2 {
		if !tlsctx.CheckHTTP2Requirement(cs) {
			p.logErrorF("BAD %s: h2 requires TLS 1.2 or later", formatConnDesc(conn))
			return
		}
		p.h2Server.ServeConn(tc, &http2.ServeConnOpts{
			Context:    context.WithValue(p.ctx, connCtxKey, net.Conn(tc)),
			BaseConfig: p.httpServer,
			Handler:    p.handler,
		})
		return
	}
	select {
	case p.httpConnChan <- tc:
		closeConnNeeded = false
	case <-p.ctx.Done():
	}
}

func setKeepAlive(conn net.Conn) {
	switch c := conn.(type) {
	case *tls.Conn:
		setKeepAlive(c.NetConn())
	case *net.TCPConn:
		c.SetKeepAlivePeriod(30 * time.Second)
		c.SetKeepAlive(true)
	case *proxyproto.Conn:
		setKeepAlive(c.Raw())
	case *netw.Conn:
		setKeepAlive(c.Conn)
	default:
	}
}

func netwConn(c net.Conn) *netw.Conn {
	switch c := c.(type) {
	case *tls.Conn:
		return netwConn(c.NetConn())
	case *netw.Conn:
		return c
	default:
		return nil
	}
}

func connID(c net.Conn) string {
	if nc := netwConn(c); nc != nil {
		return nc.Annotation(connIDKey, "-").(string)
	}
	return "-"
}

func idnaToUnicode(name string) string {
	if n, err := idna.Lookup.ToUnicode(name); err == nil {
		return n
	}
	return name
}

func formatConnDesc(c *netw.Conn) string {
	var buf strings.Builder
	buf.WriteString("[" + c.Annotation(connIDKey, "-").(string) + "] ")
	buf.WriteString(c.RemoteAddr().Network() + ":" + c.RemoteAddr().String())
	if c.Annotation(proxyProtoKey, false).(bool) {
		buf.WriteString(" ➔ ")
		buf.WriteString(c.LocalAddr().Network() + ":" + c.LocalAddr().String())
	}
	if sn := c.Annotation(serverNameKey, "").(string); sn != "" {
		buf.WriteString(" ➔ " + idnaToUnicode(sn))
	}
	if proto := c.Annotation(protoKey, "").(string); proto != "" {
		buf.WriteString("|" + proto)
	}
	return buf.String()
}

func unwrapErr(err error) error {
	if e, ok := err.(*net.OpError); ok {
		return unwrapErr(e.Err)
	}
	return err
}
