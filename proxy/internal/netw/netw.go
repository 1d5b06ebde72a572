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

// Package netw is a wrapper around network connections that stores
// annotations, counts bytes, and watches the TLS records sent by the peer.
package netw

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/c2FmZQ/tlsfront/proxy/internal/metrics"
)

var (
	rxBytes = metrics.BytesTotal.WithLabelValues("rx")
	txBytes = metrics.BytesTotal.WithLabelValues("tx")
)

// Listen creates a net listener that is instrumented to store per connection
// annotations and metrics.
func Listen(network, laddr string) (net.Listener, error) {
	l, err := net.Listen(network, laddr)
	if err != nil {
		return nil, err
	}
	return listener{l}, nil
}

type listener struct {
	net.Listener
}

// Accept returns the next connection to the listener.
func (l listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return NewConn(c), nil
}

// NewConn wraps c.
func NewConn(c net.Conn) *Conn {
	return &Conn{Conn: c}
}

// Conn is a wrapper around net.Conn that stores annotations and metrics.
//
// The bytes read from the connection are expected to be a stream of TLS
// records. Once MarkHandshakeDone is called, a handshake record from the
// peer means that the peer is trying to renegotiate. In TLS 1.3, records
// that follow the handshake all have the application data type, so only
// TLS 1.2 and earlier peers can trigger this.
type Conn struct {
	net.Conn

	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	handshakeDone atomic.Bool
	renegotiated  atomic.Bool

	mu              sync.Mutex
	onClose         func()
	onRenegotiation func()
	annotations     map[string]any

	// Only used by Read.
	records recordWatcher
}

// SetAnnotation sets an annotation. The value can be any go value.
func (c *Conn) SetAnnotation(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.annotations == nil {
		c.annotations = make(map[string]any)
	}
	c.annotations[key] = value
}

// SetAnnotation sets an annotation on a connection if it is a *Conn.
func SetAnnotation(conn net.Conn, key string, value any) {
	if c, ok := conn.(*Conn); ok {
		c.SetAnnotation(key, value)
	}
}

// Annotation retrieves an annotation that was previously set on the connection.
// The defaultValue is returned if the annotation was never set.
func (c *Conn) Annotation(key string, defaultValue any) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.annotations[key]; ok {
		return v
	}
	return defaultValue
}

// BytesSent returns the number of bytes sent on this connection so far.
func (c *Conn) BytesSent() int64 {
	return c.bytesSent.Load()
}

// BytesReceived returns the number of bytes received on this connection so far.
func (c *Conn) BytesReceived() int64 {
	return c.bytesReceived.Load()
}

// OnClose sets a callback function that will be called when the connection
// is closed.
func (c *Conn) OnClose(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = f
}

// OnRenegotiation sets a callback function that will be called, at most
// once, when the peer starts a new handshake after MarkHandshakeDone. It is
// called from Read.
func (c *Conn) OnRenegotiation(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRenegotiation = f
}

// MarkHandshakeDone records that the initial TLS handshake is complete.
func (c *Conn) MarkHandshakeDone() {
	c.handshakeDone.Store(true)
}

// HandshakeDone reports whether MarkHandshakeDone was called.
func (c *Conn) HandshakeDone() bool {
	return c.handshakeDone.Load()
}

// MarkRenegotiation flags the connection as having attempted a
// renegotiation. It reports whether the flag was newly set.
func (c *Conn) MarkRenegotiation() bool {
	if !c.renegotiated.CompareAndSwap(false, true) {
		return false
	}
	c.mu.Lock()
	f := c.onRenegotiation
	c.mu.Unlock()
	if f != nil {
		f()
	}
	return true
}

// Renegotiated reports whether the peer attempted a renegotiation.
func (c *Conn) Renegotiated() bool {
	return c.renegotiated.Load()
}

func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.bytesReceived.Add(int64(n))
		rxBytes.Add(float64(n))
		c.records.feed(b[:n], c.record)
	}
	return n, err
}

func (c *Conn) record(typ byte) {
	if typ == recordTypeHandshake && c.handshakeDone.Load() {
		c.MarkRenegotiation()
	}
}

func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.bytesSent.Add(int64(n))
	txBytes.Add(float64(n))
	return n, err
}

func (c *Conn) Close() error {
	c.mu.Lock()
	f := c.onClose
	c.onClose = nil
	c.mu.Unlock()
	if f != nil {
		f()
	}
	return c.Conn.Close()
}

const (
	recordHeaderLen     = 5
	recordTypeHandshake = 22
)

// recordWatcher follows the record boundaries of a TLS byte stream.
type recordWatcher struct {
	hdr       [recordHeaderLen]byte
	hdrLen    int
	remaining int
}

// feed consumes b and calls f with the content type of each record whose
// header is complete.
func (w *recordWatcher) feed(b []byte, f func(typ byte)) {
	for len(b) > 0 {
		if w.remaining > 0 {
			n := min(w.remaining, len(b))
			w.remaining -= n
			b = b[n:]
			continue
		}
		n := copy(w.hdr[w.hdrLen:], b)
		w.hdrLen += n
		b = b[n:]
		if w.hdrLen < recordHeaderLen {
			return
		}
		w.hdrLen = 0
		w.remaining = int(w.hdr[3])<<8 | int(w.hdr[4])
		f(w.hdr[0])
	}
}
