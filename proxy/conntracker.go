// MIT License
//
// Copyright (c) 2024 TTBT Enterprises LLC
// Copyright (c) 2024 Robin Thellend <rthellend@rthellend.com>
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
	"sync"

	"github.com/c2FmZQ/tlsfront/proxy/internal/netw"
)

// connTracker keeps track of the open client connections. Connections are
// keyed by identity because the addresses of a PROXY protocol connection
// aren't known until its header is read.
type connTracker struct {
	mu    sync.Mutex
	conns map[*netw.Conn]struct{}
}

func newConnTracker() *connTracker {
	return &connTracker{conns: make(map[*netw.Conn]struct{})}
}

func (t *connTracker) add(c *netw.Conn) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[c] = struct{}{}
	return len(t.conns)
}

func (t *connTracker) remove(c *netw.Conn) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, c)
	return len(t.conns)
}

func (t *connTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *connTracker) slice() []*netw.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*netw.Conn, 0, len(t.conns))
	for c := range t.conns {
		out = append(out, c)
	}
	return out
}
