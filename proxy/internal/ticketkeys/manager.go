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

package ticketkeys

import (
	"crypto/tls"
	"encoding/hex"
	"sync"
	"sync/atomic"

	"github.com/c2FmZQ/tlsfront/proxy/internal/metrics"
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

var emptyRing = NewRing()

// Manager holds the current Ring. Handshakes take a snapshot of the ring
// and use it for the whole handshake. Publish replaces the ring without
// affecting existing snapshots.
type Manager struct {
	logger Logger
	ring   atomic.Pointer[Ring]

	mu   sync.Mutex
	subs []chan *Ring
}

// NewManager returns a Manager with an empty ring.
func NewManager(logger Logger) *Manager {
	if logger == nil {
		logger = nopLogger{}
	}
	m := &Manager{logger: logger}
	m.ring.Store(emptyRing)
	return m
}

// Snapshot returns the current ring. It is never nil.
func (m *Manager) Snapshot() *Ring {
	return m.ring.Load()
}

// Publish makes r the current ring and notifies the subscribers.
func (m *Manager) Publish(r *Ring) {
	if r == nil {
		r = emptyRing
	}
	m.ring.Store(r)
	metrics.TicketKeys.Set(float64(r.Len()))
	if r.Len() > 0 {
		m.logger.Infof("Ticket keys updated: %d keys, encrypting with %s", r.Len(), keyName(r.At(0)))
	} else {
		m.logger.Infof("Ticket keys updated: no keys, tickets disabled")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- r:
		default:
		}
	}
}

// Subscribe returns a channel that receives the ring after each Publish.
// Only the latest ring is kept when the receiver falls behind.
func (m *Manager) Subscribe() <-chan *Ring {
	ch := make(chan *Ring, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, ch)
	return ch
}

// WrapSession returns a tls.Config.WrapSession function that encrypts
// tickets with r.
func (m *Manager) WrapSession(r *Ring) func(tls.ConnectionState, *tls.SessionState) ([]byte, error) {
	return func(cs tls.ConnectionState, ss *tls.SessionState) ([]byte, error) {
		b, err := ss.Bytes()
		if err != nil {
			metrics.TicketOps.WithLabelValues("encrypt", "error").Inc()
			return nil, err
		}
		ticket, err := r.Encrypt(b)
		if err != nil {
			metrics.TicketOps.WithLabelValues("encrypt", "error").Inc()
			m.logger.Errorf("Ticket encrypt [%s]: %v", cs.ServerName, err)
			return nil, err
		}
		metrics.TicketOps.WithLabelValues("encrypt", "ok").Inc()
		m.logger.Debugf("Ticket encrypted [%s] with key %s", cs.ServerName, keyName(r.At(0)))
		return ticket, nil
	}
}

// UnwrapSession returns a tls.Config.UnwrapSession function that decrypts
// tickets with r. Tickets that can't be decrypted are ignored, which makes
// the client do a full handshake.
func (m *Manager) UnwrapSession(r *Ring) func([]byte, tls.ConnectionState) (*tls.SessionState, error) {
	return func(ticket []byte, cs tls.ConnectionState) (*tls.SessionState, error) {
		pt, res, err := r.Decrypt(ticket)
		metrics.TicketOps.WithLabelValues("decrypt", res.String()).Inc()
		if res == NotFound {
			if err != nil {
				m.logger.Debugf("Ticket decrypt [%s]: %v", cs.ServerName, err)
			} else if len(ticket) >= nameSize {
				m.logger.Debugf("Ticket decrypt [%s]: key %s not found", cs.ServerName, hex.EncodeToString(ticket[:nameSize]))
			}
			return nil, nil
		}
		ss, err := tls.ParseSessionState(pt)
		if err != nil {
			m.logger.Errorf("Ticket session state [%s]: %v", cs.ServerName, err)
			return nil, nil
		}
		if res == ValidRenew {
			m.logger.Infof("Ticket decrypted [%s] with old key %s, renewing", cs.ServerName, hex.EncodeToString(ticket[:nameSize]))
		} else {
			m.logger.Debugf("Ticket decrypted [%s] with key %s", cs.ServerName, hex.EncodeToString(ticket[:nameSize]))
		}
		return ss, nil
	}
}

func keyName(k Key) string {
	return hex.EncodeToString(k.Name[:])
}
