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

// Package metrics provides Prometheus metrics for the TLS front end.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Connection metrics.
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tlsfront",
		Name:      "connections_total",
		Help:      "Total number of accepted connections.",
	})
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tlsfront",
		Name:      "connections_active",
		Help:      "Number of currently open connections.",
	})
	BytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tlsfront",
		Name:      "bytes_total",
		Help:      "Total bytes transferred on client connections.",
	}, []string{"direction"}) // "rx" or "tx"

	// Handshake metrics.
	Handshakes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tlsfront",
		Subsystem: "tls",
		Name:      "handshakes_total",
		Help:      "Total number of TLS handshakes by result.",
	}, []string{"result"})
	SNILookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tlsfront",
		Subsystem: "tls",
		Name:      "sni_lookups_total",
		Help:      "Certificate selections by kind of match.",
	}, []string{"result"}) // "match" or "default"
	Renegotiations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tlsfront",
		Subsystem: "tls",
		Name:      "renegotiations_total",
		Help:      "Total number of rejected renegotiation attempts.",
	})
	ClientCertFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tlsfront",
		Subsystem: "tls",
		Name:      "client_cert_failures_total",
		Help:      "Client certificate verification failures by error code.",
	}, []string{"code"})

	// Session ticket metrics.
	TicketOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tlsfront",
		Subsystem: "tickets",
		Name:      "ops_total",
		Help:      "Session ticket operations by result.",
	}, []string{"op", "result"})
	TicketKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tlsfront",
		Subsystem: "tickets",
		Name:      "keys",
		Help:      "Number of session ticket keys in the current ring.",
	})

	// OCSP metrics.
	OCSPStaples = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tlsfront",
		Subsystem: "ocsp",
		Name:      "staples_total",
		Help:      "OCSP staple refreshes by result.",
	}, []string{"result"})

	// Downstream metrics.
	DownstreamDials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tlsfront",
		Subsystem: "downstream",
		Name:      "dials_total",
		Help:      "Downstream connection attempts by result.",
	}, []string{"result"})
	DownstreamVerifyFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tlsfront",
		Subsystem: "downstream",
		Name:      "verify_failures_total",
		Help:      "Downstream certificate verification failures by reason.",
	}, []string{"reason"})
)

// Registry holds every metric of this package.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		BytesTotal,

		Handshakes,
		SNILookups,
		Renegotiations,
		ClientCertFailures,

		TicketOps,
		TicketKeys,

		OCSPStaples,

		DownstreamDials,
		DownstreamVerifyFailures,
	)
}
