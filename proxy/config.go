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
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"

	"github.com/robfig/cron/v3"
	"golang.org/x/sys/unix"
	yaml "gopkg.in/yaml.v3"

	"github.com/c2FmZQ/tlsfront/proxy/internal/alpn"
	"github.com/c2FmZQ/tlsfront/proxy/internal/ticketkeys"
	"github.com/c2FmZQ/tlsfront/proxy/internal/tlsctx"
)

// ErrConfig is wrapped by the errors returned by New when the configuration
// can't be used, e.g. an unreadable certificate or an unknown cipher.
var ErrConfig = tlsctx.ErrConfig

// Config is the TLS front end configuration.
type Config struct {
	// Definitions is a section where yaml anchors can be defined. It is
	// otherwise ignored.
	Definitions any `yaml:"definitions,omitempty"`

	// ListenAddr is the address where TLS connections are accepted.
	ListenAddr string `yaml:"listenAddr"`
	// MetricsAddr, if set, is the address of the prometheus /metrics
	// endpoint.
	MetricsAddr string `yaml:"metricsAddr,omitempty"`
	// CacheDir is where the master key, the session ticket keys, and the
	// OCSP responses are stored.
	CacheDir string `yaml:"cacheDir,omitempty"`
	// MaxOpen is the maximum number of open incoming connections.
	MaxOpen int `yaml:"maxOpen,omitempty"`
	// AcceptProxyProtocolFrom is a list of CIDRs. Connections from these
	// networks must start with a PROXY protocol header.
	AcceptProxyProtocolFrom []string `yaml:"acceptProxyProtocolFrom,omitempty"`
	// MaxHandshakeRate is the maximum number of handshakes per second.
	// Zero means no limit.
	MaxHandshakeRate float64 `yaml:"maxHandshakeRate,omitempty"`

	TLS        *ConfigTLS        `yaml:"tls"`
	Downstream *ConfigDownstream `yaml:"downstream"`
	LogFilter  LogFilter         `yaml:"logFilter,omitempty"`

	acceptProxyFrom []*net.IPNet
}

// ConfigTLS is the server side TLS configuration.
type ConfigTLS struct {
	// CertFile and KeyFile are the default certificate. It is used when
	// no other certificate matches the client's server name.
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
	// PrivateKeyPassword, if set, means that the key files are PKCS#12
	// archives encrypted with this password.
	PrivateKeyPassword string `yaml:"privateKeyPassword,omitempty"`
	// SubCerts are additional certificates, selected by server name.
	SubCerts []*ConfigKeyPair `yaml:"subcerts,omitempty"`
	// Versions are the enabled protocol versions. The default is
	// TLSv1.2 and TLSv1.3.
	Versions []string `yaml:"versions,omitempty"`
	// Ciphers is a colon separated list of TLS 1.2 cipher suites.
	Ciphers     string `yaml:"ciphers,omitempty"`
	DHParamFile string `yaml:"dhParamFile,omitempty"`
	// VerifyClient requires a client certificate issued by
	// VerifyClientCACert.
	VerifyClient       bool   `yaml:"verifyClient,omitempty"`
	VerifyClientCACert string `yaml:"verifyClientCACert,omitempty"`
	// ALPN is the server's protocol preference list. The default is h2,
	// http/1.1.
	ALPN []string `yaml:"alpn,omitempty"`
	// OCSPStapling enables OCSP stapling. The default is true.
	OCSPStapling *bool           `yaml:"ocspStapling,omitempty"`
	TicketKeys   ConfigTicketKeys `yaml:"ticketKeys,omitempty"`
}

// ConfigKeyPair is a certificate file and its key file.
type ConfigKeyPair struct {
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// ConfigTicketKeys controls the session ticket keys. Keys are read from
// Files when they are set. Otherwise, they are generated and rotated on the
// Rotate schedule.
type ConfigTicketKeys struct {
	Files   []string `yaml:"files,omitempty"`
	Rotate  string   `yaml:"rotate,omitempty"`
	MaxKeys int      `yaml:"maxKeys,omitempty"`
}

// ConfigDownstream is the server where requests are forwarded.
type ConfigDownstream struct {
	// Address is the host:port of the server.
	Address string `yaml:"address"`
	// Host is the expected identity of the server, a DNS name or an IP
	// address. It defaults to the host part of Address.
	Host string `yaml:"host,omitempty"`
	// NoTLS disables TLS.
	NoTLS bool `yaml:"noTLS,omitempty"`
	// CACert is added to the system's trust store.
	CACert string `yaml:"caCert,omitempty"`
	// ClientCertFile and ClientKeyFile are the certificate presented to
	// the server.
	ClientCertFile string `yaml:"clientCertFile,omitempty"`
	ClientKeyFile  string `yaml:"clientKeyFile,omitempty"`
	// ALPN is the protocol used with the server: h2 or http/1.1. The
	// default is h2.
	ALPN []string `yaml:"alpn,omitempty"`
	// CheckRevocation enables OCSP checks of the server's certificate
	// chain. A stapled response is used when the server sends one.
	CheckRevocation bool `yaml:"checkRevocation,omitempty"`
}

// LogFilter controls what gets logged.
type LogFilter struct {
	Connections *bool `yaml:"connections,omitempty"`
	Requests    *bool `yaml:"requests,omitempty"`
	Errors      *bool `yaml:"errors,omitempty"`
}

func openFileLimit() (int, error) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 0, err
	}
	if rl.Cur < rl.Max {
		rl.Cur = rl.Max
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
			return 0, err
		}
	}
	return int(rl.Cur), nil
}

// Check checks that the Config is valid, and sets default values.
func (cfg *Config) Check() error {
	cfg.Definitions = nil
	if cfg.CacheDir == "" {
		d, err := os.UserCacheDir()
		if err != nil {
			return errors.New("cacheDir must be set in config")
		}
		cfg.CacheDir = filepath.Join(d, "tlsfront")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":3000"
	}
	if cfg.MaxOpen == 0 {
		n, err := openFileLimit()
		if err != nil {
			return errors.New("maxOpen: value must be set")
		}
		cfg.MaxOpen = n/2 - 100
	}
	if cfg.MaxOpen < 0 {
		return fmt.Errorf("maxOpen: invalid value %d", cfg.MaxOpen)
	}
	cfg.acceptProxyFrom = nil
	for i, s := range cfg.AcceptProxyProtocolFrom {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return fmt.Errorf("acceptProxyProtocolFrom[%d]: %w", i, err)
		}
		cfg.acceptProxyFrom = append(cfg.acceptProxyFrom, n)
	}
	if cfg.MaxHandshakeRate < 0 {
		return fmt.Errorf("maxHandshakeRate: invalid value %v", cfg.MaxHandshakeRate)
	}
	if cfg.TLS == nil {
		return errors.New("tls: section must be set")
	}
	if err := cfg.TLS.check(); err != nil {
		return err
	}
	if cfg.Downstream == nil {
		return errors.New("downstream: section must be set")
	}
	return cfg.Downstream.check()
}

func (c *ConfigTLS) check() error {
	if c.CertFile == "" {
		return errors.New("tls.certFile must be set")
	}
	if c.KeyFile == "" {
		return errors.New("tls.keyFile must be set")
	}
	for i, sc := range c.SubCerts {
		if sc == nil || sc.CertFile == "" {
			return fmt.Errorf("tls.subcerts[%d].certFile must be set", i)
		}
		if sc.KeyFile == "" {
			return fmt.Errorf("tls.subcerts[%d].keyFile must be set", i)
		}
	}
	if len(c.Versions) == 0 {
		c.Versions = slices.Clone(tlsctx.DefaultVersions)
	}
	if _, _, _, err := tlsctx.ProtoMask(c.Versions); err != nil {
		return fmt.Errorf("tls.versions: %w", err)
	}
	if _, err := tlsctx.ParseCiphers(c.Ciphers); err != nil {
		return fmt.Errorf("tls.ciphers: %w", err)
	}
	if c.VerifyClient && c.VerifyClientCACert == "" {
		return errors.New("tls.verifyClientCACert must be set when verifyClient is true")
	}
	if len(c.ALPN) == 0 {
		c.ALPN = []string{alpn.H2, "http/1.1"}
	}
	if _, err := alpn.NewPreferences(c.ALPN); err != nil {
		return fmt.Errorf("tls.alpn: %w", err)
	}
	if c.OCSPStapling == nil {
		t := true
		c.OCSPStapling = &t
	}
	tk := &c.TicketKeys
	if tk.MaxKeys == 0 {
		tk.MaxKeys = ticketkeys.DefaultMaxKeys
	}
	if tk.MaxKeys < 0 {
		return fmt.Errorf("tls.ticketKeys.maxKeys: invalid value %d", tk.MaxKeys)
	}
	if len(tk.Files) > 0 && tk.Rotate != "" {
		return errors.New("tls.ticketKeys: files and rotate are mutually exclusive")
	}
	if len(tk.Files) == 0 {
		if tk.Rotate == "" {
			tk.Rotate = ticketkeys.DefaultSchedule
		}
		if _, err := cron.ParseStandard(tk.Rotate); err != nil {
			return fmt.Errorf("tls.ticketKeys.rotate: %w", err)
		}
	}
	return nil
}

func (c *ConfigDownstream) check() error {
	if c.Address == "" {
		return errors.New("downstream.address must be set")
	}
	host, _, err := net.SplitHostPort(c.Address)
	if err != nil {
		return fmt.Errorf("downstream.address: %w", err)
	}
	if c.Host == "" {
		c.Host = host
	}
	if (c.ClientCertFile == "") != (c.ClientKeyFile == "") {
		return errors.New("downstream.clientCertFile and downstream.clientKeyFile must be set together")
	}
	if c.NoTLS && (c.CACert != "" || c.ClientCertFile != "" || c.CheckRevocation) {
		return errors.New("downstream.noTLS: caCert, client certificates and checkRevocation require TLS")
	}
	if len(c.ALPN) == 0 {
		c.ALPN = []string{alpn.H2}
	}
	if _, err := alpn.NewPreferences(c.ALPN); err != nil {
		return fmt.Errorf("downstream.alpn: %w", err)
	}
	return nil
}

// ReadConfig reads and validates a YAML config file.
func ReadConfig(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
