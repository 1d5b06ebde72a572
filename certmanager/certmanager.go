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

// Package certmanager implements an ephemeral certificate authority for
// tests and local development. It issues certificates with arbitrary subject
// alternative names, validity periods and extensions.
// This certificate authority is not and should not be trusted for securing
// any real life communication.
package certmanager

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/net/idna"
)

// CertManager is an X509 certificate manager that also acts as a certificate
// authority for testing purposes.
type CertManager struct {
	name      string
	key       *rsa.PrivateKey
	caCert    *x509.Certificate
	caCertPEM []byte
	pool      *x509.CertPool
	logger    func(string, ...interface{})

	mu    sync.Mutex
	certs map[string]*tls.Certificate
}

// New returns a new ephemeral certificate manager.
func New(name string, logger func(string, ...interface{})) (*CertManager, error) {
	if logger == nil {
		logger = func(string, ...interface{}) {}
	}

	var key *rsa.PrivateKey
	var caCert *x509.Certificate
	var err error

	duration := time.Hour

	stateFile := os.Getenv("CERTMANAGER_STATE_FILE")
	if stateFile != "" {
		if key, caCert, err = readRootKeyAndCert(stateFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger("%q: %v", stateFile, err)
		}
		duration = 24 * 365 * time.Hour
	}
	if key == nil {
		if key, caCert, err = createRootKeyAndCert(name, duration); err != nil {
			return nil, err
		}
		if stateFile != "" {
			if err := saveRootKeyAndCert(stateFile, key, caCert); err != nil {
				logger("%q: %v", stateFile, err)
			} else {
				logger("state saved in %q", stateFile)
			}
		}
	}
	caCertPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: caCert.Raw,
	})
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	return &CertManager{
		name:      name,
		key:       key,
		caCert:    caCert,
		caCertPEM: caCertPEM,
		pool:      pool,
		logger:    logger,
		certs:     make(map[string]*tls.Certificate),
	}, nil
}

func createRootKeyAndCert(name string, d time.Duration) (*rsa.PrivateKey, *x509.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("rsa.GenerateKey: %w", err)
	}
	sn, _ := rand.Int(rand.Reader, big.NewInt(1<<32))
	now := time.Now()
	templ := &x509.Certificate{
		PublicKeyAlgorithm:    x509.RSA,
		SerialNumber:          sn,
		Issuer:                pkix.Name{CommonName: name},
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             now,
		NotAfter:              now.Add(d),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{name},
	}
	b, err := x509.CreateCertificate(rand.Reader, templ, templ, key.Public(), key)
	if err != nil {
		return nil, nil, fmt.Errorf("x509.CreateCertificate: %w", err)
	}
	caCert, err := x509.ParseCertificate(b)
	if err != nil {
		return nil, nil, fmt.Errorf("x509.ParseCertificate: %w", err)
	}
	return key, caCert, nil
}

func readRootKeyAndCert(fileName string) (*rsa.PrivateKey, *x509.Certificate, error) {
	b, err := os.ReadFile(fileName)
	if err != nil {
		return nil, nil, fmt.Errorf("os.ReadFile(%q) = %w", fileName, err)
	}
	var key *rsa.PrivateKey
	var caCert *x509.Certificate

	for {
		block, rest := pem.Decode(b)
		b = rest
		if block == nil {
			break
		}
		if block.Type == "PRIVATE KEY" {
			pk, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, nil, fmt.Errorf("x509.ParsePKCS8PrivateKey: %w", err)
			}
			var ok bool
			if key, ok = pk.(*rsa.PrivateKey); !ok {
				return nil, nil, errors.New("x509.ParsePKCS8PrivateKey: not an RSA key")
			}
		}
		if block.Type == "CERTIFICATE" {
			if caCert, err = x509.ParseCertificate(block.Bytes); err != nil {
				return nil, nil, fmt.Errorf("x509.ParseCertificate: %w", err)
			}
		}

	}
	if key == nil {
		return nil, nil, errors.New("no private key")
	}
	if caCert == nil {
		return nil, nil, errors.New("no certificate")
	}
	return key, caCert, nil
}

func saveRootKeyAndCert(fileName string, key *rsa.PrivateKey, cert *x509.Certificate) error {
	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("x509.MarshalPKCS8PrivateKey: %w", err)
	}
	var buf bytes.Buffer

	if err := pem.Encode(&buf, &pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: keyBytes,
	}); err != nil {
		return fmt.Errorf("pem.Encode: %w", err)
	}
	if err := pem.Encode(&buf, &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	}); err != nil {
		return fmt.Errorf("pem.Encode: %w", err)
	}
	if err := os.WriteFile(fileName, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("os.WriteFile: %w", err)
	}
	return nil
}

// RootCAPEM returns the root certificate in PEM format.
func (cm *CertManager) RootCAPEM() string {
	return string(cm.caCertPEM)
}

// RootCACertPool returns a CertPool that contains the root certificate.
func (cm *CertManager) RootCACertPool() *x509.CertPool {
	return cm.pool
}

// TLSConfig returns a tls.Config that uses this certificate manager.
func (cm *CertManager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: cm.GetCertificate,
	}
}

// GetCertificate can be used in tls.Config.
func (cm *CertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return cm.GetCert(hello.ServerName)
}

// GetCert returns a tls.Certificate with name as the subject's common name
// and only DNS name. Certificates are cached by name.
func (cm *CertManager) GetCert(name string) (*tls.Certificate, error) {
	if n, err := idna.Lookup.ToASCII(name); err == nil {
		name = n
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if c := cm.certs[name]; c != nil {
		return c, nil
	}
	cm.logger("[%s] GetCert(%q)", cm.name, name)
	c, err := cm.issue(CertOptions{
		CommonName: name,
		DNSNames:   []string{name},
	})
	if err != nil {
		return nil, err
	}
	cm.certs[name] = c
	return c, nil
}

// CertOptions controls the content of a certificate created with Issue.
type CertOptions struct {
	CommonName  string
	DNSNames    []string
	IPAddresses []net.IP
	OCSPServer  []string
	// NotBefore and NotAfter default to now and one hour from now.
	NotBefore time.Time
	NotAfter  time.Time
	// ExtKeyUsage defaults to server and client authentication.
	ExtKeyUsage []x509.ExtKeyUsage
	// ExtraExtensions are added to the certificate as is. A subject
	// alternative name extension here replaces DNSNames and IPAddresses.
	ExtraExtensions []pkix.Extension
	// IsCA makes the certificate an intermediate CA.
	IsCA bool
	// Parent is the issuer. It defaults to the root CA.
	Parent *tls.Certificate
}

// Issue returns a new certificate with an ECDSA P-256 key. Its chain
// includes Parent when one is set.
func (cm *CertManager) Issue(opts CertOptions) (*tls.Certificate, error) {
	cm.logger("[%s] Issue(%q, %q, %v)", cm.name, opts.CommonName, opts.DNSNames, opts.IPAddresses)
	return cm.issue(opts)
}

func (cm *CertManager) issue(opts CertOptions) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ecdsa.GenerateKey: %w", err)
	}
	sn, _ := rand.Int(rand.Reader, big.NewInt(1<<32))
	now := time.Now()
	templ := &x509.Certificate{
		SerialNumber:          sn,
		Subject:               pkix.Name{CommonName: opts.CommonName},
		NotBefore:             opts.NotBefore,
		NotAfter:              opts.NotAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           opts.ExtKeyUsage,
		BasicConstraintsValid: true,
		DNSNames:              opts.DNSNames,
		IPAddresses:           opts.IPAddresses,
		OCSPServer:            opts.OCSPServer,
		ExtraExtensions:       opts.ExtraExtensions,
	}
	if templ.NotBefore.IsZero() {
		templ.NotBefore = now.Add(-time.Minute)
	}
	if templ.NotAfter.IsZero() {
		templ.NotAfter = now.Add(time.Hour)
	}
	if templ.ExtKeyUsage == nil {
		templ.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	}
	if opts.IsCA {
		templ.IsCA = true
		templ.KeyUsage |= x509.KeyUsageCertSign
	}
	var parent *x509.Certificate = cm.caCert
	var parentKey any = cm.key
	var chain [][]byte
	if opts.Parent != nil {
		parent, parentKey = opts.Parent.Leaf, opts.Parent.PrivateKey
		chain = opts.Parent.Certificate
	}
	b, err := x509.CreateCertificate(rand.Reader, templ, parent, key.Public(), parentKey)
	if err != nil {
		return nil, fmt.Errorf("x509.CreateCertificate: %w", err)
	}
	cert, err := x509.ParseCertificate(b)
	if err != nil {
		return nil, fmt.Errorf("x509.ParseCertificate: %w", err)
	}
	return &tls.Certificate{
		Certificate: append([][]byte{b}, chain...),
		PrivateKey:  key,
		Leaf:        cert,
	}, nil
}

// WritePEM writes cert and its private key in PEM format to dir/name.crt
// and dir/name.key, and returns the file names.
func WritePEM(dir, name string, cert *tls.Certificate) (certFile, keyFile string, err error) {
	var buf bytes.Buffer
	for _, c := range cert.Certificate {
		if err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: c}); err != nil {
			return "", "", fmt.Errorf("pem.Encode: %w", err)
		}
	}
	certFile = filepath.Join(dir, name+".crt")
	if err := os.WriteFile(certFile, buf.Bytes(), 0o600); err != nil {
		return "", "", fmt.Errorf("os.WriteFile: %w", err)
	}
	keyBytes, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		return "", "", fmt.Errorf("x509.MarshalPKCS8PrivateKey: %w", err)
	}
	keyFile = filepath.Join(dir, name+".key")
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}), 0o600); err != nil {
		return "", "", fmt.Errorf("os.WriteFile: %w", err)
	}
	return certFile, keyFile, nil
}

// WriteRootCAPEM writes the root certificate in PEM format to file.
func (cm *CertManager) WriteRootCAPEM(file string) error {
	return os.WriteFile(file, cm.caCertPEM, 0o644)
}
