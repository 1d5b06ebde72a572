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

package identity

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

// Verification error codes. The values are the ones used by OpenSSL's
// X509_V_ERR_* constants, so that log lines are comparable with other
// servers.
const (
	CodeUnspecified           = 1
	CodeCertNotYetValid       = 9
	CodeCertHasExpired        = 10
	CodeUnableToGetIssuerCert = 20
	CodeCertChainTooLong      = 22
	CodeInvalidCA             = 24
	CodeInvalidPurpose        = 26
	CodePermittedViolation    = 47
	CodeUnsupportedNameSyntax = 53
)

// ChainError is returned when a certificate chain cannot be verified. Depth
// is the position of the offending certificate in the presented chain, 0
// being the leaf.
type ChainError struct {
	Code  int
	Depth int
	Err   error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("%v: code %d depth %d: %v", ErrVerification, e.Code, e.Depth, e.Err)
}

func (e *ChainError) Unwrap() []error {
	return []error{ErrVerification, e.Err}
}

// VerifyChain verifies certs[0] against roots, using the rest of certs as
// intermediates. usage is the required extended key usage. It returns the
// verified chains, each starting with certs[0] and ending with a root.
func VerifyChain(certs []*x509.Certificate, roots *x509.CertPool, usage x509.ExtKeyUsage) ([][]*x509.Certificate, error) {
	if len(certs) == 0 {
		return nil, ErrNoCertificate
	}
	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: x509.NewCertPool(),
		KeyUsages:     []x509.ExtKeyUsage{usage},
	}
	for _, c := range certs[1:] {
		opts.Intermediates.AddCert(c)
	}
	chains, err := certs[0].Verify(opts)
	if err != nil {
		return nil, newChainError(err, certs, time.Now())
	}
	return chains, nil
}

func newChainError(err error, certs []*x509.Certificate, now time.Time) *ChainError {
	ce := &ChainError{Code: CodeUnspecified, Err: err}
	var (
		uae x509.UnknownAuthorityError
		cie x509.CertificateInvalidError
		sre x509.SystemRootsError
	)
	switch {
	case errors.As(err, &uae):
		ce.Code = CodeUnableToGetIssuerCert
		ce.Depth = depthOf(uae.Cert, certs, len(certs)-1)
	case errors.As(err, &cie):
		ce.Depth = depthOf(cie.Cert, certs, 0)
		switch cie.Reason {
		case x509.Expired:
			ce.Code = CodeCertHasExpired
			if cie.Cert != nil && now.Before(cie.Cert.NotBefore) {
				ce.Code = CodeCertNotYetValid
			}
		case x509.NotAuthorizedToSign:
			ce.Code = CodeInvalidCA
		case x509.IncompatibleUsage:
			ce.Code = CodeInvalidPurpose
		case x509.TooManyIntermediates:
			ce.Code = CodeCertChainTooLong
		case x509.CANotAuthorizedForThisName, x509.CANotAuthorizedForExtKeyUsage:
			ce.Code = CodePermittedViolation
		case x509.UnconstrainedName:
			ce.Code = CodeUnsupportedNameSyntax
		}
	case errors.As(err, &sre):
		ce.Code = CodeUnableToGetIssuerCert
		ce.Depth = len(certs) - 1
	}
	return ce
}

func depthOf(cert *x509.Certificate, certs []*x509.Certificate, def int) int {
	if cert == nil {
		return def
	}
	for i, c := range certs {
		if c.Equal(cert) {
			return i
		}
	}
	return def
}
