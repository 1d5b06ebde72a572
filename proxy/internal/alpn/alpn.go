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

// Package alpn selects the application protocol of a TLS connection from the
// protocols offered by the client and an ordered server preference list.
package alpn

import (
	"bytes"
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// H2 is the protocol id of HTTP/2 over TLS.
const H2 = "h2"

var ErrInvalid = errors.New("invalid protocol list")

// Preferences is an ordered list of protocol ids, most preferred first. It
// is immutable.
type Preferences struct {
	protos [][]byte
	wire   []byte
}

// NewPreferences returns the Preferences for protos. Each id must be between
// 1 and 255 bytes long, and the encoded list must fit in 65535 bytes.
func NewPreferences(protos []string) (*Preferences, error) {
	p := &Preferences{
		protos: make([][]byte, 0, len(protos)),
	}
	b := cryptobyte.NewBuilder(nil)
	for _, proto := range protos {
		if len(proto) == 0 || len(proto) > 255 {
			return nil, fmt.Errorf("%w: protocol id %q has length %d", ErrInvalid, proto, len(proto))
		}
		p.protos = append(p.protos, []byte(proto))
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(proto))
		})
	}
	wire, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(wire) > 65535 {
		return nil, fmt.Errorf("%w: encoded length %d exceeds 65535", ErrInvalid, len(wire))
	}
	p.wire = wire
	return p, nil
}

// Wire returns the length-prefixed encoding of the list, as advertised in
// the NPN extension.
func (p *Preferences) Wire() []byte {
	if p == nil {
		return nil
	}
	return p.wire
}

// Strings returns the protocol ids in order of preference.
func (p *Preferences) Strings() []string {
	if p == nil {
		return nil
	}
	out := make([]string, 0, len(p.protos))
	for _, proto := range p.protos {
		out = append(out, string(proto))
	}
	return out
}

// Contains reports whether proto is in the list.
func (p *Preferences) Contains(proto string) bool {
	if p == nil {
		return false
	}
	for _, pp := range p.protos {
		if string(pp) == proto {
			return true
		}
	}
	return false
}

// SelectALPN returns the first protocol of prefs that is present in offer,
// a list of length-prefixed protocol ids as sent in the ALPN extension. The
// server's order of preference wins. A truncated entry never matches. The
// returned slice is owned by prefs.
func SelectALPN(offer []byte, prefs *Preferences) ([]byte, bool) {
	if prefs == nil {
		return nil, false
	}
	for _, want := range prefs.protos {
		s := cryptobyte.String(offer)
		for !s.Empty() {
			var proto cryptobyte.String
			if !s.ReadUint8LengthPrefixed(&proto) {
				break
			}
			if bytes.Equal(proto, want) {
				return want, true
			}
		}
	}
	return nil, false
}

// SelectALPNStrings is like SelectALPN, with the offer already decoded, as in
// tls.ClientHelloInfo.SupportedProtos.
func SelectALPNStrings(offer []string, prefs *Preferences) (string, bool) {
	if prefs == nil {
		return "", false
	}
	for _, want := range prefs.protos {
		for _, proto := range offer {
			if proto == string(want) {
				return proto, true
			}
		}
	}
	return "", false
}

// SelectNPN implements the client side of NPN. It returns h2 when the server
// advertised it.
func SelectNPN(offer []byte) ([]byte, bool) {
	s := cryptobyte.String(offer)
	for !s.Empty() {
		var proto cryptobyte.String
		if !s.ReadUint8LengthPrefixed(&proto) {
			break
		}
		if string(proto) == H2 {
			return []byte(H2), true
		}
	}
	return nil, false
}

// ParseList decodes a list of length-prefixed protocol ids.
func ParseList(wire []byte) ([]string, error) {
	var out []string
	s := cryptobyte.String(wire)
	for !s.Empty() {
		var proto cryptobyte.String
		if !s.ReadUint8LengthPrefixed(&proto) || len(proto) == 0 {
			return nil, fmt.Errorf("%w: malformed entry at offset %d", ErrInvalid, len(wire)-len(s))
		}
		out = append(out, string(proto))
	}
	return out, nil
}
