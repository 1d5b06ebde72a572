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

// Package hostmatch implements the hostname comparison used for certificate
// names, including left-most label wildcards as described in RFC 6125,
// section 6.4.3.
//
// All comparisons are ASCII case-insensitive. Unicode case folding is never
// applied: names are expected to be in their A-label (punycode) form, and
// folding rules like the Kelvin sign matching 'k' would widen what a
// certificate name covers.
package hostmatch

import "strings"

// Match reports whether hostname is covered by pattern.
//
// A pattern without '*' matches only the same name. A pattern with a '*' in
// its left-most label matches exactly one label, e.g. "*.example.com" matches
// "foo.example.com" but neither "example.com" nor "a.b.example.com". The
// wildcard must match at least one character. Patterns that are not wildcard
// eligible are compared literally.
func Match(pattern, hostname string) bool {
	star := strings.IndexByte(pattern, '*')
	if star < 0 {
		return EqualFold(pattern, hostname)
	}
	dot := strings.IndexByte(pattern, '.')
	if !eligible(pattern, star, dot) {
		return EqualFold(pattern, hostname)
	}
	hdot := strings.IndexByte(hostname, '.')
	if hdot < 0 || !EqualFold(pattern[dot:], hostname[hdot:]) {
		return false
	}
	if hdot < dot {
		return false
	}
	label := hostname[:hdot]
	return HasPrefixFold(label, pattern[:star]) && HasSuffixFold(label, pattern[star+1:dot])
}

// WildcardEligible reports whether the '*' in pattern is a wildcard. The '*'
// must be in the left-most label, the pattern must have at least two more
// labels after it, and the pattern must not start with "xn--".
func WildcardEligible(pattern string) bool {
	return eligible(pattern, strings.IndexByte(pattern, '*'), strings.IndexByte(pattern, '.'))
}

func eligible(pattern string, star, dot int) bool {
	if star < 0 || dot < 0 || dot < star {
		return false
	}
	if strings.IndexByte(pattern[dot+1:], '.') < 0 {
		return false
	}
	return !HasPrefixFold(pattern, "xn--")
}

// ToLower returns the ASCII lower case of c.
func ToLower(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + 'a' - 'A'
	}
	return c
}

// LowerASCII returns s with all ASCII upper case letters replaced with their
// lower case. Other bytes are unchanged. s is returned as is when it has no
// upper case letters.
func LowerASCII(s string) string {
	i := 0
	for ; i < len(s); i++ {
		if c := s[i]; 'A' <= c && c <= 'Z' {
			break
		}
	}
	if i == len(s) {
		return s
	}
	b := []byte(s)
	for ; i < len(b); i++ {
		b[i] = ToLower(b[i])
	}
	return string(b)
}

// EqualFold is like strings.EqualFold, but only folds ASCII letters.
func EqualFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if ToLower(a[i]) != ToLower(b[i]) {
			return false
		}
	}
	return true
}

// HasPrefixFold reports whether s begins with prefix, ignoring ASCII case.
func HasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && EqualFold(s[:len(prefix)], prefix)
}

// HasSuffixFold reports whether s ends with suffix, ignoring ASCII case.
func HasSuffixFold(s, suffix string) bool {
	return len(s) >= len(suffix) && EqualFold(s[len(s)-len(suffix):], suffix)
}
