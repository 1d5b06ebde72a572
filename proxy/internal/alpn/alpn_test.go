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

package alpn

import (
	"errors"
	"strings"
	"testing"

	"github.com/go-test/deep"
)

func wire(protos ...string) []byte {
	var b []byte
	for _, p := range protos {
		b = append(b, byte(len(p)))
		b = append(b, p...)
	}
	return b
}

func TestNewPreferences(t *testing.T) {
	p, err := NewPreferences([]string{"h2", "http/1.1"})
	if err != nil {
		t.Fatalf("NewPreferences: %v", err)
	}
	if got, want := string(p.Wire()), "\x02h2\x08http/1.1"; got != want {
		t.Errorf("Wire() = %q, want %q", got, want)
	}
	if diff := deep.Equal(p.Strings(), []string{"h2", "http/1.1"}); diff != nil {
		t.Errorf("Strings(): %v", diff)
	}
	if !p.Contains("h2") || p.Contains("h3") {
		t.Error("Contains returned unexpected result")
	}

	if _, err := NewPreferences([]string{strings.Repeat("x", 256)}); !errors.Is(err, ErrInvalid) {
		t.Errorf("NewPreferences(256 bytes) = %v, want ErrInvalid", err)
	}
	if _, err := NewPreferences([]string{""}); !errors.Is(err, ErrInvalid) {
		t.Errorf("NewPreferences(empty) = %v, want ErrInvalid", err)
	}
	long := make([]string, 300)
	for i := range long {
		long[i] = strings.Repeat("y", 255)
	}
	if _, err := NewPreferences(long); !errors.Is(err, ErrInvalid) {
		t.Errorf("NewPreferences(too long) = %v, want ErrInvalid", err)
	}
}

func TestSelectALPN(t *testing.T) {
	prefs, err := NewPreferences([]string{"h2", "http/1.1"})
	if err != nil {
		t.Fatalf("NewPreferences: %v", err)
	}
	for _, tc := range []struct {
		name  string
		offer []byte
		want  string
		ok    bool
	}{
		{"both", wire("h2", "http/1.1"), "h2", true},
		{"both reversed", wire("http/1.1", "h2"), "h2", true},
		{"http/1.1 only", wire("spdy/3", "http/1.1"), "http/1.1", true},
		{"no overlap", wire("spdy/3", "h3"), "", false},
		{"empty", nil, "", false},
		{"prefix is not a match", wire("h2c"), "", false},
		{"truncated", []byte("\x08http/1"), "", false},
		{"truncated after match", append(wire("http/1.1"), 0x05, 'h'), "http/1.1", true},
	} {
		got, ok := SelectALPN(tc.offer, prefs)
		if string(got) != tc.want || ok != tc.ok {
			t.Errorf("%s: SelectALPN() = %q, %v, want %q, %v", tc.name, got, ok, tc.want, tc.ok)
		}
		gotS, okS := SelectALPNStrings(mustParse(tc.offer), prefs)
		if tc.name != "truncated" && tc.name != "truncated after match" && (gotS != tc.want || okS != tc.ok) {
			t.Errorf("%s: SelectALPNStrings() = %q, %v, want %q, %v", tc.name, gotS, okS, tc.want, tc.ok)
		}
	}
	if _, ok := SelectALPN(wire("h2"), nil); ok {
		t.Error("SelectALPN with nil preferences should not match")
	}
}

func mustParse(b []byte) []string {
	l, _ := ParseList(b)
	return l
}

func TestSelectNPN(t *testing.T) {
	for _, tc := range []struct {
		offer []byte
		ok    bool
	}{
		{wire("h2", "http/1.1"), true},
		{wire("http/1.1", "h2"), true},
		{wire("http/1.1"), false},
		{wire("h2-14"), false},
		{nil, false},
	} {
		got, ok := SelectNPN(tc.offer)
		if ok != tc.ok || (ok && string(got) != H2) {
			t.Errorf("SelectNPN(%q) = %q, %v", tc.offer, got, ok)
		}
	}
}

func TestParseList(t *testing.T) {
	got, err := ParseList(wire("h2", "http/1.1"))
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	if diff := deep.Equal(got, []string{"h2", "http/1.1"}); diff != nil {
		t.Errorf("ParseList: %v", diff)
	}
	if _, err := ParseList([]byte("\x05ab")); !errors.Is(err, ErrInvalid) {
		t.Errorf("ParseList(truncated) = %v, want ErrInvalid", err)
	}
}
