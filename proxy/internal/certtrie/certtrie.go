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

// Package certtrie implements a compressed suffix trie that maps hostnames,
// including wildcard names, to values. It is used to select the server
// certificate that matches the Server Name Indication of a TLS handshake.
//
// Names are compared back-to-front so that names sharing a domain suffix
// share a path from the root. Wildcard names are attached to the node that
// represents their fixed suffix.
//
// A Trie is built at startup and is read-only after that. Lookups may be
// called concurrently, as long as no Insert is running.
package certtrie

import (
	"strings"

	"github.com/c2FmZQ/tlsfront/proxy/internal/hostmatch"
)

// Trie maps hostnames to values of type V.
type Trie[V any] struct {
	hosts []string
	nodes []node[V]
	count int
}

// node covers the characters hosts[host][first], hosts[host][first-1], ...,
// hosts[host][last+1]. last is -1 when the range reaches the beginning of the
// name.
type node[V any] struct {
	host        int32
	first, last int

	val    V
	hasVal bool

	children  []int32
	wildcards []wildcard[V]
}

type wildcard[V any] struct {
	pattern string
	val     V
}

// New returns a new empty Trie.
func New[V any]() *Trie[V] {
	return &Trie[V]{
		nodes: []node[V]{{host: -1, first: -1, last: -1}},
	}
}

// Len returns the number of names bound in the trie.
func (t *Trie[V]) Len() int {
	return t.count
}

// Insert binds hostname to v. The name is converted to lower case. An exact
// name that is already bound keeps its original value. A wildcard eligible
// name is added to the wildcard list of the node representing the part of
// the name after the '*'. Any other name with a '*' is an ordinary string.
func (t *Trie[V]) Insert(hostname string, v V) {
	if hostname == "" {
		return
	}
	name := hostmatch.LowerASCII(hostname)
	stop := -1
	wild := hostmatch.WildcardEligible(name)
	if wild {
		stop = strings.IndexByte(name, '*')
	}
	t.hosts = append(t.hosts, name)
	n := t.insert(int32(len(t.hosts)-1), stop)

	nd := &t.nodes[n]
	if wild {
		for _, w := range nd.wildcards {
			if w.pattern == name {
				return
			}
		}
		nd.wildcards = append(nd.wildcards, wildcard[V]{pattern: name, val: v})
		t.count++
		return
	}
	if nd.hasVal {
		return
	}
	nd.val = v
	nd.hasVal = true
	t.count++
}

// insert walks the trie with hosts[h], from its last character down to
// stop+1, and returns the node where the walk ends. Nodes are created or
// split as needed.
func (t *Trie[V]) insert(h int32, stop int) int32 {
	name := t.hosts[h]
	cur := int32(0)
	i := len(name) - 1
	for {
		if i == stop {
			return cur
		}
		child := t.child(cur, name[i])
		if child < 0 {
			t.nodes = append(t.nodes, node[V]{host: h, first: i, last: stop})
			n := int32(len(t.nodes) - 1)
			t.nodes[cur].children = append(t.nodes[cur].children, n)
			return n
		}
		cn := t.nodes[child]
		hs := t.hosts[cn.host]
		j := cn.first
		for j > cn.last && i > stop && hs[j] == name[i] {
			j--
			i--
		}
		if j > cn.last {
			t.split(child, j)
		}
		cur = child
	}
}

// split truncates node n so that it ends at j+1. A new node covering the rest
// of the range takes over n's value, children, and wildcards, and becomes n's
// only child.
func (t *Trie[V]) split(n int32, j int) {
	old := t.nodes[n]
	t.nodes = append(t.nodes, node[V]{
		host:      old.host,
		first:     j,
		last:      old.last,
		val:       old.val,
		hasVal:    old.hasVal,
		children:  old.children,
		wildcards: old.wildcards,
	})
	tail := int32(len(t.nodes) - 1)
	t.nodes[n] = node[V]{
		host:     old.host,
		first:    old.first,
		last:     j,
		children: []int32{tail},
	}
}

// child returns the child of n whose range starts with c, or -1.
func (t *Trie[V]) child(n int32, c byte) int32 {
	for _, ch := range t.nodes[n].children {
		cn := &t.nodes[ch]
		if t.hosts[cn.host][cn.first] == c {
			return ch
		}
	}
	return -1
}

// Lookup returns the value bound to hostname. The comparison is ASCII case
// insensitive. An exact binding always takes precedence over a wildcard.
func (t *Trie[V]) Lookup(hostname string) (V, bool) {
	if hostname == "" {
		var zero V
		return zero, false
	}
	return t.lookup(0, hostname, len(hostname)-1)
}

// lookup continues the search at node n, whose range is fully matched. i is
// the index of the next character of name to compare, or -1 when name is
// fully consumed.
func (t *Trie[V]) lookup(n int32, name string, i int) (V, bool) {
	nd := &t.nodes[n]
	if i < 0 {
		return nd.val, nd.hasVal
	}
	if ch := t.child(n, hostmatch.ToLower(name[i])); ch >= 0 {
		cn := &t.nodes[ch]
		hs := t.hosts[cn.host]
		j, k := cn.first, i
		for j > cn.last && k >= 0 && hs[j] == hostmatch.ToLower(name[k]) {
			j--
			k--
		}
		if j == cn.last {
			if v, ok := t.lookup(ch, name, k); ok {
				return v, true
			}
		}
	}
	for _, w := range nd.wildcards {
		if hostmatch.Match(w.pattern, name) {
			return w.val, true
		}
	}
	var zero V
	return zero, false
}
