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

// Package ticketkeys manages the keys that protect TLS session tickets.
//
// Keys are kept in a Ring, newest first. New tickets are always encrypted
// with the newest key. Tickets encrypted with an older key that is still in
// the ring can be decrypted, and the client is given a new ticket. Rotation
// replaces the whole ring atomically.
package ticketkeys

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
)

const (
	nameSize   = 16
	ivSize     = aes.BlockSize
	macSize    = sha256.Size
	recordSize = 48
)

var (
	// ErrNoKey is returned when a ticket is encrypted with an empty ring.
	ErrNoKey        = errors.New("no ticket key available")
	errShortTicket  = errors.New("ticket too short")
	errBadMAC       = errors.New("ticket authentication failed")
	errBadPadding   = errors.New("ticket padding is invalid")
	errRecordLength = fmt.Errorf("key data must be a non-empty multiple of %d bytes", recordSize)
)

// Key is one session ticket key. Its binary form, used in key files, is the
// 48-byte concatenation of the three fields.
type Key struct {
	Name    [nameSize]byte
	AESKey  [16]byte
	HMACKey [16]byte
}

// GenerateKey returns a new random Key.
func GenerateKey() (Key, error) {
	var k Key
	b := make([]byte, recordSize)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return k, err
	}
	copy(k.Name[:], b[:16])
	copy(k.AESKey[:], b[16:32])
	copy(k.HMACKey[:], b[32:])
	return k, nil
}

// MarshalBinary returns the 48-byte record for k.
func (k Key) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, recordSize)
	b = append(b, k.Name[:]...)
	b = append(b, k.AESKey[:]...)
	b = append(b, k.HMACKey[:]...)
	return b, nil
}

// ParseKeys decodes a sequence of 48-byte key records.
func ParseKeys(b []byte) ([]Key, error) {
	if len(b) == 0 || len(b)%recordSize != 0 {
		return nil, errRecordLength
	}
	keys := make([]Key, 0, len(b)/recordSize)
	for ; len(b) > 0; b = b[recordSize:] {
		var k Key
		copy(k.Name[:], b[:16])
		copy(k.AESKey[:], b[16:32])
		copy(k.HMACKey[:], b[32:48])
		keys = append(keys, k)
	}
	return keys, nil
}

// Result is the outcome of a ticket decryption.
type Result int

const (
	// NotFound means the ticket can't be used. A full handshake follows.
	NotFound Result = iota
	// Valid means the ticket was encrypted with the newest key.
	Valid
	// ValidRenew means the ticket was encrypted with an older key and
	// should be replaced.
	ValidRenew
)

func (r Result) String() string {
	switch r {
	case NotFound:
		return "not-found"
	case Valid:
		return "valid"
	case ValidRenew:
		return "valid-renew"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Ring is an immutable list of keys, newest first.
type Ring struct {
	keys []Key
}

// NewRing returns a Ring with a copy of keys. keys[0] is the key used to
// encrypt new tickets.
func NewRing(keys ...Key) *Ring {
	return &Ring{keys: append([]Key(nil), keys...)}
}

// Len returns the number of keys in the ring.
func (r *Ring) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// At returns the i-th key.
func (r *Ring) At(i int) Key {
	return r.keys[i]
}

// EncryptKeyIndex returns the index of the key used for new tickets.
func (r *Ring) EncryptKeyIndex() int {
	return 0
}

// Find returns the index of the key with the given name, or -1.
func (r *Ring) Find(name []byte) int {
	if r == nil || len(name) != nameSize {
		return -1
	}
	for i := range r.keys {
		if bytes.Equal(r.keys[i].Name[:], name) {
			return i
		}
	}
	return -1
}

// Encrypt returns a ticket that contains plaintext, encrypted with the
// newest key. The format of the ticket is:
//
//	key name (16) || IV (16) || AES-128-CBC ciphertext || HMAC-SHA256 (32)
//
// The MAC covers everything that precedes it.
func (r *Ring) Encrypt(plaintext []byte) ([]byte, error) {
	if r.Len() == 0 {
		return nil, ErrNoKey
	}
	k := &r.keys[r.EncryptKeyIndex()]
	block, err := aes.NewCipher(k.AESKey[:])
	if err != nil {
		return nil, err
	}
	padLen := aes.BlockSize - len(plaintext)%aes.BlockSize
	ctLen := len(plaintext) + padLen

	out := make([]byte, nameSize+ivSize+ctLen, nameSize+ivSize+ctLen+macSize)
	copy(out, k.Name[:])
	iv := out[nameSize : nameSize+ivSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	ct := out[nameSize+ivSize:]
	copy(ct, plaintext)
	for i := len(plaintext); i < ctLen; i++ {
		ct[i] = byte(padLen)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, ct)

	mac := hmac.New(sha256.New, k.HMACKey[:])
	mac.Write(out)
	return mac.Sum(out), nil
}

// Decrypt returns the plaintext of ticket. The result is NotFound when the
// key that encrypted the ticket isn't in the ring, or when the ticket isn't
// authentic. The error explains the latter.
func (r *Ring) Decrypt(ticket []byte) ([]byte, Result, error) {
	if len(ticket) < nameSize+ivSize+aes.BlockSize+macSize {
		return nil, NotFound, errShortTicket
	}
	idx := r.Find(ticket[:nameSize])
	if idx < 0 {
		return nil, NotFound, nil
	}
	k := &r.keys[idx]

	body, tag := ticket[:len(ticket)-macSize], ticket[len(ticket)-macSize:]
	mac := hmac.New(sha256.New, k.HMACKey[:])
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, NotFound, errBadMAC
	}
	iv, ct := body[nameSize:nameSize+ivSize], body[nameSize+ivSize:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, NotFound, errBadPadding
	}
	block, err := aes.NewCipher(k.AESKey[:])
	if err != nil {
		return nil, NotFound, err
	}
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)
	pt, ok := unpad(pt)
	if !ok {
		return nil, NotFound, errBadPadding
	}
	if idx == r.EncryptKeyIndex() {
		return pt, Valid, nil
	}
	return pt, ValidRenew, nil
}

func unpad(b []byte) ([]byte, bool) {
	if len(b) == 0 {
		return nil, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, false
	}
	good := 1
	for _, c := range b[len(b)-n:] {
		good &= subtle.ConstantTimeByteEq(c, byte(n))
	}
	return b[:len(b)-n], good == 1
}
