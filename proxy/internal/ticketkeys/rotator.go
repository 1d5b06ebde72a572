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
	"context"
	"fmt"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/robfig/cron/v3"
)

const (
	ticketKeyFile   = "ticket-keys"
	DefaultMaxKeys  = 12
	DefaultSchedule = "@every 1h"
)

type storedKeys struct {
	Keys []storedKey
}

type storedKey struct {
	Key          []byte
	CreationTime time.Time
}

// Rotator generates session ticket keys, saves them in encrypted storage,
// and publishes them. Keys survive restarts, so tickets issued before a
// restart remain usable.
type Rotator struct {
	store   *storage.Storage
	m       *Manager
	maxKeys int
	cron    *cron.Cron
}

// NewRotator returns a Rotator that keeps at most maxKeys keys. The keys
// already in storage are published immediately. A key is created when
// there are none.
func NewRotator(store *storage.Storage, m *Manager, maxKeys int) (*Rotator, error) {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	r := &Rotator{
		store:   store,
		m:       m,
		maxKeys: maxKeys,
	}
	var empty storedKeys
	store.CreateEmptyFile(ticketKeyFile, &empty)
	if err := r.update(false); err != nil {
		return nil, err
	}
	return r, nil
}

// Rotate adds a new key at the front of the ring, drops the oldest keys in
// excess of the maximum, and publishes the result.
func (r *Rotator) Rotate() error {
	return r.update(true)
}

func (r *Rotator) update(rotate bool) (retErr error) {
	var sk storedKeys
	commit, err := r.store.OpenForUpdate(ticketKeyFile, &sk)
	if err != nil {
		return err
	}
	defer func() {
		commit(false, &retErr)
		if retErr == storage.ErrRolledBack {
			retErr = nil
		}
	}()

	changed := false
	if rotate || len(sk.Keys) == 0 {
		k, err := GenerateKey()
		if err != nil {
			return err
		}
		b, _ := k.MarshalBinary()
		sk.Keys = append([]storedKey{{Key: b, CreationTime: time.Now().UTC()}}, sk.Keys...)
		changed = true
	}
	if len(sk.Keys) > r.maxKeys {
		sk.Keys = sk.Keys[:r.maxKeys]
		changed = true
	}

	keys := make([]Key, 0, len(sk.Keys))
	for i, s := range sk.Keys {
		k, err := ParseKeys(s.Key)
		if err != nil || len(k) != 1 {
			return fmt.Errorf("stored ticket key %d: %w", i, errRecordLength)
		}
		keys = append(keys, k[0])
	}
	if changed {
		if err := commit(true, nil); err != nil {
			return err
		}
	}
	r.m.Publish(NewRing(keys...))
	return nil
}

// Start rotates the keys on the given cron schedule until ctx is canceled.
func (r *Rotator) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(schedule, func() {
		if err := r.Rotate(); err != nil {
			r.m.logger.Errorf("Ticket key rotation: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid rotation schedule %q: %w", schedule, err)
	}
	r.cron.Start()
	go func() {
		<-ctx.Done()
		<-r.cron.Stop().Done()
	}()
	return nil
}
