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
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 250 * time.Millisecond

// LoadKeyFiles reads session ticket keys from files. Each file contains one
// or more 48-byte key records. The keys are returned in file order, so the
// first key of the first file is used to encrypt new tickets.
func LoadKeyFiles(files ...string) (*Ring, error) {
	var keys []Key
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		k, err := ParseKeys(b)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		keys = append(keys, k...)
	}
	return NewRing(keys...), nil
}

// WriteKeyFile writes keys to file in the format read by LoadKeyFiles.
func WriteKeyFile(file string, keys ...Key) error {
	var b []byte
	for _, k := range keys {
		kb, _ := k.MarshalBinary()
		b = append(b, kb...)
	}
	return os.WriteFile(file, b, 0o600)
}

// Watch reloads files and publishes a new ring whenever one of them
// changes. The directories are watched, not the files, so that files
// replaced by a rename are noticed. A file that fails to load leaves the
// current ring in place. Watch returns when ctx is canceled.
func (m *Manager) Watch(ctx context.Context, files ...string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	defer w.Close()

	abs := make([]string, 0, len(files))
	var dirs []string
	for _, f := range files {
		a, err := filepath.Abs(f)
		if err != nil {
			return err
		}
		abs = append(abs, a)
		if d := filepath.Dir(a); !slices.Contains(dirs, d) {
			dirs = append(dirs, d)
		}
	}
	for _, d := range dirs {
		if err := w.Add(d); err != nil {
			return fmt.Errorf("watch %s: %w", d, err)
		}
	}

	reload := func() {
		r, err := LoadKeyFiles(files...)
		if err != nil {
			m.logger.Errorf("Ticket key reload: %v", err)
			return
		}
		m.Publish(r)
	}

	var timer <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !slices.Contains(abs, filepath.Clean(ev.Name)) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			m.logger.Debugf("Ticket key file event: %s", ev)
			timer = time.After(watchDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.logger.Errorf("Ticket key watcher: %v", err)
		case <-timer:
			timer = nil
			reload()
		}
	}
}
