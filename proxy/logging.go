// MIT License
//
// Copyright (c) 2024 TTBT Enterprises LLC
// Copyright (c) 2024 Robin Thellend <rthellend@rthellend.com>
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
	"fmt"
)

// Logger is the logging interface used by the proxy. A zap SugaredLogger
// satisfies it.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Errorf(format string, args ...any)
}

type logType int

const (
	logConnection logType = iota
	logRequest
	logError
)

func (p *Proxy) logConnF(format string, args ...any) {
	if !shouldLog(logConnection, p.cfg.LogFilter) {
		return
	}
	p.logger.Infof(format, args...)
}

func (p *Proxy) logRequestF(format string, args ...any) {
	if !shouldLog(logRequest, p.cfg.LogFilter) {
		return
	}
	p.logger.Infof(format, args...)
}

func (p *Proxy) logErrorF(format string, args ...any) {
	if !shouldLog(logError, p.cfg.LogFilter) {
		return
	}
	p.logger.Errorf(format, args...)
}

func shouldLog(typ logType, f ...LogFilter) bool {
	for _, ff := range f {
		var v *bool
		switch typ {
		case logConnection:
			v = ff.Connections
		case logRequest:
			v = ff.Requests
		case logError:
			v = ff.Errors
		}
		if v != nil {
			return *v
		}
	}
	return true
}

// filteredLogger is passed to the internal packages. Their errors go
// through the proxy's log filter.
type filteredLogger struct {
	p *Proxy
}

func (l filteredLogger) Debugf(f string, args ...any) {
	l.p.logger.Debugf(f, args...)
}

func (l filteredLogger) Infof(f string, args ...any) {
	l.p.logger.Infof(f, args...)
}

func (l filteredLogger) Errorf(f string, args ...any) {
	l.p.logErrorF(f, args...)
}

// storageLogger is the logger used by the storage and crypto packages.
type storageLogger struct {
	filteredLogger
}

func (storageLogger) Debug(args ...any) {}

func (l storageLogger) Info(args ...any) {
	l.Infof("%s", fmt.Sprint(args...))
}

func (l storageLogger) Error(args ...any) {
	l.Errorf("%s", fmt.Sprint(args...))
}

func (l storageLogger) Fatal(args ...any) {
	l.p.logger.Errorf("%s", fmt.Sprint(args...))
}

func (l storageLogger) Fatalf(f string, args ...any) {
	l.p.logger.Errorf(f, args...)
}
