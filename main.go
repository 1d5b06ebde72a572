// MIT License
//
// Copyright (c) 2023 TTBT Enterprises LLC
// Copyright (c) 2023 Robin Thellend <rthellend@thellend.com>
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

// tlsfront is a TLS terminating front end for HTTP/2 and HTTP/1.1 servers.
//
// It selects the server certificate by name, verifies client certificates,
// manages session ticket keys, staples OCSP responses, and forwards requests
// to a downstream server over a verified TLS connection.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/c2FmZQ/tlsfront/proxy"
)

// Version is set with -ldflags="-X main.Version=${VERSION}"
var Version = "dev"

func newLogger(level, file string) (*zap.Logger, error) {
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig),
			zapcore.Lock(zapcore.AddSync(os.Stderr)),
			logLevel,
		),
	}
	if file != "" {
		fileSyncer, _, err := zap.Open(file)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderConfig),
			fileSyncer,
			logLevel,
		))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	configFile := flag.String("config", "", "The config file name.")
	versionFlag := flag.Bool("v", false, "Show the version.")
	passphraseFlag := flag.String("passphrase", os.Getenv("TLSFRONT_PASSPHRASE"), "The passphrase to encrypt the keys on disk.")
	shutdownGraceFlag := flag.Duration("shutdown-grace-period", time.Minute, "The shutdown grace period.")
	logLevelFlag := flag.String("log-level", "info", "The log level: debug, info, warn, or error.")
	logFileFlag := flag.String("log-file", "", "A file where logs are also written, in JSON.")
	flag.Parse()

	if *versionFlag {
		os.Stdout.WriteString(Version + " " + runtime.Version() + " " + runtime.GOOS + "/" + runtime.GOARCH + "\n")
		return
	}
	zl, err := newLogger(*logLevelFlag, *logFileFlag)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer zl.Sync()
	logger := zl.Sugar()

	if *configFile == "" {
		logger.Fatal("--config must be set")
	}
	if *passphraseFlag == "" {
		logger.Fatal("--passphrase or $TLSFRONT_PASSPHRASE must be set")
	}
	logger.Infof("tlsfront %s %s %s/%s", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	cfg, err := proxy.ReadConfig(*configFile)
	if err != nil {
		logger.Fatalf("%s: %v", *configFile, err)
	}
	p, err := proxy.New(cfg, []byte(*passphraseFlag), logger)
	if errors.Is(err, proxy.ErrConfig) {
		logger.Fatalf("Configuration error: %v", err)
	}
	if err != nil {
		logger.Fatalf("%v", err)
	}
	if err := p.Start(ctx); err != nil {
		logger.Fatalf("Start: %v", err)
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-ch
	logger.Infof("Received signal %d (%s)", sig, sig)

	ctx, canc := context.WithTimeout(ctx, *shutdownGraceFlag)
	defer canc()
	p.Shutdown(ctx)
}
