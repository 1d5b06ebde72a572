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

// Command tlsclient establishes a verified TLS connection with a server and
// redirects the stream to its stdin and stdout.
//
// The server's certificate is checked the same way tlsfront checks its
// downstream server: the chain must be trusted, and the certificate must
// match the expected host name or IP address.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/c2FmZQ/tlsfront/proxy"
)

// Version is set with -ldflags="-X main.Version=${VERSION}"
var Version = "dev"

func main() {
	versionFlag := flag.Bool("v", false, "Show the version.")
	key := flag.String("key", "", "A file that contains the TLS key to use.")
	cert := flag.String("cert", "", "A file that contains the TLS certificate to use.")
	caFlag := flag.String("ca", "", "A file that contains additional trusted CA certificates.")
	alpnFlag := flag.String("alpn", "", "The ALPN proto to request.")
	verifyOCSP := flag.Bool("ocsp", false, "Check the revocation status of the server's certificate.")
	serverName := flag.String("servername", "", "The expected server name.")
	flag.Parse()

	if *versionFlag {
		os.Stdout.WriteString(Version + " " + runtime.Version() + " " + runtime.GOOS + "/" + runtime.GOARCH + "\n")
		return
	}
	if flag.NArg() != 1 || (*key == "") != (*cert == "") {
		os.Stderr.WriteString("Usage: tlsclient [-key=<keyfile> -cert=<certfile>] [-ca=<cafile>] [-alpn=<proto>] [-ocsp] [-servername=<name>] host:port\n")
		os.Exit(1)
	}
	zl, err := zap.NewDevelopment()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	logger := zl.Sugar()

	addr := flag.Arg(0)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
		port = "443"
	}
	if *serverName == "" {
		*serverName = host
	}
	cfg := &proxy.ConfigDownstream{
		Address:         net.JoinHostPort(host, port),
		Host:            *serverName,
		CACert:          *caFlag,
		ClientCertFile:  *cert,
		ClientKeyFile:   *key,
		CheckRevocation: *verifyOCSP,
	}
	if *alpnFlag != "" {
		cfg.ALPN = []string{*alpnFlag}
	}
	d, err := proxy.NewDownstream(cfg, logger)
	if err != nil {
		logger.Fatalf("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	c, err := d.Dial(ctx)
	cancel()
	if err != nil {
		logger.Fatalf("Dial: %v", err)
	}
	conn := c.(*tls.Conn)
	defer conn.Close()
	cs := conn.ConnectionState()
	fmt.Fprintf(os.Stderr, "Connected to %s [%s] %s\n", cfg.Address, tls.VersionName(cs.Version), cs.NegotiatedProtocol)
	go func() {
		if _, err := io.Copy(conn, os.Stdin); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Errorf("Stdin: %v", err)
		}
		conn.CloseWrite()
	}()
	if _, err := io.Copy(os.Stdout, conn); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Errorf("Conn: %v", err)
	}
}
