// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package transport serves a plain REST mux over TLS using a
// connection-limited multi-listener and a self-signed certificate
// bootstrap, with one HTTP-per-connection callback per accepted
// connection.
package transport

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/bitmark-inc/certgen"
	"github.com/bitmark-inc/listener"
	"github.com/bitmark-inc/logger"
)

// EnsureSelfSignedCert writes a fresh self-signed certificate and key
// to certFile/keyFile if neither already exists.
func EnsureSelfSignedCert(name, certFile, keyFile string, extraHosts []string) error {
	if fileExists(certFile) || fileExists(keyFile) {
		return nil
	}

	org := "relaynet self signed cert for: " + name
	validUntil := time.Now().Add(10 * 365 * 24 * time.Hour)
	cert, key, err := certgen.NewTLSCertPair(org, validUntil, false, extraHosts)
	if err != nil {
		return err
	}
	if err := os.WriteFile(certFile, cert, 0o666); err != nil {
		return err
	}
	if err := os.WriteFile(keyFile, key, 0o600); err != nil {
		os.Remove(certFile)
		return err
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Server serves mux over one or more TLS addresses with a bounded
// number of concurrent connections per address.
type Server struct {
	name      string
	addresses []string
	limit     int
	tlsConfig *tls.Config
	mux       http.Handler
	log       *logger.L

	ml *listener.MultiListener
}

// New builds a Server. certFile/keyFile must already exist (call
// EnsureSelfSignedCert first if bootstrapping).
func New(name string, addresses []string, certFile, keyFile string, limit int, mux http.Handler, log *logger.L) (*Server, error) {
	keyPair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &Server{
		name:      name,
		addresses: addresses,
		limit:     limit,
		tlsConfig: &tls.Config{Certificates: []tls.Certificate{keyPair}},
		mux:       mux,
		log:       log,
	}, nil
}

// servingArgument is passed through listener.MultiListener's callback
// plumbing to the per-connection handler.
type servingArgument struct {
	mux http.Handler
	log *logger.L
}

// Start brings up the multi-listener. Each accepted connection is
// served as a single-connection HTTP loop over s.mux: one callback
// invocation per accepted connection.
func (s *Server) Start() error {
	lim := listener.NewLimiter(s.limit)
	ml, err := listener.NewMultiListener(s.name, s.addresses, s.tlsConfig, lim, httpCallback)
	if err != nil {
		return err
	}
	s.ml = ml
	s.ml.Start(&servingArgument{mux: s.mux, log: s.log})
	return nil
}

// Stop shuts down the multi-listener.
func (s *Server) Stop() {
	if s.ml != nil {
		s.ml.Stop()
	}
}

// httpCallback adapts one already-accepted, already-TLS-handshaked
// connection into an http.Serve loop, so normal net/http handlers work
// unmodified on top of the underlying listener plumbing.
func httpCallback(conn io.ReadWriteCloser, argument interface{}) {
	arg := argument.(*servingArgument)
	netConn, ok := conn.(net.Conn)
	if !ok {
		if arg.log != nil {
			arg.log.Errorf("transport: callback received a non-net.Conn connection")
		}
		conn.Close()
		return
	}

	srv := &http.Server{Handler: arg.mux}
	_ = srv.Serve(newSingleConnListener(netConn))
}

// singleConnListener is a net.Listener that yields exactly one
// connection then blocks until Close is called, letting http.Server's
// Serve loop run its keep-alive machinery over one already-accepted
// connection instead of owning the accept loop itself.
type singleConnListener struct {
	conn   net.Conn
	taken  bool
	closed chan struct{}
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	return &singleConnListener{conn: conn, closed: make(chan struct{})}
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	if !l.taken {
		l.taken = true
		return l.conn, nil
	}
	<-l.closed
	return nil, io.EOF
}

func (l *singleConnListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

func (l *singleConnListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}
