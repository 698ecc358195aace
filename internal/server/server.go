// Package server wires an http.Handler to a listening socket, tracking
// active connections and handling TLS and graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// Server wraps the standard library's http.Server with the connection
// tracking and TLS setup the proxy's lifecycle manager needs during drain.
type Server struct {
	addr      string
	tlsConfig *tls.Config
	handler   http.Handler

	httpServer  *http.Server
	listener    net.Listener
	activeConns int64
}

// Config configures a Server.
type Config struct {
	Addr      string
	TLSConfig *tls.Config
	Handler   http.Handler
}

// New creates a Server. Start must be called to begin accepting
// connections.
func New(cfg Config) *Server {
	return &Server{
		addr:      cfg.Addr,
		tlsConfig: cfg.TLSConfig,
		handler:   cfg.Handler,
	}
}

// Start binds the listening socket and begins serving in the background.
// It returns once the socket is bound, before the accept loop is running.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // streamed/long-lived responses (SSE, WebSocket) set their own deadlines
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ConnState:         s.trackConnState,
	}

	if s.tlsConfig != nil {
		s.httpServer.TLSConfig = s.tlsConfig
		s.listener = tls.NewListener(s.listener, s.tlsConfig)
	}

	go s.httpServer.Serve(s.listener)
	return nil
}

func (s *Server) trackConnState(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		atomic.AddInt64(&s.activeConns, 1)
	case http.StateClosed, http.StateHijacked:
		atomic.AddInt64(&s.activeConns, -1)
	}
}

// ActiveConnections reports the number of connections currently tracked by
// the server's ConnState hook.
func (s *Server) ActiveConnections() int64 {
	return atomic.LoadInt64(&s.activeConns)
}

// Stop gracefully shuts down the server, waiting for in-flight requests to
// complete or ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the bound address, which may differ from the configured
// address when a port of 0 was requested.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// LoadTLSConfig loads a server TLS configuration from a cert/key pair,
// restricted to modern cipher suites.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}, nil
}
