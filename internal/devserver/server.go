// internal/devserver/server.go
package devserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/signalnine/rmmclient/internal/config"
)

// Server is a stand-in for the management server, for local runs and
// end-to-end tests. It keeps everything in memory.
type Server struct {
	cfg    *config.DevServerConfig
	state  *State
	log    *zap.Logger
	server *http.Server
}

// NewServer creates a simulator serving state
func NewServer(cfg *config.DevServerConfig, state *State, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if state == nil {
		state = NewState()
	}

	handler := NewHandler(state, cfg.APIKey, cfg.PathPrefix, cfg.MaxPayloadBytes, log)

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		cfg:    cfg,
		state:  state,
		log:    log,
		server: server,
	}
}

// State exposes the simulator's data for seeding and inspection
func (s *Server) State() *State {
	return s.state
}

// Start listens and serves in the background. It returns the bound
// address, which matters when ListenAddr uses port 0.
func (s *Server) Start() (string, <-chan error, error) {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return "", nil, fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}

	useTLS := s.cfg.TLSCert != "" && s.cfg.TLSKey != ""
	if useTLS {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
		if err != nil {
			ln.Close()
			return "", nil, fmt.Errorf("load TLS cert: %w", err)
		}
		s.server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if useTLS {
			err = s.server.ServeTLS(ln, "", "")
		} else {
			err = s.server.Serve(ln)
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	addr := ln.Addr().String()
	s.log.Info("devserver listening", zap.String("addr", addr), zap.Bool("tls", useTLS))
	return addr, errCh, nil
}

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	_, errCh, err := s.Start()
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		s.log.Info("devserver shutting down")
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the server, waiting up to ten seconds for requests in flight
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}
