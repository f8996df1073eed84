// Package server starts the TCP chat listener and the HTTP surface, tracks
// live sessions and shuts everything down in order.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Tyrowin/relaychat/internal/auth"
	"github.com/Tyrowin/relaychat/internal/history"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const maxAcceptBackoff = time.Second

// Server owns the listeners, the room registry and every live session.
type Server struct {
	cfg      Config
	registry *Registry
	auth     auth.Gateway
	origins  *originPolicy
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	listener     net.Listener
	httpListener net.Listener
	httpServer   *http.Server

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closing  bool
	wg       sync.WaitGroup
}

// NewServer creates a server from cfg, which is sanitised first. Nothing is
// bound until Start.
func NewServer(cfg *Config, gateway auth.Gateway, store history.Gateway) *Server {
	if cfg == nil {
		cfg = NewConfig()
	}
	clean := sanitizeConfig(*cfg)
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:      clean,
		registry: NewRegistry(store),
		auth:     gateway,
		origins:  newOriginPolicy(clean.AllowedOrigins),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[*Session]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	return s
}

// CreateServer creates and configures an HTTP server with the specified address and handler.
// It sets reasonable timeout values for production use.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Start binds the chat listener and, when configured, the HTTP listener, then
// serves both in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ChatAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ChatAddr, err)
	}
	s.listener = ln
	log.Printf("[server] Chat listening on %s", ln.Addr())

	if s.cfg.HTTPAddr != "" {
		httpLn, err := net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen on %s: %w", s.cfg.HTTPAddr, err)
		}
		s.httpListener = httpLn
		s.httpServer = CreateServer(s.cfg.HTTPAddr, s.Handler())
		log.Printf("[server] HTTP listening on %s", httpLn.Addr())

		s.group.Go(func() error {
			if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	s.group.Go(func() error {
		return s.acceptConnections(ln)
	})
	return nil
}

// Wait blocks until the serve loops exit and returns the first error.
func (s *Server) Wait() error {
	return s.group.Wait()
}

// ChatAddr returns the bound chat address, or "" before Start.
func (s *Server) ChatAddr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// HTTPAddr returns the bound HTTP address, or "" when HTTP is disabled.
func (s *Server) HTTPAddr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Registry returns the server's room registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	return SetupRoutes(s)
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) acceptConnections(ln net.Listener) error {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosing() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(backoff*2, maxAcceptBackoff)
			}
			log.Printf("[server] Accept error: %v; retrying in %v", err, backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		s.serve(newTCPTransport(conn, s.cfg.MaxLineLength, s.cfg.WriteTimeout))
	}
}

// serve runs a session over t on its own goroutine.
func (s *Server) serve(t Transport) {
	session := NewSession(t, s.registry, s.auth, s.cfg)
	if !s.track(session) {
		session.close()
		return
	}

	go func() {
		defer s.untrack(session)
		session.Run(s.ctx)
	}()
}

func (s *Server) track(session *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[session] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(session *Session) {
	s.mu.Lock()
	delete(s.sessions, session)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Shutdown stops accepting connections, closes every live session and waits
// for their goroutines to finish or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	sessions := make([]*Session, 0, len(s.sessions))
	for session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	log.Printf("[server] Shutting down; closing %d sessions across %d rooms", len(sessions), s.registry.Len())
	s.cancel()

	var errs []error
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close chat listener: %w", err))
		}
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	for _, session := range sessions {
		session.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("[server] All sessions closed")
	case <-ctx.Done():
		log.Println("[server] Shutdown timeout reached, some sessions may still be running")
		errs = append(errs, ctx.Err())
	}

	if err := s.group.Wait(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
