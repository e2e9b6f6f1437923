package storagehttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Server accepts IPC connections, decodes framed requests, drives the
// storage client, and writes framed responses. It also owns the idle timer
// supervising the helper's lifetime.
type Server struct {
	config  *Config
	log     zerolog.Logger
	storage *Client

	ctx    context.Context
	cancel context.CancelFunc

	listener net.Listener
	idle     *time.Timer

	mu    sync.Mutex
	conns map[*conn]struct{}

	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewServer(config *Config, log zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:  config,
		log:     log,
		storage: NewClient(ctx, config, log),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[*conn]struct{}),
	}
}

// Storage returns the server's storage client.
func (s *Server) Storage() *Client {
	return s.storage
}

// Run binds the IPC endpoint and serves until a STOP request, the idle
// timeout, or Shutdown. It returns nil on clean shutdown, after every
// connection and storage goroutine has drained.
func (s *Server) Run() error {
	listener, err := listenEndpoint(s.config.IPCEndpoint)
	if err != nil {
		return fmt.Errorf("bind IPC endpoint %s: %w", s.config.IPCEndpoint, err)
	}
	s.mu.Lock()
	s.listener = listener
	if s.config.IdleTimeout > 0 {
		s.idle = time.AfterFunc(s.config.IdleTimeout, func() {
			s.log.Info().Msg("Idle timeout reached, shutting down")
			s.Shutdown()
		})
	}
	s.mu.Unlock()

	// Shutdown may have raced the listener assignment.
	if s.ctx.Err() != nil {
		listener.Close()
	}

	s.log.Info().Str("endpoint", s.config.IPCEndpoint).Msg("IPC server listening")

	for {
		rwc, err := listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Error().Err(err).Msg("accept failed")
			continue
		}
		s.touch()
		s.log.Debug().Msg("Client connected")

		c := newConn(s, rwc)
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		// Greeting: version, capability count, capabilities.
		c.enqueue(greeting())

		s.wg.Add(1)
		go c.serve()
	}

	// Final drain pass: make sure everything is closing, then wait for
	// all connection and storage goroutines before returning.
	s.Shutdown()
	s.wg.Wait()
	s.storage.Close()
	return nil
}

// Shutdown initiates helper termination: stops the idle timer and the
// listener, cancels in-flight storage operations, and unblocks every
// connection so Run can drain and return. Safe to call more than once.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		s.log.Info().Msg("Shutting down")
		s.cancel()
		s.mu.Lock()
		if s.idle != nil {
			s.idle.Stop()
		}
		if s.listener != nil {
			s.listener.Close()
		}
		for c := range s.conns {
			c.beginClose()
		}
		s.mu.Unlock()
	})
}

// touch re-arms the idle timer, which Run first arms at startup. Called on
// every accepted connection and on every inbound read.
func (s *Server) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idle != nil {
		s.idle.Reset(s.config.IdleTimeout)
	}
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}
