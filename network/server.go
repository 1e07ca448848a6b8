package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

// Server accepts inbound TCP connections and hands each one to the
// registered handler as a PeerConnection.
type Server struct {
	listener net.Listener
	connOpts ConnectionOptions
	handler  func(*PeerConnection)

	errs chan error

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewServer binds the listening port. handler is invoked on its own
// goroutine for every accepted connection.
func NewServer(port int, connOpts ConnectionOptions, handler func(*PeerConnection)) (*Server, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("network: invalid listening port %d", port)
	}
	if handler == nil {
		return nil, errors.New("network: connection handler is required")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}

	server := &Server{
		listener: listener,
		connOpts: connOpts,
		handler:  handler,
		errs:     make(chan error, 16),
	}
	server.ctx, server.cancel = context.WithCancel(context.Background())

	server.wg.Add(1)
	go server.acceptLoop()

	return server, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Errors exposes non-fatal accept errors.
func (s *Server) Errors() <-chan error { return s.errs }

// Stop closes the listener and waits for the accept loop to exit.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		_ = s.listener.Close()
		s.wg.Wait()
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		peer, err := NewPeerConnection(conn, s.connOpts)
		if err != nil {
			_ = conn.Close()
			s.reportError(fmt.Errorf("wrap inbound connection: %w", err))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handler(peer)
		}()
	}
}

func (s *Server) reportError(err error) {
	select {
	case s.errs <- err:
	default:
	}
}
