// Package server implements the relay's presence-aware transport: one
// session per authenticated connection, a single live channel per identity,
// and acknowledged pushes with mailbox fallback for offline receivers.
package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatrelay/mailbox"
	"chatrelay/presence"
)

const (
	// DefaultAckTimeout bounds how long a live push waits for the
	// receiver's acknowledgment before falling back to the mailbox.
	DefaultAckTimeout = 5 * time.Second
	// DefaultAuthTimeout bounds the wait for a connection's auth frame.
	DefaultAuthTimeout = 30 * time.Second
	// DefaultFrameReadTimeout bounds each frame read on a session.
	DefaultFrameReadTimeout = 30 * time.Second
)

// Options configures a relay server.
type Options struct {
	Resolver   IdentityResolver
	Membership Membership
	Store      *mailbox.Store
	Registry   *presence.Registry
	Log        *logrus.Logger

	AckTimeout       time.Duration
	AuthTimeout      time.Duration
	FrameReadTimeout time.Duration
}

func (o Options) withDefaults() (Options, error) {
	out := o
	if out.Resolver == nil {
		return out, errors.New("server: identity resolver is required")
	}
	if out.Membership == nil {
		return out, errors.New("server: membership oracle is required")
	}
	if out.Store == nil {
		return out, errors.New("server: mailbox store is required")
	}
	if out.Registry == nil {
		out.Registry = presence.NewRegistry()
	}
	if out.Log == nil {
		out.Log = logrus.StandardLogger()
	}
	if out.AckTimeout <= 0 {
		out.AckTimeout = DefaultAckTimeout
	}
	if out.AuthTimeout <= 0 {
		out.AuthTimeout = DefaultAuthTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	return out, nil
}

// Server accepts inbound TCP connections and upgrades them to sessions.
type Server struct {
	listener net.Listener
	opts     Options
	log      *logrus.Logger

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and the accept loop.
func Listen(address string, options Options) (*Server, error) {
	opts, err := options.withDefaults()
	if err != nil {
		return nil, err
	}

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		opts:     opts,
		log:      opts.Log,
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()

	server.log.WithField("addr", listener.Addr().String()).Info("relay listening")
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Registry exposes the presence registry for status queries.
func (s *Server) Registry() *presence.Registry {
	return s.opts.Registry
}

// Close stops accepting and waits for session handlers to finish.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Warn("accept failed")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}
