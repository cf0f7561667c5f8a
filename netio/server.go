// Package netio owns the listening socket: it accepts inbound peer
// connections and hands each one off to a peerconn.Sender. Grounded in
// the original client's server class (bind a port, accept in a loop,
// queue length 5); Go's net package does not expose the TCP accept
// backlog directly, but the standard listener already configures
// SO_REUSEADDR so a restart never fails to rebind the port.
package netio

import (
	"context"
	"fmt"
	"net"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"urtorrent/peerconn"
)

// Server accepts inbound peer connections on a single TCP port.
type Server struct {
	ln   net.Listener
	host peerconn.EngineHost
	log  *logrus.Entry
}

// Listen binds port and returns a Server ready to accept connections.
func Listen(port uint16, host peerconn.EngineHost, log *logrus.Entry) (*Server, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "netio: listen")
	}
	return &Server{ln: ln, host: host, log: log.WithField("component", "netio")}, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until ctx is cancelled or the listener is
// closed, spawning a peerconn.Sender goroutine per accepted peer.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return pkgerrors.Wrap(err, "netio: accept")
			}
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	sender, err := peerconn.Accept(conn, s.host, s.log)
	if err != nil {
		s.log.WithField("remote", conn.RemoteAddr()).WithError(err).Debug("rejecting inbound peer")
		conn.Close()
		return
	}
	if err := sender.Run(ctx); err != nil {
		s.log.WithField("remote", conn.RemoteAddr()).WithError(err).Debug("sender connection closed")
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.ln.Close()
}
