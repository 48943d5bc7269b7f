package imap

import (
	"context"
	"net"

	"github.com/google/uuid"
)

// Server accepts IMAP connections and spawns a Session per connection.
type Server struct {
	addr string
	deps Deps
}

// NewServer builds a Server listening on addr with the given shared
// collaborators.
func NewServer(addr string, deps Deps) *Server {
	return &Server{addr: addr, deps: deps}
}

// ListenAndServe binds addr and accepts connections until ctx is
// cancelled or the listener fails.
func (srv *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", srv.addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	log := srv.deps.Logger
	log.Info("imap listener started", "addr", srv.addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Warn("accept failed", "error", err)
				continue
			}
		}

		connID := uuid.NewString()
		f := NewFramer(conn, srv.deps.MaxLineBytes)
		sess := NewSession(f, connID, conn.RemoteAddr().String(), srv.deps)
		go sess.Run(ctx)
	}
}
