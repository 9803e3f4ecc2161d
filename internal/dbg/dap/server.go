package dap

import (
	"context"
	"io"
	"net"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"gni.dev/probedap/internal/dbg/target"
)

// Server accepts DAP clients over TCP and, optionally, WebSocket. Every
// connection gets its own session; a probe can only be claimed by one of
// them at a time.
type Server struct {
	opts Options
}

func NewServer(opts Options) *Server {
	if opts.Registry == nil {
		opts.Registry = target.NewRegistry()
	}
	return &Server{opts: opts}
}

// ListenAndServe serves until ctx is done or a listener fails. An empty
// address disables the corresponding listener.
func (s *Server) ListenAndServe(ctx context.Context, tcpAddr, wsAddr string) error {
	var tcpLn, wsLn net.Listener
	if tcpAddr != "" {
		ln, err := net.Listen("tcp", tcpAddr)
		if err != nil {
			return errors.Wrap(err, "listen")
		}
		tcpLn = ln
	}
	if wsAddr != "" {
		ln, err := net.Listen("tcp", wsAddr)
		if err != nil {
			if tcpLn != nil {
				tcpLn.Close()
			}
			return errors.Wrap(err, "listen websocket")
		}
		wsLn = ln
	}

	g, ctx := errgroup.WithContext(ctx)
	if tcpLn != nil {
		g.Go(func() error { return s.Serve(ctx, tcpLn) })
	}
	if wsLn != nil {
		g.Go(func() error { return s.ServeWebSocket(ctx, wsLn) })
	}
	return g.Wait()
}

// Serve accepts connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log.WithField("addr", ln.Addr().String()).Info("listening for DAP clients")
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		defer ln.Close()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Wrap(err, "accept")
			}
			g.Go(func() error {
				defer conn.Close()
				s.serveConn(ctx, conn, conn.RemoteAddr().String())
				return nil
			})
		}
	})
	return g.Wait()
}

// ServeWebSocket serves DAP over WebSocket on ln, at any path. Each binary
// or text message carries a part of the framed stream.
func (s *Server) ServeWebSocket(ctx context.Context, ln net.Listener) error {
	log.WithField("addr", ln.Addr().String()).Info("listening for DAP clients over websocket")
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ws, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				log.WithError(err).Warn("websocket handshake failed")
				return
			}
			conn := newWSConn(ws)
			defer conn.Close()
			s.serveConn(ctx, conn, r.RemoteAddr)
		}),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return srv.Close()
	})
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return g.Wait()
}

func (s *Server) serveConn(ctx context.Context, rw io.ReadWriter, remote string) {
	sess := NewSession(rw, s.opts)
	sess.log.WithField("remote", remote).Info("client connected")
	if err := sess.Serve(ctx); err != nil && ctx.Err() == nil {
		sess.log.WithError(err).Warn("session failed")
	}
}
