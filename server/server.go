// Package server wires the pieces together: listeners and the reactor from engine,
// the decoder and encoder from protocol, vhost routing, method dispatch and CGI.
package server

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/s00inx/webserv/internal/config"
	"github.com/s00inx/webserv/server/cgi"
	"github.com/s00inx/webserv/server/engine"
	"github.com/s00inx/webserv/server/handler"
	"github.com/s00inx/webserv/server/protocol"
	"github.com/s00inx/webserv/server/router"
)

// Server is the HTTP side of the reactor: it implements engine.EventHandler
type Server struct {
	log     zerolog.Logger
	access  zerolog.Logger
	router  *router.Router
	h       *handler.Handler
	reactor *engine.Reactor
	ls      []*engine.Listener

	// cancelled on shutdown, kills running CGI children
	ctx context.Context
}

// per connection state kept in Session.Context
type conn struct {
	dec protocol.Decoder
	srv *config.Server // vhost of the request being decoded
}

// New binds every listener, nothing is served until Run
func New(srvs []*config.Server, log zerolog.Logger, workers int) (*Server, error) {
	ls, err := engine.Listen(srvs)
	if err != nil {
		return nil, err
	}

	s := &Server{
		log:    log.With().Str("component", "server").Logger(),
		access: log.With().Str("component", "access").Logger(),
		router: router.New(srvs),
		h: handler.New(
			log.With().Str("component", "handler").Logger(),
			cgi.NewGateway(log.With().Str("component", "cgi").Logger()),
		),
		ls:  ls,
		ctx: context.Background(),
	}

	r, err := engine.NewReactor(ls, s, engine.NewPool(workers), log.With().Str("component", "reactor").Logger())
	if err != nil {
		for _, l := range ls {
			l.Close()
		}
		return nil, err
	}
	s.reactor = r
	return s, nil
}

// Listeners bound by New
func (s *Server) Listeners() []*engine.Listener {
	return s.ls
}

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	s.ctx = ctx
	return s.reactor.Run(ctx)
}

func (s *Server) OnOpen(ss *engine.Session) {
	c := &conn{}
	port := ss.Listener.Port
	c.dec.Limit = func(req *protocol.Request) int64 {
		c.srv = s.router.SelectRequest(req, port)
		return c.srv.MaxBodySize
	}
	ss.Context = c
}

func (s *Server) OnClose(ss *engine.Session) {
	if c, ok := ss.Context.(*conn); ok && c.dec.Busy() {
		s.log.Debug().Str("remote", ss.Remote).Msg("peer gone mid request")
	}
}

func (s *Server) OnTraffic(ss *engine.Session) {
	c := ss.Context.(*conn)

	for !ss.Paused() && len(ss.Buf) > 0 {
		n, req, err := c.dec.Decode(ss.Buf)
		ss.Consume(n)

		if err != nil {
			srv := c.srv
			if srv == nil {
				srv = s.router.Select("", ss.Listener.Port)
			}
			s.log.Debug().Err(err).Str("remote", ss.Remote).Msg("bad request")

			resp := handler.ErrorPage(srv, protocol.StatusOf(err))
			resp.Close = true
			s.respond(ss, nil, srv, resp, time.Now())
			return
		}
		if req == nil {
			return
		}

		if closed := s.serve(ss, c, req); closed {
			return
		}
	}
}

// serve one request, true if the connection is done
func (s *Server) serve(ss *engine.Session, c *conn, req *protocol.Request) bool {
	start := time.Now()
	srv := c.srv
	if srv == nil {
		srv = s.router.SelectRequest(req, ss.Listener.Port)
	}
	// the next request picks its own vhost
	c.srv = nil
	rt := s.router.Resolve(srv, req)

	resp, job := s.h.Handle(req, rt)
	if job == nil {
		return s.respond(ss, req, srv, resp, start)
	}

	// the child runs on a worker, the connection waits paused
	ok := s.reactor.Go(ss, func() func(*engine.Session) {
		resp := job.Run(s.ctx)
		return func(ss *engine.Session) {
			s.respond(ss, req, srv, resp, start)
			ss.Resume()
		}
	})
	if !ok {
		s.log.Warn().Str("path", rt.Path).Msg("cgi queue full")
		return s.respond(ss, req, srv, handler.ErrorPage(srv, 503), start)
	}
	return false
}

// queue resp on the session, true if the connection will close after it
func (s *Server) respond(ss *engine.Session, req *protocol.Request, srv *config.Server, resp *protocol.Response, start time.Time) bool {
	if req != nil && !req.KeepAlive() {
		resp.Close = true
	}
	engine.WriteBuf(ss, func(dst []byte) []byte {
		return protocol.AppendResponse(dst, resp)
	})
	if resp.Close {
		ss.Close()
	}

	ev := s.access.Info().
		Str("remote", ss.Remote).
		Int("status", resp.Code).
		Int("bytes", len(resp.Body)).
		Dur("took", time.Since(start))
	if srv != nil {
		ev = ev.Str("vhost", vhostName(srv))
	}
	if req != nil {
		host, _ := req.Header("Host")
		ev = ev.Str("method", req.Method).Str("path", req.Path).Str("host", host)
	}
	ev.Msg("")
	return resp.Close
}

func vhostName(srv *config.Server) string {
	if srv.ServerName != "" {
		return srv.ServerName
	}
	return srv.Root
}
