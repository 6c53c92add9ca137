// Package handler serves a routed request: static files, uploads, deletes and CGI.
// every failure is turned into a response here, nothing unwinds past Handle
package handler

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/s00inx/webserv/internal/config"
	"github.com/s00inx/webserv/server/cgi"
	"github.com/s00inx/webserv/server/protocol"
	"github.com/s00inx/webserv/server/router"
)

// Job is a CGI request that still has to run, it blocks so the caller
// decides where (a worker, or inline)
type Job struct {
	gw  *cgi.Gateway
	srv *config.Server
	req *cgi.Request
}

// Run the child and build the response
func (j *Job) Run(ctx context.Context) *protocol.Response {
	code, out := j.gw.Execute(ctx, j.req)
	if code != 200 {
		return ErrorPage(j.srv, code)
	}
	return protocol.NewResponse(200, "text/html", out)
}

// Handler dispatches on the request method
type Handler struct {
	log zerolog.Logger
	gw  *cgi.Gateway
}

func New(log zerolog.Logger, gw *cgi.Gateway) *Handler {
	return &Handler{log: log, gw: gw}
}

// Handle returns either a finished response or a CGI job to run
func (h *Handler) Handle(req *protocol.Request, rt *router.Route) (*protocol.Response, *Job) {
	if rt.Location != nil && !rt.Location.Allows(req.Method) {
		resp := ErrorPage(rt.Server, 405)
		resp.Set("Allow", allowed(rt.Location.Methods))
		return resp, nil
	}

	switch req.Method {
	case "GET":
		return h.get(req, rt)
	case "POST":
		return h.post(req, rt)
	case "DELETE":
		return h.delete(rt), nil
	}
	// not implemented looks the same as not found
	return ErrorPage(rt.Server, 404), nil
}

// Serve is Handle with the job run inline
func (h *Handler) Serve(ctx context.Context, req *protocol.Request, rt *router.Route) *protocol.Response {
	resp, job := h.Handle(req, rt)
	if job != nil {
		return job.Run(ctx)
	}
	return resp
}

func (h *Handler) job(req *protocol.Request, rt *router.Route, script, interp string) *Job {
	ctype, _ := req.Header("Content-Type")
	port := 0
	if len(rt.Server.Ports) > 0 {
		port = rt.Server.Ports[0]
	}
	return &Job{
		gw:  h.gw,
		srv: rt.Server,
		req: &cgi.Request{
			Method:      req.Method,
			ScriptName:  rt.Path,
			Script:      script,
			Interpreter: interp,
			Query:       rt.Query,
			ContentType: ctype,
			ServerName:  rt.Server.ServerName,
			ServerPort:  port,
			Headers:     req.Headers,
			Body:        req.Body,
		},
	}
}

// interpreter for file, never for anything under the upload root:
// uploaded files are served as bytes, not run
func interpreter(rt *router.Route, file string) (string, bool) {
	if within(rt.Server.UploadRoot(), file) {
		return "", false
	}
	return rt.Server.Interpreter(rt.Location, filepath.Ext(file))
}

// within reports whether file is dir or below it
func within(dir, file string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(file))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func allowed(m config.Method) string {
	var names []string
	if m&config.MethodGet != 0 {
		names = append(names, "GET")
	}
	if m&config.MethodPost != 0 {
		names = append(names, "POST")
	}
	if m&config.MethodDelete != 0 {
		names = append(names, "DELETE")
	}
	return strings.Join(names, ", ")
}
