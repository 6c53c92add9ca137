// Package router picks the virtual host for a request and resolves the
// request path to a location and a file under the document root.
package router

import (
	"net"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/s00inx/webserv/internal/config"
	"github.com/s00inx/webserv/server/protocol"
)

// Route is the outcome of routing one request
type Route struct {
	Server   *config.Server
	Location *config.Location // nil when no location matched

	Path  string // cleaned request path, query stripped
	Query string
	File  string // filesystem path the request maps to
}

// Router holds every configured virtual host and a location tree per host
type Router struct {
	srvs  []*config.Server
	trees map[*config.Server]*node
}

// New builds the location trees, srvs must not be empty
func New(srvs []*config.Server) *Router {
	r := &Router{
		srvs:  srvs,
		trees: make(map[*config.Server]*node, len(srvs)),
	}
	for _, s := range srvs {
		root := &node{}
		for _, l := range s.Locations {
			root.insert(l)
		}
		r.trees[s] = root
	}
	return r
}

// Select picks the virtual host for a Host header value on a connection
// accepted on localPort:
// server_name match, then host match, then first on the port, then the first server
func (r *Router) Select(host string, localPort int) *config.Server {
	name, port := splitHost(host, localPort)

	if name != "" {
		for _, s := range r.srvs {
			if s.ServerName != "" && s.ServerName == name && s.Listens(port) {
				return s
			}
		}
		for _, s := range r.srvs {
			if s.Host == name && s.Listens(port) {
				return s
			}
		}
	}
	for _, s := range r.srvs {
		if s.Listens(port) {
			return s
		}
	}
	return r.srvs[0]
}

// SelectRequest is Select with the Host header taken from req
func (r *Router) SelectRequest(req *protocol.Request, localPort int) *config.Server {
	host, _ := req.Header("Host")
	return r.Select(host, localPort)
}

// Resolve maps req to a location of srv and a file on disk
func (r *Router) Resolve(srv *config.Server, req *protocol.Request) *Route {
	raw, query := req.Target()
	p := cleanPath(raw)

	rt := &Route{Server: srv, Path: p, Query: query}

	if tree, ok := r.trees[srv]; ok {
		rt.Location = tree.find(p)
	}

	switch {
	case rt.Location != nil:
		root, index := srv.Root, srv.Index
		if rt.Location.Root != "" {
			root = rt.Location.Root
		}
		if rt.Location.Index != "" {
			index = rt.Location.Index
		}
		rt.File = filepath.Join(root, index)
	case p == "/":
		rt.File = filepath.Join(srv.Root, srv.Index)
	default:
		rt.File = filepath.Join(srv.Root, filepath.FromSlash(p))
	}
	return rt
}

// split "name:port", the port falls back to the connection's one
func splitHost(host string, localPort int) (string, int) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", localPort
	}
	name, ps, err := net.SplitHostPort(host)
	if err != nil {
		// no port in the header
		return strings.Trim(host, "[]"), localPort
	}
	port, err := strconv.Atoi(ps)
	if err != nil || port <= 0 || port > 65535 {
		return name, localPort
	}
	return name, port
}

// clean the path so it can't climb above the root, a trailing slash is kept
// since locations are matched exactly
func cleanPath(p string) string {
	if p == "" || p[0] != '/' {
		p = "/" + p
	}
	cp := path.Clean(p)
	if cp != "/" && strings.HasSuffix(p, "/") {
		cp += "/"
	}
	return cp
}
