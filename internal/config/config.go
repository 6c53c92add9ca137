// configuration model shared by the engine, router and handlers
// it is built once at startup and never mutated after Load returns
package config

import (
	"path/filepath"
	"strings"
)

// Method is a bit set of request methods a location accepts
type Method uint8

const (
	MethodGet Method = 1 << iota
	MethodPost
	MethodDelete

	AllMethods = MethodGet | MethodPost | MethodDelete
)

const (
	DefaultHost        = "0.0.0.0"
	DefaultIndex       = "index.html"
	DefaultUploadDir   = "upload"
	DefaultMaxBodySize = 1 << 20
)

// ParseMethod maps a method name to its bit, zero for anything we don't serve
func ParseMethod(name string) Method {
	switch name {
	case "GET":
		return MethodGet
	case "POST":
		return MethodPost
	case "DELETE":
		return MethodDelete
	}
	return 0
}

// Location is a per-path override inside a server block
type Location struct {
	Path    string
	Root    string // empty means server root
	Index   string // empty means server index
	Methods Method
	CGI     map[string]string // extension (with dot) -> interpreter
}

// Allows reports whether the location accepts method,
// methods we don't know are left to the dispatcher
func (l *Location) Allows(method string) bool {
	m := ParseMethod(method)
	if m == 0 {
		return true
	}
	return l.Methods&m != 0
}

// Server is one virtual host record
type Server struct {
	Host        string
	Ports       []int
	ServerName  string
	Root        string
	Index       string
	ErrorPages  map[int]string
	MaxBodySize int64
	UploadDir   string
	CGI         map[string]string

	Locations []*Location
}

// Listens reports whether port is among the server's ports
func (s *Server) Listens(port int) bool {
	for _, p := range s.Ports {
		if p == port {
			return true
		}
	}
	return false
}

// UploadRoot is the directory POST writes to and DELETE removes from
func (s *Server) UploadRoot() string {
	if filepath.IsAbs(s.UploadDir) {
		return s.UploadDir
	}
	return filepath.Join(s.Root, s.UploadDir)
}

// ErrorPage returns the filesystem path registered for code
func (s *Server) ErrorPage(code int) (string, bool) {
	p, ok := s.ErrorPages[code]
	if !ok || p == "" {
		return "", false
	}
	if filepath.IsAbs(p) {
		// error pages are written nginx style (/errors/404.html) so an absolute
		// path that is not on disk is taken relative to the root
		if _, err := statFn(p); err == nil {
			return p, true
		}
	}
	return filepath.Join(s.Root, strings.TrimPrefix(p, "/")), true
}

// Interpreter finds the CGI program for ext, location table first
func (s *Server) Interpreter(loc *Location, ext string) (string, bool) {
	if ext == "" {
		return "", false
	}
	if loc != nil {
		if prog, ok := loc.CGI[ext]; ok {
			return prog, true
		}
	}
	prog, ok := s.CGI[ext]
	return prog, ok
}

func newServer() *Server {
	return &Server{
		Host:        DefaultHost,
		Index:       DefaultIndex,
		ErrorPages:  make(map[int]string),
		MaxBodySize: DefaultMaxBodySize,
		UploadDir:   DefaultUploadDir,
		CGI:         make(map[string]string),
	}
}

func newLocation(path string) *Location {
	return &Location{
		Path:    path,
		Methods: AllMethods,
		CGI:     make(map[string]string),
	}
}
