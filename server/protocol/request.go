package protocol

import (
	"strings"
)

// Request is a fully decoded request, body is owned by the request
// (it is copied out of the connection buffer) so it can outlive the session
type Request struct {
	Method   string
	Path     string // request target as sent, query included
	Protocol string

	// keys are kept as received, duplicates: last one wins
	Headers map[string]string
	Body    []byte
}

// Header looks key up exactly first, then case-insensitively
func (r *Request) Header(key string) (string, bool) {
	if v, ok := r.Headers[key]; ok {
		return v, true
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// split target into path and raw query
func (r *Request) Target() (path, query string) {
	path, query, _ = strings.Cut(r.Path, "?")
	return path, query
}

// KeepAlive reports whether the connection may carry another request
func (r *Request) KeepAlive() bool {
	conn, _ := r.Header("Connection")
	conn = strings.ToLower(strings.TrimSpace(conn))
	if r.Protocol == "HTTP/1.0" {
		return conn == "keep-alive"
	}
	return conn != "close"
}

// delete every spelling of key
func (r *Request) delHeader(key string) {
	for k := range r.Headers {
		if strings.EqualFold(k, key) {
			delete(r.Headers, k)
		}
	}
}
