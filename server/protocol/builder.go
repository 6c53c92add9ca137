package protocol

import (
	"strconv"
	"strings"
)

// lookup table for status codes
// i use flat list instead of map bc codes is fixed
var statusTable = [600]string{
	// 1xx
	100: "Continue",
	101: "Switching Protocols",

	// 2xx
	200: "OK",
	201: "Created",
	202: "Accepted",
	204: "No Content",

	// 3xx
	301: "Moved Permanently",
	302: "Found",
	304: "Not Modified",

	// 4xx
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	411: "Length Required",
	413: "Payload Too Large",
	415: "Unsupported Media Type",
	431: "Request Header Fields Too Large",

	// 5xx
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
	505: "HTTP Version Not Supported",
}

// for fast access
const (
	proto = "HTTP/1.1 "
	colon = ": "
)

// StatusText returns the reason phrase, empty for codes we don't know
func StatusText(code int) string {
	if code < 0 || code >= len(statusTable) {
		return ""
	}
	return statusTable[code]
}

// Header for response
type Header struct {
	Key, Val string
}

// Response is what handlers hand back, Content-Length is always computed
// by the encoder from Body so handlers don't set it
type Response struct {
	Code    int
	Headers []Header
	Body    []byte

	// Close asks the connection to be closed once the response is written
	Close bool
}

// NewResponse with a Content-Type header set when ctype isn't empty
func NewResponse(code int, ctype string, body []byte) *Response {
	r := &Response{Code: code, Body: body}
	if ctype != "" {
		r.Set("Content-Type", ctype)
	}
	return r
}

// Set replaces header key or adds it
func (r *Response) Set(key, val string) {
	for i := range r.Headers {
		if strings.EqualFold(r.Headers[i].Key, key) {
			r.Headers[i].Val = val
			return
		}
	}
	r.Headers = append(r.Headers, Header{Key: key, Val: val})
}

// Get header value, empty if not set
func (r *Response) Get(key string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Key, key) {
			return h.Val
		}
	}
	return ""
}

// AppendResponse serializes r to dst:
// status line, headers, Content-Length from the real body, blank line, body
func AppendResponse(dst []byte, r *Response) []byte {
	code := r.Code
	st := StatusText(code)
	if st == "" {
		code, st = 500, statusTable[500]
	}

	dst = append(dst, proto...)
	dst = strconv.AppendInt(dst, int64(code), 10)
	dst = append(dst, ' ')
	dst = append(dst, st...)
	dst = append(dst, crlf...)

	hasConn := false
	for _, h := range r.Headers {
		// length is ours, whatever the handler said
		if strings.EqualFold(h.Key, "Content-Length") {
			continue
		}
		if strings.EqualFold(h.Key, "Connection") {
			hasConn = true
		}
		dst = appendHeader(dst, h.Key, h.Val)
	}

	dst = append(dst, "Content-Length"...)
	dst = append(dst, colon...)
	dst = strconv.AppendInt(dst, int64(len(r.Body)), 10)
	dst = append(dst, crlf...)

	if r.Close && !hasConn {
		dst = appendHeader(dst, "Connection", "close")
	}

	dst = append(dst, crlf...)
	dst = append(dst, r.Body...)
	return dst
}

func appendHeader(dst []byte, key, val string) []byte {
	dst = append(dst, key...)
	dst = append(dst, colon...)
	dst = append(dst, val...)
	return append(dst, crlf...)
}
