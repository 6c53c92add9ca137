package handler

import (
	"os"
	"strconv"

	"github.com/s00inx/webserv/internal/config"
	"github.com/s00inx/webserv/server/protocol"
)

// ErrorPage answers code with the page configured for it,
// or a generated one when none is set or it can't be read
func ErrorPage(srv *config.Server, code int) *protocol.Response {
	if srv != nil {
		if p, ok := srv.ErrorPage(code); ok {
			if body, err := os.ReadFile(p); err == nil {
				return protocol.NewResponse(code, "text/html", body)
			}
		}
	}
	return protocol.NewResponse(code, "text/html", defaultPage(code))
}

func defaultPage(code int) []byte {
	text := protocol.StatusText(code)
	b := make([]byte, 0, 96)
	b = append(b, "<html><body><h1>Error "...)
	b = strconv.AppendInt(b, int64(code), 10)
	b = append(b, "</h1><p>"...)
	b = append(b, text...)
	b = append(b, "</p></body></html>\n"...)
	return b
}
