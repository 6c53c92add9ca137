package handler

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/s00inx/webserv/server/protocol"
	"github.com/s00inx/webserv/server/router"
)

func (h *Handler) get(req *protocol.Request, rt *router.Route) (*protocol.Response, *Job) {
	file := rt.File
	st, err := os.Stat(file)
	if err == nil && st.IsDir() {
		// directory: serve its index
		file = filepath.Join(file, rt.Server.Index)
		st, err = os.Stat(file)
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrorPage(rt.Server, 404), nil
	case err != nil:
		return ErrorPage(rt.Server, 403), nil
	case st.IsDir():
		return ErrorPage(rt.Server, 403), nil
	}

	if unix.Access(file, unix.R_OK) != nil {
		return ErrorPage(rt.Server, 403), nil
	}

	if interp, ok := interpreter(rt, file); ok {
		return nil, h.job(req, rt, file, interp)
	}

	body, err := os.ReadFile(file)
	if err != nil {
		h.log.Warn().Err(err).Str("file", file).Msg("read failed")
		return ErrorPage(rt.Server, 500), nil
	}
	return protocol.NewResponse(200, protocol.MIMEType(file), body), nil
}
