package handler

import (
	"errors"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/s00inx/webserv/server/protocol"
	"github.com/s00inx/webserv/server/router"
)

const (
	ctypeJSON      = "application/json"
	ctypeMultipart = "multipart/form-data"
	ctypeForm      = "application/x-www-form-urlencoded"
)

func (h *Handler) post(req *protocol.Request, rt *router.Route) (*protocol.Response, *Job) {
	cl, ok := req.Header("Content-Length")
	if !ok {
		// body length unknown, whatever follows can't be trusted as a new request
		resp := ErrorPage(rt.Server, 411)
		resp.Close = true
		return resp, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
	if err != nil || n != int64(len(req.Body)) {
		return ErrorPage(rt.Server, 400), nil
	}
	ct, ok := req.Header("Content-Type")
	if !ok || strings.TrimSpace(ct) == "" {
		return ErrorPage(rt.Server, 400), nil
	}

	media, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return ErrorPage(rt.Server, 400), nil
	}

	switch media {
	case ctypeJSON:
		name, content, err := extractJSON(req.Body)
		if err != nil {
			h.log.Debug().Err(err).Msg("json upload rejected")
			return ErrorPage(rt.Server, 400), nil
		}
		return h.store(rt, name, content), nil

	case ctypeMultipart:
		name, content, err := extractMultipart(req.Body, params["boundary"])
		if err != nil {
			h.log.Debug().Err(err).Msg("multipart upload rejected")
			return ErrorPage(rt.Server, 400), nil
		}
		return h.store(rt, name, content), nil

	case ctypeForm:
		return h.form(req, rt)
	}
	return ErrorPage(rt.Server, 415), nil
}

// urlencoded forms go to the script the path resolves to
func (h *Handler) form(req *protocol.Request, rt *router.Route) (*protocol.Response, *Job) {
	st, err := os.Stat(rt.File)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrorPage(rt.Server, 404), nil
	case err != nil || st.IsDir():
		return ErrorPage(rt.Server, 403), nil
	}

	interp, ok := interpreter(rt, rt.File)
	if !ok {
		// a plain file can't take a form
		return ErrorPage(rt.Server, 403), nil
	}
	return nil, h.job(req, rt, rt.File, interp)
}

// write content to the upload root under name
func (h *Handler) store(rt *router.Route, name string, content []byte) *protocol.Response {
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." {
		return ErrorPage(rt.Server, 400)
	}

	dir := rt.Server.UploadRoot()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		h.log.Warn().Err(err).Str("dir", dir).Msg("upload dir")
		return ErrorPage(rt.Server, 500)
	}

	target := filepath.Join(dir, name)
	if err := os.WriteFile(target, content, 0o644); err != nil {
		h.log.Warn().Err(err).Str("file", target).Msg("upload write failed")
		return ErrorPage(rt.Server, 500)
	}
	h.log.Debug().Str("file", target).Int("bytes", len(content)).Msg("stored upload")

	resp := protocol.NewResponse(201, "text/html", defaultPage(201))
	resp.Set("Location", path.Join(uploadPrefix(rt), name))
	return resp
}

// url prefix of the upload root: its path under the document root,
// or /<dir name> when it lives outside of it
func uploadPrefix(rt *router.Route) string {
	up := rt.Server.UploadRoot()
	if within(rt.Server.Root, up) {
		if rel, err := filepath.Rel(rt.Server.Root, up); err == nil {
			return path.Join("/", filepath.ToSlash(rel))
		}
	}
	return path.Join("/", filepath.Base(up))
}

// delete works on the upload root only, never on the document root.
// the path must be <upload prefix>/<name>
func (h *Handler) delete(rt *router.Route) *protocol.Response {
	dir, name := path.Split(rt.Path)
	if name == "" || path.Clean(dir) != uploadPrefix(rt) {
		return ErrorPage(rt.Server, 404)
	}
	target := filepath.Join(rt.Server.UploadRoot(), name)

	st, err := os.Lstat(target)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrorPage(rt.Server, 404)
	case err != nil || st.IsDir():
		return ErrorPage(rt.Server, 403)
	}
	if unix.Access(target, unix.W_OK) != nil {
		return ErrorPage(rt.Server, 403)
	}

	if err := os.Remove(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrorPage(rt.Server, 404)
		}
		h.log.Warn().Err(err).Str("file", target).Msg("delete failed")
		return ErrorPage(rt.Server, 500)
	}
	h.log.Debug().Str("file", target).Msg("deleted")
	return &protocol.Response{Code: 204}
}
