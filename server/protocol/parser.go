// incremental HTTP/1.x request decoder
// bytes are fed as they arrive, decoder keeps what it still needs between calls
package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

const (
	DefaultMaxHeaderSize = 1 << 16
	maxChunkLine         = 4096
)

var (
	crlf    = []byte("\r\n")
	headEnd = []byte("\r\n\r\n")
)

type state uint8

const (
	stateHead state = iota
	stateBody
	stateChunkSize
	stateChunkData
	stateChunkCRLF
	stateTrailer
)

// LimitFunc is asked for the max body size once the head is parsed,
// the caller usually resolves the vhost here
type LimitFunc func(req *Request) int64

// Decoder turns a byte stream into requests, one at a time
type Decoder struct {
	Limit         LimitFunc
	MaxHeaderSize int

	st      state
	req     *Request
	need    int64 // bytes left in the current body or chunk
	limit   int64
	chunked bool
}

// Reset drops any half-decoded request
func (d *Decoder) Reset() {
	d.st = stateHead
	d.req = nil
	d.need = 0
	d.limit = 0
	d.chunked = false
}

// Busy reports whether a request has started but is not finished
func (d *Decoder) Busy() bool {
	return d.st != stateHead
}

// Decode consumes from buf and returns how many bytes it used,
// req is nil while more bytes are needed; consumed bytes must be dropped by the caller
func (d *Decoder) Decode(buf []byte) (int, *Request, error) {
	crs := 0
	for {
		rest := buf[crs:]

		switch d.st {
		case stateHead:
			n, err := d.head(rest)
			if err != nil || n == 0 {
				return crs, nil, err
			}
			crs += n
			if d.req == nil {
				// only blank lines were skipped
				continue
			}
			if d.st == stateHead {
				return crs, d.finish(), nil
			}

		case stateBody, stateChunkData:
			if len(rest) == 0 {
				return crs, nil, nil
			}
			take := int64(len(rest))
			if take > d.need {
				take = d.need
			}
			d.req.Body = append(d.req.Body, rest[:take]...)
			d.need -= take
			crs += int(take)
			if d.need > 0 {
				return crs, nil, nil
			}
			if d.st == stateChunkData {
				d.st = stateChunkCRLF
			} else {
				return crs, d.finish(), nil
			}

		case stateChunkCRLF:
			if len(rest) < 2 {
				return crs, nil, nil
			}
			if rest[0] != '\r' || rest[1] != '\n' {
				return crs, nil, fmt.Errorf("%w: chunk data not followed by CRLF", ErrInvalid)
			}
			crs += 2
			d.st = stateChunkSize

		case stateChunkSize:
			line, n, err := readLine(rest)
			if err != nil {
				return crs, nil, err
			}
			if n == 0 {
				return crs, nil, nil
			}
			crs += n

			size, err := parseChunkSize(line)
			if err != nil {
				return crs, nil, err
			}
			if size == 0 {
				d.st = stateTrailer
				continue
			}
			if size > d.limit-int64(len(d.req.Body)) {
				return crs, nil, ErrTooLarge
			}
			d.need = size
			d.st = stateChunkData

		case stateTrailer:
			line, n, err := readLine(rest)
			if err != nil {
				return crs, nil, err
			}
			if n == 0 {
				return crs, nil, nil
			}
			crs += n

			// trailer fields are skipped, empty line ends the message
			if len(line) == 0 {
				return crs, d.finish(), nil
			}
		}
	}
}

// parse the head once the blank line is in buf, returns 0 if it isn't yet
func (d *Decoder) head(buf []byte) (int, error) {
	maxh := d.MaxHeaderSize
	if maxh <= 0 {
		maxh = DefaultMaxHeaderSize
	}

	// tolerate empty lines before the request line
	lead := 0
	for lead+1 < len(buf) && buf[lead] == '\r' && buf[lead+1] == '\n' {
		lead += 2
	}

	idx := bytes.Index(buf[lead:], headEnd)
	if idx == -1 {
		if len(buf)-lead > maxh {
			return 0, ErrHeaderTooLarge
		}
		if lead > 0 {
			return lead, nil
		}
		return 0, nil
	}
	end := lead + idx + len(headEnd)
	if end-lead > maxh {
		return 0, ErrHeaderTooLarge
	}

	req, err := parseHead(buf[lead:end])
	if err != nil {
		return 0, err
	}
	d.req = req

	d.limit = 1<<63 - 1
	if d.Limit != nil {
		d.limit = d.Limit(req)
	}

	te, _ := req.Header("Transfer-Encoding")
	cl, hascl := req.Header("Content-Length")

	switch {
	case te != "":
		if !isChunked(te) {
			return 0, fmt.Errorf("%w: unsupported transfer-encoding %q", ErrInvalid, te)
		}
		d.chunked = true
		d.st = stateChunkSize

	case hascl:
		n, err := parseContentLength(cl)
		if err != nil {
			return 0, err
		}
		if n > d.limit {
			return 0, ErrTooLarge
		}
		if n == 0 {
			d.st = stateHead
			return end, nil
		}
		d.req.Body = make([]byte, 0, n)
		d.need = n
		d.st = stateBody

	default:
		// no framing headers means no body
		d.st = stateHead
	}

	return end, nil
}

// return the finished request and get ready for the next one
func (d *Decoder) finish() *Request {
	req := d.req
	if d.chunked {
		// handlers never see the framing, chunked bodies look like plain ones
		req.delHeader("Transfer-Encoding")
		req.delHeader("Content-Length")
		req.Headers["Content-Length"] = strconv.Itoa(len(req.Body))
	}
	d.Reset()
	return req
}

// input is the head including the terminating blank line
func parseHead(raw []byte) (*Request, error) {
	crs := 0
	req := &Request{Headers: make(map[string]string)}

	// find a separator
	findsep := func(start int, sep byte) int {
		idx := bytes.IndexByte(raw[start:], sep)
		if idx == -1 {
			return -1
		}
		return start + idx
	}

	// request line: method SP target SP protocol CRLF
	le := findsep(crs, '\n')
	if le < 1 || raw[le-1] != '\r' {
		return nil, fmt.Errorf("%w: malformed request line", ErrInvalid)
	}
	line := raw[:le-1]
	crs = le + 1

	sp1 := bytes.IndexByte(line, ' ')
	sp2 := bytes.LastIndexByte(line, ' ')
	if sp1 <= 0 || sp2 == sp1 {
		return nil, fmt.Errorf("%w: malformed request line %q", ErrInvalid, line)
	}
	req.Method = string(line[:sp1])
	req.Path = string(bytes.TrimSpace(line[sp1+1 : sp2]))
	req.Protocol = string(line[sp2+1:])

	// method is a token, same charset as field names
	if !httpguts.ValidHeaderFieldName(req.Method) {
		return nil, fmt.Errorf("%w: bad method %q", ErrInvalid, req.Method)
	}
	if req.Path == "" || strings.ContainsAny(req.Path, " \t") {
		return nil, fmt.Errorf("%w: bad target %q", ErrInvalid, req.Path)
	}
	if !strings.HasPrefix(req.Protocol, "HTTP/") {
		return nil, fmt.Errorf("%w: bad protocol %q", ErrInvalid, req.Protocol)
	}
	if req.Protocol != "HTTP/1.1" && req.Protocol != "HTTP/1.0" {
		return nil, fmt.Errorf("%w: %s", ErrVersion, req.Protocol)
	}

	// headers up to the blank line
	for {
		if raw[crs] == '\r' && raw[crs+1] == '\n' {
			break
		}

		lf := findsep(crs, '\n')
		if lf == -1 || raw[lf-1] != '\r' {
			return nil, fmt.Errorf("%w: header line without CRLF", ErrInvalid)
		}

		le := lf - 1
		coloni := findsep(crs, ':')
		if coloni == -1 || coloni > le {
			return nil, fmt.Errorf("%w: header without colon", ErrInvalid)
		}

		key := string(raw[crs:coloni])
		val := string(bytes.Trim(raw[coloni+1:le], " \t"))
		if !httpguts.ValidHeaderFieldName(key) || !httpguts.ValidHeaderFieldValue(val) {
			return nil, fmt.Errorf("%w: bad header %q", ErrInvalid, key)
		}
		req.Headers[key] = val

		crs = lf + 1
	}

	return req, nil
}

// one CRLF terminated line, n is 0 if the line is not complete yet
func readLine(buf []byte) ([]byte, int, error) {
	idx := bytes.Index(buf, crlf)
	if idx == -1 {
		if len(buf) > maxChunkLine {
			return nil, 0, fmt.Errorf("%w: chunk line too long", ErrInvalid)
		}
		return nil, 0, nil
	}
	if idx > maxChunkLine {
		return nil, 0, fmt.Errorf("%w: chunk line too long", ErrInvalid)
	}
	return buf[:idx], idx + 2, nil
}

func parseChunkSize(line []byte) (int64, error) {
	// chunk extensions are ignored
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return 0, fmt.Errorf("%w: empty chunk size", ErrInvalid)
	}
	n, err := strconv.ParseInt(string(line), 16, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad chunk size %q", ErrInvalid, line)
	}
	return n, nil
}

func parseContentLength(v string) (int64, error) {
	if v == "" {
		return 0, fmt.Errorf("%w: empty content-length", ErrInvalid)
	}
	var n int64
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: bad content-length %q", ErrInvalid, v)
		}
		if n > (1<<62)/10 {
			return 0, ErrTooLarge
		}
		n = n*10 + int64(c-'0')
	}
	return n, nil
}

// only chunked (as the last coding) is understood
func isChunked(te string) bool {
	codings := strings.Split(te, ",")
	last := strings.TrimSpace(codings[len(codings)-1])
	return strings.EqualFold(last, "chunked") && len(codings) == 1
}
