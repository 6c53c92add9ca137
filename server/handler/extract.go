// narrow upload extractors: two known JSON string fields or one multipart file part.
// every search is bounded by the body, nothing slices past what was found
package handler

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

var (
	// errAbsent: the body is well formed but the field we need isn't there
	errAbsent = errors.New("field absent")
	// errMalformed: the body is cut or doesn't look like what its type says
	errMalformed = errors.New("malformed body")
)

// extractJSON pulls "fileName" and "fileContent" out of a flat JSON object
func extractJSON(body []byte) (string, []byte, error) {
	b := bytes.TrimSpace(body)
	if len(b) < 2 || b[0] != '{' || b[len(b)-1] != '}' {
		return "", nil, errMalformed
	}

	name, err := jsonString(b, "fileName")
	if err != nil {
		return "", nil, fmt.Errorf("fileName: %w", err)
	}
	content, err := jsonString(b, "fileContent")
	if err != nil {
		return "", nil, fmt.Errorf("fileContent: %w", err)
	}
	if name == "" {
		return "", nil, fmt.Errorf("fileName: %w", errAbsent)
	}
	return name, []byte(content), nil
}

// jsonString finds "key" followed by a colon and a quoted value
func jsonString(b []byte, key string) (string, error) {
	pat := []byte(`"` + key + `"`)

	off := 0
	for {
		i := bytes.Index(b[off:], pat)
		if i == -1 {
			return "", errAbsent
		}
		pos := skipSpace(b, off+i+len(pat))
		if pos < len(b) && b[pos] == ':' {
			return jsonValue(b, skipSpace(b, pos+1))
		}
		// the key text showed up as a value, keep looking
		off += i + len(pat)
	}
}

// quoted string starting at b[pos], unescaped
func jsonValue(b []byte, pos int) (string, error) {
	if pos >= len(b) || b[pos] != '"' {
		return "", errMalformed
	}
	end := -1
	for i := pos + 1; i < len(b); i++ {
		if b[i] == '\\' {
			i++
			continue
		}
		if b[i] == '"' {
			end = i
			break
		}
	}
	if end == -1 {
		return "", errMalformed
	}

	raw := b[pos : end+1]
	if bytes.IndexByte(raw, '\\') == -1 {
		return string(raw[1 : len(raw)-1]), nil
	}
	s, err := strconv.Unquote(string(bytes.ReplaceAll(raw, []byte(`\/`), []byte("/"))))
	if err != nil {
		return "", errMalformed
	}
	return s, nil
}

func skipSpace(b []byte, i int) int {
	for i < len(b) && (b[i] == ' ' || b[i] == '\t' || b[i] == '\r' || b[i] == '\n') {
		i++
	}
	return i
}

// extractMultipart returns the name and content of the first part carrying a filename.
// content ends right before the CRLF that precedes the next boundary delimiter
func extractMultipart(body []byte, boundary string) (string, []byte, error) {
	if boundary == "" {
		return "", nil, errMalformed
	}
	delim := []byte("--" + boundary)
	next := []byte("\r\n--" + boundary)

	i := bytes.Index(body, delim)
	if i == -1 {
		return "", nil, errMalformed
	}
	pos := i + len(delim)

	for {
		rest := body[pos:]
		if bytes.HasPrefix(rest, []byte("--")) {
			// closing delimiter, no file part seen
			return "", nil, errAbsent
		}
		if !bytes.HasPrefix(rest, crlf) {
			return "", nil, errMalformed
		}
		pos += len(crlf)

		h := bytes.Index(body[pos:], headEnd)
		if h == -1 {
			return "", nil, errMalformed
		}
		hdr := body[pos : pos+h]
		start := pos + h + len(headEnd)

		e := bytes.Index(body[start:], next)
		if e == -1 {
			return "", nil, errMalformed
		}
		content := body[start : start+e]

		name, err := partFilename(hdr)
		switch {
		case err == nil:
			return name, content, nil
		case !errors.Is(err, errAbsent):
			return "", nil, err
		}
		pos = start + e + len(next)
	}
}

var (
	crlf        = []byte("\r\n")
	headEnd     = []byte("\r\n\r\n")
	filenameKey = []byte(`filename="`)
)

// filename="..." inside a part's headers
func partFilename(hdr []byte) (string, error) {
	i := bytes.Index(hdr, filenameKey)
	if i == -1 {
		return "", errAbsent
	}
	v := hdr[i+len(filenameKey):]
	end := bytes.IndexByte(v, '"')
	if end == -1 {
		return "", errMalformed
	}
	if end == 0 {
		return "", errAbsent
	}
	return string(v[:end]), nil
}
