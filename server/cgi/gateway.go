// CGI gateway: run an interpreter on a script, feed it the body, collect stdout.
// os/exec does the pipe/fork/exec/wait dance and closes every pipe end on all paths
package cgi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// exit status we report when the interpreter could not be exec'd at all,
// same as a shell would
const execFailed = 127

// ErrSpawn means no child ran or we lost track of it (pipe, fork, stdin write)
var ErrSpawn = errors.New("cgi spawn failed")

// Command is everything needed to start a child
type Command struct {
	Interpreter string
	Script      string
	Env         []string
	Stdin       []byte
	Dir         string
}

// Result of a child that was started and waited for
type Result struct {
	ExitStatus int
	Stdout     []byte
	Stderr     []byte
}

// Spawn runs Interpreter with Script as the only argument and waits for it.
// a non-zero exit is a Result, not an error
func Spawn(ctx context.Context, c Command) (*Result, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, c.Interpreter, c.Script)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.Stdin = bytes.NewReader(c.Stdin)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return &Result{ExitStatus: execFailed, Stderr: []byte(err.Error())}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	err := cmd.Wait()
	res := &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	var ee *exec.ExitError
	switch {
	case err == nil:
		res.ExitStatus = 0
	case errors.As(err, &ee):
		// -1 when killed by a signal
		res.ExitStatus = ee.ExitCode()
	default:
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	return res, nil
}

// Request is what the gateway needs from an HTTP request
type Request struct {
	Method      string
	ScriptName  string // url path of the script
	Script      string // filesystem path
	Interpreter string
	Query       string
	ContentType string
	ServerName  string
	ServerPort  int
	Headers     map[string]string
	Body        []byte
}

// Gateway maps child outcome to an HTTP status
type Gateway struct {
	log zerolog.Logger
}

func NewGateway(log zerolog.Logger) *Gateway {
	return &Gateway{log: log}
}

// Execute runs the script and returns status and body:
// 200 and stdout on exit 0, 502 on any other exit, 500 if the child could not be run
func (g *Gateway) Execute(ctx context.Context, r *Request) (int, []byte) {
	res, err := Spawn(ctx, Command{
		Interpreter: r.Interpreter,
		Script:      r.Script,
		Env:         Env(r),
		Stdin:       r.Body,
		Dir:         filepath.Dir(r.Script),
	})
	if err != nil {
		g.log.Warn().Err(err).Str("script", r.Script).Msg("cgi failed to run")
		return 500, nil
	}
	if res.ExitStatus != 0 {
		g.log.Warn().
			Str("script", r.Script).
			Int("status", res.ExitStatus).
			Str("stderr", string(res.Stderr)).
			Msg("cgi exited non-zero")
		return 502, nil
	}

	g.log.Debug().Str("script", r.Script).Int("bytes", len(res.Stdout)).Msg("cgi done")
	return 200, res.Stdout
}

// Env builds the child environment
func Env(r *Request) []string {
	env := []string{
		"GATEWAY_INTERFACE=CGI/1.1",
		"SERVER_PROTOCOL=HTTP/1.1",
		"SERVER_SOFTWARE=webserv",
		"REDIRECT_STATUS=200",
		"REQUEST_METHOD=" + r.Method,
		"SCRIPT_FILENAME=" + r.Script,
		"SCRIPT_NAME=" + r.ScriptName,
		"PATH_INFO=" + r.ScriptName,
		"QUERY_STRING=" + r.Query,
		"CONTENT_LENGTH=" + strconv.Itoa(len(r.Body)),
		"CONTENT_TYPE=" + r.ContentType,
		"SERVER_NAME=" + r.ServerName,
		"SERVER_PORT=" + strconv.Itoa(r.ServerPort),
		"PATH=/usr/local/bin:/usr/bin:/bin",
	}

	for k, v := range r.Headers {
		name := "HTTP_" + strings.Map(upperCaseAndUnderscore, k)
		// framing headers are already in CONTENT_*
		if name == "HTTP_CONTENT_LENGTH" || name == "HTTP_CONTENT_TYPE" {
			continue
		}
		env = append(env, name+"="+v)
	}
	return env
}

func upperCaseAndUnderscore(r rune) rune {
	switch {
	case r >= 'a' && r <= 'z':
		return r - ('a' - 'A')
	case r == '-':
		return '_'
	}
	return r
}
