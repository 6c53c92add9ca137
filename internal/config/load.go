package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
)

var (
	ErrSyntax            = errors.New("config syntax error")
	ErrMissingListen     = errors.New("server block has no listen directive")
	ErrMissingRoot       = errors.New("server block has no root directive")
	ErrDuplicateLocation = errors.New("duplicate location path")
	ErrNoServers         = errors.New("no server blocks")
	ErrBadRoot           = errors.New("root is not a directory")
)

var statFn = os.Stat

// token from config file, line is kept for error messages
type token struct {
	val  string
	line int
}

// Load reads, parses and validates the config file at path
func Load(path string) ([]*Server, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	srvs, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := Validate(srvs); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return srvs, nil
}

// Validate checks things Parse can't see, like roots on disk
func Validate(srvs []*Server) error {
	if len(srvs) == 0 {
		return ErrNoServers
	}
	for i, s := range srvs {
		fi, err := statFn(s.Root)
		if err != nil || !fi.IsDir() {
			return fmt.Errorf("server %d: %w: %s", i, ErrBadRoot, s.Root)
		}
		for _, l := range s.Locations {
			if l.Root == "" {
				continue
			}
			if fi, err := statFn(l.Root); err != nil || !fi.IsDir() {
				return fmt.Errorf("server %d location %s: %w: %s", i, l.Path, ErrBadRoot, l.Root)
			}
		}
	}
	return nil
}

// Parse reads server blocks from r
func Parse(r io.Reader) ([]*Server, error) {
	toks, err := lex(r)
	if err != nil {
		return nil, err
	}

	p := &parser{toks: toks}
	var srvs []*Server
	for !p.eof() {
		s, err := p.server()
		if err != nil {
			return nil, err
		}
		srvs = append(srvs, s)
	}
	if len(srvs) == 0 {
		return nil, ErrNoServers
	}
	return srvs, nil
}

// split lines into words, '{' '}' ';' are always their own token
func lex(r io.Reader) ([]token, error) {
	var toks []token
	sc := bufio.NewScanner(r)
	ln := 0
	for sc.Scan() {
		ln++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}

		st := -1
		for i := 0; i <= len(line); i++ {
			var c byte = ' '
			if i < len(line) {
				c = line[i]
			}
			switch c {
			case ' ', '\t', '\r', '{', '}', ';':
				if st >= 0 {
					toks = append(toks, token{line[st:i], ln})
					st = -1
				}
				if c == '{' || c == '}' || c == ';' {
					toks = append(toks, token{string(c), ln})
				}
			default:
				if st < 0 {
					st = i
				}
			}
		}
	}
	return toks, sc.Err()
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) eof() bool { return p.pos >= len(p.toks) }

func (p *parser) next() (token, error) {
	if p.eof() {
		line := 0
		if len(p.toks) > 0 {
			line = p.toks[len(p.toks)-1].line
		}
		return token{}, fmt.Errorf("line %d: %w: unexpected end of file", line, ErrSyntax)
	}
	t := p.toks[p.pos]
	p.pos++
	return t, nil
}

func (p *parser) expect(val string) error {
	t, err := p.next()
	if err != nil {
		return err
	}
	if t.val != val {
		return fmt.Errorf("line %d: %w: expected %q, got %q", t.line, ErrSyntax, val, t.val)
	}
	return nil
}

// read directive args up to ';'
func (p *parser) args() ([]token, error) {
	var out []token
	for {
		t, err := p.next()
		if err != nil {
			return nil, err
		}
		switch t.val {
		case ";":
			return out, nil
		case "{", "}":
			return nil, fmt.Errorf("line %d: %w: missing ';' before %q", t.line, ErrSyntax, t.val)
		}
		out = append(out, t)
	}
}

func (p *parser) server() (*Server, error) {
	t, err := p.next()
	if err != nil {
		return nil, err
	}
	if t.val != "server" {
		return nil, fmt.Errorf("line %d: %w: expected server block, got %q", t.line, ErrSyntax, t.val)
	}
	if err := p.expect("{"); err != nil {
		return nil, err
	}

	s := newServer()
	hasRoot := false
	seen := make(map[string]bool)
	for {
		t, err := p.next()
		if err != nil {
			return nil, err
		}
		if t.val == "}" {
			break
		}

		if t.val == "location" {
			loc, err := p.location()
			if err != nil {
				return nil, err
			}
			if seen[loc.Path] {
				return nil, fmt.Errorf("line %d: %w: %s", t.line, ErrDuplicateLocation, loc.Path)
			}
			seen[loc.Path] = true
			s.Locations = append(s.Locations, loc)
			continue
		}

		args, err := p.args()
		if err != nil {
			return nil, err
		}
		if err := s.directive(t, args); err != nil {
			return nil, err
		}
		if t.val == "root" {
			hasRoot = true
		}
	}

	if len(s.Ports) == 0 {
		return nil, fmt.Errorf("line %d: %w", t.line, ErrMissingListen)
	}
	if !hasRoot {
		return nil, fmt.Errorf("line %d: %w", t.line, ErrMissingRoot)
	}
	return s, nil
}

func (p *parser) location() (*Location, error) {
	path, err := p.next()
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(path.val, "/") {
		return nil, fmt.Errorf("line %d: %w: location path must start with '/': %q", path.line, ErrSyntax, path.val)
	}
	if err := p.expect("{"); err != nil {
		return nil, err
	}

	loc := newLocation(path.val)
	for {
		t, err := p.next()
		if err != nil {
			return nil, err
		}
		if t.val == "}" {
			return loc, nil
		}
		args, err := p.args()
		if err != nil {
			return nil, err
		}
		if err := loc.directive(t, args); err != nil {
			return nil, err
		}
	}
}

func arity(t token, args []token, n int) error {
	if len(args) != n {
		return fmt.Errorf("line %d: %w: %s takes %d argument(s), got %d", t.line, ErrSyntax, t.val, n, len(args))
	}
	return nil
}

func (s *Server) directive(t token, args []token) error {
	switch t.val {
	case "listen":
		if err := arity(t, args, 1); err != nil {
			return err
		}
		// listen 8080 and listen 127.0.0.1:8080 are both accepted
		v := args[0].val
		if i := strings.LastIndexByte(v, ':'); i >= 0 {
			if err := s.setHost(t, v[:i]); err != nil {
				return err
			}
			v = v[i+1:]
		}
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("line %d: %w: invalid port %q", t.line, ErrSyntax, args[0].val)
		}
		if !s.Listens(port) {
			s.Ports = append(s.Ports, port)
		}
	case "host":
		if err := arity(t, args, 1); err != nil {
			return err
		}
		return s.setHost(t, args[0].val)
	case "server_name":
		if err := arity(t, args, 1); err != nil {
			return err
		}
		s.ServerName = args[0].val
	case "root":
		if err := arity(t, args, 1); err != nil {
			return err
		}
		s.Root = args[0].val
	case "index":
		if err := arity(t, args, 1); err != nil {
			return err
		}
		s.Index = args[0].val
	case "error_page":
		if err := arity(t, args, 2); err != nil {
			return err
		}
		code, err := strconv.Atoi(args[0].val)
		if err != nil || code < 300 || code > 599 {
			return fmt.Errorf("line %d: %w: invalid error code %q", t.line, ErrSyntax, args[0].val)
		}
		s.ErrorPages[code] = args[1].val
	case "client_max_body_size":
		if err := arity(t, args, 1); err != nil {
			return err
		}
		n, err := parseSize(args[0].val)
		if err != nil {
			return fmt.Errorf("line %d: %w: %v", t.line, ErrSyntax, err)
		}
		s.MaxBodySize = n
	case "upload_store":
		if err := arity(t, args, 1); err != nil {
			return err
		}
		s.UploadDir = args[0].val
	case "cgi_extension":
		return cgiDirective(s.CGI, t, args)
	default:
		return fmt.Errorf("line %d: %w: unknown directive %q", t.line, ErrSyntax, t.val)
	}
	return nil
}

func (s *Server) setHost(t token, v string) error {
	if v == "localhost" {
		v = "127.0.0.1"
	}
	addr, err := netip.ParseAddr(v)
	if err != nil || !addr.Is4() {
		return fmt.Errorf("line %d: %w: invalid host %q", t.line, ErrSyntax, v)
	}
	s.Host = v
	return nil
}

func (l *Location) directive(t token, args []token) error {
	switch t.val {
	case "root":
		if err := arity(t, args, 1); err != nil {
			return err
		}
		l.Root = args[0].val
	case "index":
		if err := arity(t, args, 1); err != nil {
			return err
		}
		l.Index = args[0].val
	case "limit_except", "allow_methods":
		if len(args) == 0 {
			return fmt.Errorf("line %d: %w: %s needs at least one method", t.line, ErrSyntax, t.val)
		}
		l.Methods = 0
		for _, a := range args {
			m := ParseMethod(strings.ToUpper(a.val))
			if m == 0 {
				return fmt.Errorf("line %d: %w: unsupported method %q", a.line, ErrSyntax, a.val)
			}
			l.Methods |= m
		}
	case "cgi_extension":
		return cgiDirective(l.CGI, t, args)
	default:
		return fmt.Errorf("line %d: %w: unknown location directive %q", t.line, ErrSyntax, t.val)
	}
	return nil
}

func cgiDirective(dst map[string]string, t token, args []token) error {
	if err := arity(t, args, 2); err != nil {
		return err
	}
	ext := args[0].val
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	dst[ext] = args[1].val
	return nil
}

// parse sizes like 1024, 10k, 8M, 1g
func parseSize(v string) (int64, error) {
	if v == "" {
		return 0, errors.New("empty size")
	}
	mul := int64(1)
	switch v[len(v)-1] {
	case 'k', 'K':
		mul = 1 << 10
	case 'm', 'M':
		mul = 1 << 20
	case 'g', 'G':
		mul = 1 << 30
	}
	if mul != 1 {
		v = v[:len(v)-1]
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", v)
	}
	return n * mul, nil
}
