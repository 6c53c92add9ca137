package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sample = `
# two vhosts on one port
server {
    listen 8080;
    listen 8081;
    host 127.0.0.1;
    server_name a.example;
    root ./www;
    index home.html;
    error_page 404 /errors/404.html;
    client_max_body_size 2m;
    cgi_extension .py /usr/bin/python3;

    location /cgi-bin {
        root ./www/cgi-bin;
        index show.py;
        limit_except GET POST;
        cgi_extension .sh /bin/sh;
    }
}

server {
    listen 8080;
    server_name b.example;
    root ./other;
}
`

func TestParse(t *testing.T) {
	srvs, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(srvs) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(srvs))
	}

	a := srvs[0]
	if a.Host != "127.0.0.1" || a.ServerName != "a.example" || a.Root != "./www" || a.Index != "home.html" {
		t.Errorf("unexpected server a: %+v", a)
	}
	if !a.Listens(8080) || !a.Listens(8081) || a.Listens(9090) {
		t.Errorf("wrong ports %v", a.Ports)
	}
	if a.MaxBodySize != 2<<20 {
		t.Errorf("max body size = %d", a.MaxBodySize)
	}
	if a.ErrorPages[404] != "/errors/404.html" {
		t.Errorf("error page = %q", a.ErrorPages[404])
	}
	if len(a.Locations) != 1 {
		t.Fatalf("expected 1 location, got %d", len(a.Locations))
	}

	loc := a.Locations[0]
	if loc.Path != "/cgi-bin" || loc.Root != "./www/cgi-bin" || loc.Index != "show.py" {
		t.Errorf("unexpected location %+v", loc)
	}
	if !loc.Allows("GET") || !loc.Allows("POST") || loc.Allows("DELETE") {
		t.Errorf("wrong methods %b", loc.Methods)
	}
	if prog, ok := a.Interpreter(loc, ".sh"); !ok || prog != "/bin/sh" {
		t.Errorf("location cgi lookup failed: %q %v", prog, ok)
	}
	if prog, ok := a.Interpreter(loc, ".py"); !ok || prog != "/usr/bin/python3" {
		t.Errorf("server cgi fallback failed: %q %v", prog, ok)
	}

	b := srvs[1]
	if b.Host != DefaultHost || b.Index != DefaultIndex || b.MaxBodySize != DefaultMaxBodySize {
		t.Errorf("defaults not applied: %+v", b)
	}
	if b.UploadRoot() != filepath.Join("./other", DefaultUploadDir) {
		t.Errorf("upload root = %q", b.UploadRoot())
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want error
	}{
		{"empty", "# nothing\n", ErrNoServers},
		{"no listen", "server { root /tmp; }", ErrMissingListen},
		{"no root", "server { listen 80; }", ErrMissingRoot},
		{"bad port", "server { listen 70000; root /tmp; }", ErrSyntax},
		{"bad host", "server { listen 80; host nope; root /tmp; }", ErrSyntax},
		{"unknown directive", "server { listen 80; root /tmp; gzip on; }", ErrSyntax},
		{"missing semicolon", "server { listen 80 }", ErrSyntax},
		{"unclosed", "server { listen 80; root /tmp;", ErrSyntax},
		{"bad method", "server { listen 80; root /tmp; location / { limit_except PUT; } }", ErrSyntax},
		{"duplicate location", "server { listen 80; root /tmp; location /a { } location /a { } }", ErrDuplicateLocation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.src))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadValidatesRoot(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.conf")
	bad := filepath.Join(dir, "bad.conf")

	os.WriteFile(good, []byte("server { listen 8080; root "+dir+"; }"), 0o644)
	os.WriteFile(bad, []byte("server { listen 8080; root "+filepath.Join(dir, "missing")+"; }"), 0o644)

	if _, err := Load(good); err != nil {
		t.Errorf("good config: %v", err)
	}
	if _, err := Load(bad); !errors.Is(err, ErrBadRoot) {
		t.Errorf("expected ErrBadRoot, got %v", err)
	}
	if _, err := Load(filepath.Join(dir, "absent.conf")); err == nil {
		t.Error("expected error for absent file")
	}
}

func TestErrorPagePath(t *testing.T) {
	s := &Server{Root: "/srv/www", ErrorPages: map[int]string{404: "/errors/404.html", 500: "e/500.html"}}

	if p, ok := s.ErrorPage(404); !ok || p != "/srv/www/errors/404.html" {
		t.Errorf("404 page = %q %v", p, ok)
	}
	if p, ok := s.ErrorPage(500); !ok || p != "/srv/www/e/500.html" {
		t.Errorf("500 page = %q %v", p, ok)
	}
	if _, ok := s.ErrorPage(403); ok {
		t.Error("403 should not be registered")
	}
}

func TestParseSize(t *testing.T) {
	tests := map[string]int64{"10": 10, "1k": 1024, "3M": 3 << 20, "1g": 1 << 30}
	for in, want := range tests {
		got, err := parseSize(in)
		if err != nil || got != want {
			t.Errorf("parseSize(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	if _, err := parseSize("abc"); err == nil {
		t.Error("expected error for abc")
	}
}
