package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/s00inx/webserv/internal/config"
)

// grab a free port, the server binds it right after
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func docroot(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, body := range files {
		p := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

type testServer struct {
	port int
	a, b *config.Server
}

func start(t *testing.T) *testServer {
	t.Helper()
	port := freePort(t)

	a := &config.Server{
		Host:        "127.0.0.1",
		Ports:       []int{port},
		ServerName:  "a.example",
		Root:        docroot(t, map[string]string{"index.html": "A", "cgi-bin/ok.sh": "printf OK\n", "cgi-bin/fail.sh": "printf nope; exit 1\n", "cgi-bin/slow.sh": "sleep 0.5; printf slow\n"}),
		Index:       "index.html",
		ErrorPages:  map[int]string{},
		MaxBodySize: 64,
		UploadDir:   config.DefaultUploadDir,
		CGI:         map[string]string{".sh": "/bin/sh"},
	}
	b := &config.Server{
		Host:        "127.0.0.1",
		Ports:       []int{port},
		ServerName:  "b.example",
		Root:        docroot(t, map[string]string{"index.html": "B", "errors/400.html": "b bad request"}),
		Index:       "index.html",
		ErrorPages:  map[int]string{400: "/errors/400.html"},
		MaxBodySize: config.DefaultMaxBodySize,
		UploadDir:   config.DefaultUploadDir,
		CGI:         map[string]string{},
	}

	srv, err := New([]*config.Server{a, b}, zerolog.Nop(), 2)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return &testServer{port: port, a: a, b: b}
}

type client struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func (ts *testServer) dial(t *testing.T) *client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(ts.port), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, br: bufio.NewReader(conn)}
}

func (c *client) send(raw string) {
	c.t.Helper()
	if _, err := io.WriteString(c.conn, raw); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// read one response, http.ReadResponse checks Content-Length against the body for us
func (c *client) read() (*http.Response, string) {
	c.t.Helper()
	resp, err := http.ReadResponse(c.br, nil)
	if err != nil {
		c.t.Fatalf("read response: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		c.t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

func (c *client) do(raw string) (*http.Response, string) {
	c.t.Helper()
	c.send(raw)
	return c.read()
}

func (c *client) expectClosed() {
	c.t.Helper()
	if _, err := c.br.ReadByte(); err == nil {
		c.t.Error("expected the server to close the connection")
	}
}

func post(host, path, ctype, body string) string {
	return "POST " + path + " HTTP/1.1\r\nHost: " + host +
		"\r\nContent-Type: " + ctype +
		"\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
}

func get(host, path string) string {
	return "GET " + path + " HTTP/1.1\r\nHost: " + host + "\r\n\r\n"
}

func TestVirtualHosts(t *testing.T) {
	ts := start(t)
	c := ts.dial(t)

	if _, body := c.do(get("a.example", "/")); body != "A" {
		t.Errorf("a.example served %q", body)
	}
	if _, body := c.do(get("b.example", "/")); body != "B" {
		t.Errorf("b.example served %q", body)
	}
	if _, body := c.do(get("b.example:"+strconv.Itoa(ts.port), "/")); body != "B" {
		t.Errorf("b.example with port served %q", body)
	}
	// unknown host falls back to the first server on the port
	if _, body := c.do(get("c.example", "/")); body != "A" {
		t.Errorf("fallback served %q", body)
	}
}

func TestUploadGetDelete(t *testing.T) {
	ts := start(t)
	c := ts.dial(t)

	resp, _ := c.do(post("b.example", "/upload", "application/json", `{"fileName":"a.txt","fileContent":"hi"}`))
	if resp.StatusCode != 201 {
		t.Fatalf("upload: %d", resp.StatusCode)
	}
	if _, err := os.Stat(filepath.Join(ts.b.Root, "upload", "a.txt")); err != nil {
		t.Fatalf("not stored under b's root: %v", err)
	}

	resp, body := c.do(get("b.example", "/upload/a.txt"))
	if resp.StatusCode != 200 || body != "hi" {
		t.Errorf("get: %d %q", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
		t.Errorf("content-type %q", ct)
	}

	del := "DELETE /upload/a.txt HTTP/1.1\r\nHost: b.example\r\n\r\n"
	if resp, _ := c.do(del); resp.StatusCode != 204 || resp.ContentLength != 0 {
		t.Errorf("first delete: %d len %d", resp.StatusCode, resp.ContentLength)
	}
	if resp, _ := c.do(del); resp.StatusCode != 404 {
		t.Errorf("second delete: %d", resp.StatusCode)
	}
}

func TestChunkedUpload(t *testing.T) {
	ts := start(t)
	c := ts.dial(t)

	json := `{"fileName":"w.txt","fileContent":"Wikipedia"}`
	raw := "POST /upload HTTP/1.1\r\nHost: b.example\r\nContent-Type: application/json\r\nTransfer-Encoding: chunked\r\n\r\n" +
		strconv.FormatInt(int64(len(json[:10])), 16) + "\r\n" + json[:10] + "\r\n" +
		strconv.FormatInt(int64(len(json[10:])), 16) + "\r\n" + json[10:] + "\r\n" +
		"0\r\n\r\n"

	// dribble it in to exercise the incremental decoder
	for i := 0; i < len(raw); i += 7 {
		c.send(raw[i:min(i+7, len(raw))])
		time.Sleep(time.Millisecond)
	}
	if resp, _ := c.read(); resp.StatusCode != 201 {
		t.Fatalf("chunked upload: %d", resp.StatusCode)
	}

	if _, body := c.do(get("b.example", "/upload/w.txt")); body != "Wikipedia" {
		t.Errorf("stored %q", body)
	}
}

func TestPostWithoutLength(t *testing.T) {
	ts := start(t)
	c := ts.dial(t)

	resp, body := c.do("POST /upload HTTP/1.1\r\nHost: a.example\r\n\r\n")
	if resp.StatusCode != 411 {
		t.Errorf("got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "Error 411") {
		t.Errorf("body %q", body)
	}

	if !resp.Close {
		t.Error("411 should announce close")
	}
	c.expectClosed()
}

func TestPostWithoutLengthBodyIsNotARequest(t *testing.T) {
	ts := start(t)
	c := ts.dial(t)

	c.send("POST /x HTTP/1.1\r\nHost: a.example\r\n\r\n" + get("b.example", "/"))
	if resp, _ := c.read(); resp.StatusCode != 411 {
		t.Fatalf("got %d", resp.StatusCode)
	}
	// the trailing bytes must not be answered as a request of their own
	c.expectClosed()
}

func TestRequestScopedErrorKeepsConnection(t *testing.T) {
	ts := start(t)
	c := ts.dial(t)

	if resp, _ := c.do(get("a.example", "/missing.html")); resp.StatusCode != 404 || resp.Close {
		t.Fatalf("got %d close=%v", resp.StatusCode, resp.Close)
	}
	if resp, _ := c.do(get("a.example", "/")); resp.StatusCode != 200 {
		t.Errorf("follow-up: %d", resp.StatusCode)
	}
}

func TestBadRequestAfterGoodOneIsNotTheOldVhosts(t *testing.T) {
	ts := start(t)
	c := ts.dial(t)

	if _, body := c.do(get("b.example", "/")); body != "B" {
		t.Fatalf("b.example served %q", body)
	}
	resp, body := c.do("NOT A REQUEST\r\n\r\n")
	if resp.StatusCode != 400 {
		t.Fatalf("got %d", resp.StatusCode)
	}
	if body == "b bad request" {
		t.Error("error page of the previous request's vhost was used")
	}
}

func TestCGI(t *testing.T) {
	ts := start(t)
	c := ts.dial(t)

	resp, body := c.do(get("a.example", "/cgi-bin/ok.sh"))
	if resp.StatusCode != 200 || body != "OK" {
		t.Errorf("ok script: %d %q", resp.StatusCode, body)
	}
	resp, body = c.do(get("a.example", "/cgi-bin/fail.sh"))
	if resp.StatusCode != 502 || strings.Contains(body, "nope") {
		t.Errorf("failing script: %d %q", resp.StatusCode, body)
	}
}

func TestSlowCGIDoesNotBlockOthers(t *testing.T) {
	ts := start(t)

	slow := ts.dial(t)
	slow.send(get("a.example", "/cgi-bin/slow.sh"))
	time.Sleep(50 * time.Millisecond)

	fast := ts.dial(t)
	begin := time.Now()
	if _, body := fast.do(get("a.example", "/")); body != "A" {
		t.Errorf("fast got %q", body)
	}
	if time.Since(begin) > 300*time.Millisecond {
		t.Error("static request waited for the cgi child")
	}

	if _, body := slow.read(); body != "slow" {
		t.Errorf("slow got %q", body)
	}
}

func TestKeepAliveAndClose(t *testing.T) {
	ts := start(t)
	c := ts.dial(t)

	// two pipelined requests answered in order
	c.send(get("a.example", "/") + get("b.example", "/"))
	if _, body := c.read(); body != "A" {
		t.Errorf("first %q", body)
	}
	if _, body := c.read(); body != "B" {
		t.Errorf("second %q", body)
	}

	resp, _ := c.do("GET / HTTP/1.1\r\nHost: a.example\r\nConnection: close\r\n\r\n")
	if !resp.Close {
		t.Error("response should announce close")
	}
	c.expectClosed()

	// 1.0 closes unless asked not to
	c = ts.dial(t)
	c.do("GET / HTTP/1.0\r\nHost: a.example\r\n\r\n")
	c.expectClosed()
}

func TestProtocolErrorsClose(t *testing.T) {
	ts := start(t)

	tests := []struct {
		name string
		raw  string
		code int
	}{
		{"garbage", "NOT A REQUEST\r\n\r\n", 400},
		{"body over vhost limit", post("a.example", "/upload", "application/json", strings.Repeat("x", 65)), 413},
		{"bad version", "GET / HTTP/2.0\r\nHost: a.example\r\n\r\n", 505},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ts.dial(t)
			resp, _ := c.do(tt.raw)
			if resp.StatusCode != tt.code {
				t.Errorf("got %d, want %d", resp.StatusCode, tt.code)
			}
			c.expectClosed()
		})
	}

	// the same body is fine for b, the limit follows the vhost
	c := ts.dial(t)
	resp, _ := c.do(post("b.example", "/upload", "application/json", strings.Repeat("x", 65)))
	if resp.StatusCode != 400 {
		t.Errorf("b.example: %d", resp.StatusCode)
	}
}
