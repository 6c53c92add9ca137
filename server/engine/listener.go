package engine

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/s00inx/webserv/internal/config"
)

const (
	backlog = 128 // backlog for listening
)

// Listener is one bound socket and the vhosts reachable through it
type Listener struct {
	Fd      int
	Host    string
	Port    int
	Servers []*config.Server
}

func (l *Listener) String() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// Close the listening socket
func (l *Listener) Close() error {
	return unix.Close(l.Fd)
}

// Listen opens one socket per (host, port) pair found in srvs.
// a wildcard host on a port takes every vhost on that port
func Listen(srvs []*config.Server) ([]*Listener, error) {
	type key struct {
		host string
		port int
	}

	wildcard := make(map[int]bool)
	for _, s := range srvs {
		if s.Host == config.DefaultHost {
			for _, p := range s.Ports {
				wildcard[p] = true
			}
		}
	}

	var (
		order []key
		byKey = make(map[key]*Listener)
	)
	for _, s := range srvs {
		for _, p := range s.Ports {
			k := key{s.Host, p}
			if wildcard[p] {
				k.host = config.DefaultHost
			}
			l, ok := byKey[k]
			if !ok {
				l = &Listener{Fd: -1, Host: k.host, Port: k.port}
				byKey[k] = l
				order = append(order, k)
			}
			l.Servers = append(l.Servers, s)
		}
	}

	ls := make([]*Listener, 0, len(order))
	for _, k := range order {
		l := byKey[k]
		fd, port, err := listenSocket(l.Host, l.Port)
		if err != nil {
			for _, opened := range ls {
				opened.Close()
			}
			return nil, fmt.Errorf("listen %s: %w", l, err)
		}
		l.Fd, l.Port = fd, port
		ls = append(ls, l)
	}
	return ls, nil
}

// create new non-blocking socket, bind and start listening;
// returns the bound port which differs from port only when port is 0
func listenSocket(host string, port int) (int, int, error) {
	addr, err := netip.ParseAddr(host)
	if err != nil || !addr.Is4() {
		return -1, 0, fmt.Errorf("bad ipv4 address %q", host)
	}

	// SOCK_STREAM = TCP
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, 0, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, 0, err
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{ // bind socket to addr:port
		Port: port,
		Addr: addr.As4(),
	}); err != nil {
		unix.Close(fd)
		return -1, 0, err
	}
	if err := unix.Listen(fd, backlog); err != nil { // start listening on addr:port
		unix.Close(fd)
		return -1, 0, err
	}

	if port == 0 {
		sa, err := unix.Getsockname(fd)
		if err != nil {
			unix.Close(fd)
			return -1, 0, err
		}
		port = sa.(*unix.SockaddrInet4).Port
	}
	return fd, port, nil
}
