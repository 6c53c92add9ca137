package engine

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// Session is the state of one client socket.
// it is only touched on the reactor goroutine, workers get at it through Reactor.Post
type Session struct {
	Fd       int
	Listener *Listener
	Remote   string

	// bytes read and not consumed yet
	Buf []byte

	// Context is owned by the EventHandler (decoder state, resolved vhost ...)
	Context any

	out     []byte // pending response bytes
	events  uint32 // epoll interest currently registered
	paused  bool
	resumed bool
	closing bool
	closed  bool
}

// Consume drops n bytes from the front of Buf
func (s *Session) Consume(n int) {
	if n <= 0 {
		return
	}
	rem := len(s.Buf) - n
	if rem > 0 {
		copy(s.Buf, s.Buf[n:])
	}
	s.Buf = s.Buf[:rem]
}

// Write queues b, it is flushed when the handler returns
func (s *Session) Write(b []byte) {
	s.out = append(s.out, b...)
}

// Pending is the number of queued bytes not written yet
func (s *Session) Pending() int {
	return len(s.out)
}

// Close the session once queued output is written
func (s *Session) Close() {
	s.closing = true
}

// Closed reports whether the socket is gone
func (s *Session) Closed() bool {
	return s.closed
}

// Pause stops reading from the socket, used while a request is being served elsewhere
func (s *Session) Pause() {
	s.paused = true
}

// Resume reading, the handler gets OnTraffic again if bytes are buffered
func (s *Session) Resume() {
	if s.paused {
		s.paused = false
		s.resumed = true
	}
}

// Paused reports whether reading is stopped
func (s *Session) Paused() bool {
	return s.paused
}

// interest set we want registered right now
func (s *Session) wantEvents() uint32 {
	if s.paused {
		if len(s.out) > 0 {
			return unix.EPOLLOUT
		}
		return 0
	}
	if len(s.out) > 0 {
		return unix.EPOLLOUT
	}
	return unix.EPOLLIN | unix.EPOLLRDHUP
}

func (s *Session) reset() {
	s.Buf = nil
	s.Context = nil
	s.out = nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port)).String()
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port)).String()
	}
	return fmt.Sprint(sa)
}
