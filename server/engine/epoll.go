// reactor: one goroutine, one epoll instance, every socket non-blocking
// epoll_wait is the only place we block
package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	maxEvents = 128
)

// EventHandler gets called by the reactor, always on the reactor goroutine
type EventHandler interface {
	OnOpen(s *Session)
	// OnTraffic is called after new bytes were appended to s.Buf
	OnTraffic(s *Session)
	OnClose(s *Session)
}

type posted struct {
	s  *Session
	fn func(s *Session)
}

// Reactor multiplexes listeners and client sessions
type Reactor struct {
	log  zerolog.Logger
	h    EventHandler
	pool *Pool

	epfd      int
	wakefd    int
	listeners map[int]*Listener
	sessions  map[int]*Session

	mu      sync.Mutex
	queue   []posted
	stopped bool
}

// NewReactor registers ls in a new epoll instance, the reactor owns ls from now on
func NewReactor(ls []*Listener, h EventHandler, pool *Pool, log zerolog.Logger) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	r := &Reactor{
		log:       log,
		h:         h,
		pool:      pool,
		epfd:      epfd,
		wakefd:    wakefd,
		listeners: make(map[int]*Listener, len(ls)),
		sessions:  make(map[int]*Session),
	}

	fds := []int{wakefd}
	for _, l := range ls {
		r.listeners[l.Fd] = l
		fds = append(fds, l.Fd)
	}
	for _, fd := range fds {
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
			Events: unix.EPOLLIN,
			Fd:     int32(fd),
		}); err != nil {
			unix.Close(wakefd)
			unix.Close(epfd)
			return nil, err
		}
	}
	return r, nil
}

// Run loops until ctx is cancelled, then closes every listener and session.
// a failed wait is logged and retried, never fatal
func (r *Reactor) Run(ctx context.Context) error {
	defer r.shutdown()

	// epoll_wait has no timeout so cancellation has to knock
	stop := context.AfterFunc(ctx, r.wake)
	defer stop()

	for _, l := range r.listeners {
		r.log.Info().Str("addr", l.String()).Int("vhosts", len(l.Servers)).Msg("listening")
	}

	events := make([]unix.EpollEvent, maxEvents)
	for {
		if ctx.Err() != nil {
			r.log.Info().Msg("stop requested, shutting down")
			return nil
		}

		// number of ready descriptors
		n, err := unix.EpollWait(r.epfd, events, -1)
		if err != nil {
			if !errors.Is(err, unix.EINTR) {
				r.log.Error().Err(err).Msg("epoll wait")
			}
			continue
		}

		for i := range n {
			ev := events[i]
			fd := int(ev.Fd) // current event descriptor

			if fd == r.wakefd {
				r.drain()
				continue
			}
			if l, ok := r.listeners[fd]; ok {
				r.accept(l)
				continue
			}
			if s, ok := r.sessions[fd]; ok {
				r.service(s, ev.Events)
			}
		}
	}
}

// Post runs fn on the reactor goroutine, safe to call from anywhere.
// fn is skipped if s got closed in the meantime
func (r *Reactor) Post(s *Session, fn func(s *Session)) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, posted{s, fn})
	r.mu.Unlock()

	r.wake()
}

// Go pauses s and runs work on the pool, the func work returns is posted back.
// false if the pool is full, s is left untouched then
func (r *Reactor) Go(s *Session, work func() func(s *Session)) bool {
	ok := r.pool.Submit(func() {
		done := work()
		r.Post(s, done)
	})
	if ok {
		s.Pause()
	}
	return ok
}

func (r *Reactor) wake() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	unix.Write(r.wakefd, one[:])
}

// run everything workers posted since the last wake
func (r *Reactor) drain() {
	var cnt [8]byte
	unix.Read(r.wakefd, cnt[:])

	r.mu.Lock()
	q := r.queue
	r.queue = nil
	r.mu.Unlock()

	for _, p := range q {
		if p.s.closed {
			continue
		}
		p.fn(p.s)
		r.settle(p.s)
	}
}

// accept one new client
func (r *Reactor) accept(l *Listener) {
	nfd, sa, err := unix.Accept4(l.Fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
			r.log.Error().Err(err).Str("addr", l.String()).Msg("accept")
		}
		return
	}

	s := &Session{
		Fd:       nfd,
		Listener: l,
		Remote:   sockaddrString(sa),
		events:   unix.EPOLLIN | unix.EPOLLRDHUP,
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, nfd, &unix.EpollEvent{
		Events: s.events,
		Fd:     int32(nfd),
	}); err != nil {
		r.log.Error().Err(err).Msg("register client")
		unix.Close(nfd)
		return
	}

	r.sessions[nfd] = s
	r.log.Debug().Int("fd", nfd).Str("remote", s.Remote).Str("addr", l.String()).Msg("client connected")
	r.h.OnOpen(s)
	r.settle(s)
}

// one readiness event on a client socket
func (r *Reactor) service(s *Session, events uint32) {
	if events&unix.EPOLLOUT != 0 {
		if err := flush(s); err != nil {
			r.log.Debug().Err(err).Int("fd", s.Fd).Msg("write failed")
			r.close(s)
			return
		}
	}

	if events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		if s.paused || len(s.out) > 0 {
			// not reading now, only a dead socket matters
			if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				r.close(s)
				return
			}
		} else if !r.read(s) {
			return
		}
	}

	r.settle(s)
}

// read once into s.Buf and hand it to the handler, false if s got closed
func (r *Reactor) read(s *Session) bool {
	bp := bufPool.Get().(*[]byte)
	n, err := unix.Read(s.Fd, *bp)
	if n > 0 {
		s.Buf = append(s.Buf, (*bp)[:n]...)
	}
	bufPool.Put(bp)

	switch {
	case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR):
		return true
	case err != nil:
		r.log.Debug().Err(err).Int("fd", s.Fd).Msg("read failed")
		r.close(s)
		return false
	case n == 0:
		// peer closed, whatever is half read is dropped
		r.close(s)
		return false
	}

	r.h.OnTraffic(s)
	return true
}

// after the handler ran: write what we can, close or re-arm
func (r *Reactor) settle(s *Session) {
	for !s.closed {
		if len(s.out) > 0 {
			if err := flush(s); err != nil {
				r.log.Debug().Err(err).Int("fd", s.Fd).Msg("write failed")
				r.close(s)
				return
			}
		}
		if len(s.out) > 0 {
			break
		}
		if s.closing {
			r.close(s)
			return
		}
		if s.resumed && !s.paused {
			s.resumed = false
			if len(s.Buf) > 0 {
				r.h.OnTraffic(s)
				continue
			}
		}
		break
	}
	if s.closed {
		return
	}

	if want := s.wantEvents(); want != s.events {
		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, s.Fd, &unix.EpollEvent{
			Events: want,
			Fd:     int32(s.Fd),
		}); err != nil {
			r.log.Error().Err(err).Int("fd", s.Fd).Msg("re-arm client")
			r.close(s)
			return
		}
		s.events = want
	}
}

func (r *Reactor) close(s *Session) {
	if s.closed {
		return
	}
	s.closed = true

	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, s.Fd, nil)
	unix.Close(s.Fd)
	delete(r.sessions, s.Fd)

	r.h.OnClose(s)
	r.log.Debug().Int("fd", s.Fd).Str("remote", s.Remote).Msg("client closed")
	s.reset()
}

// release every descriptor, wait for workers
func (r *Reactor) shutdown() {
	for _, s := range r.sessions {
		r.close(s)
	}
	for fd, l := range r.listeners {
		unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		if err := l.Close(); err != nil {
			r.log.Error().Err(err).Str("addr", l.String()).Msg("close listener")
		}
		delete(r.listeners, fd)
	}

	r.mu.Lock()
	r.stopped = true
	r.queue = nil
	r.mu.Unlock()

	if r.pool != nil {
		r.pool.Stop()
	}
	unix.Close(r.wakefd)
	unix.Close(r.epfd)
	r.log.Info().Msg("reactor stopped")
}
