package engine

import (
	"golang.org/x/sys/unix"
)

// func that builds resp, engine works only w bytes, no HTTP logic
type buildFunc func(dst []byte) []byte

// WriteBuf lets cb append straight into the session output,
// so we don't alloc a new buf for every resp
func WriteBuf(s *Session, cb buildFunc) {
	s.out = cb(s.out)
}

// write as much pending output as the socket takes,
// EAGAIN is not an error, we wait for EPOLLOUT
func flush(s *Session) error {
	for len(s.out) > 0 {
		n, err := unix.Write(s.Fd, s.out)
		if n > 0 {
			s.out = s.out[n:]
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return err
		}
	}
	// drop the drained slice, next response starts a fresh one
	s.out = nil
	return nil
}
