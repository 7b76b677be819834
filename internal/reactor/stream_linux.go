//go:build linux

package reactor

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Source is a pollable, non-blocking byte source. Read returns unix.EAGAIN when nothing is
// available yet.
type Source interface {
	Fd() int
	Read(p []byte) (int, error)
}

type ReadCallback func(n int, err error)

type readOp struct {
	p  []byte
	cb ReadCallback
}

// Stream is a Source registered with a Loop. It has at most one read outstanding, and its
// readability watch is armed only while that read is.
type Stream struct {
	loop    *Loop
	src     Source
	fd      int
	mu      sync.Mutex
	pending *readOp
	added   bool // fd is in the epoll set
	closed  bool
}

// Watch wraps src as a stream on this loop. The loop does not take ownership of src's
// descriptor; only one stream per descriptor.
func (l *Loop) Watch(src Source) (*Stream, error) {
	if l.closed.Load() {
		return nil, ErrLoopClosed
	}
	fd := src.Fd()

	l.streamsMu.Lock()
	defer l.streamsMu.Unlock()
	if _, ok := l.streams[fd]; ok {
		return nil, unix.EEXIST
	}
	s := &Stream{loop: l, src: src, fd: fd}
	l.streams[fd] = s
	return s, nil
}

// AsyncReadSome arms a one-shot watch on the source. Once it polls readable the source is read
// into p on a worker and cb runs there with the result. A read that would block re-arms the
// watch instead of completing. p must stay untouched until cb runs.
func (s *Stream) AsyncReadSome(p []byte, cb ReadCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStreamGone
	}
	if s.pending != nil {
		return ErrReadPending
	}
	s.pending = &readOp{p: p, cb: cb}
	if err := s.arm(); err != nil {
		s.pending = nil
		return err
	}
	return nil
}

// must hold s.mu
func (s *Stream) arm() error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLONESHOT, Fd: int32(s.fd)}
	op := unix.EPOLL_CTL_MOD
	if !s.added {
		op = unix.EPOLL_CTL_ADD
	}
	if err := unix.EpollCtl(s.loop.epfd, op, s.fd, &ev); err != nil {
		return err
	}
	s.added = true
	return nil
}

// ready runs on the poller goroutine. The watch is one-shot, so nothing else fires for this
// stream until the read below either completes or re-arms.
func (s *Stream) ready(events uint32) {
	s.mu.Lock()
	r := s.pending
	s.mu.Unlock()
	if r == nil {
		return
	}

	fault := events&(unix.EPOLLERR) != 0
	err := s.loop.Post(func() { s.read(r, fault) })
	if err != nil {
		s.loop.log.Warn("stream ready after loop closed", "fd", s.fd, "err", err)
	}
}

func (s *Stream) read(r *readOp, fault bool) {
	n, err := s.src.Read(r.p)
	if err == unix.EAGAIN {
		if fault {
			err = ErrSourceFault
		} else {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			err = s.arm()
			s.mu.Unlock()
			if err == nil {
				return
			}
		}
	}

	s.mu.Lock()
	if s.closed || s.pending != r {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	s.mu.Unlock()

	r.cb(n, err)
}

// Close removes the stream from the loop. A pending read is abandoned without its callback.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.pending = nil
	added := s.added
	s.mu.Unlock()

	s.loop.streamsMu.Lock()
	if s.loop.streams[s.fd] == s {
		delete(s.loop.streams, s.fd)
	}
	s.loop.streamsMu.Unlock()

	if added && !s.loop.closed.Load() {
		return unix.EpollCtl(s.loop.epfd, unix.EPOLL_CTL_DEL, s.fd, nil)
	}
	return nil
}
