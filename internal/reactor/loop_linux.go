//go:build linux

// Package reactor is a small epoll event loop driven by a pool of worker goroutines. Tasks can
// be posted from anywhere; pollable sources are wrapped as streams with one-shot asynchronous
// reads whose callbacks run on the workers.
package reactor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	c "aiofile/internal"
	"aiofile/internal/util"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const EPOLL_EVENTS = 0x80
const TASK_Q_SIZE = 0x100

type Task func()

type Loop struct {
	log     *slog.Logger
	workers int
	epfd    int
	wakefd  int

	mu       sync.Mutex
	cond     *sync.Cond
	tasks    util.Queue[Task]
	stopping bool
	run      *runState
	stopReq  bool // Stop arrived while no Run was underway

	streamsMu sync.RWMutex
	streams   map[int]*Stream

	running atomic.Bool
	closed  atomic.Bool
}

type runState struct {
	done   chan struct{} // closed to ask Run to return
	exited chan struct{} // closed once Run has returned
	once   sync.Once
}

func (r *runState) stop() {
	r.once.Do(func() { close(r.done) })
}

func New(opts ...Option) (*Loop, error) {
	o := resolveOptions(opts)

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, err
	}

	l := &Loop{
		log:     o.log.With("src", "Loop"),
		workers: o.workers,
		epfd:    epfd,
		wakefd:  wakefd,
		tasks:   util.CreateQueue[Task](TASK_Q_SIZE),
		streams: make(map[int]*Stream),
	}
	l.cond = sync.NewCond(&l.mu)
	return l, nil
}

func (l *Loop) Workers() int {
	return l.workers
}

// Run drives the loop on the calling goroutine plus the worker pool, and blocks until Stop is
// called, ctx is done, or polling fails. Tasks still queued at that point stay queued for the
// next Run.
func (l *Loop) Run(ctx context.Context) error {
	if l.closed.Load() {
		return ErrLoopClosed
	}
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer l.running.Store(false)

	rs := &runState{done: make(chan struct{}), exited: make(chan struct{})}
	defer close(rs.exited)
	l.mu.Lock()
	// checked under mu so a Close that has not seen rs cannot release the fds under us
	if l.closed.Load() {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.stopping = false
	l.run = rs
	if l.stopReq {
		l.stopReq = false
		rs.stop()
	}
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		if l.run == rs {
			l.run = nil
		}
		l.mu.Unlock()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			rs.stop()
		case <-rs.done:
		}
		l.halt()
		return nil
	})
	g.Go(func() error {
		err := l.poll(rs.done)
		if err != nil {
			l.log.Error("poll", "err", err)
		}
		rs.stop()
		return err
	})
	for i := range l.workers {
		g.Go(func() error {
			l.work(i)
			return nil
		})
	}

	l.log.Debug("Run", "workers", l.workers)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Stop makes a running Run return. With no Run underway, the next Run returns as soon as it
// starts. Safe from any goroutine, including tasks.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.run != nil {
		l.run.stop()
	} else {
		l.stopReq = true
	}
}

func (l *Loop) halt() {
	l.mu.Lock()
	l.stopping = true
	l.cond.Broadcast()
	l.mu.Unlock()
	l.wake()
}

// Post queues task to run on a worker on a future turn. Never runs task inline.
func (l *Loop) Post(task Task) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return ErrLoopClosed
	}
	l.tasks.Push(task)
	l.cond.Signal()
	return nil
}

// Pending is the number of posted tasks not yet picked up by a worker.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tasks.Cnt()
}

func (l *Loop) work(id int) {
	for {
		l.mu.Lock()
		for l.tasks.Cnt() == 0 && !l.stopping {
			l.cond.Wait()
		}
		if l.stopping {
			l.mu.Unlock()
			return
		}
		task := l.tasks.Pop()
		l.mu.Unlock()

		task()
	}
}

func (l *Loop) poll(done <-chan struct{}) error {
	events := make([]unix.EpollEvent, EPOLL_EVENTS)
	for {
		select {
		case <-done:
			return nil
		default:
		}

		n, err := unix.EpollWait(l.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}

		for i := range n {
			fd := int(events[i].Fd)
			if fd == l.wakefd {
				l.drainWake()
				continue
			}

			l.streamsMu.RLock()
			s := l.streams[fd]
			l.streamsMu.RUnlock()
			if s != nil {
				s.ready(events[i].Events)
			}
		}
	}
}

func (l *Loop) wake() {
	var one [c.LEN_U64]byte
	c.Bin.PutUint64(one[:], 1)
	if _, err := unix.Write(l.wakefd, one[:]); err != nil && err != unix.EAGAIN {
		l.log.Warn("wake", "err", err)
	}
}

func (l *Loop) drainWake() {
	var buf [c.LEN_U64]byte
	for {
		if _, err := unix.Read(l.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// Close stops the loop, waits for Run to return and releases the epoll instance. Streams are
// dropped without running their pending callbacks.
//
// WARN: calling Close from a task deadlocks; use Stop there and Close after Run returns.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed.Swap(true) {
		l.mu.Unlock()
		return nil
	}
	rs := l.run
	l.mu.Unlock()
	if rs != nil {
		rs.stop()
		<-rs.exited
	}

	l.streamsMu.Lock()
	clear(l.streams)
	l.streamsMu.Unlock()

	if err := unix.Close(l.epfd); err != nil {
		return err
	}
	return unix.Close(l.wakefd)
}
