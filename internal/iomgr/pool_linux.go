//go:build linux

package iomgr

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	c "aiofile/internal"

	"golang.org/x/sys/unix"
)

// PoolKernel runs requests as plain pread/pwrite/fsync on a fixed set of goroutines and
// reports each completion by writing one notice into a pipe. A notice is smaller than
// PIPE_BUF, so the write is atomic and the read end only ever holds whole records.
type PoolKernel struct {
	log     *slog.Logger
	reqs    chan *Request
	pipeR   int
	pipeW   int
	workers sync.WaitGroup
	quit    chan struct{}
	closed  atomic.Bool
}

func CreatePoolKernel(workers int, queue int) (*PoolKernel, error) {
	log := slog.With("src", "PoolKernel")

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	// the read end is polled, the write end stays blocking so a slow reader never loses a notice
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, err
	}

	k := &PoolKernel{
		log:   log,
		reqs:  make(chan *Request, queue),
		pipeR: fds[0],
		pipeW: fds[1],
		quit:  make(chan struct{}),
	}

	for i := range workers {
		k.workers.Add(1)
		go k.worker(i)
	}

	log.Debug("CreatePoolKernel", "workers", workers, "queue", queue, "fd", k.pipeR)
	return k, nil
}

func (k *PoolKernel) Fd() int {
	return k.pipeR
}

func (k *PoolKernel) Submit(req *Request) error {
	switch req.Op {
	case OpNop, OpRead, OpWrite, OpSync:
	default:
		return ErrInvalidOp
	}
	if k.closed.Load() {
		return ErrKernelClosed
	}

	select {
	case k.reqs <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

func (k *PoolKernel) worker(id int) {
	defer k.workers.Done()
	for {
		select {
		case <-k.quit:
			return
		case req := <-k.reqs:
			k.complete(req.Tag, exec(req))
		}
	}
}

func exec(req *Request) int32 {
	var n int
	var err error
	for {
		switch req.Op {
		case OpNop:
		case OpRead:
			n, err = unix.Pread(req.Fd, req.Buf, req.Off)
		case OpWrite:
			n, err = unix.Pwrite(req.Fd, req.Buf, req.Off)
		case OpSync:
			err = unix.Fsync(req.Fd)
		}
		if err != unix.EINTR {
			break
		}
	}

	if err != nil {
		var errno unix.Errno
		if errors.As(err, &errno) {
			return -int32(errno)
		}
		return -int32(unix.EIO)
	}
	return int32(n)
}

func (k *PoolKernel) complete(tag uint64, res int32) {
	var rec [c.NOTICE_SIZE]byte
	Notice{Tag: tag, Res: res}.Encode(rec[:])
	for {
		_, err := unix.Write(k.pipeW, rec[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil && !k.closed.Load() {
			k.log.Error("notice write", "tag", tag, "err", err)
		}
		return
	}
}

// Read only asks the pipe for whole records, so every successful read is a multiple of
// NOTICE_SIZE.
func (k *PoolKernel) Read(p []byte) (int, error) {
	if k.closed.Load() {
		return 0, ErrKernelClosed
	}
	p = p[:len(p)/c.NOTICE_SIZE*c.NOTICE_SIZE]
	if len(p) == 0 {
		return 0, io.ErrShortBuffer
	}

	for {
		n, err := unix.Read(k.pipeR, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, ErrKernelClosed
		}
		return n, nil
	}
}

// Close stops the workers and releases the pipe. Requests still queued are dropped.
func (k *PoolKernel) Close() error {
	if k.closed.Swap(true) {
		return nil
	}
	close(k.quit)
	// a worker blocked on a full pipe gets EPIPE instead of waiting for a reader that is gone
	errR := unix.Close(k.pipeR)
	k.workers.Wait()
	return errors.Join(errR, unix.Close(k.pipeW))
}
