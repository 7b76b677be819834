//go:build linux

package iomgr

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	c "aiofile/internal"

	"github.com/aethne0/giouring"
	"golang.org/x/sys/unix"
)

// RingKernel submits through io_uring. An eventfd registered on the ring is the completion
// channel: the kernel bumps it for every CQE, Read empties it and then copies CQEs out as
// notices.
//
// PERF: every Submit is its own io_uring_enter. Batching would need a flush point the
// dispatcher does not have.
type RingKernel struct {
	log   *slog.Logger
	ring  *giouring.Ring
	efd   int
	subMu sync.Mutex // SQ is single-producer
	// closed is only read without subMu on the consumer side
	closed atomic.Bool
}

func CreateRingKernel(entries uint32) (*RingKernel, error) {
	log := slog.With("src", "RingKernel")

	ring, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, err
	}

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		ring.QueueExit()
		return nil, err
	}

	if _, err = ring.RegisterEventFd(efd); err != nil {
		unix.Close(efd)
		ring.QueueExit()
		return nil, err
	}

	log.Debug("CreateRingKernel", "entries", entries, "efd", efd)
	return &RingKernel{
		log:  log,
		ring: ring,
		efd:  efd,
	}, nil
}

func (k *RingKernel) Fd() int {
	return k.efd
}

func (k *RingKernel) Submit(req *Request) error {
	switch req.Op {
	case OpNop, OpRead, OpWrite, OpSync:
	default:
		return ErrInvalidOp
	}

	k.subMu.Lock()
	defer k.subMu.Unlock()

	if k.closed.Load() {
		return ErrKernelClosed
	}

	sqe := k.ring.GetSQE()
	if sqe == nil {
		return ErrQueueFull
	}

	switch req.Op {
	case OpNop:
		sqe.PrepareNop()
	case OpRead:
		sqe.PrepareRead(req.Fd, bufAddr(req.Buf), rwLen(len(req.Buf)), uint64(req.Off))
	case OpWrite:
		sqe.PrepareWrite(req.Fd, bufAddr(req.Buf), rwLen(len(req.Buf)), uint64(req.Off))
	case OpSync:
		sqe.PrepareFsync(req.Fd, 0)
	}
	sqe.UserData = req.Tag

	for {
		_, err := k.ring.Submit()
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			// The SQE is already on the SQ tail and would go out with the next Submit, after the
			// caller has forgotten the tag. Turn it into a nop nobody is waiting for.
			sqe.PrepareNop()
			sqe.UserData = TAG_NONE
			k.log.Warn("Submit", "op", req.Op, "fd", req.Fd, "err", err)
			return err
		}
		return nil
	}
}

// Read copies pending CQEs into p as notices. If p fills up before the CQ is empty the eventfd
// is re-signalled so the next readability wait returns immediately.
func (k *RingKernel) Read(p []byte) (int, error) {
	if k.closed.Load() {
		return 0, ErrKernelClosed
	}
	if len(p) < c.NOTICE_SIZE {
		return 0, io.ErrShortBuffer
	}

	var cnt [c.LEN_U64]byte
	if _, err := unix.Read(k.efd, cnt[:]); err != nil && err != unix.EAGAIN && err != unix.EINTR {
		return 0, err
	}

	n := 0
	for n+c.NOTICE_SIZE <= len(p) {
		cqe, err := k.ring.PeekCQE()
		if err == unix.EAGAIN || err == unix.EINTR || err == unix.ETIME {
			break
		} else if err != nil {
			k.log.Error("Peek cqe", "err", err)
			if n > 0 {
				break
			}
			return 0, err
		}
		if cqe == nil {
			// im pretty sure this should never happen
			k.log.Warn("cqe == nil but we didnt get an err (eagain)?")
			break
		}

		Notice{Tag: cqe.UserData, Res: cqe.Res, Flags: cqe.Flags}.Encode(p[n:])
		k.ring.CQESeen(cqe)
		n += c.NOTICE_SIZE
	}

	if n == 0 {
		return 0, unix.EAGAIN
	}
	if n+c.NOTICE_SIZE > len(p) {
		k.signal()
	}
	return n, nil
}

func (k *RingKernel) signal() {
	var one [c.LEN_U64]byte
	c.Bin.PutUint64(one[:], 1)
	if _, err := unix.Write(k.efd, one[:]); err != nil && err != unix.EAGAIN {
		k.log.Warn("eventfd write", "err", err)
	}
}

func (k *RingKernel) Close() error {
	k.subMu.Lock()
	defer k.subMu.Unlock()
	if k.closed.Swap(true) {
		return nil
	}
	k.ring.QueueExit()
	return unix.Close(k.efd)
}
