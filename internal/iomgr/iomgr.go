// Package iomgr is the kernel side of asynchronous file I/O: requests go in tagged, completion
// notices come back out of a single pollable descriptor as fixed-size records.
package iomgr

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"unsafe"

	c "aiofile/internal"

	"golang.org/x/sys/unix"
)

var (
	ErrQueueFull    = fmt.Errorf("iomgr: submission queue full: %w", unix.EAGAIN)
	ErrKernelClosed = errors.New("iomgr: kernel closed")
	ErrInvalidOp    = fmt.Errorf("iomgr: invalid opcode: %w", unix.EINVAL)
)

// Tag carried by notices that do not belong to any request (a withdrawn SQE, see RingKernel).
// Consumers skip them.
const TAG_NONE = uint64(0)

type OpCode uint16

const (
	OpNop OpCode = iota
	OpWrite
	OpRead
	OpSync
)

func (o OpCode) String() string {
	switch o {
	case OpNop:
		return "nop"
	case OpWrite:
		return "write"
	case OpRead:
		return "read"
	case OpSync:
		return "sync"
	}
	return fmt.Sprintf("opcode(%d)", uint16(o))
}

// Request is the control block of one asynchronous operation.
//
// WARN: Buf is handed to the kernel by address. It must not be touched by anyone else (and the
// Request must stay referenced) until the notice carrying Tag has been read.
type Request struct {
	Tag uint64
	Op  OpCode
	Fd  int
	Off int64
	Buf []byte
}

// Largest transfer a single read or write performs (MAX_RW_COUNT). Longer requests come back short.
const MAX_RW = 0x7ffff000

func rwLen(n int) uint32 {
	return uint32(min(n, MAX_RW))
}

func bufAddr(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
}

// Notice is one completion record as read from Kernel.Read.
type Notice struct {
	Tag   uint64
	Res   int32
	Flags uint32
}

const (
	offTag   = 0x00 // 8B
	offRes   = 0x08 // 4B
	offFlags = 0x0c // 4B
)

// p must hold at least NOTICE_SIZE bytes.
func (n Notice) Encode(p []byte) {
	_ = p[c.NOTICE_SIZE-1]
	c.Bin.PutUint64(p[offTag:], n.Tag)
	c.Bin.PutUint32(p[offRes:], uint32(n.Res))
	c.Bin.PutUint32(p[offFlags:], n.Flags)
}

func DecodeNotice(p []byte) Notice {
	_ = p[c.NOTICE_SIZE-1]
	return Notice{
		Tag:   c.Bin.Uint64(p[offTag:]),
		Res:   int32(c.Bin.Uint32(p[offRes:])),
		Flags: c.Bin.Uint32(p[offFlags:]),
	}
}

// Result is the operation's return value: bytes transferred, or a negated errno.
func (n Notice) Result() int32 { return n.Res }

// Errno is the error code of a failed operation, 0 if it succeeded.
func (n Notice) Errno() unix.Errno {
	if n.Res >= 0 {
		return 0
	}
	return unix.Errno(-n.Res)
}

// Kernel is an asynchronous I/O facility. Submit never blocks on the I/O itself. Every accepted
// request eventually produces exactly one Notice with the request's Tag, readable through Read
// once Fd polls readable.
//
// Read is non-blocking: it fills p with whole notices and returns unix.EAGAIN when none are
// pending. Only one goroutine may call Read at a time; Submit is safe for concurrent use.
type Kernel interface {
	Submit(req *Request) error
	Fd() int
	Read(p []byte) (int, error)
	Close() error
}

type Backend uint8

const (
	BackendAuto Backend = iota
	BackendRing
	BackendPool
)

func (b Backend) String() string {
	switch b {
	case BackendAuto:
		return "auto"
	case BackendRing:
		return "ring"
	case BackendPool:
		return "pool"
	}
	return fmt.Sprintf("backend(%d)", uint8(b))
}

func ParseBackend(s string) (Backend, error) {
	switch s {
	case "", "auto":
		return BackendAuto, nil
	case "ring", "uring", "io_uring":
		return BackendRing, nil
	case "pool":
		return BackendPool, nil
	}
	return BackendAuto, fmt.Errorf("iomgr: unknown backend %q", s)
}

const RING_ENTRIES = 0x100
const POOL_QUEUE_SIZE = 0x1000

type Options struct {
	RingEntries uint32
	PoolWorkers int
	PoolQueue   int
}

func DefaultOptions() Options {
	return Options{
		RingEntries: RING_ENTRIES,
		PoolWorkers: runtime.GOMAXPROCS(0),
		PoolQueue:   POOL_QUEUE_SIZE,
	}
}

// Open creates a kernel of the given backend. BackendAuto prefers io_uring and falls back to
// the worker pool when a ring cannot be created (old kernel, seccomp, io_uring_disabled).
func Open(backend Backend, opts Options) (Kernel, error) {
	def := DefaultOptions()
	if opts.RingEntries == 0 {
		opts.RingEntries = def.RingEntries
	}
	if opts.PoolWorkers <= 0 {
		opts.PoolWorkers = def.PoolWorkers
	}
	if opts.PoolQueue <= 0 {
		opts.PoolQueue = def.PoolQueue
	}

	switch backend {
	case BackendRing:
		return CreateRingKernel(opts.RingEntries)
	case BackendPool:
		return CreatePoolKernel(opts.PoolWorkers, opts.PoolQueue)
	case BackendAuto:
		k, err := CreateRingKernel(opts.RingEntries)
		if err == nil {
			return k, nil
		}
		slog.Warn("io_uring unavailable, falling back to worker pool", "src", "iomgr", "err", err)
		return CreatePoolKernel(opts.PoolWorkers, opts.PoolQueue)
	}
	return nil, fmt.Errorf("iomgr: unknown backend %v", backend)
}
