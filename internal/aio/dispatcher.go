//go:build linux

// Package aio issues asynchronous file reads and writes and delivers their results to
// continuations on a reactor loop. Completions are not polled for: the kernel announces them
// as fixed-size notices on a single descriptor, which the Dispatcher watches while (and only
// while) operations are outstanding.
package aio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	c "aiofile/internal"
	"aiofile/internal/iomgr"
	"aiofile/internal/reactor"
	"aiofile/internal/util"

	"github.com/negrel/assert"
	"golang.org/x/sys/unix"
)

const OPS_ARENA_SIZE = 0x100

// bytes of a malformed batch included in the fatal report
const MALFORMED_DUMP = 0x40

// Callback receives the bytes transferred and nil, io.EOF for a read at end of data, or an
// *OpError with 0 bytes.
type Callback func(n int, err error)

type operation struct {
	req iomgr.Request
	cb  Callback
}

// watchState is whether a read on the completion channel is outstanding.
//
// idle -> armed: a registration brings the count above zero.
// armed -> armed: a drain leaves the count above zero and re-arms.
// armed -> idle: a drain brings the count to zero or below.
type watchState uint8

const (
	watchIdle watchState = iota
	watchArmed
)

func (s watchState) String() string {
	if s == watchArmed {
		return "armed"
	}
	return "idle"
}

type stream interface {
	AsyncReadSome(p []byte, cb reactor.ReadCallback) error
	Close() error
}

type Stats struct {
	Submitted uint64
	Resolved  uint64
	Drains    uint64
	Arms      uint64
}

// Dispatcher owns the completion channel of one kernel facility and resolves every notice that
// arrives on it. Create one per process (or per loop) and hand it to every FileHandle.
type Dispatcher struct {
	log   *slog.Logger
	fatal func(msg string, args ...any)
	open  func() (iomgr.Kernel, error)
	post  func(task reactor.Task) error
	watch func(src reactor.Source) (stream, error)

	once    sync.Once
	initErr error
	kernel  iomgr.Kernel
	channel stream

	ops *util.Arena[*operation]
	// only touched by the single outstanding channel read and the drain it completes into
	buf [c.NOTICE_BUF_SIZE]byte

	mu          sync.Mutex
	outstanding int // signed, see register
	state       watchState

	closed    atomic.Bool
	submitted atomic.Uint64
	resolved  atomic.Uint64
	drains    atomic.Uint64
	arms      atomic.Uint64
}

type options struct {
	log   *slog.Logger
	fatal func(msg string, args ...any)
	open  func() (iomgr.Kernel, error)
}

type Option func(*options)

// WithKernel replaces how the kernel facility is opened. Called at most once, on first submission.
func WithKernel(open func() (iomgr.Kernel, error)) Option {
	return func(o *options) { o.open = open }
}

func WithBackend(backend iomgr.Backend, kopts iomgr.Options) Option {
	return WithKernel(func() (iomgr.Kernel, error) { return iomgr.Open(backend, kopts) })
}

func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithFatal replaces what happens when the completion channel can no longer be trusted. The
// default logs and panics, which takes the process down from the loop's worker.
func WithFatal(fatal func(msg string, args ...any)) Option {
	return func(o *options) { o.fatal = fatal }
}

func NewDispatcher(loop *reactor.Loop, opts ...Option) *Dispatcher {
	o := options{log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	log := o.log.With("src", "Dispatcher")
	if o.open == nil {
		o.open = func() (iomgr.Kernel, error) { return iomgr.Open(iomgr.BackendAuto, iomgr.DefaultOptions()) }
	}
	if o.fatal == nil {
		o.fatal = func(msg string, args ...any) {
			log.Error(msg, args...)
			panic("aio: " + msg)
		}
	}

	return &Dispatcher{
		log:   log,
		fatal: o.fatal,
		open:  o.open,
		post:  loop.Post,
		watch: func(src reactor.Source) (stream, error) {
			s, err := loop.Watch(src)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		ops: util.CreateArena[*operation](OPS_ARENA_SIZE),
	}
}

// init opens the kernel and registers its notice descriptor with the loop. First caller wins;
// everyone else waits for it and sees the same result.
func (d *Dispatcher) init() error {
	d.once.Do(func() {
		k, err := d.open()
		if err != nil {
			d.initErr = fmt.Errorf("aio: open kernel: %w", err)
			return
		}
		ch, err := d.watch(k)
		if err != nil {
			k.Close()
			d.initErr = fmt.Errorf("aio: watch completion channel: %w", err)
			return
		}
		d.kernel, d.channel = k, ch
		d.log.Debug("completion channel ready", "fd", k.Fd())
	})
	return d.initErr
}

// submit hands one operation to the kernel. A rejected submission (including a negative offset)
// is returned to the caller and cb is never called.
func (d *Dispatcher) submit(opcode iomgr.OpCode, fd int, off int64, buf []byte, cb Callback) error {
	if cb == nil {
		panic("aio: nil callback")
	}
	if d.closed.Load() {
		return ErrClosed
	}
	// io_uring reads -1 as "use the file position"; offsets are always explicit here
	if off < 0 {
		return &OpError{Op: opcode.String(), Fd: fd, Off: off, Err: unix.EINVAL}
	}
	if err := d.init(); err != nil {
		return err
	}

	op := &operation{
		req: iomgr.Request{Op: opcode, Fd: fd, Off: off, Buf: buf},
		cb:  cb,
	}
	h := d.ops.Insert(op)
	op.req.Tag = uint64(h)

	if err := d.kernel.Submit(&op.req); err != nil {
		d.ops.Take(h)
		return &OpError{Op: opcode.String(), Fd: fd, Off: off, Err: err}
	}

	d.submitted.Add(1)
	d.register()
	return nil
}

// register counts a submitted operation and arms the channel if it was idle.
//
// The count runs after the kernel already has the request, so the request's notice can be
// drained (and subtracted) first, leaving the count briefly below the true number in flight.
// Arming only above zero keeps that case from watching for a notice that was already handled.
func (d *Dispatcher) register() {
	d.mu.Lock()
	d.outstanding++
	arm := d.state == watchIdle && d.outstanding > 0
	if arm {
		d.state = watchArmed
	}
	d.mu.Unlock()

	if arm {
		d.arm()
	}
}

// settle subtracts the operations resolved by one drain pass and decides whether the channel
// stays armed.
func (d *Dispatcher) settle(resolved int) {
	d.mu.Lock()
	assert.LessOrEqual(watchArmed, d.state, "settle while idle")
	d.outstanding -= resolved
	rearm := d.outstanding > 0
	if !rearm {
		d.state = watchIdle
	}
	left := d.outstanding
	d.mu.Unlock()

	if rearm {
		d.arm()
	} else {
		d.log.Debug("No more operations, channel idle", "outstanding", left)
	}
}

func (d *Dispatcher) arm() {
	d.arms.Add(1)
	err := d.channel.AsyncReadSome(d.buf[:], d.drain)
	if err != nil && !d.closed.Load() {
		d.fatal("completion channel arm failed", "err", err)
	}
}

// drain runs on a loop worker each time the channel yields data. Every notice in the batch is
// resolved before the channel is re-armed.
func (d *Dispatcher) drain(n int, err error) {
	if err != nil {
		if d.closed.Load() {
			return
		}
		d.fatal("completion channel failed", "err", err)
		return
	}
	if n%c.NOTICE_SIZE != 0 {
		d.fatal("malformed completion notice", "bytes", n, "record", c.NOTICE_SIZE,
			"raw", util.HexRows(d.buf[:n], MALFORMED_DUMP))
		return
	}
	assert.LessOrEqual(n, len(d.buf), "channel read overran the notice buffer")

	d.drains.Add(1)
	d.log.Debug("completion notices received", "count", n/c.NOTICE_SIZE)

	resolved := 0
	for off := 0; off < n; off += c.NOTICE_SIZE {
		nt := iomgr.DecodeNotice(d.buf[off:])
		if nt.Tag == iomgr.TAG_NONE {
			continue
		}

		op, ok := d.ops.Take(util.Handle(nt.Tag))
		if !ok {
			d.fatal("completion notice for unknown operation", "tag", nt.Tag)
			return
		}
		resolved++
		d.complete(op, nt)
	}

	d.resolved.Add(uint64(resolved))
	d.settle(resolved)
}

// complete turns the notice into the continuation's arguments and posts it. op is not
// referenced past this point.
func (d *Dispatcher) complete(op *operation, nt iomgr.Notice) {
	n, err := outcome(&op.req, nt)
	if err != nil && err != io.EOF {
		d.log.Debug("Error", "op", op.req.Op, "fd", op.req.Fd, "res", nt.Result(), "errno", nt.Errno())
	} else {
		d.log.Debug("Transferred", "bytes", n, "op", op.req.Op, "fd", op.req.Fd)
	}

	cb := op.cb
	if perr := d.post(func() { cb(n, err) }); perr != nil {
		d.log.Warn("continuation dropped", "op", op.req.Op, "fd", op.req.Fd, "err", perr)
	}
}

func outcome(req *iomgr.Request, nt iomgr.Notice) (int, error) {
	res := nt.Result()
	switch {
	case res < 0:
		return 0, &OpError{Op: req.Op.String(), Fd: req.Fd, Off: req.Off, Err: nt.Errno()}
	case res == 0 && req.Op == iomgr.OpRead && len(req.Buf) > 0:
		return 0, io.EOF
	}
	return int(res), nil
}

// Outstanding is the number of operations submitted and not yet resolved.
func (d *Dispatcher) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outstanding
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Submitted: d.submitted.Load(),
		Resolved:  d.resolved.Load(),
		Drains:    d.drains.Load(),
		Arms:      d.arms.Load(),
	}
}

// Close releases the completion channel and the kernel. Continuations of operations still in
// flight are never called.
func (d *Dispatcher) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	d.once.Do(func() { d.initErr = ErrClosed })
	if d.channel == nil {
		return nil
	}
	return errors.Join(d.channel.Close(), d.kernel.Close())
}
