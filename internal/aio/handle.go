//go:build linux

package aio

import (
	"aiofile/internal/iomgr"
)

// FileHandle issues asynchronous operations on one descriptor through a shared Dispatcher. It
// keeps no per-operation state, and it neither opens nor closes fd.
//
// Buffers are borrowed: buf must stay valid and must not be read or written by anyone else
// until the callback runs. Nothing orders two operations in flight at once, not even on the
// same handle; issue the next one from the previous callback when order matters.
type FileHandle struct {
	d  *Dispatcher
	fd int
}

func NewFileHandle(d *Dispatcher, fd int) *FileHandle {
	return &FileHandle{d: d, fd: fd}
}

func (h *FileHandle) Fd() int {
	return h.fd
}

// AsyncRead reads up to len(buf) bytes at off. cb gets io.EOF when off is at or past the end.
func (h *FileHandle) AsyncRead(off int64, buf []byte, cb Callback) error {
	return h.d.submit(iomgr.OpRead, h.fd, off, buf, cb)
}

func (h *FileHandle) AsyncWrite(off int64, buf []byte, cb Callback) error {
	return h.d.submit(iomgr.OpWrite, h.fd, off, buf, cb)
}

// AsyncSync flushes the file's data and metadata (fsync). cb gets n == 0 on success.
func (h *FileHandle) AsyncSync(cb Callback) error {
	return h.d.submit(iomgr.OpSync, h.fd, 0, nil, cb)
}
