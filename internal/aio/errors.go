package aio

import (
	"errors"
	"fmt"
)

var ErrClosed = errors.New("aio: dispatcher closed")

// OpError reports a failed read, write or sync. Err is the kernel's unix.Errno when the
// operation itself failed, or the submission error when it never started.
type OpError struct {
	Op  string
	Fd  int
	Off int64
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("aio: %s fd=%d off=%d: %v", e.Op, e.Fd, e.Off, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}
