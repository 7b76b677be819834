package iomgr

import (
	"fmt"
	"strings"
)

func (r *Request) String() string {
	if r == nil {
		return "<nil>"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Request | Op: %v, Fd: 0x%x, Tag: 0x%016x", r.Op, r.Fd, r.Tag)
	switch r.Op {
	case OpRead, OpWrite:
		fmt.Fprintf(&b, " [ Buf: @0x%x | Len: 0x%08x | Off: 0x%08x ]", bufAddr(r.Buf), len(r.Buf), r.Off)
	}
	return b.String()
}

func (n Notice) String() string {
	if n.Res < 0 {
		return fmt.Sprintf("Notice | Tag: 0x%016x, Err: %v", n.Tag, n.Errno())
	}
	return fmt.Sprintf("Notice | Tag: 0x%016x, Res: %d", n.Tag, n.Res)
}
