package iomgr

import (
	"testing"

	c "aiofile/internal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func Test_Notice_Codec(t *testing.T) {
	buf := make([]byte, c.NOTICE_SIZE*2)

	a := Notice{Tag: 0xdeadbeef_00000001, Res: 4096, Flags: 3}
	b := Notice{Tag: 2, Res: -int32(unix.EBADF)}
	a.Encode(buf)
	b.Encode(buf[c.NOTICE_SIZE:])

	assert.Equal(t, a, DecodeNotice(buf))
	assert.Equal(t, b, DecodeNotice(buf[c.NOTICE_SIZE:]))

	assert.Equal(t, int32(4096), a.Result())
	assert.Equal(t, unix.Errno(0), a.Errno())
	assert.Equal(t, unix.EBADF, b.Errno())

	assert.Panics(t, func() { DecodeNotice(buf[:c.NOTICE_SIZE-1]) })
}

func Test_ParseBackend(t *testing.T) {
	for in, want := range map[string]Backend{
		"":         BackendAuto,
		"auto":     BackendAuto,
		"ring":     BackendRing,
		"io_uring": BackendRing,
		"pool":     BackendPool,
	} {
		got, err := ParseBackend(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseBackend("signalfd")
	assert.Error(t, err)
	assert.Equal(t, "pool", BackendPool.String())
}

func Test_Request_String(t *testing.T) {
	r := &Request{Tag: 1, Op: OpRead, Fd: 3, Off: 0x1000, Buf: make([]byte, 16)}
	assert.Contains(t, r.String(), "Op: read")
	assert.Contains(t, r.String(), "Len: 0x00000010")
	assert.Contains(t, (&Request{Op: OpSync}).String(), "Op: sync")
	assert.Equal(t, "<nil>", (*Request)(nil).String())
	assert.Equal(t, "opcode(9)", OpCode(9).String())
}

func Test_RwLen_Clamps(t *testing.T) {
	assert.Equal(t, uint32(0), rwLen(0))
	assert.Equal(t, uint32(4096), rwLen(4096))
	assert.Equal(t, uint32(MAX_RW), rwLen(MAX_RW))
	assert.Equal(t, uint32(MAX_RW), rwLen(MAX_RW+1))
	// would wrap to 0 (and read as end of data) without the clamp
	assert.Equal(t, uint32(MAX_RW), rwLen(1<<32))
	assert.Equal(t, uint32(MAX_RW), rwLen(1<<32+5))
}
