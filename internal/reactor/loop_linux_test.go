//go:build linux

package reactor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func startLoop(t *testing.T, workers int) *Loop {
	l, err := New(WithWorkers(workers))
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(context.Background()) }()

	t.Cleanup(func() {
		l.Stop()
		select {
		case err := <-runErr:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after Stop")
		}
		assert.NoError(t, l.Close())
	})
	return l
}

type pipeSource struct {
	r, w int
}

func newPipe(t *testing.T) *pipeSource {
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return &pipeSource{r: fds[0], w: fds[1]}
}

func (p *pipeSource) Fd() int                    { return p.r }
func (p *pipeSource) Read(b []byte) (int, error) { return unix.Read(p.r, b) }

// refuses the first few reads even though data is there
type stubbornSource struct {
	*pipeSource
	refusals atomic.Int32
}

func (s *stubbornSource) Read(b []byte) (int, error) {
	if s.refusals.Add(-1) >= 0 {
		return 0, unix.EAGAIN
	}
	return s.pipeSource.Read(b)
}

func Test_Loop_Post_Runs_All(t *testing.T) {
	l := startLoop(t, 4)

	const TASKS = 1000
	var wg sync.WaitGroup
	var ran atomic.Int32
	wg.Add(TASKS)
	for range TASKS {
		require.NoError(t, l.Post(func() {
			ran.Add(1)
			wg.Done()
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(TASKS), ran.Load())
}

func Test_Loop_Post_From_Task(t *testing.T) {
	l := startLoop(t, 1)

	done := make(chan int, 1)
	var chain func(i int)
	chain = func(i int) {
		if i == 10 {
			done <- i
			return
		}
		assert.NoError(t, l.Post(func() { chain(i + 1) }))
	}
	require.NoError(t, l.Post(func() { chain(0) }))

	select {
	case i := <-done:
		assert.Equal(t, 10, i)
	case <-time.After(5 * time.Second):
		t.Fatal("chained posts never finished")
	}
}

func Test_Loop_Posted_Before_Run(t *testing.T) {
	l, err := New(WithWorkers(2))
	require.NoError(t, err)
	defer l.Close()

	ran := make(chan struct{})
	require.NoError(t, l.Post(func() { close(ran) }))
	assert.Equal(t, 1, l.Pending())

	go l.Run(context.Background())
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("task posted before Run never ran")
	}
}

func Test_Loop_Run_Ctx_Cancel(t *testing.T) {
	l, err := New(WithWorkers(2))
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	assert.ErrorIs(t, l.Run(context.Background()), ErrLoopRunning)

	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run ignored ctx cancel")
	}
}

func Test_Loop_Stop_Before_Run_Starts(t *testing.T) {
	for i := range 50 {
		l, err := New(WithWorkers(2))
		require.NoError(t, err)

		runErr := make(chan error, 1)
		go func() { runErr <- l.Run(context.Background()) }()
		l.Stop()

		select {
		case err := <-runErr:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatalf("iteration %d: Stop was lost", i)
		}
		require.NoError(t, l.Close())
	}
}

func Test_Loop_Stop_Is_Consumed_Once(t *testing.T) {
	l, err := New(WithWorkers(1))
	require.NoError(t, err)
	defer l.Close()

	l.Stop()
	assert.NoError(t, l.Run(context.Background()))

	// the earlier Stop must not also end this run
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(ctx) }()
	select {
	case err := <-runErr:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	assert.ErrorIs(t, <-runErr, context.Canceled)
}

func Test_Loop_Close_Races_Run(t *testing.T) {
	for i := range 50 {
		l, err := New(WithWorkers(2))
		require.NoError(t, err)

		runErr := make(chan error, 1)
		go func() { runErr <- l.Run(context.Background()) }()
		require.NoError(t, l.Close())

		select {
		case err := <-runErr:
			if err != nil {
				assert.ErrorIs(t, err, ErrLoopClosed)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("iteration %d: Run outlived Close", i)
		}
	}
}

func Test_Loop_Closed(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	require.NoError(t, l.Close())
	assert.NoError(t, l.Close())

	assert.ErrorIs(t, l.Post(func() {}), ErrLoopClosed)
	assert.ErrorIs(t, l.Run(context.Background()), ErrLoopClosed)
	_, err = l.Watch(&pipeSource{r: 0})
	assert.ErrorIs(t, err, ErrLoopClosed)
}

func Test_Stream_AsyncReadSome(t *testing.T) {
	l := startLoop(t, 2)
	p := newPipe(t)

	s, err := l.Watch(p)
	require.NoError(t, err)
	defer s.Close()

	_, err = l.Watch(p)
	assert.ErrorIs(t, err, unix.EEXIST)

	type result struct {
		n   int
		err error
		buf string
	}
	got := make(chan result, 1)
	buf := make([]byte, 64)
	require.NoError(t, s.AsyncReadSome(buf, func(n int, err error) {
		got <- result{n, err, string(buf[:n])}
	}))
	assert.ErrorIs(t, s.AsyncReadSome(buf, func(int, error) {}), ErrReadPending)

	// nothing written yet: the callback must not have fired
	select {
	case r := <-got:
		t.Fatalf("read completed early: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}

	_, err = unix.Write(p.w, []byte("moo"))
	require.NoError(t, err)

	select {
	case r := <-got:
		assert.NoError(t, r.err)
		assert.Equal(t, 3, r.n)
		assert.Equal(t, "moo", r.buf)
	case <-time.After(5 * time.Second):
		t.Fatal("read never completed")
	}

	// re-arming after completion is allowed
	require.NoError(t, s.AsyncReadSome(buf, func(n int, err error) {
		got <- result{n, err, string(buf[:n])}
	}))
	_, err = unix.Write(p.w, []byte("again"))
	require.NoError(t, err)
	select {
	case r := <-got:
		assert.Equal(t, "again", r.buf)
	case <-time.After(5 * time.Second):
		t.Fatal("second read never completed")
	}
}

func Test_Stream_EAGAIN_Rearms(t *testing.T) {
	l := startLoop(t, 2)
	src := &stubbornSource{pipeSource: newPipe(t)}
	src.refusals.Store(3)

	s, err := l.Watch(src)
	require.NoError(t, err)
	defer s.Close()

	_, err = unix.Write(src.w, []byte("x"))
	require.NoError(t, err)

	got := make(chan int, 1)
	buf := make([]byte, 8)
	require.NoError(t, s.AsyncReadSome(buf, func(n int, err error) {
		assert.NoError(t, err)
		got <- n
	}))

	select {
	case n := <-got:
		assert.Equal(t, 1, n)
		assert.Less(t, src.refusals.Load(), int32(0))
	case <-time.After(5 * time.Second):
		t.Fatal("read never completed after EAGAIN")
	}
}

func Test_Stream_Close_Abandons_Read(t *testing.T) {
	l := startLoop(t, 1)
	p := newPipe(t)

	s, err := l.Watch(p)
	require.NoError(t, err)

	called := make(chan struct{}, 1)
	require.NoError(t, s.AsyncReadSome(make([]byte, 8), func(int, error) { called <- struct{}{} }))
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.ErrorIs(t, s.AsyncReadSome(make([]byte, 8), func(int, error) {}), ErrStreamGone)

	unix.Write(p.w, []byte("late"))
	select {
	case <-called:
		t.Fatal("callback ran after Close")
	case <-time.After(20 * time.Millisecond):
	}

	// the descriptor can be watched again
	s2, err := l.Watch(p)
	require.NoError(t, err)
	assert.NoError(t, s2.Close())
}
