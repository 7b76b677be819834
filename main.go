package main

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"aiofile/internal/aio"
	"aiofile/internal/config"
	"aiofile/internal/iomgr"
	"aiofile/internal/reactor"

	"github.com/cespare/xxhash"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sys/unix"
)

// file is one input streamed front to back. Only the continuation of its single outstanding
// read touches it.
type file struct {
	path  string
	fd    int
	h     *aio.FileHandle
	buf   []byte
	off   int64
	reads int
	sum   hash.Hash64
	err   error
}

func main() {
	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})))

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <path>...\n", os.Args[0])
		os.Exit(1)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Ignoring .env", "err", err)
	}
	cfg, err := config.ParseConfigFromEnv()
	if err != nil {
		slog.Error("Failed to parse config", "err", err)
		os.Exit(1)
	}
	level.Set(cfg.LogLevel)
	slog.Info("Config loaded",
		"backend", cfg.Backend,
		"workers", cfg.Workers,
		"bufSize", cfg.BufSize,
	)

	loop, err := reactor.New(reactor.WithWorkers(cfg.Workers))
	if err != nil {
		slog.Error("Failed to create loop", "err", err)
		os.Exit(1)
	}
	slog.Debug("Loop ready", "workers", loop.Workers())

	d := aio.NewDispatcher(loop, aio.WithBackend(cfg.Backend, cfg.Kernel))

	files := make([]*file, 0, len(os.Args)-1)
	for _, path := range os.Args[1:] {
		fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			slog.Error("Failed to open", "path", path, "err", err)
			os.Exit(2)
		}

		buf, err := iomgr.AllocSlab(cfg.BufSize)
		if err != nil {
			os.Exit(1)
		}

		files = append(files, &file{
			fd:   fd,
			path: path,
			h:    aio.NewFileHandle(d, fd),
			buf:  buf,
			sum:  xxhash.New(),
		})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		slog.Warn("Interrupted, finishing reads in flight")
		cancel() // a second signal kills the process
	}()

	start := time.Now()
	if err := stream(ctx, loop, files); err != nil {
		slog.Error("Loop failed", "err", err)
	}
	elapsed := time.Since(start)

	if err := d.Close(); err != nil {
		slog.Warn("Dispatcher close", "err", err)
	}
	if err := loop.Close(); err != nil {
		slog.Warn("Loop close", "err", err)
	}
	for _, f := range files {
		iomgr.DeallocSlab(f.buf)
		unix.Close(f.fd)
	}

	failed := false
	for _, f := range files {
		if f.err != nil {
			failed = true
			fmt.Printf("%-40s error: %v\n", f.path, f.err)
			continue
		}
		fmt.Printf("%-40s %12d bytes %6d reads xxh64=%016x\n", f.path, f.off, f.reads, f.sum.Sum64())
	}
	st := d.Stats()
	slog.Info("Done",
		"elapsed", elapsed,
		"submitted", st.Submitted,
		"drains", st.Drains,
		"arms", st.Arms,
		"unrun", loop.Pending(),
	)
	if failed {
		os.Exit(1)
	}
}

// stream runs the loop until every file's chain has ended. Cancelling ctx ends each chain at its
// next continuation, and stream still only returns once those last reads are back, so no buffer
// is still with the kernel when the caller releases it.
func stream(ctx context.Context, loop *reactor.Loop, files []*file) error {
	var wg sync.WaitGroup
	for _, f := range files {
		wg.Add(1)
		if err := f.next(ctx, wg.Done); err != nil {
			f.err = err
			wg.Done()
		}
	}
	go func() {
		wg.Wait()
		loop.Stop()
	}()
	return loop.Run(context.Background())
}

// next reads the chunk at f.off. Its continuation hashes the data and issues the read after it,
// so at most one read per file is in flight and data arrives in file order.
func (f *file) next(ctx context.Context, done func()) error {
	return f.h.AsyncRead(f.off, f.buf, func(n int, err error) {
		if err == io.EOF {
			slog.Debug("Finished", "path", f.path, "bytes", f.off)
			done()
			return
		}
		if err != nil {
			f.err = err
			done()
			return
		}

		f.sum.Write(f.buf[:n])
		f.off += int64(n)
		f.reads++
		if f.reads%0x100 == 0 {
			slog.Info("Progress", "path", f.path, "bytes", f.off)
		}

		if ctx.Err() != nil {
			f.err = ctx.Err()
			done()
			return
		}
		if err := f.next(ctx, done); err != nil {
			f.err = err
			done()
		}
	})
}
