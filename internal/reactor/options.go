package reactor

import (
	"errors"
	"log/slog"
	"runtime"
)

var (
	ErrLoopClosed  = errors.New("reactor: loop closed")
	ErrLoopRunning = errors.New("reactor: loop already running")
	ErrReadPending = errors.New("reactor: read already pending on stream")
	ErrSourceFault = errors.New("reactor: source reported an error condition")
	ErrStreamGone  = errors.New("reactor: stream closed")
)

type options struct {
	workers int
	log     *slog.Logger
}

type Option func(*options)

// WithWorkers sets how many goroutines run posted tasks. Defaults to GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

func resolveOptions(opts []Option) options {
	o := options{
		workers: runtime.GOMAXPROCS(0),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
