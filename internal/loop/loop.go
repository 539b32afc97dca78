package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("loop closed")

// Timer is a pending AfterFunc callback.
type Timer interface {
	Stop() bool
}

// Scheduler is what loop-confined components need from the loop: posting
// work, timers whose callbacks run on the loop, and running blocking I/O off
// the loop with a continuation back on it.
type Scheduler interface {
	Post(fn func()) error
	AfterFunc(d time.Duration, fn func()) Timer
	Go(io func(), then func())
	Now() time.Time
}

// Loop runs every posted task on a single goroutine. State owned by the
// loop (router, store, executor) needs no locking as long as it is only
// touched from tasks.
type Loop struct {
	tasks     chan func()
	done      chan struct{}
	closeOnce sync.Once
	log       zerolog.Logger

	processed uint64
	panics    uint64
}

func New(buffer int, log zerolog.Logger) *Loop {
	if buffer <= 0 {
		buffer = 1
	}
	return &Loop{
		tasks: make(chan func(), buffer),
		done:  make(chan struct{}),
		log:   log,
	}
}

// Run processes tasks until ctx is cancelled or Close is called.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info().Int("buffer", cap(l.tasks)).Msg("loop: started")
	for {
		select {
		case <-ctx.Done():
			l.Close()
			return ctx.Err()
		case <-l.done:
			return nil
		case fn := <-l.tasks:
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			l.panics++
			l.log.Error().Interface("panic", rec).Msg("loop: task panicked")
		}
	}()
	l.processed++
	fn()
}

// Post enqueues fn. It blocks while the buffer is full, so it must not be
// called from the loop goroutine itself.
func (l *Loop) Post(fn func()) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	select {
	case <-l.done:
		return ErrClosed
	case l.tasks <- fn:
		return nil
	}
}

// Do runs fn on the loop and waits for its result. Calling Do from the loop
// goroutine deadlocks.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	if err := l.Post(func() {
		defer func() {
			if rec := recover(); rec != nil {
				res <- fmt.Errorf("loop task panic: %v", rec)
			}
		}()
		res <- fn()
	}); err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrClosed
	}
}

// AfterFunc runs fn on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, func() {
		if err := l.Post(fn); err != nil {
			l.log.Debug().Err(err).Msg("loop: timer dropped")
		}
	})
}

// Go runs io on its own goroutine and then posts the continuation.
func (l *Loop) Go(io func(), then func()) {
	go func() {
		io()
		if then == nil {
			return
		}
		if err := l.Post(then); err != nil {
			l.log.Warn().Err(err).Msg("loop: continuation dropped")
		}
	}()
}

func (l *Loop) Now() time.Time { return time.Now() }

// Close stops Run. Later Post calls fail with ErrClosed.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
}

// Done is closed once the loop stops.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Counters are only accurate when read from the loop.
func (l *Loop) Counters() (processed, panics uint64) {
	return l.processed, l.panics
}
