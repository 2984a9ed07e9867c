package network

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var errLoopRunning = errors.New("network: loop is already running")

// Loop is a cooperative scheduler: every task runs on the goroutine that
// called Run, one at a time, in the order tasks become ready. Delays are
// timers that enqueue their task when they fire; nothing blocks the loop.
type Loop struct {
	mu          sync.Mutex
	queue       []func()
	outstanding int
	wake        chan struct{}
	idle        chan struct{}
	running     atomic.Bool
	logger      *zap.Logger
}

// NewLoop constructs an idle loop.
func NewLoop(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		wake:   make(chan struct{}, 1),
		idle:   make(chan struct{}),
		logger: logger,
	}
}

// Post schedules task to run as soon as the loop is free.
func (l *Loop) Post(task func()) {
	l.mu.Lock()
	l.outstanding++
	l.mu.Unlock()
	l.enqueue(task)
}

// After schedules task to run once delay has elapsed.
func (l *Loop) After(delay time.Duration, task func()) {
	if delay <= 0 {
		l.Post(task)
		return
	}
	l.mu.Lock()
	l.outstanding++
	l.mu.Unlock()
	time.AfterFunc(delay, func() {
		l.enqueue(task)
	})
}

// Outstanding reports queued tasks plus timers that have not fired yet.
func (l *Loop) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outstanding
}

// Idle returns a channel closed the next time the loop has no outstanding work.
func (l *Loop) Idle() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.outstanding == 0 {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return l.idle
}

// Run executes tasks until ctx is cancelled. Only one Run may be active.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errLoopRunning
	}
	defer l.running.Store(false)

	for {
		task, ok := l.dequeue()
		if ok {
			l.execute(task)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// RunUntilIdle executes tasks until no work is outstanding or ctx ends.
func (l *Loop) RunUntilIdle(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.Idle():
			cancel()
		case <-runCtx.Done():
		}
	}()
	err := l.Run(runCtx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (l *Loop) enqueue(task func()) {
	l.mu.Lock()
	l.queue = append(l.queue, task)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) dequeue() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	task := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return task, true
}

func (l *Loop) execute(task func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			l.logger.Error("loop task panicked", zap.Any("panic", recovered))
		}
		l.mu.Lock()
		l.outstanding--
		if l.outstanding == 0 {
			close(l.idle)
			l.idle = make(chan struct{})
		}
		l.mu.Unlock()
	}()
	task()
}
