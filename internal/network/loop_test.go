package network

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoopRunsPostedTasksInOrder(t *testing.T) {
	loop := NewLoop(zap.NewNop())
	var order []int
	for index := 1; index <= 3; index++ {
		value := index
		loop.Post(func() { order = append(order, value) })
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := loop.RunUntilIdle(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(order) != 3 || order[0] != 1 || order[2] != 3 {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestLoopAfterWaitsForTimer(t *testing.T) {
	loop := NewLoop(zap.NewNop())
	start := time.Now()
	var elapsed time.Duration
	loop.After(20*time.Millisecond, func() { elapsed = time.Since(start) })
	if loop.Outstanding() != 1 {
		t.Fatalf("expected pending timer to be outstanding")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := loop.RunUntilIdle(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if elapsed < 20*time.Millisecond {
		t.Fatalf("task ran too early: %s", elapsed)
	}
}

func TestLoopTasksCanScheduleMoreWork(t *testing.T) {
	loop := NewLoop(zap.NewNop())
	depth := 0
	var step func()
	step = func() {
		depth++
		if depth < 5 {
			loop.After(time.Millisecond, step)
		}
	}
	loop.Post(step)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := loop.RunUntilIdle(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if depth != 5 {
		t.Fatalf("expected 5 chained tasks, got %d", depth)
	}
}

func TestLoopRecoversPanickingTask(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	loop := NewLoop(zap.New(core))
	ran := false
	loop.Post(func() { panic("boom") })
	loop.Post(func() { ran = true })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := loop.RunUntilIdle(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !ran {
		t.Fatalf("expected the loop to keep running after a panic")
	}
	if logs.FilterMessage("loop task panicked").Len() != 1 {
		t.Fatalf("expected panic to be logged")
	}
}

func TestLoopRejectsSecondRunner(t *testing.T) {
	loop := NewLoop(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	done := make(chan error, 1)
	loop.Post(func() { close(started) })
	go func() { done <- loop.Run(ctx) }()
	<-started

	if err := loop.Run(context.Background()); !errors.Is(err, errLoopRunning) {
		t.Fatalf("expected errLoopRunning, got %v", err)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestRunUntilIdleHonoursDeadline(t *testing.T) {
	loop := NewLoop(zap.NewNop())
	loop.After(time.Hour, func() {})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := loop.RunUntilIdle(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
