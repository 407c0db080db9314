package common

import (
	"context"
	"iter"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// RepeatEvery executes the given function f repeatedly at specified intervals until the context is cancelled.
// The function is called immediately upon start, then repeatedly after each interval duration.
// The execution runs in a separate goroutine and can be stopped by cancelling the provided context.
func RepeatEvery(ctx context.Context, interval time.Duration, f func()) {
	go func() {
		f() // instant call
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f()
			}
		}
	}()
}

func WaitSignal() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalChan
		cancel()
	}()
	return ctx
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func Empty[T any]() iter.Seq[T] {
	return func(yield func(T) bool) {}
}
