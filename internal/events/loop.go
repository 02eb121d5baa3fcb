package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const publishTimeout = 5 * time.Second

// loops tracks one consumption goroutine per event name. Each loop owns a run
// flag; stopping flips every flag and the loops exit once their bounded
// blocking read returns. Handlers are never interrupted.
type loops struct {
	mu      sync.Mutex
	running map[string]*atomic.Bool
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func newLoops() *loops {
	return &loops{
		running: make(map[string]*atomic.Bool),
		done:    make(chan struct{}),
	}
}

// start launches fn for eventName unless a loop already exists or the owner
// has been stopped.
func (l *loops) start(eventName string, fn func(running *atomic.Bool)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	if _, ok := l.running[eventName]; ok {
		return false
	}

	flag := &atomic.Bool{}
	flag.Store(true)
	l.running[eventName] = flag

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		fn(flag)
	}()
	return true
}

func (l *loops) isRunning(eventName string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	flag, ok := l.running[eventName]
	return ok && flag.Load()
}

// stop is idempotent and waits for every loop to return.
func (l *loops) stop() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		for _, flag := range l.running {
			flag.Store(false)
		}
		close(l.done)
	}
	l.mu.Unlock()

	l.wg.Wait()
}

// backoff sleeps for d and reports false if the loops were stopped meanwhile.
func (l *loops) backoff(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-l.done:
		return false
	}
}

// publishContext detaches a publish from the caller's cancellation but still
// bounds it.
func publishContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
}
