package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// loop is the ticker shared by the background workers. stop closes the loop
// and waits for a pass started by spawn to return.
type loop struct {
	name     string
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newLoop(name string) *loop {
	return &loop{name: name, stopCh: make(chan struct{})}
}

// run blocks, calling pass every interval until ctx ends or stop is called.
func (l *loop) run(ctx context.Context, interval time.Duration, immediate bool, pass func(context.Context)) {
	log := zap.L().With(zap.String("worker", l.name))
	log.Info("worker starting", zap.Duration("interval", interval))
	if immediate {
		pass(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("worker context canceled")
			return
		case <-l.stopCh:
			log.Info("worker stopped")
			return
		case <-ticker.C:
			pass(ctx)
		}
	}
}

func (l *loop) spawn(ctx context.Context, interval time.Duration, immediate bool, pass func(context.Context)) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(ctx, interval, immediate, pass)
	}()
}

func (l *loop) stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}
