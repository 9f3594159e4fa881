package scanner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"modlog-bot/utils"
)

// TickFunc is one pass of a periodic loop.
type TickFunc func(ctx context.Context)

type loopHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry owns named periodic loops. Each name runs at most once at a time.
type Registry struct {
	mu     sync.Mutex
	loops  map[string]*loopHandle
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{loops: make(map[string]*loopHandle), logger: logger}
}

// Start runs tick immediately and then every interval until ctx is done or the
// loop is stopped. It returns false, doing nothing, when a loop with that name
// is already running.
func (r *Registry) Start(ctx context.Context, name string, interval time.Duration, tick TickFunc) bool {
	if interval <= 0 {
		panic(fmt.Sprintf("scanner: loop %s needs a positive interval", name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.loops[name]; ok {
		return false
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h := &loopHandle{cancel: cancel, done: make(chan struct{})}
	r.loops[name] = h

	go func() {
		defer close(h.done)
		defer r.forget(name, h)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		r.logger.Info("loop started", zap.String("loop", name), zap.Duration("interval", interval))
		for {
			r.runTick(loopCtx, name, tick)
			select {
			case <-loopCtx.Done():
				r.logger.Info("loop stopped", zap.String("loop", name))
				return
			case <-ticker.C:
			}
		}
	}()
	return true
}

func (r *Registry) runTick(ctx context.Context, name string, tick TickFunc) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("loop tick panicked", zap.String("loop", name), zap.Any("panic", p))
		}
		utils.TickDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()
	tick(ctx)
}

// forget drops the handle once its goroutine exits, unless a new loop has
// already taken the name.
func (r *Registry) forget(name string, h *loopHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loops[name] == h {
		delete(r.loops, name)
	}
}

func (r *Registry) IsRunning(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.loops[name]
	return ok
}

// Stop cancels the loop and waits for its current tick to finish.
func (r *Registry) Stop(name string) bool {
	r.mu.Lock()
	h, ok := r.loops[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	<-h.done
	return true
}

func (r *Registry) StopAll() {
	r.mu.Lock()
	names := make([]string, 0, len(r.loops))
	for name := range r.loops {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		r.Stop(name)
	}
}
