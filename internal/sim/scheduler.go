package sim

import (
	"context"
	"log/slog"
	"sync"
)

// Job is detached work. It receives the scheduler so it can enqueue
// follow-up work of its own.
type Job func(ctx context.Context, s Scheduler)

// Scheduler runs jobs outside the simulation tick.
type Scheduler interface {
	Schedule(name string, job Job)
}

// GoScheduler runs every job on its own goroutine and tracks them for shutdown.
// Jobs are never aborted mid-flight; they see ctx cancelled only on shutdown.
type GoScheduler struct {
	ctx context.Context
	wg  sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewGoScheduler creates a scheduler whose jobs run under ctx.
func NewGoScheduler(ctx context.Context) *GoScheduler {
	return &GoScheduler{ctx: ctx}
}

// Schedule starts job. Jobs scheduled after Close are dropped.
func (s *GoScheduler) Schedule(name string, job Job) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		slog.Warn("[SIM] scheduler closed, dropping job", "job", name)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("[SIM] job panicked", "job", name, "panic", r)
			}
		}()
		job(s.ctx, s)
	}()
}

// Wait blocks until every scheduled job, including follow-ups, has returned.
func (s *GoScheduler) Wait() {
	s.wg.Wait()
}

// Close refuses new jobs and waits for running ones.
func (s *GoScheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}
