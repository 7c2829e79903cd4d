package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Scheduler drives the broadcast engine tick on a fixed interval. The first
// tick is held back by startupDelay so a freshly started process does not
// start claiming runs before its dependencies settle. Tick overlap is the
// engine's problem, not the scheduler's; this type only guarantees one
// ticker goroutine per Start.
type Scheduler struct {
	interval     time.Duration
	startupDelay time.Duration
	tickFn       func(context.Context)
	log          *slog.Logger

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(interval, startupDelay time.Duration, tickFn func(context.Context), log *slog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		interval:     interval,
		startupDelay: startupDelay,
		tickFn:       tickFn,
		log:          log,
		done:         make(chan struct{}),
	}, nil
}

// Start launches the ticker goroutine. Returns false if already running.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		s.log.Info("broadcast scheduler started",
			"interval", s.interval.String(),
			"startup_delay", s.startupDelay.String())

		if s.startupDelay > 0 {
			select {
			case <-ctx.Done():
				s.log.Info("broadcast scheduler stopping")
				return
			case <-time.After(s.startupDelay):
			}
		}

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.safeTick(ctx)

		for {
			select {
			case <-ctx.Done():
				s.log.Info("broadcast scheduler stopping")
				return
			case <-ticker.C:
				s.safeTick(ctx)
			}
		}
	}()

	return true
}

// Stop cancels the ticker goroutine and waits for it to exit. Returns false
// if not running.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.log.Info("broadcast scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("tick panic recovered", "panic", r)
		}
	}()

	start := time.Now()
	s.tickFn(ctx)
	s.log.Debug("tick completed", "duration_ms", time.Since(start).Milliseconds())
}
