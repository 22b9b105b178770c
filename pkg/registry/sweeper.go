package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/getmockd/rpcgate/pkg/logging"
)

// Sweeper runs SweepStale on a fixed interval, independent of request
// traffic. A failed cycle is logged and the next one runs as scheduled.
type Sweeper struct {
	reg      *Registry
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewSweeper creates a sweeper that deactivates services whose heartbeat is
// older than timeout, checking every interval.
func NewSweeper(reg *Registry, interval, timeout time.Duration, log *slog.Logger) *Sweeper {
	return &Sweeper{
		reg:      reg,
		interval: interval,
		timeout:  timeout,
		log:      logging.OrNop(log),
	}
}

// Start launches the sweep loop. It is a no-op if already running. The loop
// exits on Stop or when ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop(ctx, s.stopCh, s.doneCh)
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()
	<-done
}

func (s *Sweeper) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs one sweep cycle and returns the number of services
// deactivated. Errors and panics are logged, never propagated.
func (s *Sweeper) RunOnce(ctx context.Context) (n int) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("staleness sweep panicked", "panic", rec)
			n = 0
		}
	}()

	n, err := s.reg.SweepStale(ctx, s.timeout)
	if err != nil {
		s.log.Error("staleness sweep failed", "error", err)
	}
	return n
}
