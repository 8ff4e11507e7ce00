package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const schedulerQueueSize = 256

// SchedulerConfig tunes the reorder batching window.
type SchedulerConfig struct {
	// Debounce is the quiet period after the last trigger before a reorder runs.
	Debounce time.Duration
	// MaxDelay caps how long the first pending trigger can wait. Zero means no cap.
	MaxDelay time.Duration
	Workers  int
	// RunTimeout bounds a single reorder. Zero means no bound.
	RunTimeout time.Duration
}

type pendingReorder struct {
	first time.Time
	timer *time.Timer
}

// Scheduler batches reorder requests per scope and runs them on a bounded
// worker pool. Triggers for a scope that arrive within the debounce window
// collapse into one reorder.
type Scheduler struct {
	ranker Reorderer
	cfg    SchedulerConfig

	mu      sync.Mutex
	pending map[string]*pendingReorder
	closed  bool

	queue chan string
	done  chan struct{}
}

// NewScheduler creates a new Scheduler. Triggers are accepted immediately but
// only run once Start is called.
func NewScheduler(ranker Reorderer, cfg SchedulerConfig) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxDelay > 0 && cfg.MaxDelay < cfg.Debounce {
		cfg.MaxDelay = cfg.Debounce
	}
	return &Scheduler{
		ranker:  ranker,
		cfg:     cfg,
		pending: make(map[string]*pendingReorder),
		queue:   make(chan string, schedulerQueueSize),
		done:    make(chan struct{}),
	}
}

// Trigger schedules a reorder of scopeID.
func (s *Scheduler) Trigger(scopeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	now := time.Now()
	p, ok := s.pending[scopeID]
	if !ok {
		p = &pendingReorder{first: now}
		p.timer = time.AfterFunc(s.cfg.Debounce, func() { s.fire(scopeID, p) })
		s.pending[scopeID] = p
		return
	}

	delay := s.cfg.Debounce
	if s.cfg.MaxDelay > 0 {
		if remaining := p.first.Add(s.cfg.MaxDelay).Sub(now); remaining < delay {
			delay = max(remaining, 0)
		}
	}
	// If the timer already fired, Reset arms it again and fire ignores the
	// stale entry; the reorder that is already queued covers this trigger.
	p.timer.Reset(delay)
}

// Pending reports how many scopes have a reorder waiting for its window to close.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) fire(scopeID string, p *pendingReorder) {
	s.mu.Lock()
	if s.pending[scopeID] != p {
		s.mu.Unlock()
		return
	}
	delete(s.pending, scopeID)
	s.mu.Unlock()

	select {
	case s.queue <- scopeID:
	case <-s.done:
	}
}

// Start runs the worker pool until ctx is cancelled. Pending triggers are
// dropped on shutdown; the reconciler repairs anything they would have done.
func (s *Scheduler) Start(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for range s.cfg.Workers {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case scopeID := <-s.queue:
					s.run(gctx, scopeID)
				}
			}
		})
	}

	_ = g.Wait()
	s.stop()
}

func (s *Scheduler) run(ctx context.Context, scopeID string) {
	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}

	_, err := s.ranker.Reorder(ctx, scopeID)
	switch {
	case err == nil:
	case errors.Is(err, ErrSuperseded):
		log.Debug().Str("scope", scopeID).Msg("Reorder superseded")
	case errors.Is(err, context.Canceled):
	default:
		log.Error().Err(err).Str("scope", scopeID).Msg("Scheduled reorder failed")
	}
}

func (s *Scheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for id, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, id)
	}
	close(s.done)
}
