package scheduler

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/skiffhq/skiff/pkg/log"
	"github.com/skiffhq/skiff/pkg/metrics"
	"github.com/skiffhq/skiff/pkg/storage"
)

const (
	// ShutdownGrace is how long Stop waits for in-flight handlers before
	// abandoning their leases to natural expiry
	ShutdownGrace = 30 * time.Second

	// leaseTTLFactor: lease TTL = interval * leaseTTLFactor
	leaseTTLFactor = 2
)

// Handler processes one leased entity. Errors are recovered locally: the
// handler's error is logged and the entity retries on a later tick; it never
// propagates past the dispatcher.
type Handler func(ctx context.Context, id string) error

// Task is one registered periodic reconciler
type Task struct {
	Name      string
	Kind      storage.EntityKind
	Interval  time.Duration
	BatchSize int
	Handler   Handler
}

// Leaser is the slice of the store the dispatcher needs
type Leaser interface {
	LeaseBatch(kind storage.EntityKind, staleBefore time.Time, ttl time.Duration, limit int) ([]string, error)
	ReleaseLease(kind storage.EntityKind, id string, processedAt time.Time) error
}

// Scheduler fires each registered task at its cadence, leases a batch of
// stale entities, and dispatches handlers onto a bounded worker pool.
// Guarantees: strict per-entity serialization (the lease), no ordering
// across entities.
type Scheduler struct {
	leaser  Leaser
	clock   clockwork.Clock
	tasks   []Task
	workers chan struct{}

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. workerCap bounds concurrent handlers
// across all tasks; 0 means NumCPU*4.
func NewScheduler(leaser Leaser, clock clockwork.Clock, workerCap int) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if workerCap <= 0 {
		workerCap = runtime.NumCPU() * 4
	}
	return &Scheduler{
		leaser:  leaser,
		clock:   clock,
		workers: make(chan struct{}, workerCap),
	}
}

// Register adds a periodic task. Must be called before Start.
func (s *Scheduler) Register(task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
}

// Start launches one dispatch loop per task
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, task := range s.tasks {
		s.wg.Add(1)
		go s.run(ctx, task)
	}
}

// Stop ceases scheduling new batches, waits up to ShutdownGrace for
// in-flight handlers, then returns; abandoned leases expire naturally.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(ShutdownGrace):
		logger := log.WithComponent("scheduler")
		logger.Warn().Msg("shutdown grace expired, abandoning in-flight handlers")
	}
}

// run is one task's dispatch loop
func (s *Scheduler) run(ctx context.Context, task Task) {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			s.dispatch(ctx, task)
		case <-ctx.Done():
			return
		}
	}
}

// dispatch leases one batch and hands each entity to a worker
func (s *Scheduler) dispatch(ctx context.Context, task Task) {
	logger := log.WithComponent("scheduler")
	now := s.clock.Now().UTC()

	ids, err := s.leaser.LeaseBatch(task.Kind, now.Add(-task.Interval), task.Interval*leaseTTLFactor, task.BatchSize)
	if err != nil {
		logger.Error().Err(err).Str("task", task.Name).Msg("failed to lease batch")
		return
	}
	metrics.LeasedBatchSize.WithLabelValues(task.Name).Observe(float64(len(ids)))

	for _, id := range ids {
		select {
		case s.workers <- struct{}{}:
		case <-ctx.Done():
			// Shutting down: the remaining leases expire naturally
			return
		}

		s.wg.Add(1)
		go func(id string) {
			defer s.wg.Done()
			defer func() { <-s.workers }()
			s.process(ctx, task, id)
		}(id)
	}
}

// process runs one handler invocation under the entity's lease
func (s *Scheduler) process(ctx context.Context, task Task, id string) {
	logger := log.WithComponent(task.Name)
	timer := metrics.NewTimer()

	defer func() {
		if r := recover(); r != nil {
			// Do not release: the lease expires and the entity retries later
			metrics.ReconcileCyclesTotal.WithLabelValues(task.Name, "panic").Inc()
			logger.Error().Any("panic", r).Str("id", id).Msg("handler panicked")
		}
	}()

	err := task.Handler(ctx, id)

	timer.ObserveDuration(metrics.ReconcileDuration.WithLabelValues(task.Name))
	outcome := "ok"
	if err != nil {
		outcome = "error"
		logger.Error().Err(err).Str("id", id).Msg("handler failed")
	}
	metrics.ReconcileCyclesTotal.WithLabelValues(task.Name, outcome).Inc()

	if relErr := s.leaser.ReleaseLease(task.Kind, id, s.clock.Now()); relErr != nil {
		logger.Error().Err(relErr).Str("id", id).Msg("failed to release lease")
	}
}
