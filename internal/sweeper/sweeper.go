// Package sweeper runs the overdue sweep on a schedule and on demand.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/libraryops/internal/domain"
)

var ErrSweepInProgress = errors.New("overdue sweep already running")

var (
	sweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "library_overdue_sweep_duration_seconds",
		Help:    "Duration of overdue sweeps",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
	}, []string{"trigger", "outcome"})

	sweepAffected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "library_overdue_requests_updated_total",
		Help: "Borrow requests marked overdue or re-priced by the sweeper",
	})
)

type State string

const (
	StateDormant State = "dormant"
	StateRunning State = "running"
)

// Engine is the part of the borrow engine the sweeper drives.
type Engine interface {
	SweepOverdue(ctx context.Context) ([]domain.BorrowRequest, error)
}

type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	// OnStart runs one sweep as soon as Start is called.
	OnStart bool
}

// Result describes one finished sweep.
type Result struct {
	Affected []domain.BorrowRequest
	Started  time.Time
	Duration time.Duration
}

type Sweeper struct {
	engine  Engine
	cfg     Config
	logger  *slog.Logger
	running atomic.Bool
}

func New(engine Engine, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	return &Sweeper{engine: engine, cfg: cfg, logger: logger}
}

func (s *Sweeper) State() State {
	if s.running.Load() {
		return StateRunning
	}
	return StateDormant
}

// Start sweeps on every tick until ctx is done. A tick that lands while a
// sweep is still running is skipped.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("overdue sweeper started", "interval", s.cfg.Interval, "timeout", s.cfg.Timeout)

	if s.cfg.OnStart {
		s.scheduled(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("overdue sweeper stopped")
			return
		case <-ticker.C:
			s.scheduled(ctx)
		}
	}
}

func (s *Sweeper) scheduled(ctx context.Context) {
	if _, err := s.run(ctx, "schedule"); err != nil && !errors.Is(err, ErrSweepInProgress) {
		s.logger.ErrorContext(ctx, "scheduled overdue sweep failed", "error", err)
	}
}

// Trigger runs one sweep now and returns what it changed.
func (s *Sweeper) Trigger(ctx context.Context) (Result, error) {
	return s.run(ctx, "manual")
}

func (s *Sweeper) run(ctx context.Context, trigger string) (Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Result{}, ErrSweepInProgress
	}
	defer s.running.Store(false)

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	res := Result{Started: time.Now()}
	affected, err := s.engine.SweepOverdue(ctx)
	res.Affected = affected
	res.Duration = time.Since(res.Started)

	outcome := "ok"
	if err != nil {
		outcome = "partial"
		if len(affected) == 0 {
			outcome = "failed"
		}
	}
	sweepDuration.WithLabelValues(trigger, outcome).Observe(res.Duration.Seconds())
	sweepAffected.Add(float64(len(affected)))

	s.logger.InfoContext(ctx, "overdue sweep finished",
		"trigger", trigger, "updated", len(affected), "duration", res.Duration, "outcome", outcome)
	return res, err
}
