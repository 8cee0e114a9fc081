package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/punchamoorthee/libraryops/internal/domain"
)

// Publisher receives borrow events after their transaction commits.
type Publisher interface {
	Publish(ctx context.Context, e domain.Event) error
}

type settings struct {
	now       func() time.Time
	policy    domain.FeePolicy
	publisher Publisher
	retry     []RetryOption
	logger    *slog.Logger
}

// Option configures BorrowService, CatalogService and RegistryService.
type Option func(*settings)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

func WithFeePolicy(p domain.FeePolicy) Option {
	return func(s *settings) { s.policy = p }
}

func WithPublisher(p Publisher) Option {
	return func(s *settings) { s.publisher = p }
}

func WithRetryOptions(opts ...RetryOption) Option {
	return func(s *settings) { s.retry = opts }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

func newSettings(opts []Option) settings {
	s := settings{
		now:    func() time.Time { return time.Now().UTC() },
		policy: domain.DefaultFeePolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// emit publishes best effort. A failed publish never undoes the transition.
func (s settings) emit(ctx context.Context, events ...domain.Event) {
	if s.publisher == nil {
		return
	}
	for _, e := range events {
		if err := s.publisher.Publish(ctx, e); err != nil {
			s.logger.WarnContext(ctx, "failed to publish borrow event",
				"event_type", e.Type, "request_id", e.RequestID, "error", err)
		}
	}
}
