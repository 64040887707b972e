// ABOUTME: Service is the conversation and message store consumed by the application layer
// ABOUTME: Every operation takes the acting identity and runs in one datastore transaction

package conversation

import (
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/2389/coven-history/internal/access"
	"github.com/2389/coven-history/internal/store"
)

// Service implements the Conversation Store and Message Store on top of a
// transactional store.Store, gating every record access through
// access.Policy.
type Service struct {
	store       store.Store
	policy      *access.Policy
	clock       *Clock
	validate    *validator.Validate
	broadcaster *ChangeBroadcaster
	pageSize    int
	newID       func() string
	logger      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithPageSize sets how many rows the iterators fetch per transaction.
func WithPageSize(n int) Option {
	return func(s *Service) {
		s.pageSize = min(max(n, 1), store.MaxPageSize)
	}
}

// WithClock replaces the timestamp source.
func WithClock(c *Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithBroadcaster publishes committed changes to b.
func WithBroadcaster(b *ChangeBroadcaster) Option {
	return func(s *Service) {
		s.broadcaster = b
	}
}

// WithIDGenerator replaces the record ID generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		s.newID = fn
	}
}

// New creates a Service. A nil logger uses slog.Default().
func New(st store.Store, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:    st,
		policy:   access.NewPolicy(logger),
		clock:    NewClock(nil),
		validate: newValidator(),
		pageSize: store.DefaultPageSize,
		newID:    func() string { return uuid.New().String() },
		logger:   logger.With("component", "conversation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// publish forwards a committed change to the broadcaster, if any.
func (s *Service) publish(change Change) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Publish(change)
}
