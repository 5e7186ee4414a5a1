// Package lifecycle runs processes through the ordered stages of their
// template. Every mutation validates against the stage ledger inside a
// repository transaction, writes its audit entry in the same transaction and
// publishes change events only after commit.
package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"

	"stageflow/backend/internal/blob"
	"stageflow/backend/internal/logging"
	"stageflow/backend/internal/notify"
	"stageflow/backend/internal/repository"
)

// DefaultURLTTL is how long a document retrieval URL stays valid.
const DefaultURLTTL = 10 * time.Minute

// Engine is the process lifecycle engine.
type Engine struct {
	repo      repository.Repository
	blobs     blob.Store
	publisher notify.Publisher
	logger    *logging.Logger
	now       func() time.Time
	newID     func() string
	urlTTL    time.Duration
	tel       *telemetry
}

// Option configures an Engine.
type Option func(*Engine)

// WithBlobStore sets the store documents are uploaded to.
func WithBlobStore(store blob.Store) Option {
	return func(e *Engine) { e.blobs = store }
}

// WithPublisher sets where committed changes are announced.
func WithPublisher(p notify.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides id generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// WithURLTTL sets the default lifetime of document retrieval URLs.
func WithURLTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.urlTTL = ttl
		}
	}
}

// New creates an Engine over repo.
func New(repo repository.Repository, opts ...Option) *Engine {
	e := &Engine{
		repo:      repo,
		publisher: notify.Discard,
		logger:    logging.Discard(),
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
		urlTTL:    DefaultURLTTL,
		tel:       newTelemetry(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Repository exposes the underlying repository for read-only callers such as
// the identity mapping.
func (e *Engine) Repository() repository.Repository { return e.repo }

func (e *Engine) timestamp() time.Time {
	return e.now().UTC()
}

// publish hands committed changes to the notifier. It never fails the caller.
func (e *Engine) publish(ctx context.Context, events ...notify.Event) {
	if len(events) == 0 {
		return
	}
	e.publisher.Publish(ctx, events...)
}

func (e *Engine) blobStore() (blob.Store, error) {
	if e.blobs == nil {
		return nil, errorf(KindBlobConfiguration, "no blob store configured")
	}
	return e.blobs, nil
}
