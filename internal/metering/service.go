// Package metering is the credit and cache gate in front of the user actors.
//
// For every operation it checks the balance, serves a cached result if one
// exists, and otherwise runs the operation on the user's actor. Every
// successful result is billed exactly once, cached or fresh. Failures are
// never billed and never cached.
package metering

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/shehryarbajwa/webgrab/internal/background"
	"github.com/shehryarbajwa/webgrab/internal/cache"
	"github.com/shehryarbajwa/webgrab/internal/credits"
	"github.com/shehryarbajwa/webgrab/internal/logging"
	"github.com/shehryarbajwa/webgrab/internal/metrics"
	"github.com/shehryarbajwa/webgrab/pkg/models"
)

// Actors runs an operation on the user's actor.
type Actors interface {
	Execute(ctx context.Context, userID string, op models.Operation) (models.Output, error)
}

// Cache is the advisory result cache. Lookup failures are misses.
type Cache interface {
	Lookup(ctx context.Context, kind models.Kind, key string) (models.Output, bool)
	Save(ctx context.Context, key string, out models.Output, ttl time.Duration) error
}

// Pricing gives the credit cost and cache TTL of each operation kind.
type Pricing interface {
	Cost(kind models.Kind) int64
	TTLFor(kind models.Kind) time.Duration
}

// Result is a served operation and what it cost.
type Result struct {
	Output           models.Output
	CreditsCost      int64
	CreditsRemaining int64
	FromCache        bool
}

type Service struct {
	actors  Actors
	cache   Cache
	ledger  credits.Ledger
	pricing Pricing
	runner  *background.Runner
	logger  *zap.Logger
	now     func() time.Time

	flights singleflight.Group
}

func New(actors Actors, c Cache, ledger credits.Ledger, pricing Pricing, runner *background.Runner, logger *zap.Logger) *Service {
	logger = logging.OrNop(logger)
	if runner == nil {
		runner = background.NewRunner(logger, 0)
	}
	return &Service{
		actors:  actors,
		cache:   c,
		ledger:  ledger,
		pricing: pricing,
		runner:  runner,
		logger:  logger,
		now:     time.Now,
	}
}

// Execute serves op for userID. Errors are *models.Error.
func (s *Service) Execute(ctx context.Context, userID string, op models.Operation) (*Result, error) {
	kind := op.Kind()
	logger := s.logger.With(
		zap.String("user_id", userID),
		zap.String("op", string(kind)),
		zap.String("url", op.Target()))

	if err := op.Validate(); err != nil {
		metrics.Operations.WithLabelValues(string(kind), "rejected").Inc()
		return nil, asModelError(err, models.CodeValidationFailed)
	}

	cost := s.pricing.Cost(kind)
	balance, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		metrics.Operations.WithLabelValues(string(kind), "failed").Inc()
		logger.Error("credit balance unavailable", zap.Error(err))
		return nil, models.Wrap(models.CodeInternal, err, "credit ledger unavailable")
	}
	if balance < cost {
		metrics.Operations.WithLabelValues(string(kind), "rejected").Inc()
		return nil, models.InsufficientCredits(cost, balance)
	}

	key, err := cache.Key(userID, op)
	if err != nil {
		logger.Warn("cannot derive cache key, bypassing cache", zap.Error(err))
	} else {
		logger = logger.With(zap.String("cache_key", key))
		if out, ok := s.cache.Lookup(ctx, kind, key); ok {
			metrics.Operations.WithLabelValues(string(kind), "hit").Inc()
			remaining := s.charge(ctx, logger, userID, op, cost, balance, key, true)
			return &Result{Output: out, CreditsCost: cost, CreditsRemaining: remaining, FromCache: true}, nil
		}
	}

	out, err := s.fresh(ctx, userID, op, key)
	if err != nil {
		metrics.Operations.WithLabelValues(string(kind), "failed").Inc()
		return nil, asModelError(err, models.CodeInternal)
	}
	metrics.Operations.WithLabelValues(string(kind), "fresh").Inc()
	remaining := s.charge(ctx, logger, userID, op, cost, balance, key, false)
	return &Result{Output: out, CreditsCost: cost, CreditsRemaining: remaining}, nil
}

// fresh runs op on the actor. Identical concurrent requests share one
// execution; the shared result is cached once. A shared execution does not
// inherit any one caller's cancellation, so callers that leave do not fail
// the ones still waiting. The actor's operation timeout bounds it.
func (s *Service) fresh(ctx context.Context, userID string, op models.Operation, key string) (models.Output, error) {
	run := func(ctx context.Context) (any, error) {
		start := s.now()
		out, err := s.actors.Execute(ctx, userID, op)
		metrics.OperationLatency.WithLabelValues(string(op.Kind())).Observe(s.now().Sub(start).Seconds())
		if err != nil {
			return nil, err
		}
		if key != "" {
			ttl := s.pricing.TTLFor(op.Kind())
			s.runner.Go(ctx, "cache_write", func(ctx context.Context) error {
				return s.cache.Save(ctx, key, out, ttl)
			})
		}
		return out, nil
	}

	if key == "" {
		out, err := run(ctx)
		if err != nil {
			return nil, err
		}
		return out.(models.Output), nil
	}

	shared := context.WithoutCancel(ctx)
	ch := s.flights.DoChan(key, func() (any, error) { return run(shared) })
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(models.Output), nil
	case <-ctx.Done():
		return nil, models.Wrap(models.CodeSessionUnavailable, ctx.Err(), "request cancelled")
	}
}

// charge deducts cost after a result was produced. A failed deduction is
// logged and swallowed and the pre-deduction balance is reported.
func (s *Service) charge(ctx context.Context, logger *zap.Logger, userID string, op models.Operation, cost, balance int64, key string, fromCache bool) int64 {
	if cost == 0 {
		return balance
	}
	remaining, err := s.ledger.Deduct(context.WithoutCancel(ctx), userID, cost, string(op.Kind()), map[string]any{
		"url":       op.Target(),
		"cacheKey":  key,
		"fromCache": fromCache,
	})
	if err != nil {
		metrics.DeductionFailures.WithLabelValues(string(op.Kind())).Inc()
		logger.Warn("credit deduction failed after serving result",
			zap.Bool("from_cache", fromCache),
			zap.Int64("cost", cost),
			zap.Error(err))
		return balance
	}
	metrics.CreditsDeducted.WithLabelValues(string(op.Kind())).Add(float64(cost))
	return remaining
}

func asModelError(err error, fallback models.Code) *models.Error {
	var me *models.Error
	if errors.As(err, &me) {
		return me
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return models.Wrap(models.CodeSessionUnavailable, err, "request cancelled")
	}
	return models.Wrap(fallback, err, "operation failed")
}
