package snap

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// TransferPolicy bounds concurrency and retries for packaging and network transfer.
type TransferPolicy struct {
	Workers           int           // worker pool size; <= 0 means runtime.NumCPU()
	MaxRetries        int           // retries per network call after the first attempt
	InitialInterval   time.Duration // first backoff interval
	MaxInterval       time.Duration
	MaxElapsed        time.Duration // overall budget per call; 0 means no limit
	RequestsPerSecond float64       // repository call rate limit; 0 means unlimited
	PushAttempts      int           // times the network phase of a push is run; <= 0 means 1
}

// DefaultTransferPolicy returns the policy used when nothing is configured.
func DefaultTransferPolicy() TransferPolicy {
	return TransferPolicy{
		Workers:         runtime.NumCPU(),
		MaxRetries:      5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxElapsed:      2 * time.Minute,
		PushAttempts:    2,
	}
}

func (p TransferPolicy) workers() int {
	if p.Workers <= 0 {
		return runtime.NumCPU()
	}
	return p.Workers
}

func (p TransferPolicy) pushAttempts() int {
	if p.PushAttempts <= 0 {
		return 1
	}
	return p.PushAttempts
}

// retrier runs repository calls with bounded exponential backoff.
type retrier struct {
	policy  TransferPolicy
	limiter *rate.Limiter
	logger  Logger
}

func newRetrier(policy TransferPolicy, logger Logger) *retrier {
	r := &retrier{policy: policy, logger: logger}
	if policy.RequestsPerSecond > 0 {
		burst := int(policy.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(policy.RequestsPerSecond), burst)
	}
	return r
}

func (r *retrier) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if r.policy.InitialInterval > 0 {
		eb.InitialInterval = r.policy.InitialInterval
	}
	if r.policy.MaxInterval > 0 {
		eb.MaxInterval = r.policy.MaxInterval
	}
	eb.MaxElapsedTime = r.policy.MaxElapsed
	var b backoff.BackOff = eb
	if r.policy.MaxRetries >= 0 {
		b = backoff.WithMaxRetries(b, uint64(r.policy.MaxRetries))
	}
	return backoff.WithContext(b, ctx)
}

// do runs fn until it succeeds, fails permanently, or the retry budget is spent.
// Errors left after a spent budget are reported as ErrNetwork.
func (r *retrier) do(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		r.logger.Warn("retrying after failed attempt", "op", op, "attempt", attempt, "error", err)
		return err
	}, r.newBackOff(ctx))
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return ctxErr
	}
	if isPermanent(err) {
		return err
	}
	return networkError(err)
}

// isPermanent reports errors that retrying cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, ErrRemoteConflict) ||
		errors.Is(err, ErrSnapshotNotFoundRemote) ||
		errors.Is(err, ErrBlockNotFound) ||
		errors.Is(err, ErrCacheConflict) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrPackaging) ||
		errors.Is(err, ErrScrub) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// forEach runs fn for every item on a bounded worker pool.
// The first error cancels the remaining work and is returned.
func forEach[T any](ctx context.Context, workers int, items []T, fn func(ctx context.Context, item T) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, item := range items {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(ctx, item)
		})
	}
	return g.Wait()
}

// Counter names registered in the service metrics registry.
const (
	MetricBlocksUploaded = "push.blocks.uploaded"
	MetricBlocksSkipped  = "push.blocks.skipped"
	MetricBytesUploaded  = "push.bytes.uploaded"
	MetricBlocksFetched  = "pull.blocks.fetched"
	MetricBlocksReused   = "pull.blocks.reused"
	MetricBytesFetched   = "pull.bytes.fetched"
	MetricFilesPackaged  = "create.files.packaged"
	MetricBlocksDeduped  = "create.blocks.deduplicated"
)

func counter(registry metrics.Registry, name string) metrics.Counter {
	return metrics.GetOrRegisterCounter(name, registry)
}
