// Package syncer reconciles the remote item list with the stored snapshot.
package syncer

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"urlsentry/internal/config"
	"urlsentry/internal/diff"
	"urlsentry/internal/events"
	"urlsentry/internal/metrics"
	"urlsentry/internal/model"
	"urlsentry/internal/source"
	"urlsentry/internal/state"
)

// Options tunes a sync
type Options struct {
	MaxAttempts int
	RetryDelay  time.Duration // first backoff, doubled on each retry
	Timeout     time.Duration // per fetch
	Strict      bool          // reject duplicate identities
}

// OptionsFrom maps engine options onto sync options
func OptionsFrom(o config.Options) Options {
	return Options{
		MaxAttempts: o.MaxRetries,
		RetryDelay:  o.RetryDelay(),
		Timeout:     o.Timeout(),
		Strict:      o.StrictValidation,
	}
}

// Coordinator runs syncs. Concurrent callers share one in-flight sync.
type Coordinator struct {
	repo    *state.Repository
	sink    events.Sink
	metrics *metrics.Metrics
	clock   clockwork.Clock
	logger  zerolog.Logger
	group   singleflight.Group

	mu      sync.RWMutex
	fetcher source.Fetcher
	opts    Options
}

// New creates a Coordinator. nil sink/clock use defaults; nil metrics records nothing.
func New(repo *state.Repository, fetcher source.Fetcher, sink events.Sink, m *metrics.Metrics, clock clockwork.Clock, opts Options) *Coordinator {
	if sink == nil {
		sink = events.Discard{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Coordinator{
		repo:    repo,
		sink:    sink,
		metrics: m,
		clock:   clock,
		logger:  log.Logger,
		fetcher: fetcher,
		opts:    opts,
	}
}

// Configure swaps the fetcher and options used by subsequent syncs
func (c *Coordinator) Configure(fetcher source.Fetcher, opts Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetcher = fetcher
	c.opts = opts
}

func (c *Coordinator) current() (source.Fetcher, Options) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetcher, c.opts
}

// Sync fetches, validates and diffs the remote list, then replaces the snapshot.
// A sync already in flight is joined rather than repeated. The shared run is detached from
// ctx; cancelling ctx only abandons this caller's wait.
func (c *Coordinator) Sync(ctx context.Context) (model.ChangeSet, error) {
	ch := c.group.DoChan("sync", func() (any, error) {
		return c.run(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return model.ChangeSet{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return model.ChangeSet{}, res.Err
		}
		if res.Shared {
			c.logger.Debug().Msg("[Sync] Joined in-flight sync")
		}
		return res.Val.(model.ChangeSet), nil
	}
}

func (c *Coordinator) run(ctx context.Context) (model.ChangeSet, error) {
	fetcher, opts := c.current()
	if fetcher == nil {
		return model.ChangeSet{}, &model.ConfigError{Field: "remoteEndpoint", Reason: "no item source configured"}
	}

	maxAttempts := max(opts.MaxAttempts, 1)
	start := c.clock.Now()
	attempts := 0

	res, err := backoff.Retry(ctx,
		func() (result, error) {
			attempts++
			return c.attempt(ctx, fetcher, opts)
		},
		backoff.WithBackOff(exponential(opts.RetryDelay, maxAttempts)),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(retryBudget(opts, maxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn().Err(err).Int("attempt", attempts).Dur("retry_in", next).
				Str("reason", string(model.ReasonFor(err))).Msg("[Sync] Sync attempt failed, will retry")
		}),
	)
	elapsed := c.clock.Since(start)
	c.metrics.ObserveSync(elapsed, err)

	if err != nil {
		syncErr := &model.SyncError{Reason: model.ReasonRetriesExhausted, Attempts: attempts, Err: err}
		c.recordStats(ctx, start, elapsed, syncErr)
		c.logger.Error().Err(err).Int("attempts", attempts).Msg("[Sync] Retries exhausted, keeping last snapshot")
		c.sink.Emit(events.Event{
			Name:   events.SyncError,
			At:     c.clock.Now(),
			Reason: model.ReasonFor(err),
			Error:  syncErr.Error(),
		})
		return model.ChangeSet{}, syncErr
	}

	c.recordStats(ctx, start, elapsed, nil)
	cs := res.changes
	c.logger.Info().Int("added", len(cs.Added)).Int("removed", len(cs.Removed)).Int("modified", len(cs.Modified)).
		Str("fingerprint", res.fingerprint).Int("attempts", attempts).Dur("duration", elapsed).Msg("[Sync] Sync completed")
	c.sink.Emit(events.Event{
		Name:        events.SyncSuccess,
		At:          c.clock.Now(),
		ChangeSet:   &cs,
		Fingerprint: res.fingerprint,
	})
	return cs, nil
}

type result struct {
	changes     model.ChangeSet
	fingerprint string
}

// attempt is one fetch-validate-diff-persist pass. The snapshot is only written at the end.
func (c *Coordinator) attempt(ctx context.Context, fetcher source.Fetcher, opts Options) (result, error) {
	current, err := c.repo.Snapshot(ctx)
	if err != nil {
		return result{}, err
	}
	if !diff.Verify(current) {
		c.metrics.FingerprintMismatch()
		c.logger.Warn().Str("fingerprint", current.Fingerprint).Int("items", len(current.Items)).
			Msg("[Sync] Stored snapshot does not match its fingerprint, diffing against it anyway")
	}

	fetchCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	items, err := fetcher.Fetch(fetchCtx)
	if err != nil {
		return result{}, err
	}
	if err := diff.Validate(items, opts.Strict); err != nil {
		return result{}, err
	}

	next := model.Snapshot{
		Items:       items,
		Fingerprint: diff.Fingerprint(items),
		CapturedAt:  c.clock.Now(),
	}
	cs := diff.Diff(current.Items, items)
	if err := c.repo.SaveSnapshot(ctx, next); err != nil {
		return result{}, err
	}
	c.metrics.SetSnapshotItems(len(items))
	return result{changes: cs, fingerprint: next.Fingerprint}, nil
}

func (c *Coordinator) recordStats(ctx context.Context, at time.Time, d time.Duration, err error) {
	_, serr := c.repo.UpdateSyncStats(ctx, func(s *model.SyncStats) { s.Record(at, d, err) })
	if serr != nil {
		c.logger.Error().Err(serr).Msg("[Sync] Failed to update stats")
	}
}

// exponential waits base, 2*base, 4*base, ... with no randomisation
func exponential(base time.Duration, attempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(float64(base) * math.Pow(2, float64(attempts)))
	return b
}

func retryBudget(opts Options, attempts int) time.Duration {
	waits := time.Duration(float64(opts.RetryDelay) * math.Pow(2, float64(attempts)))
	return waits + opts.Timeout*time.Duration(attempts) + time.Minute
}
