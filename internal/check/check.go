// Package check runs one probing cycle over a list of items.
package check

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"urlsentry/internal/model"
)

// Prober checks a single URL and never fails
type Prober interface {
	Probe(ctx context.Context, url string, timeout time.Duration) model.ProbeResult
}

// Options tunes one cycle
type Options struct {
	BatchSize  int
	Jitter     time.Duration // upper bound of the random delay before each probe
	Timeout    time.Duration // per probe
	CheckType  model.CheckType
	Background bool
}

// Orchestrator fans probes out in bounded batches
type Orchestrator struct {
	prober Prober
	clock  clockwork.Clock
	logger zerolog.Logger
	jitter func(max time.Duration) time.Duration
}

// New creates an Orchestrator. A nil clock uses the real clock.
func New(p Prober, clock clockwork.Clock) *Orchestrator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Orchestrator{
		prober: p,
		clock:  clock,
		logger: log.Logger,
		jitter: randomJitter,
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

// RunCycle probes every item and returns a batch with exactly one result per item, in input order.
// Batches run one after another; probes inside a batch run concurrently.
func (o *Orchestrator) RunCycle(ctx context.Context, items []model.Item, opts Options) model.CheckBatch {
	batchSize := opts.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	checkType := opts.CheckType
	if checkType == "" {
		checkType = model.CheckScheduled
	}

	batch := model.CheckBatch{
		ID:         uuid.NewString(),
		CheckType:  checkType,
		Background: opts.Background,
		Results:    make([]model.ProbeResult, len(items)),
	}
	start := o.clock.Now()

	for lo := 0; lo < len(items); lo += batchSize {
		hi := min(lo+batchSize, len(items))

		var g errgroup.Group
		g.SetLimit(batchSize)
		for i := lo; i < hi; i++ {
			g.Go(func() error {
				batch.Results[i] = o.probeOne(ctx, items[i], opts)
				return nil
			})
		}
		_ = g.Wait()

		o.logger.Debug().Str("batch_id", batch.ID).Int("from", lo).Int("to", hi).Msg("[Check] Batch completed")
	}

	batch.Summary = model.Summarize(batch.Results)
	batch.At = o.clock.Now()
	o.logger.Info().Str("batch_id", batch.ID).Str("check_type", string(checkType)).
		Int("total", batch.Summary.Total).Int("active", batch.Summary.Active).Int("inactive", batch.Summary.Inactive).
		Dur("duration", o.clock.Since(start)).Msg("[Check] Cycle completed")
	return batch
}

func (o *Orchestrator) probeOne(ctx context.Context, it model.Item, opts Options) model.ProbeResult {
	if d := o.jitter(opts.Jitter); d > 0 {
		select {
		case <-ctx.Done():
		case <-o.clock.After(d):
		}
	}

	var r model.ProbeResult
	if err := ctx.Err(); err != nil {
		r = model.ProbeResult{
			URL:       it.URL,
			Status:    model.StatusError,
			ErrorKind: model.KindCancelled,
			Error:     err.Error(),
			At:        o.clock.Now(),
		}
	} else {
		r = o.prober.Probe(ctx, it.URL, opts.Timeout)
	}
	r.Identity = it.Identity
	return r
}
