// Package delivery posts check batches to the webhook endpoint with retries and a persisted queue.
//
// Delivery is at-least-once: an attempt is written to the pending queue before the first POST,
// so a crash mid-delivery replays it. Receivers de-duplicate on batchId / Idempotency-Key.
package delivery

import (
	"bytes"
	"context"
	"io"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"urlsentry/internal/config"
	"urlsentry/internal/events"
	"urlsentry/internal/httpclient"
	"urlsentry/internal/metrics"
	"urlsentry/internal/model"
	"urlsentry/internal/state"
)

// Options tunes delivery
type Options struct {
	MaxAttempts    int
	RetryDelay     time.Duration
	Jitter         bool
	Timeout        time.Duration // per POST
	StrictStatus   bool          // retry non-2xx responses
	FailedLogLimit int
	PendingMaxAge  time.Duration
	Device         config.Device
	CallbackName   string
}

// OptionsFrom maps engine options onto delivery options
func OptionsFrom(o config.Options) Options {
	return Options{
		MaxAttempts:    o.MaxRetries,
		RetryDelay:     o.RetryDelay(),
		Jitter:         o.DeliveryJitter,
		Timeout:        o.Timeout(),
		StrictStatus:   o.StrictDeliveryStatus,
		FailedLogLimit: o.FailedLogLimit,
		PendingMaxAge:  o.PendingMaxAge(),
		Device:         o.Device,
		CallbackName:   o.CallbackName,
	}
}

// Deliverer sends batches to a webhook endpoint
type Deliverer struct {
	client  *http.Client
	repo    *state.Repository
	sink    events.Sink
	metrics *metrics.Metrics
	clock   clockwork.Clock
	logger  zerolog.Logger

	mu   sync.RWMutex
	opts Options
}

// New creates a Deliverer. nil client/sink/clock use defaults; nil metrics records nothing.
func New(client *http.Client, repo *state.Repository, sink events.Sink, m *metrics.Metrics, clock clockwork.Clock, opts Options) *Deliverer {
	if client == nil {
		client = httpclient.New()
	}
	if sink == nil {
		sink = events.Discard{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Deliverer{
		client:  client,
		repo:    repo,
		sink:    sink,
		metrics: m,
		clock:   clock,
		logger:  log.Logger,
		opts:    opts,
	}
}

// Configure swaps the options used by subsequent deliveries
func (d *Deliverer) Configure(opts Options) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opts = opts
}

func (d *Deliverer) options() Options {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.opts
}

// Deliver posts batch to endpoint. It never fails the caller: exhausted attempts are archived
// to the failed log and reported in the outcome.
func (d *Deliverer) Deliver(ctx context.Context, batch model.CheckBatch, endpoint string) model.DeliveryOutcome {
	now := d.clock.Now()
	attempt := model.DeliveryAttempt{
		ID:            uuid.NewString(),
		Batch:         batch,
		Endpoint:      endpoint,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	return d.deliver(ctx, attempt)
}

// ResumePending replays attempts left in the pending queue by an interrupted process.
// Attempts older than PendingMaxAge are archived without replay.
func (d *Deliverer) ResumePending(ctx context.Context) ([]model.DeliveryOutcome, error) {
	pending, err := d.repo.Pending(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	opts := d.options()
	now := d.clock.Now()
	d.logger.Info().Int("count", len(pending)).Msg("[Delivery] Resuming pending deliveries")

	var outcomes []model.DeliveryOutcome
	for _, a := range pending {
		if opts.PendingMaxAge > 0 && now.Sub(a.CreatedAt) > opts.PendingMaxAge {
			d.logger.Warn().Str("attempt_id", a.ID).Str("batch_id", a.Batch.ID).Time("created_at", a.CreatedAt).
				Msg("[Delivery] Pending delivery too old, archiving without replay")
			a.LastError = "expired in pending queue"
			d.archive(ctx, a, opts)
			outcomes = append(outcomes, model.DeliveryOutcome{Attempt: a, Archived: true})
			continue
		}
		outcomes = append(outcomes, d.deliver(ctx, a))
	}
	return outcomes, nil
}

// RetryFailed replays the failed log. Each entry is removed before it is re-delivered;
// a repeated failure archives it again.
func (d *Deliverer) RetryFailed(ctx context.Context) ([]model.DeliveryOutcome, error) {
	failed, err := d.repo.FailedDeliveries(ctx)
	if err != nil {
		return nil, err
	}

	outcomes := make([]model.DeliveryOutcome, 0, len(failed))
	for _, f := range failed {
		if err := d.repo.RemoveFailed(ctx, f.EntryID); err != nil {
			d.logger.Error().Err(err).Uint64("entry_id", f.EntryID).Msg("[Delivery] Failed to remove failed-log entry, skipping")
			continue
		}
		a := f.Attempt
		a.NextAttemptAt = d.clock.Now()
		outcomes = append(outcomes, d.deliver(ctx, a))
	}
	return outcomes, nil
}

func (d *Deliverer) deliver(ctx context.Context, attempt model.DeliveryAttempt) model.DeliveryOutcome {
	opts := d.options()
	outcome := model.DeliveryOutcome{}
	logger := d.logger.With().Str("attempt_id", attempt.ID).Str("batch_id", attempt.Batch.ID).
		Str("endpoint", attempt.Endpoint).Logger()

	body, err := NewPayload(attempt.Batch, opts.Device, opts.CallbackName).Encode()
	if err != nil {
		logger.Error().Err(err).Msg("[Delivery] Failed to encode payload")
		attempt.LastError = err.Error()
		d.archive(ctx, attempt, opts)
		outcome.Attempt, outcome.Archived = attempt, true
		return outcome
	}

	if err := d.repo.SavePending(ctx, attempt); err != nil {
		logger.Error().Err(err).Msg("[Delivery] Failed to persist pending delivery, continuing without it")
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	code, err := backoff.Retry(ctx,
		func() (int, error) {
			attempt.AttemptsMade++
			d.metrics.DeliveryAttempt()
			code, err := d.post(ctx, attempt, body, opts)
			attempt.LastStatusCode = nil
			if code != 0 {
				attempt.LastStatusCode = &code
			}
			if err != nil {
				attempt.LastError = err.Error()
				return code, err
			}
			attempt.LastError = ""
			return code, nil
		},
		backoff.WithBackOff(newLinearBackOff(opts.RetryDelay, opts.Jitter)),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(retryBudget(opts, maxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			outcome.Retries = append(outcome.Retries, model.Retry{
				Attempt: attempt.AttemptsMade,
				Delay:   next,
				Error:   err.Error(),
			})
			attempt.NextAttemptAt = d.clock.Now().Add(next)
			logger.Warn().Err(err).Int("attempt", attempt.AttemptsMade).Dur("retry_in", next).
				Msg("[Delivery] Delivery failed, will retry")
			if err := d.repo.SavePending(ctx, attempt); err != nil {
				logger.Error().Err(err).Msg("[Delivery] Failed to update pending delivery")
			}
		}),
	)
	outcome.StatusCode = code

	if err == nil {
		outcome.Delivered = true
		outcome.Attempt = attempt
		if err := d.repo.DeletePending(ctx, attempt.ID); err != nil {
			logger.Error().Err(err).Msg("[Delivery] Failed to clear pending delivery")
		}
		d.recordStats(ctx, true)
		d.metrics.ObserveDelivery(metrics.SuccessOutcome)
		logger.Info().Int("status_code", code).Int("attempts", attempt.AttemptsMade).Msg("[Delivery] Delivered")
		d.sink.Emit(events.Event{Name: events.DeliverySuccess, At: d.clock.Now(), Attempt: &attempt})
		return outcome
	}

	// Interrupted by shutdown: leave the pending record for ResumePending
	if ctx.Err() != nil {
		logger.Warn().Err(err).Int("attempts", attempt.AttemptsMade).Msg("[Delivery] Delivery interrupted, left in pending queue")
		outcome.Attempt = attempt
		return outcome
	}

	logger.Error().Err(err).Int("attempts", attempt.AttemptsMade).Msg("[Delivery] Retries exhausted, archiving")
	d.archive(ctx, attempt, opts)
	d.recordStats(ctx, false)
	outcome.Attempt = attempt
	outcome.Archived = true
	d.sink.Emit(events.Event{Name: events.DeliveryFailed, At: d.clock.Now(), Attempt: &attempt, Error: err.Error()})
	return outcome
}

// archive moves an attempt from the pending queue to the failed log
func (d *Deliverer) archive(ctx context.Context, a model.DeliveryAttempt, opts Options) {
	if err := d.repo.DeletePending(ctx, a.ID); err != nil {
		d.logger.Error().Err(err).Str("attempt_id", a.ID).Msg("[Delivery] Failed to clear pending delivery")
	}
	if _, err := d.repo.ArchiveFailed(ctx, a, opts.FailedLogLimit); err != nil {
		d.logger.Error().Err(err).Str("attempt_id", a.ID).Msg("[Delivery] Failed to archive delivery")
	}
	d.metrics.ObserveDelivery(metrics.ArchivedOutcome)
}

func (d *Deliverer) recordStats(ctx context.Context, delivered bool) {
	_, err := d.repo.UpdateServiceStats(ctx, func(s *model.ServiceStats) { s.RecordDelivery(delivered) })
	if err != nil {
		d.logger.Error().Err(err).Msg("[Delivery] Failed to update stats")
	}
}

// post sends one request. A non-2xx response is an error only in strict mode.
func (d *Deliverer) post(ctx context.Context, a model.DeliveryAttempt, body []byte, opts Options) (int, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, backoff.Permanent(&model.NetworkError{Op: "deliver", Kind: model.KindInvalidURL, Err: err})
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", a.Batch.ID)
	req.Header.Set("User-Agent", httpclient.UserAgent())

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, &model.NetworkError{Op: "deliver", Kind: httpclient.Classify(err), Err: err}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	if opts.StrictStatus && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		return resp.StatusCode, &model.NetworkError{Op: "deliver", Kind: model.KindNetwork, StatusCode: resp.StatusCode}
	}
	return resp.StatusCode, nil
}

// retryBudget bounds the whole retry loop generously so MaxAttempts is what stops it
func retryBudget(opts Options, attempts int) time.Duration {
	n := time.Duration(attempts)
	waits := opts.RetryDelay * n * (n + 1) // twice the linear sum, covers jitter
	return waits + opts.Timeout*n + time.Minute
}

// linearBackOff waits base*n before retry n, optionally adding up to 50% jitter
type linearBackOff struct {
	base    time.Duration
	jitter  bool
	attempt int
}

func newLinearBackOff(base time.Duration, jitter bool) *linearBackOff {
	return &linearBackOff{base: base, jitter: jitter}
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	d := b.base * time.Duration(b.attempt)
	if b.jitter && d > 1 {
		d += time.Duration(rand.Int64N(int64(d / 2)))
	}
	return d
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}
