// Package engine wires the sync, check and delivery components behind one trigger API.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"urlsentry/internal/check"
	"urlsentry/internal/config"
	"urlsentry/internal/delivery"
	"urlsentry/internal/events"
	"urlsentry/internal/httpclient"
	"urlsentry/internal/metrics"
	"urlsentry/internal/model"
	"urlsentry/internal/probe"
	"urlsentry/internal/scheduler"
	"urlsentry/internal/source"
	"urlsentry/internal/state"
	"urlsentry/internal/store"
	"urlsentry/internal/syncer"
)

// Deps are the collaborators the host provides. Only Store is required.
type Deps struct {
	Store       store.Store
	Clock       clockwork.Clock
	HTTPClient  *http.Client
	Logger      *zerolog.Logger
	Registerer  prometheus.Registerer
	StaticItems []model.Item

	// IgnoreStoredOptions starts from the given options even if Configure persisted others
	IgnoreStoredOptions bool
}

// Stats is the operator view of counters and job states
type Stats struct {
	Sync    model.SyncStats            `json:"sync"`
	Service model.ServiceStats         `json:"service"`
	Jobs    map[string]scheduler.State `json:"jobs"`
}

// Engine is the single owner of all components
type Engine struct {
	repo      *state.Repository
	bus       *events.Bus
	metrics   *metrics.Metrics
	clock     clockwork.Clock
	client    *http.Client
	static    []model.Item
	syncer    *syncer.Coordinator
	deliverer *delivery.Deliverer
	sched     *scheduler.Scheduler
	logger    zerolog.Logger

	mu    sync.RWMutex
	opts  config.Options
	cycle *check.Orchestrator

	// one check cycle at a time
	checkMu sync.Mutex
}

// New builds every component. Options persisted by an earlier Configure take precedence over
// opts unless deps.IgnoreStoredOptions is set.
func New(ctx context.Context, deps Deps, opts config.Options) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	client := deps.HTTPClient
	if client == nil {
		client = httpclient.New()
	}
	logger := log.Logger
	if deps.Logger != nil {
		logger = *deps.Logger
	}

	m, err := metrics.New(deps.Registerer)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	repo := state.New(deps.Store, clock)
	if !deps.IgnoreStoredOptions {
		stored, found, err := repo.Options(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("[Engine] Failed to read stored configuration, using provided options")
		} else if found {
			logger.Info().Msg("[Engine] Using stored configuration")
			opts = stored
		}
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Device.ID == "" {
		id, err := repo.DeviceID(ctx)
		if err != nil {
			return nil, err
		}
		opts.Device.ID = id
	}

	bus := events.NewBus(0)
	e := &Engine{
		repo:    repo,
		bus:     bus,
		metrics: m,
		clock:   clock,
		client:  client,
		static:  deps.StaticItems,
		logger:  logger,
		opts:    opts,
	}
	e.cycle = e.orchestratorFor(opts)
	e.syncer = syncer.New(repo, e.fetcherFor(opts), bus, m, clock, syncer.OptionsFrom(opts))
	e.deliverer = delivery.New(client, repo, bus, m, clock, delivery.OptionsFrom(opts))

	e.sched, err = scheduler.New(repo, clock)
	if err != nil {
		return nil, err
	}
	e.sched.Register(scheduler.JobSync, e.scheduledSync)
	e.sched.Register(scheduler.JobCheck, e.scheduledCheck)

	e.logger.Info().Str("device_id", opts.Device.ID).Str("remote", opts.RemoteEndpoint).
		Int("static_items", len(deps.StaticItems)).Msg("[Engine] Engine initialized")
	return e, nil
}

func (e *Engine) orchestratorFor(opts config.Options) *check.Orchestrator {
	return check.New(probe.New(e.client, opts.ProbeMethod, e.clock), e.clock)
}

// fetcherFor prefers the remote endpoint and falls back to the static item list
func (e *Engine) fetcherFor(opts config.Options) source.Fetcher {
	switch {
	case opts.RemoteEndpoint != "":
		return source.NewHTTPFetcher(e.client, opts.RemoteEndpoint)
	case len(e.static) > 0:
		return source.Static(e.static)
	default:
		return nil
	}
}

func (e *Engine) current() (config.Options, *check.Orchestrator) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.opts, e.cycle
}

// Options returns the active configuration
func (e *Engine) Options() config.Options {
	opts, _ := e.current()
	return opts
}

// RunSyncNow syncs immediately, joining a sync already in flight
func (e *Engine) RunSyncNow(ctx context.Context) (model.ChangeSet, error) {
	return e.syncer.Sync(ctx)
}

// RunCheckNow runs a manual check cycle over the current snapshot and delivers the batch
func (e *Engine) RunCheckNow(ctx context.Context) (model.CheckBatch, error) {
	return e.runCheck(ctx, model.CheckManual, false)
}

func (e *Engine) runCheck(ctx context.Context, checkType model.CheckType, background bool) (model.CheckBatch, error) {
	e.checkMu.Lock()
	defer e.checkMu.Unlock()

	opts, cycle := e.current()
	snap, err := e.repo.Snapshot(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("[Engine] Cannot read snapshot, skipping check cycle")
		return model.CheckBatch{}, err
	}

	start := e.clock.Now()
	batch := cycle.RunCycle(ctx, snap.Items, check.Options{
		BatchSize:  opts.BatchSize,
		Jitter:     opts.Jitter(),
		Timeout:    opts.Timeout(),
		CheckType:  checkType,
		Background: background,
	})
	elapsed := e.clock.Since(start)

	if err := e.repo.AppendHistory(ctx, batch, opts.HistoryCap()); err != nil {
		e.logger.Error().Err(err).Str("batch_id", batch.ID).Msg("[Engine] Failed to record check history")
	}
	if _, err := e.repo.UpdateServiceStats(ctx, func(s *model.ServiceStats) { s.RecordCheck(batch, elapsed) }); err != nil {
		e.logger.Error().Err(err).Msg("[Engine] Failed to update service stats")
	}
	e.metrics.ObserveCycle(batch, elapsed)

	e.logger.Info().Str("batch_id", batch.ID).Str("check_type", string(checkType)).
		Int("total", batch.Summary.Total).Int("active", batch.Summary.Active).Int("inactive", batch.Summary.Inactive).
		Dur("duration", elapsed).Msg("[Engine] Check cycle completed")
	e.bus.Emit(events.Event{Name: events.CheckCompleted, At: batch.At, Batch: &batch})

	switch {
	case opts.CallbackEndpoint == "":
		e.logger.Debug().Msg("[Engine] No callback endpoint configured, skipping delivery")
	case len(batch.Results) == 0:
		e.logger.Debug().Msg("[Engine] Nothing was probed, skipping delivery")
	default:
		e.deliverer.Deliver(ctx, batch, opts.CallbackEndpoint)
	}
	return batch, nil
}

func (e *Engine) scheduledSync(ctx context.Context) {
	if _, err := e.syncer.Sync(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("[Engine] Scheduled sync failed")
	}
}

func (e *Engine) scheduledCheck(ctx context.Context) {
	if _, err := e.runCheck(ctx, model.CheckScheduled, true); err != nil {
		e.logger.Warn().Err(err).Msg("[Engine] Scheduled check failed")
	}
}

// Configure validates and persists opts, applies them to every component and re-arms running
// jobs with the new intervals.
func (e *Engine) Configure(ctx context.Context, opts config.Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	if opts.Device.ID == "" {
		opts.Device.ID = e.Options().Device.ID
	}
	if err := e.repo.SaveOptions(ctx, opts); err != nil {
		return err
	}

	cycle := e.orchestratorFor(opts)
	e.mu.Lock()
	e.opts = opts
	e.cycle = cycle
	e.mu.Unlock()

	e.syncer.Configure(e.fetcherFor(opts), syncer.OptionsFrom(opts))
	e.deliverer.Configure(delivery.OptionsFrom(opts))

	err := errors.Join(
		e.sched.Rearm(ctx, scheduler.JobSync, opts.SyncInterval()),
		e.sched.Rearm(ctx, scheduler.JobCheck, opts.CheckInterval()),
	)
	e.logger.Info().Str("remote", opts.RemoteEndpoint).Str("callback", opts.CallbackEndpoint).
		Dur("check_interval", opts.CheckInterval()).Dur("sync_interval", opts.SyncInterval()).
		Msg("[Engine] Configuration updated")
	return err
}

// Start replays deliveries left pending by a previous process, syncs once and arms both jobs.
// The first check runs right after that sync so it probes the fresh snapshot.
func (e *Engine) Start(ctx context.Context) error {
	opts := e.Options()
	if err := opts.ValidateForStart(len(e.static)); err != nil {
		return err
	}

	// a pending record that cannot be read stays queued for the next Start or Wake
	if _, err := e.ResumePendingDeliveries(ctx); err != nil {
		e.logger.Error().Err(err).Msg("[Engine] Failed to replay pending deliveries")
	}

	if err := e.sched.Enable(ctx, scheduler.JobSync, opts.SyncInterval()); err != nil {
		return err
	}
	if _, err := e.syncer.Sync(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("[Engine] Initial sync failed, checking last known snapshot")
	}
	if err := e.sched.Start(ctx, scheduler.JobCheck, opts.CheckInterval()); err != nil {
		return err
	}
	e.logger.Info().Msg("[Engine] Monitoring started")
	return nil
}

// Stop cancels both timers. Runs in flight finish on their own.
func (e *Engine) Stop(ctx context.Context) error {
	err := errors.Join(
		e.sched.Stop(ctx, scheduler.JobSync),
		e.sched.Stop(ctx, scheduler.JobCheck),
	)
	e.logger.Info().Msg("[Engine] Monitoring stopped")
	return err
}

// Wake handles re-entry after the host was suspended or restarted: enabled jobs get their
// timers back, pending deliveries are replayed and one sync and check cycle runs.
func (e *Engine) Wake(ctx context.Context) error {
	opts := e.Options()
	var errs []error

	for _, j := range []struct {
		name     string
		interval time.Duration
	}{
		{scheduler.JobSync, opts.SyncInterval()},
		{scheduler.JobCheck, opts.CheckInterval()},
	} {
		armed, err := e.sched.Resume(ctx, j.name, j.interval)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if armed {
			e.logger.Info().Str("job", j.name).Dur("interval", j.interval).Msg("[Engine] Job resumed")
		}
	}

	if _, err := e.ResumePendingDeliveries(ctx); err != nil {
		e.logger.Error().Err(err).Msg("[Engine] Failed to replay pending deliveries")
		errs = append(errs, err)
	}

	if opts.ValidateForStart(len(e.static)) == nil {
		if _, err := e.syncer.Sync(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("[Engine] Wake sync failed")
		}
		if _, err := e.runCheck(ctx, model.CheckScheduled, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ResumePendingDeliveries re-delivers attempts a previous process left in the pending queue
func (e *Engine) ResumePendingDeliveries(ctx context.Context) ([]model.DeliveryOutcome, error) {
	outcomes, err := e.deliverer.ResumePending(ctx)
	if len(outcomes) > 0 {
		delivered := 0
		for _, o := range outcomes {
			if o.Delivered {
				delivered++
			}
		}
		e.logger.Info().Int("replayed", len(outcomes)).Int("delivered", delivered).Msg("[Engine] Pending deliveries replayed")
	}
	return outcomes, err
}

// Snapshot returns the stored item list
func (e *Engine) Snapshot(ctx context.Context) (model.Snapshot, error) {
	return e.repo.Snapshot(ctx)
}

// Stats returns both counter sets and the job states
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	syncStats, err := e.repo.SyncStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	serviceStats, err := e.repo.ServiceStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Sync:    syncStats,
		Service: serviceStats,
		Jobs: map[string]scheduler.State{
			scheduler.JobSync:  e.sched.State(scheduler.JobSync),
			scheduler.JobCheck: e.sched.State(scheduler.JobCheck),
		},
	}, nil
}

// ResetStats zeroes both counter sets
func (e *Engine) ResetStats(ctx context.Context) error {
	return e.repo.ResetStats(ctx)
}

// History returns recent check batches, newest first
func (e *Engine) History(ctx context.Context) ([]model.CheckBatch, error) {
	return e.repo.History(ctx)
}

// FailedDeliveries returns the failed log, oldest first
func (e *Engine) FailedDeliveries(ctx context.Context) ([]model.FailedDelivery, error) {
	return e.repo.FailedDeliveries(ctx)
}

// RetryFailedDeliveries replays every entry of the failed log
func (e *Engine) RetryFailedDeliveries(ctx context.Context) ([]model.DeliveryOutcome, error) {
	return e.deliverer.RetryFailed(ctx)
}

// Subscribe returns a channel of engine events and a function that releases it
func (e *Engine) Subscribe() (<-chan events.Event, func()) {
	return e.bus.Subscribe()
}

// Close stops all timers and waits for running jobs. The store is left to the caller.
func (e *Engine) Close() error {
	return e.sched.Shutdown()
}
