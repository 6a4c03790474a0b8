// Package metrics defines the prometheus collectors for the engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"urlsentry/internal/model"
)

// Names
const (
	SyncCounter                = "urlsentry_syncs_total"
	SyncDurationHistogram      = "urlsentry_sync_duration_seconds"
	ProbeCounter               = "urlsentry_probes_total"
	CycleDurationHistogram     = "urlsentry_check_cycle_duration_seconds"
	DeliveryCounter            = "urlsentry_deliveries_total"
	DeliveryAttemptCounter     = "urlsentry_delivery_attempts_total"
	SnapshotItemsGauge         = "urlsentry_snapshot_items"
	FingerprintMismatchCounter = "urlsentry_fingerprint_mismatches_total"
)

// Labels
const (
	OutcomeLabel = "outcome"
	StatusLabel  = "status"
	ReasonLabel  = "reason"
)

// Label Values
const (
	SuccessOutcome  = "success"
	FailureOutcome  = "failure"
	ArchivedOutcome = "archived"
)

// Metrics holds every collector. A nil *Metrics records nothing.
type Metrics struct {
	Syncs                 *prometheus.CounterVec
	SyncDuration          prometheus.Histogram
	Probes                *prometheus.CounterVec
	CycleDuration         prometheus.Histogram
	Deliveries            *prometheus.CounterVec
	DeliveryAttempts      prometheus.Counter
	SnapshotItems         prometheus.Gauge
	FingerprintMismatches prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg skips registration.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: SyncCounter,
			Help: "Counter for the number of syncs (and their outcome and failure reason).",
		}, []string{OutcomeLabel, ReasonLabel}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    SyncDurationHistogram,
			Help:    "Duration of sync calls including retries.",
			Buckets: prometheus.DefBuckets,
		}),
		Probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: ProbeCounter,
			Help: "Counter for the number of URL probes by resulting status.",
		}, []string{StatusLabel}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    CycleDurationHistogram,
			Help:    "Duration of complete check cycles.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: DeliveryCounter,
			Help: "Counter for the number of webhook deliveries by final outcome.",
		}, []string{OutcomeLabel}),
		DeliveryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: DeliveryAttemptCounter,
			Help: "Counter for individual webhook POST attempts, including retries.",
		}),
		SnapshotItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: SnapshotItemsGauge,
			Help: "Number of items in the current snapshot.",
		}),
		FingerprintMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: FingerprintMismatchCounter,
			Help: "Counter for stored snapshots whose fingerprint did not match their items.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.Syncs, m.SyncDuration, m.Probes, m.CycleDuration,
			m.Deliveries, m.DeliveryAttempts, m.SnapshotItems, m.FingerprintMismatches,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) ObserveSync(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.SyncDuration.Observe(d.Seconds())
	if err != nil {
		m.Syncs.WithLabelValues(FailureOutcome, string(model.ReasonFor(err))).Inc()
		return
	}
	m.Syncs.WithLabelValues(SuccessOutcome, "").Inc()
}

func (m *Metrics) SetSnapshotItems(n int) {
	if m == nil {
		return
	}
	m.SnapshotItems.Set(float64(n))
}

func (m *Metrics) FingerprintMismatch() {
	if m == nil {
		return
	}
	m.FingerprintMismatches.Inc()
}

func (m *Metrics) ObserveCycle(batch model.CheckBatch, d time.Duration) {
	if m == nil {
		return
	}
	m.CycleDuration.Observe(d.Seconds())
	for _, r := range batch.Results {
		m.Probes.WithLabelValues(string(r.Status)).Inc()
	}
}

func (m *Metrics) DeliveryAttempt() {
	if m == nil {
		return
	}
	m.DeliveryAttempts.Inc()
}

func (m *Metrics) ObserveDelivery(outcome string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(outcome).Inc()
}
