package model

import "time"

// Snapshot is the last-known item list for the configured source
type Snapshot struct {
	Items       []Item    `json:"items"`
	Fingerprint string    `json:"fingerprint"`
	CapturedAt  time.Time `json:"capturedAt"`
}

// ChangeSet is the classified diff between two snapshots. It is never persisted.
type ChangeSet struct {
	Added    []Item `json:"added"`
	Removed  []Item `json:"removed"`
	Modified []Item `json:"modified"`
}

// Empty reports whether nothing changed
func (c ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Modified) == 0
}

// ProbeStatus is the liveness classification of a single probe
type ProbeStatus string

const (
	StatusActive   ProbeStatus = "active"
	StatusInactive ProbeStatus = "inactive"
	StatusError    ProbeStatus = "error"
)

// ProbeResult is the immutable outcome of probing one URL
type ProbeResult struct {
	Identity   string      `json:"identity"`
	URL        string      `json:"url"`
	Status     ProbeStatus `json:"status"`
	StatusCode *int        `json:"statusCode,omitempty"` // nil on transport failures
	LatencyMs  int64       `json:"latencyMs"`
	ErrorKind  ErrorKind   `json:"errorKind,omitempty"`
	Error      string      `json:"error,omitempty"`
	At         time.Time   `json:"at"`
}

// CheckType tells the webhook receiver what triggered a cycle
type CheckType string

const (
	CheckScheduled CheckType = "scheduled"
	CheckManual    CheckType = "manual"
)

// Summary counts the results of a CheckBatch. Inactive includes errored probes.
type Summary struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
}

// CheckBatch is one full cycle worth of probe results
type CheckBatch struct {
	ID         string        `json:"id"`
	CheckType  CheckType     `json:"checkType"`
	Background bool          `json:"isBackground"`
	Results    []ProbeResult `json:"results"`
	Summary    Summary       `json:"summary"`
	At         time.Time     `json:"at"`
}

// Summarize counts results by status
func Summarize(results []ProbeResult) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.Status == StatusActive {
			s.Active++
		}
	}
	s.Inactive = s.Total - s.Active
	return s
}

// DeliveryAttempt is a pending or retrying webhook delivery
type DeliveryAttempt struct {
	ID             string     `json:"id"`
	Batch          CheckBatch `json:"batch"`
	Endpoint       string     `json:"endpoint"`
	AttemptsMade   int        `json:"attemptsMade"`
	NextAttemptAt  time.Time  `json:"nextAttemptAt"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastError      string     `json:"lastError,omitempty"`
	LastStatusCode *int       `json:"lastStatusCode,omitempty"`
}

// Retry records one scheduled retry of a delivery
type Retry struct {
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
	Error   string        `json:"error"`
}

// DeliveryOutcome is what Deliver reports back to the calling cycle
type DeliveryOutcome struct {
	Attempt    DeliveryAttempt `json:"attempt"`
	Delivered  bool            `json:"delivered"`
	StatusCode int             `json:"statusCode,omitempty"`
	Retries    []Retry         `json:"retries,omitempty"`
	Archived   bool            `json:"archived"`
}

// FailedDelivery is an archived attempt in the bounded failed log
type FailedDelivery struct {
	EntryID    uint64          `json:"entryId"`
	Attempt    DeliveryAttempt `json:"attempt"`
	ArchivedAt time.Time       `json:"archivedAt"`
}

// SyncStats tracks sync outcomes
type SyncStats struct {
	TotalSyncs          int64     `json:"totalSyncs"`
	SuccessfulSyncs     int64     `json:"successfulSyncs"`
	FailedSyncs         int64     `json:"failedSyncs"`
	ConsecutiveFailures int64     `json:"consecutiveFailures"`
	LastSyncAt          time.Time `json:"lastSyncAt"`
	LastSuccessAt       time.Time `json:"lastSuccessAt"`
	LastError           string    `json:"lastError,omitempty"`
	AverageDurationMs   float64   `json:"averageDuration"`
}

// Record folds one sync outcome into the stats
func (s *SyncStats) Record(at time.Time, d time.Duration, err error) {
	s.TotalSyncs++
	s.LastSyncAt = at
	s.AverageDurationMs = rollingAverage(s.AverageDurationMs, s.TotalSyncs, d)
	if err != nil {
		s.FailedSyncs++
		s.ConsecutiveFailures++
		s.LastError = err.Error()
		return
	}
	s.SuccessfulSyncs++
	s.ConsecutiveFailures = 0
	s.LastSuccessAt = at
	s.LastError = ""
}

// ServiceStats tracks check cycles and webhook deliveries
type ServiceStats struct {
	TotalChecks         int64     `json:"totalChecks"`
	TotalProbes         int64     `json:"totalProbes"`
	ActiveProbes        int64     `json:"activeProbes"`
	SuccessfulCallbacks int64     `json:"successfulCallbacks"`
	FailedCallbacks     int64     `json:"failedCallbacks"`
	ConsecutiveFailures int64     `json:"consecutiveFailures"`
	LastCheckAt         time.Time `json:"lastCheckAt"`
	AverageDurationMs   float64   `json:"averageDuration"`
}

// RecordCheck folds one completed cycle into the stats
func (s *ServiceStats) RecordCheck(batch CheckBatch, d time.Duration) {
	s.TotalChecks++
	s.TotalProbes += int64(batch.Summary.Total)
	s.ActiveProbes += int64(batch.Summary.Active)
	s.LastCheckAt = batch.At
	s.AverageDurationMs = rollingAverage(s.AverageDurationMs, s.TotalChecks, d)
}

// RecordDelivery folds one delivery outcome into the stats
func (s *ServiceStats) RecordDelivery(delivered bool) {
	if delivered {
		s.SuccessfulCallbacks++
		s.ConsecutiveFailures = 0
		return
	}
	s.FailedCallbacks++
	s.ConsecutiveFailures++
}

// rollingAverage is a cumulative moving average; n already includes the new sample
func rollingAverage(avg float64, n int64, d time.Duration) float64 {
	if n <= 0 {
		return 0
	}
	ms := float64(d.Microseconds()) / 1000
	return avg + (ms-avg)/float64(n)
}
