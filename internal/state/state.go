// Package state gives typed access to everything the engine persists.
//
// Layout:
//
//	config                      options blob
//	snapshot                    items, fingerprint, timestamp
//	stats/sync, stats/service   stats blobs
//	jobs/<name>/enabled         per-job flag
//	device/id                   generated once
//	history/checks              bounded list of CheckBatch
//	deliveries/failed           bounded list of FailedDelivery
//	deliveries/pending/<id>     pending queue
package state

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"urlsentry/internal/config"
	"urlsentry/internal/model"
	"urlsentry/internal/store"
)

const (
	KeyConfig        = "config"
	KeySnapshot      = "snapshot"
	KeySyncStats     = "stats/sync"
	KeyServiceStats  = "stats/service"
	KeyDeviceID      = "device/id"
	ListHistory      = "history/checks"
	ListFailed       = "deliveries/failed"
	PrefixPending    = "deliveries/pending/"
	jobKeyPrefix     = "jobs/"
	jobEnabledSuffix = "/enabled"
)

// Repository wraps a Store with the engine's persisted layout
type Repository struct {
	store store.Store
	clock clockwork.Clock

	// statsMu serialises read-modify-write of the stats blobs
	statsMu sync.Mutex
	// deviceMu guards first-time device id generation
	deviceMu sync.Mutex
}

// New creates a Repository. A nil clock uses the real clock.
func New(s store.Store, clock clockwork.Clock) *Repository {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Repository{store: s, clock: clock}
}

// Store exposes the underlying store
func (r *Repository) Store() store.Store {
	return r.store
}

func storeErr(op, key string, err error) error {
	return &model.StoreError{Op: op, Key: key, Err: err}
}

// getJSON decodes key into v. found is false when the key does not exist.
func (r *Repository) getJSON(ctx context.Context, key string, v any) (found bool, err error) {
	data, err := r.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("get", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, storeErr("decode", key, err)
	}
	return true, nil
}

func (r *Repository) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return storeErr("encode", key, err)
	}
	if err := r.store.Put(ctx, key, data); err != nil {
		return storeErr("put", key, err)
	}
	return nil
}

// Options returns the persisted options, or false when none were saved yet
func (r *Repository) Options(ctx context.Context) (config.Options, bool, error) {
	var opts config.Options
	found, err := r.getJSON(ctx, KeyConfig, &opts)
	return opts, found, err
}

func (r *Repository) SaveOptions(ctx context.Context, opts config.Options) error {
	return r.putJSON(ctx, KeyConfig, opts)
}

// Snapshot returns the current snapshot. A missing snapshot is the empty one.
func (r *Repository) Snapshot(ctx context.Context) (model.Snapshot, error) {
	var snap model.Snapshot
	_, err := r.getJSON(ctx, KeySnapshot, &snap)
	return snap, err
}

// SaveSnapshot replaces the snapshot with a single write
func (r *Repository) SaveSnapshot(ctx context.Context, snap model.Snapshot) error {
	return r.putJSON(ctx, KeySnapshot, snap)
}

func (r *Repository) SyncStats(ctx context.Context) (model.SyncStats, error) {
	var s model.SyncStats
	_, err := r.getJSON(ctx, KeySyncStats, &s)
	return s, err
}

func (r *Repository) ServiceStats(ctx context.Context) (model.ServiceStats, error) {
	var s model.ServiceStats
	_, err := r.getJSON(ctx, KeyServiceStats, &s)
	return s, err
}

// UpdateSyncStats applies fn to the stored sync stats and writes the result back
func (r *Repository) UpdateSyncStats(ctx context.Context, fn func(*model.SyncStats)) (model.SyncStats, error) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	s, err := r.SyncStats(ctx)
	if err != nil {
		return s, err
	}
	fn(&s)
	return s, r.putJSON(ctx, KeySyncStats, s)
}

// UpdateServiceStats applies fn to the stored service stats and writes the result back
func (r *Repository) UpdateServiceStats(ctx context.Context, fn func(*model.ServiceStats)) (model.ServiceStats, error) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	s, err := r.ServiceStats(ctx)
	if err != nil {
		return s, err
	}
	fn(&s)
	return s, r.putJSON(ctx, KeyServiceStats, s)
}

// ResetStats zeroes both stats blobs
func (r *Repository) ResetStats(ctx context.Context) error {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	if err := r.putJSON(ctx, KeySyncStats, model.SyncStats{}); err != nil {
		return err
	}
	return r.putJSON(ctx, KeyServiceStats, model.ServiceStats{})
}

func jobKey(name string) string {
	return jobKeyPrefix + name + jobEnabledSuffix
}

// JobEnabled reports the persisted enabled flag of a job; unknown jobs are disabled
func (r *Repository) JobEnabled(ctx context.Context, name string) (bool, error) {
	var enabled bool
	_, err := r.getJSON(ctx, jobKey(name), &enabled)
	return enabled, err
}

func (r *Repository) SetJobEnabled(ctx context.Context, name string, enabled bool) error {
	return r.putJSON(ctx, jobKey(name), enabled)
}

// DeviceID returns the installation id, generating and persisting it on first use
func (r *Repository) DeviceID(ctx context.Context) (string, error) {
	r.deviceMu.Lock()
	defer r.deviceMu.Unlock()

	var id string
	found, err := r.getJSON(ctx, KeyDeviceID, &id)
	if err != nil {
		return "", err
	}
	if found && id != "" {
		return id, nil
	}
	id = uuid.NewString()
	return id, r.putJSON(ctx, KeyDeviceID, id)
}
