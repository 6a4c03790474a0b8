package state

import (
	"context"
	"encoding/json"
	"sort"

	"urlsentry/internal/model"
)

// AppendHistory records a completed batch, keeping at most limit entries
func (r *Repository) AppendHistory(ctx context.Context, batch model.CheckBatch, limit int) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return storeErr("encode", ListHistory, err)
	}
	if _, err := r.store.Append(ctx, ListHistory, data, limit); err != nil {
		return storeErr("append", ListHistory, err)
	}
	return nil
}

// History returns recorded batches, newest first
func (r *Repository) History(ctx context.Context) ([]model.CheckBatch, error) {
	entries, err := r.store.Entries(ctx, ListHistory)
	if err != nil {
		return nil, storeErr("entries", ListHistory, err)
	}
	out := make([]model.CheckBatch, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		var b model.CheckBatch
		if err := json.Unmarshal(entries[i].Value, &b); err != nil {
			return nil, storeErr("decode", ListHistory, err)
		}
		out = append(out, b)
	}
	return out, nil
}

func pendingKey(id string) string {
	return PrefixPending + id
}

// SavePending writes (or replaces) a pending delivery attempt
func (r *Repository) SavePending(ctx context.Context, a model.DeliveryAttempt) error {
	return r.putJSON(ctx, pendingKey(a.ID), a)
}

func (r *Repository) DeletePending(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, pendingKey(id)); err != nil {
		return storeErr("delete", pendingKey(id), err)
	}
	return nil
}

// Pending returns every queued attempt, oldest first
func (r *Repository) Pending(ctx context.Context) ([]model.DeliveryAttempt, error) {
	keys, err := r.store.Keys(ctx, PrefixPending)
	if err != nil {
		return nil, storeErr("keys", PrefixPending, err)
	}
	out := make([]model.DeliveryAttempt, 0, len(keys))
	for _, k := range keys {
		var a model.DeliveryAttempt
		found, err := r.getJSON(ctx, k, &a)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ArchiveFailed moves an attempt into the bounded failed log
func (r *Repository) ArchiveFailed(ctx context.Context, a model.DeliveryAttempt, limit int) (uint64, error) {
	rec := model.FailedDelivery{Attempt: a, ArchivedAt: r.clock.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, storeErr("encode", ListFailed, err)
	}
	id, err := r.store.Append(ctx, ListFailed, data, limit)
	if err != nil {
		return 0, storeErr("append", ListFailed, err)
	}
	return id, nil
}

// FailedDeliveries returns the failed log, oldest first
func (r *Repository) FailedDeliveries(ctx context.Context) ([]model.FailedDelivery, error) {
	entries, err := r.store.Entries(ctx, ListFailed)
	if err != nil {
		return nil, storeErr("entries", ListFailed, err)
	}
	out := make([]model.FailedDelivery, 0, len(entries))
	for _, e := range entries {
		var f model.FailedDelivery
		if err := json.Unmarshal(e.Value, &f); err != nil {
			return nil, storeErr("decode", ListFailed, err)
		}
		f.EntryID = e.ID
		out = append(out, f)
	}
	return out, nil
}

func (r *Repository) RemoveFailed(ctx context.Context, entryID uint64) error {
	if err := r.store.Remove(ctx, ListFailed, entryID); err != nil {
		return storeErr("remove", ListFailed, err)
	}
	return nil
}
