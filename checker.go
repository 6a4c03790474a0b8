package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rs/zerolog/log"

	"urlsentry/internal/engine"
)

// runOnce replays pending deliveries, then performs a single sync followed by a single manual
// check and writes the batch to out.
// A failed sync is logged and the check runs against the last stored snapshot.
func runOnce(ctx context.Context, eng *engine.Engine, staticItems int, out io.Writer) error {
	if err := eng.Options().ValidateForStart(staticItems); err != nil {
		return err
	}

	if _, err := eng.ResumePendingDeliveries(ctx); err != nil {
		log.Warn().Err(err).Msg("[Checker] Failed to replay pending deliveries")
	}

	changes, err := eng.RunSyncNow(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("[Checker] Sync failed, checking last known snapshot")
	} else {
		log.Info().Int("added", len(changes.Added)).Int("removed", len(changes.Removed)).
			Int("modified", len(changes.Modified)).Msg("[Checker] Sync completed")
	}

	batch, err := eng.RunCheckNow(ctx)
	if err != nil {
		return err
	}
	log.Info().Str("batch_id", batch.ID).Int("total", batch.Summary.Total).
		Int("active", batch.Summary.Active).Int("inactive", batch.Summary.Inactive).Msg("[Checker] Check completed")

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(batch)
}
