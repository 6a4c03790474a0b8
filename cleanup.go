package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"urlsentry/internal/engine"
	"urlsentry/internal/store"
)

const gracefulTimeout = 30 * time.Second

// shutdown stops accepting requests, waits for running jobs and closes the store, in that order.
// Job flags stay persisted so the next boot can resume them.
func shutdown(server *http.Server, eng *engine.Engine, st store.Store) error {
	ctx, cancel := context.WithTimeout(context.Background(), gracefulTimeout)
	defer cancel()

	log.Info().Dur("timeout", gracefulTimeout).Msg("[Cleanup] Starting graceful shutdown")

	var errs []error
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("[Cleanup] Server forced to shut down")
		errs = append(errs, err)
	}
	if err := eng.Close(); err != nil {
		log.Error().Err(err).Msg("[Cleanup] Failed to stop scheduler")
		errs = append(errs, err)
	}
	if err := st.Close(); err != nil {
		log.Error().Err(err).Msg("[Cleanup] Failed to close store")
		errs = append(errs, err)
	}

	log.Info().Msg("[Cleanup] Shutdown complete")
	return errors.Join(errs...)
}
