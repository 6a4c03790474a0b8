package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"urlsentry/internal/engine"
	"urlsentry/internal/model"
)

// api serves the HTTP trigger API on top of the engine
type api struct {
	chi.Router
	eng *engine.Engine

	// closed on server shutdown so open event streams return
	done      chan struct{}
	closeOnce sync.Once
}

func newRouter(eng *engine.Engine, gatherer prometheus.Gatherer) *api {
	a := &api{Router: chi.NewRouter(), eng: eng, done: make(chan struct{})}

	a.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, requestLogger, cors)

	a.Route("/api", func(r chi.Router) {
		r.Post("/sync", a.runSync)
		r.Post("/check", a.runCheck)
		r.Get("/config", a.getConfig)
		r.Put("/config", a.putConfig)
		r.Post("/start", a.start)
		r.Post("/stop", a.stop)
		r.Post("/wake", a.wake)
		r.Get("/stats", a.getStats)
		r.Delete("/stats", a.resetStats)
		r.Get("/history", a.getHistory)
		r.Get("/snapshot", a.getSnapshot)
		r.Get("/deliveries/failed", a.getFailedDeliveries)
		r.Post("/deliveries/retry", a.retryDeliveries)
		r.Get("/events", a.streamEvents)
	})
	a.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
	})
	if gatherer != nil {
		a.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return a
}

// closeStreams ends every open event stream; it is registered with http.Server.RegisterOnShutdown
func (a *api) closeStreams() {
	a.closeOnce.Do(func() { close(a.done) })
}

// requestLogger logs each request once it has been served
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		log.Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).Msg("[API] Request served")
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Cache-Control")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("[API] Failed to encode response")
	}
}

// writeError maps engine errors onto HTTP statuses
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		cfgErr   *model.ConfigError
		syncErr  *model.SyncError
		storeErr *model.StoreError
	)
	status := http.StatusInternalServerError
	resp := errorResponse{Error: err.Error()}

	switch {
	case errors.As(err, &cfgErr):
		status = http.StatusBadRequest
		resp.Field = cfgErr.Field
	case errors.As(err, &syncErr):
		status = http.StatusBadGateway
	case errors.As(err, &storeErr):
		status = http.StatusInternalServerError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}

	log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Msg("[API] Request failed")
	writeJSON(w, status, resp)
}

func (a *api) runSync(w http.ResponseWriter, r *http.Request) {
	cs, err := a.eng.RunSyncNow(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{
		Added:    len(cs.Added),
		Removed:  len(cs.Removed),
		Modified: len(cs.Modified),
		Changes:  cs,
	})
}

func (a *api) runCheck(w http.ResponseWriter, r *http.Request) {
	batch, err := a.eng.RunCheckNow(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (a *api) getConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.eng.Options())
}

// putConfig decodes the body onto the current options, so partial updates keep other fields
func (a *api) putConfig(w http.ResponseWriter, r *http.Request) {
	opts := a.eng.Options()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&opts); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if err := a.eng.Configure(r.Context(), opts); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.eng.Options())
}

func (a *api) start(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Start(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "started"})
}

func (a *api) stop(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Stop(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "stopped"})
}

func (a *api) wake(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Wake(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "awake"})
}

func (a *api) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.eng.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	history, err := a.eng.History(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Stats: stats, Overview: buildOverview(history)})
}

func (a *api) resetStats(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.ResetStats(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) getHistory(w http.ResponseWriter, r *http.Request) {
	history, err := a.eng.History(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if history == nil {
		history = []model.CheckBatch{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (a *api) getSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := a.eng.Snapshot(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *api) getFailedDeliveries(w http.ResponseWriter, r *http.Request) {
	failed, err := a.eng.FailedDeliveries(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if failed == nil {
		failed = []model.FailedDelivery{}
	}
	writeJSON(w, http.StatusOK, failed)
}

func (a *api) retryDeliveries(w http.ResponseWriter, r *http.Request) {
	outcomes, err := a.eng.RetryFailedDeliveries(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := retryResponse{Retried: len(outcomes), Outcomes: outcomes}
	if resp.Outcomes == nil {
		resp.Outcomes = []model.DeliveryOutcome{}
	}
	for _, o := range outcomes {
		if o.Delivered {
			resp.Delivered++
		}
		if o.Archived {
			resp.Archived++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
