package main

import (
	"urlsentry/internal/engine"
	"urlsentry/internal/model"
)

// errorResponse is the body of every non-2xx API response
type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// statusResponse acknowledges trigger calls that return no data
type statusResponse struct {
	Status string `json:"status"`
}

// syncResponse is returned by POST /api/sync
type syncResponse struct {
	Added    int             `json:"added"`
	Removed  int             `json:"removed"`
	Modified int             `json:"modified"`
	Changes  model.ChangeSet `json:"changes"`
}

// overview summarises recent check history for dashboards
type overview struct {
	OverallUptime   float64 `json:"overallUptime"`
	ServicesUp      int     `json:"servicesUp"`
	ServicesDown    int     `json:"servicesDown"`
	AvgResponseTime int64   `json:"avgResponseTime"`
}

// statsResponse is returned by GET /api/stats
type statsResponse struct {
	engine.Stats
	Overview overview `json:"overview"`
}

// retryResponse is returned by POST /api/deliveries/retry
type retryResponse struct {
	Retried   int                     `json:"retried"`
	Delivered int                     `json:"delivered"`
	Archived  int                     `json:"archived"`
	Outcomes  []model.DeliveryOutcome `json:"outcomes"`
}
