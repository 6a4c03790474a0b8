package main

import (
	"github.com/rs/zerolog/log"

	"urlsentry/internal/model"
)

// buildOverview derives dashboard figures from the check history (newest first).
// Up/down and the average response time describe the latest batch; uptime spans the whole history.
func buildOverview(history []model.CheckBatch) overview {
	if len(history) == 0 {
		log.Debug().Msg("[Stats] No check history yet")
		return overview{}
	}

	latest := history[0]
	var o overview
	o.ServicesUp = latest.Summary.Active
	o.ServicesDown = latest.Summary.Inactive

	var totalLatency, responded int64
	for _, r := range latest.Results {
		if r.Status == model.StatusActive && r.LatencyMs > 0 {
			totalLatency += r.LatencyMs
			responded++
		}
	}
	if responded > 0 {
		o.AvgResponseTime = totalLatency / responded
	}

	var active, total int
	for _, b := range history {
		active += b.Summary.Active
		total += b.Summary.Total
	}
	if total > 0 {
		o.OverallUptime = float64(active) / float64(total) * 100
	}

	log.Debug().Int("batches", len(history)).Float64("uptime", o.OverallUptime).
		Int64("avg_ms", o.AvgResponseTime).Msg("[Stats] Calculated overview")
	return o
}
