package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"urlsentry/internal/events"
)

// keepaliveInterval is how often an idle stream gets a comment line
var keepaliveInterval = 30 * time.Second

// streamEvents streams engine events as Server-Sent Events. Each message is the JSON event,
// whose "type" field carries the event name.
func (a *api) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := a.eng.Subscribe()
	defer unsubscribe()

	clientID := fmt.Sprintf("%s-%d", r.RemoteAddr, time.Now().UnixNano())
	log.Info().Str("client_id", clientID).Str("user_agent", r.UserAgent()).Msg("[SSE] Client connected")

	fmt.Fprint(w, "data: {\"type\":\"connected\"}\n\n")
	flusher.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	start := time.Now()
	sent := 0
	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				log.Error().Err(err).Str("client_id", clientID).Str("event", ev.Name).Msg("[SSE] Failed to encode event")
				continue
			}
			flusher.Flush()
			sent++
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			log.Info().Str("client_id", clientID).Dur("duration", time.Since(start)).Int("sent", sent).
				Msg("[SSE] Client disconnected")
			return
		case <-a.done:
			log.Info().Str("client_id", clientID).Int("sent", sent).Msg("[SSE] Closing stream for shutdown")
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
