package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/stratequeue/stratequeue/internal/events"
)

// EventsStreamHandler streams runtime events to clients over Server-Sent
// Events.
type EventsStreamHandler struct {
	bus *events.Bus
	log zerolog.Logger
}

// NewEventsStreamHandler creates the SSE handler.
func NewEventsStreamHandler(bus *events.Bus, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{
		bus: bus,
		log: log.With().Str("component", "events_stream").Logger(),
	}
}

// ServeHTTP handles GET /api/events/stream. The optional "types" query
// parameter is a comma-separated filter of event types.
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var types []events.EventType
	if filter := r.URL.Query().Get("types"); filter != "" {
		for _, t := range strings.Split(filter, ",") {
			types = append(types, events.EventType(strings.TrimSpace(t)))
		}
	}

	sub := h.bus.Subscribe(100, types...)
	defer sub.Close()

	h.log.Info().Str("types", r.URL.Query().Get("types")).Msg("Client connected to event stream")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			h.log.Debug().Msg("Event stream client disconnected")
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				h.log.Warn().Err(err).Str("event_type", string(evt.Type)).Msg("Failed to encode event")
				continue
			}
			if _, err := w.Write([]byte("event: " + string(evt.Type) + "\ndata: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
