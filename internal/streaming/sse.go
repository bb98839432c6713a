package streaming

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// SSEHandler streams hub events as Server-Sent Events. The optional query
// parameters execution_id and types (comma separated) narrow the stream.
func SSEHandler(hub EventHub, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		filter := EventFilter{ExecutionID: r.URL.Query().Get("execution_id")}
		if types := r.URL.Query().Get("types"); types != "" {
			for _, t := range strings.Split(types, ",") {
				if t = strings.TrimSpace(t); t != "" {
					filter.EventTypes = append(filter.EventTypes, t)
				}
			}
		}

		ch, cancel, err := hub.Subscribe(r.Context(), filter)
		if err != nil {
			logger.Error("SSE subscribe failed", "error", err)
			http.Error(w, "subscribe failed", http.StatusInternalServerError)
			return
		}
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(event)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Sequence, event.Type, data)
				flusher.Flush()
			}
		}
	})
}
