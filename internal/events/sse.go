package events

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Handler returns an http.Handler serving text/event-stream, one
// `event: <name>` line and one `data: <json event>` line per published
// event, for as long as the client
// stays connected. This is the SSE console surface SPEC_FULL.md adds on
// top of the file-backed event log.
func (b *Bus) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		_, ch, unsubscribe := b.Subscribe()
		defer unsubscribe()

		// Send the headers now so the client sees the stream open before
		// the first event arrives.
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
				flusher.Flush()
			}
		}
	})
}
