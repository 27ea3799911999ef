// ABOUTME: SSE streaming endpoint delivering hub events to subscribers
// ABOUTME: Keepalive comment frames stop proxies from idling the connection out

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/harborlabs/atoll/internal/hub"
)

func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	scope, err := hub.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub := g.hub.Subscribe(r.Context(), scope)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, ": connected scope=%s\n\n", scope)
	flusher.Flush()

	keepalive := time.NewTicker(g.config.Hub.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()

		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			g.writeSSEEvent(w, event)
			flusher.Flush()
		}
	}
}

func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event *hub.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", event.Kind)
	fmt.Fprintf(w, "data: %s\n\n", data)
}
