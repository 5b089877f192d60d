package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"suiteplane/pkg/api"
)

const (
	sseKeepAlive = 15 * time.Second
	wsWriteWait  = 10 * time.Second
)

// WithAllowedOrigins sets which browser origins may open a WebSocket.
// "*" allows every origin.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Handlers) {
		if slices.Contains(origins, "*") {
			h.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
			return
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(origins, origin)
		}
	}
}

// GetProgress handles GET /executions/{id}/progress.
func (h *Handlers) GetProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := h.executionID(w, r)
	if !ok {
		return
	}
	snap, err := h.progress.Latest(r.Context(), id)
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toSnapshot(snap))
}

// StreamEvents handles GET /executions/{id}/events.
// Sends the current snapshot and every newer one as Server-Sent Events, and
// ends the stream after the terminal snapshot.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := h.executionID(w, r)
	if !ok {
		return
	}
	snapshots, err := h.progress.Subscribe(r.Context(), id)
	if err != nil {
		h.engineError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	// The stream outlives the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case snap, open := <-snapshots:
			if !open {
				return
			}
			data, err := json.Marshal(toSnapshot(snap))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\n", snap.Version)
			fmt.Fprintf(w, "event: %s\n", api.EventSnapshot)
			fmt.Fprintf(w, "data: %s\n\n", data)
			if err := rc.Flush(); err != nil {
				return
			}
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// StreamWebSocket handles GET /executions/{id}/ws.
// Each snapshot is one JSON text message; the server closes the connection
// normally after the terminal snapshot.
func (h *Handlers) StreamWebSocket(w http.ResponseWriter, r *http.Request) {
	id, ok := h.executionID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	snapshots, err := h.progress.Subscribe(ctx, id)
	if err != nil {
		h.engineError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		return
	}
	defer conn.Close()

	// Reading is only used to notice the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for snap := range snapshots {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(toSnapshot(snap)); err != nil {
			return
		}
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
