// Package websocket provides the WebSocket push feed the desktop UI uses to
// follow bulk action progress.
//
// Clients open a WebSocket connection to:
//
//	GET /progress/ws            — snapshots for every bulk group
//	GET /progress/ws?group=<id> — snapshots for one group, current state first
//
// Server → client frame:
//
//	{"type":"group_status","bulk_group_id":"...","total":N,"pending":N,
//	 "processing":N,"completed":N,"failed":N,"done":false}
//
// The client sends nothing; its read side only signals disconnect.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/trimbox/actionq/internal/types"
)

// ProgressSource is the slice of the queue service the feed needs.
type ProgressSource interface {
	GroupStatus(ctx context.Context, bulkGroupID string) (types.GroupStatus, error)
	SubscribeGroup(bulkGroupID string) (<-chan types.GroupStatus, func())
	SubscribeProgress() (<-chan types.GroupStatus, func())
}

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin WebSocket upgrade requests.
	// A request is considered same-origin when its Origin header matches the
	// Host header (scheme-agnostic). Requests without an Origin header
	// (e.g. from native clients) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client, allow
		}
		parsed, err := parseHost(origin)
		if err != nil {
			return false
		}
		return parsed == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Handler serves the progress feed endpoint.
type Handler struct {
	Source ProgressSource
	Logger *slog.Logger
}

// progressFrame is the JSON structure the server pushes to the client.
type progressFrame struct {
	Type string `json:"type"` // "group_status"
	types.GroupStatus
	Done bool `json:"done"`
}

func frame(gs types.GroupStatus) progressFrame {
	return progressFrame{Type: "group_status", GroupStatus: gs, Done: gs.Done()}
}

// ServeHTTP upgrades the connection and streams snapshots until the client
// disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	group := r.URL.Query().Get("group")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var (
		updates <-chan types.GroupStatus
		cancel  func()
	)
	if group != "" {
		updates, cancel = h.Source.SubscribeGroup(group)
	} else {
		updates, cancel = h.Source.SubscribeProgress()
	}
	defer cancel()

	// For a specific group, send where things stand right now so the client
	// does not wait for the next transition.
	if group != "" {
		gs, err := h.Source.GroupStatus(r.Context(), group)
		if err != nil {
			h.Logger.Warn("initial snapshot failed", "group", group, "error", err)
			return
		}
		if err := conn.WriteJSON(frame(gs)); err != nil {
			return
		}
	}

	// The read side only signals disconnect; frames from the client are
	// discarded.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case <-heartbeat.C:
			if err := conn.WriteControl(gorillaws.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case gs := <-updates:
			if err := conn.WriteJSON(frame(gs)); err != nil {
				return
			}
		}
	}
}

// DecodeFrame parses one pushed frame; exported for the desktop client side.
func DecodeFrame(raw []byte) (types.GroupStatus, bool, error) {
	var pf progressFrame
	if err := json.Unmarshal(raw, &pf); err != nil {
		return types.GroupStatus{}, false, err
	}
	return pf.GroupStatus, pf.Done, nil
}
