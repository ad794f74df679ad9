package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pmkol/qcache/pkg/query"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsMaxMessage   = 1024
)

// wsMessage is sent to websocket clients.
type wsMessage struct {
	Type       string          `json:"type"` // "snapshot" or "revalidate_error"
	Status     string          `json:"status,omitempty"`
	Cache      string          `json:"cache,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	Loading    bool            `json:"loading,omitempty"`
	Refreshing bool            `json:"refreshing,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at,omitempty"`
}

// wsCommand is sent by websocket clients.
type wsCommand struct {
	Type string `json:"type"` // "refresh"
}

func snapshotMessage(s query.Snapshot[json.RawMessage]) wsMessage {
	m := wsMessage{
		Type:       "snapshot",
		Status:     s.Status.String(),
		Cache:      cacheStatus(s),
		Loading:    s.Loading(),
		Refreshing: s.Refreshing(),
		UpdatedAt:  s.UpdatedAt,
	}
	if s.HasData {
		m.Data = s.Data
	}
	if s.Err != nil {
		m.Error = s.Err.Error()
	}
	return m
}

// serveWS streams every state change of a query. Clients send
// {"type":"refresh"} to refresh the value.
func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	res, runner, key, ok := h.lookup(w, r)
	if !ok {
		return
	}
	opts, fetcher, ok := h.prepare(w, r, res, key)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has replied to the client.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessage)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	hd := query.Query(ctx, runner, cacheKey(key, r.URL.Query()), fetcher, opts)

	go func() {
		defer cancel()
		for {
			var cmd wsCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			switch cmd.Type {
			case "refresh":
				hd.Refresh()
			default:
				h.logger.Debug("unknown websocket command", zap.String("type", cmd.Type))
			}
		}
	}()

	write := func(m wsMessage) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(m) == nil
	}
	updates, errs := hd.Updates(), hd.Errors()
	for {
		select {
		case s, ok := <-updates:
			if !ok {
				return
			}
			if !write(snapshotMessage(s)) {
				return
			}
		case err, ok := <-errs:
			if !ok {
				return
			}
			if !write(wsMessage{Type: "revalidate_error", Error: err.Error()}) {
				return
			}
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}
