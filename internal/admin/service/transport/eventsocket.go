package transport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"splinter/internal/admin/service"
)

// EventSocket pushes circuit.AdminEvent JSON frames to subscribed websocket
// clients, a best-effort transport for local dashboards and tests (spec.md
// §4.3's "event subscription function" made concrete over a real
// connection instead of only an in-process channel).
type EventSocket struct {
	svc    *service.Service
	logger *slog.Logger
}

// NewEventSocket builds an http.Handler that upgrades to a websocket and
// streams admin events until the client disconnects.
func NewEventSocket(svc *service.Service, logger *slog.Logger) *EventSocket {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventSocket{svc: svc, logger: logger}
}

func (e *EventSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		e.logger.Warn("eventsocket: accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := e.svc.SubscribeEvents(ctx)
	for evt := range sub.Events {
		writeCtx, writeCancel := context.WithTimeout(ctx, 5*time.Second)
		err := wsjson.Write(writeCtx, conn, evt)
		writeCancel()
		if err != nil {
			e.logger.Info("eventsocket: client disconnected", "error", err)
			return
		}
	}
	conn.Close(websocket.StatusNormalClosure, "subscription closed")
}
