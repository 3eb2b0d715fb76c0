package v1

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stacklok/handshake-coordinator/internal/api/common"
	"github.com/stacklok/handshake-coordinator/internal/events"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = pongWait * 9 / 10
	eventBuffer = 64
)

// eventFilter selects the streamed events; empty fields match everything
type eventFilter struct {
	resourceID string
	types      []events.Type
}

func parseEventFilter(q url.Values) (eventFilter, error) {
	f := eventFilter{resourceID: q.Get("resource")}
	for _, t := range q["type"] {
		if !slices.Contains(events.AllTypes, events.Type(t)) {
			return f, fmt.Errorf("unknown event type %q", t)
		}
		f.types = append(f.types, events.Type(t))
	}
	return f, nil
}

func (f eventFilter) matches(e events.Event) bool {
	if f.resourceID != "" && e.ResourceID != f.resourceID {
		return false
	}
	return len(f.types) == 0 || slices.Contains(f.types, e.Type)
}

// streamEvents handles GET /v1/events.
// The stream is write-only; slow clients lose events instead of blocking the publisher.
func (routes *Routes) streamEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEventFilter(r.URL.Query())
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	queue := make(chan events.Event, eventBuffer)
	var dropped atomic.Int64
	unsubscribe := routes.service.Subscribe(events.SubscriberFunc(func(e events.Event) {
		if !filter.matches(e) {
			return
		}
		select {
		case queue <- e:
		default:
			dropped.Add(1)
		}
	}))
	defer unsubscribe()

	conn, err := routes.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		slog.Debug("Event stream upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	defer func() {
		_ = conn.Close()
		if n := dropped.Load(); n > 0 {
			slog.Warn("Event stream dropped events", "remote_addr", r.RemoteAddr, "dropped", n)
		}
	}()

	closed := make(chan struct{})
	go readUntilClosed(conn, closed)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return

		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return

		case e := <-queue:
			ce, err := events.ToCloudEvent(e, routes.source)
			if err != nil {
				slog.Error("Failed to convert event", "event_type", e.Type, "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ce); err != nil {
				slog.Debug("Event stream write failed", "remote_addr", r.RemoteAddr, "error", err)
				return
			}

		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readUntilClosed consumes control frames and discards client messages
func readUntilClosed(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
