package ingestion

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antcode/antcode/pkg/log"
)

const (
	wsPingInterval  = 30 * time.Second
	wsPongTimeout   = 10 * time.Second
	wsWriteTimeout  = 5 * time.Second
	wsReadBufferLen = 1024
)

// StreamHandler upgrades a connection and streams one execution's live log
// lines to it, for UIs tailing a run in progress. The node-side push that
// triggers this (node/connect/v2's use_websocket flag) is a collaborator
// concern; this handler is the consuming end.
type StreamHandler struct {
	service  *Service
	upgrader websocket.Upgrader
}

// NewStreamHandler builds a handler backed by service.
func NewStreamHandler(service *Service) *StreamHandler {
	return &StreamHandler{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsReadBufferLen,
			WriteBufferSize: wsReadBufferLen,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeExecution upgrades r and streams log lines for executionID until the
// client disconnects.
func (h *StreamHandler) ServeExecution(w http.ResponseWriter, r *http.Request, executionID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithComponent("ingestion.stream").Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := h.service.Subscribe(executionID)
	defer h.service.Unsubscribe(sub)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case line, ok := <-sub.C():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
