package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const devtoolsDialTimeout = 10 * time.Second

var wsUpgrade = websocket.Upgrader{
	// origin is enforced by CORS and the API key
	CheckOrigin: func(r *http.Request) bool { return true },
}

var wsDial = func(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	return conn, err
}

// HandleDevTools proxies a WebSocket client to the session's DevTools
// endpoint. The session stays in whatever state the pool has it in.
func (h *APIHandler) HandleDevTools(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	var endpoint string
	for _, info := range h.pool.Sessions() {
		if info.ID == id {
			endpoint = info.Endpoint
			break
		}
	}
	if endpoint == "" {
		h.respondError(w, http.StatusNotFound, "Session %s not found", id)
		return
	}

	dialCtx, cancel := context.WithTimeout(r.Context(), devtoolsDialTimeout)
	browserConn, err := wsDial(dialCtx, endpoint)
	cancel()
	if err != nil {
		h.logger.Warn("Failed to reach DevTools endpoint", zap.String("profile_id", id), zap.Error(err))
		h.respondError(w, http.StatusBadGateway, "Failed to reach DevTools endpoint")
		return
	}
	defer browserConn.Close()

	clientConn, err := wsUpgrade.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade DevTools client", zap.String("profile_id", id), zap.Error(err))
		return
	}
	defer clientConn.Close()

	logger := h.logger.With(zap.String("profile_id", id))
	logger.Info("DevTools client attached")

	errc := make(chan error, 2)
	go func() { errc <- pipeMessages(clientConn, browserConn) }()
	go func() { errc <- pipeMessages(browserConn, clientConn) }()

	err = <-errc
	if err != nil && !isNormalClose(err) {
		logger.Warn("DevTools proxy ended", zap.Error(err))
	}
	logger.Info("DevTools client detached")
	// closing both ends stops the other pipe
}

func pipeMessages(src, dst *websocket.Conn) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				// forward the close so the far end sees why
				msg := websocket.FormatCloseMessage(closeErr.Code, closeErr.Text)
				_ = dst.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			}
			return err
		}
		if err := dst.WriteMessage(messageType, message); err != nil {
			return err
		}
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
