package httpserver

import (
	"log/slog"

	"github.com/coder/websocket"
)

func closeWebsocket(logger *slog.Logger, conn *websocket.Conn, code websocket.StatusCode, reason string) {
	if conn == nil {
		return
	}
	if err := conn.Close(code, reason); err != nil && logger != nil && !isNormalClose(err) {
		logger.Debug("websocket close failed", "err", err)
	}
}

// isNormalClose reports whether err is nil or the peer going away cleanly.
func isNormalClose(err error) bool {
	if err == nil {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
