package attach

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

// WebSocketHandler serves the protocol over websocket connections. Each
// text message carries one or more frame lines.
func WebSocketHandler(s *Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.logger.Error("websocket accept failed", "error", err)
			return
		}
		ws.SetReadLimit(maxFrameBytes)

		ctx := r.Context()
		conn := websocket.NetConn(ctx, ws, websocket.MessageText)
		s.logger.Info("websocket attach connected", "remote", r.RemoteAddr)
		if err := s.ServeConn(ctx, conn); err != nil {
			s.logger.Debug("websocket attach ended", "error", err)
		}
		_ = ws.Close(websocket.StatusNormalClosure, "")
	})
}

// DialWebSocket connects a client to a WebSocketHandler at url
// (ws:// or wss://).
func DialWebSocket(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", url, err)
	}
	ws.SetReadLimit(maxFrameBytes)
	// The connection outlives the dial context.
	conn := websocket.NetConn(context.Background(), ws, websocket.MessageText)
	return NewClient(conn, logger), nil
}
