package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Stream upgrades GET /v1/ws to a WebSocket and relays every frame the hub
// addresses to the connection. Client messages are ignored.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	accountID := callerID(r)
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: a.origins,
	})
	if err != nil {
		a.logger.Warn("websocket accept failed", zap.String("account_id", accountID), zap.Error(err))
		return
	}
	defer ws.CloseNow()

	conn := a.hub.Open(accountID)
	defer a.hub.Close(conn.ID())
	defer a.engine.OnConnectionClosed(accountID, conn.ID())

	ctx := ws.CloseRead(r.Context())

	if err := a.engine.OnConnectionOpened(ctx, accountID, conn.ID()); err != nil {
		a.logger.Warn("connection setup failed", zap.String("account_id", accountID), zap.Error(err))
		_ = ws.Close(websocket.StatusTryAgainLater, "temporarily unavailable")
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-conn.Frames():
			if !ok {
				_ = ws.Close(websocket.StatusGoingAway, "connection closed")
				return
			}
			if err := write(ctx, ws, frame); err != nil {
				a.logPeerError(accountID, err)
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Ping(pctx)
			cancel()
			if err != nil {
				a.logPeerError(accountID, err)
				return
			}
		}
	}
}

func write(ctx context.Context, ws *websocket.Conn, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, frame)
}

func (a *API) logPeerError(accountID string, err error) {
	if errors.Is(err, context.Canceled) || websocket.CloseStatus(err) != -1 {
		return
	}
	a.logger.Debug("websocket write failed", zap.String("account_id", accountID), zap.Error(err))
}
