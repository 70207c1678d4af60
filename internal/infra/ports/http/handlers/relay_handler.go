package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/peerline/peerline/internal/application/constant"
	"github.com/peerline/peerline/internal/application/metric"
	"github.com/peerline/peerline/internal/hub"
	"github.com/peerline/peerline/internal/infra/appctx"
	"github.com/peerline/peerline/internal/relaywire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// RelayHandler upgrades clients to websocket and bridges frames to the hub.
type RelayHandler struct {
	hub *hub.Hub
}

func NewRelayHandler(h *hub.Hub) *RelayHandler {
	return &RelayHandler{hub: h}
}

func (h *RelayHandler) Serve(c echo.Context) error {
	userID, ok := appctx.UserID(c.Request().Context())
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	metric.IncrementWSActiveConnections()
	defer metric.DecrementWSActiveConnections()

	slog.Info("relay client connected", slog.String(constant.UserID, userID.String()))

	sub := h.hub.NewSubscriber()
	defer h.hub.Drop(sub)

	done := make(chan struct{})
	go h.writeLoop(conn, sub, done)
	defer close(done)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame relaywire.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn(
					"relay client read failed",
					slog.String(constant.UserID, userID.String()),
					slog.Any(constant.Error, err),
				)
			}
			return nil
		}

		switch frame.Op {
		case relaywire.OpSubscribe:
			h.hub.Subscribe(sub, frame.Channel)
		case relaywire.OpUnsubscribe:
			h.hub.Unsubscribe(sub, frame.Channel)
		case relaywire.OpPublish:
			h.publish(frame)
		default:
			slog.Warn(
				"unknown relay frame op",
				slog.String("op", string(frame.Op)),
				slog.String(constant.UserID, userID.String()),
			)
		}
	}
}

func (h *RelayHandler) publish(frame relaywire.Frame) {
	if !json.Valid(frame.Data) {
		slog.Warn(
			"dropping publish with invalid payload",
			slog.String(constant.Channel, frame.Channel),
		)
		return
	}

	h.hub.Publish(frame.Channel, frame.Data)
}

// writeLoop owns all writes on the connection, muxing hub deliveries and pings.
func (h *RelayHandler) writeLoop(conn *websocket.Conn, sub *hub.Subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case d, ok := <-sub.Out():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(d); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
