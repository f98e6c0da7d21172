package fanout

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/agentctrl/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWebSocket upgrades the request and streams hub frames to the
// connection until it closes, discarding any inbound client messages --
// this is a broadcast-only channel, unlike the teacher's bidirectional
// dispatcher socket.
func (h *Hub) ServeWebSocket(c *gin.Context, subscriberID string, log *logger.Logger) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	sub, err := h.Subscribe(c.Request.Context(), subscriberID)
	if err != nil {
		_ = conn.Close()
		return
	}

	go readPump(conn, h, sub, log)
	writePump(conn, sub, log)
}

// readPump only watches for disconnect/pong keepalive; clients never send
// application messages over this socket.
func readPump(conn *websocket.Conn, h *Hub, sub *Subscriber, log *logger.Logger) {
	defer func() {
		h.Unsubscribe(sub)
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func writePump(conn *websocket.Conn, sub *Subscriber, log *logger.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case data, ok := <-sub.Recv():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
