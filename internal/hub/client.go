package hub

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Client 把一个 WebSocket 连接绑定到 Hub 中的会话。
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	session *Session
	log     *logrus.Entry
}

// NewClient 创建一个新的 Client 实例
func NewClient(hub *Hub, conn *websocket.Conn, session *Session) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		session: session,
		log: logrus.WithFields(logrus.Fields{
			"board_id":   session.BoardID(),
			"user_id":    session.UserID(),
			"session_id": session.ID(),
		}),
	}
}

// Run 启动客户端的读写 goroutine
func (c *Client) Run() {
	go c.WritePump()
	go c.ReadPump()
}

// ReadPump 读取客户端命令并按顺序交给会话处理。
// 连接断开时请求 Hub 注销会话。
func (c *Client) ReadPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		if !c.hub.Unregister(c.session) {
			// Hub 队列已满时直接拆除，避免会话泄漏
			c.hub.Discard(c.session)
		}
		c.conn.Close()
		c.log.Info("readPump exited, unregistered session")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("WebSocket read error (unexpected close)")
			} else {
				c.log.Debug("WebSocket connection closed normally or read error")
			}
			return
		}

		if messageType != websocket.TextMessage {
			c.log.Debugf("Received non-text message type: %d", messageType)
			continue
		}
		c.log.Debugf("Received command (size: %d)", len(message))
		c.session.Handle(ctx, message)
	}
}

// WritePump 将会话发送队列中的消息写入 WebSocket 连接，并定期发送 Ping。
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Info("writePump exited")
	}()

	send := c.session.Send()
	for {
		select {
		case message, ok := <-send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// 会话已被 Hub 关闭
				c.log.Info("Hub closed send channel")
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.WithError(err).Warn("Failed to write message to websocket")
				return
			}
			_ = c.conn.SetWriteDeadline(time.Time{})

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.WithError(err).Warn("Failed to send ping message")
				return
			}
			_ = c.conn.SetWriteDeadline(time.Time{})
		}
	}
}

// CloseConn 关闭底层连接。
func (c *Client) CloseConn() { c.conn.Close() }
