// ABOUTME: WebSocket endpoint bridging gorilla connections to the connection manager
// ABOUTME: One read pump and one write pump per socket, with ping and deadline handling

package gateway

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/auth"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/connection"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients are served from other origins; the token gates access.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsTransport adapts a gorilla connection to connection.Transport.
type wsTransport struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
}

// Close sends a close frame with code and reason, then drops the socket.
// WriteControl is safe to call concurrently with the write pump.
func (t *wsTransport) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	err := t.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.writeTimeout))
	if cerr := t.ws.Close(); err == nil {
		err = cerr
	}
	if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// handleWebSocket upgrades the request and registers the connection. Token
// failures are reported after the upgrade as a 4401 close so browser
// clients can see the reason.
func (g *Gateway) handleWebSocket(c echo.Context) error {
	token, tokenErr := auth.TokenFromRequest(c.Request())

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err, "remote", c.RealIP())
		return nil
	}
	ws.SetReadLimit(g.config.Connections.MaxMessageSize)
	t := &wsTransport{ws: ws, writeTimeout: g.config.Connections.WriteTimeout}

	if tokenErr != nil {
		_ = t.Close(protocol.CloseAuthRejected, "auth_rejected")
		return nil
	}
	conn, err := g.conns.Register(t, token)
	if err != nil {
		g.logger.Info("websocket authentication rejected", "remote", c.RealIP(), "error", err)
		_ = t.Close(protocol.CloseAuthRejected, "auth_rejected")
		return nil
	}

	go g.writePump(conn, ws)
	go g.readPump(conn, ws)
	return nil
}

// readPump decodes client frames and queues them for the connection's
// worker. It owns unregistration when the socket ends.
func (g *Gateway) readPump(c *connection.Conn, ws *websocket.Conn) {
	logger := g.logger.With("conn_id", c.ID, "user_id", c.UserID)
	defer g.conns.Unregister(c.ID)

	readTimeout := g.config.Connections.ReadTimeout
	renew := func() { _ = ws.SetReadDeadline(time.Now().Add(readTimeout)) }
	renew()
	ws.SetPongHandler(func(string) error {
		renew()
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				logger.Info("connection idle, closing")
				g.conns.Disconnect(c.ID, protocol.CloseIdleTimeout, "idle_timeout")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived):
				logger.Warn("websocket read error", "error", err)
			}
			return
		}
		renew()

		frame, err := protocol.DecodeInbound(data)
		if err != nil {
			g.sendError(c, protocol.CodeInvalidMessage, err.Error(), "")
			continue
		}
		if err := g.conns.Enqueue(c.ID, frame); err != nil {
			if errors.Is(err, connection.ErrBackpressure) {
				g.sendError(c, protocol.CodeBackpressure, "too many messages in flight; retry shortly", frame.ClientMsgID)
				continue
			}
			return
		}
	}
}

// writePump drains the outbound queue and keeps the socket alive with pings.
// It exits when the manager closes the queue.
func (g *Gateway) writePump(c *connection.Conn, ws *websocket.Conn) {
	writeTimeout := g.config.Connections.WriteTimeout
	ticker := time.NewTicker(g.config.Connections.PingInterval)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	out := c.Outbound()
	for {
		select {
		case env, ok := <-out:
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := ws.WriteJSON(env); err != nil {
				g.logger.Debug("websocket write failed", "conn_id", c.ID, "error", err)
				g.conns.Unregister(c.ID)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				g.conns.Unregister(c.ID)
				return
			}
		}
	}
}

func (g *Gateway) sendError(c *connection.Conn, code, message, clientMsgID string) {
	env, err := protocol.NewEnvelope(protocol.TypeError, c.SessionID(), protocol.ErrorPayload{
		Code:        code,
		Message:     message,
		ClientMsgID: clientMsgID,
	}, g.clock.Now())
	if err != nil {
		return
	}
	_ = g.conns.DeliverToConnection(c.ID, env)
}
