// ABOUTME: WebSocket session between the terminal and the gateway
// ABOUTME: Sends typed lines as message frames and prints every envelope received

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/protocol"
)

// Client is one connection to the gateway.
type Client struct {
	conn   *websocket.Conn
	out    io.Writer
	render *renderer

	mu      sync.Mutex
	session string
}

// Dial connects to cfg.URL, authenticating with the bearer token.
func Dial(ctx context.Context, cfg *Config, out io.Writer) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, cfg.URL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + cfg.Token}},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.URL, err)
	}
	conn.SetReadLimit(1 << 20)
	return &Client{
		conn:    conn,
		out:     out,
		render:  newRenderer(!cfg.NoColor),
		session: cfg.Session,
	}, nil
}

// Session returns the session the gateway last bound this client to.
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Run reads lines from in until EOF, ":quit", or the connection closes.
func (c *Client) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(ctx)
		cancel()
	}()

	if s := c.Session(); s != "" {
		if err := c.send(ctx, protocol.InboundFrame{Type: protocol.TypeBindSession, SessionID: s}); err != nil {
			return err
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return c.finish(readErr)
		case line, ok := <-lines:
			if !ok {
				return c.close(readErr)
			}
			frame, quit := c.frameFor(line)
			if quit {
				return c.close(readErr)
			}
			if frame == nil {
				continue
			}
			if err := c.send(ctx, *frame); err != nil {
				return c.finish(readErr)
			}
		}
	}
}

// frameFor maps an input line to a frame. Local directives start with ':'.
func (c *Client) frameFor(line string) (frame *protocol.InboundFrame, quit bool) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil, false
	case line == ":quit" || line == ":q":
		return nil, true
	case line == ":ping":
		return &protocol.InboundFrame{Type: protocol.TypePing}, false
	case strings.HasPrefix(line, ":bind "):
		return &protocol.InboundFrame{
			Type:      protocol.TypeBindSession,
			SessionID: strings.TrimSpace(strings.TrimPrefix(line, ":bind ")),
		}, false
	}
	return &protocol.InboundFrame{
		Type:        protocol.TypeMessage,
		SessionID:   c.Session(),
		Content:     line,
		ClientMsgID: uuid.NewString(),
	}, false
}

func (c *Client) send(ctx context.Context, f protocol.InboundFrame) error {
	return wsjson.Write(ctx, c.conn, f)
}

func (c *Client) readLoop(ctx context.Context) error {
	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, c.conn, &env); err != nil {
			return err
		}
		if env.SessionID != "" {
			c.mu.Lock()
			c.session = env.SessionID
			c.mu.Unlock()
		}
		if text := c.render.envelope(&env); text != "" {
			fmt.Fprintln(c.out, text)
		}
	}
}

// close ends the connection normally and waits for the read loop.
func (c *Client) close(readErr <-chan error) error {
	_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
	<-readErr
	return nil
}

// finish reports why the server ended the connection.
func (c *Client) finish(readErr <-chan error) error {
	err := <-readErr
	_ = c.conn.CloseNow()
	switch status := websocket.CloseStatus(err); status {
	case websocket.StatusNormalClosure:
		return nil
	case -1:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	default:
		return fmt.Errorf("connection closed by gateway: %s", c.render.closeReason(int(status)))
	}
}
