package mailbox

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amurg-ai/agentwire/pkg/protocol"
)

// StreamPath is the relay's websocket endpoint.
const StreamPath = "/v1/mailbox/ws"

func (c *Client) streamURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + StreamPath
}

// stream holds a websocket open, dispatching pushed envelopes and acking the
// ones that may be removed. It returns when the connection drops or ctx ends.
func (c *Client) stream(ctx context.Context) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := dialer.DialContext(ctx, c.streamURL(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			c.mu.Lock()
			c.token = ""
			c.mu.Unlock()
			return ErrUnauthorized
		}
		return fmt.Errorf("dial mailbox stream: %w", err)
	}
	defer conn.Close()
	c.setConnected(true)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var frame protocol.StreamFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read mailbox stream: %w", err)
		}
		if frame.Type != protocol.FrameEnvelope || frame.Envelope == nil {
			c.logger.Debug("ignoring stream frame", "type", frame.Type)
			continue
		}
		if !c.process(ctx, frame.Envelope) {
			continue
		}
		ack := protocol.StreamFrame{Type: protocol.FrameAck, UUID: frame.Envelope.UUID}
		if err := conn.WriteJSON(ack); err != nil {
			return fmt.Errorf("ack envelope %s: %w", frame.Envelope.UUID, err)
		}
	}
}
