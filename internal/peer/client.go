package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rcliao/memory-mesh/internal/model"
)

// ErrPeer wraps an error reported by the remote node.
var ErrPeer = errors.New("peer error")

// Client is one connection to a peer. Calls are serialized; each sends one
// message and waits for its response.
type Client struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	nodeID string
}

// Dial connects to the peer at url (ws:// or wss://).
func Dial(ctx context.Context, url, nodeID string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessageSize)
	return &Client{conn: conn, nodeID: nodeID}, nil
}

// Broadcast pushes e to the peer and returns what the peer did with it.
func (c *Client) Broadcast(ctx context.Context, e model.MemoryEntry) (ApplyResult, error) {
	if !e.Public() {
		return "", fmt.Errorf("%w: %s", model.ErrPrivateEntry, e.Key)
	}
	reply, err := c.roundTrip(ctx, Message{Type: TypeBroadcast, From: c.nodeID, Entry: &e})
	if err != nil {
		return "", err
	}
	return reply.Result, nil
}

// Request asks the peer for public entries updated after since or missing
// from knownKeys.
func (c *Client) Request(ctx context.Context, since time.Time, knownKeys []string) ([]model.MemoryEntry, error) {
	reply, err := c.roundTrip(ctx, Message{Type: TypeRequest, From: c.nodeID, Since: since, KnownKeys: knownKeys})
	if err != nil {
		return nil, err
	}
	return reply.Entries, nil
}

func (c *Client) roundTrip(ctx context.Context, msg Message) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait + pongWait)
	}
	c.conn.SetWriteDeadline(deadline)
	c.conn.SetReadDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := c.conn.WriteJSON(msg); err != nil {
		return nil, fmt.Errorf("send %s: %w", msg.Type, err)
	}
	var reply Message
	if err := c.conn.ReadJSON(&reply); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read %s reply: %w", msg.Type, err)
	}
	if reply.Error != "" {
		return &reply, fmt.Errorf("%w: %s", ErrPeer, reply.Error)
	}
	return &reply, nil
}

// Close says goodbye and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}
