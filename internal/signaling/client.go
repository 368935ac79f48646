package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/posecast/internal/config"
)

// identityWait bounds how long Dial waits for the identity assignment when
// ctx has no deadline.
const identityWait = 10 * time.Second

// Client is a node's connection to the relay. Writes are serialized; reads
// must come from a single goroutine.
type Client struct {
	conn     *websocket.Conn
	mu       sync.Mutex
	identity int
	role     config.Role
}

// Dial connects to the relay and waits for the identity assignment.
func Dial(ctx context.Context, url string) (*Client, error) {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(identityWait)
	}
	conn.SetReadDeadline(deadline)

	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}
	msg, err := Parse(data)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if msg.Kind != KindIdentity {
		conn.Close()
		return nil, fmt.Errorf("%w: expected identity first, got %s", ErrMalformedMessage, msg.Kind)
	}
	conn.SetReadDeadline(time.Time{})

	role := msg.Role
	if role == "" {
		// Relays that predate the role field only ever make identity 1
		// the receiver.
		role = config.RoleSender
		if msg.Identity == 1 {
			role = config.RoleReceiver
		}
	}

	return &Client{conn: conn, identity: msg.Identity, role: role}, nil
}

// Identity returns the identity the relay assigned.
func (c *Client) Identity() int { return c.identity }

// Role returns the role the relay assigned.
func (c *Client) Role() config.Role { return c.role }

// Send writes a session message to the relay.
func (c *Client) Send(msg Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Next blocks for the next session message. Malformed messages are returned
// with an error wrapping ErrMalformedMessage and the connection stays usable.
func (c *Client) Next() (Message, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return Message{}, fmt.Errorf("failed to read from relay: %w", err)
	}
	return Parse(data)
}

// Close says goodbye to the relay and closes the connection. The close
// frame is best-effort; the relay may already be gone.
func (c *Client) Close() error {
	c.mu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.mu.Unlock()

	return c.conn.Close()
}

// requireRole fails when the relay assigned a different role than wanted.
func (c *Client) requireRole(want config.Role) error {
	if c.role != want {
		return fmt.Errorf("relay assigned identity %d the %s role, need %s", c.identity, c.role, want)
	}
	return nil
}
