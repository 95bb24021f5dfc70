package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	ws "github.com/coder/websocket"

	"github.com/efox/shoplist/internal/model"
	"github.com/efox/shoplist/internal/workspace"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
)

// command is a client-to-server frame.
type command struct {
	Action string `json:"action"`
	ListID string `json:"listId,omitempty"`
}

// Client represents a single WebSocket connection bound to one user's
// workspace.
type Client struct {
	hub    *Hub
	conn   *ws.Conn
	uid    string
	ws     *workspace.Workspace
	send   chan []byte
	cancel context.CancelFunc
}

// NewClient creates a Client tied to the given hub, connection and
// workspace.
func NewClient(hub *Hub, conn *ws.Conn, wsp *workspace.Workspace) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		uid:  wsp.UID,
		ws:   wsp,
		send: make(chan []byte, sendBufferSize),
	}
}

// Run registers the client, wires it to the workspace stores, starts the
// write pump and runs the read pump. It blocks until the connection is
// closed, then unregisters.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	defer cancel()

	unsubLists := c.ws.Lists.Watch(func(lists []model.ShoppingList) {
		c.enqueue(Message{Type: "lists_snapshot", Lists: lists})
	})
	defer unsubLists()
	unsubItems := c.ws.Items.Watch(func(items []model.ListItem) {
		c.enqueue(Message{Type: "items_snapshot", Items: items, ListID: c.ws.Items.ActiveListID()})
	})
	defer unsubItems()

	// Seed the connection with the current state.
	c.enqueue(Message{Type: "lists_snapshot", Lists: c.ws.Lists.Lists()})
	if active := c.ws.Items.ActiveListID(); active != "" {
		c.enqueue(Message{Type: "items_snapshot", Items: c.ws.Items.Items(), ListID: active})
	}

	go c.writePump(ctx)
	c.readPump(ctx)
}

// enqueue marshals and queues a message, dropping it if the client cannot
// keep up. A later snapshot supersedes a dropped one anyway.
func (c *Client) enqueue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.hub.logger.Error("marshal websocket message", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// readPump parses incoming commands until the connection closes.
func (c *Client) readPump(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.enqueue(Message{Type: "error", Error: "malformed command"})
			continue
		}
		c.handleCommand(cmd)
	}
}

func (c *Client) handleCommand(cmd command) {
	switch cmd.Action {
	case "set_active_list":
		if cmd.ListID == "" {
			c.enqueue(Message{Type: "error", Error: "listId required"})
			return
		}
		// Subscribe with the workspace context: the selection outlives
		// this connection when the workspace is shared.
		if err := c.ws.Items.SetActiveList(c.ws.Context(), cmd.ListID); err != nil {
			c.enqueue(Message{Type: "error", Error: err.Error()})
			return
		}
		c.enqueue(Message{Type: "active_list", ListID: cmd.ListID})
	case "clear_active_list":
		if err := c.ws.Items.SetActiveList(c.ws.Context(), ""); err != nil && !errors.Is(err, context.Canceled) {
			c.enqueue(Message{Type: "error", Error: err.Error()})
			return
		}
		c.enqueue(Message{Type: "active_list"})
	default:
		c.enqueue(Message{Type: "error", Error: "unknown action"})
	}
}

// writePump drains the send channel and writes messages to the WebSocket.
// It also sends periodic pings to detect stale connections.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			if err := c.conn.Write(ctx, ws.MessageText, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			c.conn.Close(ws.StatusNormalClosure, "session ended")
			return
		}
	}
}
