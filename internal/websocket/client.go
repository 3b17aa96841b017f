// Reolink Feed - Camera Detection Timeline and Recording Linker
// Copyright 2026 Jef Vlamings (jefvlamings)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jefvlamings/reolink-feed

package websocket

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/jefvlamings/reolink-feed/internal/logging"
	"github.com/jefvlamings/reolink-feed/internal/models"
	"github.com/jefvlamings/reolink-feed/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	// listQueryTimeout bounds a store read serving a client query.
	listQueryTimeout = 5 * time.Second

	defaultListLimit = 200
)

// clientIDCounter hands out monotonically increasing ids so broadcast
// order is stable across clients.
var clientIDCounter atomic.Uint64

// Client is the middleman between one websocket connection and the hub.
type Client struct {
	id   uint64
	hub  *Hub
	conn *websocket.Conn
	send chan Message
}

// NewClient wraps an upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:   clientIDCounter.Add(1),
		hub:  hub,
		conn: conn,
		send: make(chan Message, 256),
	}
}

// Start begins the read and write pumps.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// inboundMessage is a client request envelope; Data stays raw until
// the type is known.
type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// listItemsRequest mirrors the query parameters of the items API.
type listItemsRequest struct {
	Labels     []string `json:"labels,omitempty"`
	SinceHours int      `json:"since_hours,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

// readPump pumps messages from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg inboundMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Error().Err(err).Msg("unexpected websocket close error")
			}
			break
		}

		switch msg.Type {
		case MessageTypePing:
			c.reply(Message{Type: MessageTypePong})
		case MessageTypeListItems:
			c.handleListItems(msg.Data)
		}
	}
}

// handleListItems answers a timeline query inline on the read pump.
func (c *Client) handleListItems(data json.RawMessage) {
	var req listItemsRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			c.reply(Message{Type: MessageTypeError, Data: map[string]string{"error": "malformed list_items request"}})
			return
		}
	}

	filter := store.Filter{Limit: defaultListLimit}
	if req.Limit > 0 && req.Limit < defaultListLimit {
		filter.Limit = req.Limit
	}
	if req.SinceHours > 0 {
		filter.Since = time.Now().Add(-time.Duration(req.SinceHours) * time.Hour)
	}
	for _, raw := range req.Labels {
		if label, ok := models.NormalizeLabel(raw); ok {
			filter.Labels = append(filter.Labels, label)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), listQueryTimeout)
	defer cancel()
	items, err := c.hub.lister.List(ctx, filter)
	if err != nil {
		logging.Error().Err(err).Msg("websocket list query failed")
		c.reply(Message{Type: MessageTypeError, Data: map[string]string{"error": "query failed"}})
		return
	}
	c.reply(Message{Type: MessageTypeItemsList, Data: items})
}

func (c *Client) reply(msg Message) {
	select {
	case c.send <- msg:
	default:
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				logging.Error().Err(err).Msg("failed to write JSON message")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
