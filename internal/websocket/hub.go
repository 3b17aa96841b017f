// Reolink Feed - Camera Detection Timeline and Recording Linker
// Copyright 2026 Jef Vlamings (jefvlamings)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jefvlamings/reolink-feed

// Package websocket pushes detection item lifecycle events to
// connected UI clients and answers their timeline queries.
package websocket

import (
	"context"
	"sort"
	"sync"

	"github.com/jefvlamings/reolink-feed/internal/logging"
	"github.com/jefvlamings/reolink-feed/internal/metrics"
	"github.com/jefvlamings/reolink-feed/internal/models"
	"github.com/jefvlamings/reolink-feed/internal/store"
)

// Message types sent over the WebSocket.
const (
	MessageTypeItemOpened        = "item_opened"
	MessageTypeItemClosed        = "item_closed"
	MessageTypeItemDeleted       = "item_deleted"
	MessageTypeRecordingResolved = "recording_resolved"
	MessageTypeListItems         = "list_items"
	MessageTypeItemsList         = "items_list"
	MessageTypePing              = "ping"
	MessageTypePong              = "pong"
	MessageTypeError             = "error"
)

// Message is the WebSocket envelope.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// ItemLister answers timeline queries from clients.
type ItemLister interface {
	List(ctx context.Context, filter store.Filter) ([]models.DetectionItem, error)
}

// Hub maintains the set of active clients and broadcasts item
// lifecycle events to them. It implements the notifier surfaces of the
// feed engine and the recording resolver.
type Hub struct {
	lister ItemLister

	clients    map[*Client]bool
	broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates a hub answering list queries from lister.
func NewHub(lister ItemLister) *Hub {
	return &Hub{
		lister:     lister,
		broadcast:  make(chan Message, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// Serve runs the hub loop until the context ends; it satisfies the
// suture service contract. Client lifecycle events are drained before
// broadcasts so client state is consistent when a message fans out.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		default:
		}

		// Lifecycle first, non-blocking.
		select {
		case client := <-h.Register:
			h.addClient(client)
			continue
		case client := <-h.Unregister:
			h.removeClient(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		case client := <-h.Register:
			h.addClient(client)
		case client := <-h.Unregister:
			h.removeClient(client)
		case message := <-h.broadcast:
			h.broadcastToClients(message)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WSConnections.Set(float64(total))
	logging.Info().Int("total_clients", total).Msg("websocket client connected")
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WSConnections.Set(float64(total))
	logging.Info().Int("total_clients", total).Msg("websocket client disconnected")
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })
	for _, client := range clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()
	metrics.WSConnections.Set(0)
	logging.Info().Int("clients_closed", len(clients)).Msg("websocket hub stopped")
}

// broadcastToClients fans a message out to all clients in client-id
// order. A client whose send buffer is full is dropped; its write pump
// has stalled.
func (h *Hub) broadcastToClients(message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	var toRemove []*Client
	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			toRemove = append(toRemove, client)
		}
	}
	for _, client := range toRemove {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) enqueue(messageType string, data interface{}) {
	select {
	case h.broadcast <- Message{Type: messageType, Data: data}:
		metrics.WSBroadcasts.WithLabelValues(messageType).Inc()
	default:
		logging.Warn().Str("message_type", messageType).Msg("broadcast channel full, dropping message")
	}
}

// ItemOpened broadcasts a newly opened or reopened item.
func (h *Hub) ItemOpened(item *models.DetectionItem) {
	h.enqueue(MessageTypeItemOpened, item)
}

// ItemClosed broadcasts a closed item.
func (h *Hub) ItemClosed(item *models.DetectionItem) {
	h.enqueue(MessageTypeItemClosed, item)
}

// ItemDeleted broadcasts an item removal.
func (h *Hub) ItemDeleted(itemID string) {
	h.enqueue(MessageTypeItemDeleted, map[string]string{"id": itemID})
}

// RecordingResolved broadcasts a terminal recording resolution.
func (h *Hub) RecordingResolved(item *models.DetectionItem) {
	h.enqueue(MessageTypeRecordingResolved, item)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
