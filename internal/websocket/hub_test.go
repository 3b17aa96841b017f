// Reolink Feed - Camera Detection Timeline and Recording Linker
// Copyright 2026 Jef Vlamings (jefvlamings)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jefvlamings/reolink-feed

package websocket

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/jefvlamings/reolink-feed/internal/logging"
	"github.com/jefvlamings/reolink-feed/internal/models"
	"github.com/jefvlamings/reolink-feed/internal/store"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{
		Level:  "info",
		Format: "console",
		Output: io.Discard,
	})
}

type stubLister struct {
	items []models.DetectionItem
}

func (l *stubLister) List(_ context.Context, _ store.Filter) ([]models.DetectionItem, error) {
	return l.items, nil
}

// setupHub starts a hub and stops it on test cleanup.
func setupHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(&stubLister{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	time.Sleep(10 * time.Millisecond)
	return hub
}

// createTestClient builds a client without a live connection; only the
// send channel matters for hub tests.
func createTestClient(hub *Hub) *Client {
	return &Client{id: clientIDCounter.Add(1), hub: hub, conn: nil, send: make(chan Message, 256)}
}

func registerClient(hub *Hub, client *Client) {
	hub.Register <- client
	time.Sleep(20 * time.Millisecond)
}

func receive(t *testing.T, client *Client) Message {
	t.Helper()
	select {
	case msg := <-client.send:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return Message{}
	}
}

func testDetectionItem() *models.DetectionItem {
	return &models.DetectionItem{
		ID:             "item-1",
		StartTS:        time.Now(),
		Label:          models.LabelPerson,
		SourceEntityID: "binary_sensor.front_door_person",
		CameraName:     "Front Door",
		Recording:      models.Recording{Status: models.RecordingPending},
	}
}

func TestItemLifecycleBroadcasts(t *testing.T) {
	hub := setupHub(t)
	client := createTestClient(hub)
	registerClient(hub, client)

	item := testDetectionItem()

	hub.ItemOpened(item)
	if msg := receive(t, client); msg.Type != MessageTypeItemOpened {
		t.Errorf("type = %q, want item_opened", msg.Type)
	}

	hub.ItemClosed(item)
	if msg := receive(t, client); msg.Type != MessageTypeItemClosed {
		t.Errorf("type = %q, want item_closed", msg.Type)
	}

	hub.RecordingResolved(item)
	if msg := receive(t, client); msg.Type != MessageTypeRecordingResolved {
		t.Errorf("type = %q, want recording_resolved", msg.Type)
	}

	hub.ItemDeleted(item.ID)
	msg := receive(t, client)
	if msg.Type != MessageTypeItemDeleted {
		t.Errorf("type = %q, want item_deleted", msg.Type)
	}
	data, ok := msg.Data.(map[string]string)
	if !ok || data["id"] != "item-1" {
		t.Errorf("deleted payload = %#v", msg.Data)
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	hub := setupHub(t)
	first := createTestClient(hub)
	second := createTestClient(hub)
	registerClient(hub, first)
	registerClient(hub, second)

	if hub.ClientCount() != 2 {
		t.Fatalf("clients = %d, want 2", hub.ClientCount())
	}

	hub.ItemOpened(testDetectionItem())
	for _, client := range []*Client{first, second} {
		if msg := receive(t, client); msg.Type != MessageTypeItemOpened {
			t.Errorf("type = %q, want item_opened", msg.Type)
		}
	}
}

func TestUnregisterRemovesClient(t *testing.T) {
	hub := setupHub(t)
	client := createTestClient(hub)
	registerClient(hub, client)

	hub.Unregister <- client
	time.Sleep(20 * time.Millisecond)

	if hub.ClientCount() != 0 {
		t.Fatalf("clients = %d after unregister, want 0", hub.ClientCount())
	}
	// The hub closed the send channel.
	if _, ok := <-client.send; ok {
		t.Error("send channel still open after unregister")
	}
}

func TestSlowClientIsDropped(t *testing.T) {
	hub := setupHub(t)
	slow := &Client{id: clientIDCounter.Add(1), hub: hub, send: make(chan Message)} // no buffer
	registerClient(hub, slow)

	hub.ItemOpened(testDetectionItem())
	time.Sleep(50 * time.Millisecond)

	if hub.ClientCount() != 0 {
		t.Fatalf("clients = %d, want 0 (stalled client dropped)", hub.ClientCount())
	}
}
