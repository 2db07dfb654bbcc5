package notify

import (
	"context"

	"github.com/mbd888/nirbhaya/internal/realtime"
)

// HubPublisher forwards events to connected WebSocket clients.
type HubPublisher struct {
	hub *realtime.Hub
}

// NewHubPublisher wraps hub.
func NewHubPublisher(hub *realtime.Hub) *HubPublisher {
	return &HubPublisher{hub: hub}
}

func (h *HubPublisher) Publish(_ context.Context, ev Event) error {
	h.hub.Broadcast(&realtime.Event{
		Type:      ev.Type,
		Key:       ev.Key,
		Timestamp: ev.At,
		Data:      ev.Data,
	})
	return nil
}
