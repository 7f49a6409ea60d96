package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"dataspace/pkg/models"
)

const (
	TypeAgreementCreated = "agreement.created"
	TypeAccessGranted    = "access.granted"
	TypeMessageRejected  = "message.rejected"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Hub fans negotiation events out to websocket subscribers. Slow
// subscribers lose events rather than block the publisher.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// AgreementCreated publishes a concluded agreement to all subscribers.
func (h *Hub) AgreementCreated(ctx context.Context, ag models.ContractAgreement) {
	h.Publish(NewEvent(TypeAgreementCreated, map[string]any{
		"agreement_id": ag.ID,
		"consumer":     ag.Consumer,
		"provider":     ag.Provider,
		"artifacts":    ag.Artifacts,
	}))
}

// AccessGranted publishes one successful artifact delivery.
func (h *Hub) AccessGranted(ctx context.Context, agreementID, artifactID string, count int64) {
	h.Publish(NewEvent(TypeAccessGranted, map[string]any{
		"agreement_id": agreementID,
		"artifact_id":  artifactID,
		"count":        count,
	}))
}
