// Package events distributes policy change notifications: in-process to
// websocket subscribers via the Hub, and across services via Kafka.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Change types emitted by the policy store.
const (
	PolicyRegistered = "policy.registered"
	PolicyUpdated    = "policy.updated"
	PolicyDeleted    = "policy.deleted"
)

// PolicyChange describes one mutation of the registered policy set.
type PolicyChange struct {
	Type                   string   `json:"type"`
	PolicyID               string   `json:"policy_id"`
	BusinessPartnerNumbers []string `json:"business_partner_numbers,omitempty"`
	At                     string   `json:"at"`
}

func NewPolicyChange(changeType, policyID string, bpns []string) PolicyChange {
	return PolicyChange{
		Type:                   changeType,
		PolicyID:               policyID,
		BusinessPartnerNumbers: bpns,
		At:                     time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func (c PolicyChange) Marshal() []byte {
	b, _ := json.Marshal(c)
	return b
}

// Hub fans a change out to every subscriber. Slow subscribers drop
// events instead of blocking the publisher.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan PolicyChange]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan PolicyChange]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan PolicyChange {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan PolicyChange, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan PolicyChange) {
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

func (h *Hub) Publish(change PolicyChange) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- change:
		default:
		}
	}
}
