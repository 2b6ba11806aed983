// Package telemetry publishes charger status and events over MQTT.
package telemetry

import (
	"encoding/json"
	"time"

	"chargectl/internal/charger"
)

// Topic suffixes under the configured prefix.
const (
	TopicStatus       = "status"
	TopicEvents       = "events"
	TopicAvailability = "availability"
)

// Publisher publishes charger telemetry to MQTT.
type Publisher interface {
	// PublishStatus sends the latest snapshot (QoS 0, retained).
	PublishStatus(s charger.Snapshot) error

	// PublishEvent sends a phase change, retry or fault (QoS 1).
	PublishEvent(e Event) error

	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

type EventType string

const (
	EventPhase   EventType = "PHASE"
	EventRetry   EventType = "RETRY"
	EventFault   EventType = "FAULT"
	EventCharged EventType = "CHARGED"
)

type Event struct {
	Timestamp time.Time
	Type      EventType
	Phase     charger.Phase
	Previous  charger.Phase
	Fault     charger.Fault
	Detail    string
	Retries   uint64
}

// EventPayload is the JSON body of an event message.
type EventPayload struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Phase     string `json:"phase"`
	Previous  string `json:"previous,omitempty"`
	Fault     string `json:"fault,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Retries   uint64 `json:"retries"`
}

func FormatEvent(e Event) ([]byte, error) {
	p := EventPayload{
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		Event:     string(e.Type),
		Phase:     e.Phase.String(),
		Fault:     string(e.Fault),
		Detail:    e.Detail,
		Retries:   e.Retries,
	}
	if e.Type == EventPhase {
		p.Previous = e.Previous.String()
	}
	return json.Marshal(p)
}

func FormatStatus(s charger.Snapshot) ([]byte, error) {
	return json.Marshal(s)
}
