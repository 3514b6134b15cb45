// Package delivery owns the client-facing side of the pipeline: one
// websocket session per connection with a bounded ordered outbound queue,
// cursor-based replay on connect, liveness pings, and slow-consumer
// teardown.
package delivery

import (
	"errors"
	"time"
)

// Frame types sent to clients.
const (
	TypeEvent          = "event"
	TypeResyncRequired = "resync_required"
)

var (
	// ErrBackpressure reports that the subscriber's queue is full and the
	// frame was not accepted. The session recovers the dropped range from
	// the backlog once the client drains.
	ErrBackpressure = errors.New("delivery: subscriber queue full")

	// ErrSlowConsumer reports that the subscriber stayed stalled past the
	// configured threshold and has been disconnected.
	ErrSlowConsumer = errors.New("delivery: slow consumer disconnected")

	// ErrUnknownConnection reports that no live session exists for the
	// connection ID.
	ErrUnknownConnection = errors.New("delivery: unknown connection")
)

// Envelope is one frame on the wire.
type Envelope struct {
	Type       string            `json:"type"`
	Sequence   uint64            `json:"sequence,omitempty"`
	EntityKind string            `json:"entity_kind,omitempty"`
	EntityID   string            `json:"entity_id,omitempty"`
	OccurredAt *time.Time        `json:"occurred_at,omitempty"`
	View       map[string]string `json:"view,omitempty"`
}

// clientAck is the acknowledgment message a client sends for the highest
// sequence it has received.
type clientAck struct {
	Type     string `json:"type"`
	Sequence uint64 `json:"sequence"`
}
