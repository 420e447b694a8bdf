package model

import "time"

// Envelope is the JSON wire shape of a broker message. Delivery is
// at-least-once; MessageID is the dedup key, CausedBy links a published
// message back to the message whose processing produced it.
type Envelope struct {
	TenantID    string         `json:"tenant_id"`
	ExceptionID string         `json:"exception_id"`
	MessageID   string         `json:"message_id"`
	EventType   EventType      `json:"event_type"`
	Payload     map[string]any `json:"payload,omitempty"`
	CausedBy    string         `json:"caused_by_message_id,omitempty"`
	ProducedAt  time.Time      `json:"produced_at"`
}

// DeadLetter records a message the pipeline refused to process, with the
// reason it was parked. Dead letters are never silently dropped.
type DeadLetter struct {
	ID         int64     `json:"id"`
	TenantID   string    `json:"tenant_id"`
	MessageID  string    `json:"message_id"`
	Reason     string    `json:"reason"`
	ReasonCode string    `json:"reason_code"`
	Envelope   []byte    `json:"envelope"`
	ParkedAt   time.Time `json:"parked_at"`
}
