// Package envelope defines the message envelope and payload carried by the
// AMP routing core, plus the signing scheme that authenticates senders.
package envelope

import (
	"time"

	"github.com/google/uuid"
)

// Priority is the closed set of envelope priorities.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority validates a wire priority string. Empty defaults to normal.
func ParsePriority(raw string) (Priority, bool) {
	switch Priority(raw) {
	case "":
		return PriorityNormal, true
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return Priority(raw), true
	default:
		return "", false
	}
}

// PayloadType is the closed set of payload kinds.
type PayloadType string

const (
	TypeRequest      PayloadType = "request"
	TypeResponse     PayloadType = "response"
	TypeNotification PayloadType = "notification"
	TypeUpdate       PayloadType = "update"
	TypeSystem       PayloadType = "system"
)

// ParsePayloadType validates a wire payload type. Empty defaults to request.
func ParsePayloadType(raw string) (PayloadType, bool) {
	switch PayloadType(raw) {
	case "":
		return TypeRequest, true
	case TypeRequest, TypeResponse, TypeNotification, TypeUpdate, TypeSystem:
		return PayloadType(raw), true
	default:
		return "", false
	}
}

// Envelope is the routing metadata for one message. Immutable once created
// except for Signature, which is filled in by Sign.
type Envelope struct {
	ID        string   `json:"id"`
	From      string   `json:"from"`
	To        string   `json:"to"`
	Subject   string   `json:"subject"`
	Priority  Priority `json:"priority"`
	Timestamp string   `json:"timestamp"`
	Signature string   `json:"signature,omitempty"`
	InReplyTo string   `json:"in_reply_to,omitempty"`
}

// Attachment is an opaque blob riding along with a payload.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data"`
}

// Payload is the message body. Context travels opaquely.
type Payload struct {
	Type        PayloadType    `json:"type"`
	Message     string         `json:"message"`
	Context     map[string]any `json:"context,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
}

// New assigns a fresh time-ordered id and UTC timestamp. UUIDv7 ids are
// unique within the process and sort by creation time.
func New(from, to, subject string, priority Priority, inReplyTo string) Envelope {
	if priority == "" {
		priority = PriorityNormal
	}
	return Envelope{
		ID:        newID(),
		From:      from,
		To:        to,
		Subject:   subject,
		Priority:  priority,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		InReplyTo: inReplyTo,
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the entropy source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}
