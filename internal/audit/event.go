// Package audit provides the security audit trail of the RA.
//
// Audit logs are separate from technical logs:
//   - every accepted, forwarded or rejected CMP request leaves an event
//   - events are chained by SHA-256 hashes, so that edits are detectable
//   - secrets (private keys, shared secrets) are never logged
//   - all timestamps are UTC
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType represents the category of audit event.
type EventType string

const (
	// Request handling
	EventRequestRejected   EventType = "CMP_REQUEST_REJECTED"
	EventRequestForwarded  EventType = "CMP_REQUEST_FORWARDED"
	EventResponseDelivered EventType = "CMP_RESPONSE_DELIVERED"

	// Results
	EventCertEnrolled EventType = "CMP_CERT_ENROLLED"
	EventKeyGenerated EventType = "CMP_KEY_GENERATED"

	// Lifecycle and security
	EventTransactionExpired EventType = "CMP_TRANSACTION_EXPIRED"
	EventProtectionFailed   EventType = "CMP_PROTECTION_FAILED"
)

// Result represents the outcome of an audited operation.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Actor is the party on whose behalf the RA acted.
type Actor struct {
	Type string `json:"type"`           // "requester", "upstream", "service"
	ID   string `json:"id"`             // sender DN or service name
	KID  string `json:"kid,omitempty"` // senderKID, hex
}

// Object is what the event is about.
type Object struct {
	Type    string `json:"type"` // "transaction", "certificate", "key"
	Serial  string `json:"serial,omitempty"`
	Subject string `json:"subject,omitempty"`
	Issuer  string `json:"issuer,omitempty"`
}

// Context carries the CMP details of the event.
type Context struct {
	TransactionID string `json:"transaction_id,omitempty"` // hex
	Profile       string `json:"profile,omitempty"`
	BodyType      string `json:"body_type,omitempty"`
	Direction     string `json:"direction,omitempty"` // "downstream", "upstream"
	Algorithm     string `json:"algorithm,omitempty"`
	FailInfo      string `json:"fail_info,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Event represents a single audit log entry.
type Event struct {
	ID        string    `json:"id"`
	EventType EventType `json:"event_type"`
	Timestamp string    `json:"timestamp"` // RFC3339 UTC
	Actor     Actor     `json:"actor"`
	Object    Object    `json:"object"`
	Context   Context   `json:"context,omitempty"`
	Result    Result    `json:"result"`
	HashPrev  string    `json:"hash_prev"` // SHA-256 hash of previous event
	Hash      string    `json:"hash"`      // SHA-256 hash of this event
}

// NewEvent creates an event stamped now, attributed to the RA service.
func NewEvent(eventType EventType, result Result) *Event {
	return &Event{
		ID:        uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Actor:     Actor{Type: "service", ID: "cmpra"},
		Result:    result,
	}
}

// WithObject sets the object field.
func (e *Event) WithObject(obj Object) *Event {
	e.Object = obj
	return e
}

// WithContext sets the context field.
func (e *Event) WithContext(ctx Context) *Event {
	e.Context = ctx
	return e
}

// WithActor overrides the default actor.
func (e *Event) WithActor(actor Actor) *Event {
	e.Actor = actor
	return e
}

// Validate checks that required fields are present.
func (e *Event) Validate() error {
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.Timestamp == "" {
		return fmt.Errorf("timestamp is required")
	}
	if e.Actor.Type == "" || e.Actor.ID == "" {
		return fmt.Errorf("actor type and id are required")
	}
	if e.Result == "" {
		return fmt.Errorf("result is required")
	}
	return nil
}

// CanonicalJSON returns the event without its Hash, for hashing.
func (e *Event) CanonicalJSON() ([]byte, error) {
	type eventForHash struct {
		ID        string    `json:"id"`
		EventType EventType `json:"event_type"`
		Timestamp string    `json:"timestamp"`
		Actor     Actor     `json:"actor"`
		Object    Object    `json:"object"`
		Context   Context   `json:"context,omitempty"`
		Result    Result    `json:"result"`
		HashPrev  string    `json:"hash_prev"`
	}
	return json.Marshal(eventForHash{
		ID:        e.ID,
		EventType: e.EventType,
		Timestamp: e.Timestamp,
		Actor:     e.Actor,
		Object:    e.Object,
		Context:   e.Context,
		Result:    e.Result,
		HashPrev:  e.HashPrev,
	})
}

// JSON returns the full event as JSON.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}
